package persistence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"muruntime/internal/dbrepo"
	"muruntime/internal/domain"
)

type fakeRepo struct {
	mu       sync.Mutex
	batches  [][]dbrepo.CharacterRecord
	failN    int
	attempts int
}

func (r *fakeRepo) UpsertCharacterBatch(ctx context.Context, records []dbrepo.CharacterRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.attempts <= r.failN {
		return errFlush
	}
	r.batches = append(r.batches, records)
	return nil
}

func (r *fakeRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, b := range r.batches {
		total += len(b)
	}
	return total
}

type errFlushT string

func (e errFlushT) Error() string { return string(e) }

var errFlush = errFlushT("flush failed")

func TestEnqueueThenFlushWrites(t *testing.T) {
	repo := &fakeRepo{}
	cfg := DefaultConfig()
	cfg.FlushTick = time.Hour // only the direct flush() call matters here
	w := New(repo, nil, nil, cfg)

	w.Enqueue("char-1", domain.Snapshot{CharacterID: "char-1", X: 1, Y: 2})
	require.Equal(t, 1, w.BufferedCount())

	w.flush(context.Background())
	require.Equal(t, 0, w.BufferedCount())
	require.Equal(t, 1, repo.count())
}

func TestEnqueueOverwritesPriorEntry(t *testing.T) {
	repo := &fakeRepo{}
	w := New(repo, nil, nil, DefaultConfig())

	w.Enqueue("char-1", domain.Snapshot{CharacterID: "char-1", X: 1})
	w.Enqueue("char-1", domain.Snapshot{CharacterID: "char-1", X: 2})
	require.Equal(t, 1, w.BufferedCount())

	w.flush(context.Background())
	require.Equal(t, 1, repo.count())
}

func TestFlushRetriesTransientFailureThenSucceeds(t *testing.T) {
	repo := &fakeRepo{failN: 2}
	cfg := DefaultConfig()
	cfg.MaxFlushLag = 2 * time.Second
	w := New(repo, nil, nil, cfg)

	w.Enqueue("char-1", domain.Snapshot{CharacterID: "char-1"})
	w.flush(context.Background())

	require.Equal(t, 1, repo.count())
	require.Equal(t, 0, w.BufferedCount())
}

func TestFlushRequeuesOnPermanentFailure(t *testing.T) {
	repo := &fakeRepo{failN: 1000}
	cfg := DefaultConfig()
	cfg.MaxFlushLag = 50 * time.Millisecond
	w := New(repo, nil, nil, cfg)

	w.Enqueue("char-1", domain.Snapshot{CharacterID: "char-1"})
	w.flush(context.Background())

	require.Equal(t, 0, repo.count())
	require.Equal(t, 1, w.BufferedCount())
}

func TestRunFlushesSynchronouslyOnShutdown(t *testing.T) {
	repo := &fakeRepo{}
	cfg := DefaultConfig()
	cfg.FlushTick = time.Hour
	w := New(repo, nil, nil, cfg)
	w.Enqueue("char-1", domain.Snapshot{CharacterID: "char-1"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after ctx cancellation")
	}
	require.Equal(t, 1, repo.count())
}
