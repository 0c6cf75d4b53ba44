// Package persistence implements PersistenceWorker: coalesces dirty
// non-critical character state and flushes it in batches, with bounded
// retry and never a silent drop on permanent failure (spec.md §4.F).
package persistence

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sethvargo/go-retry"

	"muruntime/internal/dbrepo"
	"muruntime/internal/domain"
	"muruntime/internal/telemetry"
)

// Repo is the persistence surface the worker needs; *dbrepo.Repo satisfies
// it.
type Repo interface {
	UpsertCharacterBatch(ctx context.Context, records []dbrepo.CharacterRecord) error
}

// Config tunes flush cadence and retry behavior (spec.md §4.F defaults).
type Config struct {
	FlushTick   time.Duration
	BatchSize   int
	MaxFlushLag time.Duration
}

// DefaultConfig returns the spec-named defaults: 2s flush tick, 200-entry
// batch trigger, 12s retry cap (within the 10-15s band spec.md §4.F names).
func DefaultConfig() Config {
	return Config{FlushTick: 2 * time.Second, BatchSize: 200, MaxFlushLag: 12 * time.Second}
}

// Metrics are the worker's prometheus counters, exposed through whatever
// registry NewMetrics registers them with (httpapi's /metrics serves the
// default one). /runtime/persistence does not include them.
type Metrics struct {
	FlushesTotal      prometheus.Counter
	FlushErrorsTotal  prometheus.Counter
	EntriesFlushed    prometheus.Counter
	EntriesRequeued   prometheus.Counter
}

// NewMetrics registers the worker's counters against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FlushesTotal:     prometheus.NewCounter(prometheus.CounterOpts{Name: "muruntime_persistence_flushes_total"}),
		FlushErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{Name: "muruntime_persistence_flush_errors_total"}),
		EntriesFlushed:   prometheus.NewCounter(prometheus.CounterOpts{Name: "muruntime_persistence_entries_flushed_total"}),
		EntriesRequeued:  prometheus.NewCounter(prometheus.CounterOpts{Name: "muruntime_persistence_entries_requeued_total"}),
	}
	reg.MustRegister(m.FlushesTotal, m.FlushErrorsTotal, m.EntriesFlushed, m.EntriesRequeued)
	return m
}

type bufferedEntry struct {
	snapshot domain.Snapshot
	dirtySeq uint64
}

// Worker implements PersistenceWorker.
type Worker struct {
	cfg     Config
	repo    Repo
	metrics *Metrics
	logger  telemetry.Logger

	seq atomic.Uint64

	mu     sync.Mutex
	buffer map[domain.CharacterID]bufferedEntry

	flushSignal chan struct{}
}

// New constructs a PersistenceWorker over repo.
func New(repo Repo, metrics *Metrics, logger telemetry.Logger, cfg Config) *Worker {
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}
	return &Worker{
		cfg:         cfg,
		repo:        repo,
		metrics:     metrics,
		logger:      logger,
		buffer:      make(map[domain.CharacterID]bufferedEntry),
		flushSignal: make(chan struct{}, 1),
	}
}

// Enqueue implements enqueue(character_id, snapshot): overwrites the
// buffered entry, bumping a monotonic dirty_seq.
func (w *Worker) Enqueue(characterID domain.CharacterID, snapshot domain.Snapshot) {
	seq := w.seq.Add(1)
	snapshot.DirtySeq = seq

	w.mu.Lock()
	w.buffer[characterID] = bufferedEntry{snapshot: snapshot, dirtySeq: seq}
	shouldSignal := len(w.buffer) >= w.cfg.BatchSize
	w.mu.Unlock()

	if shouldSignal {
		select {
		case w.flushSignal <- struct{}{}:
		default:
		}
	}
}

// BufferedCount reports how many characters currently have unflushed state,
// surfaced at /runtime/persistence.
func (w *Worker) BufferedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// Run drives the flush loop until ctx is canceled, then flushes
// synchronously once more before returning (spec.md §4.F: "on shutdown:
// flush synchronously").
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.FlushTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.flush(context.Background())
			return
		case <-ticker.C:
			w.flush(ctx)
		case <-w.flushSignal:
			w.flush(ctx)
		}
	}
}

func (w *Worker) drain() []domain.Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buffer) == 0 {
		return nil
	}
	out := make([]domain.Snapshot, 0, len(w.buffer))
	for id, entry := range w.buffer {
		out = append(out, entry.snapshot)
		delete(w.buffer, id)
	}
	return out
}

func (w *Worker) requeue(snapshots []domain.Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, snap := range snapshots {
		// A newer write may have arrived while this batch was in flight;
		// never let a stale requeue clobber it.
		if existing, ok := w.buffer[snap.CharacterID]; ok && existing.dirtySeq > snap.DirtySeq {
			continue
		}
		w.buffer[snap.CharacterID] = bufferedEntry{snapshot: snap, dirtySeq: snap.DirtySeq}
	}
}

func (w *Worker) flush(ctx context.Context) {
	batch := w.drain()
	if len(batch) == 0 {
		return
	}

	records := make([]dbrepo.CharacterRecord, 0, len(batch))
	for _, snap := range batch {
		body, err := json.Marshal(snap)
		if err != nil {
			w.logger.Printf("persistence: encode snapshot for %s: %v", snap.CharacterID, err)
			continue
		}
		records = append(records, dbrepo.CharacterRecord{
			CharacterID:       snap.CharacterID,
			NonCriticalFields: body,
			UpdatedAt:         time.Now(),
		})
	}

	backoff, err := retry.NewExponential(200 * time.Millisecond)
	if err != nil {
		w.logger.Printf("persistence: build backoff: %v", err)
		w.requeue(batch)
		return
	}
	backoff = retry.WithMaxDuration(w.cfg.MaxFlushLag, backoff)

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := w.repo.UpsertCharacterBatch(ctx, records); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})

	if w.metrics != nil {
		w.metrics.FlushesTotal.Inc()
	}
	if err != nil {
		// Permanent failure after exhausting the retry budget: emit an
		// error event and keep the entries queued rather than drop them
		// (spec.md §4.F).
		if w.metrics != nil {
			w.metrics.FlushErrorsTotal.Inc()
			w.metrics.EntriesRequeued.Add(float64(len(batch)))
		}
		w.logger.Printf("persistence: permanent flush failure for %d entries: %v", len(batch), err)
		w.requeue(batch)
		return
	}
	if w.metrics != nil {
		w.metrics.EntriesFlushed.Add(float64(len(batch)))
	}
}
