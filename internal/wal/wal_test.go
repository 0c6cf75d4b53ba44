package wal

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestWAL(t *testing.T) *WAL {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.MaxSegmentSize = 1 << 20
	w, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestBeginThenReplayYieldsUncommitted(t *testing.T) {
	w := newTestWAL(t)
	eventID := uuid.New()

	_, err := w.Begin(eventID, 1, 42, []byte("payload"))
	require.NoError(t, err)

	pending, err := w.Replay()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, eventID, pending[0].EventID)
	require.Equal(t, []byte("payload"), pending[0].Payload)
}

func TestCommitRemovesFromReplay(t *testing.T) {
	w := newTestWAL(t)
	eventID := uuid.New()

	h, err := w.Begin(eventID, 1, 42, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, w.Commit(h))

	pending, err := w.Replay()
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestReplaySkipsCommittedAmongMultipleBegins(t *testing.T) {
	w := newTestWAL(t)
	e1, e2 := uuid.New(), uuid.New()

	_, err := w.Begin(e1, 1, 1, []byte("a"))
	require.NoError(t, err)
	h2, err := w.Begin(e2, 2, 2, []byte("b"))
	require.NoError(t, err)
	require.NoError(t, w.Commit(h2))

	pending, err := w.Replay()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, e1, pending[0].EventID)
}

func TestQuarantineRemovesFromReplay(t *testing.T) {
	w := newTestWAL(t)
	eventID := uuid.New()

	_, err := w.Begin(eventID, 1, 1, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, w.Quarantine(eventID, "manual reconciliation needed"))

	pending, err := w.Replay()
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestPendingCount(t *testing.T) {
	w := newTestWAL(t)
	_, err := w.Begin(uuid.New(), 1, 1, []byte("a"))
	require.NoError(t, err)
	_, err = w.Begin(uuid.New(), 1, 2, []byte("b"))
	require.NoError(t, err)

	count, err := w.PendingCount()
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestSegmentRecordRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sw, err := newSegmentWriter(dir, 1<<20)
	require.NoError(t, err)
	defer sw.Close()

	rec := Record{EventID: uuid.New(), Kind: 5, LogicalTs: 99, Payload: []byte("hello wal")}
	path, offset, err := sw.Append(rec)
	require.NoError(t, err)

	got, err := ReadRecordAt(path, offset)
	require.NoError(t, err)
	require.Equal(t, rec.EventID, got.EventID)
	require.Equal(t, rec.Kind, got.Kind)
	require.Equal(t, rec.LogicalTs, got.LogicalTs)
	require.Equal(t, rec.Payload, got.Payload)
}
