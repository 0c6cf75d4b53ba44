// Package wal implements WriteAheadLog: an append-only durable journal of
// critical events with idempotency keys and replay (spec.md §4.G).
//
// The externally-specified on-disk record format (spec.md §6) is written to
// a flat rotation-friendly segment file (segment.go). A separate embedded
// Badger store layered on top tracks which event_ids are still
// begun-but-uncommitted, giving `replay` an O(uncommitted) index instead of
// a full segment scan, and giving `commit` a durable tombstone independent
// of the segment's own append-only shape.
package wal

import (
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Config tunes segment rotation and the Badger index location.
type Config struct {
	SegmentDir     string
	IndexDir       string
	MaxSegmentSize int64
	FsyncTimeout   time.Duration
}

// DefaultConfig returns spec.md §6-aligned defaults (64MiB segments, 1s
// fsync timeout).
func DefaultConfig(baseDir string) Config {
	return Config{
		SegmentDir:     baseDir + "/segments",
		IndexDir:       baseDir + "/index",
		MaxSegmentSize: 64 << 20,
		FsyncTimeout:   time.Second,
	}
}

// indexEntry is the Badger value for a begun-but-uncommitted event.
type indexEntry struct {
	Kind         uint8  `json:"kind"`
	LogicalTs    uint64 `json:"logicalTs"`
	SegmentPath  string `json:"segmentPath"`
	Offset       int64  `json:"offset"`
	BegunAtMs    int64  `json:"begunAtMs"`
}

// Handle identifies one begun record awaiting commit.
type Handle struct {
	EventID uuid.UUID
}

// UncommittedRecord is yielded by Replay for the caller to re-execute using
// its idempotency key.
type UncommittedRecord struct {
	EventID   uuid.UUID
	Kind      uint8
	LogicalTs uint64
	Payload   []byte
}

// WAL implements begin/commit/replay over a segment file plus a Badger
// idempotent commit index.
type WAL struct {
	cfg     Config
	segment *segmentWriter
	index   *badger.DB
}

// Open opens (or creates) the WAL at the directories named in cfg.
func Open(cfg Config) (*WAL, error) {
	seg, err := newSegmentWriter(cfg.SegmentDir, cfg.MaxSegmentSize)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment writer: %w", err)
	}

	opts := badger.DefaultOptions(cfg.IndexDir).WithLogger(nil).WithSyncWrites(true)
	db, err := badger.Open(opts)
	if err != nil {
		seg.Close()
		return nil, fmt.Errorf("wal: open badger index: %w", err)
	}

	return &WAL{cfg: cfg, segment: seg, index: db}, nil
}

// Close releases the segment writer and index store.
func (w *WAL) Close() error {
	segErr := w.segment.Close()
	idxErr := w.index.Close()
	if segErr != nil {
		return segErr
	}
	return idxErr
}

func indexKey(eventID uuid.UUID) []byte {
	key := make([]byte, 0, 4+16)
	key = append(key, []byte("evt:")...)
	key = append(key, eventID[:]...)
	return key
}

// Begin implements begin(event) → Handle: appends the record to the segment
// with an fsync durability barrier before returning, then durably marks the
// event as begun-but-uncommitted in the Badger index. Only after Begin
// returns may the caller initiate the authoritative DB transaction.
func (w *WAL) Begin(eventID uuid.UUID, kind uint8, logicalTs uint64, payload []byte) (Handle, error) {
	path, offset, err := w.segment.Append(Record{EventID: eventID, Kind: kind, LogicalTs: logicalTs, Payload: payload})
	if err != nil {
		return Handle{}, fmt.Errorf("wal: append record: %w", err)
	}

	entry := indexEntry{Kind: kind, LogicalTs: logicalTs, SegmentPath: path, Offset: offset, BegunAtMs: time.Now().UnixMilli()}
	value, err := json.Marshal(entry)
	if err != nil {
		return Handle{}, fmt.Errorf("wal: encode index entry: %w", err)
	}
	err = w.index.Update(func(txn *badger.Txn) error {
		return txn.Set(indexKey(eventID), value)
	})
	if err != nil {
		return Handle{}, fmt.Errorf("wal: write index entry: %w", err)
	}
	return Handle{EventID: eventID}, nil
}

// Commit implements commit(handle): durably marks the record done and
// purges it from the index (spec.md §3: "purged after commit").
func (w *WAL) Commit(h Handle) error {
	err := w.index.Update(func(txn *badger.Txn) error {
		return txn.Delete(indexKey(h.EventID))
	})
	if err != nil {
		return fmt.Errorf("wal: commit: %w", err)
	}
	return nil
}

// Quarantine marks a record as failed-to-replay for manual reconciliation
// (spec.md §4.G) by rewriting its index entry with a quarantined marker
// rather than deleting it, so operators can inspect and clear it by hand.
func (w *WAL) Quarantine(eventID uuid.UUID, reason string) error {
	return w.index.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(eventID))
		if err != nil {
			return err
		}
		var entry indexEntry
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &entry) }); err != nil {
			return err
		}
		qkey := append([]byte("quarantine:"), indexKey(eventID)...)
		payload, err := json.Marshal(struct {
			indexEntry
			Reason string `json:"reason"`
		}{entry, reason})
		if err != nil {
			return err
		}
		if err := txn.Set(qkey, payload); err != nil {
			return err
		}
		return txn.Delete(indexKey(eventID))
	})
}

// Replay implements replay() → iterator<UncommittedRecord>: yields every
// begun-but-uncommitted record found in the index, materialized as a slice.
func (w *WAL) Replay() ([]UncommittedRecord, error) {
	var out []UncommittedRecord
	err := w.index.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("evt:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var entry indexEntry
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &entry) }); err != nil {
				return err
			}
			var eventID uuid.UUID
			copy(eventID[:], item.Key()[len(prefix):])

			rec, err := ReadRecordAt(entry.SegmentPath, entry.Offset)
			if err != nil {
				out = append(out, UncommittedRecord{EventID: eventID, Kind: entry.Kind, LogicalTs: entry.LogicalTs})
				continue
			}
			out = append(out, UncommittedRecord{
				EventID:   eventID,
				Kind:      rec.Kind,
				LogicalTs: rec.LogicalTs,
				Payload:   rec.Payload,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("wal: replay: %w", err)
	}
	return out, nil
}

// PendingCount returns the number of begun-but-uncommitted events in the
// index. /runtime/stats does not report it.
func (w *WAL) PendingCount() (int, error) {
	count := 0
	err := w.index.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("evt:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}
