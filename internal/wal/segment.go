package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
)

// Record is one entry in the append-only WAL segment file (spec.md §6):
// {len:u32, event_id:u128, kind:u8, logical_ts:u64, payload_bytes} with a
// CRC32 (IEEE) trailer over everything but the length prefix.
type Record struct {
	EventID   uuid.UUID
	Kind      uint8
	LogicalTs uint64
	Payload   []byte
}

const recordFixedLen = 16 + 1 + 8 // event_id + kind + logical_ts

func encodeRecord(r Record) []byte {
	body := make([]byte, 0, recordFixedLen+len(r.Payload))
	body = append(body, r.EventID[:]...)
	body = append(body, r.Kind)
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], r.LogicalTs)
	body = append(body, ts[:]...)
	body = append(body, r.Payload...)

	checksum := crc32.ChecksumIEEE(body)

	frame := make([]byte, 0, 4+len(body)+4)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(r.Payload)))
	frame = append(frame, lenBuf[:]...)
	frame = append(frame, body...)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], checksum)
	frame = append(frame, crcBuf[:]...)
	return frame
}

var errShortRecord = fmt.Errorf("wal: record truncated")
var errBadChecksum = fmt.Errorf("wal: record checksum mismatch")

// decodeRecord reads one record from r, returning io.EOF cleanly at a clean
// segment boundary.
func decodeRecord(r io.Reader) (Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Record{}, err // may be io.EOF
	}
	payloadLen := binary.LittleEndian.Uint32(lenBuf[:])

	body := make([]byte, recordFixedLen+int(payloadLen))
	if _, err := io.ReadFull(r, body); err != nil {
		return Record{}, errShortRecord
	}
	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return Record{}, errShortRecord
	}
	want := binary.LittleEndian.Uint32(crcBuf[:])
	if crc32.ChecksumIEEE(body) != want {
		return Record{}, errBadChecksum
	}

	var rec Record
	copy(rec.EventID[:], body[0:16])
	rec.Kind = body[16]
	rec.LogicalTs = binary.LittleEndian.Uint64(body[17:25])
	rec.Payload = append([]byte(nil), body[25:]...)
	return rec, nil
}

// segmentWriter appends records to one rotation-friendly file, fsyncing
// after every append so `begin` never returns before the durability
// barrier is crossed (spec.md §4.G).
type segmentWriter struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64

	file    *os.File
	written int64
	index   int
}

func newSegmentWriter(dir string, maxBytes int64) (*segmentWriter, error) {
	w := &segmentWriter{dir: dir, maxBytes: maxBytes}
	if err := w.openNext(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *segmentWriter) segmentPath(index int) string {
	return fmt.Sprintf("%s/segment-%08d.wal", w.dir, index)
}

func (w *segmentWriter) openNext() error {
	if w.file != nil {
		w.file.Close()
	}
	w.index++
	f, err := os.OpenFile(w.segmentPath(w.index), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("wal: open segment: %w", err)
	}
	// A segment left by an earlier run is appended to, so offsets start at
	// its current size.
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("wal: stat segment: %w", err)
	}
	w.file = f
	w.written = info.Size()
	return nil
}

// Append writes rec's framed bytes, fsyncs, and rotates if the segment has
// grown past maxBytes. It returns the segment path and byte offset the
// record was written at, for replay bookkeeping.
func (w *segmentWriter) Append(rec Record) (path string, offset int64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	frame := encodeRecord(rec)
	offset = w.written
	if _, err := w.file.Write(frame); err != nil {
		return "", 0, fmt.Errorf("wal: write record: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return "", 0, fmt.Errorf("wal: fsync: %w", err)
	}
	w.written += int64(len(frame))
	path = w.segmentPath(w.index)

	if w.written >= w.maxBytes {
		if err := w.openNext(); err != nil {
			return path, offset, err
		}
	}
	return path, offset, nil
}

// Close releases the current segment file handle.
func (w *segmentWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

// ReadRecordAt opens path and reads the single record beginning at offset.
func ReadRecordAt(path string, offset int64) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Record{}, fmt.Errorf("wal: open segment for replay: %w", err)
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return Record{}, fmt.Errorf("wal: seek segment: %w", err)
	}
	return decodeRecord(f)
}
