// Package payloadstore buffers the image bytes destined for each Secondary
// as they arrive, chunk by chunk, interleaved with the 3PC protocol steps.
// Each (transaction, ECU serial) pair gets its own staging file; chunks may
// arrive out of order or be retransmitted, so the store tracks which byte
// ranges have actually landed rather than trusting a running total.
package payloadstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/otamesh/atomic/internal/atomictypes"
)

// MaxChunkBytes bounds a single chunk, independent of the wire codec's
// frame cap, so a malformed offset/length pair cannot grow a staging file
// without bound.
const MaxChunkBytes = 8 << 20

type byteRange struct {
	start, end int64 // [start, end)
}

type stagingFile struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	covered []byteRange
}

// Store owns the staging directory for every in-flight transaction.
type Store struct {
	dir string

	mu    sync.Mutex
	files map[string]*stagingFile
}

// Open roots a Store at dir, creating it if necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("payloadstore: mkdir %q: %w", dir, err)
	}
	return &Store{dir: dir, files: make(map[string]*stagingFile)}, nil
}

func stagingKey(txID atomictypes.TxID, serial atomictypes.ECUSerial) string {
	return txID.String() + "/" + serial.String()
}

func (s *Store) stagingPath(txID atomictypes.TxID, serial atomictypes.ECUSerial) string {
	return filepath.Join(s.dir, txID.String(), serial.String()+".bin")
}

func (s *Store) open(txID atomictypes.TxID, serial atomictypes.ECUSerial) (*stagingFile, error) {
	key := stagingKey(txID, serial)
	s.mu.Lock()
	defer s.mu.Unlock()
	if sf, ok := s.files[key]; ok {
		return sf, nil
	}
	path := s.stagingPath(txID, serial)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("payloadstore: mkdir %q: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("payloadstore: open %q: %w", path, err)
	}
	sf := &stagingFile{path: path, file: f}
	s.files[key] = sf
	return sf, nil
}

// WriteChunk writes data at offset for (txID, serial), tracking the byte
// range it covers. Overlapping or oversized chunks are rejected with
// FailurePayload rather than silently accepted, since a re-sent chunk
// should match the range it claims and nothing else.
func (s *Store) WriteChunk(txID atomictypes.TxID, serial atomictypes.ECUSerial, offset int64, data []byte) error {
	if offset < 0 {
		return atomictypes.NewFailure(atomictypes.FailurePayload, "negative chunk offset")
	}
	if len(data) > MaxChunkBytes {
		return atomictypes.NewFailure(atomictypes.FailurePayload, "chunk exceeds max chunk size")
	}
	sf, err := s.open(txID, serial)
	if err != nil {
		return err
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()
	r := byteRange{start: offset, end: offset + int64(len(data))}
	if overlapsAny(sf.covered, r) {
		return atomictypes.NewFailure(atomictypes.FailurePayload, "overlapping chunk")
	}
	if len(data) > 0 {
		if _, err := sf.file.WriteAt(data, offset); err != nil {
			return atomictypes.NewFailure(atomictypes.FailureStorage, err.Error())
		}
	}
	sf.covered = mergeRange(sf.covered, r)
	return nil
}

// IsComplete reports whether every byte in [0, size) has been written.
func (s *Store) IsComplete(txID atomictypes.TxID, serial atomictypes.ECUSerial, size int64) (bool, error) {
	sf, err := s.open(txID, serial)
	if err != nil {
		return false, err
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if size <= 0 {
		return true, nil
	}
	return len(sf.covered) == 1 && sf.covered[0].start == 0 && sf.covered[0].end >= size, nil
}

// Gaps returns the uncovered sub-ranges of [0, size), for a Secondary to
// report back to the Primary (e.g. after a reconnect) so only the missing
// chunks need retransmission.
func (s *Store) Gaps(txID atomictypes.TxID, serial atomictypes.ECUSerial, size int64) ([]atomictypes.ByteRange, error) {
	sf, err := s.open(txID, serial)
	if err != nil {
		return nil, err
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()
	var gaps []atomictypes.ByteRange
	cursor := int64(0)
	for _, r := range sf.covered {
		if r.start > cursor {
			gaps = append(gaps, atomictypes.ByteRange{Start: cursor, End: r.start})
		}
		if r.end > cursor {
			cursor = r.end
		}
	}
	if cursor < size {
		gaps = append(gaps, atomictypes.ByteRange{Start: cursor, End: size})
	}
	return gaps, nil
}

// Path returns the staging file path for handing to a collab.Backend.
func (s *Store) Path(txID atomictypes.TxID, serial atomictypes.ECUSerial) (string, error) {
	sf, err := s.open(txID, serial)
	if err != nil {
		return "", err
	}
	return sf.path, nil
}

// Discard closes and removes all staging files for a finished transaction.
func (s *Store) Discard(txID atomictypes.TxID) error {
	s.mu.Lock()
	prefix := txID.String() + "/"
	for key, sf := range s.files {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			sf.file.Close()
			delete(s.files, key)
		}
	}
	s.mu.Unlock()
	return os.RemoveAll(filepath.Join(s.dir, txID.String()))
}

func overlapsAny(covered []byteRange, r byteRange) bool {
	for _, c := range covered {
		if r.start < c.end && c.start < r.end {
			return true
		}
	}
	return false
}

func mergeRange(covered []byteRange, r byteRange) []byteRange {
	covered = append(covered, r)
	sort.Slice(covered, func(i, j int) bool { return covered[i].start < covered[j].start })
	merged := covered[:1]
	for _, c := range covered[1:] {
		last := &merged[len(merged)-1]
		if c.start <= last.end {
			if c.end > last.end {
				last.end = c.end
			}
			continue
		}
		merged = append(merged, c)
	}
	return merged
}
