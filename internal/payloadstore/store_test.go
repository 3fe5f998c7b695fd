package payloadstore

import (
	"os"
	"testing"

	"github.com/otamesh/atomic/internal/atomictypes"
)

func TestOutOfOrderChunksCompleteTransfer(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	txID := atomictypes.NewTxID()
	serial := atomictypes.Serial("ecu-1")

	if err := s.WriteChunk(txID, serial, 8, []byte("orld!!!!")); err != nil {
		t.Fatalf("write second chunk first: %v", err)
	}
	complete, err := s.IsComplete(txID, serial, 16)
	if err != nil {
		t.Fatalf("is complete: %v", err)
	}
	if complete {
		t.Fatal("expected incomplete before the first chunk arrives")
	}
	if err := s.WriteChunk(txID, serial, 0, []byte("hello, w")); err != nil {
		t.Fatalf("write first chunk: %v", err)
	}
	complete, err = s.IsComplete(txID, serial, 16)
	if err != nil {
		t.Fatalf("is complete: %v", err)
	}
	if !complete {
		t.Fatal("expected complete once both chunks have landed")
	}

	path, err := s.Path(txID, serial)
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read staging file: %v", err)
	}
	if string(data) != "hello, world!!!!" {
		t.Fatalf("unexpected staged content: %q", data)
	}
}

func TestOverlappingChunkRejected(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	txID := atomictypes.NewTxID()
	serial := atomictypes.Serial("ecu-1")
	if err := s.WriteChunk(txID, serial, 0, []byte("0123456789")); err != nil {
		t.Fatalf("write: %v", err)
	}
	err = s.WriteChunk(txID, serial, 5, []byte("abcde"))
	if err == nil {
		t.Fatal("expected overlap to be rejected")
	}
	var fail *atomictypes.Failure
	if !errorsAsFailure(err, &fail) || fail.Kind != atomictypes.FailurePayload {
		t.Fatalf("expected FailurePayload, got %v", err)
	}
}

func TestOversizedChunkRejected(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	txID := atomictypes.NewTxID()
	serial := atomictypes.Serial("ecu-1")
	err = s.WriteChunk(txID, serial, 0, make([]byte, MaxChunkBytes+1))
	if err == nil {
		t.Fatal("expected oversized chunk to be rejected")
	}
}

func TestGapsReportsUncoveredRanges(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	txID := atomictypes.NewTxID()
	serial := atomictypes.Serial("ecu-1")
	if err := s.WriteChunk(txID, serial, 0, make([]byte, 4)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.WriteChunk(txID, serial, 10, make([]byte, 4)); err != nil {
		t.Fatalf("write: %v", err)
	}
	gaps, err := s.Gaps(txID, serial, 20)
	if err != nil {
		t.Fatalf("gaps: %v", err)
	}
	want := []atomictypes.ByteRange{{Start: 4, End: 10}, {Start: 14, End: 20}}
	if len(gaps) != len(want) {
		t.Fatalf("expected %d gaps, got %d (%v)", len(want), len(gaps), gaps)
	}
	for i := range want {
		if gaps[i] != want[i] {
			t.Fatalf("gap %d: got %v want %v", i, gaps[i], want[i])
		}
	}
}

func TestDiscardRemovesStagingDir(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	txID := atomictypes.NewTxID()
	serial := atomictypes.Serial("ecu-1")
	if err := s.WriteChunk(txID, serial, 0, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Discard(txID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := s.Path(txID, serial); err != nil {
		t.Fatalf("path after discard should reopen cleanly: %v", err)
	}
}

func errorsAsFailure(err error, target **atomictypes.Failure) bool {
	f, ok := err.(*atomictypes.Failure)
	if !ok {
		return false
	}
	*target = f
	return true
}
