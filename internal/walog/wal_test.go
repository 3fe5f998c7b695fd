package walog

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestAppendAndReplayPreservesOrder(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	payloads := [][]byte{[]byte("start"), []byte("verify"), []byte("prepare"), []byte("commit")}
	var seqs []uint64
	for _, p := range payloads {
		seq, err := w.Append(RecordStepEntered, p)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		seqs = append(seqs, seq)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("expected strictly increasing seq, got %v", seqs)
		}
	}

	records, err := Replay(dir)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(records) != len(payloads) {
		t.Fatalf("expected %d records, got %d", len(payloads), len(records))
	}
	for i, rec := range records {
		if !bytes.Equal(rec.Payload, payloads[i]) {
			t.Fatalf("record %d payload mismatch: got %q want %q", i, rec.Payload, payloads[i])
		}
		if rec.Type != RecordStepEntered {
			t.Fatalf("record %d type mismatch: got %v", i, rec.Type)
		}
	}
}

func TestReplayStopsAtTornTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := w.Append(RecordTxStarted, []byte("descriptor-bytes")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := w.Append(RecordStepEntered, []byte("verify")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected a single segment, got %d", len(entries))
	}
	segPath := filepath.Join(dir, entries[0].Name())
	f, err := os.OpenFile(segPath, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	info, err := f.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := f.Truncate(info.Size() - 3); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	f.Close()

	records, err := Replay(dir)
	if err != nil {
		t.Fatalf("replay after torn tail: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected the torn second record to be dropped, got %d records", len(records))
	}
	if records[0].Type != RecordTxStarted {
		t.Fatalf("expected surviving record to be the first append, got %v", records[0].Type)
	}
}

func TestOpenAfterCloseResumesSequence(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	first, err := w.Append(RecordStepEntered, []byte("start"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w2, err := Open(dir, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { w2.Close() })
	second, err := w2.Append(RecordStepEntered, []byte("verify"))
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if second <= first {
		t.Fatalf("expected sequence to continue across reopen, got first=%d second=%d", first, second)
	}
}

func TestRotatesSegmentsOnceMaxBytesExceeded(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 64)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	for i := 0; i < 10; i++ {
		if _, err := w.Append(RecordAckReceived, bytes.Repeat([]byte{'x'}, 16)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected rotation to produce more than one segment, got %d", len(entries))
	}
}
