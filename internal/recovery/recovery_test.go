package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/otamesh/atomic/internal/atomictypes"
	"github.com/otamesh/atomic/internal/events"
	"github.com/otamesh/atomic/internal/payloadstore"
	"github.com/otamesh/atomic/internal/secondary"
	"github.com/otamesh/atomic/internal/transport"
	"github.com/otamesh/atomic/internal/walog"
	"github.com/otamesh/atomic/internal/wire"
)

type fakeBackend struct {
	applyErr error
	applied  bool
}

func (f *fakeBackend) Verify(ctx context.Context, stagedPath string, metadata []byte) error { return nil }
func (f *fakeBackend) Apply(ctx context.Context, stagedPath string) error {
	f.applied = true
	return f.applyErr
}
func (f *fakeBackend) Rollback(ctx context.Context) error { return nil }

func openSecondary(t *testing.T, dir string, backend *fakeBackend) *secondary.Machine {
	t.Helper()
	w, err := walog.Open(dir, 0)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	store, err := payloadstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	m := secondary.New(atomictypes.Serial("ecu-1"), w, store, backend, events.NewBus(), nil, 0)
	t.Cleanup(m.Close)
	return m
}

func TestReplaySecondaryFindsTransactionShortOfTerminal(t *testing.T) {
	dir := t.TempDir()
	backend := &fakeBackend{}
	m := openSecondary(t, dir, backend)
	txID := atomictypes.NewTxID()
	ctx := context.Background()

	if _, err := m.Handle(ctx, wire.Request(txID, atomictypes.StepStart, 0, nil)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.Handle(ctx, wire.Request(txID, atomictypes.StepVerify, 0, nil)); err != nil {
		t.Fatalf("verify: %v", err)
	}
	m.Close()

	records, err := walog.Replay(dir)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	pending, err := ReplaySecondary(records)
	if err != nil {
		t.Fatalf("ReplaySecondary: %v", err)
	}
	if len(pending) != 1 || pending[0].TxID != txID || pending[0].Step != atomictypes.StepVerify {
		t.Fatalf("expected one pending tx at Verify, got %+v", pending)
	}
}

func TestReplaySecondarySkipsTerminalTransactions(t *testing.T) {
	dir := t.TempDir()
	backend := &fakeBackend{}
	m := openSecondary(t, dir, backend)
	txID := atomictypes.NewTxID()
	ctx := context.Background()

	for _, step := range []atomictypes.Step{atomictypes.StepStart, atomictypes.StepVerify} {
		if _, err := m.Handle(ctx, wire.Request(txID, step, 0, nil)); err != nil {
			t.Fatalf("%v: %v", step, err)
		}
	}
	if _, err := m.Handle(ctx, wire.Request(txID, atomictypes.StepPrepare, 0, []byte("x"))); err != nil {
		t.Fatalf("prepare chunk: %v", err)
	}
	if _, err := m.Handle(ctx, wire.Request(txID, atomictypes.StepPrepare, 1, nil)); err != nil {
		t.Fatalf("prepare completion: %v", err)
	}
	if _, err := m.Handle(ctx, wire.Request(txID, atomictypes.StepCommit, 0, nil)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	m.Close()

	records, err := walog.Replay(dir)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	pending, err := ReplaySecondary(records)
	if err != nil {
		t.Fatalf("ReplaySecondary: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending transactions once committed, got %+v", pending)
	}
}

// fakePrimary answers a recovery Query with a fixed Report, simulating a
// Primary that already decided the transaction's outcome before this
// Secondary crashed and restarted.
type fakePrimary struct {
	addr string
}

func startFakePrimary(t *testing.T, report wire.Message) *fakePrimary {
	t.Helper()
	ln, err := transport.Listen("127.0.0.1:0", nil, wire.NewCodec(0))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for range conn.Inbox {
			conn.Send(context.Background(), report)
			break
		}
		// Keep the connection open until the Secondary hangs up, so the
		// queued Report is written before Close tears the socket down.
		for range conn.Inbox {
		}
	}()
	return &fakePrimary{addr: ln.Addr().String()}
}

type dialerFunc func(ctx context.Context) (*transport.Conn, error)

func (f dialerFunc) DialPrimary(ctx context.Context) (*transport.Conn, error) { return f(ctx) }

func TestResumeSecondaryCommitsOnReportCommit(t *testing.T) {
	dir := t.TempDir()
	backend := &fakeBackend{}
	m := openSecondary(t, dir, backend)
	txID := atomictypes.NewTxID()

	primary := startFakePrimary(t, wire.Report(txID, atomictypes.StepCommit))
	dialer := dialerFunc(func(ctx context.Context) (*transport.Conn, error) {
		d := &transport.Dialer{Codec: wire.NewCodec(0), Timeout: 2 * time.Second}
		return d.Dial(ctx, primary.addr)
	})

	pending := []PendingSecondaryTx{{TxID: txID, Step: atomictypes.StepPrepare}}
	ResumeSecondary(context.Background(), m, dialer, pending, time.Second)

	if !backend.applied {
		t.Fatal("expected ApplyRecoveredCommit to call Backend.Apply")
	}
	if step := m.CurrentStep(txID); step != atomictypes.StepCommit {
		t.Fatalf("expected machine to land on Commit, got %v", step)
	}
}

func TestResumeSecondaryAbortsOnReportAbort(t *testing.T) {
	dir := t.TempDir()
	backend := &fakeBackend{}
	m := openSecondary(t, dir, backend)
	txID := atomictypes.NewTxID()

	primary := startFakePrimary(t, wire.Report(txID, atomictypes.StepAbort))
	dialer := dialerFunc(func(ctx context.Context) (*transport.Conn, error) {
		d := &transport.Dialer{Codec: wire.NewCodec(0), Timeout: 2 * time.Second}
		return d.Dial(ctx, primary.addr)
	})

	pending := []PendingSecondaryTx{{TxID: txID, Step: atomictypes.StepVerify}}
	ResumeSecondary(context.Background(), m, dialer, pending, time.Second)

	if backend.applied {
		t.Fatal("did not expect Apply to be called when the primary reports abort")
	}
	if step := m.CurrentStep(txID); step != atomictypes.StepAbort {
		t.Fatalf("expected machine to land on Abort, got %v", step)
	}
}

func TestResumeSecondaryAbortsWhenPrimaryUnreachable(t *testing.T) {
	dir := t.TempDir()
	backend := &fakeBackend{}
	m := openSecondary(t, dir, backend)
	txID := atomictypes.NewTxID()

	dialer := dialerFunc(func(ctx context.Context) (*transport.Conn, error) {
		d := &transport.Dialer{Codec: wire.NewCodec(0), Timeout: 100 * time.Millisecond}
		return d.Dial(ctx, "127.0.0.1:1")
	})

	pending := []PendingSecondaryTx{{TxID: txID, Step: atomictypes.StepStart}}
	ResumeSecondary(context.Background(), m, dialer, pending, time.Second)

	if step := m.CurrentStep(txID); step != atomictypes.StepAbort {
		t.Fatalf("expected machine to abort when the primary cannot be reached, got %v", step)
	}
}

func TestReplayPrimaryFindsUndecidedTransaction(t *testing.T) {
	dir := t.TempDir()
	w, err := walog.Open(dir, 0)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	started := txID1Started(t, w)
	records, err := walog.Replay(dir)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	pending, err := ReplayPrimary(records)
	if err != nil {
		t.Fatalf("ReplayPrimary: %v", err)
	}
	if len(pending) != 1 || pending[0].TxID != started {
		t.Fatalf("expected the undecided transaction to be pending, got %+v", pending)
	}
}

func txID1Started(t *testing.T, w *walog.WAL) atomictypes.TxID {
	t.Helper()
	txID := atomictypes.NewTxID()
	payload := []byte(`{"tx_id":"` + txID.String() + `","secondaries":["ecu-1"]}`)
	if _, err := w.Append(walog.RecordTxStarted, payload); err != nil {
		t.Fatalf("append tx started: %v", err)
	}
	return txID
}
