package secondary

import (
	"context"
	"testing"

	"github.com/otamesh/atomic/internal/atomictypes"
	"github.com/otamesh/atomic/internal/events"
	"github.com/otamesh/atomic/internal/payloadstore"
	"github.com/otamesh/atomic/internal/walog"
	"github.com/otamesh/atomic/internal/wire"
)

type fakeBackend struct {
	verifyErr, applyErr, rollbackErr error
	verifyCalls, applyCalls          int
	rollbackCalled                   bool
}

func (f *fakeBackend) Verify(ctx context.Context, stagedPath string, metadata []byte) error {
	f.verifyCalls++
	return f.verifyErr
}
func (f *fakeBackend) Apply(ctx context.Context, stagedPath string) error {
	f.applyCalls++
	return f.applyErr
}
func (f *fakeBackend) Rollback(ctx context.Context) error {
	f.rollbackCalled = true
	return f.rollbackErr
}

func newTestMachine(t *testing.T, backend *fakeBackend) *Machine {
	t.Helper()
	w, err := walog.Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	store, err := payloadstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	m := New(atomictypes.Serial("ecu-1"), w, store, backend, events.NewBus(), nil, 0)
	t.Cleanup(m.Close)
	return m
}

func TestHappyPathDrivesThroughCommit(t *testing.T) {
	backend := &fakeBackend{}
	m := newTestMachine(t, backend)
	txID := atomictypes.NewTxID()
	ctx := context.Background()

	reply, err := m.Handle(ctx, wire.Request(txID, atomictypes.StepStart, 0, nil))
	if err != nil || reply == nil || reply.Type != wire.TypeAck || reply.Step != atomictypes.StepStart {
		t.Fatalf("start: reply=%+v err=%v", reply, err)
	}

	reply, err = m.Handle(ctx, wire.Request(txID, atomictypes.StepVerify, 0, []byte("metadata")))
	if err != nil || reply == nil || reply.Type != wire.TypeAck || reply.Step != atomictypes.StepVerify {
		t.Fatalf("verify: reply=%+v err=%v", reply, err)
	}

	reply, err = m.Handle(ctx, wire.Request(txID, atomictypes.StepPrepare, 0, []byte("image-bytes")))
	if err != nil {
		t.Fatalf("prepare chunk: %v", err)
	}
	if reply != nil {
		t.Fatalf("expected no ack before the size marker arrives, got %+v", reply)
	}
	reply, err = m.Handle(ctx, wire.Request(txID, atomictypes.StepPrepare, uint32(len("image-bytes")), nil))
	if err != nil || reply == nil || reply.Type != wire.TypeAck || reply.Step != atomictypes.StepPrepare {
		t.Fatalf("prepare completion: reply=%+v err=%v", reply, err)
	}

	reply, err = m.Handle(ctx, wire.Request(txID, atomictypes.StepCommit, 0, nil))
	if err != nil || reply == nil || reply.Type != wire.TypeAck || reply.Step != atomictypes.StepCommit {
		t.Fatalf("commit: reply=%+v err=%v", reply, err)
	}
}

func TestRetransmittedStepIsIdempotent(t *testing.T) {
	backend := &fakeBackend{}
	m := newTestMachine(t, backend)
	txID := atomictypes.NewTxID()
	ctx := context.Background()

	if _, err := m.Handle(ctx, wire.Request(txID, atomictypes.StepStart, 0, nil)); err != nil {
		t.Fatalf("start: %v", err)
	}
	first, err := m.Handle(ctx, wire.Request(txID, atomictypes.StepStart, 0, nil))
	if err != nil {
		t.Fatalf("retransmitted start: %v", err)
	}
	if first == nil || first.Step != atomictypes.StepStart {
		t.Fatalf("expected idempotent re-ack of start, got %+v", first)
	}
}

// TestRetransmittedEarlierStepAgainstAdvancedMachineIsIdempotent covers a
// Primary resuming a transaction after a crash and re-broadcasting the
// full Start..Commit sequence to a Secondary that has already reached
// Committed: the replayed earlier steps must not regress the durable step
// or re-invoke Verify/Apply, and each reply must ack the step actually
// requested, not the machine's current step.
func TestRetransmittedEarlierStepAgainstAdvancedMachineIsIdempotent(t *testing.T) {
	backend := &fakeBackend{}
	m := newTestMachine(t, backend)
	txID := atomictypes.NewTxID()
	ctx := context.Background()

	if _, err := m.Handle(ctx, wire.Request(txID, atomictypes.StepStart, 0, nil)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.Handle(ctx, wire.Request(txID, atomictypes.StepVerify, 0, []byte("metadata"))); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := m.Handle(ctx, wire.Request(txID, atomictypes.StepPrepare, 0, []byte("image-bytes"))); err != nil {
		t.Fatalf("prepare chunk: %v", err)
	}
	if _, err := m.Handle(ctx, wire.Request(txID, atomictypes.StepPrepare, uint32(len("image-bytes")), nil)); err != nil {
		t.Fatalf("prepare completion: %v", err)
	}
	if _, err := m.Handle(ctx, wire.Request(txID, atomictypes.StepCommit, 0, nil)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if backend.verifyCalls != 1 || backend.applyCalls != 1 {
		t.Fatalf("expected exactly one Verify and one Apply before replay, got verify=%d apply=%d", backend.verifyCalls, backend.applyCalls)
	}

	reply, err := m.Handle(ctx, wire.Request(txID, atomictypes.StepStart, 0, nil))
	if err != nil {
		t.Fatalf("replayed start against committed machine: %v", err)
	}
	if reply == nil || reply.Type != wire.TypeAck || reply.Step != atomictypes.StepStart {
		t.Fatalf("expected idempotent ack of start, got %+v", reply)
	}

	reply, err = m.Handle(ctx, wire.Request(txID, atomictypes.StepVerify, 0, []byte("metadata")))
	if err != nil {
		t.Fatalf("replayed verify against committed machine: %v", err)
	}
	if reply == nil || reply.Type != wire.TypeAck || reply.Step != atomictypes.StepVerify {
		t.Fatalf("expected idempotent ack of verify, got %+v", reply)
	}

	if backend.verifyCalls != 1 || backend.applyCalls != 1 {
		t.Fatalf("replaying earlier steps must not re-invoke Verify/Apply, got verify=%d apply=%d", backend.verifyCalls, backend.applyCalls)
	}

	st, ok := m.registry.Get(txID)
	if !ok || st.step != atomictypes.StepCommit {
		t.Fatalf("expected the durable step to remain Commit after replay, got ok=%v step=%+v", ok, st)
	}
}

func TestVerifyFailureAbortsLocally(t *testing.T) {
	backend := &fakeBackend{verifyErr: context.DeadlineExceeded}
	m := newTestMachine(t, backend)
	txID := atomictypes.NewTxID()
	ctx := context.Background()

	if _, err := m.Handle(ctx, wire.Request(txID, atomictypes.StepStart, 0, nil)); err != nil {
		t.Fatalf("start: %v", err)
	}
	reply, err := m.Handle(ctx, wire.Request(txID, atomictypes.StepVerify, 0, nil))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if reply == nil || reply.Type != wire.TypeAbort {
		t.Fatalf("expected local abort on verify failure, got %+v", reply)
	}
}

func TestAbortAfterCommitAttemptsRollback(t *testing.T) {
	backend := &fakeBackend{}
	m := newTestMachine(t, backend)
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

	reply, err := m.Handle(ctx, wire.Abort(txID, "split-brain"))
	if err != nil {
		t.Fatalf("abort after commit: %v", err)
	}
	if !backend.rollbackCalled {
		t.Fatal("expected rollback to be attempted after commit")
	}
	if reply == nil || reply.Type != wire.TypeAck {
		t.Fatalf("expected successful rollback to ack, got %+v", reply)
	}
}

func TestAbortAfterCommitReportsSuccessWhenRollbackFails(t *testing.T) {
	backend := &fakeBackend{rollbackErr: context.DeadlineExceeded}
	m := newTestMachine(t, backend)
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

	reply, err := m.Handle(ctx, wire.Abort(txID, "split-brain"))
	if err != nil {
		t.Fatalf("abort after commit: %v", err)
	}
	// Per the split-brain rule, a rollback failure is still reported as a
	// successful outcome: the commit genuinely took effect.
	if reply == nil || reply.Type != wire.TypeAck || reply.Step != atomictypes.StepCommit {
		t.Fatalf("expected an Ack reflecting the still-committed step, got %+v", reply)
	}
}
