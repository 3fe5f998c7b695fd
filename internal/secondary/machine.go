// Package secondary implements the Secondary side of the 3PC state
// machine: one participant, acting on a single local ECU, durably tracking
// which step it has entered for each transaction and delegating the actual
// image work to a collab.Backend. A connection drop or a retransmitted
// Request is handled the same way: by re-deriving the correct response
// from the step recorded for the transaction in the in-memory registry,
// which advances only after that step is durable in the WAL and is
// restored from the WAL by the recovery path after a restart.
package secondary

import (
	"context"
	"encoding/json"
	"time"

	"github.com/otamesh/atomic/internal/atomictypes"
	"github.com/otamesh/atomic/internal/events"
	"github.com/otamesh/atomic/internal/payloadstore"
	"github.com/otamesh/atomic/internal/registry"
	"github.com/otamesh/atomic/internal/walog"
	"github.com/otamesh/atomic/internal/wire"
	"pkt.systems/pslog"

	"github.com/otamesh/atomic/collab"
)

// txnState is the per-transaction value kept in the Registry arena.
type txnState struct {
	step           atomictypes.Step
	payloadSize    int64
	verifyMetadata []byte
}

// stepEnteredPayload is what gets durably logged for a step transition.
// TxID is embedded because one Secondary's WAL interleaves records from
// every transaction it is concurrently tracking.
type stepEnteredPayload struct {
	TxID atomictypes.TxID `json:"tx_id"`
	Step atomictypes.Step `json:"step"`
}

// Machine runs the Secondary role for one local ECU. A vehicle with
// multiple Secondaries behind one relay link runs one Machine per ECU.
// WAL records do not carry the ECU serial, so each Machine needs a WAL
// of its own.
type Machine struct {
	Serial  atomictypes.ECUSerial
	WAL     *walog.WAL
	Store   *payloadstore.Store
	Backend collab.Backend
	Bus     *events.Bus
	Logger  pslog.Logger

	registry *registry.Registry[*txnState]
	grace    time.Duration
}

// New constructs a Machine. grace bounds how long a transaction the
// Primary never follows up on is kept around before the registry reclaims it.
func New(serial atomictypes.ECUSerial, wal *walog.WAL, store *payloadstore.Store, backend collab.Backend, bus *events.Bus, logger pslog.Logger, grace time.Duration) *Machine {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Machine{
		Serial:   serial,
		WAL:      wal,
		Store:    store,
		Backend:  backend,
		Bus:      bus,
		Logger:   logger,
		registry: registry.New[*txnState](grace),
		grace:    grace,
	}
}

// Close stops the Machine's background reclamation sweep.
func (m *Machine) Close() { m.registry.Close() }

// Handle processes one inbound wire.Message and returns the reply to send
// back on the same connection, or a nil reply when none is due yet (e.g. a
// Prepare chunk that does not yet complete the payload).
func (m *Machine) Handle(ctx context.Context, msg wire.Message) (*wire.Message, error) {
	switch msg.Type {
	case wire.TypeRequest:
		return m.handleRequest(ctx, msg)
	case wire.TypeQuery:
		return m.handleQuery(msg)
	case wire.TypeAbort:
		return m.handleAbort(ctx, msg)
	default:
		return nil, atomictypes.NewFailure(atomictypes.FailureProtocol, "secondary: unexpected message type "+msg.Type.String())
	}
}

func (m *Machine) state(txID atomictypes.TxID) *txnState {
	st, ok := m.registry.Get(txID)
	if !ok {
		st = &txnState{step: atomictypes.StepIdle}
		m.registry.Register(context.Background(), txID, st, time.Now().Add(m.graceOrDefault()))
	}
	return st
}

func (m *Machine) graceOrDefault() time.Duration {
	if m.grace > 0 {
		return m.grace
	}
	return time.Hour
}

func (m *Machine) handleRequest(ctx context.Context, msg wire.Message) (*wire.Message, error) {
	st := m.state(msg.TxID)

	// An aborted transaction stays aborted: every later Request gets the
	// abort again rather than an ack.
	if st.step == atomictypes.StepAbort {
		abort := wire.Abort(msg.TxID, string(atomictypes.FailureProtocol)+": transaction already aborted")
		return &abort, nil
	}

	// Idempotent replay: the Primary retransmitted a step we are already at
	// or past. Re-ack the requested step without redoing Verify/Apply.
	if !st.step.Before(msg.Step) {
		ack := wire.Ack(msg.TxID, msg.Step)
		return &ack, nil
	}
	if msg.Step != atomictypes.StepStart && st.step != atomictypes.StepIdle && msg.Step != nextOf(st.step) {
		return nil, atomictypes.NewFailure(atomictypes.FailureProtocol, "secondary: out-of-order step request")
	}

	switch msg.Step {
	case atomictypes.StepStart:
		return m.enter(ctx, msg.TxID, st, atomictypes.StepStart, nil)
	case atomictypes.StepVerify:
		st.verifyMetadata = msg.Chunk
		path, err := m.Store.Path(msg.TxID, m.Serial)
		if err != nil {
			return nil, atomictypes.NewFailure(atomictypes.FailureStorage, err.Error())
		}
		if err := m.Backend.Verify(ctx, path, st.verifyMetadata); err != nil {
			return m.abortLocal(ctx, msg.TxID, st, atomictypes.FailureVerify, err.Error())
		}
		return m.enter(ctx, msg.TxID, st, atomictypes.StepVerify, nil)
	case atomictypes.StepPrepare:
		if len(msg.Chunk) > 0 {
			if err := m.Store.WriteChunk(msg.TxID, m.Serial, int64(msg.ChunkOffset), msg.Chunk); err != nil {
				return m.abortLocal(ctx, msg.TxID, st, atomictypes.FailurePayload, err.Error())
			}
		} else if msg.ChunkOffset > 0 {
			// A zero-length chunk at a non-zero offset is the end-of-transfer
			// marker: it declares the total payload size so completeness can
			// be checked without a separate message type.
			st.payloadSize = int64(msg.ChunkOffset)
		}
		if st.payloadSize == 0 {
			return nil, nil // waiting for the size-declaring marker chunk
		}
		complete, err := m.Store.IsComplete(msg.TxID, m.Serial, st.payloadSize)
		if err != nil {
			return nil, atomictypes.NewFailure(atomictypes.FailureStorage, err.Error())
		}
		if !complete {
			return nil, nil
		}
		return m.enter(ctx, msg.TxID, st, atomictypes.StepPrepare, nil)
	case atomictypes.StepCommit:
		path, err := m.Store.Path(msg.TxID, m.Serial)
		if err != nil {
			return nil, atomictypes.NewFailure(atomictypes.FailureStorage, err.Error())
		}
		if err := m.Backend.Apply(ctx, path); err != nil {
			return m.abortLocal(ctx, msg.TxID, st, atomictypes.FailureApply, err.Error())
		}
		return m.enter(ctx, msg.TxID, st, atomictypes.StepCommit, nil)
	default:
		return nil, atomictypes.NewFailure(atomictypes.FailureProtocol, "secondary: unsupported request step")
	}
}

func nextOf(step atomictypes.Step) atomictypes.Step {
	next, ok := step.Next()
	if !ok {
		return atomictypes.StepAbort
	}
	return next
}

// enter durably logs the step before building the ack, per the
// durability-before-ack invariant.
func (m *Machine) enter(ctx context.Context, txID atomictypes.TxID, st *txnState, step atomictypes.Step, extra []byte) (*wire.Message, error) {
	payload, err := json.Marshal(stepEnteredPayload{TxID: txID, Step: step})
	if err != nil {
		return nil, err
	}
	if _, err := m.WAL.Append(walog.RecordStepEntered, payload); err != nil {
		return nil, atomictypes.NewFailure(atomictypes.FailureStorage, err.Error())
	}
	st.step = step
	m.registry.Update(txID, st)
	m.publish(events.KindStepEntered, txID, step, "")
	// Deliberately not released here even though step may be terminal: a
	// retransmitted Commit or Abort must still find this entry and take
	// the idempotent-replay branch in handleRequest/handleAbort rather
	// than being mistaken for a fresh transaction. The registry's own
	// sweep reclaims it once its deadline plus grace has passed.
	ack := wire.Ack(txID, step)
	return &ack, nil
}

func (m *Machine) abortLocal(ctx context.Context, txID atomictypes.TxID, st *txnState, kind atomictypes.FailureKind, detail string) (*wire.Message, error) {
	if _, err := m.enter(ctx, txID, st, atomictypes.StepAbort, nil); err != nil {
		return nil, err
	}
	m.publish(events.KindSecondaryStatus, txID, atomictypes.StepAbort, detail)
	abort := wire.Abort(txID, string(kind)+": "+detail)
	return &abort, nil
}

// handleAbort processes a Primary-issued Abort, including the split-brain
// case where this Secondary already durably committed. Per the split-brain
// rule a rollback failure is still reported as success: the update did
// take effect, and the Primary's Verdict should reflect that rather than
// mask it as an abort.
func (m *Machine) handleAbort(ctx context.Context, msg wire.Message) (*wire.Message, error) {
	st := m.state(msg.TxID)
	if st.step == atomictypes.StepCommit {
		err := m.Backend.Rollback(ctx)
		if err != nil {
			m.publish(events.KindSecondaryStatus, msg.TxID, atomictypes.StepCommit, "split-brain rollback failed: "+err.Error())
			ack := wire.Ack(msg.TxID, atomictypes.StepCommit)
			return &ack, nil
		}
	}
	reply, err := m.enter(ctx, msg.TxID, st, atomictypes.StepAbort, nil)
	return reply, err
}

func (m *Machine) handleQuery(msg wire.Message) (*wire.Message, error) {
	st := m.state(msg.TxID)
	report := wire.Report(msg.TxID, st.step)
	return &report, nil
}

func (m *Machine) publish(kind events.Kind, txID atomictypes.TxID, step atomictypes.Step, detail string) {
	if m.Bus == nil {
		return
	}
	m.Bus.Publish(events.Event{Kind: kind, TxID: txID, Serial: m.Serial, Step: step, Detail: detail})
}

// DecodeStepEntered decodes one RecordStepEntered payload. Recovery code
// calls this while replaying a WAL, before any Machine owns the entries.
func DecodeStepEntered(payload []byte) (atomictypes.TxID, atomictypes.Step, error) {
	var p stepEnteredPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return atomictypes.TxID{}, atomictypes.StepIdle, err
	}
	return p.TxID, p.Step, nil
}

// Prime seeds the registry with a step recovered from a replayed WAL,
// bypassing the ordering checks handleRequest enforces for live traffic;
// recovery calls this once per not-yet-terminal transaction before
// resuming normal message handling for it.
func (m *Machine) Prime(txID atomictypes.TxID, step atomictypes.Step) {
	st := &txnState{step: step}
	m.registry.Register(context.Background(), txID, st, time.Now().Add(m.graceOrDefault()))
}

// CurrentStep reports the step a transaction is currently known to be in,
// for a recovery Query response and for tests.
func (m *Machine) CurrentStep(txID atomictypes.TxID) atomictypes.Step {
	st := m.state(txID)
	return st.step
}

// ApplyRecoveredCommit drives txID straight to Commit in response to a
// recovery Report{Commit}, without re-checking step ordering: the
// Primary's report is authoritative once a Secondary has queried it.
func (m *Machine) ApplyRecoveredCommit(ctx context.Context, txID atomictypes.TxID) error {
	st := m.state(txID)
	if st.step == atomictypes.StepCommit {
		return nil
	}
	path, err := m.Store.Path(txID, m.Serial)
	if err != nil {
		return atomictypes.NewFailure(atomictypes.FailureStorage, err.Error())
	}
	if err := m.Backend.Apply(ctx, path); err != nil {
		return atomictypes.NewFailure(atomictypes.FailureApply, err.Error())
	}
	_, err = m.enter(ctx, txID, st, atomictypes.StepCommit, nil)
	return err
}

// ApplyRecoveredAbort drives txID straight to Abort in response to a
// recovery Report{Abort} or a Query timeout.
func (m *Machine) ApplyRecoveredAbort(ctx context.Context, txID atomictypes.TxID) error {
	st := m.state(txID)
	if st.step == atomictypes.StepAbort {
		return nil
	}
	_, err := m.enter(ctx, txID, st, atomictypes.StepAbort, nil)
	return err
}
