// Package coordinator implements the Primary side of the 3PC protocol: it
// drives every Secondary named in a Descriptor through Start, Verify,
// Prepare and Commit, durably recording each step and ack before the next
// one is sent, and broadcasts Abort the moment any Secondary fails to ack
// in time. The terminal Verdict is only ever Committed once every
// Secondary has acked Commit.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/otamesh/atomic/internal/atomictypes"
	"github.com/otamesh/atomic/internal/events"
	"github.com/otamesh/atomic/internal/registry"
	"github.com/otamesh/atomic/internal/telemetry"
	"github.com/otamesh/atomic/internal/transport"
	"github.com/otamesh/atomic/internal/walog"
	"github.com/otamesh/atomic/internal/wire"
	"pkt.systems/pslog"
)

// PeerDialer resolves a live connection to the Secondary identified by
// serial, dialing one if none is currently open. Implementations are
// expected to cache and reuse connections across transactions.
type PeerDialer interface {
	Dial(ctx context.Context, serial atomictypes.ECUSerial) (*transport.Conn, error)
}

// Appender is the subset of *walog.WAL the Coordinator needs, named so
// tests can swap in a stand-in without opening real segment files.
type Appender interface {
	Append(recType walog.RecordType, payload []byte) (uint64, error)
}

// Config bounds the Coordinator's retry and timeout behavior. Zero values
// select the package defaults.
type Config struct {
	ChunkSize   int
	StepTimeout time.Duration
	TxnTimeout  time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64

	// Metrics records step/ack/abort/decision telemetry. Nil disables it.
	Metrics *telemetry.Metrics
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1 << 20
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 10 * time.Second
	}
	if c.TxnTimeout <= 0 {
		c.TxnTimeout = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 50 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2
	}
	return c
}

// txStarted is the durable payload behind RecordTxStarted.
type txStarted struct {
	TxID        string   `json:"tx_id"`
	Secondaries []string `json:"secondaries"`
}

// ackRecorded is the durable payload behind RecordAckReceived.
type ackRecorded struct {
	TxID   string           `json:"tx_id"`
	Serial string           `json:"serial"`
	Step   atomictypes.Step `json:"step"`
}

// decisionRecorded is the durable payload behind RecordDecision.
type decisionRecorded struct {
	TxID      string                  `json:"tx_id"`
	Committed bool                    `json:"committed"`
	Reason    atomictypes.FailureKind `json:"reason,omitempty"`
	Detail    string                  `json:"detail,omitempty"`
}

// txnState is the per-transaction value kept in the Registry arena.
type txnState struct {
	descriptor  atomictypes.Descriptor
	step        atomictypes.Step
	stepTimeout time.Duration
}

// Coordinator runs the Primary role for one vehicle's rollout.
type Coordinator struct {
	wal    Appender
	dialer PeerDialer
	bus    *events.Bus
	logger pslog.Logger
	cfg    Config

	registry *registry.Registry[*txnState]
}

// New constructs a Coordinator. wal and dialer must be non-nil; bus and
// logger may be nil, in which case events are not published and logging
// is a no-op.
func New(wal Appender, dialer PeerDialer, bus *events.Bus, logger pslog.Logger, cfg Config) *Coordinator {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	cfg = cfg.withDefaults()
	return &Coordinator{
		wal:      wal,
		dialer:   dialer,
		bus:      bus,
		logger:   logger,
		cfg:      cfg,
		registry: registry.New[*txnState](cfg.TxnTimeout),
	}
}

// Close stops the Coordinator's registry reclamation sweep.
func (c *Coordinator) Close() { c.registry.Close() }

// Run drives desc's transaction to a terminal Verdict. It blocks until
// every Secondary has acked Commit, any one of them fails to ack a step
// within StepTimeout, or ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context, desc atomictypes.Descriptor) atomictypes.Verdict {
	if desc.TxID.IsZero() {
		desc.TxID = atomictypes.NewTxID()
	}
	txnTimeout := c.cfg.TxnTimeout
	if desc.TxnTimeout > 0 {
		txnTimeout = time.Duration(desc.TxnTimeout) * time.Second
	}
	stepTimeout := c.cfg.StepTimeout
	if desc.StepTimeout > 0 {
		stepTimeout = time.Duration(desc.StepTimeout) * time.Second
	}
	st := &txnState{descriptor: desc, step: atomictypes.StepIdle, stepTimeout: stepTimeout}
	txCtx := c.registry.Register(ctx, desc.TxID, st, time.Now().Add(txnTimeout))
	defer c.registry.Release(desc.TxID)

	names := make([]string, len(desc.Secondaries))
	for i, s := range desc.Secondaries {
		names[i] = s.String()
	}
	if payload, err := json.Marshal(txStarted{TxID: desc.TxID.String(), Secondaries: names}); err == nil {
		c.wal.Append(walog.RecordTxStarted, payload)
	}

	verdict, err := c.runSteps(txCtx, desc, st)
	if err != nil {
		verdict = atomictypes.Verdict{Reason: classify(err), Detail: err.Error()}
		c.broadcastAbort(ctx, desc, verdict.Detail)
		c.cfg.Metrics.RecordAbort(ctx, verdict.Reason)
	}
	c.recordDecision(desc.TxID, verdict)
	c.cfg.Metrics.RecordDecision(ctx, verdict.Committed)
	c.publish(events.KindDecision, desc.TxID, atomictypes.StepIdle, verdict.Detail)
	return verdict
}

func (c *Coordinator) runSteps(ctx context.Context, desc atomictypes.Descriptor, st *txnState) (atomictypes.Verdict, error) {
	if err := c.broadcastStep(ctx, desc, st, atomictypes.StepStart, 0, nil); err != nil {
		return atomictypes.Verdict{}, err
	}
	if err := c.broadcastVerify(ctx, desc, st); err != nil {
		return atomictypes.Verdict{}, err
	}
	if err := c.broadcastPrepare(ctx, desc, st); err != nil {
		return atomictypes.Verdict{}, err
	}
	if err := c.broadcastStep(ctx, desc, st, atomictypes.StepCommit, 0, nil); err != nil {
		return atomictypes.Verdict{}, err
	}
	return atomictypes.Verdict{Committed: true}, nil
}

func (c *Coordinator) broadcastVerify(ctx context.Context, desc atomictypes.Descriptor, st *txnState) error {
	start := time.Now()
	for _, serial := range desc.Secondaries {
		metadata := desc.VerifyMetadata[serial.String()]
		if err := c.sendStepTo(ctx, desc.TxID, serial, atomictypes.StepVerify, 0, metadata, st.stepTimeout); err != nil {
			return fmt.Errorf("coordinator: verify on %s: %w", serial, err)
		}
		c.recordAck(desc.TxID, serial, atomictypes.StepVerify)
	}
	st.step = atomictypes.StepVerify
	c.cfg.Metrics.RecordStep(ctx, atomictypes.StepVerify, time.Since(start))
	c.publish(events.KindStepEntered, desc.TxID, atomictypes.StepVerify, "")
	return nil
}

func (c *Coordinator) broadcastPrepare(ctx context.Context, desc atomictypes.Descriptor, st *txnState) error {
	start := time.Now()
	for _, serial := range desc.Secondaries {
		if err := c.sendPayload(ctx, desc.TxID, serial, desc.Payloads[serial.String()], st.stepTimeout); err != nil {
			return fmt.Errorf("coordinator: prepare on %s: %w", serial, err)
		}
		c.recordAck(desc.TxID, serial, atomictypes.StepPrepare)
	}
	st.step = atomictypes.StepPrepare
	c.cfg.Metrics.RecordStep(ctx, atomictypes.StepPrepare, time.Since(start))
	c.publish(events.KindStepEntered, desc.TxID, atomictypes.StepPrepare, "")
	return nil
}

// broadcastStep sends the same Request to every Secondary and waits for
// every ack, recording the step as entered only once all of them land.
func (c *Coordinator) broadcastStep(ctx context.Context, desc atomictypes.Descriptor, st *txnState, step atomictypes.Step, offset uint32, chunk []byte) error {
	start := time.Now()
	for _, serial := range desc.Secondaries {
		if err := c.sendStepTo(ctx, desc.TxID, serial, step, offset, chunk, st.stepTimeout); err != nil {
			return fmt.Errorf("coordinator: %s step on %s: %w", step, serial, err)
		}
		c.recordAck(desc.TxID, serial, step)
	}
	st.step = step
	c.cfg.Metrics.RecordStep(ctx, step, time.Since(start))
	c.publish(events.KindStepEntered, desc.TxID, step, "")
	return nil
}

func (c *Coordinator) recordAck(txID atomictypes.TxID, serial atomictypes.ECUSerial, step atomictypes.Step) {
	payload, err := json.Marshal(ackRecorded{TxID: txID.String(), Serial: serial.String(), Step: step})
	if err != nil {
		return
	}
	c.wal.Append(walog.RecordAckReceived, payload)
	c.cfg.Metrics.RecordAck(context.Background(), serial, step)
	c.publish(events.KindAckReceived, txID, step, serial.String())
}

// sendStepTo sends one step Request to serial, retrying the dial and send
// with bounded backoff, and then waits once for the matching Ack. The ack
// wait is never retried: an ack timeout or an Abort fails the step.
func (c *Coordinator) sendStepTo(ctx context.Context, txID atomictypes.TxID, serial atomictypes.ECUSerial, step atomictypes.Step, offset uint32, chunk []byte, stepTimeout time.Duration) error {
	var conn *transport.Conn
	err := c.withRetry(ctx, func() error {
		var err error
		conn, err = c.dialer.Dial(ctx, serial)
		if err != nil {
			return atomictypes.NewFailure(atomictypes.FailureTransport, err.Error())
		}
		sendCtx, cancel := context.WithTimeout(ctx, stepTimeout)
		defer cancel()
		req := wire.Request(txID, step, offset, chunk)
		if err := conn.Send(sendCtx, req); err != nil {
			return atomictypes.NewFailure(atomictypes.FailureTransport, err.Error())
		}
		return nil
	})
	if err != nil {
		return err
	}
	ackCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	return c.awaitAck(ackCtx, conn, txID, step)
}

func (c *Coordinator) awaitAck(ctx context.Context, conn *transport.Conn, txID atomictypes.TxID, step atomictypes.Step) error {
	for {
		select {
		case m, ok := <-conn.Inbox:
			if !ok {
				if err := conn.Err(); err != nil {
					return atomictypes.NewFailure(atomictypes.FailureTransport, err.Error())
				}
				return atomictypes.NewFailure(atomictypes.FailureTransport, "connection closed awaiting ack")
			}
			if m.TxID != txID {
				continue
			}
			switch m.Type {
			case wire.TypeAck:
				if m.Step == step {
					return nil
				}
			case wire.TypeAbort:
				return atomictypes.NewFailure(atomictypes.FailureVerify, m.Reason)
			}
		case <-ctx.Done():
			return atomictypes.NewFailure(atomictypes.FailureTimeout, "step ack timed out")
		}
	}
}

// sendPayload streams data to serial in ChunkSize pieces, followed by the
// zero-length end-of-transfer marker that declares the total size. A
// Prepare ack only arrives once the Secondary has assembled every chunk,
// so only the final send waits for it.
func (c *Coordinator) sendPayload(ctx context.Context, txID atomictypes.TxID, serial atomictypes.ECUSerial, data []byte, stepTimeout time.Duration) error {
	for offset := 0; offset < len(data); offset += c.cfg.ChunkSize {
		end := offset + c.cfg.ChunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := c.sendChunk(ctx, txID, serial, uint32(offset), data[offset:end], stepTimeout); err != nil {
			return err
		}
	}
	return c.sendStepTo(ctx, txID, serial, atomictypes.StepPrepare, uint32(len(data)), nil, stepTimeout)
}

// sendChunk sends one payload chunk with retry but does not wait for an
// ack, since the Secondary only acks once the marker chunk completes the
// transfer.
func (c *Coordinator) sendChunk(ctx context.Context, txID atomictypes.TxID, serial atomictypes.ECUSerial, offset uint32, chunk []byte, stepTimeout time.Duration) error {
	return c.withRetry(ctx, func() error {
		conn, err := c.dialer.Dial(ctx, serial)
		if err != nil {
			return atomictypes.NewFailure(atomictypes.FailureTransport, err.Error())
		}
		sendCtx, cancel := context.WithTimeout(ctx, stepTimeout)
		defer cancel()
		req := wire.Request(txID, atomictypes.StepPrepare, offset, chunk)
		if err := conn.Send(sendCtx, req); err != nil {
			return atomictypes.NewFailure(atomictypes.FailureTransport, err.Error())
		}
		return nil
	})
}

// withRetry runs fn with bounded exponential backoff, honoring ctx
// cancellation between attempts.
func (c *Coordinator) withRetry(ctx context.Context, fn func() error) error {
	delay := c.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if next := time.Duration(float64(delay) * c.cfg.Multiplier); next > 0 {
			delay = next
		}
		if c.cfg.MaxDelay > 0 && delay > c.cfg.MaxDelay {
			delay = c.cfg.MaxDelay
		}
	}
	return lastErr
}

// broadcastAbort best-effort notifies every Secondary of the abort; a
// Secondary that cannot be reached will instead discover the outcome via
// a recovery Query once it reconnects.
func (c *Coordinator) broadcastAbort(ctx context.Context, desc atomictypes.Descriptor, reason string) {
	var wg sync.WaitGroup
	for _, serial := range desc.Secondaries {
		wg.Add(1)
		go func(serial atomictypes.ECUSerial) {
			defer wg.Done()
			conn, err := c.dialer.Dial(ctx, serial)
			if err != nil {
				c.logger.Warn("coordinator.abort.dial_failed", "tx_id", desc.TxID.String(), "serial", serial.String(), "error", err)
				return
			}
			abortCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
			defer cancel()
			_ = conn.Send(abortCtx, wire.Abort(desc.TxID, reason))
		}(serial)
	}
	wg.Wait()
}

func (c *Coordinator) recordDecision(txID atomictypes.TxID, verdict atomictypes.Verdict) {
	payload, err := json.Marshal(decisionRecorded{TxID: txID.String(), Committed: verdict.Committed, Reason: verdict.Reason, Detail: verdict.Detail})
	if err != nil {
		return
	}
	c.wal.Append(walog.RecordDecision, payload)
}

func (c *Coordinator) publish(kind events.Kind, txID atomictypes.TxID, step atomictypes.Step, detail string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{Kind: kind, TxID: txID, Step: step, Detail: detail})
}

func classify(err error) atomictypes.FailureKind {
	if fail, ok := err.(*atomictypes.Failure); ok {
		return fail.Kind
	}
	return atomictypes.FailureProtocol
}

// RecoveredTxStarted is the decoded form of a RecordTxStarted payload, for
// recovery code replaying a WAL before any Coordinator owns the entries.
type RecoveredTxStarted struct {
	TxID        atomictypes.TxID
	Secondaries []atomictypes.ECUSerial
}

// DecodeTxStarted decodes one RecordTxStarted payload.
func DecodeTxStarted(payload []byte) (RecoveredTxStarted, error) {
	var p txStarted
	if err := json.Unmarshal(payload, &p); err != nil {
		return RecoveredTxStarted{}, err
	}
	txID, err := atomictypes.ParseTxID(p.TxID)
	if err != nil {
		return RecoveredTxStarted{}, err
	}
	secondaries := make([]atomictypes.ECUSerial, len(p.Secondaries))
	for i, s := range p.Secondaries {
		secondaries[i] = atomictypes.Serial(s)
	}
	return RecoveredTxStarted{TxID: txID, Secondaries: secondaries}, nil
}

// RecoveredAck is the decoded form of a RecordAckReceived payload.
type RecoveredAck struct {
	TxID   atomictypes.TxID
	Serial atomictypes.ECUSerial
	Step   atomictypes.Step
}

// DecodeAckReceived decodes one RecordAckReceived payload.
func DecodeAckReceived(payload []byte) (RecoveredAck, error) {
	var p ackRecorded
	if err := json.Unmarshal(payload, &p); err != nil {
		return RecoveredAck{}, err
	}
	txID, err := atomictypes.ParseTxID(p.TxID)
	if err != nil {
		return RecoveredAck{}, err
	}
	return RecoveredAck{TxID: txID, Serial: atomictypes.Serial(p.Serial), Step: p.Step}, nil
}

// DecodeDecision decodes one RecordDecision payload's transaction id,
// used only to tell ReplayPrimary which transactions are already terminal.
func DecodeDecision(payload []byte) (atomictypes.TxID, error) {
	var p decisionRecorded
	if err := json.Unmarshal(payload, &p); err != nil {
		return atomictypes.TxID{}, err
	}
	return atomictypes.ParseTxID(p.TxID)
}

// DecodeDecisionVerdict decodes a full RecordDecision payload, recovering
// the Verdict a Coordinator reached before an earlier process exited. A
// Primary answering a Secondary's recovery Query for a transaction that
// decided in a previous lifetime has nowhere else to get this from: the
// Coordinator itself releases the transaction's registry entry the moment
// Run returns, so only the WAL remembers the outcome.
func DecodeDecisionVerdict(payload []byte) (atomictypes.TxID, atomictypes.Verdict, error) {
	var p decisionRecorded
	if err := json.Unmarshal(payload, &p); err != nil {
		return atomictypes.TxID{}, atomictypes.Verdict{}, err
	}
	txID, err := atomictypes.ParseTxID(p.TxID)
	if err != nil {
		return atomictypes.TxID{}, atomictypes.Verdict{}, err
	}
	return txID, atomictypes.Verdict{Committed: p.Committed, Reason: p.Reason, Detail: p.Detail}, nil
}

// Abort broadcasts an Abort to every Secondary in desc, for recovery code
// that decides a resumed transaction cannot be safely continued.
func (c *Coordinator) Abort(ctx context.Context, desc atomictypes.Descriptor, reason string) {
	c.broadcastAbort(ctx, desc, reason)
	c.recordDecision(desc.TxID, atomictypes.Verdict{Reason: atomictypes.FailureTimeout, Detail: reason})
}
