// Package telemetry records OpenTelemetry metrics for the 3PC protocol:
// step durations, ack/abort counts, and per-secondary failure reasons.
// Every recording method is nil-safe so a Metrics value can be embedded
// in Config without requiring every caller to check for nil first.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/otamesh/atomic/internal/atomictypes"
	"pkt.systems/pslog"
)

// Metrics holds the instruments the Coordinator and Secondary machines
// record against. Construct with New; a nil *Metrics receiver is valid
// and every method on it is a no-op.
type Metrics struct {
	stepDuration   metric.Int64Histogram
	ackCount       metric.Int64Counter
	abortCount     metric.Int64Counter
	decisionCount  metric.Int64Counter
	recoveryEvents metric.Int64Counter
}

// New builds a Metrics instance against the global OTel meter provider.
// Instrument-creation errors are logged but never fatal: a Metrics value
// with a nil instrument simply skips that recording, the same
// nil-tolerant shape the teacher's txncoordMetrics uses.
func New(logger pslog.Logger) *Metrics {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	meter := otel.Meter("github.com/otamesh/atomic")
	m := &Metrics{}
	var err error

	m.stepDuration, err = meter.Int64Histogram(
		"atomic.coordinator.step.duration_ms",
		metric.WithDescription("Time spent driving one protocol step across every secondary"),
		metric.WithUnit("ms"),
	)
	logInitError(logger, "atomic.coordinator.step.duration_ms", err)

	m.ackCount, err = meter.Int64Counter(
		"atomic.coordinator.ack.count",
		metric.WithDescription("Step acks received from secondaries"),
	)
	logInitError(logger, "atomic.coordinator.ack.count", err)

	m.abortCount, err = meter.Int64Counter(
		"atomic.coordinator.abort.count",
		metric.WithDescription("Transactions aborted, by failure reason"),
	)
	logInitError(logger, "atomic.coordinator.abort.count", err)

	m.decisionCount, err = meter.Int64Counter(
		"atomic.coordinator.decision.count",
		metric.WithDescription("Terminal verdicts recorded, by outcome"),
	)
	logInitError(logger, "atomic.coordinator.decision.count", err)

	m.recoveryEvents, err = meter.Int64Counter(
		"atomic.recovery.events",
		metric.WithDescription("Transactions resolved during boot-time recovery, by outcome"),
	)
	logInitError(logger, "atomic.recovery.events", err)

	return m
}

// RecordStep records the wall-clock time spent broadcasting step to
// every secondary in one transaction.
func (m *Metrics) RecordStep(ctx context.Context, step atomictypes.Step, duration time.Duration) {
	if m == nil || m.stepDuration == nil {
		return
	}
	m.stepDuration.Record(safeCtx(ctx), duration.Milliseconds(),
		metric.WithAttributes(attribute.String("atomic.step", step.String())))
}

// RecordAck records one step ack from serial.
func (m *Metrics) RecordAck(ctx context.Context, serial atomictypes.ECUSerial, step atomictypes.Step) {
	if m == nil || m.ackCount == nil {
		return
	}
	m.ackCount.Add(safeCtx(ctx), 1, metric.WithAttributes(
		attribute.String("atomic.step", step.String()),
		attribute.String("atomic.serial", serial.String()),
	))
}

// RecordAbort records a transaction abort, tagged with its failure kind.
func (m *Metrics) RecordAbort(ctx context.Context, reason atomictypes.FailureKind) {
	if m == nil || m.abortCount == nil {
		return
	}
	m.abortCount.Add(safeCtx(ctx), 1, metric.WithAttributes(
		attribute.String("atomic.reason", string(reason)),
	))
}

// RecordDecision records a transaction's terminal verdict.
func (m *Metrics) RecordDecision(ctx context.Context, committed bool) {
	if m == nil || m.decisionCount == nil {
		return
	}
	outcome := "aborted"
	if committed {
		outcome = "committed"
	}
	m.decisionCount.Add(safeCtx(ctx), 1, metric.WithAttributes(
		attribute.String("atomic.outcome", outcome),
	))
}

// RecordRecovery records one transaction's resolution during boot-time
// recovery (ReplayPrimary/ReplaySecondary resume or abandon).
func (m *Metrics) RecordRecovery(ctx context.Context, outcome string) {
	if m == nil || m.recoveryEvents == nil {
		return
	}
	m.recoveryEvents.Add(safeCtx(ctx), 1, metric.WithAttributes(
		attribute.String("atomic.outcome", outcome),
	))
}

func safeCtx(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
