package atomic

import "github.com/otamesh/atomic/internal/atomictypes"

// FailureKind enumerates the closed set of abort reasons the protocol can
// produce. Every kind except Rollback drives an immediate local transition
// to Aborted; Rollback errors are reported as success per the split-brain
// rule and only surfaced on the event bus.
type FailureKind = atomictypes.FailureKind

const (
	FailureProtocol  = atomictypes.FailureProtocol
	FailureTimeout   = atomictypes.FailureTimeout
	FailureTransport = atomictypes.FailureTransport
	FailureStorage   = atomictypes.FailureStorage
	FailurePayload   = atomictypes.FailurePayload
	FailureVerify    = atomictypes.FailureVerify
	FailureApply     = atomictypes.FailureApply
	FailureRollback  = atomictypes.FailureRollback
	FailureCancelled = atomictypes.FailureCancelled
)

// Failure is the transport-neutral error type carried through the protocol.
type Failure = atomictypes.Failure

// NewFailure constructs a Failure with the given kind and detail.
func NewFailure(kind FailureKind, detail string) *Failure {
	return atomictypes.NewFailure(kind, detail)
}
