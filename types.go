package atomic

import "github.com/otamesh/atomic/internal/atomictypes"

// TxID is a 128-bit opaque transaction identifier, unique per rollout.
// Equality is bitwise.
type TxID = atomictypes.TxID

// NewTxID generates a fresh, unique transaction id (UUIDv4).
func NewTxID() TxID { return atomictypes.NewTxID() }

// ParseTxID decodes a hex-encoded transaction id.
func ParseTxID(s string) (TxID, error) { return atomictypes.ParseTxID(s) }

// ECUSerial identifies an ECU. Comparison is bytewise via Equal.
type ECUSerial = atomictypes.ECUSerial

// Serial is a convenience constructor for an ECUSerial from a string.
func Serial(s string) ECUSerial { return atomictypes.Serial(s) }

// Step is a protocol phase a participant has durably entered.
type Step = atomictypes.Step

// The protocol's step enum, re-exported for callers constructing Descriptors
// or inspecting events without importing the internal package directly.
const (
	StepIdle    = atomictypes.StepIdle
	StepStart   = atomictypes.StepStart
	StepVerify  = atomictypes.StepVerify
	StepPrepare = atomictypes.StepPrepare
	StepCommit  = atomictypes.StepCommit
	StepAbort   = atomictypes.StepAbort
)

// Verdict is the terminal outcome of a Primary-driven transaction.
// Committed reports whether every Secondary in the set ultimately acked
// Commit (including split-brain Secondaries that could not reverse an
// already-applied commit; see collab.Backend.Rollback). Reason explains an
// Aborted verdict and is empty when Committed is true.
type Verdict = atomictypes.Verdict

// Aborted is a convenience constructor for a negative Verdict.
func Aborted(reason FailureKind, detail string) Verdict {
	return Verdict{Reason: reason, Detail: detail}
}

// VerdictCommitted is the positive terminal Verdict.
var VerdictCommitted = Verdict{Committed: true}

// Descriptor is handed to the Primary Coordinator by the upstream SOTA
// layer to start a transaction. Secondaries lists, in the order they are
// addressed, the ECUs this transaction must update atomically. Payloads
// maps an ECU serial's string form to the full image bytes destined for
// that ECU. VerifyMetadata is opaque Uptane metadata passed to
// collab.Backend.Verify per secondary; the core does not interpret it.
// StepTimeout and TxnTimeout override the Config defaults for this
// transaction when non-zero.
type Descriptor = atomictypes.Descriptor
