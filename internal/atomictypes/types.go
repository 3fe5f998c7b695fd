// Package atomictypes holds the wire- and protocol-level types shared by
// every internal package (wire, walog, transport, payloadstore, secondary,
// coordinator, registry, recovery) plus the public root package, which
// re-exports them under its own names. Splitting them out here avoids an
// import cycle between the root package and the internal protocol packages.
package atomictypes

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// TxID is a 128-bit opaque transaction identifier, unique per rollout.
// Equality is bitwise.
type TxID [16]byte

// NewTxID generates a fresh, unique transaction id (UUIDv4).
func NewTxID() TxID {
	return TxID(uuid.New())
}

// String renders the id as hex, matching the wire representation.
func (id TxID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value.
func (id TxID) IsZero() bool {
	return id == TxID{}
}

// ParseTxID decodes a hex-encoded transaction id.
func ParseTxID(s string) (TxID, error) {
	var id TxID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("atomic: parse tx id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("atomic: tx id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ECUSerial identifies an ECU. Comparison is bytewise via Equal.
type ECUSerial []byte

// Serial is a convenience constructor for an ECUSerial from a string.
func Serial(s string) ECUSerial {
	return ECUSerial(s)
}

// Equal reports whether two serials identify the same ECU.
func (s ECUSerial) Equal(other ECUSerial) bool {
	return bytes.Equal(s, other)
}

// String renders the serial for logging.
func (s ECUSerial) String() string {
	return string(s)
}

// Step is a protocol phase a participant has durably entered. Steps are
// totally ordered Start < Verify < Prepare < Commit, plus the terminal
// Abort which may be entered from any non-terminal step.
type Step uint8

const (
	// StepIdle is the state before any Request has been processed; it is
	// never sent on the wire.
	StepIdle Step = iota
	// StepStart begins a transaction on a Secondary.
	StepStart
	// StepVerify asks a Secondary to run static pre-acceptance checks.
	StepVerify
	// StepPrepare asks a Secondary to stage and ready an image for activation.
	StepPrepare
	// StepCommit asks a Secondary to activate the staged image.
	StepCommit
	// StepAbort is the terminal failure state, reachable from any
	// non-terminal step.
	StepAbort
)

// String renders the step name for logging and error messages.
func (s Step) String() string {
	switch s {
	case StepIdle:
		return "idle"
	case StepStart:
		return "start"
	case StepVerify:
		return "verify"
	case StepPrepare:
		return "prepare"
	case StepCommit:
		return "commit"
	case StepAbort:
		return "abort"
	default:
		return fmt.Sprintf("step(%d)", uint8(s))
	}
}

// Before reports whether s precedes other in the non-terminal step order.
// Abort is not comparable via Before; callers check s == StepAbort directly.
func (s Step) Before(other Step) bool {
	return s < other && s != StepAbort && other != StepAbort
}

// Next returns the step that follows s in [Start, Verify, Prepare, Commit],
// and false if s has no successor (Commit and Abort are terminal).
func (s Step) Next() (Step, bool) {
	switch s {
	case StepStart:
		return StepVerify, true
	case StepVerify:
		return StepPrepare, true
	case StepPrepare:
		return StepCommit, true
	default:
		return StepIdle, false
	}
}

// ByteRange is a half-open [Start, End) span of a payload, used to report
// which bytes a staging file is still missing.
type ByteRange struct {
	Start, End int64
}

// Descriptor is handed to the Primary Coordinator to start a transaction.
// It lives here, rather than in the public root package, so the internal
// coordinator and recovery packages can decode it back out of the WAL
// without importing the root package.
type Descriptor struct {
	TxID           TxID
	Secondaries    []ECUSerial
	Payloads       map[string][]byte
	VerifyMetadata map[string][]byte
	StepTimeout    int64
	TxnTimeout     int64
}

// Verdict is the terminal outcome of a Primary-driven transaction.
type Verdict struct {
	Committed bool
	Reason    FailureKind
	Detail    string
}
