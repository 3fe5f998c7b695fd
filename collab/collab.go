// Package collab defines the boundary between the atomic protocol and the
// image-format-specific work a Secondary must do to actually adopt an
// update: static verification, staging/preparation, activation, and
// best-effort reversal. The protocol core never interprets image bytes
// itself; it delegates to whichever Backend the ECU's collaborator kind
// selects, the same way the teacher's object store selects a backend by
// URL scheme.
package collab

import (
	"context"
	"fmt"

	"github.com/otamesh/atomic/internal/atomictypes"
)

// Backend performs the collaborator-specific steps of the protocol for one
// ECU. Verify runs during the Verify step; Apply runs during Commit;
// Rollback runs only when a split-brain Abort arrives after Commit has
// already been applied.
type Backend interface {
	// Verify runs static pre-acceptance checks against the staged image at
	// stagedPath and the caller-supplied metadata, without mutating any
	// persistent ECU state.
	Verify(ctx context.Context, stagedPath string, metadata []byte) error
	// Apply activates the staged image at stagedPath. A successful Apply
	// is permanent from the collaborator's point of view; reversing it is
	// Rollback's job, not a second call to Apply.
	Apply(ctx context.Context, stagedPath string) error
	// Rollback attempts to reverse an already-applied Commit. Per the
	// split-brain rule, a Rollback failure is reported as a successful
	// commit outcome to the Primary and surfaced only on the event bus,
	// since the update did in fact take effect.
	Rollback(ctx context.Context) error
}

// Kind names a Backend implementation, selected per ECU via Config.
type Kind string

const (
	KindOff    Kind = "off"
	KindDeb    Kind = "deb"
	KindRPM    Kind = "rpm"
	KindOSTree Kind = "ostree"
	KindCustom Kind = "custom"
)

// ValidKinds lists the backend kind names Open accepts, for building CLI
// help text and flag validation.
func ValidKinds() []string {
	return []string{string(KindOff), string(KindDeb), string(KindRPM), string(KindOSTree), string(KindCustom)}
}

// ParseKind validates a backend kind name from a flag or config file,
// defaulting an empty string to KindOff.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "":
		return KindOff, nil
	case KindOff, KindDeb, KindRPM, KindOSTree, KindCustom:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("collab: unknown backend kind %q, want one of %v", s, ValidKinds())
	}
}

// Open constructs the Backend for kind. KindCustom requires factory to be
// non-nil; Config.CustomBackend supplies it.
func Open(kind Kind, factory func() (Backend, error)) (Backend, error) {
	switch kind {
	case KindOff, "":
		return noopBackend{}, nil
	case KindDeb:
		return newDebBackend(), nil
	case KindRPM:
		return newRPMBackend(), nil
	case KindOSTree:
		return newOSTreeBackend(), nil
	case KindCustom:
		if factory == nil {
			return nil, fmt.Errorf("collab: custom backend requires a factory")
		}
		return factory()
	default:
		return nil, fmt.Errorf("collab: unknown backend kind %q", kind)
	}
}

// noopBackend accepts every step unconditionally; it exists for local
// experimentation and for secondaries that do not carry flashable images
// (e.g. a configuration-only ECU represented in the Descriptor for
// grouping purposes).
type noopBackend struct{}

func (noopBackend) Verify(ctx context.Context, stagedPath string, metadata []byte) error { return nil }
func (noopBackend) Apply(ctx context.Context, stagedPath string) error                   { return nil }
func (noopBackend) Rollback(ctx context.Context) error                                   { return nil }

// failure is a convenience constructor mirroring atomictypes.NewFailure for
// collaborator-reported errors, kept here so Backend implementations don't
// need to import the internal package's kind constants directly.
func failure(kind atomictypes.FailureKind, detail string) error {
	return atomictypes.NewFailure(kind, detail)
}
