package collab

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/otamesh/atomic/internal/atomictypes"
)

// rpmBackend adopts RPM packages via rpm(8), using --test to verify without
// mutating the local package database.
type rpmBackend struct {
	rpmPath string
}

func newRPMBackend() Backend {
	return &rpmBackend{rpmPath: "rpm"}
}

func (b *rpmBackend) Verify(ctx context.Context, stagedPath string, metadata []byte) error {
	if _, err := os.Stat(stagedPath); err != nil {
		return failure(atomictypes.FailureVerify, fmt.Sprintf("stat staged package: %v", err))
	}
	cmd := exec.CommandContext(ctx, b.rpmPath, "--upgrade", "--test", stagedPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return failure(atomictypes.FailureVerify, fmt.Sprintf("rpm --test: %v: %s", err, out))
	}
	return nil
}

func (b *rpmBackend) Apply(ctx context.Context, stagedPath string) error {
	cmd := exec.CommandContext(ctx, b.rpmPath, "--upgrade", stagedPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return failure(atomictypes.FailureApply, fmt.Sprintf("rpm --upgrade: %v: %s", err, out))
	}
	return nil
}

func (b *rpmBackend) Rollback(ctx context.Context) error {
	return failure(atomictypes.FailureRollback, "rpm backend cannot reverse an upgrade without a recorded prior version")
}
