package collab

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/otamesh/atomic/internal/atomictypes"
)

// debBackend adopts Debian packages via dpkg, verifying the staged file at
// least looks like a valid archive before dpkg ever sees it.
type debBackend struct {
	dpkgPath string
}

func newDebBackend() Backend {
	return &debBackend{dpkgPath: "dpkg"}
}

func (b *debBackend) Verify(ctx context.Context, stagedPath string, metadata []byte) error {
	info, err := os.Stat(stagedPath)
	if err != nil {
		return failure(atomictypes.FailureVerify, fmt.Sprintf("stat staged package: %v", err))
	}
	if info.Size() == 0 {
		return failure(atomictypes.FailureVerify, "staged package is empty")
	}
	cmd := exec.CommandContext(ctx, b.dpkgPath, "--info", stagedPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return failure(atomictypes.FailureVerify, fmt.Sprintf("dpkg --info: %v: %s", err, out))
	}
	return nil
}

func (b *debBackend) Apply(ctx context.Context, stagedPath string) error {
	cmd := exec.CommandContext(ctx, b.dpkgPath, "--install", stagedPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return failure(atomictypes.FailureApply, fmt.Sprintf("dpkg --install: %v: %s", err, out))
	}
	return nil
}

func (b *debBackend) Rollback(ctx context.Context) error {
	return failure(atomictypes.FailureRollback, "deb backend cannot reverse an install without a recorded prior version")
}
