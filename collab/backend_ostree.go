package collab

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/otamesh/atomic/internal/atomictypes"
)

// ostreeBackend adopts an ostree commit staged as a static delta or bare
// repo tarball via `ostree admin deploy`. Unlike deb/rpm, ostree keeps
// the prior deployment around, so Rollback can genuinely reverse a commit
// rather than merely reporting failure.
type ostreeBackend struct {
	ostreePath string
	sysroot    string
}

func newOSTreeBackend() Backend {
	return &ostreeBackend{ostreePath: "ostree", sysroot: "/ostree"}
}

func (b *ostreeBackend) Verify(ctx context.Context, stagedPath string, metadata []byte) error {
	if _, err := os.Stat(stagedPath); err != nil {
		return failure(atomictypes.FailureVerify, fmt.Sprintf("stat staged commit: %v", err))
	}
	cmd := exec.CommandContext(ctx, b.ostreePath, "--repo="+stagedPath, "fsck")
	if out, err := cmd.CombinedOutput(); err != nil {
		return failure(atomictypes.FailureVerify, fmt.Sprintf("ostree fsck: %v: %s", err, out))
	}
	return nil
}

func (b *ostreeBackend) Apply(ctx context.Context, stagedPath string) error {
	cmd := exec.CommandContext(ctx, b.ostreePath, "admin", "deploy", "--sysroot="+b.sysroot, stagedPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return failure(atomictypes.FailureApply, fmt.Sprintf("ostree admin deploy: %v: %s", err, out))
	}
	return nil
}

func (b *ostreeBackend) Rollback(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, b.ostreePath, "admin", "status", "--sysroot="+b.sysroot)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return failure(atomictypes.FailureRollback, fmt.Sprintf("ostree admin status: %v: %s", err, out))
	}
	if strings.Count(string(out), "\n") < 2 {
		return failure(atomictypes.FailureRollback, "no prior deployment available to roll back to")
	}
	cmd = exec.CommandContext(ctx, b.ostreePath, "admin", "undeploy", "--sysroot="+b.sysroot, "0")
	if out, err := cmd.CombinedOutput(); err != nil {
		return failure(atomictypes.FailureRollback, fmt.Sprintf("ostree admin undeploy: %v: %s", err, out))
	}
	return nil
}
