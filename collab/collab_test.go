package collab

import (
	"context"
	"errors"
	"testing"
)

type fakeBackend struct {
	verifyCalled, applyCalled, rollbackCalled bool
	verifyErr                                 error
}

func (f *fakeBackend) Verify(ctx context.Context, stagedPath string, metadata []byte) error {
	f.verifyCalled = true
	return f.verifyErr
}
func (f *fakeBackend) Apply(ctx context.Context, stagedPath string) error {
	f.applyCalled = true
	return nil
}
func (f *fakeBackend) Rollback(ctx context.Context) error {
	f.rollbackCalled = true
	return nil
}

func TestOpenOffReturnsNoop(t *testing.T) {
	b, err := Open(KindOff, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b.Verify(context.Background(), "", nil); err != nil {
		t.Fatalf("noop verify should succeed, got %v", err)
	}
	if err := b.Apply(context.Background(), ""); err != nil {
		t.Fatalf("noop apply should succeed, got %v", err)
	}
}

func TestOpenCustomUsesFactory(t *testing.T) {
	fake := &fakeBackend{}
	b, err := Open(KindCustom, func() (Backend, error) { return fake, nil })
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b.Verify(context.Background(), "/tmp/x", nil); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !fake.verifyCalled {
		t.Fatal("expected factory-built backend to be used")
	}
}

func TestOpenCustomWithoutFactoryFails(t *testing.T) {
	if _, err := Open(KindCustom, nil); err == nil {
		t.Fatal("expected error when custom kind has no factory")
	}
}

func TestOpenUnknownKindFails(t *testing.T) {
	if _, err := Open(Kind("bogus"), nil); err == nil {
		t.Fatal("expected error for unknown backend kind")
	}
}

func TestFakeBackendReportsVerifyFailure(t *testing.T) {
	fake := &fakeBackend{verifyErr: errors.New("signature mismatch")}
	b, err := Open(KindCustom, func() (Backend, error) { return fake, nil })
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b.Verify(context.Background(), "/tmp/x", nil); err == nil {
		t.Fatal("expected verify error to propagate")
	}
}
