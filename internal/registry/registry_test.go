package registry

import (
	"context"
	"testing"
	"time"

	"github.com/otamesh/atomic/internal/atomictypes"
)

func TestRegisterGetUpdateRelease(t *testing.T) {
	r := New[int](0)
	txID := atomictypes.NewTxID()
	ctx := r.Register(context.Background(), txID, 1, time.Now().Add(time.Minute))
	if ctx.Err() != nil {
		t.Fatalf("expected fresh context to be alive: %v", ctx.Err())
	}
	v, ok := r.Get(txID)
	if !ok || v != 1 {
		t.Fatalf("get: got (%v, %v)", v, ok)
	}
	if !r.Update(txID, 2) {
		t.Fatal("expected update to succeed for a registered txID")
	}
	v, _ = r.Get(txID)
	if v != 2 {
		t.Fatalf("expected updated value 2, got %d", v)
	}
	if r.Len() != 1 {
		t.Fatalf("expected len 1, got %d", r.Len())
	}
	r.Release(txID)
	if ctx.Err() == nil {
		t.Fatal("expected context to be cancelled after release")
	}
	if _, ok := r.Get(txID); ok {
		t.Fatal("expected entry to be gone after release")
	}
}

func TestRegisterReplacesAndCancelsPrevious(t *testing.T) {
	r := New[string](0)
	txID := atomictypes.NewTxID()
	first := r.Register(context.Background(), txID, "first", time.Now().Add(time.Minute))
	second := r.Register(context.Background(), txID, "second", time.Now().Add(time.Minute))
	if first.Err() == nil {
		t.Fatal("expected first context to be cancelled once replaced")
	}
	if second.Err() != nil {
		t.Fatal("expected second context to remain alive")
	}
	v, _ := r.Get(txID)
	if v != "second" {
		t.Fatalf("expected second value to win, got %q", v)
	}
}

func TestUpdateUnknownTxIDReturnsFalse(t *testing.T) {
	r := New[int](0)
	if r.Update(atomictypes.NewTxID(), 5) {
		t.Fatal("expected update of unknown txID to fail")
	}
}

func TestSweepReclaimsExpiredEntries(t *testing.T) {
	r := New[int](20 * time.Millisecond)
	defer r.Close()
	txID := atomictypes.NewTxID()
	ctx := r.Register(context.Background(), txID, 1, time.Now().Add(-time.Millisecond))
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, ok := r.Get(txID); !ok {
			if ctx.Err() == nil {
				t.Fatal("expected context cancellation alongside reclamation")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected sweep to reclaim an already-expired entry")
}
