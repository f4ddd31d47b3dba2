package leasetracker

import (
	"context"
	"testing"
)

func TestInMemoryTrackerAcquireRelease(t *testing.T) {
	tr := NewInMemory()
	ctx := context.Background()

	if err := tr.Acquire(ctx, "sb-1", "will-it-rain"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	active, err := tr.Active(ctx)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(active) != 1 || active[0].SandboxID != "sb-1" {
		t.Fatalf("Active = %+v, want one lease for sb-1", active)
	}

	if err := tr.Release(ctx, "sb-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	active, err = tr.Active(ctx)
	if err != nil {
		t.Fatalf("Active after release: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("Active after release = %+v, want empty", active)
	}
}

func TestInMemoryTrackerMultipleLeases(t *testing.T) {
	tr := NewInMemory()
	ctx := context.Background()

	tr.Acquire(ctx, "sb-1", "market-a")
	tr.Acquire(ctx, "sb-2", "market-b")

	active, err := tr.Active(ctx)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("Active = %+v, want 2 leases", active)
	}

	tr.Release(ctx, "sb-1")
	active, _ = tr.Active(ctx)
	if len(active) != 1 || active[0].SandboxID != "sb-2" {
		t.Errorf("Active after partial release = %+v, want only sb-2", active)
	}
}

func TestInMemoryTrackerReleaseUnknownIsNoop(t *testing.T) {
	tr := NewInMemory()
	if err := tr.Release(context.Background(), "never-acquired"); err != nil {
		t.Errorf("Release of unknown lease should be a no-op, got %v", err)
	}
}
