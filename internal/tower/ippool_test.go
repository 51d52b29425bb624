package tower

import (
	"errors"
	"testing"
	"time"

	"github.com/towergate/towergate/internal/policy"
)

func TestAllocate_SameIPDifferentGates(t *testing.T) {
	store, _ := newTestStore(t)
	store.AddGate(&policy.Gate{ID: 2, Name: "gate-west", Token: "tok-west", IsActive: true})

	if _, err := store.Allocate("10.0.160.129", 1, 1, 6, 0); err != nil {
		t.Fatalf("allocate on gate 1: %v", err)
	}
	if _, err := store.Allocate("10.0.160.129", 2, 2, 6, 0); err != nil {
		t.Fatalf("allocate same ip on gate 2: %v", err)
	}

	a1 := store.AllocationFor("10.0.160.129", 1)
	a2 := store.AllocationFor("10.0.160.129", 2)
	if a1 == nil || a2 == nil {
		t.Fatal("expected allocations on both gates")
	}
	if a1.ServerID != 1 || a2.ServerID != 2 {
		t.Errorf("allocations resolve to wrong servers: %d, %d", a1.ServerID, a2.ServerID)
	}
}

func TestAllocate_ConflictOnSameGate(t *testing.T) {
	store, _ := newTestStore(t)

	store.Allocate("10.0.160.129", 1, 1, 6, 0)
	_, err := store.Allocate("10.0.160.129", 1, 2, 6, 0)
	if !errors.Is(err, ErrIPAllocated) {
		t.Fatalf("expected ErrIPAllocated, got %v", err)
	}
}

func TestAllocate_ReclaimsExpiredSlot(t *testing.T) {
	store, current := newTestStore(t)

	store.Allocate("10.0.160.129", 1, 1, 6, 10*time.Minute)
	*current = presenceNow.Add(11 * time.Minute)

	alloc, err := store.Allocate("10.0.160.129", 1, 2, 6, 0)
	if err != nil {
		t.Fatalf("expected expired slot to be reclaimed: %v", err)
	}
	if alloc.ServerID != 2 {
		t.Errorf("expected new allocation to server 2, got %d", alloc.ServerID)
	}
}

func TestCleanupExpiredAllocations(t *testing.T) {
	store, current := newTestStore(t)

	store.Allocate("10.0.160.129", 1, 1, 6, 10*time.Minute)
	store.Allocate("10.0.160.130", 1, 2, 6, time.Hour)
	store.Allocate("10.0.160.131", 1, 2, 6, 0) // permanent

	*current = presenceNow.Add(30 * time.Minute)
	if removed := store.CleanupExpiredAllocations(); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if store.AllocationFor("10.0.160.129", 1) != nil {
		t.Error("expected expired allocation gone")
	}
	if store.AllocationFor("10.0.160.131", 1) == nil {
		t.Error("permanent allocation must survive cleanup")
	}
}

func TestReleaseAndExtend(t *testing.T) {
	store, _ := newTestStore(t)

	store.Allocate("10.0.160.129", 1, 1, 6, 10*time.Minute)
	if !store.ExtendAllocation("10.0.160.129", 1, time.Hour) {
		t.Error("expected extension to succeed")
	}
	alloc := store.AllocationFor("10.0.160.129", 1)
	if alloc.ExpiresAt == nil || !alloc.ExpiresAt.Equal(presenceNow.Add(time.Hour)) {
		t.Errorf("expected expiry pushed to +1h, got %v", alloc.ExpiresAt)
	}

	if !store.Release("10.0.160.129", 1) {
		t.Error("expected release to succeed")
	}
	if store.Release("10.0.160.129", 1) {
		t.Error("expected second release to report false")
	}
}
