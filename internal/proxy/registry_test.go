package proxy

import (
	"testing"
	"time"
)

func TestRegistry_DeadlinePrecedence(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	r := NewRegistryWithClock(func() time.Time { return now })
	r.Register(SessionInfo{SessionID: "sess-1"}, func(string) {})

	if _, _, ok := r.Deadline("sess-1"); ok {
		t.Error("unbounded session must have no deadline")
	}

	grantEnd := now.Add(time.Hour)
	r.SetGrantEnd("sess-1", grantEnd)
	end, reason, ok := r.Deadline("sess-1")
	if !ok || !end.Equal(grantEnd) || reason != "grant_expired" {
		t.Errorf("grant deadline = %v %q %v", end, reason, ok)
	}

	// An earlier forced end wins and carries its own reason.
	forced := now.Add(5 * time.Second)
	r.SetForcedEnd("sess-1", forced, "policy_revoked")
	end, reason, _ = r.Deadline("sess-1")
	if !end.Equal(forced) || reason != "policy_revoked" {
		t.Errorf("forced deadline = %v %q", end, reason)
	}

	// A forced end later than the grant end does not mask it.
	r.SetForcedEnd("sess-1", grantEnd.Add(time.Hour), "")
	end, reason, _ = r.Deadline("sess-1")
	if !end.Equal(grantEnd) || reason != "grant_expired" {
		t.Errorf("late forced end should lose: %v %q", end, reason)
	}
}

func TestRegistry_ForcedEndOnUnboundedGrant(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	r := NewRegistryWithClock(func() time.Time { return now })
	r.Register(SessionInfo{SessionID: "sess-1"}, func(string) {})

	r.SetForcedEnd("sess-1", now.Add(5*time.Second), "")
	_, reason, ok := r.Deadline("sess-1")
	if !ok || reason != "force_disconnect" {
		t.Errorf("expected default force_disconnect reason, got %q %v", reason, ok)
	}
}

func TestRegistry_TouchAndIdle(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := now
	r := NewRegistryWithClock(func() time.Time { return clock })
	r.Register(SessionInfo{SessionID: "sess-1"}, func(string) {})

	clock = clock.Add(90 * time.Second)
	idle, ok := r.IdleSince("sess-1")
	if !ok || idle != 90*time.Second {
		t.Errorf("idle = %v %v", idle, ok)
	}

	r.Touch("sess-1")
	idle, _ = r.IdleSince("sess-1")
	if idle != 0 {
		t.Errorf("idle after touch = %v", idle)
	}
}

func TestRegistry_ActiveIDsSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		r.Register(SessionInfo{SessionID: id}, func(string) {})
	}
	ids := r.ActiveIDs()
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Errorf("ActiveIDs = %v", ids)
	}
	if r.Count() != 3 {
		t.Errorf("Count = %d", r.Count())
	}

	r.Unregister("b")
	if r.Count() != 2 {
		t.Errorf("Count after unregister = %d", r.Count())
	}
}

func TestRegistry_CloseInvokesCallback(t *testing.T) {
	r := NewRegistry()
	var gotReason string
	r.Register(SessionInfo{SessionID: "sess-1"}, func(reason string) { gotReason = reason })

	if !r.Close("sess-1", "gate_restart") {
		t.Fatal("Close returned false for a live session")
	}
	if gotReason != "gate_restart" {
		t.Errorf("reason = %q", gotReason)
	}
	if r.Close("missing", "x") {
		t.Error("Close must return false for unknown sessions")
	}
}
