package proxy

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/towergate/towergate/internal/gate"
)

type fakeControlPlane struct {
	heartbeatErr    error
	forceDisconnect []string
	grants          map[string]*gate.GrantStatus

	lastReport gate.HeartbeatReport
}

func (f *fakeControlPlane) Heartbeat(ctx context.Context, report gate.HeartbeatReport) (*gate.HeartbeatResult, error) {
	f.lastReport = report
	if f.heartbeatErr != nil {
		return nil, f.heartbeatErr
	}
	return &gate.HeartbeatResult{Status: "ok", ForceDisconnect: f.forceDisconnect}, nil
}

func (f *fakeControlPlane) GrantStatus(ctx context.Context, sessionID string) (*gate.GrantStatus, error) {
	status, ok := f.grants[sessionID]
	if !ok {
		return nil, errors.New("unknown session")
	}
	return status, nil
}

func newTestLoop(cp *fakeControlPlane, r *Registry) *HeartbeatLoop {
	return NewHeartbeatLoop(cp, r, nil, "1.0.0", "gate-east", time.Minute, slog.Default())
}

func TestHeartbeat_ReportsActiveSessions(t *testing.T) {
	r := NewRegistry()
	registerSession(r, "sess-1")
	registerSession(r, "sess-2")
	// A second person; the two sessions above share one.
	r.Register(SessionInfo{SessionID: "sess-3", Person: "bob", Backend: "db-2"}, func(string) {})

	cp := &fakeControlPlane{grants: map[string]*gate.GrantStatus{
		"sess-1": {Valid: true},
		"sess-2": {Valid: true},
		"sess-3": {Valid: true},
	}}
	newTestLoop(cp, r).beat(context.Background())

	if cp.lastReport.ActiveSessions != 3 {
		t.Errorf("active_sessions = %d", cp.lastReport.ActiveSessions)
	}
	if len(cp.lastReport.ActiveSessionIDs) != 3 {
		t.Errorf("active_session_ids = %v", cp.lastReport.ActiveSessionIDs)
	}
	if cp.lastReport.ActiveStays != 2 {
		t.Errorf("active_stays = %d, want one per distinct person", cp.lastReport.ActiveStays)
	}
}

func TestHeartbeat_ForceDisconnectSchedulesEnd(t *testing.T) {
	r := NewRegistry()
	registerSession(r, "sess-1")

	cp := &fakeControlPlane{
		forceDisconnect: []string{"sess-1"},
		grants:          map[string]*gate.GrantStatus{"sess-1": {Valid: true}},
	}
	newTestLoop(cp, r).beat(context.Background())

	end, reason, ok := r.Deadline("sess-1")
	if !ok || reason != "force_disconnect" {
		t.Fatalf("expected forced deadline, got %q %v", reason, ok)
	}
	if until := time.Until(end); until > forcedGrace+time.Second || until <= 0 {
		t.Errorf("forced end not within grace window: %v", until)
	}
}

func TestHeartbeat_RevokedGrantSchedulesEnd(t *testing.T) {
	r := NewRegistry()
	registerSession(r, "sess-1")
	r.SetGrantEnd("sess-1", time.Now().Add(time.Hour))

	cp := &fakeControlPlane{grants: map[string]*gate.GrantStatus{
		"sess-1": {Valid: false, Reason: "policy_expired"},
	}}
	newTestLoop(cp, r).beat(context.Background())

	_, reason, ok := r.Deadline("sess-1")
	if !ok || reason != "policy_expired" {
		t.Errorf("expected revocation deadline, got %q %v", reason, ok)
	}
}

func TestHeartbeat_ExtendedGrantRefreshesEnd(t *testing.T) {
	r := NewRegistry()
	registerSession(r, "sess-1")
	r.SetGrantEnd("sess-1", time.Now().Add(time.Hour))

	extended := time.Now().Add(3 * time.Hour).UTC().Truncate(time.Second)
	cp := &fakeControlPlane{grants: map[string]*gate.GrantStatus{
		"sess-1": {Valid: true, EndTime: &extended},
	}}
	newTestLoop(cp, r).beat(context.Background())

	end, _, ok := r.Deadline("sess-1")
	if !ok || !end.Equal(extended) {
		t.Errorf("deadline = %v, want %v", end, extended)
	}

	// A status without an end time leaves the known deadline alone: the
	// bound set at resolution (for instance from a schedule window) must
	// survive a poll that reports no policy end.
	cp.grants["sess-1"] = &gate.GrantStatus{Valid: true}
	newTestLoop(cp, r).beat(context.Background())
	end, _, ok = r.Deadline("sess-1")
	if !ok || !end.Equal(extended) {
		t.Errorf("open-ended status must not clear the deadline: %v %v", end, ok)
	}
}

func TestHeartbeat_TowerOutageLeavesSessionsAlone(t *testing.T) {
	r := NewRegistry()
	registerSession(r, "sess-1")
	known := time.Now().Add(time.Hour)
	r.SetGrantEnd("sess-1", known)

	cp := &fakeControlPlane{heartbeatErr: errors.New("connection refused")}
	newTestLoop(cp, r).beat(context.Background())

	end, reason, ok := r.Deadline("sess-1")
	if !ok || !end.Equal(known) || reason != "grant_expired" {
		t.Errorf("outage must not change deadlines: %v %q %v", end, reason, ok)
	}
}
