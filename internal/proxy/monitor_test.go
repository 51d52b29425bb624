package proxy

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer is an io.Writer safe for the monitor goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func registerSession(r *Registry, id string) chan string {
	closed := make(chan string, 1)
	r.Register(SessionInfo{SessionID: id, Person: "alice", Backend: "db-1"}, func(reason string) {
		select {
		case closed <- reason:
		default:
		}
		r.Unregister(id)
	})
	return closed
}

func waitReason(t *testing.T, ch chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("termination reason = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session was not closed with %q", want)
	}
}

func TestMonitor_GrantExpiryDisconnects(t *testing.T) {
	r := NewRegistry()
	closed := registerSession(r, "sess-1")
	r.SetGrantEnd("sess-1", time.Now().Add(-time.Second))

	out := &syncBuffer{}
	m := NewMonitor(r, "sess-1", out, 0, slog.Default())
	m.grantPoll = 10 * time.Millisecond
	go m.Run()
	defer m.Stop()

	waitReason(t, closed, "grant_expired")
	if !strings.Contains(out.String(), "Access ended") {
		t.Errorf("expected disconnect message, got %q", out.String())
	}
}

func TestMonitor_ForcedEndBeatsGrantEnd(t *testing.T) {
	r := NewRegistry()
	closed := registerSession(r, "sess-1")
	// Grant runs for another hour, but the Tower ordered a disconnect.
	r.SetGrantEnd("sess-1", time.Now().Add(time.Hour))
	r.SetForcedEnd("sess-1", time.Now().Add(-time.Second), "force_disconnect")

	out := &syncBuffer{}
	m := NewMonitor(r, "sess-1", out, 0, slog.Default())
	m.grantPoll = 10 * time.Millisecond
	go m.Run()
	defer m.Stop()

	waitReason(t, closed, "force_disconnect")
}

func TestMonitor_ExpiryWarning(t *testing.T) {
	r := NewRegistry()
	registerSession(r, "sess-1")
	r.SetGrantEnd("sess-1", time.Now().Add(90*time.Second))

	out := &syncBuffer{}
	m := NewMonitor(r, "sess-1", out, 0, slog.Default())
	m.grantPoll = 10 * time.Millisecond
	go m.Run()
	defer m.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(out.String(), "expires in") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no expiry warning written, got %q", out.String())
}

func TestMonitor_InactivityDisconnects(t *testing.T) {
	r := NewRegistry()
	closed := registerSession(r, "sess-1")

	out := &syncBuffer{}
	m := NewMonitor(r, "sess-1", out, 50*time.Millisecond, slog.Default())
	m.idlePoll = 10 * time.Millisecond
	go m.Run()
	defer m.Stop()

	waitReason(t, closed, "inactivity_timeout")
}

func TestMonitor_ActivityResetsIdleClock(t *testing.T) {
	r := NewRegistry()
	closed := registerSession(r, "sess-1")

	out := &syncBuffer{}
	m := NewMonitor(r, "sess-1", out, 200*time.Millisecond, slog.Default())
	m.idlePoll = 20 * time.Millisecond
	go m.Run()
	defer m.Stop()

	// Keep the session busy past the timeout horizon.
	for i := 0; i < 10; i++ {
		r.Touch("sess-1")
		time.Sleep(30 * time.Millisecond)
	}
	select {
	case reason := <-closed:
		t.Fatalf("active session was disconnected: %q", reason)
	default:
	}
}

func TestMonitor_ZeroTimeoutDisablesIdleCheck(t *testing.T) {
	r := NewRegistry()
	closed := registerSession(r, "sess-1")

	m := NewMonitor(r, "sess-1", &syncBuffer{}, 0, slog.Default())
	m.idlePoll = 10 * time.Millisecond
	go m.Run()
	defer m.Stop()

	time.Sleep(100 * time.Millisecond)
	select {
	case reason := <-closed:
		t.Fatalf("idle check fired with zero timeout: %q", reason)
	default:
	}
}
