package proxy

import (
	"sort"
	"sync"
	"time"
)

// SessionInfo describes one live proxied connection.
type SessionInfo struct {
	SessionID string
	Person    string
	Backend   string
	Login     string
	SourceIP  string
	StartedAt time.Time
}

type liveSession struct {
	info SessionInfo
	// close tears the connection down with a reason. Must be
	// idempotent; monitors and the heartbeat loop may race on it.
	close func(reason string)

	grantEnd     time.Time // zero means unbounded
	forcedEnd    time.Time // zero means none
	forcedReason string
	lastActivity time.Time
}

// Registry is the gate's live session table. Monitors read the end-time
// and activity columns; the heartbeat loop writes forced end times when
// the Tower orders a disconnect.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*liveSession
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*liveSession), now: time.Now}
}

// NewRegistryWithClock is for tests.
func NewRegistryWithClock(now func() time.Time) *Registry {
	if now == nil {
		panic("proxy: nil clock")
	}
	r := NewRegistry()
	r.now = now
	return r
}

// Register adds a session. closeFn is invoked (once) to tear the
// connection down when a monitor or the Tower says so.
func (r *Registry) Register(info SessionInfo, closeFn func(reason string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[info.SessionID] = &liveSession{
		info:         info,
		close:        closeFn,
		lastActivity: r.now(),
	}
}

// Unregister drops a session after teardown.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// SetGrantEnd records the session's grant expiry. A zero time means the
// grant is unbounded.
func (r *Registry) SetGrantEnd(sessionID string, end time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.grantEnd = end
	}
}

// SetForcedEnd schedules a forced disconnect. A forced end always wins
// over the grant end, even when the grant would last longer.
func (r *Registry) SetForcedEnd(sessionID string, end time.Time, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.forcedEnd = end
		s.forcedReason = reason
	}
}

// Deadline returns the session's effective end time and the reason that
// applies when it is reached. ok is false for unknown sessions or when
// no end is scheduled.
func (r *Registry) Deadline(sessionID string) (end time.Time, reason string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, found := r.sessions[sessionID]
	if !found {
		return time.Time{}, "", false
	}
	if !s.forcedEnd.IsZero() && (s.grantEnd.IsZero() || s.forcedEnd.Before(s.grantEnd)) {
		reason = s.forcedReason
		if reason == "" {
			reason = "force_disconnect"
		}
		return s.forcedEnd, reason, true
	}
	if !s.grantEnd.IsZero() {
		return s.grantEnd, "grant_expired", true
	}
	return time.Time{}, "", false
}

// Touch records traffic on the session for the inactivity monitor.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.lastActivity = r.now()
	}
}

// IdleSince reports how long the session has been silent.
func (r *Registry) IdleSince(sessionID string) (time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return 0, false
	}
	return r.now().Sub(s.lastActivity), true
}

// Close tears down a session by ID with the given reason.
func (r *Registry) Close(sessionID, reason string) bool {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	s.close(reason)
	return true
}

// ActiveIDs returns the live session IDs, sorted for stable reporting.
func (r *Registry) ActiveIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActivePersons counts distinct users across live sessions. One user
// with three windows open is still one presence.
func (r *Registry) ActivePersons() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.sessions))
	for _, s := range r.sessions {
		seen[s.info.Person] = struct{}{}
	}
	return len(seen)
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Info returns a copy of a session's metadata.
func (r *Registry) Info(sessionID string) (SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return SessionInfo{}, false
	}
	return s.info, true
}
