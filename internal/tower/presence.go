package tower

import (
	"errors"
	"sort"
	"time"

	"github.com/towergate/towergate/internal/policy"
)

// ErrSessionNotFound is returned for lifecycle calls against an
// unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// ErrStayEnded is returned when ending a stay that is already closed.
var ErrStayEnded = errors.New("stay already ended")

// StartSession records a new live session and attaches it to the
// person's Stay, creating one if this is their first active session
// anywhere. An active-sessions-but-no-active-Stay inconsistency is
// repaired by creating a fresh Stay and logging a warning.
func (s *Store) StartSession(sess *Session) (*Stay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return nil, errors.New("session id already registered")
	}
	if s.persons[sess.PersonID] == nil {
		return nil, errors.New("person not found")
	}
	if s.servers[sess.ServerID] == nil {
		return nil, errors.New("server not found")
	}

	now := s.now()

	activeCount := 0
	for _, existing := range s.sessions {
		if existing.PersonID == sess.PersonID && existing.IsActive {
			activeCount++
		}
	}

	var stay *Stay
	if activeCount == 0 {
		stay = s.openStayLocked(sess, now)
		s.log.Info("stay opened",
			"stay_id", stay.ID, "person_id", sess.PersonID, "gate_id", sess.GateID)
	} else {
		stay = s.activeStayLocked(sess.PersonID)
		if stay == nil {
			s.log.Warn("active sessions without an active stay, repairing",
				"person_id", sess.PersonID, "active_sessions", activeCount)
			stay = s.openStayLocked(sess, now)
		}
	}

	sess.StayID = stay.ID
	sess.StartedAt = now
	sess.IsActive = true
	s.sessions[sess.ID] = sess
	s.persistLocked()
	return stay, nil
}

// OpenStay opens a stay directly without a session (explicit lifecycle
// path). If the person already has an active stay it is reused.
func (s *Store) OpenStay(personID, serverID, policyID, gateID int64) *Stay {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stay := s.activeStayLocked(personID); stay != nil {
		return stay
	}
	stay := s.openStayLocked(&Session{
		PersonID: personID,
		ServerID: serverID,
		PolicyID: policyID,
		GateID:   gateID,
	}, s.now())
	s.persistLocked()
	return stay
}

// SessionUpdate carries the mutable fields a gate may patch on a
// session. Nil pointers leave the field untouched.
type SessionUpdate struct {
	EndedAt           *time.Time
	IsActive          *bool
	TerminationReason string
	RecordingPath     string
	RecordingSize     *int64
}

// UpdateSession applies a partial update. When the update ends the
// session and it was the person's last active session, the person's
// Stay is closed with duration = ended - started and the termination
// reason propagated.
func (s *Store) UpdateSession(sessionID string, upd SessionUpdate) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	ending := false
	if upd.EndedAt != nil {
		sess.EndedAt = upd.EndedAt
		ending = true
	}
	if upd.IsActive != nil {
		sess.IsActive = *upd.IsActive
		if !*upd.IsActive {
			ending = true
		}
	}
	if upd.TerminationReason != "" {
		sess.TerminationReason = upd.TerminationReason
	}
	if upd.RecordingPath != "" {
		sess.RecordingPath = upd.RecordingPath
	}
	if upd.RecordingSize != nil {
		sess.RecordingSize = *upd.RecordingSize
	}

	if ending {
		sess.IsActive = false
		if sess.EndedAt == nil {
			now := s.now()
			sess.EndedAt = &now
		}
		sess.DurationSeconds = int64(sess.EndedAt.Sub(sess.StartedAt).Seconds())
		s.maybeCloseStayLocked(sess, upd.TerminationReason)
	}

	s.persistLocked()
	return sess, nil
}

// EndSession is the common close path: marks the session inactive with
// a reason and closes the Stay if it was the last one.
func (s *Store) EndSession(sessionID, reason string) (*Session, error) {
	now := s.now()
	inactive := false
	return s.UpdateSession(sessionID, SessionUpdate{
		EndedAt:           &now,
		IsActive:          &inactive,
		TerminationReason: reason,
	})
}

// EndStay closes a stay directly (operator action). Returns ErrStayEnded
// if it is already closed.
func (s *Store) EndStay(stayID int64, reason string) (*Stay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stay, ok := s.stays[stayID]
	if !ok {
		return nil, errors.New("stay not found")
	}
	if !stay.IsActive {
		return nil, ErrStayEnded
	}
	s.closeStayLocked(stay, s.now(), reason)
	s.persistLocked()
	return stay, nil
}

// CleanupGate force-closes every session and stay attributed to a gate.
// Called by the gate itself on startup so a crash never leaves phantom
// presence behind. Returns the number of sessions closed.
func (s *Store) CleanupGate(gateID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	closed := 0
	for _, sess := range s.sessions {
		if sess.GateID != gateID || !sess.IsActive {
			continue
		}
		sess.IsActive = false
		sess.EndedAt = &now
		sess.DurationSeconds = int64(now.Sub(sess.StartedAt).Seconds())
		sess.TerminationReason = "gate_restart"
		closed++
	}
	for _, stay := range s.stays {
		if stay.GateID != gateID || !stay.IsActive {
			continue
		}
		s.closeStayLocked(stay, now, "gate_restart")
	}
	if closed > 0 {
		s.log.Info("gate cleanup closed sessions", "gate_id", gateID, "count", closed)
	}
	s.persistLocked()
	return closed
}

// MarkForceDisconnect flags a session for termination; the owning gate
// picks the flag up on its next heartbeat or grant-status poll.
func (s *Store) MarkForceDisconnect(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.ForceDisconnect = true
	s.persistLocked()
	return nil
}

// SessionByID returns a copy of the session, or nil.
func (s *Store) SessionByID(id string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	cp := *sess
	return &cp
}

// StayByID returns a copy of the stay, or nil.
func (s *Store) StayByID(id int64) *Stay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stay, ok := s.stays[id]
	if !ok {
		return nil
	}
	cp := *stay
	return &cp
}

// SessionFilter narrows ActiveSessions.
type SessionFilter struct {
	GateID   int64
	PersonID int64
	ServerID int64
	Protocol string
}

// ActiveSessions lists active sessions, newest first.
func (s *Store) ActiveSessions(f SessionFilter) []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Session
	for _, sess := range s.sessions {
		if !sess.IsActive {
			continue
		}
		if f.GateID != 0 && sess.GateID != f.GateID {
			continue
		}
		if f.PersonID != 0 && sess.PersonID != f.PersonID {
			continue
		}
		if f.ServerID != 0 && sess.ServerID != f.ServerID {
			continue
		}
		if f.Protocol != "" && sess.Protocol != f.Protocol {
			continue
		}
		cp := *sess
		out = append(out, &cp)
	}
	sortSessionsByStart(out)
	return out
}

// ActiveStays lists active stays.
func (s *Store) ActiveStays(gateID, personID int64) []*Stay {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Stay
	for _, stay := range s.stays {
		if !stay.IsActive {
			continue
		}
		if gateID != 0 && stay.GateID != gateID {
			continue
		}
		if personID != 0 && stay.PersonID != personID {
			continue
		}
		cp := *stay
		out = append(out, &cp)
	}
	return out
}

// GrantStatus is the lightweight poll result for monitor revalidation:
// the single source of truth for a session's effective end.
type GrantStatus struct {
	Valid   bool       `json:"valid"`
	EndTime *time.Time `json:"end_time,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

// SessionGrantStatus answers whether a session's grant is still valid
// and when it expires.
func (s *Store) SessionGrantStatus(sessionID string) (GrantStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return GrantStatus{}, ErrSessionNotFound
	}
	if sess.ForceDisconnect {
		return GrantStatus{Valid: false, Reason: "force_disconnect"}, nil
	}
	if sess.PolicyID == 0 {
		// No bounding policy recorded: permanent access.
		return GrantStatus{Valid: true}, nil
	}
	p, ok := s.policies[sess.PolicyID]
	if !ok {
		return GrantStatus{Valid: false, Reason: "grant not found"}, nil
	}
	now := s.now()
	if !p.IsActive {
		return GrantStatus{Valid: false, Reason: "grant revoked"}, nil
	}
	if now.Before(p.StartTime) {
		return GrantStatus{Valid: false, Reason: "grant not yet active"}, nil
	}
	if p.EndTime != nil && !now.Before(*p.EndTime) {
		return GrantStatus{Valid: false, Reason: "grant expired"}, nil
	}

	// The effective end is the stricter of the policy end and the
	// current schedule window, same as at resolution time. A permanent
	// policy bounded only by schedules must not report an open end.
	windowEnd, ok := p.CurrentWindow(now)
	if !ok {
		return GrantStatus{Valid: false, Reason: string(policy.DenyOutsideSchedule)}, nil
	}
	end := p.EndTime
	if windowEnd != nil && (end == nil || windowEnd.Before(*end)) {
		end = windowEnd
	}
	return GrantStatus{Valid: true, EndTime: end}, nil
}

// --- internals, lock held ---

func (s *Store) openStayLocked(sess *Session, now time.Time) *Stay {
	stay := &Stay{
		ID:        s.nextStayID,
		PersonID:  sess.PersonID,
		PolicyID:  sess.PolicyID,
		GateID:    sess.GateID,
		ServerID:  sess.ServerID,
		StartedAt: now,
		IsActive:  true,
	}
	s.nextStayID++
	s.stays[stay.ID] = stay
	return stay
}

func (s *Store) activeStayLocked(personID int64) *Stay {
	for _, stay := range s.stays {
		if stay.PersonID == personID && stay.IsActive {
			return stay
		}
	}
	return nil
}

// maybeCloseStayLocked closes the person's Stay when the ending session
// was their last active one.
func (s *Store) maybeCloseStayLocked(sess *Session, reason string) {
	for _, other := range s.sessions {
		if other.ID != sess.ID && other.PersonID == sess.PersonID && other.IsActive {
			return
		}
	}

	stay := s.activeStayLocked(sess.PersonID)
	if stay == nil {
		s.log.Warn("session ended but person has no active stay", "person_id", sess.PersonID)
		return
	}
	endedAt := s.now()
	if sess.EndedAt != nil {
		endedAt = *sess.EndedAt
	}
	if reason == "" {
		reason = "last_session_ended"
	}
	s.closeStayLocked(stay, endedAt, reason)
	s.log.Info("stay closed",
		"stay_id", stay.ID, "person_id", stay.PersonID,
		"duration_seconds", stay.DurationSeconds, "reason", reason)
}

func (s *Store) closeStayLocked(stay *Stay, endedAt time.Time, reason string) {
	stay.IsActive = false
	stay.EndedAt = &endedAt
	stay.DurationSeconds = int64(endedAt.Sub(stay.StartedAt).Seconds())
	stay.TerminationReason = reason
}

func sortSessionsByStart(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
}
