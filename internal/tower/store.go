// Package tower implements the central policy authority: the system of
// record for people, servers, policies, gates, presence state, and the
// control-plane API the gates talk to.
package tower

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/towergate/towergate/internal/policy"
)

// Stay is one continuous presence of a person on a server, aggregating
// that person's concurrent sessions. At most one Stay per person is
// active at any instant.
type Stay struct {
	ID                int64      `json:"id"`
	PersonID          int64      `json:"person_id"`
	PolicyID          int64      `json:"policy_id,omitempty"`
	GateID            int64      `json:"gate_id"`
	ServerID          int64      `json:"server_id"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	DurationSeconds   int64      `json:"duration_seconds,omitempty"`
	IsActive          bool       `json:"is_active"`
	TerminationReason string     `json:"termination_reason,omitempty"`
}

// Session is one live proxied connection. It always belongs to exactly
// one Stay.
type Session struct {
	ID          string `json:"session_id"`
	StayID      int64  `json:"stay_id"`
	PersonID    int64  `json:"person_id"`
	ServerID    int64  `json:"server_id"`
	GateID      int64  `json:"gate_id"`
	PolicyID    int64  `json:"policy_id,omitempty"`
	Protocol    string `json:"protocol"`
	SourceIP    string `json:"source_ip"`
	ProxyIP     string `json:"proxy_ip"`
	BackendIP   string `json:"backend_ip,omitempty"`
	BackendPort int    `json:"backend_port,omitempty"`
	SSHUsername string `json:"ssh_username,omitempty"`
	Subsystem   string `json:"subsystem_name,omitempty"`
	AgentUsed   bool   `json:"ssh_agent_used,omitempty"`

	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	DurationSeconds   int64      `json:"duration_seconds,omitempty"`
	IsActive          bool       `json:"is_active"`
	TerminationReason string     `json:"termination_reason,omitempty"`

	RecordingPath string `json:"recording_path,omitempty"`
	RecordingSize int64  `json:"recording_size,omitempty"`

	// ForceDisconnect is set by an operator; the owning gate learns
	// about it through its next heartbeat.
	ForceDisconnect bool `json:"force_disconnect,omitempty"`
}

// Store holds all Tower state behind one lock and implements
// policy.Directory for the resolver. State is snapshotted to a JSON
// file on every mutation when a path is configured.
type Store struct {
	mu       sync.RWMutex
	filePath string
	log      *slog.Logger
	now      func() time.Time

	persons      map[int64]*policy.Person
	personGroups map[int64]*policy.PersonGroup
	servers      map[int64]*policy.Server
	serverGroups map[int64]*policy.ServerGroup
	gates        map[int64]*policy.Gate
	policies     map[int64]*policy.AccessPolicy
	exemptions   []policy.MaintenanceAccess
	allocations  map[string]*policy.IPAllocation

	stays    map[int64]*Stay
	sessions map[string]*Session

	messages map[string]string

	nextStayID int64
}

// NewStore creates a store, loading existing state from filePath when
// present. An empty path disables persistence.
func NewStore(filePath string, log *slog.Logger) (*Store, error) {
	return NewStoreWithClock(filePath, log, func() time.Time { return time.Now().UTC() })
}

// NewStoreWithClock creates a store with a custom clock.
func NewStoreWithClock(filePath string, log *slog.Logger, now func() time.Time) (*Store, error) {
	if now == nil {
		panic("tower: nil clock")
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		filePath:     filePath,
		log:          log,
		now:          now,
		persons:      make(map[int64]*policy.Person),
		personGroups: make(map[int64]*policy.PersonGroup),
		servers:      make(map[int64]*policy.Server),
		serverGroups: make(map[int64]*policy.ServerGroup),
		gates:        make(map[int64]*policy.Gate),
		policies:     make(map[int64]*policy.AccessPolicy),
		allocations:  make(map[string]*policy.IPAllocation),
		stays:        make(map[int64]*Stay),
		sessions:     make(map[string]*Session),
		messages:     defaultMessages(),
		nextStayID:   1,
	}
	if filePath != "" {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("load tower state: %w", err)
		}
	}
	return s, nil
}

func allocationKey(ip string, gateID int64) string {
	return fmt.Sprintf("%s|%d", ip, gateID)
}

// --- policy.Directory ---

func (s *Store) PersonByID(id int64) *policy.Person {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persons[id]
}

func (s *Store) PersonBySourceIP(ip string) *policy.Person {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.persons {
		if p.SourceIP == ip {
			return p
		}
	}
	return nil
}

func (s *Store) PersonGroupByID(id int64) *policy.PersonGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.personGroups[id]
}

func (s *Store) ServerByID(id int64) *policy.Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.servers[id]
}

func (s *Store) ServerByIP(ip string) *policy.Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, srv := range s.servers {
		if srv.IP == ip {
			return srv
		}
	}
	return nil
}

func (s *Store) ServerGroupByID(id int64) *policy.ServerGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverGroups[id]
}

func (s *Store) GateByID(id int64) *policy.Gate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gates[id]
}

func (s *Store) AllocationFor(ip string, gateID int64) *policy.IPAllocation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allocations[allocationKey(ip, gateID)]
}

func (s *Store) ActiveStayPerson(stayID int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stay, ok := s.stays[stayID]
	if !ok || !stay.IsActive {
		return 0, false
	}
	return stay.PersonID, true
}

func (s *Store) PoliciesForPerson(personID int64) []*policy.AccessPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*policy.AccessPolicy
	for _, p := range s.policies {
		if p.PersonID == personID {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) PoliciesForGroup(groupID int64) []*policy.AccessPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*policy.AccessPolicy
	for _, p := range s.policies {
		if p.GroupID == groupID {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) MaintenanceExempt(entityType string, entityID, personID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.exemptions {
		if e.EntityType == entityType && e.EntityID == entityID && e.PersonID == personID {
			return true
		}
	}
	return false
}

// --- directory mutation ---

// AddPerson registers or replaces a person record.
func (s *Store) AddPerson(p *policy.Person) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persons[p.ID] = p
	s.persistLocked()
}

// AddPersonGroup registers or replaces a person group.
func (s *Store) AddPersonGroup(g *policy.PersonGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.personGroups[g.ID] = g
	s.persistLocked()
}

// AddServer registers or replaces a server record.
func (s *Store) AddServer(srv *policy.Server) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[srv.ID] = srv
	s.persistLocked()
}

// AddServerGroup registers or replaces a server group.
func (s *Store) AddServerGroup(g *policy.ServerGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverGroups[g.ID] = g
	s.persistLocked()
}

// AddGate registers or replaces a gate record.
func (s *Store) AddGate(g *policy.Gate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gates[g.ID] = g
	s.persistLocked()
}

// AddPolicy registers or replaces an access policy.
func (s *Store) AddPolicy(p *policy.AccessPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = p
	s.persistLocked()
}

// Policies lists every known policy, active or not, sorted by ID.
func (s *Store) Policies() []*policy.AccessPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*policy.AccessPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NextPolicyID returns an unused policy ID.
func (s *Store) NextPolicyID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int64
	for id := range s.policies {
		if id > max {
			max = id
		}
	}
	return max + 1
}

// RevokePolicy time-bounds a policy at now. Policies are never
// hard-deleted; the audit trail stays intact.
func (s *Store) RevokePolicy(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return false
	}
	now := s.now()
	p.EndTime = &now
	s.persistLocked()
	return true
}

// AddMaintenanceAccess exempts a person from a maintenance window.
func (s *Store) AddMaintenanceAccess(a policy.MaintenanceAccess) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exemptions = append(s.exemptions, a)
	s.persistLocked()
}

// GateByToken looks a gate up by its bearer token.
func (s *Store) GateByToken(token string) *policy.Gate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if token == "" {
		return nil
	}
	for _, g := range s.gates {
		if g.Token == token {
			return g
		}
	}
	return nil
}

// TouchGate records a heartbeat timestamp for a gate.
func (s *Store) TouchGate(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gates[id]; ok {
		g.LastHeartbeat = s.now()
	}
}

// SetGateMaintenance schedules or clears a maintenance window on a
// gate, with optional exempt personnel.
func (s *Store) SetGateMaintenance(id int64, window policy.MaintenanceWindow, personnel []int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[id]
	if !ok {
		return false
	}
	g.Maintenance = window
	s.replaceExemptionsLocked("gate", id, window.Enabled, personnel)
	s.persistLocked()
	return true
}

// SetServerMaintenance schedules or clears a maintenance window on a
// backend server.
func (s *Store) SetServerMaintenance(id int64, window policy.MaintenanceWindow, personnel []int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok {
		return false
	}
	srv.Maintenance = window
	s.replaceExemptionsLocked("server", id, window.Enabled, personnel)
	s.persistLocked()
	return true
}

func (s *Store) replaceExemptionsLocked(entityType string, entityID int64, enabled bool, personnel []int64) {
	kept := s.exemptions[:0]
	for _, e := range s.exemptions {
		if e.EntityType == entityType && e.EntityID == entityID {
			continue
		}
		kept = append(kept, e)
	}
	s.exemptions = kept
	if !enabled {
		return
	}
	for _, pid := range personnel {
		s.exemptions = append(s.exemptions, policy.MaintenanceAccess{
			EntityType: entityType, EntityID: entityID, PersonID: pid,
		})
	}
}

// Messages returns the client-facing banner templates.
func (s *Store) Messages() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.messages))
	for k, v := range s.messages {
		out[k] = v
	}
	return out
}

// SetMessage overrides one banner template.
func (s *Store) SetMessage(key, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[key] = text
	s.persistLocked()
}

func defaultMessages() map[string]string {
	return map[string]string{
		"maintenance": "{backend} is under maintenance. Please try again later.",
		"no_person":   "Access denied: your address is not registered.",
		"no_backend":  "Access denied: unknown destination.",
		"time_window": "Access denied: outside your allowed time window, {person}.",
		"no_grant":    "Access denied: no access grant for {backend} ({reason}).",
	}
}

// --- persistence ---

type storeSnapshot struct {
	Persons      []*policy.Person            `json:"persons"`
	PersonGroups []*policy.PersonGroup       `json:"person_groups"`
	Servers      []*policy.Server            `json:"servers"`
	ServerGroups []*policy.ServerGroup       `json:"server_groups"`
	Gates        []*policy.Gate              `json:"gates"`
	Policies     []*policy.AccessPolicy      `json:"policies"`
	Exemptions   []policy.MaintenanceAccess  `json:"maintenance_access,omitempty"`
	Allocations  []*policy.IPAllocation      `json:"allocations,omitempty"`
	Stays        []*Stay                     `json:"stays,omitempty"`
	Sessions     []*Session                  `json:"sessions,omitempty"`
	Messages     map[string]string           `json:"messages,omitempty"`
	NextStayID   int64                       `json:"next_stay_id"`
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var snap storeSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse %s: %w", s.filePath, err)
	}

	for _, p := range snap.Persons {
		s.persons[p.ID] = p
	}
	for _, g := range snap.PersonGroups {
		s.personGroups[g.ID] = g
	}
	for _, srv := range snap.Servers {
		s.servers[srv.ID] = srv
	}
	for _, g := range snap.ServerGroups {
		s.serverGroups[g.ID] = g
	}
	for _, g := range snap.Gates {
		s.gates[g.ID] = g
	}
	for _, p := range snap.Policies {
		s.policies[p.ID] = p
	}
	s.exemptions = snap.Exemptions
	for _, a := range snap.Allocations {
		s.allocations[allocationKey(a.IP, a.GateID)] = a
	}
	for _, st := range snap.Stays {
		s.stays[st.ID] = st
	}
	for _, sess := range snap.Sessions {
		s.sessions[sess.ID] = sess
	}
	if snap.Messages != nil {
		s.messages = snap.Messages
	}
	if snap.NextStayID > 0 {
		s.nextStayID = snap.NextStayID
	}
	return nil
}

// persistLocked snapshots state to disk. Callers must hold the write
// lock. Failures are logged, not fatal.
func (s *Store) persistLocked() {
	if s.filePath == "" {
		return
	}

	snap := storeSnapshot{
		Messages:   s.messages,
		Exemptions: s.exemptions,
		NextStayID: s.nextStayID,
	}
	for _, p := range s.persons {
		snap.Persons = append(snap.Persons, p)
	}
	for _, g := range s.personGroups {
		snap.PersonGroups = append(snap.PersonGroups, g)
	}
	for _, srv := range s.servers {
		snap.Servers = append(snap.Servers, srv)
	}
	for _, g := range s.serverGroups {
		snap.ServerGroups = append(snap.ServerGroups, g)
	}
	for _, g := range s.gates {
		snap.Gates = append(snap.Gates, g)
	}
	for _, p := range s.policies {
		snap.Policies = append(snap.Policies, p)
	}
	for _, a := range s.allocations {
		snap.Allocations = append(snap.Allocations, a)
	}
	for _, st := range s.stays {
		snap.Stays = append(snap.Stays, st)
	}
	for _, sess := range s.sessions {
		snap.Sessions = append(snap.Sessions, sess)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		s.log.Error("marshal tower state", "error", err)
		return
	}

	tmpPath := s.filePath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0700); err != nil {
		s.log.Error("create state dir", "error", err)
		return
	}
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		s.log.Error("write tower state", "error", err)
		return
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		s.log.Error("rename tower state", "error", err)
	}
}
