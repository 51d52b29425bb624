// Package policy implements the access resolution engine: the pure
// decision function that turns (source identity, destination, protocol,
// time) into an allow/deny decision with an effective expiry.
package policy

import "time"

// Protocol identifies a proxied protocol. An empty Protocol on a policy
// means the policy covers both.
type Protocol string

const (
	ProtocolSSH Protocol = "ssh"
	ProtocolRDP Protocol = "rdp"
)

// DenialReason enumerates why a resolution denied access. Reasons are
// stable identifiers carried over the control protocol and mapped to
// client-facing banner templates on the Gate.
type DenialReason string

const (
	DenyUnknownSourceIP    DenialReason = "unknown_source_ip"
	DenyUserInactive       DenialReason = "user_inactive"
	DenyServerNotFound     DenialReason = "server_not_found"
	DenyNoMatchingPolicy   DenialReason = "no_matching_policy"
	DenySSHLoginNotAllowed DenialReason = "ssh_login_not_allowed"
	DenyOutsideSchedule    DenialReason = "outside_schedule"
	DenyMFADenied          DenialReason = "mfa_denied"
	DenyGateMaintenance    DenialReason = "gate_maintenance"
	DenyBackendMaintenance DenialReason = "backend_maintenance"
	DenyMaintenanceGrace   DenialReason = "maintenance_grace_period"
	DenyStayNotFound       DenialReason = "stay_not_found"
	DenyInvalidMarker      DenialReason = "invalid_marker"
	DenyInternalError      DenialReason = "internal_error"
)

// Person is a user who may connect through a Gate.
type Person struct {
	ID             int64   `json:"id"`
	Username       string  `json:"username"`
	SourceIP       string  `json:"source_ip,omitempty"`
	IsActive       bool    `json:"is_active"`
	PortForwarding bool    `json:"port_forwarding"`
	GroupIDs       []int64 `json:"group_ids,omitempty"`
}

// PersonGroup is a node in the user-group tree. ParentID of zero means
// a root group. A group must never reference itself as parent; longer
// cycles are guarded against at resolution time with a visited set.
type PersonGroup struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	ParentID int64  `json:"parent_id,omitempty"`
}

// Server is a backend host reachable through the bastion.
type Server struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	IP       string  `json:"ip"`
	Port     int     `json:"port"`
	IsActive bool    `json:"is_active"`
	GroupIDs []int64 `json:"group_ids,omitempty"`

	Maintenance MaintenanceWindow `json:"maintenance"`
}

// ServerGroup is a node in the server-group tree.
type ServerGroup struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	ParentID int64  `json:"parent_id,omitempty"`
}

// Gate is a registered edge node. IsActive is a hard kill-switch and is
// distinct from maintenance, which is a scheduled soft block with a
// grace window.
type Gate struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Token    string `json:"token"`
	Hostname string `json:"hostname,omitempty"`
	IsActive bool   `json:"is_active"`

	Maintenance   MaintenanceWindow `json:"maintenance"`
	LastHeartbeat time.Time         `json:"last_heartbeat,omitempty"`
}

// MaintenanceWindow describes a scheduled maintenance block on a gate
// or a backend server. New logins from non-exempt users are refused from
// ScheduledAt minus the grace period onward.
type MaintenanceWindow struct {
	Enabled      bool       `json:"enabled"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	GraceMinutes int        `json:"grace_minutes,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// blocksAt reports whether the window refuses new logins at t, and
// whether t is still inside the pre-start grace period.
func (m MaintenanceWindow) blocksAt(t time.Time) (blocked, inGrace bool) {
	if !m.Enabled {
		return false, false
	}
	if m.ScheduledAt == nil {
		return true, false
	}
	start := *m.ScheduledAt
	graceStart := start.Add(-time.Duration(m.GraceMinutes) * time.Minute)
	if t.Before(graceStart) {
		return false, false
	}
	return true, t.Before(start)
}

// PolicyScope selects what a policy grants access to.
type PolicyScope string

const (
	ScopeServer PolicyScope = "server"
	// ScopeService is a legacy alias for ScopeServer still present in
	// older policy data.
	ScopeService PolicyScope = "service"
	ScopeGroup   PolicyScope = "group"
)

// AccessPolicy is the authorization unit ("grant"). Subject is either a
// person (PersonID) or a group (GroupID), never both. Scope resolves to
// exactly one kind. Policies are never hard-deleted; revocation sets
// EndTime.
type AccessPolicy struct {
	ID       int64 `json:"id"`
	PersonID int64 `json:"person_id,omitempty"`
	GroupID  int64 `json:"group_id,omitempty"`

	Scope         PolicyScope `json:"scope"`
	ServerID      int64       `json:"server_id,omitempty"`
	ServerGroupID int64       `json:"server_group_id,omitempty"`

	Protocol  Protocol   `json:"protocol,omitempty"`
	SourceIP  string     `json:"source_ip,omitempty"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	IsActive  bool       `json:"is_active"`

	UseSchedules          bool       `json:"use_schedules"`
	Schedules             []Schedule `json:"schedules,omitempty"`
	SSHLogins             []string   `json:"ssh_logins,omitempty"`
	PortForwardingAllowed bool       `json:"port_forwarding_allowed"`
	InactivityTimeoutMin  int        `json:"inactivity_timeout_minutes,omitempty"`
	MFARequired           bool       `json:"mfa_required"`
}

// activeAt reports whether the policy's own validity window covers t.
func (p *AccessPolicy) activeAt(t time.Time) bool {
	if !p.IsActive {
		return false
	}
	if t.Before(p.StartTime) {
		return false
	}
	if p.EndTime != nil && !t.Before(*p.EndTime) {
		return false
	}
	return true
}

// matchesProtocol reports whether the policy covers proto. An empty
// policy protocol covers everything.
func (p *AccessPolicy) matchesProtocol(proto Protocol) bool {
	return p.Protocol == "" || p.Protocol == proto
}

// allowsLogin reports whether the policy permits the given backend SSH
// login. An empty allow-list permits any login.
func (p *AccessPolicy) allowsLogin(login string) bool {
	if len(p.SSHLogins) == 0 {
		return true
	}
	for _, l := range p.SSHLogins {
		if l == login {
			return true
		}
	}
	return false
}

// MaintenanceAccess exempts a person from a maintenance window on a
// gate or a server.
type MaintenanceAccess struct {
	EntityType string `json:"entity_type"` // "gate" or "server"
	EntityID   int64  `json:"entity_id"`
	PersonID   int64  `json:"person_id"`
}

// IPAllocation maps a pool (proxy) IP, scoped per gate, to a backend
// server. The same literal IP string may be allocated on two different
// gates to two different servers.
type IPAllocation struct {
	IP        string     `json:"ip"`
	GateID    int64      `json:"gate_id"`
	ServerID  int64      `json:"server_id"`
	PersonID  int64      `json:"person_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Decision is the result of one access resolution.
type Decision struct {
	Allowed bool
	Reason  DenialReason

	Person   *Person
	Server   *Server
	Policies []*AccessPolicy

	// GrantID is the system-of-record policy for the session: the first
	// surviving policy after all filters.
	GrantID int64

	// EffectiveEnd is the earliest of the selected policies' end times
	// and the earliest matching schedule-window end. Nil means the grant
	// is unbounded until explicitly revoked.
	EffectiveEnd *time.Time

	PortForwardingAllowed bool
	MFARequired           bool
	SSHLogins             []string
	InactivityTimeout     time.Duration
}

// deny builds a denial decision, keeping whatever identity and server
// context was resolved before the failing step.
func deny(reason DenialReason, person *Person, server *Server) Decision {
	return Decision{Allowed: false, Reason: reason, Person: person, Server: server}
}
