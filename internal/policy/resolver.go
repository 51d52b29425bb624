package policy

import (
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Synthetic source markers produced upstream by MFA and session
// persistence. Everything else in Request.Source is treated as a
// literal client IP.
const (
	markerStay        = "_stay_"
	markerIdentified  = "_identified_user_"
	markerFingerprint = "_fingerprint_"
)

// Directory is the read-only view of policy state the resolver needs.
// Implementations must return nil (or false) for unknown ids; the
// resolver never mutates anything it is handed back.
type Directory interface {
	PersonByID(id int64) *Person
	PersonBySourceIP(ip string) *Person
	PersonGroupByID(id int64) *PersonGroup
	ServerByID(id int64) *Server
	ServerByIP(ip string) *Server
	ServerGroupByID(id int64) *ServerGroup
	GateByID(id int64) *Gate
	AllocationFor(ip string, gateID int64) *IPAllocation
	ActiveStayPerson(stayID int64) (int64, bool)
	PoliciesForPerson(personID int64) []*AccessPolicy
	PoliciesForGroup(groupID int64) []*AccessPolicy
	MaintenanceExempt(entityType string, entityID, personID int64) bool
}

// Request is one access resolution question.
type Request struct {
	// Source is a literal client IP or a synthetic marker
	// (_stay_{id}, _identified_user_{id}, _fingerprint_{id}).
	Source        string
	DestinationIP string
	Protocol      Protocol
	GateID        int64
	// SSHLogin is the backend login the client asked for; empty when
	// not yet known (e.g. during the none-auth probe).
	SSHLogin string
}

// Resolver answers access questions against a Directory. It holds no
// per-request state and is safe for concurrent use.
type Resolver struct {
	dir Directory
	log *slog.Logger
	now func() time.Time
}

// NewResolver creates a resolver using the real clock.
func NewResolver(dir Directory, log *slog.Logger) *Resolver {
	return NewResolverWithClock(dir, log, func() time.Time { return time.Now().UTC() })
}

// NewResolverWithClock creates a resolver with a custom clock.
func NewResolverWithClock(dir Directory, log *slog.Logger, now func() time.Time) *Resolver {
	if now == nil {
		panic("policy: nil clock")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{dir: dir, log: log, now: now}
}

// Resolve runs the resolution algorithm, short-circuiting on the first
// failing step. It has no side effects beyond an audit log line and is
// idempotent for unchanged directory state.
func (r *Resolver) Resolve(req Request) Decision {
	now := r.now()
	d := r.resolve(req, now)
	r.audit(req, d)
	return d
}

func (r *Resolver) resolve(req Request, now time.Time) Decision {
	gate := r.dir.GateByID(req.GateID)
	if gate == nil {
		return deny(DenyInternalError, nil, nil)
	}

	// Identity is resolved up front: maintenance exemptions below need
	// it, and every later step does too.
	person, reason := r.resolveIdentity(req.Source)

	// Gate maintenance gate. Exempt personnel pass through; an
	// unidentified source can never be exempt.
	if blocked, inGrace := gate.Maintenance.blocksAt(now); blocked {
		exempt := person != nil && r.dir.MaintenanceExempt("gate", gate.ID, person.ID)
		if !exempt {
			if inGrace {
				return deny(DenyMaintenanceGrace, person, nil)
			}
			return deny(DenyGateMaintenance, person, nil)
		}
	}

	if reason != "" {
		return deny(reason, nil, nil)
	}
	if !person.IsActive {
		return deny(DenyUserInactive, person, nil)
	}

	server := r.resolveDestination(req.DestinationIP, req.GateID, now)
	if server == nil || !server.IsActive {
		return deny(DenyServerNotFound, person, nil)
	}

	if blocked, inGrace := server.Maintenance.blocksAt(now); blocked {
		if !r.dir.MaintenanceExempt("server", server.ID, person.ID) {
			if inGrace {
				return deny(DenyMaintenanceGrace, person, server)
			}
			return deny(DenyBackendMaintenance, person, server)
		}
	}

	clientIP := req.Source
	if strings.HasPrefix(clientIP, "_") {
		clientIP = ""
	}

	candidates, _ := r.selectPolicies(person, server, req.Protocol, clientIP, now)
	if len(candidates) == 0 {
		return deny(DenyNoMatchingPolicy, person, server)
	}

	// SSH login allow-list. When a direct policy matched, a rejected
	// login denies immediately; there is no fallback to group policies
	// because candidates only ever contain one tier.
	if req.Protocol == ProtocolSSH && req.SSHLogin != "" {
		var allowed []*AccessPolicy
		for _, p := range candidates {
			if p.allowsLogin(req.SSHLogin) {
				allowed = append(allowed, p)
			}
		}
		if len(allowed) == 0 {
			return deny(DenySSHLoginNotAllowed, person, server)
		}
		candidates = allowed
	}

	// Schedule filter: a policy with use_schedules and no window
	// matching now is dropped; zero active schedule rows fail closed.
	var kept []*AccessPolicy
	var earliestWindowEnd *time.Time
	for _, p := range candidates {
		end, ok := p.CurrentWindow(now)
		if !ok {
			continue
		}
		kept = append(kept, p)
		if end != nil && (earliestWindowEnd == nil || end.Before(*earliestWindowEnd)) {
			earliestWindowEnd = end
		}
	}
	if len(kept) == 0 {
		return deny(DenyOutsideSchedule, person, server)
	}

	return grant(person, server, kept, earliestWindowEnd)
}

// grant assembles the allow decision from the surviving policies. The
// first surviving policy is the session's system-of-record grant.
func grant(person *Person, server *Server, kept []*AccessPolicy, windowEnd *time.Time) Decision {
	primary := kept[0]

	var effective *time.Time
	for _, p := range kept {
		if p.EndTime != nil && (effective == nil || p.EndTime.Before(*effective)) {
			effective = p.EndTime
		}
	}
	if windowEnd != nil && (effective == nil || windowEnd.Before(*effective)) {
		effective = windowEnd
	}

	portForwarding := false
	mfa := false
	for _, p := range kept {
		if p.PortForwardingAllowed {
			portForwarding = true
		}
		if p.MFARequired {
			mfa = true
		}
	}

	var inactivity time.Duration
	if primary.InactivityTimeoutMin > 0 {
		inactivity = time.Duration(primary.InactivityTimeoutMin) * time.Minute
	}

	return Decision{
		Allowed:               true,
		Person:                person,
		Server:                server,
		Policies:              kept,
		GrantID:               primary.ID,
		EffectiveEnd:          effective,
		PortForwardingAllowed: portForwarding,
		MFARequired:           mfa,
		SSHLogins:             primary.SSHLogins,
		InactivityTimeout:     inactivity,
	}
}

// resolveIdentity turns the request source into a Person. The empty
// reason means success.
func (r *Resolver) resolveIdentity(source string) (*Person, DenialReason) {
	switch {
	case strings.HasPrefix(source, markerStay):
		id, err := strconv.ParseInt(strings.TrimPrefix(source, markerStay), 10, 64)
		if err != nil {
			return nil, DenyInvalidMarker
		}
		personID, ok := r.dir.ActiveStayPerson(id)
		if !ok {
			return nil, DenyStayNotFound
		}
		p := r.dir.PersonByID(personID)
		if p == nil {
			return nil, DenyStayNotFound
		}
		return p, ""

	case strings.HasPrefix(source, markerIdentified):
		id, err := strconv.ParseInt(strings.TrimPrefix(source, markerIdentified), 10, 64)
		if err != nil {
			return nil, DenyInvalidMarker
		}
		p := r.dir.PersonByID(id)
		if p == nil {
			return nil, DenyInvalidMarker
		}
		return p, ""

	case strings.HasPrefix(source, markerFingerprint):
		id, err := strconv.ParseInt(strings.TrimPrefix(source, markerFingerprint), 10, 64)
		if err != nil {
			return nil, DenyInvalidMarker
		}
		p := r.dir.PersonByID(id)
		if p == nil {
			return nil, DenyInvalidMarker
		}
		return p, ""

	case strings.HasPrefix(source, "_"):
		return nil, DenyInvalidMarker

	default:
		p := r.dir.PersonBySourceIP(source)
		if p == nil {
			return nil, DenyUnknownSourceIP
		}
		return p, ""
	}
}

// resolveDestination maps a destination IP to a backend server: first a
// pool allocation scoped to this gate, then a direct server-IP match
// (transparent-proxy mode).
func (r *Resolver) resolveDestination(ip string, gateID int64, now time.Time) *Server {
	if alloc := r.dir.AllocationFor(ip, gateID); alloc != nil {
		if alloc.ExpiresAt == nil || now.Before(*alloc.ExpiresAt) {
			return r.dir.ServerByID(alloc.ServerID)
		}
	}
	return r.dir.ServerByIP(ip)
}

// selectPolicies returns the candidate policies for (person, server,
// protocol). Direct person-scoped policies strictly override group
// policies: if any direct policy matches, group policies are never
// consulted.
func (r *Resolver) selectPolicies(person *Person, server *Server, proto Protocol, clientIP string, now time.Time) ([]*AccessPolicy, bool) {
	targetGroups := r.serverGroupSet(server)

	var direct []*AccessPolicy
	for _, p := range r.dir.PoliciesForPerson(person.ID) {
		if r.policyMatches(p, server, targetGroups, proto, clientIP, now) {
			direct = append(direct, p)
		}
	}
	if len(direct) > 0 {
		return direct, true
	}

	var group []*AccessPolicy
	for _, gid := range r.personGroupSet(person) {
		for _, p := range r.dir.PoliciesForGroup(gid) {
			if r.policyMatches(p, server, targetGroups, proto, clientIP, now) {
				group = append(group, p)
			}
		}
	}
	return group, false
}

func (r *Resolver) policyMatches(p *AccessPolicy, server *Server, targetGroups map[int64]bool, proto Protocol, clientIP string, now time.Time) bool {
	if !p.activeAt(now) {
		return false
	}
	if !p.matchesProtocol(proto) {
		return false
	}
	if p.SourceIP != "" && clientIP != "" && p.SourceIP != clientIP {
		return false
	}
	switch p.Scope {
	case ScopeServer, ScopeService:
		return p.ServerID == server.ID
	case ScopeGroup:
		return targetGroups[p.ServerGroupID]
	default:
		return false
	}
}

// serverGroupSet collects the server's groups and every ancestor. The
// walk is iterative with a visited set so a malformed cycle in the
// tree terminates instead of recursing forever.
func (r *Resolver) serverGroupSet(server *Server) map[int64]bool {
	visited := make(map[int64]bool)
	stack := append([]int64(nil), server.GroupIDs...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == 0 || visited[id] {
			continue
		}
		visited[id] = true
		if g := r.dir.ServerGroupByID(id); g != nil && g.ParentID != 0 && g.ParentID != g.ID {
			stack = append(stack, g.ParentID)
		}
	}
	return visited
}

// personGroupSet collects the person's groups and every ancestor, in
// deterministic order, with the same cycle guard.
func (r *Resolver) personGroupSet(person *Person) []int64 {
	visited := make(map[int64]bool)
	var order []int64
	stack := append([]int64(nil), person.GroupIDs...)
	for len(stack) > 0 {
		id := stack[0]
		stack = stack[1:]
		if id == 0 || visited[id] {
			continue
		}
		visited[id] = true
		order = append(order, id)
		if g := r.dir.PersonGroupByID(id); g != nil && g.ParentID != 0 && g.ParentID != g.ID {
			stack = append(stack, g.ParentID)
		}
	}
	return order
}

func (r *Resolver) audit(req Request, d Decision) {
	attrs := []any{
		"source", req.Source,
		"destination", req.DestinationIP,
		"protocol", string(req.Protocol),
		"gate_id", req.GateID,
		"allowed", d.Allowed,
	}
	if d.Person != nil {
		attrs = append(attrs, "person", d.Person.Username)
	}
	if d.Server != nil {
		attrs = append(attrs, "server", d.Server.Name)
	}
	if d.Allowed {
		attrs = append(attrs, "grant_id", d.GrantID)
		r.log.Info("access granted", attrs...)
		return
	}
	attrs = append(attrs, "reason", string(d.Reason))
	r.log.Info("access denied", attrs...)
}
