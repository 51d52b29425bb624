package tower

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/towergate/towergate/internal/policy"
)

// Admin surface: grant and proxy-IP management, consumed by the CLI.
// Grants are only ever time-bounded, never deleted.

// PolicyCreateRequest is the grant-creation body.
type PolicyCreateRequest struct {
	PersonID      int64  `json:"person_id,omitempty"`
	GroupID       int64  `json:"group_id,omitempty"`
	ServerID      int64  `json:"server_id,omitempty"`
	ServerGroupID int64  `json:"server_group_id,omitempty"`
	Protocol      string `json:"protocol,omitempty"`

	EndTime               *time.Time `json:"end_time,omitempty"`
	SSHLogins             []string   `json:"ssh_logins,omitempty"`
	PortForwardingAllowed bool       `json:"port_forwarding_allowed"`
	MFARequired           bool       `json:"mfa_required"`
}

// AllocationRequest assigns a proxy IP to a backend on a gate.
type AllocationRequest struct {
	IP         string `json:"ip"`
	GateID     int64  `json:"gate_id"`
	ServerID   int64  `json:"server_id"`
	PersonID   int64  `json:"person_id,omitempty"`
	TTLMinutes int    `json:"ttl_minutes,omitempty"`
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"policies": s.store.Policies()})
}

func (s *Server) handlePolicyCreate(w http.ResponseWriter, r *http.Request) {
	var req PolicyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PersonID == 0 && req.GroupID == 0 {
		writeError(w, http.StatusBadRequest, "missing_subject", "person_id or group_id is required")
		return
	}
	if req.ServerID == 0 && req.ServerGroupID == 0 {
		writeError(w, http.StatusBadRequest, "missing_target", "server_id or server_group_id is required")
		return
	}

	scope := policy.ScopeServer
	if req.ServerGroupID != 0 {
		scope = policy.ScopeGroup
	}
	p := &policy.AccessPolicy{
		ID:                    s.store.NextPolicyID(),
		PersonID:              req.PersonID,
		GroupID:               req.GroupID,
		Scope:                 scope,
		ServerID:              req.ServerID,
		ServerGroupID:         req.ServerGroupID,
		Protocol:              policy.Protocol(req.Protocol),
		StartTime:             time.Now().UTC(),
		EndTime:               req.EndTime,
		IsActive:              true,
		SSHLogins:             req.SSHLogins,
		PortForwardingAllowed: req.PortForwardingAllowed,
		MFARequired:           req.MFARequired,
	}
	s.store.AddPolicy(p)
	s.log.Info("grant created", "policy_id", p.ID, "person_id", p.PersonID, "group_id", p.GroupID)
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handlePolicyRevoke(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "policyID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "policy id must be numeric")
		return
	}
	if !s.store.RevokePolicy(id) {
		writeError(w, http.StatusNotFound, "policy_not_found", "unknown policy")
		return
	}
	s.log.Info("grant revoked", "policy_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleAllocations(w http.ResponseWriter, r *http.Request) {
	var gateID int64
	if raw := r.URL.Query().Get("gate_id"); raw != "" {
		gateID, _ = strconv.ParseInt(raw, 10, 64)
	}
	writeJSON(w, http.StatusOK, map[string]any{"allocations": s.store.Allocations(gateID)})
}

func (s *Server) handleAllocationCreate(w http.ResponseWriter, r *http.Request) {
	var req AllocationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IP == "" || req.GateID == 0 || req.ServerID == 0 {
		writeError(w, http.StatusBadRequest, "missing_params", "ip, gate_id and server_id are required")
		return
	}

	alloc, err := s.store.Allocate(req.IP, req.GateID, req.ServerID, req.PersonID,
		time.Duration(req.TTLMinutes)*time.Minute)
	if err != nil {
		writeError(w, http.StatusConflict, "ip_allocated", err.Error())
		return
	}
	s.log.Info("proxy IP assigned", "ip", req.IP, "gate_id", req.GateID, "server_id", req.ServerID)
	writeJSON(w, http.StatusCreated, alloc)
}

func (s *Server) handleAllocationDelete(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	gateID, _ := strconv.ParseInt(r.URL.Query().Get("gate_id"), 10, 64)
	if ip == "" || gateID == 0 {
		writeError(w, http.StatusBadRequest, "missing_params", "ip and gate_id query parameters are required")
		return
	}
	if !s.store.Release(ip, gateID) {
		writeError(w, http.StatusNotFound, "allocation_not_found", "no such allocation")
		return
	}
	s.log.Info("proxy IP released", "ip", ip, "gate_id", gateID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleAllocationCleanup(w http.ResponseWriter, r *http.Request) {
	removed := s.store.CleanupExpiredAllocations()
	if removed > 0 {
		s.log.Info("expired allocations cleaned", "removed", removed)
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
