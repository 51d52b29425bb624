package tower

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/towergate/towergate/internal/policy"
)

// handleAuthCheck runs the access resolution engine for a gate.
// Denials come back as 403 with a stable denial_reason; an identity
// that still needs out-of-band verification gets 200 with
// mfa_required=true and a fresh challenge token.
func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	gate := callingGate(r)

	var req CheckRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SourceIP == "" || req.DestinationIP == "" || req.Protocol == "" {
		writeError(w, http.StatusBadRequest, "missing_parameters", "source_ip, destination_ip and protocol are required")
		return
	}

	dec := s.resolver.Resolve(policy.Request{
		Source:        req.SourceIP,
		DestinationIP: req.DestinationIP,
		Protocol:      policy.Protocol(req.Protocol),
		GateID:        gate.ID,
		SSHLogin:      req.SSHLogin,
	})

	if !dec.Allowed {
		s.decisionsTotal.WithLabelValues("deny").Inc()
		resp := CheckResponse{Allowed: false, DenialReason: string(dec.Reason)}
		if dec.Person != nil {
			resp.PersonID = dec.Person.ID
			resp.PersonUsername = dec.Person.Username
		}
		if dec.Server != nil {
			resp.ServerID = dec.Server.ID
			resp.ServerName = dec.Server.Name
		}
		writeJSON(w, http.StatusForbidden, resp)
		return
	}

	resp := CheckResponse{
		Allowed:               true,
		PersonID:              dec.Person.ID,
		PersonUsername:        dec.Person.Username,
		ServerID:              dec.Server.ID,
		ServerName:            dec.Server.Name,
		ServerIP:              dec.Server.IP,
		ServerPort:            dec.Server.Port,
		GrantID:               dec.GrantID,
		EffectiveEndTime:      dec.EffectiveEnd,
		PortForwardingAllowed: dec.PortForwardingAllowed,
		SSHLogins:             dec.SSHLogins,
	}
	if dec.InactivityTimeout > 0 {
		resp.InactivityTimeoutMinutes = int(dec.InactivityTimeout.Minutes())
	}

	if dec.MFARequired && req.MFAToken == "" {
		// The gate must complete an out-of-band challenge before the
		// connection may proceed.
		ch := s.challenges.Create(dec.Person.ID, req.DestinationIP, gate.ID)
		resp.MFARequired = true
		resp.MFAToken = ch.Token
		s.decisionsTotal.WithLabelValues("mfa_pending").Inc()
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if dec.MFARequired {
		ch, err := s.challenges.Get(req.MFAToken)
		if err != nil || ch.State != ChallengeApproved || ch.PersonID != dec.Person.ID {
			s.decisionsTotal.WithLabelValues("deny").Inc()
			writeJSON(w, http.StatusForbidden, CheckResponse{
				Allowed:        false,
				DenialReason:   string(policy.DenyMFADenied),
				PersonID:       dec.Person.ID,
				PersonUsername: dec.Person.Username,
			})
			return
		}
	}

	s.decisionsTotal.WithLabelValues("allow").Inc()
	writeJSON(w, http.StatusOK, resp)
}

// --- stays ---

func (s *Server) handleStayStart(w http.ResponseWriter, r *http.Request) {
	gate := callingGate(r)

	var req StayStartRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PersonID == 0 || req.ServerID == 0 {
		writeError(w, http.StatusBadRequest, "missing_parameters", "person_id and server_id are required")
		return
	}

	person := s.store.PersonByID(req.PersonID)
	if person == nil {
		writeError(w, http.StatusNotFound, "person_not_found", "unknown person")
		return
	}
	if s.store.ServerByID(req.ServerID) == nil {
		writeError(w, http.StatusNotFound, "server_not_found", "unknown server")
		return
	}

	stay := s.store.OpenStay(req.PersonID, req.ServerID, req.PolicyID, gate.ID)
	writeJSON(w, http.StatusCreated, s.stayResponse(stay))
}

func (s *Server) handleStayEnd(w http.ResponseWriter, r *http.Request) {
	stayID, err := strconv.ParseInt(chi.URLParam(r, "stayID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_stay_id", "stay id must be numeric")
		return
	}

	var req StayEndRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	stay, err := s.store.EndStay(stayID, req.TerminationReason)
	if errors.Is(err, ErrStayEnded) {
		writeError(w, http.StatusConflict, "stay_already_ended", "stay is already closed")
		return
	}
	if err != nil {
		writeError(w, http.StatusNotFound, "stay_not_found", "unknown stay")
		return
	}
	writeJSON(w, http.StatusOK, s.stayResponse(stay))
}

func (s *Server) handleStaysActive(w http.ResponseWriter, r *http.Request) {
	gateID, _ := strconv.ParseInt(r.URL.Query().Get("gate_id"), 10, 64)
	personID, _ := strconv.ParseInt(r.URL.Query().Get("person_id"), 10, 64)

	stays := s.store.ActiveStays(gateID, personID)
	out := make([]StayResponse, 0, len(stays))
	for _, stay := range stays {
		out = append(out, s.stayResponse(stay))
	}
	writeJSON(w, http.StatusOK, map[string]any{"stays": out, "count": len(out)})
}

func (s *Server) stayResponse(stay *Stay) StayResponse {
	resp := StayResponse{
		StayID:            stay.ID,
		PersonID:          stay.PersonID,
		ServerID:          stay.ServerID,
		GateID:            stay.GateID,
		StartedAt:         stay.StartedAt,
		EndedAt:           stay.EndedAt,
		DurationSeconds:   stay.DurationSeconds,
		IsActive:          stay.IsActive,
		TerminationReason: stay.TerminationReason,
	}
	if p := s.store.PersonByID(stay.PersonID); p != nil {
		resp.PersonUsername = p.Username
	}
	if srv := s.store.ServerByID(stay.ServerID); srv != nil {
		resp.ServerName = srv.Name
	}
	return resp
}

// --- sessions ---

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	gate := callingGate(r)

	var req SessionCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.PersonID == 0 || req.ServerID == 0 || req.Protocol == "" || req.SourceIP == "" || req.ProxyIP == "" {
		writeError(w, http.StatusBadRequest, "missing_parameters",
			"required: session_id, person_id, server_id, protocol, source_ip, proxy_ip")
		return
	}

	person := s.store.PersonByID(req.PersonID)
	if person == nil {
		writeError(w, http.StatusNotFound, "person_not_found", "unknown person")
		return
	}
	server := s.store.ServerByID(req.ServerID)
	if server == nil {
		writeError(w, http.StatusNotFound, "server_not_found", "unknown server")
		return
	}

	sess := &Session{
		ID:            req.SessionID,
		PersonID:      req.PersonID,
		ServerID:      req.ServerID,
		GateID:        gate.ID,
		PolicyID:      req.GrantID,
		Protocol:      req.Protocol,
		SourceIP:      req.SourceIP,
		ProxyIP:       req.ProxyIP,
		BackendIP:     req.BackendIP,
		BackendPort:   req.BackendPort,
		SSHUsername:   req.SSHUsername,
		Subsystem:     req.SubsystemName,
		AgentUsed:     req.SSHAgentUsed,
		RecordingPath: req.RecordingPath,
	}

	stay, err := s.store.StartSession(sess)
	if err != nil {
		writeError(w, http.StatusConflict, "session_rejected", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, SessionCreateResponse{
		SessionID:      sess.ID,
		StayID:         stay.ID,
		PersonUsername: person.Username,
		ServerName:     server.Name,
		GateName:       gate.Name,
		StartedAt:      sess.StartedAt,
		IsActive:       true,
	})
}

func (s *Server) handleSessionPatch(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req SessionPatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sess, err := s.store.UpdateSession(sessionID, SessionUpdate{
		EndedAt:           req.EndedAt,
		IsActive:          req.IsActive,
		TerminationReason: req.TerminationReason,
		RecordingPath:     req.RecordingPath,
		RecordingSize:     req.RecordingSize,
	})
	if errors.Is(err, ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session_not_found", "unknown session")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"is_active":  sess.IsActive,
	})
}

func (s *Server) handleSessionsActive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	gateID, _ := strconv.ParseInt(q.Get("gate_id"), 10, 64)
	personID, _ := strconv.ParseInt(q.Get("person_id"), 10, 64)
	serverID, _ := strconv.ParseInt(q.Get("server_id"), 10, 64)

	sessions := s.store.ActiveSessions(SessionFilter{
		GateID:   gateID,
		PersonID: personID,
		ServerID: serverID,
		Protocol: q.Get("protocol"),
	})
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleGrantStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.store.SessionGrantStatus(chi.URLParam(r, "sessionID"))
	if errors.Is(err, ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session_not_found", "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleForceDisconnect(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.store.MarkForceDisconnect(sessionID); err != nil {
		writeError(w, http.StatusNotFound, "session_not_found", "unknown session")
		return
	}
	s.log.Info("session flagged for force disconnect", "session_id", sessionID)
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "status": "disconnect_pending"})
}

// --- gates ---

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	gate := callingGate(r)

	var req HeartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s.store.TouchGate(gate.ID)

	// Tell the gate which of its sessions an operator wants gone.
	var disconnect []string
	for _, id := range req.ActiveSessionIDs {
		if sess := s.store.SessionByID(id); sess != nil && sess.ForceDisconnect {
			disconnect = append(disconnect, id)
		}
	}

	// Every session the Tower still holds live on this gate is open to
	// spectators; the gate cross-checks the list against its own table.
	var relay []string
	for _, sess := range s.store.ActiveSessions(SessionFilter{GateID: gate.ID}) {
		relay = append(relay, sess.ID)
	}

	writeJSON(w, http.StatusOK, HeartbeatResponse{
		Status:          "ok",
		RelaySessions:   relay,
		ForceDisconnect: disconnect,
	})
}

func (s *Server) handleGateCleanup(w http.ResponseWriter, r *http.Request) {
	gate := callingGate(r)
	closed := s.store.CleanupGate(gate.ID)
	writeJSON(w, http.StatusOK, map[string]any{"closed_sessions": closed})
}

func (s *Server) handleGateConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateConfig)
}

func (s *Server) handleGateStatus(w http.ResponseWriter, r *http.Request) {
	gate := callingGate(r)
	fresh := s.store.GateByID(gate.ID)
	if fresh == nil {
		writeError(w, http.StatusNotFound, "gate_not_found", "unknown gate")
		return
	}

	resp := GateStatusResponse{
		GateID:        fresh.ID,
		Name:          fresh.Name,
		InMaintenance: fresh.Maintenance.Enabled,
	}
	if !fresh.LastHeartbeat.IsZero() {
		hb := fresh.LastHeartbeat
		resp.LastHeartbeat = &hb
		resp.Online = time.Since(hb) < heartbeatStaleAfter
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGateMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"messages": s.store.Messages()})
}

// --- maintenance ---

func (s *Server) handleGateMaintenanceOn(w http.ResponseWriter, r *http.Request) {
	s.handleMaintenance(w, r, "gate", chi.URLParam(r, "gateID"), true)
}

func (s *Server) handleGateMaintenanceOff(w http.ResponseWriter, r *http.Request) {
	s.handleMaintenance(w, r, "gate", chi.URLParam(r, "gateID"), false)
}

func (s *Server) handleServerMaintenanceOn(w http.ResponseWriter, r *http.Request) {
	s.handleMaintenance(w, r, "server", chi.URLParam(r, "serverID"), true)
}

func (s *Server) handleServerMaintenanceOff(w http.ResponseWriter, r *http.Request) {
	s.handleMaintenance(w, r, "server", chi.URLParam(r, "serverID"), false)
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request, entityType, rawID string, enable bool) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be numeric")
		return
	}

	var req MaintenanceRequest
	if enable {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	window := maintenanceWindow(req, enable)
	var ok bool
	if entityType == "gate" {
		ok = s.store.SetGateMaintenance(id, window, req.PersonnelIDs)
	} else {
		ok = s.store.SetServerMaintenance(id, window, req.PersonnelIDs)
	}
	if !ok {
		writeError(w, http.StatusNotFound, entityType+"_not_found", "unknown "+entityType)
		return
	}

	attrs := []any{"entity", entityType, "id", id, "enabled", enable}
	if req.ScheduledAt != nil {
		attrs = append(attrs, "scheduled_at", *req.ScheduledAt, "grace_minutes", req.GraceMinutes)
	}
	s.log.Info("maintenance window updated", attrs...)
	writeJSON(w, http.StatusOK, map[string]any{"entity": entityType, "id": id, "in_maintenance": enable})
}

// --- mfa ---

func (s *Server) handleChallengeCreate(w http.ResponseWriter, r *http.Request) {
	gate := callingGate(r)

	var req ChallengeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PersonID == 0 && req.DestinationIP == "" {
		writeError(w, http.StatusBadRequest, "missing_parameters", "person_id or destination_ip required")
		return
	}

	ch := s.challenges.Create(req.PersonID, req.DestinationIP, gate.ID)
	writeJSON(w, http.StatusCreated, ch)
}

func (s *Server) handleChallengeStatus(w http.ResponseWriter, r *http.Request) {
	ch, err := s.challenges.Get(chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, http.StatusNotFound, "challenge_not_found", "unknown challenge token")
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// handleChallengeResolve is the operator-side answer to a pending
// challenge: the out-of-band verification reports its verdict here.
func (s *Server) handleChallengeResolve(w http.ResponseWriter, r *http.Request) {
	var req ChallengeResolveRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	token := chi.URLParam(r, "token")
	if err := s.challenges.Resolve(token, req.Approved); err != nil {
		if errors.Is(err, ErrChallengeNotFound) {
			writeError(w, http.StatusNotFound, "challenge_not_found", "unknown challenge token")
			return
		}
		writeError(w, http.StatusConflict, "challenge_not_pending", err.Error())
		return
	}

	state := ChallengeDenied
	if req.Approved {
		state = ChallengeApproved
	}
	s.log.Info("mfa challenge resolved", "token", token, "state", string(state))
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "state": string(state)})
}

func (s *Server) handleChallengeCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.challenges.Cancel(chi.URLParam(r, "token")); err != nil {
		writeError(w, http.StatusNotFound, "challenge_not_found", "unknown challenge token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
