package tower

import (
	"time"

	"github.com/towergate/towergate/internal/policy"
)

// Wire types for the gate control protocol. Field names mirror what
// gates put on the wire; see the client package for the gate side.

// CheckRequest is the externalized access-resolution call.
type CheckRequest struct {
	SourceIP          string `json:"source_ip"`
	DestinationIP     string `json:"destination_ip"`
	Protocol          string `json:"protocol"`
	SSHLogin          string `json:"ssh_login,omitempty"`
	SSHKeyFingerprint string `json:"ssh_key_fingerprint,omitempty"`
	MFAToken          string `json:"mfa_token,omitempty"`
}

// CheckResponse carries an allow (200) or deny (403) decision.
type CheckResponse struct {
	Allowed      bool   `json:"allowed"`
	DenialReason string `json:"denial_reason,omitempty"`

	PersonID       int64  `json:"person_id,omitempty"`
	PersonUsername string `json:"person_username,omitempty"`
	ServerID       int64  `json:"server_id,omitempty"`
	ServerName     string `json:"server_name,omitempty"`
	ServerIP       string `json:"server_ip,omitempty"`
	ServerPort     int    `json:"server_port,omitempty"`

	GrantID                  int64      `json:"grant_id,omitempty"`
	EffectiveEndTime         *time.Time `json:"effective_end_time,omitempty"`
	PortForwardingAllowed    bool       `json:"port_forwarding_allowed"`
	SSHLogins                []string   `json:"ssh_logins,omitempty"`
	InactivityTimeoutMinutes int        `json:"inactivity_timeout_minutes,omitempty"`
	MFARequired              bool       `json:"mfa_required,omitempty"`
	MFAToken                 string     `json:"mfa_token,omitempty"`
}

// StayStartRequest opens a stay explicitly (legacy path; session
// creation normally manages stays itself).
type StayStartRequest struct {
	PersonID int64 `json:"person_id"`
	ServerID int64 `json:"server_id"`
	PolicyID int64 `json:"policy_id,omitempty"`
}

// StayResponse describes one stay.
type StayResponse struct {
	StayID            int64      `json:"stay_id"`
	PersonID          int64      `json:"person_id"`
	PersonUsername    string     `json:"person_username,omitempty"`
	ServerID          int64      `json:"server_id"`
	ServerName        string     `json:"server_name,omitempty"`
	GateID            int64      `json:"gate_id"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	DurationSeconds   int64      `json:"duration_seconds,omitempty"`
	IsActive          bool       `json:"is_active"`
	TerminationReason string     `json:"termination_reason,omitempty"`
}

// StayEndRequest closes a stay.
type StayEndRequest struct {
	TerminationReason string `json:"termination_reason,omitempty"`
}

// SessionCreateRequest reports a session start.
type SessionCreateRequest struct {
	SessionID       string `json:"session_id"`
	PersonID        int64  `json:"person_id"`
	ServerID        int64  `json:"server_id"`
	Protocol        string `json:"protocol"`
	SourceIP        string `json:"source_ip"`
	ProxyIP         string `json:"proxy_ip"`
	BackendIP       string `json:"backend_ip,omitempty"`
	BackendPort     int    `json:"backend_port,omitempty"`
	SSHUsername     string `json:"ssh_username,omitempty"`
	SubsystemName   string `json:"subsystem_name,omitempty"`
	SSHAgentUsed    bool   `json:"ssh_agent_used,omitempty"`
	RecordingPath   string `json:"recording_path,omitempty"`
	GrantID         int64  `json:"grant_id,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

// SessionCreateResponse confirms a session start.
type SessionCreateResponse struct {
	SessionID      string    `json:"session_id"`
	StayID         int64     `json:"stay_id"`
	PersonUsername string    `json:"person_username"`
	ServerName     string    `json:"server_name"`
	GateName       string    `json:"gate_name"`
	StartedAt      time.Time `json:"started_at"`
	IsActive       bool      `json:"is_active"`
}

// SessionPatchRequest is a partial session update.
type SessionPatchRequest struct {
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	IsActive          *bool      `json:"is_active,omitempty"`
	TerminationReason string     `json:"termination_reason,omitempty"`
	RecordingPath     string     `json:"recording_path,omitempty"`
	RecordingSize     *int64     `json:"recording_size,omitempty"`
}

// HeartbeatRequest is the gate's periodic liveness report.
type HeartbeatRequest struct {
	Version          string   `json:"version,omitempty"`
	Hostname         string   `json:"hostname,omitempty"`
	ActiveStays      int      `json:"active_stays"`
	ActiveSessions   int      `json:"active_sessions"`
	ActiveSessionIDs []string `json:"active_session_ids,omitempty"`
}

// HeartbeatResponse answers a heartbeat with pull-based commands.
type HeartbeatResponse struct {
	Status string `json:"status"`
	// RelaySessions names sessions the gate should expose to
	// spectators.
	RelaySessions []string `json:"relay_sessions,omitempty"`
	// ForceDisconnect names sessions an operator wants terminated.
	ForceDisconnect []string `json:"force_disconnect,omitempty"`
}

// GateConfigResponse is the centrally pushed gate configuration.
type GateConfigResponse struct {
	HeartbeatIntervalSeconds int  `json:"heartbeat_interval_seconds"`
	RecordingEnabled         bool `json:"recording_enabled"`
	InactivityTimeoutMinutes int  `json:"inactivity_timeout_minutes"`
}

// GateStatusResponse summarizes a gate's liveness as derived from
// heartbeat age.
type GateStatusResponse struct {
	GateID        int64      `json:"gate_id"`
	Name          string     `json:"name"`
	Online        bool       `json:"online"`
	InMaintenance bool       `json:"in_maintenance"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// MaintenanceRequest schedules a maintenance window.
type MaintenanceRequest struct {
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	GraceMinutes int        `json:"grace_minutes,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	PersonnelIDs []int64    `json:"personnel_ids,omitempty"`
}

// ChallengeRequest opens an MFA challenge.
type ChallengeRequest struct {
	PersonID      int64  `json:"person_id,omitempty"`
	DestinationIP string `json:"destination_ip,omitempty"`
}

// ChallengeResolveRequest answers a pending challenge.
type ChallengeResolveRequest struct {
	Approved bool `json:"approved"`
}

// RecordingChunkRequest carries buffered recorder events.
type RecordingChunkRequest struct {
	Events []map[string]any `json:"events"`
}

// RecordingFinalizeRequest closes a recording.
type RecordingFinalizeRequest struct {
	TotalEvents int   `json:"total_events,omitempty"`
	SizeBytes   int64 `json:"size_bytes,omitempty"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func maintenanceWindow(req MaintenanceRequest, enabled bool) policy.MaintenanceWindow {
	return policy.MaintenanceWindow{
		Enabled:      enabled,
		ScheduledAt:  req.ScheduledAt,
		GraceMinutes: req.GraceMinutes,
		Reason:       req.Reason,
	}
}
