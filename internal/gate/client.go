package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Error taxonomy for Tower calls. Transport failures are retried with
// bounded exponential backoff; authentication failures never are.
var (
	// ErrTowerUnreachable wraps network-level failures after retries
	// are exhausted.
	ErrTowerUnreachable = errors.New("tower unreachable")
	// ErrTowerAuth means the gate's bearer token was rejected. Fatal,
	// never retried.
	ErrTowerAuth = errors.New("tower rejected gate credentials")
)

// APIError is a non-auth HTTP error from the Tower.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tower api error %d (%s): %s", e.Status, e.Code, e.Message)
}

// AccessDecision is the typed result of an auth/check call.
type AccessDecision struct {
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

// CheckRequest is the auth/check call body.
type CheckRequest struct {
	SourceIP          string `json:"source_ip"`
	DestinationIP     string `json:"destination_ip"`
	Protocol          string `json:"protocol"`
	SSHLogin          string `json:"ssh_login,omitempty"`
	SSHKeyFingerprint string `json:"ssh_key_fingerprint,omitempty"`
	MFAToken          string `json:"mfa_token,omitempty"`
}

// SessionStart reports a new session to the Tower.
type SessionStart struct {
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

// SessionStartResult confirms a registered session.
type SessionStartResult struct {
	SessionID      string    `json:"session_id"`
	StayID         int64     `json:"stay_id"`
	PersonUsername string    `json:"person_username"`
	ServerName     string    `json:"server_name"`
	GateName       string    `json:"gate_name"`
	StartedAt      time.Time `json:"started_at"`
}

// SessionEnd closes a session on the Tower.
type SessionEnd struct {
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	IsActive          *bool      `json:"is_active,omitempty"`
	TerminationReason string     `json:"termination_reason,omitempty"`
	RecordingPath     string     `json:"recording_path,omitempty"`
	RecordingSize     *int64     `json:"recording_size,omitempty"`
}

// GrantStatus is the monitor revalidation poll result.
type GrantStatus struct {
	Valid   bool       `json:"valid"`
	EndTime *time.Time `json:"end_time,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

// HeartbeatReport is the periodic liveness payload.
type HeartbeatReport struct {
	Version          string   `json:"version,omitempty"`
	Hostname         string   `json:"hostname,omitempty"`
	ActiveStays      int      `json:"active_stays"`
	ActiveSessions   int      `json:"active_sessions"`
	ActiveSessionIDs []string `json:"active_session_ids,omitempty"`
}

// HeartbeatResult carries pull-based commands back from the Tower.
type HeartbeatResult struct {
	Status          string   `json:"status"`
	RelaySessions   []string `json:"relay_sessions,omitempty"`
	ForceDisconnect []string `json:"force_disconnect,omitempty"`
}

// GateConfig is the centrally pushed configuration.
type GateConfig struct {
	HeartbeatIntervalSeconds int  `json:"heartbeat_interval_seconds"`
	RecordingEnabled         bool `json:"recording_enabled"`
	InactivityTimeoutMinutes int  `json:"inactivity_timeout_minutes"`
}

// Client is the typed Tower API client. Safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	userAgent  string
	httpClient *http.Client
	log        *slog.Logger

	retryAttempts int
	retryBackoff  time.Duration

	// cache holds recent access decisions so per-keystroke auth
	// callbacks don't hammer the Tower. TTL stays well under the
	// heartbeat interval so revocations are not masked.
	cache *expirable.LRU[string, AccessDecision]

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry overrides retry attempts and initial backoff.
func WithRetry(attempts int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		if attempts > 0 {
			c.retryAttempts = attempts
		}
		c.retryBackoff = backoff
	}
}

// WithDecisionCacheTTL sets the access-decision cache TTL. Zero
// disables caching.
func WithDecisionCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		if ttl <= 0 {
			c.cache = nil
			return
		}
		c.cache = expirable.NewLRU[string, AccessDecision](1024, nil, ttl)
	}
}

// NewClient builds a Tower client from gate config.
func NewClient(cfg *Config, log *slog.Logger, opts ...ClientOption) *Client {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		baseURL:       strings.TrimRight(cfg.Tower.URL, "/"),
		token:         cfg.Tower.Token,
		userAgent:     "towergate-gate/" + cfg.Gate.Version,
		httpClient:    &http.Client{Timeout: cfg.APITimeout()},
		log:           log,
		retryAttempts: cfg.API.RetryAttempts,
		retryBackoff:  time.Duration(cfg.API.RetryBackoffSeconds * float64(time.Second)),
		sleep:         time.Sleep,
	}
	if ttl := time.Duration(cfg.API.CacheTTLSeconds) * time.Second; ttl > 0 {
		c.cache = expirable.NewLRU[string, AccessDecision](1024, nil, ttl)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckAccess asks the Tower to resolve access. A 403 carrying a
// denial decision is returned as a decision, not an error.
func (c *Client) CheckAccess(ctx context.Context, req CheckRequest) (*AccessDecision, error) {
	key := req.SourceIP + "|" + req.DestinationIP + "|" + req.Protocol + "|" + req.SSHLogin
	if c.cache != nil && req.MFAToken == "" {
		if dec, ok := c.cache.Get(key); ok {
			return &dec, nil
		}
	}

	var dec AccessDecision
	status, err := c.request(ctx, http.MethodPost, "/api/v1/auth/check", req, &dec, true, []int{http.StatusOK, http.StatusForbidden})
	if err != nil {
		return nil, err
	}
	if status == http.StatusForbidden && dec.DenialReason == "" {
		// A 403 without a decision body is a credential problem.
		return nil, ErrTowerAuth
	}

	if c.cache != nil && req.MFAToken == "" && !dec.MFARequired {
		c.cache.Add(key, dec)
	}
	return &dec, nil
}

// StartSession registers a session (and its stay) with the Tower.
func (c *Client) StartSession(ctx context.Context, start SessionStart) (*SessionStartResult, error) {
	var out SessionStartResult
	_, err := c.request(ctx, http.MethodPost, "/api/v1/sessions/create", start, &out, true, []int{http.StatusCreated})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// EndSession reports a session close.
func (c *Client) EndSession(ctx context.Context, sessionID string, end SessionEnd) error {
	_, err := c.request(ctx, http.MethodPatch, "/api/v1/sessions/"+sessionID, end, nil, true, []int{http.StatusOK})
	return err
}

// GrantStatus polls the single source of truth for a session's grant.
func (c *Client) GrantStatus(ctx context.Context, sessionID string) (*GrantStatus, error) {
	var out GrantStatus
	_, err := c.request(ctx, http.MethodGet, "/api/v1/sessions/"+sessionID+"/grant_status", nil, &out, true, []int{http.StatusOK})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat reports liveness. Heartbeats are never retried: a missed
// beat is better than a late one.
func (c *Client) Heartbeat(ctx context.Context, report HeartbeatReport) (*HeartbeatResult, error) {
	var out HeartbeatResult
	_, err := c.request(ctx, http.MethodPost, "/api/v1/gates/heartbeat", report, &out, false, []int{http.StatusOK})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Cleanup force-closes everything the Tower still attributes to this
// gate. Called once at startup.
func (c *Client) Cleanup(ctx context.Context) (int, error) {
	var out struct {
		ClosedSessions int `json:"closed_sessions"`
	}
	_, err := c.request(ctx, http.MethodPost, "/api/v1/gates/cleanup", struct{}{}, &out, true, []int{http.StatusOK})
	return out.ClosedSessions, err
}

// FetchConfig pulls the centrally managed gate configuration.
func (c *Client) FetchConfig(ctx context.Context) (*GateConfig, error) {
	var out GateConfig
	_, err := c.request(ctx, http.MethodGet, "/api/v1/gates/config", nil, &out, true, []int{http.StatusOK})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchMessages pulls the client-facing banner templates.
func (c *Client) FetchMessages(ctx context.Context) (map[string]string, error) {
	var out struct {
		Messages map[string]string `json:"messages"`
	}
	_, err := c.request(ctx, http.MethodGet, "/api/v1/gates/messages", nil, &out, true, []int{http.StatusOK})
	if err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// RecordingStart opens the remote recording sink for a session.
func (c *Client) RecordingStart(ctx context.Context, sessionID string) error {
	_, err := c.request(ctx, http.MethodPost, "/api/v1/recordings/"+sessionID+"/start", struct{}{}, nil, true, []int{http.StatusCreated})
	return err
}

// RecordingChunk uploads a batch of recorder events.
func (c *Client) RecordingChunk(ctx context.Context, sessionID string, events []map[string]any) error {
	body := struct {
		Events []map[string]any `json:"events"`
	}{Events: events}
	_, err := c.request(ctx, http.MethodPost, "/api/v1/recordings/"+sessionID+"/chunk", body, nil, false, []int{http.StatusOK})
	return err
}

// RecordingFinalize closes the remote recording.
func (c *Client) RecordingFinalize(ctx context.Context, sessionID string, totalEvents int) error {
	body := struct {
		TotalEvents int `json:"total_events"`
	}{TotalEvents: totalEvents}
	_, err := c.request(ctx, http.MethodPost, "/api/v1/recordings/"+sessionID+"/finalize", body, nil, true, []int{http.StatusOK})
	return err
}

// request performs one call with optional retry. okStatuses are the
// statuses handed back to the caller; everything else is an error.
// Auth failures (401, and 403 outside okStatuses) abort immediately.
func (c *Client) request(ctx context.Context, method, path string, body, out any, retry bool, okStatuses []int) (int, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
	}

	attempts := 1
	if retry {
		attempts = c.retryAttempts
	}
	backoff := c.retryBackoff

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.log.Warn("retrying tower call",
				"path", path, "attempt", attempt+1, "backoff", backoff.String())
			c.sleep(backoff)
			backoff *= 2
		}

		status, err := c.once(ctx, method, path, payload, out, okStatuses)
		if err == nil {
			return status, nil
		}
		if errors.Is(err, ErrTowerAuth) {
			return status, err
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < 500 {
			return status, err
		}
		lastErr = err
	}
	return 0, fmt.Errorf("%w: %s %s: %v", ErrTowerUnreachable, method, path, lastErr)
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any, okStatuses []int) (int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	for _, ok := range okStatuses {
		if resp.StatusCode == ok {
			if out != nil {
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
					return resp.StatusCode, fmt.Errorf("decode response: %w", err)
				}
			}
			return resp.StatusCode, nil
		}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return resp.StatusCode, ErrTowerAuth
	}

	var errBody struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(data, &errBody)
	return resp.StatusCode, &APIError{Status: resp.StatusCode, Code: errBody.Error, Message: errBody.Message}
}
