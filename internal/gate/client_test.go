package gate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig(url string) *Config {
	cfg := defaultConfig()
	cfg.Tower.URL = url
	cfg.Tower.Token = "tok-east"
	cfg.Gate.ID = 1
	cfg.Gate.Name = "gate-east"
	cfg.API.CacheTTLSeconds = 0
	return cfg
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	c := NewClient(testConfig(ts.URL), slog.Default())
	c.sleep = func(time.Duration) {}
	return c, ts
}

func TestCheckAccess_AllowAndDenial(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-east" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		var req CheckRequest
		json.NewDecoder(r.Body).Decode(&req)

		w.Header().Set("Content-Type", "application/json")
		if req.SourceIP == "100.64.0.39" {
			json.NewEncoder(w).Encode(AccessDecision{
				Allowed: true, PersonUsername: "alice", GrantID: 30,
				ServerIP: "10.0.160.4", ServerPort: 22,
			})
			return
		}
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(AccessDecision{
			Allowed: false, DenialReason: "unknown_source_ip",
		})
	}))

	dec, err := c.CheckAccess(context.Background(), CheckRequest{
		SourceIP: "100.64.0.39", DestinationIP: "10.0.160.4", Protocol: "ssh",
	})
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if !dec.Allowed || dec.GrantID != 30 {
		t.Errorf("unexpected decision: %+v", dec)
	}

	// A 403 carrying a denial decision is a decision, not an error.
	dec, err = c.CheckAccess(context.Background(), CheckRequest{
		SourceIP: "203.0.113.9", DestinationIP: "10.0.160.4", Protocol: "ssh",
	})
	if err != nil {
		t.Fatalf("CheckAccess on denial: %v", err)
	}
	if dec.Allowed || dec.DenialReason != "unknown_source_ip" {
		t.Errorf("unexpected denial: %+v", dec)
	}
}

func TestCheckAccess_DecisionCache(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(AccessDecision{Allowed: true, GrantID: 30})
	}))
	t.Cleanup(ts.Close)

	cfg := testConfig(ts.URL)
	cfg.API.CacheTTLSeconds = 5
	c := NewClient(cfg, slog.Default())

	req := CheckRequest{SourceIP: "100.64.0.39", DestinationIP: "10.0.160.4", Protocol: "ssh", SSHLogin: "root"}
	for i := 0; i < 3; i++ {
		if _, err := c.CheckAccess(context.Background(), req); err != nil {
			t.Fatalf("CheckAccess: %v", err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 upstream call with cache, got %d", got)
	}

	// A different login is a different cache key.
	req.SSHLogin = "postgres"
	c.CheckAccess(context.Background(), req)
	if got := calls.Load(); got != 2 {
		t.Errorf("expected cache miss for new login, got %d calls", got)
	}
}

func TestRequest_RetriesOnServerError(t *testing.T) {
	var calls atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(GrantStatus{Valid: true})
	}))

	status, err := c.GrantStatus(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GrantStatus: %v", err)
	}
	if !status.Valid {
		t.Error("expected valid grant after retries")
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestRequest_ExhaustedRetriesIsUnreachable(t *testing.T) {
	c, ts := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	_ = ts

	_, err := c.GrantStatus(context.Background(), "sess-1")
	if !errors.Is(err, ErrTowerUnreachable) {
		t.Fatalf("expected ErrTowerUnreachable, got %v", err)
	}
}

func TestRequest_AuthErrorsAreNeverRetried(t *testing.T) {
	var calls atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.GrantStatus(context.Background(), "sess-1")
	if !errors.Is(err, ErrTowerAuth) {
		t.Fatalf("expected ErrTowerAuth, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("auth error must not be retried, got %d attempts", calls.Load())
	}
}

func TestHeartbeat_NoRetry(t *testing.T) {
	var calls atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := c.Heartbeat(context.Background(), HeartbeatReport{ActiveSessions: 2})
	if err == nil {
		t.Fatal("expected heartbeat failure")
	}
	if calls.Load() != 1 {
		t.Errorf("heartbeat must not be retried, got %d attempts", calls.Load())
	}
}

func TestClientErrorBodyParsing(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "session_not_found", "message": "unknown session",
		})
	}))

	_, err := c.GrantStatus(context.Background(), "nope")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Code != "session_not_found" {
		t.Errorf("unexpected APIError: %+v", apiErr)
	}
}
