package tower

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/towergate/towergate/internal/policy"
)

// heartbeatStaleAfter is how old a heartbeat may be before a gate is
// reported offline.
const heartbeatStaleAfter = 90 * time.Second

type gateContextKey struct{}

// Server is the Tower control-plane HTTP API.
type Server struct {
	store      *Store
	resolver   *policy.Resolver
	challenges *ChallengeStore
	recordings *RecordingStore
	log        *slog.Logger
	version    string
	gateConfig GateConfigResponse

	registry       *prometheus.Registry
	requestsTotal  *prometheus.CounterVec
	decisionsTotal *prometheus.CounterVec
}

// NewServer wires the Tower API around a store.
func NewServer(store *Store, resolver *policy.Resolver, challenges *ChallengeStore, recordings *RecordingStore, log *slog.Logger, version string) *Server {
	if log == nil {
		log = slog.Default()
	}
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	s := &Server{
		store:      store,
		resolver:   resolver,
		challenges: challenges,
		recordings: recordings,
		log:        log,
		version:    version,
		gateConfig: GateConfigResponse{
			HeartbeatIntervalSeconds: 30,
			RecordingEnabled:         true,
			InactivityTimeoutMinutes: 30,
		},
		registry: registry,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "towergate",
			Subsystem: "tower",
			Name:      "requests_total",
			Help:      "Control-plane requests by route and status.",
		}, []string{"route", "status"}),
		decisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "towergate",
			Subsystem: "tower",
			Name:      "decisions_total",
			Help:      "Access decisions by outcome.",
		}, []string{"outcome"}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "towergate",
		Subsystem: "tower",
		Name:      "active_sessions",
		Help:      "Currently active sessions.",
	}, func() float64 {
		return float64(len(store.ActiveSessions(SessionFilter{})))
	})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "towergate",
		Subsystem: "tower",
		Name:      "active_stays",
		Help:      "Currently active stays.",
	}, func() float64 {
		return float64(len(store.ActiveStays(0, 0)))
	})

	return s
}

// Router builds the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireGateAuth)

		r.Post("/auth/check", s.handleAuthCheck)

		r.Post("/stays/start", s.handleStayStart)
		r.Post("/stays/{stayID}/end", s.handleStayEnd)
		r.Get("/stays/active", s.handleStaysActive)

		r.Post("/sessions/create", s.handleSessionCreate)
		r.Patch("/sessions/{sessionID}", s.handleSessionPatch)
		r.Get("/sessions/active", s.handleSessionsActive)
		r.Get("/sessions/{sessionID}/grant_status", s.handleGrantStatus)
		r.Post("/sessions/{sessionID}/force-disconnect", s.handleForceDisconnect)

		r.Post("/gates/heartbeat", s.handleHeartbeat)
		r.Post("/gates/cleanup", s.handleGateCleanup)
		r.Get("/gates/config", s.handleGateConfig)
		r.Get("/gates/status", s.handleGateStatus)
		r.Get("/gates/messages", s.handleGateMessages)
		r.Post("/gates/{gateID}/maintenance", s.handleGateMaintenanceOn)
		r.Delete("/gates/{gateID}/maintenance", s.handleGateMaintenanceOff)
		r.Post("/backends/{serverID}/maintenance", s.handleServerMaintenanceOn)
		r.Delete("/backends/{serverID}/maintenance", s.handleServerMaintenanceOff)

		r.Post("/mfa/challenge", s.handleChallengeCreate)
		r.Get("/mfa/status/{token}", s.handleChallengeStatus)
		r.Post("/mfa/challenge/{token}/resolve", s.handleChallengeResolve)
		r.Delete("/mfa/challenge/{token}", s.handleChallengeCancel)

		r.Post("/recordings/{sessionID}/start", s.handleRecordingStart)
		r.Post("/recordings/{sessionID}/chunk", s.handleRecordingChunk)
		r.Post("/recordings/{sessionID}/finalize", s.handleRecordingFinalize)

		r.Get("/policies", s.handlePolicies)
		r.Post("/policies", s.handlePolicyCreate)
		r.Delete("/policies/{policyID}", s.handlePolicyRevoke)

		r.Get("/allocations", s.handleAllocations)
		r.Post("/allocations", s.handleAllocationCreate)
		r.Delete("/allocations", s.handleAllocationDelete)
		r.Post("/allocations/cleanup", s.handleAllocationCleanup)
	})

	return r
}

// requireGateAuth authenticates the calling gate by bearer token.
// Missing or unknown tokens get 401; a deactivated gate gets 403 (the
// hard kill-switch, distinct from maintenance).
func (s *Server) requireGateAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, http.StatusUnauthorized, "missing_token", "Authorization header required")
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "invalid_token_format", `Authorization header must be "Bearer {token}"`)
			return
		}

		gate := s.store.GateByToken(token)
		if gate == nil {
			writeError(w, http.StatusUnauthorized, "invalid_token", "token not recognized")
			return
		}
		if !gate.IsActive {
			writeError(w, http.StatusForbidden, "gate_inactive", "gate "+gate.Name+" is deactivated")
			return
		}

		ctx := context.WithValue(r.Context(), gateContextKey{}, gate)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.requestsTotal.WithLabelValues(r.URL.Path, httpStatusClass(ww.Status())).Inc()
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).Round(time.Millisecond).String(),
		)
	})
}

func httpStatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

// callingGate returns the authenticated gate from the request context.
func callingGate(r *http.Request) *policy.Gate {
	gate, _ := r.Context().Value(gateContextKey{}).(*policy.Gate)
	return gate
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be valid JSON")
		return false
	}
	return true
}
