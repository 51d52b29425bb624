package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/towergate/towergate/internal/gate"
)

// forcedGrace is how long a session survives after the Tower orders a
// disconnect, so the user sees the warning before the connection drops.
const forcedGrace = 5 * time.Second

// ControlPlane is the subset of the Tower client the runtime loops use.
type ControlPlane interface {
	Heartbeat(ctx context.Context, report gate.HeartbeatReport) (*gate.HeartbeatResult, error)
	GrantStatus(ctx context.Context, sessionID string) (*gate.GrantStatus, error)
}

// HeartbeatLoop reports gate liveness and pulls disconnect commands. It
// also revalidates each live session's grant, so revocations made on
// the Tower take effect within one interval even without a command.
type HeartbeatLoop struct {
	client   ControlPlane
	registry *Registry
	muxes    *MuxRegistry
	log      *slog.Logger
	now      func() time.Time

	version  string
	hostname string
	interval time.Duration
}

func NewHeartbeatLoop(client ControlPlane, registry *Registry, muxes *MuxRegistry, version, hostname string, interval time.Duration, log *slog.Logger) *HeartbeatLoop {
	return &HeartbeatLoop{
		client:   client,
		registry: registry,
		muxes:    muxes,
		log:      log,
		now:      time.Now,
		version:  version,
		hostname: hostname,
		interval: interval,
	}
}

// Run beats until ctx is cancelled. An unreachable Tower is logged and
// skipped: existing sessions keep running on their last known grants.
func (h *HeartbeatLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *HeartbeatLoop) beat(ctx context.Context) {
	ids := h.registry.ActiveIDs()
	result, err := h.client.Heartbeat(ctx, gate.HeartbeatReport{
		Version:          h.version,
		Hostname:         h.hostname,
		ActiveStays:      h.registry.ActivePersons(),
		ActiveSessions:   len(ids),
		ActiveSessionIDs: ids,
	})
	if err != nil {
		h.log.Warn("heartbeat failed", "error", err)
		return
	}

	for _, id := range result.ForceDisconnect {
		h.log.Info("force disconnect ordered", "session_id", id)
		h.registry.SetForcedEnd(id, h.now().Add(forcedGrace), "force_disconnect")
	}

	// A relayed session the gate has no multiplexer for means the Tower
	// holds a stale session row; the cleanup call reconciles it later.
	if h.muxes != nil {
		for _, id := range result.RelaySessions {
			if _, ok := h.muxes.Get(id); !ok {
				h.log.Debug("relay ordered for unknown session", "session_id", id)
			}
		}
	}

	h.revalidate(ctx, ids)
}

// revalidate polls grant status for each live session and refreshes the
// registry's end times. Poll errors leave the session on its last known
// deadline, and so does a status without an end time: a deadline set at
// resolution is only ever moved to a concrete new value, never cleared.
func (h *HeartbeatLoop) revalidate(ctx context.Context, ids []string) {
	for _, id := range ids {
		status, err := h.client.GrantStatus(ctx, id)
		if err != nil {
			h.log.Warn("grant revalidation failed", "session_id", id, "error", err)
			continue
		}
		if !status.Valid {
			h.registry.SetForcedEnd(id, h.now().Add(forcedGrace), status.Reason)
			continue
		}
		if status.EndTime != nil {
			h.registry.SetGrantEnd(id, *status.EndTime)
		}
	}
}
