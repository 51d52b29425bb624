package proxy

import (
	"fmt"
	"io"
	"log/slog"
	"time"
)

const (
	grantPollInterval  = time.Second
	inactivityInterval = 10 * time.Second
	firstWarning       = 5 * time.Minute
	finalWarning       = time.Minute
)

// Monitor watches one live session for grant expiry, forced disconnects
// and inactivity, warning the user and tearing the session down when a
// limit is reached. Teardown goes through Registry.Close, which is
// idempotent, so the two loops may race without harm.
type Monitor struct {
	registry  *Registry
	sessionID string
	// notify receives user-facing warnings and title updates; it is
	// the client's session channel.
	notify io.Writer
	log    *slog.Logger
	now    func() time.Time

	inactivityTimeout time.Duration

	grantPoll    time.Duration
	idlePoll     time.Duration
	warned5m     bool
	warned1m     bool
	warnedIdle   bool
	stop         chan struct{}
}

// NewMonitor builds a monitor for a registered session. A zero
// inactivityTimeout disables the idle check.
func NewMonitor(registry *Registry, sessionID string, notify io.Writer, inactivityTimeout time.Duration, log *slog.Logger) *Monitor {
	return &Monitor{
		registry:          registry,
		sessionID:         sessionID,
		notify:            notify,
		log:               log.With("session_id", sessionID),
		now:               time.Now,
		inactivityTimeout: inactivityTimeout,
		grantPoll:         grantPollInterval,
		idlePoll:          inactivityInterval,
		stop:              make(chan struct{}),
	}
}

// Run blocks until the session is closed or Stop is called. Callers run
// it in its own goroutine.
func (m *Monitor) Run() {
	grantTick := time.NewTicker(m.grantPoll)
	defer grantTick.Stop()
	idleTick := time.NewTicker(m.idlePoll)
	defer idleTick.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-grantTick.C:
			if m.checkGrant() {
				return
			}
		case <-idleTick.C:
			if m.checkIdle() {
				return
			}
		}
	}
}

// Stop ends the monitor without touching the session.
func (m *Monitor) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

func (m *Monitor) checkGrant() bool {
	end, reason, ok := m.registry.Deadline(m.sessionID)
	if !ok {
		return false
	}

	remaining := end.Sub(m.now())
	if remaining <= 0 {
		fmt.Fprintf(m.notify, "\r\n*** Access ended (%s). Disconnecting. ***\r\n", reason)
		m.log.Info("session deadline reached", "reason", reason)
		m.registry.Close(m.sessionID, reason)
		return true
	}

	switch {
	case remaining <= finalWarning && !m.warned1m:
		m.warned1m = true
		fmt.Fprintf(m.notify, "\r\n*** Your access expires in 1 minute. ***\r\n")
	case remaining <= firstWarning && !m.warned5m:
		m.warned5m = true
		fmt.Fprintf(m.notify, "\r\n*** Your access expires in %d minutes. ***\r\n", int(remaining.Minutes())+1)
	}

	// Countdown in the terminal title once the end is near.
	if remaining <= firstWarning {
		m.notify.Write(titleSequence(fmt.Sprintf("access expires in %s", remaining.Round(time.Second))))
	}
	return false
}

func (m *Monitor) checkIdle() bool {
	if m.inactivityTimeout <= 0 {
		return false
	}
	idle, ok := m.registry.IdleSince(m.sessionID)
	if !ok {
		return false
	}

	if idle >= m.inactivityTimeout {
		fmt.Fprintf(m.notify, "\r\n*** Disconnected after %s of inactivity. ***\r\n", m.inactivityTimeout)
		m.log.Info("session idle timeout", "idle", idle)
		m.registry.Close(m.sessionID, "inactivity_timeout")
		return true
	}

	if left := m.inactivityTimeout - idle; left <= finalWarning {
		if !m.warnedIdle {
			m.warnedIdle = true
			fmt.Fprintf(m.notify, "\r\n*** Session idle, disconnecting in %s. ***\r\n", left.Round(time.Second))
		}
	} else {
		m.warnedIdle = false
	}
	return false
}
