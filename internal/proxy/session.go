package proxy

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/towergate/towergate/internal/gate"
)

// Wire payloads for the session channel requests we care about.
type ptyRequest struct {
	Term          string
	Width, Height uint32
	PixelW, PixelH uint32
	Modes         string
}

type execRequest struct {
	Command string
}

type subsystemRequest struct {
	Name string
}

type windowChangeRequest struct {
	Width, Height  uint32
	PixelW, PixelH uint32
}

type exitStatusPayload struct {
	Status uint32
}

// session is one "session" channel on a proxied connection: a shell,
// an exec, or a subsystem, forwarded to the backend.
type session struct {
	pc      *proxyConn
	channel ssh.Channel

	mu          sync.Mutex
	started     bool
	hasPty      bool
	pty         ptyRequest
	backendSess *ssh.Session
	stdin       io.WriteCloser

	sessionID string
	recorder  *Recorder
	mux       *Multiplexer
	monitor   *Monitor

	closeOnce sync.Once
	done      chan struct{}
}

func (c *proxyConn) handleSession(newChan ssh.NewChannel) {
	channel, requests, err := newChan.Accept()
	if err != nil {
		c.log.Warn("session channel accept failed", "error", err)
		return
	}

	s := &session{pc: c, channel: channel, done: make(chan struct{})}
	for req := range requests {
		switch req.Type {
		case "pty-req":
			var pty ptyRequest
			ok := ssh.Unmarshal(req.Payload, &pty) == nil
			if ok {
				s.mu.Lock()
				s.hasPty = true
				s.pty = pty
				s.mu.Unlock()
			}
			req.Reply(ok, nil)
		case "env":
			// Accepted but not forwarded; backends get their own env.
			req.Reply(true, nil)
		case "auth-agent-req@openssh.com":
			c.mu.Lock()
			c.agentRequested = true
			c.mu.Unlock()
			req.Reply(true, nil)
		case "window-change":
			var wc windowChangeRequest
			if err := ssh.Unmarshal(req.Payload, &wc); err == nil {
				s.resize(int(wc.Width), int(wc.Height))
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "shell":
			req.Reply(s.start("", ""), nil)
		case "exec":
			var ex execRequest
			if err := ssh.Unmarshal(req.Payload, &ex); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(s.start(ex.Command, ""), nil)
		case "subsystem":
			var sub subsystemRequest
			if err := ssh.Unmarshal(req.Payload, &sub); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(s.start("", sub.Name), nil)
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *session) resize(w, hgt int) {
	s.mu.Lock()
	bs := s.backendSess
	s.mu.Unlock()
	if bs != nil {
		bs.WindowChange(hgt, w)
	}
}

// start launches the session body once. Returns the reply for the
// triggering request.
func (s *session) start(command, subsystem string) bool {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return false
	}
	s.started = true
	s.mu.Unlock()

	login := s.pc.sconn.User()
	if login == loginWatch || login == loginJoin {
		go s.runSpectator(WatchMode(login), strings.TrimSpace(command))
		return true
	}
	go s.run(command, subsystem)
	return true
}

// run is the owner-session body: registers the session everywhere,
// connects the backend and forwards until either side is done.
func (s *session) run(command, subsystem string) {
	c := s.pc
	h := c.h

	c.mu.Lock()
	dec := accessSnapshot{dec: c.decision, login: c.login, cred: c.cred}
	c.mu.Unlock()

	bc, err := c.backend()
	if err != nil {
		fmt.Fprintf(s.channel, "towergate: %v\r\n", err)
		s.close("backend_unreachable")
		return
	}

	s.sessionID = uuid.NewString()
	log := c.log.With("session_id", s.sessionID)

	start := gate.SessionStart{
		SessionID:     s.sessionID,
		PersonID:      dec.dec.PersonID,
		ServerID:      dec.dec.ServerID,
		Protocol:      "ssh",
		SourceIP:      c.sourceIP,
		ProxyIP:       h.proxyIP,
		BackendIP:     dec.dec.ServerIP,
		BackendPort:   dec.dec.ServerPort,
		SSHUsername:   dec.login,
		SubsystemName: subsystem,
		SSHAgentUsed:  dec.cred == credAgent,
		GrantID:       dec.dec.GrantID,
	}
	ctx, cancel := context.WithTimeout(context.Background(), backendDialTimeout)
	if _, err := h.api.StartSession(ctx, start); err != nil {
		// The session proceeds on the already-resolved grant; the
		// Tower reconciles on the next heartbeat or cleanup.
		log.Warn("session registration failed", "error", err)
	}
	cancel()

	// File transfers are tracked with metadata only.
	recordTraffic := h.recordingEnabled && subsystem != "sftp" && !strings.HasPrefix(command, "scp")
	if h.recordingEnabled {
		rec, err := NewRecorder(s.sessionID, h.api, h.spoolDir, log, h.metrics)
		if err != nil {
			log.Warn("recorder unavailable", "error", err)
		} else {
			s.recorder = rec
			rec.SessionStart(dec.dec.PersonUsername, dec.dec.ServerName, dec.login)
		}
	}

	s.mux = NewMultiplexer(s.sessionID, dec.dec.PersonUsername, dec.dec.ServerName)
	s.mux.OnWatcherChange(func(delta int) { h.metrics.WatchersActive.Add(float64(delta)) })
	h.muxes.Add(s.mux)

	h.registry.Register(SessionInfo{
		SessionID: s.sessionID,
		Person:    dec.dec.PersonUsername,
		Backend:   dec.dec.ServerName,
		Login:     dec.login,
		SourceIP:  c.sourceIP,
		StartedAt: time.Now(),
	}, s.close)
	if dec.dec.EffectiveEndTime != nil {
		h.registry.SetGrantEnd(s.sessionID, *dec.dec.EffectiveEndTime)
	}
	h.metrics.ActiveSessions.Inc()

	timeout := h.inactivityTimeout
	if dec.dec.InactivityTimeoutMinutes > 0 {
		timeout = time.Duration(dec.dec.InactivityTimeoutMinutes) * time.Minute
	}
	s.monitor = NewMonitor(h.registry, s.sessionID, s.channel, timeout, log)
	go s.monitor.Run()

	s.channel.Write(titleSequence(fmt.Sprintf("%s via %s", dec.dec.ServerName, h.gateName)))
	log.Info("session forwarding",
		"person", dec.dec.PersonUsername,
		"backend", dec.dec.ServerName,
		"subsystem", subsystem,
	)

	if err := s.forward(bc, command, subsystem, recordTraffic); err != nil {
		log.Info("session ended with error", "error", err)
	}
	s.close("client_disconnect")
}

// accessSnapshot is the connection's resolved access taken under the
// lock.
type accessSnapshot struct {
	dec   *gate.AccessDecision
	login string
	cred  credClass
}

// forward wires the client channel to a backend session and blocks
// until the backend command exits or the client goes away.
func (s *session) forward(bc *ssh.Client, command, subsystem string, recordTraffic bool) error {
	bs, err := bc.NewSession()
	if err != nil {
		return fmt.Errorf("backend session: %w", err)
	}
	s.mu.Lock()
	s.backendSess = bs
	s.mu.Unlock()
	defer bs.Close()

	stdin, err := bs.StdinPipe()
	if err != nil {
		return fmt.Errorf("backend stdin: %w", err)
	}
	stdout, err := bs.StdoutPipe()
	if err != nil {
		return fmt.Errorf("backend stdout: %w", err)
	}
	stderr, err := bs.StderrPipe()
	if err != nil {
		return fmt.Errorf("backend stderr: %w", err)
	}
	s.mu.Lock()
	s.stdin = stdin
	hasPty, pty := s.hasPty, s.pty
	s.mu.Unlock()

	if hasPty {
		modes := ssh.TerminalModes{ssh.ECHO: 1, ssh.TTY_OP_ISPEED: 14400, ssh.TTY_OP_OSPEED: 14400}
		term := pty.Term
		if term == "" {
			term = "xterm"
		}
		if err := bs.RequestPty(term, int(pty.Height), int(pty.Width), modes); err != nil {
			return fmt.Errorf("backend pty: %w", err)
		}
	}

	switch {
	case subsystem != "":
		err = bs.RequestSubsystem(subsystem)
	case command != "":
		err = bs.Start(command)
	default:
		err = bs.Shell()
	}
	if err != nil {
		return fmt.Errorf("backend start: %w", err)
	}

	// Backend to client, through the recorder and the multiplexer.
	go s.pump(stdout, s.channel, recordTraffic, false)
	go io.Copy(s.channel.Stderr(), stderr)

	// Client to backend, plus input injected by joined spectators.
	go s.pumpClient(stdin, recordTraffic)
	go s.drainInjected(stdin)

	err = bs.Wait()
	status := uint32(0)
	if exitErr, ok := err.(*ssh.ExitError); ok {
		status = uint32(exitErr.ExitStatus())
		err = nil
	}
	s.channel.SendRequest("exit-status", false, ssh.Marshal(exitStatusPayload{Status: status}))
	return err
}

// pump copies backend output to the client, feeding the recorder and
// every attached spectator on the way.
func (s *session) pump(src io.Reader, dst io.Writer, record, client bool) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			data := buf[:n]
			s.pc.h.registry.Touch(s.sessionID)
			if record && s.recorder != nil {
				if client {
					s.recorder.Client(data)
				} else {
					s.recorder.Server(data)
				}
			}
			if !client && s.mux != nil {
				s.mux.Broadcast(data)
			}
			if _, werr := dst.Write(data); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *session) pumpClient(stdin io.WriteCloser, record bool) {
	s.pump(s.channel, stdin, record, true)
	stdin.Close()
}

// drainInjected feeds spectator keystrokes into the backend between
// client reads.
func (s *session) drainInjected(stdin io.Writer) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			for _, chunk := range s.mux.DrainInput() {
				if _, err := stdin.Write(chunk); err != nil {
					return
				}
				s.pc.h.registry.Touch(s.sessionID)
			}
		}
	}
}

// close is the converged teardown. Every trigger (client disconnect,
// grant expiry, forced disconnect, idle timeout) lands here; only the
// first reason wins.
func (s *session) close(reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		c := s.pc
		h := c.h

		if s.monitor != nil {
			s.monitor.Stop()
		}
		if s.mux != nil {
			s.mux.Deactivate()
			h.muxes.Remove(s.sessionID)
		}
		if s.sessionID != "" {
			h.registry.Unregister(s.sessionID)
			h.metrics.ActiveSessions.Dec()
			h.metrics.SessionsTotal.WithLabelValues(reason).Inc()
		}
		if s.recorder != nil {
			s.recorder.Close(reason)
		}

		if s.sessionID != "" {
			ended := time.Now().UTC()
			active := false
			ctx, cancel := context.WithTimeout(context.Background(), backendDialTimeout)
			err := h.api.EndSession(ctx, s.sessionID, gate.SessionEnd{
				EndedAt:           &ended,
				IsActive:          &active,
				TerminationReason: reason,
			})
			cancel()
			if err != nil {
				c.log.Warn("session end report failed", "session_id", s.sessionID, "error", err)
			}
		}

		s.mu.Lock()
		bs := s.backendSess
		s.mu.Unlock()
		if bs != nil {
			bs.Close()
		}
		s.channel.Close()
		c.log.Info("session closed", "session_id", s.sessionID, "reason", reason)
	})
}

// runSpectator attaches this channel to a live session's multiplexer.
// target optionally names a session ID; otherwise the spectator lands
// on the first live session for the resolved backend.
func (s *session) runSpectator(mode WatchMode, target string) {
	c := s.pc

	c.mu.Lock()
	dec := c.decision
	c.mu.Unlock()

	mux, ok := s.findMux(target, dec.ServerName)
	if !ok {
		fmt.Fprintf(s.channel, "towergate: no live session to %s\r\n", mode)
		s.channel.Close()
		return
	}

	watcherID := fmt.Sprintf("%s-%s", dec.PersonUsername, uuid.NewString()[:8])
	out, err := mux.Attach(watcherID, mode)
	if err != nil {
		fmt.Fprintf(s.channel, "towergate: %v\r\n", err)
		s.channel.Close()
		return
	}
	c.log.Info("spectator attached", "session_id", mux.SessionID, "mode", mode, "watcher", watcherID)

	go func() {
		for data := range out {
			if _, err := s.channel.Write(data); err != nil {
				mux.Detach(watcherID)
				return
			}
		}
		s.channel.Close()
	}()

	buf := make([]byte, 4*1024)
	for {
		n, err := s.channel.Read(buf)
		if n > 0 && mode == ModeJoin {
			if err := mux.Inject(watcherID, buf[:n]); err != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	mux.Detach(watcherID)
	s.channel.Close()
}

func (s *session) findMux(target, backend string) (*Multiplexer, bool) {
	if target != "" {
		return s.pc.h.muxes.Get(target)
	}
	for _, id := range s.pc.h.muxes.List() {
		if m, ok := s.pc.h.muxes.Get(id); ok && m.Backend == backend {
			return m, true
		}
	}
	return nil, false
}
