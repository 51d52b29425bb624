package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/towergate/towergate/internal/gate"
)

// TowerAPI is what the connection handler needs from the Tower client.
type TowerAPI interface {
	CheckAccess(ctx context.Context, req gate.CheckRequest) (*gate.AccessDecision, error)
	StartSession(ctx context.Context, start gate.SessionStart) (*gate.SessionStartResult, error)
	EndSession(ctx context.Context, sessionID string, end gate.SessionEnd) error
	RecordingSink
}

// Reserved logins that attach to a live session instead of opening one.
const (
	loginWatch = "watch"
	loginJoin  = "join"
)

const backendDialTimeout = 10 * time.Second

// Handler proxies one accepted TCP connection as a man-in-the-middle
// SSH server/client pair.
type Handler struct {
	api      TowerAPI
	registry *Registry
	muxes    *MuxRegistry
	banners  *Banners
	metrics  *Metrics
	log      *slog.Logger

	hostKey  ssh.Signer
	gateName string
	proxyIP  string

	recordingEnabled  bool
	spoolDir          string
	inactivityTimeout time.Duration
}

// HandlerConfig collects the handler's wiring.
type HandlerConfig struct {
	API      TowerAPI
	Registry *Registry
	Muxes    *MuxRegistry
	Banners  *Banners
	Metrics  *Metrics
	Log      *slog.Logger

	HostKey  ssh.Signer
	GateName string
	ProxyIP  string

	RecordingEnabled  bool
	SpoolDir          string
	InactivityTimeout time.Duration
}

func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		api:               cfg.API,
		registry:          cfg.Registry,
		muxes:             cfg.Muxes,
		banners:           cfg.Banners,
		metrics:           cfg.Metrics,
		log:               cfg.Log,
		hostKey:           cfg.HostKey,
		gateName:          cfg.GateName,
		proxyIP:           cfg.ProxyIP,
		recordingEnabled:  cfg.RecordingEnabled,
		spoolDir:          cfg.SpoolDir,
		inactivityTimeout: cfg.InactivityTimeout,
	}
}

// credClass is how the client authenticated. The backend re-auth uses
// the same class, never a stored secret.
type credClass int

const (
	credNone credClass = iota
	credPassword
	credAgent
	credInteractive
)

// proxyConn is the per-connection state. Auth callbacks and the channel
// handlers all close over it.
type proxyConn struct {
	h *Handler

	sourceIP string
	destIP   string
	destPort int

	mu       sync.Mutex
	decision *gate.AccessDecision
	denial   string
	login    string
	cred     credClass
	password string

	agentRequested bool
	forwards       map[string]net.Listener

	sconn         *ssh.ServerConn
	backendClient *ssh.Client
	backendErr    error
	backendOnce   sync.Once

	log *slog.Logger
}

// Handle drives one accepted connection to completion. All failures end
// with this one connection closed and logged; the listener is never
// affected.
func (h *Handler) Handle(nc net.Conn) {
	defer nc.Close()

	sourceIP, _, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		h.log.Warn("unparseable remote address", "addr", nc.RemoteAddr())
		return
	}
	// In NAT mode the pool IP we accepted on is the destination; with a
	// transparent socket the kernel preserves the original destination
	// as the local address. Same extraction either way.
	destIP, destPort, err := originalDestination(nc)
	if err != nil {
		h.log.Warn("cannot determine destination", "source_ip", sourceIP, "error", err)
		return
	}

	pc := &proxyConn{
		h:        h,
		sourceIP: sourceIP,
		destIP:   destIP,
		destPort: destPort,
		log:      h.log.With("source_ip", sourceIP, "destination_ip", destIP),
	}

	sconn, chans, reqs, err := ssh.NewServerConn(nc, pc.serverConfig())
	if err != nil {
		pc.log.Info("handshake failed", "error", err)
		return
	}
	pc.sconn = sconn
	defer sconn.Close()
	defer pc.closeBackend()
	defer pc.closeForwards()

	pc.log = pc.log.With("login", sconn.User())
	pc.log.Info("client authenticated")

	go pc.handleGlobalRequests(reqs)
	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			go pc.handleSession(newChan)
		case "direct-tcpip":
			go pc.handleDirectTCPIP(newChan)
		default:
			newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

func originalDestination(nc net.Conn) (string, int, error) {
	host, port, err := net.SplitHostPort(nc.LocalAddr().String())
	if err != nil {
		return "", 0, err
	}
	var p int
	if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
		return "", 0, err
	}
	return host, p, nil
}

// serverConfig builds the per-connection SSH server config. A denial
// resolved during auth leaves the banner carrying the templated denial
// message, and publickey is the only method that keeps being offered so
// clients terminate without a useless password prompt.
func (c *proxyConn) serverConfig() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		ServerVersion: "SSH-2.0-TowerGate",
		BannerCallback: func(conn ssh.ConnMetadata) string {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.denial == "" {
				return ""
			}
			var person, backend string
			if c.decision != nil {
				person = c.decision.PersonUsername
				backend = c.decision.ServerName
			}
			return c.h.banners.Denial(c.denial, person, backend)
		},
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if c.denied() {
				return nil, fmt.Errorf("access denied")
			}
			if _, err := c.check(conn.User(), ""); err != nil {
				return nil, err
			}
			c.mu.Lock()
			c.cred = credPassword
			c.password = string(password)
			c.mu.Unlock()
			return nil, nil
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if _, err := c.check(conn.User(), ssh.FingerprintSHA256(key)); err != nil {
				return nil, err
			}
			// The key is never stored or reused. Backend auth replays
			// the client's identity through a forwarded agent, which
			// the client must offer once the session channel opens.
			c.mu.Lock()
			c.cred = credAgent
			c.mu.Unlock()
			return nil, nil
		},
		KeyboardInteractiveCallback: func(conn ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			if _, err := c.check(conn.User(), ""); err != nil {
				return nil, err
			}
			// Only devices that accept a bare connection get the
			// interactive path; anything else sends the client back to
			// password auth.
			if !c.backendAcceptsNoAuth() {
				return nil, fmt.Errorf("keyboard-interactive not supported for this destination")
			}
			c.mu.Lock()
			c.cred = credInteractive
			c.mu.Unlock()
			return nil, nil
		},
		AuthLogCallback: func(conn ssh.ConnMetadata, method string, err error) {
			if err != nil && method != "none" {
				c.log.Debug("auth attempt failed", "login", conn.User(), "method", method)
			}
		},
	}
	cfg.AddHostKey(c.h.hostKey)
	return cfg
}

func (c *proxyConn) denied() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.denial != ""
}

// check resolves access for the attempted login, cached for the
// connection's lifetime. Spectator logins resolve against the
// destination without a login filter; which session they may see is
// decided when the channel opens.
func (c *proxyConn) check(login, fingerprint string) (*gate.AccessDecision, error) {
	c.mu.Lock()
	if c.decision != nil && c.decision.Allowed && c.login == login {
		dec := c.decision
		c.mu.Unlock()
		return dec, nil
	}
	c.mu.Unlock()

	req := gate.CheckRequest{
		SourceIP:          c.sourceIP,
		DestinationIP:     c.destIP,
		Protocol:          "ssh",
		SSHLogin:          login,
		SSHKeyFingerprint: fingerprint,
	}
	if login == loginWatch || login == loginJoin {
		req.SSHLogin = ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), backendDialTimeout)
	defer cancel()
	dec, err := c.h.api.CheckAccess(ctx, req)
	if err != nil {
		c.log.Error("access check failed", "error", err)
		c.setDenial(nil, "internal_error")
		return nil, fmt.Errorf("access check unavailable")
	}

	if dec.MFARequired {
		c.log.Info("access pending out-of-band verification")
		c.setDenial(dec, "mfa_pending")
		return nil, fmt.Errorf("verification pending")
	}
	if !dec.Allowed {
		c.h.metrics.DecisionsTotal.WithLabelValues("denied").Inc()
		c.log.Info("access denied", "denial_reason", dec.DenialReason)
		c.setDenial(dec, dec.DenialReason)
		return nil, fmt.Errorf("access denied")
	}

	c.h.metrics.DecisionsTotal.WithLabelValues("allowed").Inc()
	c.mu.Lock()
	c.decision = dec
	c.denial = ""
	c.login = login
	c.mu.Unlock()
	return dec, nil
}

func (c *proxyConn) setDenial(dec *gate.AccessDecision, reason string) {
	c.mu.Lock()
	c.decision = dec
	c.denial = reason
	c.mu.Unlock()
}

// backendAcceptsNoAuth probes whether the destination lets a connection
// in without credentials, the trait of switch-like devices that only
// speak dumb interactive prompts.
func (c *proxyConn) backendAcceptsNoAuth() bool {
	addr := net.JoinHostPort(c.destIP, fmt.Sprintf("%d", c.destPort))
	conn, err := net.DialTimeout("tcp", addr, backendDialTimeout)
	if err != nil {
		return false
	}
	defer conn.Close()

	cfg := &ssh.ClientConfig{
		User:            c.sconn.User(),
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         backendDialTimeout,
	}
	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		return false
	}
	ssh.NewClient(cc, chans, reqs).Close()
	return true
}

// backend dials the resolved backend once per connection,
// authenticating with the same credential class the client presented.
func (c *proxyConn) backend() (*ssh.Client, error) {
	c.backendOnce.Do(func() {
		c.backendClient, c.backendErr = c.dialBackend()
	})
	return c.backendClient, c.backendErr
}

func (c *proxyConn) closeBackend() {
	c.mu.Lock()
	client := c.backendClient
	c.mu.Unlock()
	if client != nil {
		client.Close()
	}
}

func (c *proxyConn) dialBackend() (*ssh.Client, error) {
	c.mu.Lock()
	dec := c.decision
	cred := c.cred
	password := c.password
	login := c.login
	agentRequested := c.agentRequested
	c.mu.Unlock()

	if dec == nil || !dec.Allowed {
		return nil, fmt.Errorf("no access decision")
	}

	host, port := dec.ServerIP, dec.ServerPort
	if host == "" {
		host, port = c.destIP, c.destPort
	}
	if port == 0 {
		port = 22
	}

	var auth []ssh.AuthMethod
	switch cred {
	case credPassword:
		auth = []ssh.AuthMethod{ssh.Password(password)}
	case credAgent:
		if !agentRequested {
			return nil, fmt.Errorf("publickey auth requires agent forwarding (ssh -A)")
		}
		ch, reqs, err := c.sconn.OpenChannel("auth-agent@openssh.com", nil)
		if err != nil {
			return nil, fmt.Errorf("open agent channel: %w", err)
		}
		go ssh.DiscardRequests(reqs)
		auth = []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(ch).Signers)}
	case credInteractive:
		// The probe showed the device accepts a bare connection.
	default:
		return nil, fmt.Errorf("no client credential captured")
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, backendDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial backend %s: %w", addr, err)
	}

	cfg := &ssh.ClientConfig{
		User:            login,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         backendDialTimeout,
	}
	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("backend rejected your credentials for %q; check the login and key or password", login)
		}
		return nil, fmt.Errorf("backend handshake: %w", err)
	}

	client := ssh.NewClient(cc, chans, reqs)
	c.mu.Lock()
	c.backendClient = client
	c.mu.Unlock()
	c.log.Info("backend connected", "backend", addr)
	return client, nil
}

// portForwardingAllowed reports the resolved policy's flag.
func (c *proxyConn) portForwardingAllowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decision != nil && c.decision.PortForwardingAllowed
}
