package proxy

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sys/unix"
)

// Server accepts proxied SSH connections. In NAT mode it binds pool IPs
// directly; in transparent mode the listener carries IP_TRANSPARENT so
// redirected connections keep their original destination address.
type Server struct {
	addr        string
	transparent bool
	handler     *Handler
	log         *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewServer wires a listener to a connection handler. mode is "nat" or
// "tproxy".
func NewServer(addr, mode string, handler *Handler, log *slog.Logger) (*Server, error) {
	if addr == "" {
		return nil, errors.New("listen address required")
	}
	if mode != "nat" && mode != "tproxy" {
		return nil, fmt.Errorf("unknown ingress mode %q", mode)
	}
	return &Server{
		addr:        addr,
		transparent: mode == "tproxy",
		handler:     handler,
		log:         log,
	}, nil
}

// Start opens the listener and begins accepting in the background.
func (s *Server) Start() error {
	lc := net.ListenConfig{}
	if s.transparent {
		lc.Control = func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1)
			})
			if err != nil {
				return err
			}
			return opErr
		}
	}

	listener, err := lc.Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("proxy listening", "addr", listener.Addr().String(), "transparent", s.transparent)
	go s.serve(listener)
	return nil
}

// Addr reports the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Close stops accepting. Live sessions keep running until their own
// teardown triggers fire.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) serve(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosed() {
				return
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		go s.handler.Handle(conn)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// LoadOrCreateHostKey returns the gate's SSH host key, generating and
// persisting one on first start.
func LoadOrCreateHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return ssh.ParsePrivateKey(data)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	pemBlock := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)}
	pemBytes := pem.EncodeToMemory(pemBlock)
	if err := os.WriteFile(path, pemBytes, 0600); err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(pemBytes)
}
