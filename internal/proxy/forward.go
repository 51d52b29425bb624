package proxy

import (
	"fmt"
	"io"
	"net"

	"golang.org/x/crypto/ssh"
)

type directTCPIPPayload struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

type tcpipForwardPayload struct {
	BindAddr string
	BindPort uint32
}

type tcpipForwardReply struct {
	Port uint32
}

// handleDirectTCPIP serves a client -L/-D forward: the target is dialed
// from the backend's side of the tunnel.
func (c *proxyConn) handleDirectTCPIP(newChan ssh.NewChannel) {
	if !c.portForwardingAllowed() {
		newChan.Reject(ssh.Prohibited, "port forwarding is not permitted by your grant")
		return
	}

	var payload directTCPIPPayload
	if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
		newChan.Reject(ssh.ConnectionFailed, "malformed direct-tcpip request")
		return
	}

	bc, err := c.backend()
	if err != nil {
		newChan.Reject(ssh.ConnectionFailed, err.Error())
		return
	}

	target := net.JoinHostPort(payload.DestAddr, fmt.Sprintf("%d", payload.DestPort))
	remote, err := bc.Dial("tcp", target)
	if err != nil {
		newChan.Reject(ssh.ConnectionFailed, fmt.Sprintf("cannot reach %s", target))
		return
	}

	channel, requests, err := newChan.Accept()
	if err != nil {
		remote.Close()
		return
	}
	go ssh.DiscardRequests(requests)

	c.log.Info("forwarding channel opened", "target", target)
	tunnel(channel, remote)
}

// handleGlobalRequests serves -R forwards and keepalives. A
// tcpip-forward listener is opened on the backend's side; the wire
// protocol does not carry the client's intended destination, so the
// bind port doubles as the destination port. Known approximation,
// carried over deliberately.
func (c *proxyConn) handleGlobalRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			c.handleTCPIPForward(req)
		case "cancel-tcpip-forward":
			c.cancelTCPIPForward(req)
		case "keepalive@openssh.com":
			req.Reply(true, nil)
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (c *proxyConn) handleTCPIPForward(req *ssh.Request) {
	if !c.portForwardingAllowed() {
		req.Reply(false, nil)
		return
	}

	var payload tcpipForwardPayload
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		req.Reply(false, nil)
		return
	}

	bc, err := c.backend()
	if err != nil {
		c.log.Warn("remote forward refused, no backend", "error", err)
		req.Reply(false, nil)
		return
	}

	bind := net.JoinHostPort(payload.BindAddr, fmt.Sprintf("%d", payload.BindPort))
	ln, err := bc.Listen("tcp", bind)
	if err != nil {
		c.log.Warn("remote forward listen failed", "bind", bind, "error", err)
		req.Reply(false, nil)
		return
	}

	boundPort := payload.BindPort
	if boundPort == 0 {
		if _, p, err := net.SplitHostPort(ln.Addr().String()); err == nil {
			fmt.Sscanf(p, "%d", &boundPort)
		}
	}

	c.mu.Lock()
	if c.forwards == nil {
		c.forwards = make(map[string]net.Listener)
	}
	c.forwards[bind] = ln
	c.mu.Unlock()

	req.Reply(true, ssh.Marshal(tcpipForwardReply{Port: boundPort}))
	c.log.Info("remote forward listening", "bind", bind)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go c.relayForwarded(conn, payload.BindAddr, boundPort)
		}
	}()
}

func (c *proxyConn) relayForwarded(conn net.Conn, bindAddr string, port uint32) {
	originAddr, originPort := "0.0.0.0", uint32(0)
	if host, p, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		originAddr = host
		fmt.Sscanf(p, "%d", &originPort)
	}

	channel, requests, err := c.sconn.OpenChannel("forwarded-tcpip", ssh.Marshal(directTCPIPPayload{
		DestAddr:   bindAddr,
		DestPort:   port,
		OriginAddr: originAddr,
		OriginPort: originPort,
	}))
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(requests)
	tunnel(channel, conn)
}

func (c *proxyConn) cancelTCPIPForward(req *ssh.Request) {
	var payload tcpipForwardPayload
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		req.Reply(false, nil)
		return
	}
	bind := net.JoinHostPort(payload.BindAddr, fmt.Sprintf("%d", payload.BindPort))

	c.mu.Lock()
	ln := c.forwards[bind]
	delete(c.forwards, bind)
	c.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	req.Reply(ln != nil, nil)
}

func (c *proxyConn) closeForwards() {
	c.mu.Lock()
	listeners := c.forwards
	c.forwards = nil
	c.mu.Unlock()
	for _, ln := range listeners {
		ln.Close()
	}
}

// tunnel copies both directions until either side closes.
func tunnel(a, b io.ReadWriteCloser) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
	a.Close()
	b.Close()
}
