package apnstest

import (
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/kart-io/apnshub/pkg/apns"
	"github.com/kart-io/apnshub/pkg/apns/codec"
	"github.com/kart-io/apnshub/pkg/apns/credentials"
)

// Gateway is a fake push gateway. Like the real one it processes frames in
// order, answers the first bad frame on a connection with a rejection and
// then closes that connection. The known-bad notification is rejected with
// MissingToken.
type Gateway struct {
	certs *Certificates
	ln    net.Listener

	mu         sync.Mutex
	received   []apns.SendableNotification
	rejections map[string]apns.RejectionReason
	conns      map[net.Conn]struct{}
	accepted   int
	refuse     bool
	ignoreBad  bool
	closed     bool
	wg         sync.WaitGroup
}

// NewGateway listens on a random loopback port. A nil certs generates a
// fresh certificate.
func NewGateway(certs *Certificates) (*Gateway, error) {
	if certs == nil {
		var err error
		if certs, err = GenerateCertificates(); err != nil {
			return nil, err
		}
	}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", certs.ServerConfig())
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		certs:      certs,
		ln:         ln,
		rejections: make(map[string]apns.RejectionReason),
		conns:      make(map[net.Conn]struct{}),
	}
	g.wg.Add(1)
	go g.serve()
	return g, nil
}

// Addr returns host:port of the listener.
func (g *Gateway) Addr() string { return g.ln.Addr().String() }

// Certificates returns the certificate the gateway serves.
func (g *Gateway) Certificates() *Certificates { return g.certs }

// ClientSource returns credentials that trust this gateway.
func (g *Gateway) ClientSource() credentials.Source { return g.certs.ClientSource() }

// RejectToken makes the gateway reject every notification for token.
func (g *Gateway) RejectToken(token []byte, reason apns.RejectionReason) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rejections[string(token)] = reason
}

// SetRefuseConnections makes the gateway close new connections right after
// accepting them, before the handshake.
func (g *Gateway) SetRefuseConnections(refuse bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refuse = refuse
}

// SetIgnoreKnownBad makes the gateway silently drop the known-bad
// notification instead of rejecting it and closing.
func (g *Gateway) SetIgnoreKnownBad(ignore bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ignoreBad = ignore
}

// Received returns the notifications accepted so far, in arrival order.
func (g *Gateway) Received() []apns.SendableNotification {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]apns.SendableNotification(nil), g.received...)
}

// ReceivedCount returns how many notifications were accepted.
func (g *Gateway) ReceivedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.received)
}

// Accepted returns how many connections were accepted.
func (g *Gateway) Accepted() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accepted
}

// OpenConnections returns how many connections are currently open.
func (g *Gateway) OpenConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// DropConnections closes every open connection without a rejection.
func (g *Gateway) DropConnections() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.conns {
		_ = c.Close()
	}
}

// Close stops the listener and closes every connection.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	_ = g.ln.Close()
	for c := range g.conns {
		_ = c.Close()
	}
	g.mu.Unlock()
	g.wg.Wait()
}

func (g *Gateway) serve() {
	defer g.wg.Done()
	for {
		conn, err := g.ln.Accept()
		if err != nil {
			return
		}
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			_ = conn.Close()
			return
		}
		g.accepted++
		if g.refuse {
			g.mu.Unlock()
			_ = conn.Close()
			continue
		}
		g.conns[conn] = struct{}{}
		g.wg.Add(1)
		g.mu.Unlock()

		go g.handle(conn)
	}
}

func (g *Gateway) handle(conn net.Conn) {
	defer g.wg.Done()
	defer func() {
		g.mu.Lock()
		delete(g.conns, conn)
		g.mu.Unlock()
		_ = conn.Close()
	}()

	r := codec.NewReader(conn)
	for {
		s, err := r.ReadNotification()
		if err != nil {
			return
		}
		reason, reject := g.judge(s)
		if !reject {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_, _ = conn.Write(codec.EncodeRejection(apns.RejectedNotification{
			SequenceNumber: s.SequenceNumber,
			Reason:         reason,
		}))
		linger(conn)
		return
	}
}

// linger half-closes conn and discards whatever the client still sends, so
// the rejection is not lost to a reset.
func linger(conn net.Conn) {
	if tc, ok := conn.(*tls.Conn); ok {
		_ = tc.CloseWrite()
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _ = io.Copy(io.Discard, conn)
}

// judge records s if it is accepted and otherwise returns the rejection reason.
func (g *Gateway) judge(s apns.SendableNotification) (apns.RejectionReason, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if s.IsKnownBad() {
		if g.ignoreBad {
			return apns.NoError, false
		}
		return apns.MissingToken, true
	}
	if reason, ok := g.rejections[string(s.Token)]; ok {
		return reason, true
	}
	g.received = append(g.received, s)
	return apns.NoError, false
}
