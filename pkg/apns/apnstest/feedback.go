package apnstest

import (
	"crypto/tls"
	"net"
	"sync"

	"github.com/kart-io/apnshub/pkg/apns"
	"github.com/kart-io/apnshub/pkg/apns/codec"
	"github.com/kart-io/apnshub/pkg/apns/credentials"
)

// FeedbackService is a fake expired-token feed. Every connection receives the
// configured tokens; the connection is then closed, or held open until the
// client gives up when SetHoldOpen is set.
type FeedbackService struct {
	certs *Certificates
	ln    net.Listener

	mu       sync.Mutex
	tokens   []apns.ExpiredToken
	hold     bool
	accepted int
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewFeedbackService listens on a random loopback port. A nil certs
// generates a fresh certificate.
func NewFeedbackService(certs *Certificates) (*FeedbackService, error) {
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
	f := &FeedbackService{certs: certs, ln: ln, conns: make(map[net.Conn]struct{})}
	f.wg.Add(1)
	go f.serve()
	return f, nil
}

// Addr returns host:port of the listener.
func (f *FeedbackService) Addr() string { return f.ln.Addr().String() }

// ClientSource returns credentials that trust this service.
func (f *FeedbackService) ClientSource() credentials.Source { return f.certs.ClientSource() }

// SetTokens replaces the records sent to every new connection.
func (f *FeedbackService) SetTokens(tokens ...apns.ExpiredToken) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append([]apns.ExpiredToken(nil), tokens...)
}

// SetHoldOpen keeps connections open after the records were sent.
func (f *FeedbackService) SetHoldOpen(hold bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = hold
}

// Accepted returns how many sessions were opened.
func (f *FeedbackService) Accepted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted
}

// Close stops the listener and closes every connection.
func (f *FeedbackService) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	_ = f.ln.Close()
	for c := range f.conns {
		_ = c.Close()
	}
	f.mu.Unlock()
	f.wg.Wait()
}

func (f *FeedbackService) serve() {
	defer f.wg.Done()
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			_ = conn.Close()
			return
		}
		f.accepted++
		f.conns[conn] = struct{}{}
		tokens := f.tokens
		hold := f.hold
		f.wg.Add(1)
		f.mu.Unlock()

		go f.handle(conn, tokens, hold)
	}
}

func (f *FeedbackService) handle(conn net.Conn, tokens []apns.ExpiredToken, hold bool) {
	defer f.wg.Done()
	defer func() {
		f.mu.Lock()
		delete(f.conns, conn)
		f.mu.Unlock()
		_ = conn.Close()
	}()

	if tc, ok := conn.(*tls.Conn); ok {
		if err := tc.Handshake(); err != nil {
			return
		}
	}
	for _, t := range tokens {
		if _, err := conn.Write(codec.EncodeExpiredToken(t)); err != nil {
			return
		}
	}
	if hold {
		// block until the client hangs up or Close runs
		var buf [1]byte
		_, _ = conn.Read(buf[:])
	}
}
