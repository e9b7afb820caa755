package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	apnserrors "github.com/kart-io/apnshub/pkg/errors"
)

// Dialer opens an authenticated transport to addr. Implementations must
// complete the TLS handshake before returning.
type Dialer interface {
	Dial(ctx context.Context, addr string, cfg *tls.Config) (net.Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, addr string, cfg *tls.Config) (net.Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, addr string, cfg *tls.Config) (net.Conn, error) {
	return f(ctx, addr, cfg)
}

// TLSDialer dials TCP and performs the TLS client handshake.
type TLSDialer struct {
	KeepAlive time.Duration
}

// Dial implements Dialer.
func (d TLSDialer) Dial(ctx context.Context, addr string, cfg *tls.Config) (net.Conn, error) {
	nd := &net.Dialer{KeepAlive: d.KeepAlive}
	raw, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, apnserrors.NewNetworkError(dialErrorCode(err, apnserrors.ErrNetworkConnection), addr, err)
	}
	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, apnserrors.NewNetworkError(dialErrorCode(err, apnserrors.ErrNetworkSSL), addr, err)
	}
	return conn, nil
}

// dialErrorCode returns ErrNetworkTimeout for deadline failures and fallback
// otherwise.
func dialErrorCode(err error, fallback apnserrors.Code) apnserrors.Code {
	if errors.Is(err, context.DeadlineExceeded) {
		return apnserrors.ErrNetworkTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return apnserrors.ErrNetworkTimeout
	}
	return fallback
}

// serverName returns the host part of addr for SNI and verification.
func serverName(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
