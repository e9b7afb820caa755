package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/kart-io/apnshub/pkg/apns"
	"github.com/kart-io/apnshub/pkg/apns/codec"
	"github.com/kart-io/apnshub/pkg/apns/config"
	"github.com/kart-io/apnshub/pkg/apns/credentials"
	apnserrors "github.com/kart-io/apnshub/pkg/errors"
	"github.com/kart-io/apnshub/pkg/logger"
)

// FeedbackListener receives the events of a FeedbackConnection.
type FeedbackListener interface {
	HandleFeedbackSuccess(f *FeedbackConnection)
	HandleFeedbackFailure(f *FeedbackConnection, cause error)
	HandleExpiredToken(f *FeedbackConnection, token apns.ExpiredToken)
	HandleFeedbackClosure(f *FeedbackConnection, tokens []apns.ExpiredToken)
}

// FeedbackConnection is one session against the expired-token feed. The
// service sends its records and then goes quiet; a read timeout ends the
// session.
type FeedbackConnection struct {
	name     string
	addr     string
	creds    credentials.Source
	cfg      config.FeedbackConfig
	listener FeedbackListener
	dialer   Dialer
	log      logger.Logger

	started atomic.Bool
	t       tomb.Tomb

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	conn   net.Conn
	tokens []apns.ExpiredToken
}

// NewFeedback creates an unconnected feedback session against addr.
func NewFeedback(name, addr string, creds credentials.Source, cfg config.FeedbackConfig, listener FeedbackListener, opts ...Option) (*FeedbackConnection, error) {
	if creds == nil {
		return nil, apnserrors.New(apnserrors.ErrMissingConfig, "credential source must not be nil")
	}
	if listener == nil {
		return nil, apnserrors.New(apnserrors.ErrMissingConfig, "feedback listener must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &FeedbackConnection{
		name:     name,
		addr:     addr,
		creds:    creds,
		cfg:      cfg,
		listener: listener,
		dialer:   o.dialer,
		log:      o.log,
	}, nil
}

// Name returns the session's name.
func (f *FeedbackConnection) Name() string { return f.name }

func (f *FeedbackConnection) String() string { return "FeedbackConnection[" + f.name + "]" }

// Connect dials the feedback service and starts reading records. It may be
// called only once.
func (f *FeedbackConnection) Connect(ctx context.Context) error {
	if !f.started.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}

	dialCtx, cancel := context.WithTimeout(ctx, f.cfg.DialTimeout)
	defer cancel()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		err := apnserrors.Wrap(net.ErrClosed, apnserrors.ErrNetworkConnection, "feedback session shut down before connecting")
		f.listener.HandleFeedbackFailure(f, err)
		return err
	}
	f.cancel = cancel
	f.mu.Unlock()

	f.log.Debug("connecting to feedback service", "feedback", f.name, "addr", f.addr)

	conn, err := f.dial(dialCtx)
	if err == nil {
		f.mu.Lock()
		f.cancel = nil
		if f.closed {
			_ = conn.Close()
			err = apnserrors.Wrap(net.ErrClosed, apnserrors.ErrNetworkConnection, "feedback session shut down during handshake")
		} else {
			f.conn = conn
		}
		f.mu.Unlock()
	}
	if err != nil {
		f.log.Debug("failed to connect to feedback service", "feedback", f.name, "error", err)
		f.listener.HandleFeedbackFailure(f, err)
		return err
	}

	f.listener.HandleFeedbackSuccess(f)
	f.t.Go(f.readLoop)
	go f.awaitClosure()
	return nil
}

func (f *FeedbackConnection) dial(ctx context.Context) (net.Conn, error) {
	tlsCfg, err := f.creds.TLSConfig(serverName(f.addr))
	if err != nil {
		return nil, err
	}
	return f.dialer.Dial(ctx, f.addr, tlsCfg)
}

func (f *FeedbackConnection) readLoop() error {
	r := codec.NewReader(f.conn)
	for {
		if err := f.conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout)); err != nil {
			return err
		}
		token, err := r.ReadExpiredToken()
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				f.log.Debug("feedback read timed out, ending session", "feedback", f.name)
				return nil
			case errors.Is(err, io.EOF):
				f.log.Debug("feedback service closed the session", "feedback", f.name)
				return nil
			}
			select {
			case <-f.t.Dying():
				return nil
			default:
			}
			f.log.Warn("feedback read failed", "feedback", f.name, "error", err)
			return err
		}
		f.log.Debug("received expired token", "feedback", f.name, "token", token)

		f.mu.Lock()
		f.tokens = append(f.tokens, token)
		f.mu.Unlock()
		f.listener.HandleExpiredToken(f, token)
	}
}

func (f *FeedbackConnection) awaitClosure() {
	err := f.t.Wait()
	_ = f.conn.Close()

	f.mu.Lock()
	f.closed = true
	tokens := f.tokens
	f.tokens = nil
	f.mu.Unlock()

	if err != nil {
		f.log.Debug("feedback session closed", "feedback", f.name, "tokens", len(tokens), "error", err)
	} else {
		f.log.Debug("feedback session closed", "feedback", f.name, "tokens", len(tokens))
	}
	f.listener.HandleFeedbackClosure(f, tokens)
}

// ShutdownImmediately ends the session. Tokens received so far are still
// delivered with the closure.
func (f *FeedbackConnection) ShutdownImmediately() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cancel != nil {
		f.cancel()
	}
	if f.conn == nil {
		f.closed = true
		return
	}
	f.t.Kill(nil)
	_ = f.conn.Close()
}

// Done returns a channel closed once the session is ending.
func (f *FeedbackConnection) Done() <-chan struct{} {
	return f.t.Dying()
}
