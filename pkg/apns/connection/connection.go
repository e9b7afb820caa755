// Package connection implements the protocol state machines of the push
// gateway: Connection streams notifications over one TLS socket and maps
// rejections back to what was sent, FeedbackConnection drains the
// expired-token feed.
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
	"github.com/kart-io/apnshub/pkg/apns/buffer"
	"github.com/kart-io/apnshub/pkg/apns/codec"
	"github.com/kart-io/apnshub/pkg/apns/config"
	"github.com/kart-io/apnshub/pkg/apns/credentials"
	"github.com/kart-io/apnshub/pkg/apns/queue"
	apnserrors "github.com/kart-io/apnshub/pkg/errors"
	"github.com/kart-io/apnshub/pkg/logger"
)

var (
	// ErrNotReady is returned by Send before the TLS handshake completed.
	ErrNotReady = apnserrors.New(apnserrors.ErrConnectionNotReady, "connection has not completed its handshake")
	// ErrDisconnecting is reported for sends on a draining or closed connection.
	ErrDisconnecting = apnserrors.New(apnserrors.ErrConnectionDraining, "connection is disconnecting")
	// ErrNotWritten is reported for frames still queued when the transport
	// closed. The gateway never saw them.
	ErrNotWritten = apnserrors.New(apnserrors.ErrNotificationDropped, "connection closed before the notification was written")
	// ErrAlreadyConnected is returned by a second call to Connect.
	ErrAlreadyConnected = apnserrors.New(apnserrors.ErrConnectionReused, "connection already started a connection attempt")
)

// State is the lifecycle state of a Connection.
type State int32

const (
	Unconnected State = iota
	Handshaking
	Ready
	Disconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Disconnecting:
		return "disconnecting"
	case Closed:
		return "closed"
	default:
		return "invalid"
	}
}

// Listener receives the events of a Connection. Callbacks run on the
// connection's own goroutines and must not block.
type Listener interface {
	HandleConnectionSuccess(c *Connection)
	HandleConnectionFailure(c *Connection, cause error)
	HandleConnectionWritabilityChange(c *Connection, writable bool)
	HandleConnectionClosure(c *Connection)
	HandleWriteFailure(c *Connection, n apns.Notification, cause error)
	HandleRejectedNotification(c *Connection, n apns.Notification, reason apns.RejectionReason)
	HandleUnprocessedNotifications(c *Connection, ns []apns.Notification)
}

// Option configures a Connection or FeedbackConnection.
type Option func(*options)

type options struct {
	dialer Dialer
	log    logger.Logger
}

// WithDialer replaces the default TLS dialer.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

func buildOptions(opts []Option) options {
	o := options{dialer: TLSDialer{KeepAlive: 30 * time.Second}, log: logger.Discard}
	for _, opt := range opts {
		opt(&o)
	}
	o.log = logger.OrDiscard(o.log)
	return o
}

type outbound struct {
	sendable apns.SendableNotification
	frame    []byte
	knownBad bool
}

// Connection is one TLS socket to the gateway. Each sent notification gets
// the next sequence number, starting at 1; the counter wraps after 2^32-1
// sends. Sequence 0 is what the gateway uses when it cannot identify the
// notification it rejected.
type Connection struct {
	name     string
	addr     string
	creds    credentials.Source
	cfg      config.ConnectionConfig
	listener Listener
	dialer   Dialer
	log      logger.Logger

	sent   *buffer.SentBuffer
	writes *queue.Queue[outbound]
	t      tomb.Tomb

	started      atomic.Bool
	lastActivity atomic.Int64

	mu                sync.Mutex
	state             State
	conn              net.Conn
	cancelDial        context.CancelFunc
	nextSeq           uint32
	sendAttempts      int
	rejectionReceived bool
	knownBad          *apns.SendableNotification
	graceTimer        *time.Timer

	writabilityMu sync.Mutex
	pending       int
	writable      bool

	// reportMu orders writability reports; reported is what the listener last saw.
	reportMu sync.Mutex
	reported bool
}

// New creates an unconnected Connection to addr.
func New(name, addr string, creds credentials.Source, cfg config.ConnectionConfig, listener Listener, opts ...Option) (*Connection, error) {
	if creds == nil {
		return nil, apnserrors.New(apnserrors.ErrMissingConfig, "credential source must not be nil")
	}
	if listener == nil {
		return nil, apnserrors.New(apnserrors.ErrMissingConfig, "connection listener must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sent, err := buffer.New(cfg.SentBufferCapacity)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &Connection{
		name:     name,
		addr:     addr,
		creds:    creds,
		cfg:      cfg,
		listener: listener,
		dialer:   o.dialer,
		log:      o.log,
		sent:     sent,
		writes:   queue.New[outbound](),
		nextSeq:  1,
		writable: true,
		reported: true,
	}, nil
}

// Name returns the connection's name.
func (c *Connection) Name() string { return c.name }

// String implements fmt.Stringer.
func (c *Connection) String() string { return "Connection[" + c.name + "]" }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsWritable reports whether the write queue is below its high-water mark.
func (c *Connection) IsWritable() bool {
	c.writabilityMu.Lock()
	defer c.writabilityMu.Unlock()
	return c.writable
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Connect dials the gateway and completes the TLS handshake. It may be called
// only once. The outcome is reported to the listener and returned.
func (c *Connection) Connect(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	c.mu.Lock()
	if c.state == Closed {
		// closed before the attempt began
		c.mu.Unlock()
		err := apnserrors.Wrap(net.ErrClosed, apnserrors.ErrNetworkConnection, "connection closed before connecting")
		c.listener.HandleConnectionFailure(c, err)
		return err
	}
	c.state = Handshaking
	c.cancelDial = cancel
	c.mu.Unlock()

	c.log.Debug("beginning connection process", "connection", c.name, "addr", c.addr)

	conn, err := c.dial(dialCtx)
	if err != nil {
		c.mu.Lock()
		c.state = Closed
		c.cancelDial = nil
		c.mu.Unlock()
		c.log.Debug("failed to connect", "connection", c.name, "error", err)
		c.listener.HandleConnectionFailure(c, err)
		return err
	}

	c.mu.Lock()
	c.cancelDial = nil
	if c.state == Closed {
		c.mu.Unlock()
		_ = conn.Close()
		err := apnserrors.Wrap(net.ErrClosed, apnserrors.ErrNetworkConnection, "connection closed during handshake")
		c.listener.HandleConnectionFailure(c, err)
		return err
	}
	c.conn = conn
	c.state = Ready
	c.mu.Unlock()

	c.touch()
	c.log.Debug("completed TLS handshake", "connection", c.name)

	c.t.Go(c.readLoop)
	c.t.Go(c.writeLoop)
	if c.cfg.CloseAfterInactivity > 0 {
		c.t.Go(c.idleLoop)
	}

	c.listener.HandleConnectionSuccess(c)
	go c.awaitClosure()
	return nil
}

func (c *Connection) dial(ctx context.Context) (net.Conn, error) {
	tlsCfg, err := c.creds.TLSConfig(serverName(c.addr))
	if err != nil {
		return nil, err
	}
	return c.dialer.Dial(ctx, c.addr, tlsCfg)
}

// Send writes n to the gateway. It fails with ErrNotReady before the
// handshake completed. Every other outcome is reported to the listener: a
// write failure if the connection is draining or the transport fails, a
// rejection if n cannot be encoded.
func (c *Connection) Send(n apns.Notification) error {
	c.mu.Lock()
	switch c.state {
	case Unconnected, Handshaking:
		c.mu.Unlock()
		return ErrNotReady
	case Disconnecting, Closed:
		c.mu.Unlock()
		c.listener.HandleWriteFailure(c, n, ErrDisconnecting)
		c.countAttempt()
		return nil
	}

	s := apns.SendableNotification{Notification: n, SequenceNumber: c.nextSeq}
	frame, err := codec.Encode(s)
	if err != nil {
		c.mu.Unlock()
		c.log.Warn("cannot encode notification", "connection", c.name, "notification", n, "error", err)
		c.listener.HandleRejectedNotification(c, n, encodeRejection(n))
		c.countAttempt()
		return nil
	}
	c.nextSeq++
	c.log.Debug("sending notification", "connection", c.name, "seq", s.SequenceNumber)
	changed := c.enqueueLocked(outbound{sendable: s, frame: frame})
	c.mu.Unlock()

	if changed {
		c.reportWritability()
	}
	c.countAttempt()
	return nil
}

// encodeRejection picks the status the gateway would have answered with.
func encodeRejection(n apns.Notification) apns.RejectionReason {
	if len(n.Token) > codec.MaxTokenLength {
		return apns.InvalidTokenSize
	}
	return apns.InvalidPayloadSize
}

func (c *Connection) countAttempt() {
	if c.cfg.SendAttemptLimit <= 0 {
		return
	}
	c.mu.Lock()
	c.sendAttempts++
	reached := c.sendAttempts >= c.cfg.SendAttemptLimit
	c.mu.Unlock()

	if reached {
		c.log.Debug("reached send attempt limit, disconnecting gracefully", "connection", c.name)
		c.DisconnectGracefully()
	}
}

// enqueueLocked hands a frame to the writer. c.mu must be held so frames
// queue in sequence-number order. It reports whether writability changed.
func (c *Connection) enqueueLocked(o outbound) bool {
	c.writabilityMu.Lock()
	c.pending++
	changed := c.writable && c.pending > c.cfg.WriteQueueHighWater
	if changed {
		c.writable = false
	}
	c.writabilityMu.Unlock()

	c.writes.Put(o)
	return changed
}

func (c *Connection) dequeued(n int) {
	c.writabilityMu.Lock()
	c.pending -= n
	changed := !c.writable && c.pending <= c.cfg.WriteQueueLowWater
	if changed {
		c.writable = true
	}
	c.writabilityMu.Unlock()

	if changed {
		c.reportWritability()
	}
}

// reportWritability tells the listener the current writability if it
// differs from the last report. Must be called without c.mu held.
func (c *Connection) reportWritability() {
	c.reportMu.Lock()
	defer c.reportMu.Unlock()
	w := c.IsWritable()
	if w == c.reported {
		return
	}
	c.reported = w
	c.listener.HandleConnectionWritabilityChange(c, w)
}

func (c *Connection) writeLoop() error {
	ctx := c.t.Context(context.Background())
	for {
		o, err := c.writes.Take(ctx, nil)
		if err != nil {
			return nil
		}
		c.dequeued(1)

		if _, err := c.conn.Write(o.frame); err != nil {
			c.t.Kill(err)
			c.writeFailed(o, err)
			return nil
		}
		c.touch()
		c.wrote(o)
	}
}

func (c *Connection) wrote(o outbound) {
	if o.knownBad {
		c.log.Debug("wrote known-bad notification", "connection", c.name, "seq", o.sendable.SequenceNumber)
		return
	}

	c.mu.Lock()
	unprocessed := c.rejectionReceived
	if !unprocessed {
		c.sent.Push(o.sendable)
	}
	c.mu.Unlock()

	if unprocessed {
		// the gateway already rejected an earlier notification and ignores
		// everything after it
		c.listener.HandleUnprocessedNotifications(c, []apns.Notification{o.sendable.Notification})
		return
	}
	c.log.Debug("wrote notification", "connection", c.name, "seq", o.sendable.SequenceNumber)
}

func (c *Connection) writeFailed(o outbound, cause error) {
	if o.knownBad {
		c.log.Debug("failed to write known-bad notification", "connection", c.name, "error", cause)
		c.mu.Lock()
		c.knownBad = nil
		c.mu.Unlock()
		c.DisconnectGracefully()
		return
	}
	c.log.Debug("failed to write notification", "connection", c.name,
		"seq", o.sendable.SequenceNumber, "error", cause)
	c.listener.HandleWriteFailure(c, o.sendable.Notification,
		apnserrors.Wrap(cause, apnserrors.ErrMessageSendFailed, "write failed"))
}

func (c *Connection) readLoop() error {
	r := codec.NewReader(c.conn)
	for {
		rejected, command, err := r.ReadRejection()
		if err != nil {
			select {
			case <-c.t.Dying():
				return nil
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.log.Debug("gateway closed the connection", "connection", c.name)
				c.t.Kill(nil)
				return nil
			}
			c.log.Debug("read failed", "connection", c.name, "error", err)
			return err
		}
		c.touch()
		if command != codec.CommandRejection {
			c.log.Error("unexpected command from gateway", "connection", c.name, "command", command)
		}
		c.handleRejection(rejected)
	}
}

func (c *Connection) handleRejection(r apns.RejectedNotification) {
	c.log.Debug("gateway rejected notification", "connection", c.name,
		"seq", r.SequenceNumber, "reason", r.Reason)

	c.mu.Lock()
	c.rejectionReceived = true
	c.sent.PruneBefore(r.SequenceNumber)

	expected := c.knownBad != nil &&
		(r.SequenceNumber == c.knownBad.SequenceNumber ||
			(r.SequenceNumber == 0 && r.Reason == apns.MissingToken))

	var (
		rejected    apns.Notification
		found       bool
		report      = !expected && r.Reason != apns.Shutdown
		unprocessed []apns.Notification
	)
	if report {
		rejected, found = c.sent.Find(r.SequenceNumber)
		if !found {
			low, okLow := c.sent.Lowest()
			high, _ := c.sent.Highest()
			if okLow {
				c.log.Error("failed to find rejected notification; the sent buffer may be too small",
					"connection", c.name, "seq", r.SequenceNumber, "lowest", low, "highest", high,
					"capacity", c.sent.Capacity())
			} else {
				c.log.Error("failed to find rejected notification (buffer is empty); the sent buffer may be too small",
					"connection", c.name, "seq", r.SequenceNumber, "capacity", c.sent.Capacity())
			}
		}
	}
	if r.SequenceNumber != 0 {
		unprocessed = c.sent.AllAfter(r.SequenceNumber)
	}
	c.sent.Clear()
	c.mu.Unlock()

	if found {
		c.listener.HandleRejectedNotification(c, rejected, r.Reason)
	}
	if len(unprocessed) > 0 {
		c.listener.HandleUnprocessedNotifications(c, unprocessed)
	}
}

func (c *Connection) idleLoop() error {
	timeout := c.cfg.CloseAfterInactivity
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-c.t.Dying():
			return nil
		case <-timer.C:
			idle := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idle < timeout {
				timer.Reset(timeout - idle)
				continue
			}
			c.log.Debug("disconnecting gracefully due to inactivity", "connection", c.name, "idle", idle)
			c.DisconnectGracefully()
			timer.Reset(timeout)
		}
	}
}

// DisconnectGracefully sends the known-bad notification so the gateway
// processes everything already written, rejects it and closes the
// connection. It returns true if a graceful disconnect is underway; before
// the handshake or once the transport is gone it closes immediately and
// returns false.
func (c *Connection) DisconnectGracefully() bool {
	c.mu.Lock()
	active := (c.state == Ready || c.state == Disconnecting) && c.t.Alive()
	if !active {
		c.mu.Unlock()
		c.DisconnectImmediately()
		return false
	}
	if c.knownBad == nil {
		kb := apns.KnownBadNotification(c.nextSeq)
		c.nextSeq++
		c.knownBad = &kb
		c.state = Disconnecting
		if c.cfg.GracefulDisconnectTimeout > 0 && c.graceTimer == nil {
			c.graceTimer = time.AfterFunc(c.cfg.GracefulDisconnectTimeout, func() {
				c.log.Debug("graceful disconnect timed out", "connection", c.name)
				c.DisconnectImmediately()
			})
		}
		frame, err := codec.Encode(kb)
		if err != nil {
			// an empty notification always encodes
			panic(err)
		}
		c.log.Debug("sending known-bad notification to disconnect", "connection", c.name, "seq", kb.SequenceNumber)
		if c.enqueueLocked(outbound{sendable: kb, frame: frame, knownBad: true}) {
			defer c.reportWritability()
		}
	}
	c.mu.Unlock()
	return true
}

// DisconnectImmediately closes the transport. It is idempotent.
func (c *Connection) DisconnectImmediately() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Unconnected:
		c.state = Closed
	case Handshaking:
		c.state = Closed
		if c.cancelDial != nil {
			c.cancelDial()
		}
	case Ready, Disconnecting:
		c.t.Kill(nil)
	}
}

func (c *Connection) awaitClosure() {
	<-c.t.Dying()
	_ = c.conn.Close()
	err := c.t.Wait()

	c.mu.Lock()
	c.state = Closed
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}
	c.mu.Unlock()

	// no more frames can be queued once the state is Closed
	for _, o := range c.writes.Drain() {
		if !o.knownBad {
			c.listener.HandleWriteFailure(c, o.sendable.Notification, ErrNotWritten)
		}
	}

	if err != nil {
		c.log.Debug("connection closed", "connection", c.name, "error", err)
	} else {
		c.log.Debug("connection closed", "connection", c.name)
	}
	c.listener.HandleConnectionClosure(c)
}

// Done returns a channel closed once the transport is shutting down.
func (c *Connection) Done() <-chan struct{} {
	return c.t.Dying()
}
