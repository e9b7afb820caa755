// Package manager runs a pool of gateway connections: it dispatches queued
// notifications to writable connections, retries whatever the gateway did
// not confirm, replaces connections that fail or close, runs feedback
// sessions and drains everything on shutdown.
package manager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/kart-io/apnshub/pkg/apns"
	"github.com/kart-io/apnshub/pkg/apns/config"
	"github.com/kart-io/apnshub/pkg/apns/connection"
	"github.com/kart-io/apnshub/pkg/apns/credentials"
	"github.com/kart-io/apnshub/pkg/apns/queue"
	apnserrors "github.com/kart-io/apnshub/pkg/errors"
	"github.com/kart-io/apnshub/pkg/logger"
)

var (
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = apnserrors.New(apnserrors.ErrManagerStarted, "manager has already been started")
	// ErrNotStarted is returned by operations that need a running manager.
	ErrNotStarted = apnserrors.New(apnserrors.ErrManagerNotStarted, "manager has not been started")
	// ErrShutDown is returned once Shutdown has been called.
	ErrShutDown = apnserrors.New(apnserrors.ErrManagerShutDown, "manager has been shut down")
)

const (
	maxReconnectDelay = 30 * time.Second
	eventDrainTimeout = 5 * time.Second
)

// Manager owns the outbound and retry queues and a pool of gateway
// connections.
type Manager struct {
	name       string
	env        config.Environment
	creds      credentials.Source
	cfg        config.ManagerConfig
	log        logger.Logger
	observer   Observer
	dialer     connection.Dialer
	newBackOff func() backoff.BackOff

	queue  *queue.Queue[apns.Notification]
	retry  *queue.Queue[apns.Notification]
	events *queue.Queue[delivery]

	// interrupt wakes the dispatch loop so it re-evaluates its choice.
	interrupt    chan struct{}
	stopDispatch context.CancelFunc
	dispatchDone chan struct{}
	eventsDone   chan struct{}

	// lifecycleMu serializes Start, Shutdown and RequestExpiredTokens.
	lifecycleMu      sync.Mutex
	started          atomic.Bool
	shutDownStarted  atomic.Bool
	shutDownFinished bool
	residual         []apns.Notification

	mu               sync.Mutex
	dispatchRunning  bool
	active           map[*connection.Connection]struct{}
	pendingReplace   int
	activeChanged    chan struct{}
	writable         []*connection.Connection
	writableReady    chan struct{}
	feedback         *connection.FeedbackConnection
	endFeedbackSpan  func(int, error)
	connectionSeq    int
	feedbackSeq      int
	reconnectBackOff backoff.BackOff

	listenersMu sync.Mutex
	listeners   map[int]handler
	listenerSeq int
}

// New creates a manager for env. It fails on nil credentials or an invalid
// configuration.
func New(env config.Environment, creds credentials.Source, cfg config.ManagerConfig, opts ...Option) (*Manager, error) {
	if creds == nil {
		return nil, apnserrors.NewConfigError("credentials", "credential source must not be nil")
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		name:          "apns-manager-" + uuid.NewString(),
		env:           env,
		creds:         creds,
		cfg:           cfg,
		log:           logger.Discard,
		observer:      NopObserver{},
		newBackOff:    defaultBackOff,
		queue:         queue.New[apns.Notification](),
		retry:         queue.New[apns.Notification](),
		events:        queue.New[delivery](),
		interrupt:     make(chan struct{}, 1),
		dispatchDone:  make(chan struct{}),
		eventsDone:    make(chan struct{}),
		active:        make(map[*connection.Connection]struct{}),
		activeChanged: make(chan struct{}),
		writableReady: make(chan struct{}, 1),
		listeners:     make(map[int]handler),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.reconnectBackOff = m.newBackOff()
	return m, nil
}

// Name returns the manager's name.
func (m *Manager) Name() string { return m.name }

// Queue returns the outbound queue. Callers put notifications on it.
func (m *Manager) Queue() *queue.Queue[apns.Notification] { return m.queue }

// RetryQueueLen returns the number of notifications waiting to be resent.
func (m *Manager) RetryQueueLen() int { return m.retry.Len() }

// IsStarted reports whether the manager is started and not shut down.
func (m *Manager) IsStarted() bool {
	return m.started.Load() && !m.shutDownStarted.Load()
}

// IsShutDown reports whether Shutdown has been called.
func (m *Manager) IsShutDown() bool {
	return m.shutDownStarted.Load()
}

// ActiveConnections returns the number of gateway connections that have not
// closed yet.
func (m *Manager) ActiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Start opens the configured number of connections and starts dispatching.
func (m *Manager) Start() error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.shutDownStarted.Load() {
		return ErrShutDown
	}
	if m.started.Load() {
		return ErrAlreadyStarted
	}
	m.log.Info("manager starting", "manager", m.name,
		"connections", m.cfg.ConcurrentConnections, "gateway", m.env.GatewayAddr())

	ctx, cancel := context.WithCancel(context.Background())
	m.stopDispatch = cancel
	m.mu.Lock()
	m.dispatchRunning = true
	m.mu.Unlock()

	for i := 0; i < m.cfg.ConcurrentConnections; i++ {
		m.startConnection()
	}
	go m.eventLoop()
	go m.dispatch(ctx)
	m.started.Store(true)
	return nil
}

func (m *Manager) connectionOptions() []connection.Option {
	opts := []connection.Option{connection.WithLogger(m.log)}
	if m.dialer != nil {
		opts = append(opts, connection.WithDialer(m.dialer))
	}
	return opts
}

func (m *Manager) startConnection() {
	m.mu.Lock()
	m.connectionSeq++
	name := fmt.Sprintf("%s-connection-%d", m.name, m.connectionSeq)
	m.mu.Unlock()

	c, err := connection.New(name, m.env.GatewayAddr(), m.creds, m.cfg.Connection,
		(*connectionListener)(m), m.connectionOptions()...)
	if err != nil {
		// the configuration was validated in New
		m.log.Error("cannot create connection", "manager", m.name, "error", err)
		return
	}

	m.mu.Lock()
	m.active[c] = struct{}{}
	m.notifyActiveLocked()
	m.mu.Unlock()

	go func() {
		// the outcome is reported through the listener
		_ = c.Connect(context.Background())
	}()
}

// scheduleReplacement starts a new connection after the reconnect back-off.
func (m *Manager) scheduleReplacement() {
	m.mu.Lock()
	delay := m.reconnectBackOff.NextBackOff()
	if delay == backoff.Stop {
		delay = maxReconnectDelay
	}
	m.pendingReplace++
	m.mu.Unlock()

	m.log.Debug("replacing failed connection", "manager", m.name, "delay", delay)
	time.AfterFunc(delay, func() {
		if m.shouldReplaceConnection() {
			m.observer.Connection(ConnectionReplaced)
			m.startConnection()
		}
		m.mu.Lock()
		m.pendingReplace--
		m.notifyActiveLocked()
		m.mu.Unlock()
	})
}

// shouldReplaceConnection reports whether a failed or closed connection gets a
// successor. While draining, one is only needed for pending retries.
func (m *Manager) shouldReplaceConnection() bool {
	if !m.shutDownStarted.Load() {
		return true
	}
	m.mu.Lock()
	running := m.dispatchRunning
	m.mu.Unlock()
	return running && !m.retry.IsEmpty()
}

func (m *Manager) removeActive(c *connection.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[c]; !ok {
		m.log.Warn("removing unknown connection", "manager", m.name, "connection", c.Name())
		return
	}
	delete(m.active, c)
	m.notifyActiveLocked()
}

// notifyActiveLocked wakes everything waiting on the active set. m.mu must be held.
func (m *Manager) notifyActiveLocked() {
	close(m.activeChanged)
	m.activeChanged = make(chan struct{})
}

func (m *Manager) wake() {
	select {
	case m.interrupt <- struct{}{}:
	default:
	}
}

func (m *Manager) addWritable(c *connection.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.writable {
		if w == c {
			return
		}
	}
	m.writable = append(m.writable, c)
	select {
	case m.writableReady <- struct{}{}:
	default:
	}
}

func (m *Manager) removeWritable(c *connection.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.writable {
		if w == c {
			m.writable = append(m.writable[:i], m.writable[i+1:]...)
			return
		}
	}
}

// nextWritable returns the connection at the head of the writable set and
// moves it to the back, so contending sends spread over connections.
func (m *Manager) nextWritable(ctx context.Context) (*connection.Connection, bool) {
	for {
		m.mu.Lock()
		if len(m.writable) > 0 {
			c := m.writable[0]
			m.writable = append(m.writable[1:], c)
			m.mu.Unlock()
			return c, true
		}
		m.mu.Unlock()

		select {
		case <-m.writableReady:
		case <-m.interrupt:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (m *Manager) dispatch(ctx context.Context) {
	defer close(m.dispatchDone)
	for ctx.Err() == nil {
		c, ok := m.nextWritable(ctx)
		if !ok {
			continue
		}

		if n, ok := m.retry.Poll(); ok {
			m.send(c, n)
			continue
		}
		if m.shutDownStarted.Load() {
			m.log.Debug("draining connection", "manager", m.name, "connection", c.Name())
			c.DisconnectGracefully()
			m.removeWritable(c)
			continue
		}

		n, err := m.queue.Take(ctx, m.interrupt)
		if err != nil {
			continue
		}
		m.send(c, n)
	}
}

func (m *Manager) send(c *connection.Connection, n apns.Notification) {
	if err := c.Send(n); err != nil {
		// not ready yet; try again elsewhere
		m.log.Debug("connection refused notification", "manager", m.name, "connection", c.Name(), "error", err)
		m.retry.Put(n)
		m.removeWritable(c)
		return
	}
	m.observer.NotificationSent()
}

// RequestExpiredTokens opens a feedback session unless one is already open.
// The collected tokens are delivered to expired-token listeners when the
// session ends.
func (m *Manager) RequestExpiredTokens() error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.shutDownStarted.Load() {
		return ErrShutDown
	}
	if !m.started.Load() {
		return ErrNotStarted
	}

	m.mu.Lock()
	if m.feedback != nil {
		m.mu.Unlock()
		m.log.Debug("feedback session already open", "manager", m.name)
		return nil
	}
	m.feedbackSeq++
	name := fmt.Sprintf("%s-feedback-%d", m.name, m.feedbackSeq)
	f, err := connection.NewFeedback(name, m.env.FeedbackAddr(), m.creds, m.cfg.Feedback,
		(*feedbackListener)(m), m.connectionOptions()...)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.feedback = f
	m.endFeedbackSpan = m.observer.FeedbackSessionStarted()
	m.mu.Unlock()

	go func() {
		_ = f.Connect(context.Background())
	}()
	return nil
}

// endFeedback clears the feedback slot if f still holds it.
func (m *Manager) endFeedback(f *connection.FeedbackConnection, tokens int, err error) {
	m.mu.Lock()
	if m.feedback != f {
		m.mu.Unlock()
		return
	}
	end := m.endFeedbackSpan
	m.feedback = nil
	m.endFeedbackSpan = nil
	m.mu.Unlock()

	if end != nil {
		end(tokens, err)
	}
}

// Shutdown stops accepting work and drains: retries are sent first, then
// every connection is disconnected gracefully. It waits up to timeout for
// the connections to close, or indefinitely when timeout is zero, then
// closes whatever remains. Notifications still pending on a closed
// connection are moved to the retry queue. It returns the notifications left
// in the retry queue. Repeated calls return the same result.
func (m *Manager) Shutdown(timeout time.Duration) ([]apns.Notification, error) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.shutDownStarted.Load() {
		m.log.Warn("manager has already been shut down; shutting down multiple times is harmless, but may indicate a problem elsewhere",
			"manager", m.name)
	} else {
		m.log.Info("manager shutting down", "manager", m.name)
	}
	if m.shutDownFinished {
		return append([]apns.Notification(nil), m.residual...), nil
	}
	if !m.started.Load() {
		return nil, ErrNotStarted
	}

	end := m.observer.ShutdownStarted()
	m.shutDownStarted.Store(true)

	m.mu.Lock()
	f := m.feedback
	m.mu.Unlock()
	if f != nil {
		f.ShutdownImmediately()
	}

	m.wake()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	drained := m.waitForConnections(deadline)

	m.mu.Lock()
	m.dispatchRunning = false
	m.mu.Unlock()
	m.stopDispatch()
	<-m.dispatchDone

	if timeout <= 0 && (!m.retry.IsEmpty() || m.ActiveConnections() > 0) {
		m.log.Error("unbounded shutdown finished with work left over", "manager", m.name,
			"retry", m.retry.Len(), "active", m.ActiveConnections())
	}
	if !drained {
		m.log.Warn("shutdown deadline passed; closing remaining connections", "manager", m.name,
			"active", m.ActiveConnections())
	}

	m.closeRemaining()

	m.clearListeners()
	m.events.Put(delivery{})
	m.awaitEvents()

	m.shutDownFinished = true
	m.residual = m.retry.Snapshot()
	end(len(m.residual))
	m.log.Info("manager shut down", "manager", m.name, "residual", len(m.residual))
	return append([]apns.Notification(nil), m.residual...), nil
}

// closeRemaining closes every active connection immediately and waits until
// each has reported its closure. Frames still queued on a connection are
// handed back as write failures before that, so they land in the retry queue.
func (m *Manager) closeRemaining() {
	for {
		m.mu.Lock()
		remaining := make([]*connection.Connection, 0, len(m.active))
		for c := range m.active {
			remaining = append(remaining, c)
		}
		changed := m.activeChanged
		m.mu.Unlock()

		if len(remaining) == 0 {
			return
		}
		for _, c := range remaining {
			c.DisconnectImmediately()
		}
		<-changed
	}
}

// awaitEvents waits for the event loop to deliver what was published before
// shutdown. A listener that blocks longer than eventDrainTimeout is left
// behind.
func (m *Manager) awaitEvents() {
	timer := time.NewTimer(eventDrainTimeout)
	defer timer.Stop()
	select {
	case <-m.eventsDone:
	case <-timer.C:
		m.log.Warn("listeners still busy after shutdown", "manager", m.name, "waited", eventDrainTimeout)
	}
}

// waitForConnections blocks until no connection is active or pending
// replacement, or until deadline fires. A nil deadline never fires.
func (m *Manager) waitForConnections(deadline <-chan time.Time) bool {
	for {
		m.mu.Lock()
		done := len(m.active) == 0 && m.pendingReplace == 0
		changed := m.activeChanged
		m.mu.Unlock()

		if done {
			return true
		}
		select {
		case <-changed:
		case <-deadline:
			return false
		}
	}
}
