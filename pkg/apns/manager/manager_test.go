package manager

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/apnshub/pkg/apns"
	"github.com/kart-io/apnshub/pkg/apns/apnstest"
	"github.com/kart-io/apnshub/pkg/apns/config"
	apnserrors "github.com/kart-io/apnshub/pkg/errors"
)

const waitFor = 10 * time.Second

type fixture struct {
	certs    *apnstest.Certificates
	gateway  *apnstest.Gateway
	feedback *apnstest.FeedbackService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	certs, err := apnstest.GenerateCertificates()
	require.NoError(t, err)
	gw, err := apnstest.NewGateway(certs)
	require.NoError(t, err)
	t.Cleanup(gw.Close)
	fb, err := apnstest.NewFeedbackService(certs)
	require.NoError(t, err)
	t.Cleanup(fb.Close)
	return &fixture{certs: certs, gateway: gw, feedback: fb}
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, p
}

func (f *fixture) environment(t *testing.T) config.Environment {
	gh, gp := splitAddr(t, f.gateway.Addr())
	fh, fp := splitAddr(t, f.feedback.Addr())
	return config.Environment{GatewayHost: gh, GatewayPort: gp, FeedbackHost: fh, FeedbackPort: fp}
}

func testManagerConfig(connections int) config.ManagerConfig {
	cfg := config.DefaultManagerConfig()
	cfg.ConcurrentConnections = connections
	cfg.Connection.DialTimeout = 2 * time.Second
	cfg.Connection.GracefulDisconnectTimeout = 2 * time.Second
	cfg.Feedback.DialTimeout = 2 * time.Second
	cfg.Feedback.ReadTimeout = 200 * time.Millisecond
	return cfg
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(10 * time.Millisecond)
}

func (f *fixture) manager(t *testing.T, cfg config.ManagerConfig, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithReconnectBackOff(fastBackOff)}, opts...)
	m, err := New(f.environment(t), f.certs.ClientSource(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		if m.IsStarted() {
			_, _ = m.Shutdown(time.Second)
		}
	})
	return m
}

func notification(i int) apns.Notification {
	return apns.NewNotification([]byte{0xAB, byte(i >> 8), byte(i)}, fmt.Sprintf(`{"aps":{"alert":"%d"}}`, i))
}

// countingObserver records what it is told.
type countingObserver struct {
	NopObserver
	sent      atomic.Int64
	rejected  atomic.Int64
	requeued  atomic.Int64
	mu        sync.Mutex
	events    []ConnectionEvent
	shutdowns []int
}

func (o *countingObserver) NotificationSent()                         { o.sent.Add(1) }
func (o *countingObserver) NotificationRejected(apns.RejectionReason) { o.rejected.Add(1) }
func (o *countingObserver) NotificationsRequeued(n int)               { o.requeued.Add(int64(n)) }

func (o *countingObserver) Connection(ev ConnectionEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *countingObserver) ShutdownStarted() func(int) {
	return func(residual int) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.shutdowns = append(o.shutdowns, residual)
	}
}

func TestNew_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := New(f.environment(t), nil, testManagerConfig(1))
	assert.Error(t, err)

	_, err = New(f.environment(t), f.certs.ClientSource(), testManagerConfig(0))
	assert.Error(t, err)

	_, err = New(config.Environment{}, f.certs.ClientSource(), testManagerConfig(1))
	assert.Error(t, err)

	m, err := New(f.environment(t), f.certs.ClientSource(), testManagerConfig(1))
	require.NoError(t, err)
	assert.Contains(t, m.Name(), "apns-manager-")

	named, err := New(f.environment(t), f.certs.ClientSource(), testManagerConfig(1), WithName("push"))
	require.NoError(t, err)
	assert.Equal(t, "push", named.Name())
}

func TestLifecycleErrors(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, testManagerConfig(1))

	_, err := m.Shutdown(0)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, m.RequestExpiredTokens(), ErrNotStarted)
	assert.False(t, m.IsStarted())

	require.NoError(t, m.Start())
	assert.True(t, m.IsStarted())
	assert.ErrorIs(t, m.Start(), ErrAlreadyStarted)

	residual, err := m.Shutdown(time.Second)
	require.NoError(t, err)
	assert.Empty(t, residual)
	assert.True(t, m.IsShutDown())
	assert.False(t, m.IsStarted())

	assert.ErrorIs(t, m.Start(), ErrShutDown)
	assert.ErrorIs(t, m.RequestExpiredTokens(), ErrShutDown)
	_, err = m.RegisterRejectedNotificationListener(RejectedNotificationListenerFunc(
		func(*Manager, apns.Notification, apns.RejectionReason) {}))
	assert.ErrorIs(t, err, ErrShutDown)

	again, err := m.Shutdown(time.Second)
	require.NoError(t, err)
	assert.Equal(t, residual, again)
}

func TestShutdown_DrainsEverything(t *testing.T) {
	f := newFixture(t)
	obs := &countingObserver{}
	m := f.manager(t, testManagerConfig(3), WithObserver(obs))
	require.NoError(t, m.Start())

	const n = 50
	for i := 0; i < n; i++ {
		m.Queue().Put(notification(i))
	}
	require.Eventually(t, func() bool { return f.gateway.ReceivedCount() == n }, waitFor, 10*time.Millisecond)

	residual, err := m.Shutdown(0)
	require.NoError(t, err)
	assert.Empty(t, residual)
	assert.Zero(t, m.ActiveConnections())
	assert.Zero(t, m.RetryQueueLen())
	assert.Equal(t, int64(n), obs.sent.Load())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []int{0}, obs.shutdowns)
	assert.Contains(t, obs.events, ConnectionSucceeded)
	assert.Contains(t, obs.events, ConnectionClosed)
}

func TestRejectedNotificationsAreReportedAndOthersRetried(t *testing.T) {
	f := newFixture(t)
	bad := notification(3)
	f.gateway.RejectToken(bad.Token, apns.InvalidToken)

	m := f.manager(t, testManagerConfig(1))
	rejections := make(chan RejectedNotificationEvent, 10)
	_, err := m.RegisterRejectedNotificationListener(RejectedNotificationListenerFunc(
		func(_ *Manager, n apns.Notification, reason apns.RejectionReason) {
			rejections <- RejectedNotificationEvent{Notification: n, Reason: reason}
		}))
	require.NoError(t, err)
	require.NoError(t, m.Start())

	for i := 1; i <= 6; i++ {
		m.Queue().Put(notification(i))
	}

	select {
	case ev := <-rejections:
		assert.Equal(t, bad, ev.Notification)
		assert.Equal(t, apns.InvalidToken, ev.Reason)
	case <-time.After(waitFor):
		t.Fatal("no rejection reported")
	}

	// the gateway closed the connection; its replacement delivers the rest
	require.Eventually(t, func() bool { return f.gateway.ReceivedCount() == 5 }, waitFor, 10*time.Millisecond)
	seen := make(map[string]int)
	for _, s := range f.gateway.Received() {
		seen[apns.TokenToString(s.Token)]++
	}
	for i := 1; i <= 6; i++ {
		if i == 3 {
			continue
		}
		assert.Equal(t, 1, seen[apns.TokenToString(notification(i).Token)], "notification %d", i)
	}
	assert.GreaterOrEqual(t, f.gateway.Accepted(), 2)

	residual, err := m.Shutdown(0)
	require.NoError(t, err)
	assert.Empty(t, residual)
	assert.Len(t, rejections, 0)
}

func TestSendAttemptLimitRotatesConnections(t *testing.T) {
	f := newFixture(t)
	cfg := testManagerConfig(1)
	cfg.Connection.SendAttemptLimit = 3
	m := f.manager(t, cfg)
	require.NoError(t, m.Start())

	const n = 12
	for i := 0; i < n; i++ {
		m.Queue().Put(notification(i))
	}
	require.Eventually(t, func() bool { return f.gateway.ReceivedCount() == n }, waitFor, 10*time.Millisecond)
	assert.GreaterOrEqual(t, f.gateway.Accepted(), n/3)

	residual, err := m.Shutdown(0)
	require.NoError(t, err)
	assert.Empty(t, residual)
}

func TestFailedConnectionsAreReportedAndReplaced(t *testing.T) {
	f := newFixture(t)
	f.gateway.SetRefuseConnections(true)

	m := f.manager(t, testManagerConfig(1))
	var failures atomic.Int64
	_, err := m.RegisterFailedConnectionListener(FailedConnectionListenerFunc(func(_ *Manager, cause error) {
		assert.Error(t, cause)
		failures.Add(1)
	}))
	require.NoError(t, err)
	require.NoError(t, m.Start())

	require.Eventually(t, func() bool { return failures.Load() >= 3 }, waitFor, 10*time.Millisecond)

	// once the gateway accepts again the queued work goes through
	m.Queue().Put(notification(1))
	f.gateway.SetRefuseConnections(false)
	require.Eventually(t, func() bool { return f.gateway.ReceivedCount() == 1 }, waitFor, 10*time.Millisecond)

	residual, err := m.Shutdown(0)
	require.NoError(t, err)
	assert.Empty(t, residual)
	assert.Zero(t, m.ActiveConnections())
}

func TestShutdown_DeadlineForcesClose(t *testing.T) {
	f := newFixture(t)
	f.gateway.SetIgnoreKnownBad(true)

	cfg := testManagerConfig(2)
	cfg.Connection.GracefulDisconnectTimeout = 0
	m := f.manager(t, cfg)
	require.NoError(t, m.Start())
	require.Eventually(t, func() bool { return f.gateway.OpenConnections() == 2 }, waitFor, 10*time.Millisecond)

	start := time.Now()
	residual, err := m.Shutdown(200 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, residual)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	require.Eventually(t, func() bool { return m.ActiveConnections() == 0 }, waitFor, 10*time.Millisecond)
}

// stalledDialer hands out pipes whose gateway end never reads, so every
// frame written to them stays pending.
type stalledDialer struct {
	mu      sync.Mutex
	servers []net.Conn
}

func (d *stalledDialer) Dial(context.Context, string, *tls.Config) (net.Conn, error) {
	client, server := net.Pipe()
	d.mu.Lock()
	d.servers = append(d.servers, server)
	d.mu.Unlock()
	return client, nil
}

func (d *stalledDialer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.servers {
		_ = s.Close()
	}
}

func TestShutdown_DeadlineReturnsPendingWrites(t *testing.T) {
	f := newFixture(t)
	dialer := &stalledDialer{}
	t.Cleanup(dialer.Close)

	cfg := testManagerConfig(1)
	cfg.Connection.GracefulDisconnectTimeout = 0
	obs := &countingObserver{}
	m := f.manager(t, cfg, WithDialer(dialer), WithObserver(obs))
	require.NoError(t, m.Start())

	const total = 10
	for i := 0; i < total; i++ {
		m.Queue().Put(notification(i))
	}
	require.Eventually(t, func() bool { return obs.sent.Load() == total }, waitFor, 10*time.Millisecond)

	residual, err := m.Shutdown(200 * time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, m.ActiveConnections())

	// nothing reached the gateway, so every notification comes back
	assert.Len(t, residual, total)
	assert.Equal(t, total, m.RetryQueueLen())
	tokens := make(map[string]bool, total)
	for _, n := range residual {
		tokens[string(n.Token)] = true
	}
	assert.Len(t, tokens, total)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []int{total}, obs.shutdowns)
}

func TestShutdown_WaitsForPublishedEvents(t *testing.T) {
	f := newFixture(t)
	f.gateway.SetRefuseConnections(true)

	m := f.manager(t, testManagerConfig(1))
	var entered, finished atomic.Bool
	_, err := m.RegisterFailedConnectionListener(FailedConnectionListenerFunc(func(*Manager, error) {
		if entered.CompareAndSwap(false, true) {
			time.Sleep(200 * time.Millisecond)
			finished.Store(true)
		}
	}))
	require.NoError(t, err)
	require.NoError(t, m.Start())
	require.Eventually(t, entered.Load, waitFor, 5*time.Millisecond)

	_, err = m.Shutdown(time.Second)
	require.NoError(t, err)
	assert.True(t, finished.Load(), "shutdown returned before the listener finished")
}

func TestRequestExpiredTokens_SingleSession(t *testing.T) {
	f := newFixture(t)
	tokens := []apns.ExpiredToken{
		{Token: []byte{1, 2, 3}, Expiration: time.Unix(1_700_000_000, 0)},
		{Token: []byte{4, 5, 6}, Expiration: time.Unix(1_700_000_500, 0)},
	}
	f.feedback.SetTokens(tokens...)
	f.feedback.SetHoldOpen(true)

	m := f.manager(t, testManagerConfig(1))
	delivered := make(chan []apns.ExpiredToken, 4)
	unregister, err := m.RegisterExpiredTokenListener(ExpiredTokenListenerFunc(func(_ *Manager, ts []apns.ExpiredToken) {
		delivered <- ts
	}))
	require.NoError(t, err)
	require.NoError(t, m.Start())

	require.NoError(t, m.RequestExpiredTokens())
	require.NoError(t, m.RequestExpiredTokens())

	select {
	case got := <-delivered:
		require.Len(t, got, 2)
		assert.Equal(t, tokens[0].Token, got[0].Token)
		assert.Equal(t, tokens[1].Token, got[1].Token)
	case <-time.After(waitFor):
		t.Fatal("expired tokens not delivered")
	}
	assert.Equal(t, 1, f.feedback.Accepted())

	// once the session closed a new request opens a new one
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.feedback == nil
	}, waitFor, 10*time.Millisecond)
	unregister()
	require.NoError(t, m.RequestExpiredTokens())
	require.Eventually(t, func() bool { return f.feedback.Accepted() == 2 }, waitFor, 10*time.Millisecond)
	assert.Len(t, delivered, 0)
}

func TestShutdown_ClosesFeedbackSession(t *testing.T) {
	f := newFixture(t)
	f.feedback.SetHoldOpen(true)

	cfg := testManagerConfig(1)
	cfg.Feedback.ReadTimeout = time.Minute
	m := f.manager(t, cfg)
	require.NoError(t, m.Start())
	require.NoError(t, m.RequestExpiredTokens())
	require.Eventually(t, func() bool { return f.feedback.Accepted() == 1 }, waitFor, 10*time.Millisecond)

	start := time.Now()
	_, err := m.Shutdown(0)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), waitFor)
}

func TestListenerPanicDoesNotStopDelivery(t *testing.T) {
	f := newFixture(t)
	f.gateway.SetRefuseConnections(true)

	m := f.manager(t, testManagerConfig(1))
	_, err := m.RegisterFailedConnectionListener(FailedConnectionListenerFunc(func(*Manager, error) {
		panic("listener bug")
	}))
	require.NoError(t, err)
	var calls atomic.Int64
	_, err = m.RegisterFailedConnectionListener(FailedConnectionListenerFunc(func(*Manager, error) {
		calls.Add(1)
	}))
	require.NoError(t, err)
	require.NoError(t, m.Start())

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, waitFor, 10*time.Millisecond)
}

func TestWithQueue(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, testManagerConfig(1))
	q := m.Queue()

	other, err := New(f.environment(t), f.certs.ClientSource(), testManagerConfig(1), WithQueue(q))
	require.NoError(t, err)
	assert.Same(t, q, other.Queue())
}

func TestRejectionError(t *testing.T) {
	err := RejectionError(apns.NewNotification([]byte{0xAB, 0xCD}, `{}`), apns.InvalidToken)

	var ne *apnserrors.NotifyError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, apnserrors.ErrNotificationRejected, ne.Code)
	assert.Equal(t, apns.InvalidToken.String(), ne.Details)
	assert.Equal(t, "abcd", ne.Context["token"])
	assert.False(t, apnserrors.IsRetryable(ne.Code))
}
