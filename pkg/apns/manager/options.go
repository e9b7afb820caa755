package manager

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kart-io/apnshub/pkg/apns"
	"github.com/kart-io/apnshub/pkg/apns/connection"
	"github.com/kart-io/apnshub/pkg/apns/queue"
	"github.com/kart-io/apnshub/pkg/logger"
)

// Option configures a Manager.
type Option func(*Manager)

// WithName sets the manager name used in logs and connection names.
func WithName(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.name = name
		}
	}
}

// WithQueue makes the manager read from a caller-owned outbound queue.
func WithQueue(q *queue.Queue[apns.Notification]) Option {
	return func(m *Manager) {
		if q != nil {
			m.queue = q
		}
	}
}

// WithLogger sets the logger for the manager and its connections.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) { m.log = logger.OrDiscard(l) }
}

// WithObserver sets the metrics and tracing sink.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithDialer replaces the TLS dialer of gateway and feedback connections.
func WithDialer(d connection.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithReconnectBackOff sets the policy delaying replacements of connections
// that failed to connect. The factory is called once per manager.
func WithReconnectBackOff(newBackOff func() backoff.BackOff) Option {
	return func(m *Manager) {
		if newBackOff != nil {
			m.newBackOff = newBackOff
		}
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = maxReconnectDelay
	// never give up; shutdown is what stops reconnecting
	b.MaxElapsedTime = 0
	return b
}
