package manager

import (
	"github.com/kart-io/apnshub/pkg/apns"
)

// RejectedNotificationListener is told about notifications the gateway
// rejected permanently. Rejected notifications are never retried.
type RejectedNotificationListener interface {
	HandleRejectedNotification(m *Manager, n apns.Notification, reason apns.RejectionReason)
}

// RejectedNotificationListenerFunc adapts a function to RejectedNotificationListener.
type RejectedNotificationListenerFunc func(m *Manager, n apns.Notification, reason apns.RejectionReason)

// HandleRejectedNotification implements RejectedNotificationListener.
func (f RejectedNotificationListenerFunc) HandleRejectedNotification(m *Manager, n apns.Notification, reason apns.RejectionReason) {
	f(m, n, reason)
}

// FailedConnectionListener is told about gateway or feedback connections
// that could not be established.
type FailedConnectionListener interface {
	HandleFailedConnection(m *Manager, cause error)
}

// FailedConnectionListenerFunc adapts a function to FailedConnectionListener.
type FailedConnectionListenerFunc func(m *Manager, cause error)

// HandleFailedConnection implements FailedConnectionListener.
func (f FailedConnectionListenerFunc) HandleFailedConnection(m *Manager, cause error) {
	f(m, cause)
}

// ExpiredTokenListener receives the tokens collected by one feedback session.
type ExpiredTokenListener interface {
	HandleExpiredTokens(m *Manager, tokens []apns.ExpiredToken)
}

// ExpiredTokenListenerFunc adapts a function to ExpiredTokenListener.
type ExpiredTokenListenerFunc func(m *Manager, tokens []apns.ExpiredToken)

// HandleExpiredTokens implements ExpiredTokenListener.
func (f ExpiredTokenListenerFunc) HandleExpiredTokens(m *Manager, tokens []apns.ExpiredToken) {
	f(m, tokens)
}

// RegisterRejectedNotificationListener adds l and returns a func removing it.
func (m *Manager) RegisterRejectedNotificationListener(l RejectedNotificationListener) (func(), error) {
	return m.register(func(ev Event) {
		if e, ok := ev.(RejectedNotificationEvent); ok {
			l.HandleRejectedNotification(m, e.Notification, e.Reason)
		}
	})
}

// RegisterFailedConnectionListener adds l and returns a func removing it.
func (m *Manager) RegisterFailedConnectionListener(l FailedConnectionListener) (func(), error) {
	return m.register(func(ev Event) {
		if e, ok := ev.(FailedConnectionEvent); ok {
			l.HandleFailedConnection(m, e.Cause)
		}
	})
}

// RegisterExpiredTokenListener adds l and returns a func removing it.
func (m *Manager) RegisterExpiredTokenListener(l ExpiredTokenListener) (func(), error) {
	return m.register(func(ev Event) {
		if e, ok := ev.(ExpiredTokensEvent); ok {
			l.HandleExpiredTokens(m, e.Tokens)
		}
	})
}

func (m *Manager) register(h handler) (func(), error) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()

	if m.shutDownStarted.Load() {
		return nil, ErrShutDown
	}
	m.listenerSeq++
	id := m.listenerSeq
	m.listeners[id] = h
	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		delete(m.listeners, id)
	}, nil
}

func (m *Manager) clearListeners() {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	clear(m.listeners)
}
