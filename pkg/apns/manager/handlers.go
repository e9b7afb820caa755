package manager

import (
	"github.com/kart-io/apnshub/pkg/apns"
	"github.com/kart-io/apnshub/pkg/apns/connection"
	apnserrors "github.com/kart-io/apnshub/pkg/errors"
)

// connectionListener receives the callbacks of the manager's gateway
// connections.
type connectionListener Manager

func (l *connectionListener) HandleConnectionSuccess(c *connection.Connection) {
	m := (*Manager)(l)
	m.log.Debug("connection succeeded", "manager", m.name, "connection", c.Name())
	m.observer.Connection(ConnectionSucceeded)

	m.mu.Lock()
	m.reconnectBackOff.Reset()
	running := m.dispatchRunning
	m.mu.Unlock()

	if !running {
		// nothing would ever write to it
		c.DisconnectImmediately()
		return
	}
	m.addWritable(c)
}

func (l *connectionListener) HandleConnectionFailure(c *connection.Connection, cause error) {
	m := (*Manager)(l)
	if code, ok := apnserrors.CodeOf(cause); ok && !apnserrors.IsRetryable(code) {
		m.log.Warn("connection failed with a non-retryable error", "manager", m.name,
			"connection", c.Name(), "code", code, "error", cause)
	} else {
		m.log.Debug("connection failed", "manager", m.name, "connection", c.Name(), "error", cause)
	}
	m.observer.Connection(ConnectionFailed)

	m.publish(FailedConnectionEvent{Connection: c.Name(), Cause: cause})

	replace := m.shouldReplaceConnection()
	if replace {
		m.scheduleReplacement()
	}
	m.removeActive(c)
}

func (l *connectionListener) HandleConnectionWritabilityChange(c *connection.Connection, writable bool) {
	m := (*Manager)(l)
	m.log.Debug("writability changed", "manager", m.name, "connection", c.Name(), "writable", writable)

	if writable {
		if c.State() == connection.Ready {
			m.addWritable(c)
		}
		return
	}
	m.removeWritable(c)
	m.wake()
}

func (l *connectionListener) HandleConnectionClosure(c *connection.Connection) {
	m := (*Manager)(l)
	m.log.Debug("connection closed", "manager", m.name, "connection", c.Name())
	m.observer.Connection(ConnectionClosed)

	m.removeWritable(c)
	m.wake()

	// start the successor before removing c so the active set never looks
	// drained in between
	if m.shouldReplaceConnection() {
		m.observer.Connection(ConnectionReplaced)
		m.startConnection()
	}
	m.removeActive(c)
}

func (l *connectionListener) HandleWriteFailure(c *connection.Connection, n apns.Notification, cause error) {
	m := (*Manager)(l)
	m.log.Debug("write failed, will retry", "manager", m.name, "connection", c.Name(), "error", cause)
	m.observer.WriteFailed(cause)

	if c.State() != connection.Ready {
		// draining or closed; stop picking it
		m.removeWritable(c)
	}
	m.retry.Put(n)
	m.wake()
}

func (l *connectionListener) HandleRejectedNotification(c *connection.Connection, n apns.Notification, reason apns.RejectionReason) {
	m := (*Manager)(l)
	m.log.Debug("notification rejected", "manager", m.name, "connection", c.Name(),
		"error", RejectionError(n, reason))
	m.observer.NotificationRejected(reason)

	m.publish(RejectedNotificationEvent{Connection: c.Name(), Notification: n, Reason: reason})
}

func (l *connectionListener) HandleUnprocessedNotifications(c *connection.Connection, ns []apns.Notification) {
	m := (*Manager)(l)
	m.log.Debug("connection returned unprocessed notifications", "manager", m.name,
		"connection", c.Name(), "count", len(ns))
	m.observer.NotificationsRequeued(len(ns))

	m.retry.PutAll(ns)
	m.wake()
}

// feedbackListener receives the callbacks of the manager's feedback sessions.
type feedbackListener Manager

func (l *feedbackListener) HandleFeedbackSuccess(f *connection.FeedbackConnection) {
	m := (*Manager)(l)
	m.log.Debug("feedback connection succeeded", "manager", m.name, "feedback", f.Name())
}

func (l *feedbackListener) HandleFeedbackFailure(f *connection.FeedbackConnection, cause error) {
	m := (*Manager)(l)
	m.log.Debug("feedback connection failed", "manager", m.name, "feedback", f.Name(), "error", cause)

	m.endFeedback(f, 0, cause)
	m.publish(FailedConnectionEvent{Connection: f.Name(), Cause: cause})
}

func (l *feedbackListener) HandleExpiredToken(f *connection.FeedbackConnection, token apns.ExpiredToken) {
	m := (*Manager)(l)
	m.log.Debug("received expired token", "manager", m.name, "feedback", f.Name(), "token", token)
}

func (l *feedbackListener) HandleFeedbackClosure(f *connection.FeedbackConnection, tokens []apns.ExpiredToken) {
	m := (*Manager)(l)
	m.log.Debug("feedback connection closed", "manager", m.name, "feedback", f.Name(), "tokens", len(tokens))
	m.observer.ExpiredTokensReceived(len(tokens))

	m.publish(ExpiredTokensEvent{Tokens: tokens})
	m.endFeedback(f, len(tokens), nil)
}
