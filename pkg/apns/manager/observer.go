package manager

import (
	"github.com/kart-io/apnshub/pkg/apns"
)

// ConnectionEvent names a gateway connection lifecycle transition.
type ConnectionEvent string

const (
	ConnectionSucceeded ConnectionEvent = "success"
	ConnectionFailed    ConnectionEvent = "failure"
	ConnectionClosed    ConnectionEvent = "closure"
	ConnectionReplaced  ConnectionEvent = "replacement"
)

// Observer receives measurements from a Manager. Methods are called
// synchronously on I/O and dispatch goroutines and must be fast.
type Observer interface {
	NotificationSent()
	WriteFailed(cause error)
	NotificationRejected(reason apns.RejectionReason)
	NotificationsRequeued(n int)
	Connection(event ConnectionEvent)
	ExpiredTokensReceived(n int)
	// ShutdownStarted is called when a shutdown begins; the returned func is
	// called with the residual retry queue length when it ends.
	ShutdownStarted() func(residual int)
	// FeedbackSessionStarted is called when a feedback session is opened; the
	// returned func is called when it ends.
	FeedbackSessionStarted() func(tokens int, err error)
}

// NopObserver discards every measurement.
type NopObserver struct{}

func (NopObserver) NotificationSent()                         {}
func (NopObserver) WriteFailed(error)                         {}
func (NopObserver) NotificationRejected(apns.RejectionReason) {}
func (NopObserver) NotificationsRequeued(int)                 {}
func (NopObserver) Connection(ConnectionEvent)                {}
func (NopObserver) ExpiredTokensReceived(int)                 {}
func (NopObserver) ShutdownStarted() func(int)                { return func(int) {} }
func (NopObserver) FeedbackSessionStarted() func(int, error)  { return func(int, error) {} }
