package manager

import (
	"context"
	"maps"
	"slices"

	"github.com/kart-io/apnshub/pkg/apns"
	apnserrors "github.com/kart-io/apnshub/pkg/errors"
)

// Event is one of RejectedNotificationEvent, FailedConnectionEvent or
// ExpiredTokensEvent.
type Event interface {
	isEvent()
}

// RejectedNotificationEvent reports a permanent rejection.
type RejectedNotificationEvent struct {
	Connection   string
	Notification apns.Notification
	Reason       apns.RejectionReason
}

// FailedConnectionEvent reports a gateway or feedback connection that could
// not be established.
type FailedConnectionEvent struct {
	Connection string
	Cause      error
}

// ExpiredTokensEvent carries everything one feedback session collected.
type ExpiredTokensEvent struct {
	Tokens []apns.ExpiredToken
}

// RejectionError describes a permanent rejection of n as an error coded
// ErrNotificationRejected.
func RejectionError(n apns.Notification, reason apns.RejectionReason) error {
	return apnserrors.New(apnserrors.ErrNotificationRejected, "gateway rejected notification").
		WithDetails(reason.String()).
		WithContext("token", apns.TokenToString(n.Token))
}

func (RejectedNotificationEvent) isEvent() {}
func (FailedConnectionEvent) isEvent()     {}
func (ExpiredTokensEvent) isEvent()        {}

type handler func(Event)

// delivery binds an event to the listeners registered when it was raised.
// A nil event stops the event loop.
type delivery struct {
	event    Event
	handlers []handler
}

// publish queues ev for every currently registered listener. Listener code
// never runs on I/O or dispatch goroutines.
func (m *Manager) publish(ev Event) {
	m.listenersMu.Lock()
	ids := slices.Sorted(maps.Keys(m.listeners))
	handlers := make([]handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, m.listeners[id])
	}
	m.listenersMu.Unlock()

	if len(handlers) == 0 {
		return
	}
	m.events.Put(delivery{event: ev, handlers: handlers})
}

func (m *Manager) eventLoop() {
	defer close(m.eventsDone)
	for {
		d, err := m.events.Take(context.Background(), nil)
		if err != nil {
			return
		}
		if d.event == nil {
			return
		}
		for _, h := range d.handlers {
			m.deliver(h, d.event)
		}
	}
}

func (m *Manager) deliver(h handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("listener panicked", "manager", m.name, "event", ev, "panic", r)
		}
	}()
	h(ev)
}
