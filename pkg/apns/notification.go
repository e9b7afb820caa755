// Package apns holds the data model shared by the gateway client: notifications,
// their sequence-numbered wire form, gateway rejections and expired device tokens.
package apns

import (
	"fmt"
	"time"
)

// Priority is the delivery priority of a notification.
type Priority uint8

const (
	// PriorityImmediate asks the gateway to deliver the notification right away.
	PriorityImmediate Priority = 10
	// PriorityConservePower lets the gateway batch delivery to save device power.
	PriorityConservePower Priority = 5
)

// Code returns the wire value for p. The zero value encodes as immediate.
func (p Priority) Code() uint8 {
	if p == PriorityConservePower {
		return uint8(PriorityConservePower)
	}
	return uint8(PriorityImmediate)
}

// String returns a readable name for p.
func (p Priority) String() string {
	if p == PriorityConservePower {
		return "conserve-power"
	}
	return "immediate"
}

// PriorityFromCode maps a wire value back to a Priority.
func PriorityFromCode(code uint8) (Priority, error) {
	switch Priority(code) {
	case PriorityImmediate:
		return PriorityImmediate, nil
	case PriorityConservePower:
		return PriorityConservePower, nil
	default:
		return 0, fmt.Errorf("unknown priority code %d", code)
	}
}

// Notification is one push notification addressed to a single device.
// Values are treated as immutable once handed to a queue.
type Notification struct {
	Token   []byte
	Payload string
	// Expiration is nil when the gateway should discard the notification if
	// it cannot be delivered immediately. The wire format carries unsigned
	// 32-bit seconds: times before 1970 are sent as 0 and so behave like nil,
	// times past 2106 are sent as the largest representable value.
	Expiration *time.Time
	Priority   Priority
}

// NewNotification builds an immediate-priority notification without expiration.
func NewNotification(token []byte, payload string) Notification {
	return Notification{Token: token, Payload: payload, Priority: PriorityImmediate}
}

// WithExpiration returns a copy of n that expires at t.
func (n Notification) WithExpiration(t time.Time) Notification {
	n.Expiration = &t
	return n
}

// WithPriority returns a copy of n with priority p.
func (n Notification) WithPriority(p Priority) Notification {
	n.Priority = p
	return n
}

// String returns a compact description used in logs.
func (n Notification) String() string {
	exp := "none"
	if n.Expiration != nil {
		exp = n.Expiration.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("Notification{token=%s, payloadBytes=%d, expiration=%s, priority=%s}",
		TokenToString(n.Token), len(n.Payload), exp, n.Priority)
}

// SendableNotification is a notification bound to the sequence number a
// connection assigned to it when writing it to the wire.
type SendableNotification struct {
	Notification
	SequenceNumber uint32
}

// KnownBadNotification returns the deliberately malformed notification used as
// a drain barrier: it has neither token nor payload so the gateway always
// rejects it and closes the connection after processing everything before it.
func KnownBadNotification(seq uint32) SendableNotification {
	return SendableNotification{SequenceNumber: seq}
}

// IsKnownBad reports whether s carries neither token nor payload.
func (s SendableNotification) IsKnownBad() bool {
	return len(s.Token) == 0 && s.Payload == ""
}

// ExpiredToken is a device token the feedback service reported as no longer
// valid, along with the time the gateway determined so.
type ExpiredToken struct {
	Token      []byte
	Expiration time.Time
}

// String returns a compact description used in logs.
func (e ExpiredToken) String() string {
	return fmt.Sprintf("ExpiredToken{token=%s, expiration=%s}",
		TokenToString(e.Token), e.Expiration.UTC().Format(time.RFC3339))
}
