package apns

import "fmt"

// RejectionReason is the status code the gateway attaches to a rejection.
type RejectionReason uint8

const (
	NoError            RejectionReason = 0
	ProcessingError    RejectionReason = 1
	MissingToken       RejectionReason = 2
	MissingTopic       RejectionReason = 3
	MissingPayload     RejectionReason = 4
	InvalidTokenSize   RejectionReason = 5
	InvalidTopicSize   RejectionReason = 6
	InvalidPayloadSize RejectionReason = 7
	InvalidToken       RejectionReason = 8
	Shutdown           RejectionReason = 10
	Unknown            RejectionReason = 255
)

var reasonNames = map[RejectionReason]string{
	NoError:            "no-error",
	ProcessingError:    "processing-error",
	MissingToken:       "missing-token",
	MissingTopic:       "missing-topic",
	MissingPayload:     "missing-payload",
	InvalidTokenSize:   "invalid-token-size",
	InvalidTopicSize:   "invalid-topic-size",
	InvalidPayloadSize: "invalid-payload-size",
	InvalidToken:       "invalid-token",
	Shutdown:           "shutdown",
	Unknown:            "unknown",
}

// ReasonFromCode maps a status byte to a RejectionReason; unrecognized bytes map to Unknown.
func ReasonFromCode(code uint8) RejectionReason {
	r := RejectionReason(code)
	if _, ok := reasonNames[r]; ok {
		return r
	}
	return Unknown
}

// String returns the stable name of r.
func (r RejectionReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return reasonNames[Unknown]
}

// RejectedNotification is a decoded rejection frame.
type RejectedNotification struct {
	SequenceNumber uint32
	Reason         RejectionReason
}

// String returns a compact description used in logs.
func (r RejectedNotification) String() string {
	return fmt.Sprintf("RejectedNotification{seq=%d, reason=%s}", r.SequenceNumber, r.Reason)
}
