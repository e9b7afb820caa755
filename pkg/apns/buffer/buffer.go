// Package buffer keeps the most recently written notifications of one
// connection, keyed by sequence number, so an asynchronous rejection can be
// mapped back to the notification that caused it.
//
// Sequence numbers are compared with a signed 32-bit difference so ordering
// stays correct when the per-connection counter wraps around.
package buffer

import (
	"sync"

	"github.com/kart-io/apnshub/pkg/apns"
	apnserrors "github.com/kart-io/apnshub/pkg/errors"
)

// DefaultCapacity is the default number of notifications retained per connection.
const DefaultCapacity = 8192

// SentBuffer is a bounded FIFO of sent notifications. When full, pushing
// evicts the oldest entry. It is safe for concurrent use.
type SentBuffer struct {
	mu    sync.Mutex
	ring  []apns.SendableNotification
	head  int // index of the oldest entry
	count int
}

// New returns an empty buffer holding at most capacity entries.
func New(capacity int) (*SentBuffer, error) {
	if capacity <= 0 {
		return nil, apnserrors.NewConfigError("SentBufferCapacity", "capacity must be positive").
			WithContext("value", capacity)
	}
	return &SentBuffer{ring: make([]apns.SendableNotification, capacity)}, nil
}

// precedes reports whether a comes before b in wraparound order.
func precedes(a, b uint32) bool {
	return int32(b-a) > 0
}

func (b *SentBuffer) at(i int) *apns.SendableNotification {
	return &b.ring[(b.head+i)%len(b.ring)]
}

func (b *SentBuffer) dropOldest() {
	*b.at(0) = apns.SendableNotification{}
	b.head = (b.head + 1) % len(b.ring)
	b.count--
}

// Capacity returns the maximum number of entries.
func (b *SentBuffer) Capacity() int {
	return len(b.ring)
}

// Push appends s, evicting the oldest entry when the buffer is full.
func (b *SentBuffer) Push(s apns.SendableNotification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == len(b.ring) {
		b.dropOldest()
	}
	*b.at(b.count) = s
	b.count++
}

// PruneBefore removes entries from the front whose sequence number precedes seq.
func (b *SentBuffer) PruneBefore(seq uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count > 0 && precedes(b.at(0).SequenceNumber, seq) {
		b.dropOldest()
	}
}

// Find returns the notification sent with seq.
func (b *SentBuffer) Find(seq uint32) (apns.Notification, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := 0; i < b.count; i++ {
		if e := b.at(i); e.SequenceNumber == seq {
			return e.Notification, true
		}
	}
	return apns.Notification{}, false
}

// AllAfter returns, in send order, every notification whose sequence number follows seq.
func (b *SentBuffer) AllAfter(seq uint32) []apns.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []apns.Notification
	for i := 0; i < b.count; i++ {
		if e := b.at(i); precedes(seq, e.SequenceNumber) {
			out = append(out, e.Notification)
		}
	}
	return out
}

// Clear removes every entry.
func (b *SentBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.ring)
	b.head, b.count = 0, 0
}

// IsEmpty reports whether the buffer holds no entries.
func (b *SentBuffer) IsEmpty() bool {
	return b.Len() == 0
}

// Len returns the number of entries.
func (b *SentBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Lowest returns the sequence number of the oldest entry.
func (b *SentBuffer) Lowest() (uint32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return 0, false
	}
	return b.at(0).SequenceNumber, true
}

// Highest returns the sequence number of the newest entry.
func (b *SentBuffer) Highest() (uint32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return 0, false
	}
	return b.at(b.count - 1).SequenceNumber, true
}
