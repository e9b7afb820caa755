// Package codec implements the binary framing of the push gateway: the
// outbound notification frame, the 6-byte rejection frame and the feedback
// service's expired-token records.
//
// All multi-byte integers are big-endian. The slice decoders return
// ErrNeedMore when the input does not yet hold a complete message; callers
// reading from a stream should keep accumulating and retry.
package codec

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/kart-io/apnshub/pkg/apns"
	apnserrors "github.com/kart-io/apnshub/pkg/errors"
)

// Command bytes.
const (
	CommandNotification uint8 = 2
	CommandRejection    uint8 = 8
)

// Frame item ids.
const (
	ItemDeviceToken    uint8 = 1
	ItemPayload        uint8 = 2
	ItemSequenceNumber uint8 = 3
	ItemExpiration     uint8 = 4
	ItemPriority       uint8 = 5
)

// Protocol size limits.
const (
	MaxTokenLength   = 32
	MaxPayloadLength = 2048

	// RejectionLength is the size of a rejection frame.
	RejectionLength = 6

	frameHeaderLength = 5 // command + frame length
	itemHeaderLength  = 3 // id + item length
	itemCount         = 5
	fixedItemBytes    = 4 + 4 + 1 // sequence number, expiration, priority
	expiredHeaderLen  = 6         // expiry + token length
)

var (
	// ErrNeedMore signals that more input is required to decode a message.
	ErrNeedMore = apnserrors.New(apnserrors.ErrIncompleteFrame, "need more input")
	// ErrEncoding is the sentinel behind every encode failure.
	ErrEncoding = apnserrors.New(apnserrors.ErrMessageEncoding, "cannot encode notification")
	// ErrMalformedFrame is returned by DecodeNotification for frames it cannot parse.
	ErrMalformedFrame = apnserrors.New(apnserrors.ErrNetworkProtocol, "malformed frame")
)

// FrameLength returns the value of the frame-length field for s.
func FrameLength(s apns.SendableNotification) int {
	return itemCount*itemHeaderLength + fixedItemBytes + len(s.Token) + len(s.Payload)
}

// Encode renders s as a notification frame. Items are written in the order
// sequence number, device token, payload, expiration, priority.
func Encode(s apns.SendableNotification) ([]byte, error) {
	if len(s.Token) > MaxTokenLength {
		return nil, apnserrors.Wrap(ErrEncoding, apnserrors.ErrMessageEncoding, "device token too long").
			WithContext("token_length", len(s.Token)).
			WithContext("max", MaxTokenLength)
	}
	if len(s.Payload) > MaxPayloadLength {
		return nil, apnserrors.Wrap(ErrEncoding, apnserrors.ErrMessageEncoding, "payload too long").
			WithContext("payload_length", len(s.Payload)).
			WithContext("max", MaxPayloadLength)
	}

	frameLen := FrameLength(s)
	buf := make([]byte, 0, frameHeaderLength+frameLen)
	buf = append(buf, CommandNotification)
	buf = binary.BigEndian.AppendUint32(buf, uint32(frameLen))

	buf = appendItemHeader(buf, ItemSequenceNumber, 4)
	buf = binary.BigEndian.AppendUint32(buf, s.SequenceNumber)

	buf = appendItemHeader(buf, ItemDeviceToken, len(s.Token))
	buf = append(buf, s.Token...)

	buf = appendItemHeader(buf, ItemPayload, len(s.Payload))
	buf = append(buf, s.Payload...)

	buf = appendItemHeader(buf, ItemExpiration, 4)
	buf = binary.BigEndian.AppendUint32(buf, expirationSeconds(s.Expiration))

	buf = appendItemHeader(buf, ItemPriority, 1)
	buf = append(buf, s.Priority.Code())

	return buf, nil
}

func appendItemHeader(buf []byte, id uint8, length int) []byte {
	buf = append(buf, id)
	return binary.BigEndian.AppendUint16(buf, uint16(length))
}

// expirationSeconds clamps t to the unsigned 32-bit range of the expiration
// item. Nil and pre-epoch times encode as 0.
func expirationSeconds(t *time.Time) uint32 {
	if t == nil {
		return 0
	}
	secs := t.Unix()
	switch {
	case secs < 0:
		return 0
	case secs > math.MaxUint32:
		return math.MaxUint32
	default:
		return uint32(secs)
	}
}

// DecodeRejection decodes the first RejectionLength bytes of b. The command
// byte is returned so callers can report an unexpected value; the reason is
// decoded regardless.
func DecodeRejection(b []byte) (apns.RejectedNotification, uint8, error) {
	if len(b) < RejectionLength {
		return apns.RejectedNotification{}, 0, ErrNeedMore
	}
	return apns.RejectedNotification{
		Reason:         apns.ReasonFromCode(b[1]),
		SequenceNumber: binary.BigEndian.Uint32(b[2:6]),
	}, b[0], nil
}

// EncodeRejection renders a rejection frame; used by gateway fakes.
func EncodeRejection(r apns.RejectedNotification) []byte {
	buf := make([]byte, 0, RejectionLength)
	buf = append(buf, CommandRejection, uint8(r.Reason))
	return binary.BigEndian.AppendUint32(buf, r.SequenceNumber)
}

// DecodeExpiredToken decodes one feedback record from the front of b and
// returns it along with the number of bytes consumed.
func DecodeExpiredToken(b []byte) (apns.ExpiredToken, int, error) {
	if len(b) < expiredHeaderLen {
		return apns.ExpiredToken{}, 0, ErrNeedMore
	}
	secs := binary.BigEndian.Uint32(b[0:4])
	n := int(binary.BigEndian.Uint16(b[4:6]))
	if len(b) < expiredHeaderLen+n {
		return apns.ExpiredToken{}, 0, ErrNeedMore
	}
	token := make([]byte, n)
	copy(token, b[expiredHeaderLen:expiredHeaderLen+n])
	return apns.ExpiredToken{
		Token:      token,
		Expiration: time.Unix(int64(secs), 0),
	}, expiredHeaderLen + n, nil
}

// EncodeExpiredToken renders one feedback record; used by feedback fakes.
func EncodeExpiredToken(e apns.ExpiredToken) []byte {
	buf := make([]byte, 0, expiredHeaderLen+len(e.Token))
	buf = binary.BigEndian.AppendUint32(buf, expirationSeconds(&e.Expiration))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.Token)))
	return append(buf, e.Token...)
}

// DecodeNotification decodes one notification frame from the front of b, as a
// gateway would, and returns it along with the number of bytes consumed.
// Items may appear in any order; unknown item ids are rejected.
func DecodeNotification(b []byte) (apns.SendableNotification, int, error) {
	if len(b) < frameHeaderLength {
		return apns.SendableNotification{}, 0, ErrNeedMore
	}
	if b[0] != CommandNotification {
		return apns.SendableNotification{}, 0, apnserrors.Wrapf(ErrMalformedFrame, apnserrors.ErrNetworkProtocol,
			"unexpected command %d", b[0])
	}
	frameLen := int(binary.BigEndian.Uint32(b[1:5]))
	if len(b) < frameHeaderLength+frameLen {
		return apns.SendableNotification{}, 0, ErrNeedMore
	}

	var s apns.SendableNotification
	items := b[frameHeaderLength : frameHeaderLength+frameLen]
	for len(items) > 0 {
		if len(items) < itemHeaderLength {
			return apns.SendableNotification{}, 0, apnserrors.Wrap(ErrMalformedFrame, apnserrors.ErrNetworkProtocol, "truncated item header")
		}
		id := items[0]
		n := int(binary.BigEndian.Uint16(items[1:3]))
		if len(items) < itemHeaderLength+n {
			return apns.SendableNotification{}, 0, apnserrors.Wrap(ErrMalformedFrame, apnserrors.ErrNetworkProtocol, "truncated item")
		}
		data := items[itemHeaderLength : itemHeaderLength+n]
		items = items[itemHeaderLength+n:]

		if err := decodeItem(&s, id, data); err != nil {
			return apns.SendableNotification{}, 0, err
		}
	}
	return s, frameHeaderLength + frameLen, nil
}

func decodeItem(s *apns.SendableNotification, id uint8, data []byte) error {
	fixed := func(size int) error {
		if len(data) != size {
			return apnserrors.Wrapf(ErrMalformedFrame, apnserrors.ErrNetworkProtocol,
				"item %d has length %d, want %d", id, len(data), size)
		}
		return nil
	}

	switch id {
	case ItemDeviceToken:
		s.Token = append([]byte(nil), data...)
	case ItemPayload:
		s.Payload = string(data)
	case ItemSequenceNumber:
		if err := fixed(4); err != nil {
			return err
		}
		s.SequenceNumber = binary.BigEndian.Uint32(data)
	case ItemExpiration:
		if err := fixed(4); err != nil {
			return err
		}
		if secs := binary.BigEndian.Uint32(data); secs != 0 {
			t := time.Unix(int64(secs), 0)
			s.Expiration = &t
		}
	case ItemPriority:
		if err := fixed(1); err != nil {
			return err
		}
		p, err := apns.PriorityFromCode(data[0])
		if err != nil {
			return apnserrors.Wrap(err, apnserrors.ErrNetworkProtocol, "bad priority")
		}
		s.Priority = p
	default:
		return apnserrors.Wrapf(ErrMalformedFrame, apnserrors.ErrNetworkProtocol, "unknown item id %d", id)
	}
	return nil
}
