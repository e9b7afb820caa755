package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/apnshub/pkg/apns"
)

func sendable(seq uint32, token []byte, payload string) apns.SendableNotification {
	return apns.SendableNotification{
		Notification:   apns.NewNotification(token, payload),
		SequenceNumber: seq,
	}
}

// sumItems walks the items of an encoded frame and returns the total of
// item headers plus item sizes.
func sumItems(t *testing.T, frame []byte) (total int, ids []uint8) {
	t.Helper()
	items := frame[frameHeaderLength:]
	for len(items) > 0 {
		require.GreaterOrEqual(t, len(items), itemHeaderLength)
		n := int(binary.BigEndian.Uint16(items[1:3]))
		ids = append(ids, items[0])
		total += itemHeaderLength + n
		items = items[itemHeaderLength+n:]
	}
	return total, ids
}

func TestEncode_Layout(t *testing.T) {
	token := bytes.Repeat([]byte{0xab}, 32)
	exp := time.Unix(1700000000, 0)
	s := sendable(7, token, `{"aps":{"alert":"hi"}}`)
	s.Expiration = &exp
	s.Priority = apns.PriorityConservePower

	frame, err := Encode(s)
	require.NoError(t, err)

	assert.Equal(t, CommandNotification, frame[0])
	declared := int(binary.BigEndian.Uint32(frame[1:5]))
	assert.Equal(t, len(frame)-frameHeaderLength, declared)

	total, ids := sumItems(t, frame)
	assert.Equal(t, declared, total)
	assert.Equal(t, []uint8{ItemSequenceNumber, ItemDeviceToken, ItemPayload, ItemExpiration, ItemPriority}, ids)

	// sequence number item directly follows the frame header
	assert.Equal(t, uint32(7), binary.BigEndian.Uint32(frame[8:12]))
	assert.Equal(t, uint8(5), frame[len(frame)-1])
}

func TestEncode_AbsentExpirationIsZero(t *testing.T) {
	frame, err := Encode(sendable(1, []byte{1}, "{}"))
	require.NoError(t, err)

	decoded, n, err := DecodeNotification(frame)
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)
	assert.Nil(t, decoded.Expiration)
	assert.Equal(t, apns.PriorityImmediate, decoded.Priority)
}

func TestEncode_ExpirationClamped(t *testing.T) {
	tests := []struct {
		name string
		exp  time.Time
		want uint32
	}{
		{"before epoch", time.Unix(-3600, 0), 0},
		{"epoch", time.Unix(0, 0), 0},
		{"past 2106", time.Unix(math.MaxUint32+10, 0), math.MaxUint32},
		{"in range", time.Unix(1700000000, 0), 1700000000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, expirationSeconds(&tt.exp))
		})
	}
	assert.Zero(t, expirationSeconds(nil))

	s := sendable(1, []byte{1}, "{}")
	past := time.Unix(-1, 0)
	s.Expiration = &past
	frame, err := Encode(s)
	require.NoError(t, err)
	decoded, _, err := DecodeNotification(frame)
	require.NoError(t, err)
	assert.Nil(t, decoded.Expiration, "pre-epoch expiration reads back as none")
}

func TestEncode_Limits(t *testing.T) {
	tests := []struct {
		name    string
		token   []byte
		payload string
		wantErr bool
	}{
		{"max token", make([]byte, MaxTokenLength), "{}", false},
		{"token too long", make([]byte, MaxTokenLength+1), "{}", true},
		{"max payload", []byte{1}, strings.Repeat("x", MaxPayloadLength), false},
		{"payload too long", []byte{1}, strings.Repeat("x", MaxPayloadLength+1), true},
		{"known bad", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(sendable(1, tt.token, tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrEncoding))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDecodeNotification_RoundTrip(t *testing.T) {
	exp := time.Unix(1800000000, 0)
	s := sendable(42, []byte{1, 2, 3}, `{"aps":{"badge":1}}`)
	s.Expiration = &exp
	s.Priority = apns.PriorityConservePower

	frame, err := Encode(s)
	require.NoError(t, err)

	// a second frame glued on must not be consumed
	next, err := Encode(sendable(43, []byte{4}, "{}"))
	require.NoError(t, err)
	stream := append(append([]byte(nil), frame...), next...)

	got, n, err := DecodeNotification(stream)
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)
	assert.Equal(t, s.SequenceNumber, got.SequenceNumber)
	assert.Equal(t, s.Token, got.Token)
	assert.Equal(t, s.Payload, got.Payload)
	require.NotNil(t, got.Expiration)
	assert.True(t, exp.Equal(*got.Expiration))
	assert.Equal(t, s.Priority, got.Priority)

	_, _, err = DecodeNotification(frame[:len(frame)-1])
	assert.Equal(t, ErrNeedMore, err)
}

func TestDecodeNotification_Malformed(t *testing.T) {
	_, _, err := DecodeNotification([]byte{9, 0, 0, 0, 0})
	assert.True(t, errors.Is(err, ErrMalformedFrame))

	// unknown item id 9
	frame := []byte{CommandNotification, 0, 0, 0, 4, 9, 0, 1, 0}
	_, _, err = DecodeNotification(frame)
	assert.True(t, errors.Is(err, ErrMalformedFrame))
}

func TestDecodeRejection(t *testing.T) {
	tests := []struct {
		name    string
		in      []byte
		want    apns.RejectedNotification
		command uint8
	}{
		{
			name:    "invalid token",
			in:      []byte{8, 8, 0, 0, 0, 3},
			want:    apns.RejectedNotification{SequenceNumber: 3, Reason: apns.InvalidToken},
			command: 8,
		},
		{
			name:    "shutdown",
			in:      []byte{8, 10, 0xff, 0xff, 0xff, 0xff},
			want:    apns.RejectedNotification{SequenceNumber: 0xffffffff, Reason: apns.Shutdown},
			command: 8,
		},
		{
			name:    "unknown status",
			in:      []byte{8, 42, 0, 0, 1, 0},
			want:    apns.RejectedNotification{SequenceNumber: 256, Reason: apns.Unknown},
			command: 8,
		},
		{
			name:    "unexpected command still decodes",
			in:      []byte{1, 2, 0, 0, 0, 0},
			want:    apns.RejectedNotification{SequenceNumber: 0, Reason: apns.MissingToken},
			command: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, cmd, err := DecodeRejection(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.command, cmd)
		})
	}

	for n := 0; n < RejectionLength; n++ {
		_, _, err := DecodeRejection(make([]byte, n))
		assert.Equal(t, ErrNeedMore, err, "length %d", n)
	}

	enc := EncodeRejection(apns.RejectedNotification{SequenceNumber: 9, Reason: apns.ProcessingError})
	got, cmd, err := DecodeRejection(enc)
	require.NoError(t, err)
	assert.Equal(t, CommandRejection, cmd)
	assert.Equal(t, uint32(9), got.SequenceNumber)
}

func TestDecodeExpiredToken(t *testing.T) {
	e := apns.ExpiredToken{Token: []byte{0xde, 0xad, 0xbe, 0xef}, Expiration: time.Unix(1600000000, 0)}
	rec := EncodeExpiredToken(e)
	require.Len(t, rec, 10)

	for n := 0; n < len(rec); n++ {
		_, _, err := DecodeExpiredToken(rec[:n])
		assert.Equal(t, ErrNeedMore, err, "length %d", n)
	}

	got, consumed, err := DecodeExpiredToken(append(rec, 0xff))
	require.NoError(t, err)
	assert.Equal(t, len(rec), consumed)
	assert.Equal(t, e.Token, got.Token)
	assert.True(t, e.Expiration.Equal(got.Expiration))
}

// oneByteReader delivers its input one byte per Read to exercise partial reads.
type oneByteReader struct{ data []byte }

func (r *oneByteReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

func TestReader_PartialReads(t *testing.T) {
	var stream []byte
	for i := 0; i < 3; i++ {
		stream = append(stream, EncodeExpiredToken(apns.ExpiredToken{
			Token:      bytes.Repeat([]byte{byte(i)}, 32),
			Expiration: time.Unix(int64(1000+i), 0),
		})...)
	}
	r := NewReader(&oneByteReader{data: stream})

	for i := 0; i < 3; i++ {
		e, err := r.ReadExpiredToken()
		require.NoError(t, err)
		assert.Equal(t, byte(i), e.Token[0])
		assert.Equal(t, int64(1000+i), e.Expiration.Unix())
	}
	_, err := r.ReadExpiredToken()
	assert.Equal(t, io.EOF, err)
}

func TestReader_TruncatedRecord(t *testing.T) {
	rec := EncodeExpiredToken(apns.ExpiredToken{Token: []byte{1, 2, 3}, Expiration: time.Unix(1, 0)})
	r := NewReader(bytes.NewReader(rec[:len(rec)-1]))
	_, err := r.ReadExpiredToken()
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestReader_Notifications(t *testing.T) {
	var stream []byte
	for seq := uint32(1); seq <= 3; seq++ {
		frame, err := Encode(sendable(seq, []byte{byte(seq)}, "{}"))
		require.NoError(t, err)
		stream = append(stream, frame...)
	}
	bad, err := Encode(apns.KnownBadNotification(4))
	require.NoError(t, err)
	stream = append(stream, bad...)

	r := NewReader(&oneByteReader{data: stream})
	for seq := uint32(1); seq <= 3; seq++ {
		s, err := r.ReadNotification()
		require.NoError(t, err)
		assert.Equal(t, seq, s.SequenceNumber)
	}
	s, err := r.ReadNotification()
	require.NoError(t, err)
	assert.True(t, s.IsKnownBad())
	assert.Equal(t, uint32(4), s.SequenceNumber)
}

func TestReader_Rejection(t *testing.T) {
	r := NewReader(&oneByteReader{data: []byte{8, 7, 0, 0, 0, 5}})
	rej, cmd, err := r.ReadRejection()
	require.NoError(t, err)
	assert.Equal(t, CommandRejection, cmd)
	assert.Equal(t, apns.RejectedNotification{SequenceNumber: 5, Reason: apns.InvalidPayloadSize}, rej)
}

func FuzzEncodeFrameLength(f *testing.F) {
	f.Add(uint32(1), []byte{1, 2, 3}, `{"aps":{}}`, int64(0), true)
	f.Add(uint32(0xffffffff), make([]byte, 32), strings.Repeat("a", 100), int64(1700000000), false)
	f.Add(uint32(0), []byte{}, "", int64(-5), true)

	f.Fuzz(func(t *testing.T, seq uint32, token []byte, payload string, expiry int64, immediate bool) {
		s := sendable(seq, token, payload)
		if expiry != 0 {
			exp := time.Unix(expiry, 0)
			s.Expiration = &exp
		}
		if !immediate {
			s.Priority = apns.PriorityConservePower
		}

		frame, err := Encode(s)
		if len(token) > MaxTokenLength || len(payload) > MaxPayloadLength {
			require.Error(t, err)
			return
		}
		require.NoError(t, err)

		declared := int(binary.BigEndian.Uint32(frame[1:5]))
		total, ids := sumItems(t, frame)
		if declared != total {
			t.Fatalf("frame length %d, items add up to %d", declared, total)
		}
		assert.Len(t, ids, itemCount)
		assert.Equal(t, FrameLength(s), declared)

		decoded, n, err := DecodeNotification(frame)
		require.NoError(t, err)
		assert.Equal(t, len(frame), n)
		assert.Equal(t, seq, decoded.SequenceNumber)
		assert.Equal(t, payload, decoded.Payload)
	})
}
