package codec

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/kart-io/apnshub/pkg/apns"
)

// Reader decodes messages from a byte stream that carries no message
// boundaries. It blocks until a full message is available or the underlying
// reader fails; a clean EOF between messages is returned as io.EOF, a
// truncated message as io.ErrUnexpectedEOF.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, frameHeaderLength+MaxPayloadLength+MaxTokenLength+64)}
}

// ReadRejection reads one rejection frame and its command byte.
func (d *Reader) ReadRejection() (apns.RejectedNotification, uint8, error) {
	var buf [RejectionLength]byte
	if _, err := io.ReadFull(d.r, buf[:]); err != nil {
		return apns.RejectedNotification{}, 0, err
	}
	return DecodeRejection(buf[:])
}

// ReadExpiredToken reads one feedback record.
func (d *Reader) ReadExpiredToken() (apns.ExpiredToken, error) {
	var hdr [expiredHeaderLen]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return apns.ExpiredToken{}, err
	}
	n := int(binary.BigEndian.Uint16(hdr[4:6]))
	record := make([]byte, expiredHeaderLen+n)
	copy(record, hdr[:])
	if _, err := io.ReadFull(d.r, record[expiredHeaderLen:]); err != nil {
		return apns.ExpiredToken{}, noEOF(err)
	}
	e, _, err := DecodeExpiredToken(record)
	return e, err
}

// ReadNotification reads one notification frame.
func (d *Reader) ReadNotification() (apns.SendableNotification, error) {
	var hdr [frameHeaderLength]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return apns.SendableNotification{}, err
	}
	n := int(binary.BigEndian.Uint32(hdr[1:5]))
	if hdr[0] != CommandNotification || n > MaxFrameLength {
		s, _, err := DecodeNotification(hdr[:])
		if err == nil || err == ErrNeedMore {
			err = ErrMalformedFrame
		}
		return s, err
	}
	frame := make([]byte, frameHeaderLength+n)
	copy(frame, hdr[:])
	if _, err := io.ReadFull(d.r, frame[frameHeaderLength:]); err != nil {
		return apns.SendableNotification{}, noEOF(err)
	}
	s, _, err := DecodeNotification(frame)
	return s, err
}

// MaxFrameLength is the largest frame-length value a well-formed frame can carry.
const MaxFrameLength = itemCount*itemHeaderLength + fixedItemBytes + MaxTokenLength + MaxPayloadLength

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
