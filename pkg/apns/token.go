package apns

import (
	"encoding/hex"
	"strings"

	apnserrors "github.com/kart-io/apnshub/pkg/errors"
)

// ErrMalformedToken is returned when a token string does not hold an even
// number of hexadecimal digits.
var ErrMalformedToken = apnserrors.New(apnserrors.ErrInvalidFormat, "malformed device token")

// TokenFromString parses a device token written in hex. Every non-hex
// character (spaces, angle brackets, dashes) is ignored.
func TokenFromString(s string) ([]byte, error) {
	stripped := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
			return r
		default:
			return -1
		}
	}, s)
	if len(stripped)%2 != 0 {
		return nil, apnserrors.Wrap(ErrMalformedToken, apnserrors.ErrInvalidFormat, "token must contain an even number of hexadecimal digits")
	}
	return hex.DecodeString(stripped)
}

// MustToken is TokenFromString for literals; it panics on malformed input.
func MustToken(s string) []byte {
	b, err := TokenFromString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// TokenToString renders a token as lower-case hex.
func TokenToString(token []byte) string {
	return hex.EncodeToString(token)
}
