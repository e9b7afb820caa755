// Package tokenstore persists expired device tokens reported by feedback
// sessions so that whatever maintains the device registry can consume them
// later.
package tokenstore

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/kart-io/apnshub/pkg/apns"
	apnserrors "github.com/kart-io/apnshub/pkg/errors"
	"github.com/kart-io/apnshub/pkg/logger"
)

// Store holds expired tokens until they are popped.
type Store interface {
	// Save adds tokens. Saving a token that is already stored keeps the
	// later expiration.
	Save(ctx context.Context, tokens []apns.ExpiredToken) error

	// Pop removes and returns up to limit tokens, earliest expiration first
	// (RedisStore pops in save order). It returns an empty slice when the
	// store is empty.
	Pop(ctx context.Context, limit int) ([]apns.ExpiredToken, error)

	// Len returns the number of stored tokens.
	Len(ctx context.Context) (int64, error)

	// Close releases any resources held by the store.
	Close() error
}

// record is the serialized form of an expired token.
type record struct {
	Token      string `json:"token"`
	Expiration int64  `json:"expiration"`
}

func toRecord(t apns.ExpiredToken) record {
	return record{Token: apns.TokenToString(t.Token), Expiration: t.Expiration.Unix()}
}

func (r record) expiredToken() (apns.ExpiredToken, error) {
	token, err := apns.TokenFromString(r.Token)
	if err != nil {
		return apns.ExpiredToken{}, err
	}
	return apns.ExpiredToken{Token: token, Expiration: time.Unix(r.Expiration, 0)}, nil
}

func marshalRecord(t apns.ExpiredToken) (string, error) {
	b, err := json.Marshal(toRecord(t))
	if err != nil {
		return "", apnserrors.Wrap(err, apnserrors.ErrMessageEncoding, "cannot encode expired token")
	}
	return string(b), nil
}

func unmarshalRecord(s string) (apns.ExpiredToken, error) {
	var r record
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return apns.ExpiredToken{}, apnserrors.Wrap(err, apnserrors.ErrInvalidFormat, "cannot decode expired token")
	}
	return r.expiredToken()
}

// decodeRecords decodes values popped from source. Unreadable records are
// logged and skipped; they are already gone from the store.
func decodeRecords(values []string, source string, log logger.Logger) []apns.ExpiredToken {
	tokens := make([]apns.ExpiredToken, 0, len(values))
	for _, v := range values {
		t, err := unmarshalRecord(v)
		if err != nil {
			log.Error("dropping unreadable expired-token record", "source", source, "record", v, "error", err)
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens
}

func checkLimit(limit int) error {
	if limit <= 0 {
		return apnserrors.New(apnserrors.ErrValidationFailed, "pop limit must be positive").
			WithContext("limit", limit)
	}
	return nil
}

// sortTokens orders tokens oldest first, breaking ties by token bytes.
func sortTokens(tokens []apns.ExpiredToken) {
	sort.Slice(tokens, func(i, j int) bool {
		if tokens[i].Expiration.Equal(tokens[j].Expiration) {
			return string(tokens[i].Token) < string(tokens[j].Token)
		}
		return tokens[i].Expiration.Before(tokens[j].Expiration)
	})
}
