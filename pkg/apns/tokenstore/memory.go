package tokenstore

import (
	"context"
	"sync"

	"github.com/kart-io/apnshub/pkg/apns"
)

// MemoryStore keeps tokens in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]apns.ExpiredToken
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]apns.ExpiredToken)}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, tokens []apns.ExpiredToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range tokens {
		key := string(t.Token)
		if prev, ok := s.tokens[key]; ok && !t.Expiration.After(prev.Expiration) {
			continue
		}
		s.tokens[key] = apns.ExpiredToken{
			Token:      append([]byte(nil), t.Token...),
			Expiration: t.Expiration,
		}
	}
	return nil
}

// Pop implements Store.
func (s *MemoryStore) Pop(_ context.Context, limit int) ([]apns.ExpiredToken, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]apns.ExpiredToken, 0, len(s.tokens))
	for _, t := range s.tokens {
		all = append(all, t)
	}
	sortTokens(all)
	if len(all) > limit {
		all = all[:limit]
	}
	for _, t := range all {
		delete(s.tokens, string(t.Token))
	}
	return all, nil
}

// Len implements Store.
func (s *MemoryStore) Len(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.tokens)), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
