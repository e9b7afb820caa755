package tokenstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kart-io/apnshub/pkg/apns"
	apnserrors "github.com/kart-io/apnshub/pkg/errors"
	"github.com/kart-io/apnshub/pkg/logger"
)

// DefaultRedisKey is the list holding expired tokens when no key is given.
const DefaultRedisKey = "apns:expired-tokens"

var (
	// ErrRedisURL is returned when the connection URL cannot be parsed.
	ErrRedisURL = apnserrors.New(apnserrors.ErrInvalidConfig, "failed to parse redis connection url")
	// ErrRedisNotReady is returned when no connection attempt succeeded.
	ErrRedisNotReady = apnserrors.New(apnserrors.ErrQueueConnection, "redis is not ready")
)

// RedisConfig describes how to reach the Redis server.
type RedisConfig struct {
	URL            string
	Key            string
	ConnectTimeout time.Duration
	RetryAttempts  int
	RetryInterval  time.Duration
}

// DefaultRedisConfig returns the settings used for fields left zero.
func DefaultRedisConfig(url string) RedisConfig {
	return RedisConfig{
		URL:            url,
		Key:            DefaultRedisKey,
		ConnectTimeout: 30 * time.Second,
		RetryAttempts:  3,
		RetryInterval:  5 * time.Second,
	}
}

// ConnectRedis opens a client and pings the server, retrying up to
// RetryAttempts times.
func ConnectRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	def := DefaultRedisConfig(cfg.URL)
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryInterval < 0 {
		cfg.RetryInterval = def.RetryInterval
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(ErrRedisURL, err)
	}

	var lastErr error
	for range cfg.RetryAttempts {
		client := redis.NewClient(opts)
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, errors.Join(ErrRedisNotReady, lastErr)
}

// RedisStore keeps tokens in a Redis list as JSON records. Unlike the other
// stores it does not collapse duplicates; consumers see every report.
type RedisStore struct {
	client *redis.Client
	key    string
	log    logger.Logger
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisLogger sets the logger that reports unreadable records.
func WithRedisLogger(l logger.Logger) RedisOption {
	return func(s *RedisStore) { s.log = logger.OrDiscard(l) }
}

// NewRedisStore stores tokens under key using client. The store owns the
// client and closes it on Close.
func NewRedisStore(client *redis.Client, key string, opts ...RedisOption) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	s := &RedisStore{client: client, key: key, log: logger.Discard}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, tokens []apns.ExpiredToken) error {
	if len(tokens) == 0 {
		return nil
	}
	values := make([]any, 0, len(tokens))
	for _, t := range tokens {
		v, err := marshalRecord(t)
		if err != nil {
			return err
		}
		values = append(values, v)
	}
	if err := s.client.RPush(ctx, s.key, values...).Err(); err != nil {
		return apnserrors.Wrap(err, apnserrors.ErrQueueConnection, "failed to save expired tokens").
			WithContext("key", s.key)
	}
	return nil
}

// Pop implements Store.
func (s *RedisStore) Pop(ctx context.Context, limit int) ([]apns.ExpiredToken, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	values, err := s.client.LPopCount(ctx, s.key, limit).Result()
	if errors.Is(err, redis.Nil) {
		return []apns.ExpiredToken{}, nil
	}
	if err != nil {
		return nil, apnserrors.Wrap(err, apnserrors.ErrQueueConnection, "failed to pop expired tokens").
			WithContext("key", s.key)
	}

	return decodeRecords(values, s.key, s.log), nil
}

// Len implements Store.
func (s *RedisStore) Len(ctx context.Context) (int64, error) {
	n, err := s.client.LLen(ctx, s.key).Result()
	if err != nil {
		return 0, apnserrors.Wrap(err, apnserrors.ErrQueueConnection, "failed to count expired tokens").
			WithContext("key", s.key)
	}
	return n, nil
}

// Close implements Store.
func (s *RedisStore) Close() error { return s.client.Close() }
