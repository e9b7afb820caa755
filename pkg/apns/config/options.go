package config

import (
	"time"

	apnserrors "github.com/kart-io/apnshub/pkg/errors"
)

// Option adjusts a ManagerConfig, failing on invalid values.
type Option func(*ManagerConfig) error

// New builds a ManagerConfig from the defaults and opts.
func New(opts ...Option) (ManagerConfig, error) {
	cfg := DefaultManagerConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return ManagerConfig{}, err
		}
	}
	return cfg, cfg.Validate()
}

// WithConcurrentConnections sets the pool size.
func WithConcurrentConnections(n int) Option {
	return func(cfg *ManagerConfig) error {
		if n <= 0 {
			return apnserrors.NewConfigError("ConcurrentConnections", "concurrent connection count must be positive")
		}
		cfg.ConcurrentConnections = n
		return nil
	}
}

// WithSentBufferCapacity sets how many written notifications each connection remembers.
func WithSentBufferCapacity(n int) Option {
	return func(cfg *ManagerConfig) error {
		if n <= 0 {
			return apnserrors.NewConfigError("SentBufferCapacity", "sent buffer capacity must be positive")
		}
		cfg.Connection.SentBufferCapacity = n
		return nil
	}
}

// WithCloseAfterInactivity enables the idle disconnect.
func WithCloseAfterInactivity(d time.Duration) Option {
	return func(cfg *ManagerConfig) error {
		if d <= 0 {
			return apnserrors.NewConfigError("CloseAfterInactivity", "inactivity timeout must be positive")
		}
		cfg.Connection.CloseAfterInactivity = d
		return nil
	}
}

// WithGracefulDisconnectTimeout bounds how long a graceful disconnect may take.
func WithGracefulDisconnectTimeout(d time.Duration) Option {
	return func(cfg *ManagerConfig) error {
		if d <= 0 {
			return apnserrors.NewConfigError("GracefulDisconnectTimeout", "graceful disconnect timeout must be positive")
		}
		cfg.Connection.GracefulDisconnectTimeout = d
		return nil
	}
}

// WithSendAttemptLimit recycles each connection after n sends.
func WithSendAttemptLimit(n int) Option {
	return func(cfg *ManagerConfig) error {
		if n <= 0 {
			return apnserrors.NewConfigError("SendAttemptLimit", "send attempt limit must be positive")
		}
		cfg.Connection.SendAttemptLimit = n
		return nil
	}
}

// WithFeedbackReadTimeout sets the silence that ends a feedback session.
func WithFeedbackReadTimeout(d time.Duration) Option {
	return func(cfg *ManagerConfig) error {
		if d <= 0 {
			return apnserrors.NewConfigError("ReadTimeout", "feedback read timeout must be positive")
		}
		cfg.Feedback.ReadTimeout = d
		return nil
	}
}

// WithWriteQueueWatermarks sets the writability thresholds of each connection.
func WithWriteQueueWatermarks(high, low int) Option {
	return func(cfg *ManagerConfig) error {
		if high <= 0 || low < 0 || low >= high {
			return apnserrors.NewConfigError("WriteQueueHighWater", "watermarks must satisfy 0 <= low < high")
		}
		cfg.Connection.WriteQueueHighWater = high
		cfg.Connection.WriteQueueLowWater = low
		return nil
	}
}

// WithDialTimeout sets the dial and handshake timeout of gateway and feedback connections.
func WithDialTimeout(d time.Duration) Option {
	return func(cfg *ManagerConfig) error {
		if d <= 0 {
			return apnserrors.NewConfigError("DialTimeout", "dial timeout must be positive")
		}
		cfg.Connection.DialTimeout = d
		cfg.Feedback.DialTimeout = d
		return nil
	}
}
