// Package config describes how the gateway client connects and behaves:
// which gateway environment to use, per-connection policies, feedback
// session settings and the size of the connection pool.
//
// Every value is validated eagerly; invalid settings are reported as errors
// and never replaced by defaults.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	apnserrors "github.com/kart-io/apnshub/pkg/errors"
)

// Defaults.
const (
	DefaultSentBufferCapacity    = 8192
	DefaultWriteQueueHighWater   = 64
	DefaultWriteQueueLowWater    = 32
	DefaultDialTimeout           = 30 * time.Second
	DefaultFeedbackReadTimeout   = time.Second
	DefaultConcurrentConnections = 1
)

// Environment names the gateway and feedback endpoints.
type Environment struct {
	GatewayHost  string
	GatewayPort  int
	FeedbackHost string
	FeedbackPort int
}

// Production returns the production endpoints.
func Production() Environment {
	return Environment{
		GatewayHost:  "gateway.push.apple.com",
		GatewayPort:  2195,
		FeedbackHost: "feedback.push.apple.com",
		FeedbackPort: 2196,
	}
}

// Sandbox returns the development endpoints.
func Sandbox() Environment {
	return Environment{
		GatewayHost:  "gateway.sandbox.push.apple.com",
		GatewayPort:  2195,
		FeedbackHost: "feedback.sandbox.push.apple.com",
		FeedbackPort: 2196,
	}
}

// GatewayAddr returns host:port of the gateway.
func (e Environment) GatewayAddr() string {
	return net.JoinHostPort(e.GatewayHost, strconv.Itoa(e.GatewayPort))
}

// FeedbackAddr returns host:port of the feedback service.
func (e Environment) FeedbackAddr() string {
	return net.JoinHostPort(e.FeedbackHost, strconv.Itoa(e.FeedbackPort))
}

// Validate checks that both endpoints are set.
func (e Environment) Validate() error {
	switch {
	case e.GatewayHost == "":
		return apnserrors.NewConfigError("GatewayHost", "gateway host must not be empty")
	case e.GatewayPort <= 0 || e.GatewayPort > 65535:
		return apnserrors.NewConfigError("GatewayPort", fmt.Sprintf("gateway port %d out of range", e.GatewayPort))
	case e.FeedbackHost == "":
		return apnserrors.NewConfigError("FeedbackHost", "feedback host must not be empty")
	case e.FeedbackPort <= 0 || e.FeedbackPort > 65535:
		return apnserrors.NewConfigError("FeedbackPort", fmt.Sprintf("feedback port %d out of range", e.FeedbackPort))
	}
	return nil
}

// ConnectionConfig holds per-connection policies. A zero duration or limit
// disables the corresponding policy.
type ConnectionConfig struct {
	// SentBufferCapacity is how many written notifications are remembered
	// for mapping rejections back to their payload.
	SentBufferCapacity int
	// CloseAfterInactivity starts a graceful disconnect after this long
	// without reads or writes.
	CloseAfterInactivity time.Duration
	// GracefulDisconnectTimeout forces the connection closed if the gateway
	// has not closed it this long after a graceful disconnect started.
	GracefulDisconnectTimeout time.Duration
	// SendAttemptLimit starts a graceful disconnect once this many sends
	// have been attempted on the connection.
	SendAttemptLimit int
	// WriteQueueHighWater and WriteQueueLowWater bound the number of frames
	// waiting to be written before the connection reports itself unwritable,
	// and writable again.
	WriteQueueHighWater int
	WriteQueueLowWater  int
	DialTimeout         time.Duration
}

// DefaultConnectionConfig returns the defaults.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		SentBufferCapacity:  DefaultSentBufferCapacity,
		WriteQueueHighWater: DefaultWriteQueueHighWater,
		WriteQueueLowWater:  DefaultWriteQueueLowWater,
		DialTimeout:         DefaultDialTimeout,
	}
}

// Validate reports the first invalid setting.
func (c ConnectionConfig) Validate() error {
	switch {
	case c.SentBufferCapacity <= 0:
		return apnserrors.NewConfigError("SentBufferCapacity", "sent buffer capacity must be positive")
	case c.CloseAfterInactivity < 0:
		return apnserrors.NewConfigError("CloseAfterInactivity", "inactivity timeout must not be negative")
	case c.GracefulDisconnectTimeout < 0:
		return apnserrors.NewConfigError("GracefulDisconnectTimeout", "graceful disconnect timeout must not be negative")
	case c.SendAttemptLimit < 0:
		return apnserrors.NewConfigError("SendAttemptLimit", "send attempt limit must not be negative")
	case c.WriteQueueHighWater <= 0:
		return apnserrors.NewConfigError("WriteQueueHighWater", "write queue high-water mark must be positive")
	case c.WriteQueueLowWater < 0 || c.WriteQueueLowWater >= c.WriteQueueHighWater:
		return apnserrors.NewConfigError("WriteQueueLowWater", "write queue low-water mark must be in [0, high-water mark)")
	case c.DialTimeout <= 0:
		return apnserrors.NewConfigError("DialTimeout", "dial timeout must be positive")
	}
	return nil
}

// FeedbackConfig holds feedback session settings.
type FeedbackConfig struct {
	// ReadTimeout ends a session once no record has arrived for this long.
	ReadTimeout time.Duration
	DialTimeout time.Duration
}

// DefaultFeedbackConfig returns the defaults.
func DefaultFeedbackConfig() FeedbackConfig {
	return FeedbackConfig{
		ReadTimeout: DefaultFeedbackReadTimeout,
		DialTimeout: DefaultDialTimeout,
	}
}

// Validate reports the first invalid setting.
func (c FeedbackConfig) Validate() error {
	switch {
	case c.ReadTimeout <= 0:
		return apnserrors.NewConfigError("ReadTimeout", "feedback read timeout must be positive")
	case c.DialTimeout <= 0:
		return apnserrors.NewConfigError("DialTimeout", "dial timeout must be positive")
	}
	return nil
}

// ManagerConfig is the full client configuration.
type ManagerConfig struct {
	ConcurrentConnections int
	Connection            ConnectionConfig
	Feedback              FeedbackConfig
}

// DefaultManagerConfig returns the defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ConcurrentConnections: DefaultConcurrentConnections,
		Connection:            DefaultConnectionConfig(),
		Feedback:              DefaultFeedbackConfig(),
	}
}

// Validate reports the first invalid setting.
func (c ManagerConfig) Validate() error {
	if c.ConcurrentConnections <= 0 {
		return apnserrors.NewConfigError("ConcurrentConnections", "concurrent connection count must be positive")
	}
	if err := c.Connection.Validate(); err != nil {
		return err
	}
	return c.Feedback.Validate()
}
