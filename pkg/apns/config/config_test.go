package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apnserrors "github.com/kart-io/apnshub/pkg/errors"
)

func TestEnvironments(t *testing.T) {
	prod := Production()
	assert.Equal(t, "gateway.push.apple.com:2195", prod.GatewayAddr())
	assert.Equal(t, "feedback.push.apple.com:2196", prod.FeedbackAddr())

	sandbox := Sandbox()
	assert.Equal(t, "gateway.sandbox.push.apple.com:2195", sandbox.GatewayAddr())
	assert.Equal(t, "feedback.sandbox.push.apple.com:2196", sandbox.FeedbackAddr())

	assert.NoError(t, prod.Validate())
	assert.Error(t, Environment{GatewayHost: "h", GatewayPort: 0, FeedbackHost: "f", FeedbackPort: 1}.Validate())
}

func TestDefaults(t *testing.T) {
	cfg := DefaultManagerConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.ConcurrentConnections)
	assert.Equal(t, 8192, cfg.Connection.SentBufferCapacity)
	assert.Equal(t, time.Second, cfg.Feedback.ReadTimeout)
	assert.Zero(t, cfg.Connection.CloseAfterInactivity)
	assert.Zero(t, cfg.Connection.SendAttemptLimit)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ManagerConfig)
		field  string
	}{
		{"zero connections", func(c *ManagerConfig) { c.ConcurrentConnections = 0 }, "ConcurrentConnections"},
		{"zero capacity", func(c *ManagerConfig) { c.Connection.SentBufferCapacity = 0 }, "SentBufferCapacity"},
		{"negative idle", func(c *ManagerConfig) { c.Connection.CloseAfterInactivity = -time.Second }, "CloseAfterInactivity"},
		{"negative grace", func(c *ManagerConfig) { c.Connection.GracefulDisconnectTimeout = -1 }, "GracefulDisconnectTimeout"},
		{"negative limit", func(c *ManagerConfig) { c.Connection.SendAttemptLimit = -1 }, "SendAttemptLimit"},
		{"inverted watermarks", func(c *ManagerConfig) { c.Connection.WriteQueueLowWater = 64 }, "WriteQueueLowWater"},
		{"zero read timeout", func(c *ManagerConfig) { c.Feedback.ReadTimeout = 0 }, "ReadTimeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultManagerConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, apnserrors.New(apnserrors.ErrConfigValidation, ""))
			var ne *apnserrors.NotifyError
			require.ErrorAs(t, err, &ne)
			assert.Equal(t, tt.field, ne.Context["field"])
		})
	}
}

func TestOptions(t *testing.T) {
	cfg, err := New(
		WithConcurrentConnections(4),
		WithSentBufferCapacity(16),
		WithCloseAfterInactivity(time.Minute),
		WithGracefulDisconnectTimeout(5*time.Second),
		WithSendAttemptLimit(1000),
		WithFeedbackReadTimeout(2*time.Second),
		WithWriteQueueWatermarks(8, 2),
		WithDialTimeout(3*time.Second),
	)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.ConcurrentConnections)
	assert.Equal(t, 16, cfg.Connection.SentBufferCapacity)
	assert.Equal(t, time.Minute, cfg.Connection.CloseAfterInactivity)
	assert.Equal(t, 5*time.Second, cfg.Connection.GracefulDisconnectTimeout)
	assert.Equal(t, 1000, cfg.Connection.SendAttemptLimit)
	assert.Equal(t, 2*time.Second, cfg.Feedback.ReadTimeout)
	assert.Equal(t, 8, cfg.Connection.WriteQueueHighWater)
	assert.Equal(t, 2, cfg.Connection.WriteQueueLowWater)
	assert.Equal(t, 3*time.Second, cfg.Feedback.DialTimeout)

	invalid := []Option{
		WithConcurrentConnections(0),
		WithSentBufferCapacity(-1),
		WithCloseAfterInactivity(0),
		WithGracefulDisconnectTimeout(-time.Second),
		WithSendAttemptLimit(0),
		WithFeedbackReadTimeout(0),
		WithWriteQueueWatermarks(4, 4),
		WithDialTimeout(0),
	}
	for i, opt := range invalid {
		_, err := New(opt)
		assert.Error(t, err, "option %d", i)
	}
}

func TestFromMap(t *testing.T) {
	cfg, err := FromMap(map[string]string{
		"APNS_ENVIRONMENT":        "production",
		"APNS_GATEWAY_HOST":       "127.0.0.1",
		"APNS_GATEWAY_PORT":       "12195",
		"APNS_CONNECTIONS":        "3",
		"APNS_IDLE_TIMEOUT":       "90s",
		"APNS_SEND_ATTEMPT_LIMIT": "500",
		"APNS_SHUTDOWN_TIMEOUT":   "10s",
	})
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "info", cfg.LogLevel)

	env, err := cfg.GatewayEnvironment()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:12195", env.GatewayAddr())
	assert.Equal(t, "feedback.push.apple.com:2196", env.FeedbackAddr())

	mc, err := cfg.ManagerConfig()
	require.NoError(t, err)
	assert.Equal(t, 3, mc.ConcurrentConnections)
	assert.Equal(t, 90*time.Second, mc.Connection.CloseAfterInactivity)
	assert.Equal(t, 500, mc.Connection.SendAttemptLimit)
	assert.Zero(t, mc.Connection.GracefulDisconnectTimeout)
}

func TestFromMap_Invalid(t *testing.T) {
	_, err := FromMap(map[string]string{"APNS_CONNECTIONS": "many"})
	assert.ErrorIs(t, err, apnserrors.New(apnserrors.ErrConfigLoadFailed, ""))

	cfg, err := FromMap(map[string]string{"APNS_ENVIRONMENT": "staging"})
	require.NoError(t, err)
	_, err = cfg.GatewayEnvironment()
	assert.Error(t, err)

	cfg, err = FromMap(map[string]string{"APNS_CONNECTIONS": "0"})
	require.NoError(t, err)
	_, err = cfg.ManagerConfig()
	assert.Error(t, err)
}
