package config

import (
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	apnserrors "github.com/kart-io/apnshub/pkg/errors"
)

var dotenvLoaded sync.Once

// EnvConfig is the process-level configuration read from the environment.
type EnvConfig struct {
	Environment  string `env:"APNS_ENVIRONMENT" envDefault:"sandbox"`
	GatewayHost  string `env:"APNS_GATEWAY_HOST"`
	GatewayPort  int    `env:"APNS_GATEWAY_PORT"`
	FeedbackHost string `env:"APNS_FEEDBACK_HOST"`
	FeedbackPort int    `env:"APNS_FEEDBACK_PORT"`

	CertFile     string `env:"APNS_CERT_FILE"`
	KeyFile      string `env:"APNS_KEY_FILE"`
	P12File      string `env:"APNS_P12_FILE"`
	P12Password  string `env:"APNS_P12_PASSWORD"`
	InsecureSkip bool   `env:"APNS_INSECURE_SKIP_VERIFY" envDefault:"false"`

	Connections         int           `env:"APNS_CONNECTIONS" envDefault:"1"`
	BufferCapacity      int           `env:"APNS_BUFFER_CAPACITY" envDefault:"8192"`
	IdleTimeout         time.Duration `env:"APNS_IDLE_TIMEOUT" envDefault:"0s"`
	GracefulTimeout     time.Duration `env:"APNS_GRACEFUL_TIMEOUT" envDefault:"0s"`
	SendAttemptLimit    int           `env:"APNS_SEND_ATTEMPT_LIMIT" envDefault:"0"`
	FeedbackReadTimeout time.Duration `env:"APNS_FEEDBACK_READ_TIMEOUT" envDefault:"1s"`
	DialTimeout         time.Duration `env:"APNS_DIAL_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout     time.Duration `env:"APNS_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	LogLevel   string `env:"APNS_LOG_LEVEL" envDefault:"info"`
	LogFile    string `env:"APNS_LOG_FILE"`
	LogMaxSize int    `env:"APNS_LOG_MAX_SIZE_MB" envDefault:"50"`

	RedisURL      string `env:"APNS_REDIS_URL"`
	RedisKey      string `env:"APNS_REDIS_KEY" envDefault:"apns:expired-tokens"`
	DatabaseURL   string `env:"APNS_DATABASE_URL"`
	DatabaseTable string `env:"APNS_DATABASE_TABLE" envDefault:"apns_expired_tokens"`

	OTLPEndpoint    string  `env:"APNS_OTLP_ENDPOINT"`
	ServiceName     string  `env:"APNS_SERVICE_NAME" envDefault:"apnshub"`
	TraceSampleRate float64 `env:"APNS_TRACE_SAMPLE_RATE" envDefault:"1.0"`
}

// FromEnv loads a .env file once if present, then parses the process environment.
func FromEnv() (EnvConfig, error) {
	dotenvLoaded.Do(func() {
		// a missing .env file is fine
		_ = godotenv.Load()
	})
	return parseEnv(env.Options{})
}

// FromMap parses vars instead of the process environment.
func FromMap(vars map[string]string) (EnvConfig, error) {
	return parseEnv(env.Options{Environment: vars})
}

func parseEnv(opts env.Options) (EnvConfig, error) {
	var cfg EnvConfig
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return EnvConfig{}, apnserrors.Wrap(err, apnserrors.ErrConfigLoadFailed, "cannot parse environment")
	}
	return cfg, nil
}

// GatewayEnvironment resolves the named environment and applies host or port overrides.
func (c EnvConfig) GatewayEnvironment() (Environment, error) {
	var e Environment
	switch strings.ToLower(c.Environment) {
	case "production", "prod":
		e = Production()
	case "sandbox", "development", "dev", "":
		e = Sandbox()
	default:
		return Environment{}, apnserrors.NewConfigError("APNS_ENVIRONMENT", "environment must be production or sandbox").
			WithContext("value", c.Environment)
	}
	if c.GatewayHost != "" {
		e.GatewayHost = c.GatewayHost
	}
	if c.GatewayPort != 0 {
		e.GatewayPort = c.GatewayPort
	}
	if c.FeedbackHost != "" {
		e.FeedbackHost = c.FeedbackHost
	}
	if c.FeedbackPort != 0 {
		e.FeedbackPort = c.FeedbackPort
	}
	return e, e.Validate()
}

// ManagerConfig converts the environment values into a validated ManagerConfig.
func (c EnvConfig) ManagerConfig() (ManagerConfig, error) {
	opts := []Option{
		WithConcurrentConnections(c.Connections),
		WithSentBufferCapacity(c.BufferCapacity),
		WithFeedbackReadTimeout(c.FeedbackReadTimeout),
		WithDialTimeout(c.DialTimeout),
	}
	if c.IdleTimeout != 0 {
		opts = append(opts, WithCloseAfterInactivity(c.IdleTimeout))
	}
	if c.GracefulTimeout != 0 {
		opts = append(opts, WithGracefulDisconnectTimeout(c.GracefulTimeout))
	}
	if c.SendAttemptLimit != 0 {
		opts = append(opts, WithSendAttemptLimit(c.SendAttemptLimit))
	}
	return New(opts...)
}
