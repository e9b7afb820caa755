// Command apnspush reads notifications as JSON lines from stdin and sends
// them through the push gateway. Configuration comes from APNS_* environment
// variables, optionally loaded from a .env file.
//
// Each input line looks like
//
//	{"token":"<hex>","alert":"Hello","badge":1,"priority":10,"expiration":1700000000}
//
// or carries a ready-made "payload" object instead of alert/badge/sound.
// Once stdin is exhausted the outbound queue is drained before shutting
// down. Notifications still unsent at shutdown are printed to stdout in the
// same form.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/kart-io/apnshub/observability"
	"github.com/kart-io/apnshub/pkg/apns"
	"github.com/kart-io/apnshub/pkg/apns/config"
	"github.com/kart-io/apnshub/pkg/apns/credentials"
	"github.com/kart-io/apnshub/pkg/apns/manager"
	"github.com/kart-io/apnshub/pkg/apns/queue"
	"github.com/kart-io/apnshub/pkg/apns/tokenstore"
	"github.com/kart-io/apnshub/pkg/logger"
)

const queuePollInterval = 50 * time.Millisecond

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "apnspush:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := logger.NewZerologOutput(level, logger.FileConfig{Path: cfg.LogFile, MaxSizeMB: cfg.LogMaxSize})

	env, err := cfg.GatewayEnvironment()
	if err != nil {
		return err
	}
	managerCfg, err := cfg.ManagerConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		creds credentials.Source
		store tokenstore.Store
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		creds, err = loadCredentials(cfg)
		return err
	})
	g.Go(func() error {
		var err error
		store, err = openStore(gctx, cfg, log)
		return err
	})
	if err := g.Wait(); err != nil {
		if store != nil {
			_ = store.Close()
		}
		return err
	}
	defer store.Close()

	telemetry, err := observability.NewTelemetry(observability.TelemetryConfig{
		ServiceName:  cfg.ServiceName,
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   cfg.TraceSampleRate,
		Enabled:      cfg.OTLPEndpoint != "",
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(flushCtx); err != nil {
			log.Warn("failed to flush telemetry", "error", err)
		}
	}()

	m, err := manager.New(env, creds, managerCfg,
		manager.WithName("apnspush"),
		manager.WithLogger(log),
		manager.WithObserver(telemetry),
	)
	if err != nil {
		return err
	}
	if err := registerListeners(m, store, log); err != nil {
		return err
	}
	if err := m.Start(); err != nil {
		return err
	}
	log.Info("manager started", "gateway", env.GatewayAddr(), "connections", managerCfg.ConcurrentConnections)

	if err := m.RequestExpiredTokens(); err != nil {
		log.Warn("failed to request expired tokens", "error", err)
	}

	readDone := make(chan error, 1)
	go func() {
		readDone <- readRequests(ctx, os.Stdin,
			func(n apns.Notification) { m.Queue().Put(n) },
			func(line int, err error) { log.Warn("skipping malformed input", "line", line, "error", err) },
		)
	}()

	select {
	case err := <-readDone:
		if err != nil {
			log.Error("failed to read input", "error", err)
		}
		log.Info("input exhausted, waiting for the queue to empty", "queued", m.Queue().Len())
		if err := waitForEmpty(ctx, m.Queue(), queuePollInterval); err != nil {
			log.Info("signal received, shutting down", "queued", m.Queue().Len())
		}
	case <-ctx.Done():
		log.Info("signal received, shutting down", "queued", m.Queue().Len())
	}

	residual, shutdownErr := m.Shutdown(cfg.ShutdownTimeout)
	residual = append(residual, m.Queue().Drain()...)
	if err := writeResidual(os.Stdout, residual); err != nil {
		return err
	}
	if len(residual) > 0 {
		log.Warn("notifications left unsent", "count", len(residual))
	}
	return shutdownErr
}

// waitForEmpty blocks until q is empty or ctx is done.
func waitForEmpty(ctx context.Context, q *queue.Queue[apns.Notification], interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for !q.IsEmpty() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func loadCredentials(cfg config.EnvConfig) (credentials.Source, error) {
	var opts []credentials.Option
	if cfg.InsecureSkip {
		opts = append(opts, credentials.WithInsecureSkipVerify())
	}
	switch {
	case cfg.P12File != "":
		return credentials.FromPKCS12File(cfg.P12File, cfg.P12Password, opts...)
	case cfg.CertFile != "" && cfg.KeyFile != "":
		return credentials.FromPEMFiles(cfg.CertFile, cfg.KeyFile, opts...)
	default:
		return nil, errors.New("set APNS_P12_FILE or both APNS_CERT_FILE and APNS_KEY_FILE")
	}
}

func openStore(ctx context.Context, cfg config.EnvConfig, log logger.Logger) (tokenstore.Store, error) {
	switch {
	case cfg.RedisURL != "":
		redisCfg := tokenstore.DefaultRedisConfig(cfg.RedisURL)
		redisCfg.Key = cfg.RedisKey
		client, err := tokenstore.ConnectRedis(ctx, redisCfg)
		if err != nil {
			return nil, err
		}
		log.Info("storing expired tokens in redis", "key", redisCfg.Key)
		return tokenstore.NewRedisStore(client, redisCfg.Key, tokenstore.WithRedisLogger(log)), nil

	case cfg.DatabaseURL != "":
		pool, err := tokenstore.ConnectPostgres(ctx, tokenstore.PostgresConfig{
			ConnectionString: cfg.DatabaseURL,
			RetryInterval:    time.Second,
		})
		if err != nil {
			return nil, err
		}
		store := tokenstore.NewPostgresStore(pool, cfg.DatabaseTable)
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		log.Info("storing expired tokens in postgres", "table", cfg.DatabaseTable)
		return store, nil

	default:
		log.Info("storing expired tokens in memory")
		return tokenstore.NewMemoryStore(), nil
	}
}

func registerListeners(m *manager.Manager, store tokenstore.Store, log logger.Logger) error {
	if _, err := m.RegisterRejectedNotificationListener(manager.RejectedNotificationListenerFunc(
		func(_ *manager.Manager, n apns.Notification, reason apns.RejectionReason) {
			log.Warn("notification rejected", "error", manager.RejectionError(n, reason))
		})); err != nil {
		return err
	}
	if _, err := m.RegisterFailedConnectionListener(manager.FailedConnectionListenerFunc(
		func(_ *manager.Manager, cause error) {
			log.Warn("connection failed", "error", cause)
		})); err != nil {
		return err
	}
	_, err := m.RegisterExpiredTokenListener(tokenstore.Listener(store, log))
	return err
}

func writeResidual(w io.Writer, residual []apns.Notification) error {
	if len(residual) == 0 {
		return nil
	}
	bw := bufio.NewWriter(w)
	for _, n := range residual {
		line, err := formatNotification(n)
		if err != nil {
			return err
		}
		if _, err := bw.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return bw.Flush()
}
