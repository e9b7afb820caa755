package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kart-io/apnshub/pkg/apns"
	apnserrors "github.com/kart-io/apnshub/pkg/errors"
)

// DefaultTable is the table holding expired tokens when no name is given.
const DefaultTable = "apns_expired_tokens"

var (
	// ErrPostgresConfig is returned when the connection string cannot be parsed.
	ErrPostgresConfig = apnserrors.New(apnserrors.ErrInvalidConfig, "failed to parse database config")
	// ErrPostgresNotReady is returned when no connection attempt succeeded.
	ErrPostgresNotReady = apnserrors.New(apnserrors.ErrQueueConnection, "failed to open database connection")
)

// PostgresConfig describes the connection pool.
type PostgresConfig struct {
	ConnectionString string
	MaxConns         int32
	MinConns         int32
	RetryAttempts    int
	RetryInterval    time.Duration
}

// ConnectPostgres opens a pool and pings the database. Attempt i waits
// i*RetryInterval before the next one.
func ConnectPostgres(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, errors.Join(ErrPostgresConfig, err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}

	var lastErr error
	for i := range attempts {
		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrPostgresNotReady, ctx.Err())
		case <-time.After(time.Duration(i+1) * cfg.RetryInterval):
		}
	}
	return nil, errors.Join(ErrPostgresNotReady, lastErr)
}

// PostgresStore keeps one row per token, with the latest reported
// expiration.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresStore stores tokens in table using pool. The store owns the pool
// and closes it on Close.
func NewPostgresStore(pool *pgxpool.Pool, table string) *PostgresStore {
	if table == "" {
		table = DefaultTable
	}
	return &PostgresStore{
		pool:  pool,
		table: pgx.Identifier{table}.Sanitize(),
	}
}

// EnsureSchema creates the token table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	token      BYTEA PRIMARY KEY,
	expiration TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return apnserrors.Wrap(err, apnserrors.ErrQueueConnection, "failed to create token table").
			WithContext("table", s.table)
	}
	return nil
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, tokens []apns.ExpiredToken) error {
	if len(tokens) == 0 {
		return nil
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (token, expiration) VALUES ($1, $2)
ON CONFLICT (token) DO UPDATE SET expiration = GREATEST(%[1]s.expiration, EXCLUDED.expiration)`, s.table)

	batch := &pgx.Batch{}
	for _, t := range tokens {
		batch.Queue(stmt, t.Token, t.Expiration.UTC())
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return apnserrors.Wrap(err, apnserrors.ErrQueueConnection, "failed to save expired tokens").
			WithContext("table", s.table)
	}
	return nil
}

// Pop implements Store.
func (s *PostgresStore) Pop(ctx context.Context, limit int) ([]apns.ExpiredToken, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE token IN (
	SELECT token FROM %[1]s ORDER BY expiration, token LIMIT $1 FOR UPDATE SKIP LOCKED
) RETURNING token, expiration`, s.table)

	rows, err := s.pool.Query(ctx, stmt, limit)
	if err != nil {
		return nil, apnserrors.Wrap(err, apnserrors.ErrQueueConnection, "failed to pop expired tokens").
			WithContext("table", s.table)
	}
	tokens, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (apns.ExpiredToken, error) {
		var t apns.ExpiredToken
		err := row.Scan(&t.Token, &t.Expiration)
		return t, err
	})
	if err != nil {
		return nil, apnserrors.Wrap(err, apnserrors.ErrQueueSerialization, "failed to read expired tokens").
			WithContext("table", s.table)
	}
	// RETURNING does not keep the subquery order
	sortTokens(tokens)
	return tokens, nil
}

// Len implements Store.
func (s *PostgresStore) Len(ctx context.Context) (int64, error) {
	var n int64
	stmt := fmt.Sprintf(`SELECT count(*) FROM %s`, s.table)
	if err := s.pool.QueryRow(ctx, stmt).Scan(&n); err != nil {
		return 0, apnserrors.Wrap(err, apnserrors.ErrQueueConnection, "failed to count expired tokens").
			WithContext("table", s.table)
	}
	return n, nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
