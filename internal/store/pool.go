// Package store is the database layer: pgx-backed persistence with
// SERIALIZABLE transactions retried on recoverable conflicts, a
// process-wide advisory lock guarding concurrent loader/migrator runs, and
// one repository-style type per aggregate in the data model.
//
// pgx is promoted here from the teacher's ancillary read-only SQL-tool
// usage to the system's primary driver — see DESIGN.md — because spec §5
// requires SERIALIZABLE transactions with retryable conflicts and an
// advisory lock, which only a real RDBMS (not the teacher's SQLite Store)
// provides.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/repoforge/brepd/internal/errkind"
)

// Pool wraps a pgx connection pool with the retry and advisory-lock helpers
// every store in this package builds on.
type Pool struct {
	*pgxpool.Pool
	logger *zap.Logger
}

// Open connects to Postgres at dsn and returns a ready Pool.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{Pool: pool, logger: logger}, nil
}

// RetryPolicy configures the SERIALIZABLE-conflict retry loop (spec §5).
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy mirrors the teacher's job-retry defaults
// (internal/controlplane/jobs/retry.go), reused here for database
// conflicts instead of agent dispatch failures.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    8,
		InitialBackoff: 20 * time.Millisecond,
		Multiplier:     2,
		MaxBackoff:     2 * time.Second,
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	// jitter to avoid lockstep retries across concurrent requests
	jitter := time.Duration(rand.Int63n(int64(d) / 4 + 1))
	return d + jitter
}

// Serializable runs fn inside a SERIALIZABLE transaction, retrying on
// recoverable conflicts (serialization failure, deadlock) per policy. At
// the last attempt the error is wrapped as errkind.Recoverable and
// propagated, per spec §5/§7.
func (p *Pool) Serializable(ctx context.Context, policy RetryPolicy, fn func(pgx.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err := p.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRecoverable(err) {
			return err
		}
		lastErr = err
		if attempt < policy.MaxAttempts {
			p.logger.Debug("retrying after recoverable database error",
				zap.Int("attempt", attempt), zap.Error(err))
			select {
			case <-time.After(policy.delay(attempt)):
			case <-ctx.Done():
				return errkind.New(errkind.Recoverable, ctx.Err())
			}
		}
	}
	return errkind.New(errkind.Recoverable, lastErr)
}

func (p *Pool) runOnce(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin serializable tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after Commit

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// isRecoverable reports whether err is a SERIALIZABLE conflict (40001) or
// a deadlock (40P01). Other errors, including dropped connections, are not
// treated as recoverable.
func isRecoverable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}
	return false
}

// AdvisoryLock acquires a session-level advisory lock on key, blocking
// until it is available or ctx is done, for the lifetime of a single
// dedicated connection. The returned release func must be called to
// unlock (and returns the connection to the pool). This is the "process-
// wide advisory lock preventing concurrent loader runs" from spec §5.
func (p *Pool) AdvisoryLock(ctx context.Context, key int64) (release func(), err error) {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for advisory lock: %w", err)
	}
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquire advisory lock %d: %w", key, err)
	}
	return func() {
		_, _ = conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", key)
		conn.Release()
	}, nil
}

// TryAdvisoryLock is the non-blocking variant: it returns ok=false
// immediately if the lock is held elsewhere (spec §4.1 exit code 2
// "advisory lock cannot be acquired").
func (p *Pool) TryAdvisoryLock(ctx context.Context, key int64) (release func(), ok bool, err error) {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection for advisory lock: %w", err)
	}
	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock %d: %w", key, err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}
	return func() {
		_, _ = conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", key)
		conn.Release()
	}, true, nil
}

// LoaderLockKey is the advisory-lock key guarding concurrent loader runs
// (spec §4.1, §5).
const LoaderLockKey int64 = 0x627265706c6461 // "breplda" in hex, arbitrary but stable
