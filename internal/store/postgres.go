// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// poolIface is the subset of *pgxpool.Pool the store needs.
// pgxmock.PgxPoolIface satisfies it in tests.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const defaultRetries = 3

// Postgres keeps plugin values in the plugin_kv table. Transient failures
// (serialization conflicts, deadlocks, dropped connections) are retried
// with exponential backoff.
type Postgres struct {
	pool    poolIface
	closer  func()
	backoff func() retry.Backoff
}

// NewPostgres wraps an existing pool. The schema must already be migrated.
func NewPostgres(pool poolIface) *Postgres {
	return &Postgres{
		pool: pool,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(defaultRetries, retry.NewExponential(50*time.Millisecond))
		},
	}
}

// OpenPostgres connects to dsn, applies pending migrations, and returns a
// ready store.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	m, err := NewMigrator(dsn)
	if err != nil {
		return nil, err
	}
	upErr := m.Up()
	closeErr := m.Close()
	if upErr != nil {
		return nil, upErr
	}
	if closeErr != nil {
		return nil, closeErr
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.In("store").Code("DB_CONNECT_FAILED").Wrapf(err, "connect to database")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, oops.In("store").Code("DB_CONNECT_FAILED").Wrapf(err, "ping database")
	}
	s := NewPostgres(pool)
	s.closer = pool.Close
	return s, nil
}

// Close releases the pool when the store opened it.
func (s *Postgres) Close() {
	if s.closer != nil {
		s.closer()
	}
}

// retryable reports whether err is a transient database failure.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure ||
			pgErr.Code == pgerrcode.DeadlockDetected ||
			pgerrcode.IsConnectionException(pgErr.Code)
	}
	return pgconn.SafeToRetry(err)
}

func (s *Postgres) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// Get returns the stored value, or nil when key is absent.
func (s *Postgres) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.do(ctx, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx,
			`SELECT value FROM plugin_kv WHERE namespace = $1 AND key = $2`,
			namespace, key).Scan(&value)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.In("store").With("operation", "get").With("namespace", namespace).
			With("key", key).Wrap(err)
	}
	return value, nil
}

// Set stores value under key.
func (s *Postgres) Set(ctx context.Context, namespace, key string, value []byte) error {
	err := s.do(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO plugin_kv (namespace, key, value, updated_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
			namespace, key, value)
		return err
	})
	if err != nil {
		return oops.In("store").With("operation", "set").With("namespace", namespace).
			With("key", key).Wrap(err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Postgres) Delete(ctx context.Context, namespace, key string) error {
	err := s.do(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`DELETE FROM plugin_kv WHERE namespace = $1 AND key = $2`,
			namespace, key)
		return err
	})
	if err != nil {
		return oops.In("store").With("operation", "delete").With("namespace", namespace).
			With("key", key).Wrap(err)
	}
	return nil
}

// List returns the sorted keys in namespace that start with prefix.
func (s *Postgres) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	var keys []string
	err := s.do(ctx, func(ctx context.Context) error {
		keys = keys[:0]
		rows, err := s.pool.Query(ctx,
			`SELECT key FROM plugin_kv WHERE namespace = $1 AND starts_with(key, $2) ORDER BY key`,
			namespace, prefix)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				return err
			}
			keys = append(keys, k)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, oops.In("store").With("operation", "list").With("namespace", namespace).Wrap(err)
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}
