// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err, "failed to create mock")
	t.Cleanup(mock.Close)

	s := NewPostgres(mock)
	s.backoff = func() retry.Backoff {
		return retry.WithMaxRetries(2, retry.NewConstant(time.Millisecond))
	}
	return s, mock
}

func TestPostgres_Get(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(mock pgxmock.PgxPoolIface)
		want      []byte
		wantErr   string
	}{
		{
			name: "found",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT value FROM plugin_kv`).
					WithArgs("echo", "greeting").
					WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte(`"hi"`)))
			},
			want: []byte(`"hi"`),
		},
		{
			name: "missing key",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT value FROM plugin_kv`).
					WithArgs("echo", "greeting").
					WillReturnError(pgx.ErrNoRows)
			},
			want: nil,
		},
		{
			name: "database error",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT value FROM plugin_kv`).
					WithArgs("echo", "greeting").
					WillReturnError(errors.New("connection refused"))
			},
			wantErr: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			tt.setupMock(mock)

			got, err := s.Get(context.Background(), "echo", "greeting")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
			assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
		})
	}
}

func TestPostgres_SetUpserts(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO plugin_kv .* ON CONFLICT \(namespace, key\) DO UPDATE`).
		WithArgs("echo", "k", []byte("v")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Set(context.Background(), "echo", "k", []byte("v")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RetriesTransientErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"serialization failure", &pgconn.PgError{Code: pgerrcode.SerializationFailure}},
		{"deadlock", &pgconn.PgError{Code: pgerrcode.DeadlockDetected}},
		{"connection exception", &pgconn.PgError{Code: pgerrcode.ConnectionFailure}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			mock.ExpectExec(`DELETE FROM plugin_kv`).WithArgs("echo", "k").WillReturnError(tt.err)
			mock.ExpectExec(`DELETE FROM plugin_kv`).WithArgs("echo", "k").
				WillReturnResult(pgxmock.NewResult("DELETE", 1))

			require.NoError(t, s.Delete(context.Background(), "echo", "k"))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgres_GivesUpAfterMaxRetries(t *testing.T) {
	s, mock := newMockStore(t)
	busy := &pgconn.PgError{Code: pgerrcode.SerializationFailure}
	for range 3 {
		mock.ExpectExec(`INSERT INTO plugin_kv`).WillReturnError(busy)
	}

	err := s.Set(context.Background(), "echo", "k", []byte("v"))
	require.Error(t, err)
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, pgerrcode.SerializationFailure, pgErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DoesNotRetryPermanentErrors(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO plugin_kv`).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UndefinedTable})

	require.Error(t, s.Set(context.Background(), "echo", "k", []byte("v")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_List(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT key FROM plugin_kv WHERE namespace = \$1 AND starts_with\(key, \$2\)`).
		WithArgs("echo", "user:").
		WillReturnRows(pgxmock.NewRows([]string{"key"}).AddRow("user:1").AddRow("user:2"))

	keys, err := s.List(context.Background(), "echo", "user:")
	require.NoError(t, err)
	assert.Equal(t, []string{"user:1", "user:2"}, keys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListEmpty(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT key FROM plugin_kv`).
		WithArgs("echo", "").
		WillReturnRows(pgxmock.NewRows([]string{"key"}))

	keys, err := s.List(context.Background(), "echo", "")
	require.NoError(t, err)
	assert.NotNil(t, keys)
	assert.Empty(t, keys)
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(&pgconn.PgError{Code: pgerrcode.DeadlockDetected}))
	assert.False(t, retryable(&pgconn.PgError{Code: pgerrcode.UniqueViolation}))
	assert.False(t, retryable(errors.New("plain")))
}
