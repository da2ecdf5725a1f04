package database

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitespeed/internal/config"
	"bitespeed/internal/sentinel"
)

func newSQLite(t *testing.T) *DB {
	t.Helper()
	cfg := config.Database{
		Driver:       config.DriverSQLite,
		URL:          filepath.Join(t.TempDir(), "contacts.db"),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}
	db, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNewSQLiteRunsMigrations(t *testing.T) {
	db := newSQLite(t)
	ctx := context.Background()

	assert.Equal(t, config.DriverSQLite, db.Dialect())
	require.NoError(t, db.Health(ctx))

	// Migrations are idempotent.
	require.NoError(t, db.runMigrations(ctx))

	var count int
	require.NoError(t, db.Conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM contacts`).Scan(&count))
	assert.Zero(t, count)
}

func TestSchemaConstraints(t *testing.T) {
	db := newSQLite(t)
	ctx := context.Background()

	t.Run("rejects contact without identifiers", func(t *testing.T) {
		_, err := db.Conn.ExecContext(ctx, `INSERT INTO contacts (link_precedence) VALUES ('primary')`)
		assert.Error(t, err)
	})

	t.Run("rejects secondary without linked id", func(t *testing.T) {
		_, err := db.Conn.ExecContext(ctx, `INSERT INTO contacts (email, link_precedence) VALUES ('a@x.com', 'secondary')`)
		assert.Error(t, err)
	})

	t.Run("duplicate pair is a retryable conflict", func(t *testing.T) {
		_, err := db.Conn.ExecContext(ctx, `INSERT INTO contacts (email, link_precedence) VALUES ('dup@x.com', 'primary')`)
		require.NoError(t, err)
		_, err = db.Conn.ExecContext(ctx, `INSERT INTO contacts (email, link_precedence) VALUES ('dup@x.com', 'primary')`)
		require.Error(t, err)
		assert.ErrorIs(t, ClassifyError(err), sentinel.ErrConflict)
	})
}

func TestDataSourceName(t *testing.T) {
	dsn, err := dataSourceName(config.Database{Driver: config.DriverSQLite, URL: "./bitespeed.db"})
	require.NoError(t, err)
	assert.Equal(t, "./bitespeed.db?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on", dsn)

	dsn, err = dataSourceName(config.Database{Driver: config.DriverSQLite, URL: "file:x.db?cache=shared"})
	require.NoError(t, err)
	assert.Equal(t, "file:x.db?cache=shared&_txlock=immediate&_busy_timeout=5000&_foreign_keys=on", dsn)

	dsn, err = dataSourceName(config.Database{Driver: config.DriverPostgres, URL: "postgres://db/contacts"})
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/contacts", dsn)

	_, err = dataSourceName(config.Database{Driver: "oracle"})
	assert.Error(t, err)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		conflict bool
	}{
		{"postgres serialization failure", &pq.Error{Code: "40001"}, true},
		{"postgres deadlock", &pq.Error{Code: "40P01"}, true},
		{"postgres unique violation", &pq.Error{Code: "23505"}, true},
		{"postgres foreign key violation", &pq.Error{Code: "23503"}, false},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"sqlite unique", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}, true},
		{"sqlite check", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintCheck}, false},
		{"plain error", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyError(tt.err)
			assert.Equal(t, tt.conflict, errors.Is(got, sentinel.ErrConflict))
			assert.ErrorIs(t, got, tt.err)
		})
	}

	assert.NoError(t, ClassifyError(nil))
}
