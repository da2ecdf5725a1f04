package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"bitespeed/internal/config"
)

//go:embed migrations
var migrationsFS embed.FS

// DB wraps the sql.DB connection
type DB struct {
	Conn    *sql.DB
	dialect string
}

// New creates a new database connection and runs migrations
func New(cfg config.Database, log *slog.Logger) (*DB, error) {
	dsn, err := dataSourceName(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close() //nolint:errcheck // best-effort cleanup on init failure
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{Conn: conn, dialect: cfg.Driver}

	if err := db.runMigrations(ctx); err != nil {
		conn.Close() //nolint:errcheck // best-effort cleanup on init failure
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("database initialized", "driver", cfg.Driver)
	return db, nil
}

// Open wraps an already connected *sql.DB and applies migrations.
func Open(ctx context.Context, conn *sql.DB, dialect string) (*DB, error) {
	db := &DB{Conn: conn, dialect: dialect}
	if err := db.runMigrations(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

func dataSourceName(cfg config.Database) (string, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return cfg.URL, nil
	case config.DriverSQLite:
		// BEGIN IMMEDIATE takes the write lock up front, so each reconcile
		// transaction observes and mutates the store without interleaving.
		params := "_txlock=immediate&_busy_timeout=5000&_foreign_keys=on"
		if strings.Contains(cfg.URL, "?") {
			return cfg.URL + "&" + params, nil
		}
		return cfg.URL + "?" + params, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// runMigrations executes the dialect's *.up.sql files in name order.
func (db *DB) runMigrations(ctx context.Context) error {
	dir := "migrations/" + db.dialect
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("read migrations for %s: %w", db.dialect, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := fs.ReadFile(migrationsFS, dir+"/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if _, err := db.Conn.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("execute migration %s: %w", file, err)
		}
	}
	return nil
}

// Dialect names the driver behind Conn.
func (db *DB) Dialect() string {
	return db.dialect
}

// Health checks if the database is reachable.
func (db *DB) Health(ctx context.Context) error {
	if db == nil || db.Conn == nil {
		return fmt.Errorf("database not configured")
	}
	return db.Conn.PingContext(ctx)
}

// Close closes the database connection
func (db *DB) Close() error {
	if db == nil || db.Conn == nil {
		return nil
	}
	return db.Conn.Close()
}
