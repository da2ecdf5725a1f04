package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config captures process level configuration.
type Config struct {
	Port            string
	Environment     string
	LogLevel        string
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration

	Database  Database
	Redis     Redis
	Reconcile Reconcile
}

// Database selects and tunes the contact store backend.
type Database struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Redis configures the distributed lock. An empty URL keeps locking in-process.
type Redis struct {
	URL     string
	LockTTL time.Duration
}

// Reconcile bounds a single identify call.
type Reconcile struct {
	Timeout     time.Duration
	MaxAttempts int
}

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Load reads an optional .env file and then builds Config from the environment.
func Load(files ...string) Config {
	// A missing .env is normal outside local development.
	_ = godotenv.Load(files...)
	return FromEnv()
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	return Config{
		Port:            getString("PORT", "8080"),
		Environment:     getString("ENVIRONMENT", "development"),
		LogLevel:        getString("LOG_LEVEL", "info"),
		MaxBodyBytes:    int64(getInt("MAX_BODY_BYTES", 1<<20)),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		Database: Database{
			Driver:          getString("DATABASE_DRIVER", DriverSQLite),
			URL:             getString("DATABASE_URL", "./bitespeed.db"),
			MaxOpenConns:    getInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: Redis{
			URL:     os.Getenv("REDIS_URL"),
			LockTTL: getDuration("LOCK_TTL", 10*time.Second),
		},
		Reconcile: Reconcile{
			Timeout:     getDuration("RECONCILE_TIMEOUT", 5*time.Second),
			MaxAttempts: getInt("RECONCILE_MAX_ATTEMPTS", 3),
		},
	}
}

// Addr is the listen address derived from Port.
func (c Config) Addr() string {
	return ":" + c.Port
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
