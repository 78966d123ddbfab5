// Package postgres provides PostgreSQL database client and operations for the GOCM miner.
// It handles persistent storage of mined constructs.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
)

// schema is applied by EnsureSchema; every statement is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS constructs (
	id           CHAR(64) PRIMARY KEY,
	run_id       TEXT NOT NULL,
	pubkey       CHAR(64) NOT NULL,
	kind         INTEGER NOT NULL,
	created_at   BIGINT NOT NULL,
	nonce        TEXT NOT NULL,
	nonce_value  BIGINT NOT NULL,
	target_hex   TEXT NOT NULL,
	work         INTEGER NOT NULL,
	target_work  INTEGER NOT NULL,
	worker_index INTEGER NOT NULL,
	tags         JSONB NOT NULL,
	serialized   TEXT NOT NULL,
	mined_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS constructs_pubkey_mined_at_idx ON constructs (pubkey, mined_at DESC);
CREATE INDEX IF NOT EXISTS constructs_work_idx ON constructs (work DESC);
`

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// NewClient creates a new PostgreSQL client
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
}

// EnsureSchema creates the tables the miner writes to
func (c *Client) EnsureSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sql.DB for advanced operations
func (c *Client) DB() *sql.DB {
	return c.db
}
