/**
 * PostgreSQL record store.
 *
 * One row per key; Update runs inside a transaction with SELECT ... FOR
 * UPDATE so concurrent saves of the same crop serialize on the row lock.
 */

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store on a single records table.
type PostgresStore struct {
	db *sql.DB
}

const recordsSchema = `
CREATE TABLE IF NOT EXISTS drawing_records (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// NewPostgresStore connects to PostgreSQL and ensures the records table
// exists.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, recordsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure records table: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM drawing_records WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, nil
}

func (p *PostgresStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO drawing_records (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = NOW()`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for %s: %w", key, err)
	}
	defer tx.Rollback()

	var cur []byte
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM drawing_records WHERE key = $1 FOR UPDATE`, key).Scan(&cur)
	if err == sql.ErrNoRows {
		cur = nil
	} else if err != nil {
		return fmt.Errorf("failed to read %s for update: %w", key, err)
	}

	next, err := fn(cur)
	if err != nil {
		return err
	}
	if next == nil {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO drawing_records (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = NOW()`,
		key, next); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit update of %s: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM drawing_records WHERE key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", key, err)
	}
	return exists, nil
}

func (p *PostgresStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT key FROM drawing_records
		WHERE key LIKE $1 || '%'
		ORDER BY key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list prefix %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM drawing_records WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) DeletePrefix(ctx context.Context, prefix string) error {
	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM drawing_records WHERE key LIKE $1 || '%'`, prefix); err != nil {
		return fmt.Errorf("failed to delete prefix %s: %w", prefix, err)
	}
	return nil
}

// Ping checks database connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Stats exposes connection pool statistics.
func (p *PostgresStore) Stats() sql.DBStats {
	return p.db.Stats()
}

// Close closes the connection pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}
