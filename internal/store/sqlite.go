package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/wardrobe-sync/internal/clock"
	"github.com/ashureev/wardrobe-sync/internal/retry"
	_ "modernc.org/sqlite"
)

// busyPolicy retries writes that collide with the other process.
var busyPolicy = retry.Exponential(50*time.Millisecond, 2, 400*time.Millisecond, 4)

// SQLiteStore is the shared SQLite file backing every namespace.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	clock clock.Clock
}

// Open opens (creating if needed) the shared store at path.
func Open(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	// WAL lets the companion read while the primary writes; synchronous=FULL
	// makes every commit durable before Set/Delete return.
	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	s := &SQLiteStore{db: db, path: path, clock: clock.Real()}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS records (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (namespace, key)
	);`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// Namespace returns the KV view for name.
func (s *SQLiteStore) Namespace(name string) KV {
	return &namespace{store: s, name: name}
}

type namespace struct {
	store *SQLiteStore
	name  string
}

func (n *namespace) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := n.store.db.QueryRowContext(ctx,
		`SELECT value FROM records WHERE namespace = ? AND key = ?`, n.name, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", n.name, key, err)
	}
	return value, nil
}

func (n *namespace) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	query := `
	INSERT INTO records (namespace, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(namespace, key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

	err := n.exec(ctx, "set", key, query, n.name, key, value, n.store.clock.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", n.name, key, err)
	}
	return nil
}

func (n *namespace) Delete(ctx context.Context, key string) error {
	err := n.exec(ctx, "delete", key, `DELETE FROM records WHERE namespace = ? AND key = ?`, n.name, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", n.name, key, err)
	}
	return nil
}

func (n *namespace) Keys(ctx context.Context) ([]string, error) {
	rows, err := n.store.db.QueryContext(ctx,
		`SELECT key FROM records WHERE namespace = ? ORDER BY key`, n.name)
	if err != nil {
		return nil, fmt.Errorf("list %s keys: %w", n.name, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close key rows", "namespace", n.name, "error", closeErr)
		}
	}()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key row: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

// exec runs a single autocommit statement, retrying SQLITE_BUSY.
func (n *namespace) exec(ctx context.Context, op, key, query string, args ...any) error {
	return busyPolicy.Do(ctx, n.store.clock, isBusyError, func(attempt int) error {
		_, err := n.store.db.ExecContext(ctx, query, args...)
		if err != nil && isBusyError(err) {
			slog.Debug("shared store busy, retrying",
				"op", op,
				"namespace", n.name,
				"key", key,
				"attempt", attempt)
		}
		return err
	})
}
