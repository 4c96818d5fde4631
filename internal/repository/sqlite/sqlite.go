package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"communityhub/internal/repository"

	_ "modernc.org/sqlite"
)

// Repository implements repository.CacheStore using SQLite
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

var _ repository.CacheStore = (*Repository)(nil)

// New opens (or creates) the database at dbPath and migrates the schema
func New(dbPath string) (*Repository, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	repo := &Repository{db: db, now: time.Now}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return repo, nil
}

func (r *Repository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value JSON NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (namespace, key)
	);

	CREATE INDEX IF NOT EXISTS idx_cache_entries_updated ON cache_entries(namespace, updated_at);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Get returns the value stored under (namespace, key)
func (r *Repository) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM cache_entries WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Put inserts or replaces the value stored under (namespace, key)
func (r *Repository) Put(ctx context.Context, namespace, key string, value []byte) error {
	if !validJSON(value) {
		return fmt.Errorf("failed to put %s/%s: value is not JSON", namespace, key)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cache_entries (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, namespace, key, value, r.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Scan calls fn for every entry in namespace, most recently written first,
// until fn returns false
func (r *Repository) Scan(ctx context.Context, namespace string, fn func(repository.Entry) bool) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT key, value FROM cache_entries
		WHERE namespace = ?
		ORDER BY updated_at DESC, key
	`, namespace)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", namespace, err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry repository.Entry
		if err := rows.Scan(&entry.Key, &entry.Value); err != nil {
			return fmt.Errorf("failed to scan entry: %w", err)
		}
		if !fn(entry) {
			break
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating %s: %w", namespace, err)
	}
	return nil
}

// Delete removes a single entry
func (r *Repository) Delete(ctx context.Context, namespace, key string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Clear removes every entry in namespace
func (r *Repository) Clear(ctx context.Context, namespace string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE namespace = ?`, namespace)
	if err != nil {
		return fmt.Errorf("failed to clear %s: %w", namespace, err)
	}
	return nil
}

// ClearAll removes every entry
func (r *Repository) ClearAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

// Count returns the number of entries in namespace
func (r *Repository) Count(ctx context.Context, namespace string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries WHERE namespace = ?`, namespace,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", namespace, err)
	}
	return n, nil
}
