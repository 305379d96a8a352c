// Package opstate is a small namespaced key-value store for state the
// bridge must remember across restarts, such as the self identifiers it
// has learned for the owner's account. It is not a message store:
// conversation history always comes live from the transport.
package opstate

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a namespaced key-value store backed by SQLite. All methods
// are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the state database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS bridge_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	`)
	return err
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Add inserts a value only if the key is new. It reports whether a row
// was written.
func (s *Store) Add(namespace, key, value string) (bool, error) {
	ts := now()
	res, err := s.db.Exec(
		`INSERT INTO bridge_state (namespace, key, value, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO NOTHING`,
		namespace, key, value, ts, ts,
	)
	if err != nil {
		return false, fmt.Errorf("add %s/%s: %w", namespace, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add %s/%s: %w", namespace, key, err)
	}
	return n > 0, nil
}

// List returns all key/value pairs in a namespace. The map is non-nil
// even when empty.
func (s *Store) List(namespace string) (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT key, value FROM bridge_state WHERE namespace = ? ORDER BY key`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", namespace, err)
		}
		result[k] = v
	}
	return result, rows.Err()
}
