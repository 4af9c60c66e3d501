package medium

import (
	"database/sql"
	"errors"
	"fmt"

	"offline-cache/src/sqlitedb"
)

const itemsSchema = `
CREATE TABLE IF NOT EXISTS items (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// SQLite is a Medium persisted in a single SQLite table.
type SQLite struct {
	db *sql.DB
}

var _ Medium = (*SQLite)(nil)

// OpenSQLite opens (or creates) the medium database at path.
func OpenSQLite(driver, path string) (*SQLite, error) {
	db, err := sqlitedb.Open(driver, path, itemsSchema)
	if err != nil {
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) GetItem(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM items WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query item: %w", err)
	}
	return value, true, nil
}

func (s *SQLite) SetItem(key, value string) error {
	if _, err := s.db.Exec("INSERT OR REPLACE INTO items (key, value) VALUES (?, ?)", key, value); err != nil {
		return fmt.Errorf("failed to write item: %w", err)
	}
	return nil
}

func (s *SQLite) RemoveItem(key string) error {
	if _, err := s.db.Exec("DELETE FROM items WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	return nil
}

func (s *SQLite) Keys() ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM items ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
