package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// GetSetting reads one durable scalar from the settings area, returning
// fallback when the key has never been written.
func (s *Store) GetSetting(key, fallback string) (string, error) {
	row := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fallback, nil
		}
		return fallback, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting writes one durable scalar.
func (s *Store) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// HasSetting reports whether a key exists, without a fallback dance.
func (s *Store) HasSetting(key string) (bool, error) {
	row := s.db.QueryRow(`SELECT COUNT(*) FROM settings WHERE key = ?`, key)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("has setting %s: %w", key, err)
	}
	return n > 0, nil
}
