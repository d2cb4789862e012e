package store

import (
	"database/sql"
	"fmt"
	"time"
)

// HasKey reports whether an idempotency key exists.
func (s *Store) HasKey(key string) (bool, error) {
	var n int
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM idempotency_keys WHERE key = ?`, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking idempotency key: %w", err)
	}
	return n > 0, nil
}

// ClaimKey atomically claims a key. Returns false when the key was already
// claimed. Callers must delete the key if the side-effect behind it fails.
func (s *Store) ClaimKey(key, scope string) (bool, error) {
	res, err := s.conn.Exec(
		`INSERT INTO idempotency_keys (key, scope, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO NOTHING`,
		key, scope, FmtTime(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("claiming idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n > 0, nil
}

// KeyPayload returns the payload stored with a key, or ("", sql.ErrNoRows)
// when the key does not exist.
func (s *Store) KeyPayload(key string) (string, error) {
	var payload sql.NullString
	err := s.conn.QueryRow(`SELECT payload_json FROM idempotency_keys WHERE key = ?`, key).Scan(&payload)
	if err != nil {
		return "", err
	}
	return payload.String, nil
}

// UpsertKeyPayload claims the key if needed and stores the payload.
func (s *Store) UpsertKeyPayload(key, scope, payloadJSON string) error {
	_, err := s.conn.Exec(
		`INSERT INTO idempotency_keys (key, scope, created_at, payload_json) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET payload_json = excluded.payload_json`,
		key, scope, FmtTime(time.Now()), payloadJSON,
	)
	if err != nil {
		return fmt.Errorf("upserting idempotency payload: %w", err)
	}
	return nil
}

// DeleteKey removes a key so the side-effect behind it can be retried.
func (s *Store) DeleteKey(key string) error {
	_, err := s.conn.Exec(`DELETE FROM idempotency_keys WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("deleting idempotency key: %w", err)
	}
	return nil
}
