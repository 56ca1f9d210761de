// Package store provides Postgres persistence for users, credentials,
// tracked messages and their interaction history.
package store

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// Store provides database operations for engine entities.
type Store struct {
	db *sql.DB
}

// NewStore creates a new store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for migrations and health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

var (
	// ErrNotFound indicates the referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrQuotaExceeded indicates the per-user daily send cap was hit.
	// Terminal for the remainder of the calendar day.
	ErrQuotaExceeded = errors.New("daily email quota exceeded")
	// ErrNoClickToConvert indicates a conversion or form event arrived
	// before any click was recorded for the message.
	ErrNoClickToConvert = errors.New("no click found to convert")
)

// JSONMap is a string map stored as JSONB.
type JSONMap map[string]string

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONB source %T", src)
	}
	return json.Unmarshal(data, m)
}
