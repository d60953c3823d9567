package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SessionStore keeps the single committed session state row.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore creates a SessionStore.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Save replaces the stored state.
func (s *SessionStore) Save(state json.RawMessage, updatedAt time.Time) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO session_state (id, state_json, updated_at) VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at`,
			string(state), updatedAt.UnixNano())
		return err
	})
}

// Load returns the stored state, or ok=false when nothing was saved yet.
func (s *SessionStore) Load() (state json.RawMessage, updatedAt time.Time, ok bool, err error) {
	var raw string
	var nanos int64
	err = s.db.QueryRow(`SELECT state_json, updated_at FROM session_state WHERE id = 1`).Scan(&raw, &nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("load session state: %w", err)
	}
	return json.RawMessage(raw), time.Unix(0, nanos), true, nil
}
