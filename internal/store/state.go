package store

import (
	"database/sql"
	"errors"
	"time"
)

// StateOwner holds the user id the cache was filled for.
const StateOwner = "owner_user_id"

// SetState writes a sync_state value.
func (db *DB) SetState(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// GetState reads a sync_state value. Missing keys read as "".
func (db *DB) GetState(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// EnsureOwner wipes the cache when it was filled for a different user, then records
// userID as the owner. It reports whether a wipe happened.
func (db *DB) EnsureOwner(userID string) (bool, error) {
	owner, err := db.GetState(StateOwner)
	if err != nil {
		return false, err
	}
	if owner == userID {
		return false, nil
	}
	wiped := false
	if owner != "" {
		if err := db.DeleteAll(); err != nil {
			return false, err
		}
		wiped = true
	}
	return wiped, db.SetState(StateOwner, userID)
}
