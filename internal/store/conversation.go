package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/campusline/chatsync/internal/model"
)

func lastMessageAt(m *model.Message) int64 {
	if m == nil {
		return 0
	}
	if ts, ok := model.ParseTimestamp(m.CreatedAt); ok {
		return ts.UnixMilli()
	}
	return 0
}

func encodeLast(m *model.Message) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	buf, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode last message: %w", err)
	}
	return sql.NullString{String: string(buf), Valid: true}, nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertConversation(ex execer, c model.Conversation) error {
	last, err := encodeLast(c.LastMessage)
	if err != nil {
		return err
	}
	_, err = ex.Exec(`
		INSERT INTO conversations (user_id, profile_name, last_message_json, last_message_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			profile_name = excluded.profile_name,
			last_message_json = excluded.last_message_json,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.UserID, c.ProfileName, last, lastMessageAt(c.LastMessage), max(c.UnreadCount, 0), time.Now().UnixMilli())
	return err
}

// UpsertConversation inserts or replaces the cached entry for c.UserID.
func (db *DB) UpsertConversation(c model.Conversation) error {
	return upsertConversation(db, c)
}

// ReplaceConversations swaps the whole cache for a freshly fetched list.
func (db *DB) ReplaceConversations(convs []model.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM conversations`); err != nil {
		return fmt.Errorf("clear conversations: %w", err)
	}
	for _, c := range convs {
		if err := upsertConversation(tx, c); err != nil {
			return fmt.Errorf("upsert %s: %w", c.UserID, err)
		}
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (model.Conversation, error) {
	var c model.Conversation
	var last sql.NullString
	if err := s.Scan(&c.UserID, &c.ProfileName, &last, &c.UnreadCount); err != nil {
		return model.Conversation{}, err
	}
	if last.Valid && last.String != "" {
		var m model.Message
		if err := json.Unmarshal([]byte(last.String), &m); err != nil {
			return model.Conversation{}, fmt.Errorf("decode last message of %s: %w", c.UserID, err)
		}
		c.LastMessage = &m
	}
	return c, nil
}

// ListConversations returns the cache, most recent activity first.
func (db *DB) ListConversations() ([]model.Conversation, error) {
	rows, err := db.Query(`
		SELECT user_id, profile_name, last_message_json, unread_count
		FROM conversations
		ORDER BY last_message_at DESC, user_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns one cached entry, or nil when userID is unknown.
func (db *DB) GetConversation(userID string) (*model.Conversation, error) {
	c, err := scanConversation(db.QueryRow(`
		SELECT user_id, profile_name, last_message_json, unread_count
		FROM conversations WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetUnread sets the unread badge of userID, creating the entry if needed.
func (db *DB) SetUnread(userID string, count int) error {
	_, err := db.Exec(`
		INSERT INTO conversations (user_id, unread_count, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		userID, max(count, 0), time.Now().UnixMilli())
	return err
}

// AdjustUnread adds delta to the unread badge of userID, never going below zero,
// and returns the new value.
func (db *DB) AdjustUnread(userID string, delta int) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`INSERT OR IGNORE INTO conversations (user_id, updated_at) VALUES (?, ?)`, userID, now); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`
		UPDATE conversations SET unread_count = MAX(unread_count + ?, 0), updated_at = ?
		WHERE user_id = ?`, delta, now, userID); err != nil {
		return 0, err
	}
	var count int
	if err := tx.QueryRow(`SELECT unread_count FROM conversations WHERE user_id = ?`, userID).Scan(&count); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit unread: %w", err)
	}
	return count, nil
}

// UpdateLastMessage records m as the preview of its conversation unless the cached
// preview is newer.
func (db *DB) UpdateLastMessage(userID string, m model.Message) error {
	last, err := encodeLast(&m)
	if err != nil {
		return err
	}
	at := lastMessageAt(&m)
	_, err = db.Exec(`
		INSERT INTO conversations (user_id, last_message_json, last_message_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			last_message_json = excluded.last_message_json,
			last_message_at = excluded.last_message_at,
			updated_at = excluded.updated_at
		WHERE conversations.last_message_at <= excluded.last_message_at`,
		userID, last, at, time.Now().UnixMilli())
	return err
}

// DeleteAll wipes the conversation cache and the sync state.
func (db *DB) DeleteAll() error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, table := range []string{"conversations", "sync_state"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}
