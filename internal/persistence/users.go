package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User is one chat member as last seen by the bot. The row is upserted on
// every inbound event from that user.
type User struct {
	ChatID      int64
	UserID      int64
	Username    string
	DisplayName string
	Handle      string
	Muted       bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Recipient is the slice of a user row the broadcast fan-out needs.
type Recipient struct {
	UserID int64
	Muted  bool
}

func (s *Store) UpsertUser(ctx context.Context, chatID, userID int64, username, displayName string) error {
	ts := nowUnix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (chat_id, user_id, username, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, user_id) DO UPDATE SET
			username = excluded.username,
			display_name = excluded.display_name,
			updated_at = excluded.updated_at;
	`, chatID, userID, username, displayName, ts, ts)
	if err != nil {
		return fmt.Errorf("upsert user %d/%d: %w", chatID, userID, err)
	}
	return nil
}

func (s *Store) SetUserHandle(ctx context.Context, chatID, userID int64, handle string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET handle = ?, updated_at = ? WHERE chat_id = ? AND user_id = ?;
	`, handle, nowUnix(), chatID, userID)
	if err != nil {
		return fmt.Errorf("set user handle: %w", err)
	}
	return nil
}

// IsUserBound reports whether the user has registered an external handle.
// Unbound users may not create or claim tasks.
func (s *Store) IsUserBound(ctx context.Context, chatID, userID int64) (bool, error) {
	var handle sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT handle FROM users WHERE chat_id = ? AND user_id = ?;
	`, chatID, userID).Scan(&handle)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read user handle: %w", err)
	}
	return handle.Valid && handle.String != "", nil
}

func (s *Store) SetUserMuted(ctx context.Context, chatID, userID int64, muted bool) error {
	val := 0
	if muted {
		val = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET muted = ?, updated_at = ? WHERE chat_id = ? AND user_id = ?;
	`, val, nowUnix(), chatID, userID)
	if err != nil {
		return fmt.Errorf("set user muted: %w", err)
	}
	return nil
}

// ListRecipients returns every known user across all chats. Callers decide
// whether muted recipients are skipped (task fan-out) or included (join
// announcements).
func (s *Store) ListRecipients(ctx context.Context) ([]Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, muted FROM users;`)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		var r Recipient
		var muted int
		if err := rows.Scan(&r.UserID, &muted); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		r.Muted = muted != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipients: %w", err)
	}
	return out, nil
}

// SetPendingBacklink marks the user as owing a backlink for taskID.
// taskID 0 clears the marker.
func (s *Store) SetPendingBacklink(ctx context.Context, chatID, userID, taskID int64) error {
	ts := nowUnix()
	var err error
	if taskID == 0 {
		_, err = s.db.ExecContext(ctx, `
			UPDATE users SET pending_backlink_task_id = NULL, pending_backlink_set_at = NULL, updated_at = ?
			WHERE chat_id = ? AND user_id = ?;
		`, ts, chatID, userID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE users SET pending_backlink_task_id = ?, pending_backlink_set_at = ?, updated_at = ?
			WHERE chat_id = ? AND user_id = ?;
		`, taskID, ts, ts, chatID, userID)
	}
	if err != nil {
		return fmt.Errorf("set pending backlink: %w", err)
	}
	return nil
}

// PendingBacklink returns the task the user owes a backlink for, or 0.
func (s *Store) PendingBacklink(ctx context.Context, chatID, userID int64) (int64, error) {
	var taskID sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT pending_backlink_task_id FROM users WHERE chat_id = ? AND user_id = ?;
	`, chatID, userID).Scan(&taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read pending backlink: %w", err)
	}
	if !taskID.Valid {
		return 0, nil
	}
	return taskID.Int64, nil
}

// ClearExpiredBacklinks drops pending-backlink markers older than ttl and
// returns how many were cleared. Run periodically so a claimant whose task
// vanished is not stuck in the backlink workflow forever.
func (s *Store) ClearExpiredBacklinks(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl).Unix()
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET pending_backlink_task_id = NULL, pending_backlink_set_at = NULL, updated_at = ?
		WHERE pending_backlink_task_id IS NOT NULL AND pending_backlink_set_at < ?;
	`, nowUnix(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("clear expired backlinks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear expired backlinks rows: %w", err)
	}
	return n, nil
}

// ChatEmoji returns the chat's secret emoji, or "" when the chat has never
// set one. The caller substitutes the configured default.
func (s *Store) ChatEmoji(ctx context.Context, chatID int64) (string, error) {
	var emoji string
	err := s.db.QueryRowContext(ctx, `SELECT emoji FROM chats WHERE chat_id = ?;`, chatID).Scan(&emoji)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read chat emoji: %w", err)
	}
	return emoji, nil
}

func (s *Store) SetChatEmoji(ctx context.Context, chatID int64, emoji string) error {
	ts := nowUnix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (chat_id, emoji, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET emoji = excluded.emoji, updated_at = excluded.updated_at;
	`, chatID, emoji, ts, ts)
	if err != nil {
		return fmt.Errorf("set chat emoji: %w", err)
	}
	return nil
}
