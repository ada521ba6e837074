package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrTaskNotFound = errors.New("task not found")

type TaskStatus string

const (
	TaskStatusOpen    TaskStatus = "open"
	TaskStatusClaimed TaskStatus = "claimed"
	TaskStatusDone    TaskStatus = "done"
)

// ClaimOutcome is the result of a claim attempt.
type ClaimOutcome string

const (
	ClaimOK ClaimOutcome = "ok"
	// ClaimDuplicate means the user already holds a claim on the task.
	ClaimDuplicate ClaimOutcome = "duplicate"
	// ClaimClosed means the task is missing or already done.
	ClaimClosed ClaimOutcome = "closed"
)

// Task is one unit of requested work. The claimed_by fields are a display
// cache naming the most recent claimant; the claims table is authoritative
// for claim membership and count.
type Task struct {
	ID          int64
	ChatID      int64
	CreatorID   int64
	CreatorName string
	Title       string
	Detail      string
	Link        string
	Status        TaskStatus
	CreatedAt     time.Time
	ClaimedBy     int64
	ClaimedByName string
	ClaimedAt     *time.Time
	CompletedAt   *time.Time

	// Canonical announcement message, edited in place on state changes.
	MessageChatID int64
	MessageID     int
}

// TaskSummary is a row of the open-task listing.
type TaskSummary struct {
	ID     int64
	Title  string
	Status TaskStatus
}

// Claim is one user's outstanding claim on a task.
type Claim struct {
	ID        int64
	TaskID    int64
	UserID    int64
	UserName  string
	ClaimedAt time.Time
}

func (s *Store) CreateTask(ctx context.Context, chatID, creatorID int64, creatorName, title, detail, link string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (chat_id, creator_id, creator_name, title, detail, link, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'open', ?);
	`, chatID, creatorID, creatorName, title, detail, link, nowUnix())
	if err != nil {
		return 0, fmt.Errorf("create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create task id: %w", err)
	}
	return id, nil
}

const taskColumns = `id, chat_id, creator_id, creator_name, title, detail, link, status, created_at,
	claimed_by, COALESCE(claimed_by_name, ''), claimed_at, completed_at, message_chat_id, message_id`

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var createdAt int64
	var claimedBy, claimedAt, completedAt, msgChatID, msgID sql.NullInt64
	err := row.Scan(
		&t.ID, &t.ChatID, &t.CreatorID, &t.CreatorName, &t.Title, &t.Detail, &t.Link,
		&t.Status, &createdAt, &claimedBy, &t.ClaimedByName, &claimedAt, &completedAt,
		&msgChatID, &msgID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.CreatedAt = time.Unix(createdAt, 0)
	if claimedBy.Valid {
		t.ClaimedBy = claimedBy.Int64
	}
	if claimedAt.Valid {
		at := time.Unix(claimedAt.Int64, 0)
		t.ClaimedAt = &at
	}
	if completedAt.Valid {
		at := time.Unix(completedAt.Int64, 0)
		t.CompletedAt = &at
	}
	if msgChatID.Valid {
		t.MessageChatID = msgChatID.Int64
	}
	if msgID.Valid {
		t.MessageID = int(msgID.Int64)
	}
	return &t, nil
}

func (s *Store) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	return scanTask(row)
}

// SetTaskMessage records the canonical announcement message for later
// in-place edits. Only the first successful broadcast delivery is recorded;
// the other recipients' copies are point-in-time snapshots.
func (s *Store) SetTaskMessage(ctx context.Context, taskID, chatID int64, messageID int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET message_chat_id = ?, message_id = ? WHERE id = ?;
	`, chatID, messageID, taskID)
	if err != nil {
		return fmt.Errorf("set task message: %w", err)
	}
	return nil
}

// ListOpenTasks returns open and claimed tasks newest-first, capped at limit.
func (s *Store) ListOpenTasks(ctx context.Context, limit int) ([]TaskSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, status FROM tasks
		WHERE status IN ('open', 'claimed')
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list open tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskSummary
	for rows.Next() {
		var ts TaskSummary
		if err := rows.Scan(&ts.ID, &ts.Title, &ts.Status); err != nil {
			return nil, fmt.Errorf("scan task summary: %w", err)
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// CountCreatedToday counts tasks by creator with the exact title, created at
// or after local midnight. The /boost ceiling consults this before creating;
// the check is advisory and not atomic with the create.
func (s *Store) CountCreatedToday(ctx context.Context, creatorID int64, title string) (int, error) {
	now := time.Now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Unix()
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks WHERE creator_id = ? AND title = ? AND created_at >= ?;
	`, creatorID, title, startOfDay).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count tasks created today: %w", err)
	}
	return count, nil
}

// CountClaims returns the number of outstanding claims on a task.
func (s *Store) CountClaims(ctx context.Context, taskID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM claims WHERE task_id = ?;`, taskID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count claims: %w", err)
	}
	return count, nil
}

// ClaimTask records userID's claim on a task. Runs as one transaction:
// a done or missing task yields ClaimClosed, an existing (task, user) claim
// row yields ClaimDuplicate, otherwise the claim row is inserted, an open
// task moves to claimed, and the display-cache claimant is overwritten with
// this claimant regardless of prior claims.
func (s *Store) ClaimTask(ctx context.Context, taskID, userID int64, userName string) (ClaimOutcome, error) {
	outcome := ClaimClosed
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status TaskStatus
		err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && status == TaskStatusDone) {
			outcome = ClaimClosed
			return tx.Commit()
		}
		if err != nil {
			return fmt.Errorf("read task status: %w", err)
		}

		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM claims WHERE task_id = ? AND user_id = ?;`, taskID, userID).Scan(&exists)
		if err == nil {
			outcome = ClaimDuplicate
			return tx.Commit()
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check duplicate claim: %w", err)
		}

		ts := nowUnix()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO claims (task_id, user_id, user_name, claimed_at) VALUES (?, ?, ?, ?);
		`, taskID, userID, userName, ts); err != nil {
			return fmt.Errorf("insert claim: %w", err)
		}
		if status == TaskStatusOpen {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = 'claimed', claimed_by = ?, claimed_by_name = ?, claimed_at = ? WHERE id = ?;
			`, userID, userName, ts, taskID); err != nil {
				return fmt.Errorf("mark task claimed: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET claimed_by = ?, claimed_by_name = ?, claimed_at = ? WHERE id = ?;
			`, userID, userName, ts, taskID); err != nil {
				return fmt.Errorf("update task claimant: %w", err)
			}
		}
		outcome = ClaimOK
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// ReleaseTask removes userID's claim. When no claims remain the task reverts
// to open and the display cache is cleared. When other claims remain the
// task stays claimed; the display-cache claimant is recomputed to the most
// recent remaining claimant only under the RecomputeClaimantOnRelease option.
func (s *Store) ReleaseTask(ctx context.Context, taskID, userID int64) (bool, error) {
	released := false
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin release tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status TaskStatus
		err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && status == TaskStatusDone) {
			released = false
			return tx.Commit()
		}
		if err != nil {
			return fmt.Errorf("read task status: %w", err)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE task_id = ? AND user_id = ?;`, taskID, userID)
		if err != nil {
			return fmt.Errorf("delete claim: %w", err)
		}
		deleted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete claim rows: %w", err)
		}
		if deleted == 0 {
			released = false
			return tx.Commit()
		}

		var remaining int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM claims WHERE task_id = ?;`, taskID).Scan(&remaining); err != nil {
			return fmt.Errorf("count remaining claims: %w", err)
		}
		if remaining == 0 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = 'open', claimed_by = NULL, claimed_by_name = NULL, claimed_at = NULL WHERE id = ?;
			`, taskID); err != nil {
				return fmt.Errorf("reopen task: %w", err)
			}
		} else if s.opts.RecomputeClaimantOnRelease {
			var latest Claim
			var claimedAt int64
			if err := tx.QueryRowContext(ctx, `
				SELECT user_id, user_name, claimed_at FROM claims
				WHERE task_id = ? ORDER BY claimed_at DESC, id DESC LIMIT 1;
			`, taskID).Scan(&latest.UserID, &latest.UserName, &claimedAt); err != nil {
				return fmt.Errorf("read remaining claimant: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET claimed_by = ?, claimed_by_name = ?, claimed_at = ? WHERE id = ?;
			`, latest.UserID, latest.UserName, claimedAt, taskID); err != nil {
				return fmt.Errorf("recompute task claimant: %w", err)
			}
		}
		released = true
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	return released, nil
}

// CompleteTask moves the task to done on behalf of a current claimant.
// done is terminal: later claim, release and complete attempts all fail.
func (s *Store) CompleteTask(ctx context.Context, taskID, userID int64) (bool, error) {
	completed := false
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status TaskStatus
		err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && status == TaskStatusDone) {
			completed = false
			return tx.Commit()
		}
		if err != nil {
			return fmt.Errorf("read task status: %w", err)
		}

		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM claims WHERE task_id = ? AND user_id = ?;`, taskID, userID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			completed = false
			return tx.Commit()
		}
		if err != nil {
			return fmt.Errorf("check claim: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'done', completed_at = ? WHERE id = ?;
		`, nowUnix(), taskID); err != nil {
			return fmt.Errorf("mark task done: %w", err)
		}
		completed = true
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	return completed, nil
}
