package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"readwise-autosave/internal/domain"
	"time"
)

func (d *Database) IsBookmarkProcessed(ctx context.Context, userID string, postURI string) (bool, error) {
	query := "select 1 from processed_bookmarks where user_id = ? and post_uri = ?"

	var one int

	err := d.db.QueryRowContext(ctx, query, userID, postURI).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("scan processed bookmark: %w", err)
	}

	return true, nil
}

// InsertProcessedBookmark records the bookmark and, when cursor is not empty,
// stores it as the user's bookmark cursor in the same transaction. Repeated
// inserts of the same bookmark are ignored.
func (d *Database) InsertProcessedBookmark(
	ctx context.Context,
	userID string,
	postURI string,
	cursor string,
) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()

	query := `insert into processed_bookmarks (user_id, post_uri, processed_at)
	values (?, ?, ?)
	on conflict (user_id, post_uri) do nothing`

	if _, err = tx.ExecContext(ctx, query, userID, postURI, now); err != nil {
		return fmt.Errorf("insert processed bookmark: %w", err)
	}

	if cursor != "" {
		query = "update user_settings set last_bookmark_cursor = ?, updated_at = ? where user_id = ?"

		if _, err = tx.ExecContext(ctx, query, cursor, now, userID); err != nil {
			return fmt.Errorf("update bookmark cursor: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// IsMessageProcessed reports whether the message was settled. Failed messages
// are retried and do not count.
func (d *Database) IsMessageProcessed(ctx context.Context, messageID string) (bool, error) {
	query := "select 1 from processed_messages where message_id = ? and status != 'failed'"

	var one int

	err := d.db.QueryRowContext(ctx, query, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("scan processed message: %w", err)
	}

	return true, nil
}

// InsertProcessedMessage records the outcome for a direct message. A later
// call for the same message overwrites the status.
func (d *Database) InsertProcessedMessage(ctx context.Context, m domain.ProcessedMessage) error {
	if m.ProcessedAt.IsZero() {
		m.ProcessedAt = time.Now().UTC()
	}

	var userID sql.NullString
	if m.UserID != "" {
		userID = sql.NullString{String: m.UserID, Valid: true}
	}

	query := `insert into processed_messages (message_id, user_id, post_uri, status, processed_at)
	values (?, ?, ?, ?, ?)
	on conflict (message_id) do update
	set status = excluded.status,
	post_uri = excluded.post_uri,
	processed_at = excluded.processed_at`

	if _, err := d.db.ExecContext(ctx, query, m.MessageID, userID, m.PostURI, string(m.Status), m.ProcessedAt); err != nil {
		return fmt.Errorf("upsert processed message: %w", err)
	}

	return nil
}

func (d *Database) GetProcessedMessage(ctx context.Context, messageID string) (*domain.ProcessedMessage, error) {
	query := `select message_id, user_id, post_uri, status, processed_at
	from processed_messages
	where message_id = ?`

	var (
		m      domain.ProcessedMessage
		userID sql.NullString
		status string
	)

	err := d.db.QueryRowContext(ctx, query, messageID).
		Scan(&m.MessageID, &userID, &m.PostURI, &status, &m.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan processed message: %w", err)
	}

	m.UserID = userID.String
	m.Status = domain.MessageStatus(status)

	return &m, nil
}
