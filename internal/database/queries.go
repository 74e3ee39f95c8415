package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"readwise-autosave/internal/domain"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SaveLogin creates the user with its credential and default settings on the
// first login, or refreshes the handle and credential of an existing user.
func (d *Database) SaveLogin(
	ctx context.Context,
	did string,
	handle string,
	cred domain.Credential,
) (*domain.User, error) {
	did = strings.TrimSpace(did)
	if did == "" {
		return nil, errors.New("DID is empty")
	}

	handle = strings.TrimSpace(handle)

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	user := domain.User{ID: uuid.NewString(), DID: did, Handle: handle, CreatedAt: now}

	query := `insert into users (id, did, handle, created_at)
	values (?, ?, ?, ?)
	on conflict (did) do update
	set handle = excluded.handle`

	if _, err = tx.ExecContext(ctx, query, user.ID, user.DID, user.Handle, user.CreatedAt); err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}

	query = "select id, created_at from users where did = ?"
	if err = tx.QueryRowContext(ctx, query, did).Scan(&user.ID, &user.CreatedAt); err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}

	cred.UserID = user.ID
	if err = d.saveCredential(ctx, tx, &cred); err != nil {
		return nil, err
	}

	query = `insert into user_settings (user_id, updated_at)
	values (?, ?)
	on conflict (user_id) do update
	set sync_enabled = case when reconnect_required = 1 then 1 else sync_enabled end,
	reconnect_required = 0,
	updated_at = excluded.updated_at`

	if _, err = tx.ExecContext(ctx, query, user.ID, now); err != nil {
		return nil, fmt.Errorf("upsert settings: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &user, nil
}

func (d *Database) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := "select id, did, handle, created_at from users where id = ?"

	return d.getUser(ctx, query, userID)
}

func (d *Database) GetUserByDID(ctx context.Context, did string) (*domain.User, error) {
	query := "select id, did, handle, created_at from users where did = ?"

	return d.getUser(ctx, query, strings.TrimSpace(did))
}

func (d *Database) getUser(ctx context.Context, query string, arg string) (*domain.User, error) {
	var u domain.User

	err := d.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.DID, &u.Handle, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}

	return &u, nil
}

// DeleteUser removes the user together with its credential, settings and
// bookmark ledger. Message ledger rows are kept with a null user.
func (d *Database) DeleteUser(ctx context.Context, userID string) error {
	query := "delete from users where id = ?"

	res, err := d.db.ExecContext(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// ListSyncUsers returns users whose pollers should be running.
func (d *Database) ListSyncUsers(ctx context.Context) ([]domain.User, error) {
	query := `select u.id, u.did, u.handle, u.created_at
	from users as u
	join user_settings as us
	on us.user_id = u.id
	where us.sync_enabled = 1
	and us.reconnect_required = 0
	order by u.created_at, u.id`

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer func() {
		if err = rows.Close(); err != nil {
			d.log.ErrorContext(ctx, "Failed to close rows",
				"error", err,
				"operation", "ListSyncUsers")
		}
	}()

	var users []domain.User
	for rows.Next() {
		var u domain.User
		if err = rows.Scan(&u.ID, &u.DID, &u.Handle, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		users = append(users, u)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	return users, nil
}

func (d *Database) GetCredential(ctx context.Context, userID string) (*domain.Credential, error) {
	query := `select user_id, access_token, refresh_token, expires_at, updated_at
	from user_credentials
	where user_id = ?`

	var (
		c         domain.Credential
		expiresAt sql.NullTime
	)

	err := d.db.QueryRowContext(ctx, query, userID).
		Scan(&c.UserID, &c.AccessToken, &c.RefreshToken, &expiresAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan credential: %w", err)
	}

	if expiresAt.Valid {
		c.ExpiresAt = expiresAt.Time
	}

	if c.AccessToken, err = d.sealer.Open(c.AccessToken); err != nil {
		return nil, fmt.Errorf("open access token: %w", err)
	}

	if c.RefreshToken, err = d.sealer.Open(c.RefreshToken); err != nil {
		return nil, fmt.Errorf("open refresh token: %w", err)
	}

	return &c, nil
}

func (d *Database) SaveCredential(ctx context.Context, cred *domain.Credential) error {
	return d.saveCredential(ctx, d.db, cred)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (d *Database) saveCredential(ctx context.Context, ex execer, cred *domain.Credential) error {
	accessToken, err := d.sealer.Seal(cred.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}

	refreshToken, err := d.sealer.Seal(cred.RefreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}

	var expiresAt sql.NullTime
	if !cred.ExpiresAt.IsZero() {
		expiresAt = sql.NullTime{Time: cred.ExpiresAt.UTC(), Valid: true}
	}

	cred.UpdatedAt = time.Now().UTC()

	query := `insert into user_credentials (user_id, access_token, refresh_token, expires_at, updated_at)
	values (?, ?, ?, ?, ?)
	on conflict (user_id) do update
	set access_token = excluded.access_token,
	refresh_token = excluded.refresh_token,
	expires_at = excluded.expires_at,
	updated_at = excluded.updated_at`

	if _, err = ex.ExecContext(ctx, query, cred.UserID, accessToken, refreshToken, expiresAt, cred.UpdatedAt); err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}

	return nil
}

func (d *Database) GetSettings(ctx context.Context, userID string) (*domain.Settings, error) {
	query := `select user_id, readwise_token, sync_enabled, extract_links,
	last_bookmark_cursor, reconnect_required, updated_at
	from user_settings
	where user_id = ?`

	var s domain.Settings

	err := d.db.QueryRowContext(ctx, query, userID).Scan(
		&s.UserID,
		&s.ReadwiseToken,
		&s.SyncEnabled,
		&s.ExtractLinks,
		&s.LastBookmarkCursor,
		&s.ReconnectRequired,
		&s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan settings: %w", err)
	}

	if s.ReadwiseToken, err = d.sealer.Open(s.ReadwiseToken); err != nil {
		return nil, fmt.Errorf("open readwise token: %w", err)
	}

	return &s, nil
}

// UpdateSettings applies user-facing configuration. The bookmark cursor is
// owned by the bookmark poller and is left untouched.
func (d *Database) UpdateSettings(ctx context.Context, s *domain.Settings) error {
	readwiseToken, err := d.sealer.Seal(strings.TrimSpace(s.ReadwiseToken))
	if err != nil {
		return fmt.Errorf("seal readwise token: %w", err)
	}

	s.UpdatedAt = time.Now().UTC()

	query := `update user_settings
	set readwise_token = ?, sync_enabled = ?, extract_links = ?, updated_at = ?
	where user_id = ?`

	res, err := d.db.ExecContext(ctx, query, readwiseToken, s.SyncEnabled, s.ExtractLinks, s.UpdatedAt, s.UserID)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}

	return nil
}

func (d *Database) UpdateReadwiseToken(ctx context.Context, userID string, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("readwise token is empty")
	}

	sealed, err := d.sealer.Seal(token)
	if err != nil {
		return fmt.Errorf("seal readwise token: %w", err)
	}

	query := "update user_settings set readwise_token = ?, updated_at = ? where user_id = ?"

	if _, err = d.db.ExecContext(ctx, query, sealed, time.Now().UTC(), userID); err != nil {
		return fmt.Errorf("update readwise token: %w", err)
	}

	return nil
}

// RequireReconnect disables sync and raises the user-visible reconnect flag.
func (d *Database) RequireReconnect(ctx context.Context, userID string) error {
	query := `update user_settings
	set sync_enabled = 0, reconnect_required = 1, updated_at = ?
	where user_id = ?`

	if _, err := d.db.ExecContext(ctx, query, time.Now().UTC(), userID); err != nil {
		return fmt.Errorf("require reconnect: %w", err)
	}

	return nil
}

func (d *Database) UpdateBookmarkCursor(ctx context.Context, userID string, cursor string) error {
	query := "update user_settings set last_bookmark_cursor = ?, updated_at = ? where user_id = ?"

	if _, err := d.db.ExecContext(ctx, query, cursor, time.Now().UTC(), userID); err != nil {
		return fmt.Errorf("update bookmark cursor: %w", err)
	}

	return nil
}
