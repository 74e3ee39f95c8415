// Package credential hands out valid Bluesky access tokens, refreshing them
// at most once at a time per user.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"readwise-autosave/internal/domain"
	"readwise-autosave/internal/metrics"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultMargin = 60 * time.Second

	refreshTimeout = 30 * time.Second
)

// ErrAuthExpired means the user has to log in again.
var ErrAuthExpired = errors.New("auth expired")

type Store interface {
	GetCredential(ctx context.Context, userID string) (*domain.Credential, error)
	SaveCredential(ctx context.Context, cred *domain.Credential) error
}

// Refresher exchanges a refresh token for a new credential. It returns an
// error wrapping ErrAuthExpired when the refresh token is rejected.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*domain.Credential, error)
}

type Manager struct {
	store     Store
	refresher Refresher
	margin    time.Duration
	now       func() time.Time
	flights   singleflight.Group
	metrics   *metrics.Metrics
	log       *slog.Logger
}

func NewManager(
	store Store,
	refresher Refresher,
	margin time.Duration,
	m *metrics.Metrics,
	log *slog.Logger,
) *Manager {
	if margin <= 0 {
		margin = DefaultMargin
	}

	return &Manager{
		store:     store,
		refresher: refresher,
		margin:    margin,
		now:       time.Now,
		metrics:   m,
		log:       log,
	}
}

// GetValidToken returns an access token that does not expire within the
// margin. Concurrent callers for the same user share one refresh.
func (m *Manager) GetValidToken(ctx context.Context, userID string) (string, error) {
	cred, err := m.store.GetCredential(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("get credential: %w", err)
	}

	if m.usable(cred) {
		return cred.AccessToken, nil
	}

	// The refresh is shared, so it must outlive the caller that started it.
	ch := m.flights.DoChan(userID, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		return m.refresh(flightCtx, userID)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}

		if res.Shared {
			m.log.DebugContext(ctx, "Shared token refresh",
				"userID", userID)
		}

		return res.Val.(string), nil
	}
}

func (m *Manager) refresh(ctx context.Context, userID string) (string, error) {
	// Another flight may have finished between the first read and this one.
	cred, err := m.store.GetCredential(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("get credential: %w", err)
	}

	if m.usable(cred) {
		return cred.AccessToken, nil
	}

	if cred.RefreshToken == "" {
		m.metrics.Refresh("no_refresh_token")

		return "", fmt.Errorf("%w: no refresh token", ErrAuthExpired)
	}

	fresh, err := m.refresher.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrAuthExpired) {
			m.metrics.Refresh("rejected")
			m.log.WarnContext(ctx, "Refresh token is rejected",
				"error", err,
				"userID", userID)

			return "", err
		}

		m.metrics.Refresh("failed")

		return "", fmt.Errorf("refresh token: %w", err)
	}

	fresh.UserID = userID
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = cred.RefreshToken
	}

	if err = m.store.SaveCredential(ctx, fresh); err != nil {
		return "", fmt.Errorf("save credential: %w", err)
	}

	m.metrics.Refresh("ok")
	m.log.InfoContext(ctx, "Access token is refreshed",
		"userID", userID,
		"expiresAt", fresh.ExpiresAt)

	return fresh.AccessToken, nil
}

// Invalidate marks the stored access token as expired so the next
// GetValidToken refreshes it. Used after the source rejects the token.
func (m *Manager) Invalidate(ctx context.Context, userID string) error {
	cred, err := m.store.GetCredential(ctx, userID)
	if err != nil {
		return fmt.Errorf("get credential: %w", err)
	}

	cred.ExpiresAt = m.now().Add(-time.Second)

	if err = m.store.SaveCredential(ctx, cred); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}

	return nil
}

func (m *Manager) usable(cred *domain.Credential) bool {
	if cred.AccessToken == "" {
		return false
	}

	if cred.ExpiresAt.IsZero() {
		return true
	}

	return cred.ExpiresAt.Sub(m.now()) > m.margin
}
