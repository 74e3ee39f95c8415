// Package ledger records which bookmarks and direct messages were handled so
// they are never delivered twice. Uniqueness is enforced by the store.
package ledger

import (
	"context"
	"fmt"
	"readwise-autosave/internal/domain"
)

type Store interface {
	IsBookmarkProcessed(ctx context.Context, userID string, postURI string) (bool, error)
	InsertProcessedBookmark(ctx context.Context, userID string, postURI string, cursor string) error
	IsMessageProcessed(ctx context.Context, messageID string) (bool, error)
	InsertProcessedMessage(ctx context.Context, m domain.ProcessedMessage) error
}

type Ledger struct {
	store Store
}

func New(store Store) *Ledger {
	return &Ledger{store: store}
}

func (l *Ledger) AlreadyProcessed(ctx context.Context, userID string, postURI string) (bool, error) {
	ok, err := l.store.IsBookmarkProcessed(ctx, userID, postURI)
	if err != nil {
		return false, fmt.Errorf("check bookmark %s: %w", postURI, err)
	}

	return ok, nil
}

// MarkProcessed records the bookmark. Marking a recorded bookmark is a no-op.
func (l *Ledger) MarkProcessed(ctx context.Context, userID string, postURI string) error {
	return l.MarkProcessedAdvancing(ctx, userID, postURI, "")
}

// MarkProcessedAdvancing records the bookmark and stores cursor as the
// bookmark position in one step. An empty cursor leaves the position as is.
func (l *Ledger) MarkProcessedAdvancing(ctx context.Context, userID string, postURI string, cursor string) error {
	if err := l.store.InsertProcessedBookmark(ctx, userID, postURI, cursor); err != nil {
		return fmt.Errorf("mark bookmark %s: %w", postURI, err)
	}

	return nil
}

func (l *Ledger) MessageProcessed(ctx context.Context, messageID string) (bool, error) {
	ok, err := l.store.IsMessageProcessed(ctx, messageID)
	if err != nil {
		return false, fmt.Errorf("check message %s: %w", messageID, err)
	}

	return ok, nil
}

func (l *Ledger) MarkMessage(ctx context.Context, m domain.ProcessedMessage) error {
	if err := l.store.InsertProcessedMessage(ctx, m); err != nil {
		return fmt.Errorf("mark message %s: %w", m.MessageID, err)
	}

	return nil
}
