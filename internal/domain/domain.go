package domain

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type MessageStatus string

const (
	MessageDelivered MessageStatus = "delivered"
	MessageSkipped   MessageStatus = "skipped"
	MessageFailed    MessageStatus = "failed"
)

type User struct {
	ID        string
	DID       string
	Handle    string
	CreatedAt time.Time
}

// Credential holds the source network OAuth tokens of a user. A zero
// ExpiresAt means the expiry is unknown and the token is used as is.
type Credential struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

type Settings struct {
	UserID             string
	ReadwiseToken      string
	SyncEnabled        bool
	ExtractLinks       bool
	LastBookmarkCursor string
	ReconnectRequired  bool
	UpdatedAt          time.Time
}

// Active reports whether pollers should run for the owning user.
func (s Settings) Active() bool {
	return s.SyncEnabled && !s.ReconnectRequired
}

// CanDeliver reports whether items can be saved to Readwise.
func (s Settings) CanDeliver() bool {
	return s.ReadwiseToken != ""
}

type ProcessedBookmark struct {
	UserID      string
	PostURI     string
	ProcessedAt time.Time
}

// ProcessedMessage outlives its user: UserID is empty once the user is deleted.
type ProcessedMessage struct {
	MessageID   string
	UserID      string
	PostURI     string
	Status      MessageStatus
	ProcessedAt time.Time
}
