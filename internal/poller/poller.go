// Package poller runs the per-user bookmark and direct message loops.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"readwise-autosave/internal/bluesky"
	"readwise-autosave/internal/credential"
	"readwise-autosave/internal/domain"
	"readwise-autosave/internal/metrics"
	"sync/atomic"
	"time"
)

const (
	SourceBookmarks = "bookmarks"
	SourceMessages  = "dms"

	defaultItemTimeout = 2 * time.Minute
)

// ErrStopped wraps the reason a poller stopped for good: sync disabled, the
// user deleted or the credential expired.
var ErrStopped = errors.New("poller stopped")

type State int32

const (
	StateIdle State = iota
	StateFetching
	StateProcessing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateProcessing:
		return "processing"
	default:
		return "stopped"
	}
}

type SettingsStore interface {
	GetSettings(ctx context.Context, userID string) (*domain.Settings, error)
	UpdateBookmarkCursor(ctx context.Context, userID string, cursor string) error
	UpdateReadwiseToken(ctx context.Context, userID string, token string) error
	RequireReconnect(ctx context.Context, userID string) error
}

type Tokens interface {
	GetValidToken(ctx context.Context, userID string) (string, error)
	Invalidate(ctx context.Context, userID string) error
}

type Ledger interface {
	AlreadyProcessed(ctx context.Context, userID string, postURI string) (bool, error)
	MarkProcessedAdvancing(ctx context.Context, userID string, postURI string, cursor string) error
	MessageProcessed(ctx context.Context, messageID string) (bool, error)
	MarkMessage(ctx context.Context, m domain.ProcessedMessage) error
}

type Config struct {
	Interval    time.Duration
	ItemTimeout time.Duration
}

// worker holds the loop shared by both pollers.
type worker struct {
	userID   string
	source   string
	cfg      Config
	settings SettingsStore
	ledger   Ledger
	pipeline *Pipeline
	state    atomic.Int32
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func (w *worker) State() State {
	return State(w.state.Load())
}

func (w *worker) setState(s State) {
	w.state.Store(int32(s))
}

// run calls cycle every interval until ctx is done or cycle returns
// ErrStopped.
func (w *worker) run(ctx context.Context, cycle func(context.Context) error) error {
	defer w.setState(StateStopped)

	w.metrics.WorkerStarted(w.source)
	defer w.metrics.WorkerStopped(w.source)

	for {
		err := cycle(ctx)
		if errors.Is(err, ErrStopped) {
			w.log.InfoContext(ctx, "Poller is stopped",
				"reason", err,
				"userID", w.userID,
				"source", w.source)

			return err
		}

		if err != nil && ctx.Err() == nil {
			w.log.ErrorContext(ctx, "Poll cycle failed",
				"error", err,
				"userID", w.userID,
				"source", w.source)
		}

		w.setState(StateIdle)

		if err = sleep(ctx, w.cfg.Interval); err != nil {
			return nil
		}
	}
}

// settingsForCycle reads the settings at the start of a cycle.
func (w *worker) settingsForCycle(ctx context.Context) (*domain.Settings, error) {
	s, err := w.settings.GetSettings(ctx, w.userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: user is deleted", ErrStopped)
	}
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}

	if !s.Active() {
		return nil, fmt.Errorf("%w: sync is disabled", ErrStopped)
	}

	return s, nil
}

// authExpired raises the reconnect flag and stops the poller.
func (w *worker) authExpired(ctx context.Context, cause error) error {
	if err := w.settings.RequireReconnect(context.WithoutCancel(ctx), w.userID); err != nil {
		w.log.ErrorContext(ctx, "Failed to flag reconnect",
			"error", err,
			"userID", w.userID)
	}

	w.log.WarnContext(ctx, "Bluesky login expired, reconnect is required",
		"error", cause,
		"userID", w.userID,
		"source", w.source)

	return fmt.Errorf("%w: %w", ErrStopped, cause)
}

// itemContext lets an in-flight item finish after ctx is cancelled, bounded
// by the item timeout.
func (w *worker) itemContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := w.cfg.ItemTimeout
	if timeout <= 0 {
		timeout = defaultItemTimeout
	}

	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

type BookmarkSource interface {
	GetBookmarks(ctx context.Context, token string, cursor string) (bluesky.BookmarkPage, error)
}

// BookmarkPoller saves new bookmarks of one user.
type BookmarkPoller struct {
	worker
	tokens Tokens
	src    BookmarkSource
}

func NewBookmarkPoller(
	userID string,
	cfg Config,
	settings SettingsStore,
	tokens Tokens,
	src BookmarkSource,
	ledger Ledger,
	pipeline *Pipeline,
	m *metrics.Metrics,
	log *slog.Logger,
) *BookmarkPoller {
	return &BookmarkPoller{
		worker: worker{
			userID:   userID,
			source:   SourceBookmarks,
			cfg:      cfg,
			settings: settings,
			ledger:   ledger,
			pipeline: pipeline,
			metrics:  m,
			log:      log,
		},
		tokens: tokens,
		src:    src,
	}
}

func (p *BookmarkPoller) Run(ctx context.Context) error {
	return p.run(ctx, p.Cycle)
}

// Cycle fetches one page after the stored cursor and handles it in order.
// The cursor only moves past items that are recorded in the ledger.
func (p *BookmarkPoller) Cycle(ctx context.Context) error {
	p.setState(StateFetching)

	settings, err := p.settingsForCycle(ctx)
	if err != nil {
		return err
	}

	if !settings.CanDeliver() {
		p.log.DebugContext(ctx, "Readwise token is missing so bookmarks are not polled",
			"userID", p.userID)

		return nil
	}

	token, err := p.tokens.GetValidToken(ctx, p.userID)
	if errors.Is(err, credential.ErrAuthExpired) {
		return p.authExpired(ctx, err)
	}
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}

	page, err := p.src.GetBookmarks(ctx, token, settings.LastBookmarkCursor)
	if errors.Is(err, bluesky.ErrUnauthorized) {
		if invErr := p.tokens.Invalidate(ctx, p.userID); invErr != nil {
			err = errors.Join(err, invErr)
		}

		return fmt.Errorf("get bookmarks: %w", err)
	}
	if err != nil {
		return fmt.Errorf("get bookmarks: %w", err)
	}

	contiguous := true

	for _, b := range page.Bookmarks {
		if ctx.Err() != nil {
			return nil
		}

		p.setState(StateProcessing)

		cursor := ""
		if contiguous {
			cursor = b.Cursor
		}

		if !p.handle(ctx, settings, b, cursor) {
			contiguous = false
		}
	}

	if contiguous && ctx.Err() == nil && page.Cursor != "" && page.Cursor != settings.LastBookmarkCursor {
		if err = p.settings.UpdateBookmarkCursor(ctx, p.userID, page.Cursor); err != nil {
			return fmt.Errorf("update bookmark cursor: %w", err)
		}
	}

	return nil
}

// handle runs one bookmark to completion and reports whether it is recorded.
func (p *BookmarkPoller) handle(ctx context.Context, settings *domain.Settings, b bluesky.Bookmark, cursor string) bool {
	itemCtx, cancel := p.itemContext(ctx)
	defer cancel()

	done, err := p.ledger.AlreadyProcessed(itemCtx, p.userID, b.URI)
	if err != nil {
		p.log.ErrorContext(itemCtx, "Failed to check bookmark",
			"error", err,
			"userID", p.userID,
			"postURI", b.URI)

		return false
	}

	res := ItemResult{Outcome: OutcomeDuplicate}
	if !done {
		res = p.pipeline.Process(itemCtx, settings.ReadwiseToken, b.URI, formatterOptions(settings, false, ""))
	}

	p.metrics.Item(p.source, string(res.Outcome))

	if !res.Outcome.Handled() {
		p.log.WarnContext(itemCtx, "Bookmark is not saved and will be retried",
			"error", res.Err,
			"userID", p.userID,
			"postURI", b.URI,
			"outcome", res.Outcome)

		return false
	}

	if done && cursor == "" {
		return true
	}

	if err = p.ledger.MarkProcessedAdvancing(itemCtx, p.userID, b.URI, cursor); err != nil {
		p.log.ErrorContext(itemCtx, "Failed to record bookmark",
			"error", err,
			"userID", p.userID,
			"postURI", b.URI,
			"outcome", res.Outcome)

		return false
	}

	switch res.Outcome {
	case OutcomeRejected, OutcomeUnavailable:
		p.log.ErrorContext(itemCtx, "Bookmark is skipped",
			"error", res.Err,
			"userID", p.userID,
			"postURI", b.URI,
			"outcome", res.Outcome)
	case OutcomeDelivered:
		p.log.InfoContext(itemCtx, "Bookmark is saved",
			"userID", p.userID,
			"postURI", b.URI,
			"kind", res.Kind.String(),
			"partial", res.Partial)
	}

	p.pipeline.DeliverLinks(itemCtx, settings.ReadwiseToken, res.Links)

	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
