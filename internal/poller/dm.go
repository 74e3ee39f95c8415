package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"readwise-autosave/internal/bluesky"
	"readwise-autosave/internal/domain"
	"readwise-autosave/internal/metrics"
	"time"
)

type MessageSource interface {
	BotConfigured() bool
	ListMessages(ctx context.Context, senderDID string, since time.Time) ([]bluesky.Message, error)
	SendMessage(ctx context.Context, convoID string, text string) error
}

type TokenVerifier interface {
	VerifyToken(ctx context.Context, apiKey string) (bool, error)
}

// DMPoller handles messages one user sent to the bot account.
type DMPoller struct {
	worker
	did         string
	src         MessageSource
	verifier    TokenVerifier
	settingsURL string
	// since is the send time of the newest message that, together with every
	// earlier one, is settled in the message ledger.
	since time.Time
}

func NewDMPoller(
	user domain.User,
	cfg Config,
	settingsURL string,
	settings SettingsStore,
	src MessageSource,
	verifier TokenVerifier,
	ledger Ledger,
	pipeline *Pipeline,
	m *metrics.Metrics,
	log *slog.Logger,
) *DMPoller {
	return &DMPoller{
		worker: worker{
			userID:   user.ID,
			source:   SourceMessages,
			cfg:      cfg,
			settings: settings,
			ledger:   ledger,
			pipeline: pipeline,
			metrics:  m,
			log:      log,
		},
		did:         user.DID,
		src:         src,
		verifier:    verifier,
		settingsURL: settingsURL,
		since:       user.CreatedAt.UTC(),
	}
}

func (p *DMPoller) Run(ctx context.Context) error {
	return p.run(ctx, p.Cycle)
}

func (p *DMPoller) Cycle(ctx context.Context) error {
	p.setState(StateFetching)

	settings, err := p.settingsForCycle(ctx)
	if err != nil {
		return err
	}

	if !p.src.BotConfigured() {
		return nil
	}

	messages, err := p.src.ListMessages(ctx, p.did, p.since)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}

	contiguous := true

	for _, msg := range messages {
		if ctx.Err() != nil {
			return nil
		}

		p.setState(StateProcessing)

		settled := p.handle(ctx, settings, msg)
		if !settled {
			contiguous = false
		}

		if contiguous && msg.SentAt.After(p.since) {
			p.since = msg.SentAt
		}
	}

	return nil
}

// handle runs one message to completion and reports whether it is settled.
func (p *DMPoller) handle(ctx context.Context, settings *domain.Settings, msg bluesky.Message) bool {
	itemCtx, cancel := p.itemContext(ctx)
	defer cancel()

	done, err := p.ledger.MessageProcessed(itemCtx, msg.ID)
	if err != nil {
		p.log.ErrorContext(itemCtx, "Failed to check message",
			"error", err,
			"userID", p.userID,
			"messageID", msg.ID)

		return false
	}

	if done {
		p.metrics.Item(p.source, string(OutcomeDuplicate))
		return true
	}

	cmd := ParseCommand(msg.Text)

	record := domain.ProcessedMessage{
		MessageID: msg.ID,
		UserID:    p.userID,
		PostURI:   cmd.PostURI,
		Status:    domain.MessageSkipped,
	}

	var (
		reply string
		res   ItemResult
	)

	switch cmd.Kind {
	case CommandHelp:
		reply = helpMessage()
	case CommandSettings:
		reply = settingsMessage(p.settingsURL)
	case CommandRegister:
		reply, err = p.register(itemCtx, cmd.Token)
		if err != nil {
			record.Status = domain.MessageFailed
		}
	case CommandSave:
		reply, res = p.save(itemCtx, settings, cmd)
		switch {
		case res.Outcome == OutcomeDelivered:
			record.Status = domain.MessageDelivered
		case !res.Outcome.Handled():
			record.Status = domain.MessageFailed
			err = res.Err
		}
	default:
		reply = unknownMessage()
	}

	p.metrics.Item(p.source, string(record.Status))

	if markErr := p.ledger.MarkMessage(itemCtx, record); markErr != nil {
		p.log.ErrorContext(itemCtx, "Failed to record message",
			"error", markErr,
			"userID", p.userID,
			"messageID", msg.ID,
			"status", record.Status)

		return false
	}

	if record.Status == domain.MessageFailed {
		p.log.WarnContext(itemCtx, "Message is not handled and will be retried",
			"error", err,
			"userID", p.userID,
			"messageID", msg.ID)

		return false
	}

	p.log.InfoContext(itemCtx, "Message is handled",
		"userID", p.userID,
		"messageID", msg.ID,
		"status", record.Status,
		"postURI", record.PostURI)

	p.reply(itemCtx, msg.ConvoID, reply)
	p.pipeline.DeliverLinks(itemCtx, settings.ReadwiseToken, res.Links)

	return true
}

func (p *DMPoller) register(ctx context.Context, token string) (string, error) {
	ok, err := p.verifier.VerifyToken(ctx, token)
	if err != nil {
		return "", fmt.Errorf("verify readwise token: %w", err)
	}

	if !ok {
		return "Readwise rejected that token. Copy it again from https://readwise.io/access_token", nil
	}

	if err = p.settings.UpdateReadwiseToken(ctx, p.userID, token); err != nil {
		return "", fmt.Errorf("update readwise token: %w", err)
	}

	return "Registered! Your bookmarks are saved to Readwise from now on, and you can DM me post URLs.", nil
}

func (p *DMPoller) save(ctx context.Context, settings *domain.Settings, cmd Command) (string, ItemResult) {
	if !settings.CanDeliver() {
		return "Register your Readwise token first: register <token>", ItemResult{Outcome: OutcomeRejected}
	}

	res := p.pipeline.Process(ctx, settings.ReadwiseToken, cmd.PostURI, formatterOptions(settings, cmd.ExtractLinks, cmd.Note))

	switch res.Outcome {
	case OutcomeDelivered:
		return "Saved to Readwise!", res
	case OutcomeUnavailable:
		return "That post is not available.", res
	case OutcomeRejected:
		return "Readwise did not accept that post.", res
	default:
		return "", res
	}
}

func (p *DMPoller) reply(ctx context.Context, convoID string, text string) {
	if text == "" || convoID == "" {
		return
	}

	err := p.src.SendMessage(ctx, convoID, text)
	if err != nil && !errors.Is(err, bluesky.ErrBotNotConfigured) {
		p.log.WarnContext(ctx, "Failed to reply to message",
			"error", err,
			"userID", p.userID,
			"convoID", convoID)
	}
}
