package poller

import (
	"context"
	"errors"
	"log/slog"
	"readwise-autosave/internal/classifier"
	"readwise-autosave/internal/delivery"
	"readwise-autosave/internal/domain"
	"readwise-autosave/internal/formatter"
	"readwise-autosave/internal/readwise"
)

// Outcome is the result of running one item through the pipeline.
type Outcome string

const (
	OutcomeDelivered   Outcome = "delivered"
	OutcomeRejected    Outcome = "rejected"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeFailed      Outcome = "failed"
	OutcomeDuplicate   Outcome = "duplicate"
)

// Handled reports whether the item is settled for good and is recorded in
// the ledger.
func (o Outcome) Handled() bool {
	switch o {
	case OutcomeDelivered, OutcomeRejected, OutcomeUnavailable, OutcomeDuplicate:
		return true
	default:
		return false
	}
}

type ItemResult struct {
	Outcome Outcome
	Kind    classifier.Kind
	Partial bool
	Err     error
	// Links are Reader documents for the links of the post, delivered after
	// the item is recorded.
	Links []readwise.Payload
}

type Classifier interface {
	Classify(ctx context.Context, postURI string) (classifier.Classification, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, apiKey string, p readwise.Payload) delivery.Result
}

// Pipeline runs classify, format and deliver for one post.
type Pipeline struct {
	classifier Classifier
	deliverer  Deliverer
	log        *slog.Logger
}

func NewPipeline(c Classifier, d Deliverer, log *slog.Logger) *Pipeline {
	return &Pipeline{classifier: c, deliverer: d, log: log}
}

func (p *Pipeline) Process(ctx context.Context, apiKey string, postURI string, opts formatter.Options) ItemResult {
	c, err := p.classifier.Classify(ctx, postURI)
	if errors.Is(err, classifier.ErrPostUnavailable) {
		return ItemResult{Outcome: OutcomeUnavailable, Err: err}
	}
	if err != nil {
		return ItemResult{Outcome: OutcomeFailed, Err: err}
	}

	res := p.deliverer.Deliver(ctx, apiKey, formatter.Format(c, opts))

	item := ItemResult{Kind: c.Kind, Partial: c.Partial, Err: res.Err}

	switch res.Outcome {
	case delivery.Delivered:
		item.Outcome = OutcomeDelivered
		if opts.ExtractLinks {
			item.Links = formatter.LinkDocuments(c.Post)
		}
	case delivery.Rejected:
		item.Outcome = OutcomeRejected
	case delivery.RateLimited:
		item.Outcome = OutcomeRateLimited
	default:
		item.Outcome = OutcomeFailed
	}

	return item
}

// DeliverLinks saves link documents best-effort.
func (p *Pipeline) DeliverLinks(ctx context.Context, apiKey string, links []readwise.Payload) {
	for _, link := range links {
		res := p.deliverer.Deliver(ctx, apiKey, link)
		if res.Outcome != delivery.Delivered {
			p.log.WarnContext(ctx, "Failed to save extracted link",
				"error", res.Err,
				"url", link.Key(),
				"outcome", res.Outcome.String())
		}
	}
}

// formatterOptions merges the user's settings with per-item flags.
func formatterOptions(s *domain.Settings, extractLinks bool, note string) formatter.Options {
	return formatter.Options{
		ExtractLinks: s.ExtractLinks || extractLinks,
		Note:         note,
	}
}
