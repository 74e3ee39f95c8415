package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultReconcileSpec  = "@every 1m"
	Timezone              = "UTC"
	TimezoneOffsetSeconds = 0
	reconcileTimeout      = 30 * time.Second
)

type Reconciler interface {
	Sync(ctx context.Context) error
}

type Scheduler struct {
	ctx        context.Context
	cron       *cron.Cron
	spec       string
	reconciler Reconciler
	log        *slog.Logger
}

func New(ctx context.Context, spec string, reconciler Reconciler, log *slog.Logger) *Scheduler {
	if spec == "" {
		spec = DefaultReconcileSpec
	}

	c := cron.New(
		cron.WithLocation(time.FixedZone(Timezone, TimezoneOffsetSeconds)),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	return &Scheduler{
		ctx:        ctx,
		cron:       c,
		spec:       spec,
		reconciler: reconciler,
		log:        log,
	}
}

func (s *Scheduler) Spec() string {
	return s.spec
}

// Start runs one reconcile right away and then on the schedule.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.reconcile); err != nil {
		return err
	}

	s.reconcile()
	s.cron.Start()

	return nil
}

// Stop stops the schedule and waits for a running reconcile.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) reconcile() {
	ctx, cancel := context.WithTimeout(s.ctx, reconcileTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		s.log.InfoContext(ctx, "Scheduler context is done",
			"error", ctx.Err())
		return
	default:
	}

	if err := s.reconciler.Sync(ctx); err != nil {
		s.log.ErrorContext(ctx, "Failed to reconcile user workers",
			"error", err,
			"spec", s.spec)
	}
}
