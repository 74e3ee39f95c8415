package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"readwise-autosave/internal/bluesky"
	"readwise-autosave/internal/classifier"
	"readwise-autosave/internal/config"
	"readwise-autosave/internal/credential"
	"readwise-autosave/internal/database"
	"readwise-autosave/internal/delivery"
	"readwise-autosave/internal/domain"
	"readwise-autosave/internal/ledger"
	"readwise-autosave/internal/metrics"
	"readwise-autosave/internal/ops"
	"readwise-autosave/internal/orchestrator"
	"readwise-autosave/internal/poller"
	"readwise-autosave/internal/ratelimiter"
	"readwise-autosave/internal/readwise"
	"readwise-autosave/internal/scheduler"
	"readwise-autosave/internal/secret"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config",
			"error", err)

		os.Exit(1)
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(log)

	start := time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sealer, err := initSealer(ctx, cfg, log)
	if err != nil {
		log.ErrorContext(ctx, "Failed to initialize token sealer",
			"error", err,
			"envVar", "TOKEN_ENCRYPTION_KEY")

		return
	}

	db, err := database.New(ctx, cfg.DBPath, sealer, log)
	if err != nil {
		log.ErrorContext(ctx, "Failed to initialize db",
			"error", err,
			"dbPath", cfg.DBPath)

		return
	}
	defer func() {
		if err = db.Close(); err != nil {
			log.ErrorContext(ctx, "Failed to close db",
				"error", err,
				"dbPath", cfg.DBPath)
		}
	}()
	log.InfoContext(ctx, "DB is initialized",
		"dbPath", cfg.DBPath)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	httpClient := &http.Client{}

	bsky := bluesky.New(bluesky.Options{
		APIURL:       cfg.BskyAPIURL,
		PublicAPIURL: cfg.BskyPublicAPIURL,
		ChatURL:      cfg.BskyChatURL,
		BotHandle:    cfg.BskyBotHandle,
		BotPassword:  cfg.BskyBotPassword,
		CallTimeout:  cfg.CallTimeout,
		HTTPClient:   httpClient,
	}, log)
	if !bsky.BotConfigured() {
		log.WarnContext(ctx, "Bot account is missing so direct messages are not polled",
			"envVar", "BSKY_BOT_HANDLE")
	}

	rw := readwise.New(cfg.ReadwiseBaseURL, cfg.CallTimeout, httpClient)

	tokens := credential.NewManager(
		db,
		credential.NewOAuth2Refresher(cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.OAuthTokenURL, httpClient),
		cfg.TokenRefreshMargin,
		m,
		log,
	)

	// Pollers never sleep out a suspension: a rate-limited item is left for the
	// next cycle so items bound for the other endpoint keep flowing.
	deliverer := delivery.New(rw, ratelimiter.New(log), delivery.Options{
		MaxAttempts: cfg.DeliveryMaxAttempts,
		BaseDelay:   cfg.DeliveryBaseDelay,
		MaxDelay:    cfg.DeliveryMaxDelay,
		Limits: map[readwise.Endpoint]ratelimiter.Limit{
			readwise.EndpointHighlights: {PerMinute: cfg.HighlightsPerMinute},
			readwise.EndpointDocuments:  {PerMinute: cfg.DocumentsPerMinute},
		},
	}, m, log)

	pipeline := poller.NewPipeline(classifier.New(bsky, log), deliverer, log)
	processed := ledger.New(db)

	factory := func(user domain.User) []orchestrator.Worker {
		userLog := log.With("userID", user.ID)

		return []orchestrator.Worker{
			poller.NewBookmarkPoller(
				user.ID,
				poller.Config{Interval: cfg.BookmarkPollInterval, ItemTimeout: cfg.ItemTimeout},
				db,
				tokens,
				bsky,
				processed,
				pipeline,
				m,
				userLog,
			),
			poller.NewDMPoller(
				user,
				poller.Config{Interval: cfg.DMPollInterval, ItemTimeout: cfg.ItemTimeout},
				cfg.SettingsURL,
				db,
				bsky,
				rw,
				processed,
				pipeline,
				m,
				userLog,
			),
		}
	}

	orch := orchestrator.New(ctx, db, factory, log)

	sched := scheduler.New(ctx, cfg.ReconcileSpec, orch, log)
	if err = sched.Start(); err != nil {
		log.ErrorContext(ctx, "Failed to start scheduler",
			"error", err,
			"spec", sched.Spec())

		return
	}
	log.InfoContext(ctx, "Scheduler is started",
		"spec", sched.Spec(),
		"timezone", time.FixedZone(scheduler.Timezone, scheduler.TimezoneOffsetSeconds).String(),
		"activeUsers", len(orch.Active()))

	opsDone := make(chan struct{})
	go func() {
		defer close(opsDone)

		if err := ops.Serve(ctx, cfg.OpsAddr, ops.NewRouter(db, orch, reg, log), log); err != nil {
			log.ErrorContext(ctx, "Ops server failed",
				"error", err,
				"addr", cfg.OpsAddr)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	sig := <-c
	log.InfoContext(ctx, "Shutdown signal is received",
		"signal", sig.String())

	sched.Stop()
	cancel()

	log.InfoContext(ctx, "Exiting...",
		"signal", sig.String(),
		"uptimeSeconds", time.Since(start).Seconds())

	orch.Stop()
	<-opsDone
	log.InfoContext(ctx, "Workers are stopped",
		"uptimeSeconds", time.Since(start).Seconds())
}

func initSealer(ctx context.Context, cfg config.Config, log *slog.Logger) (secret.Sealer, error) {
	if cfg.TokenEncryptionKey == "" {
		log.WarnContext(ctx, "TOKEN_ENCRYPTION_KEY is missing so tokens are stored in plaintext",
			"envVar", "TOKEN_ENCRYPTION_KEY")

		return secret.PlaintextSealer{}, nil
	}

	return secret.NewAEADSealerFromBase64(cfg.TokenEncryptionKey)
}
