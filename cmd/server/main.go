package main

import (
	"context"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/slawatch/backend/internal/config"
	"github.com/slawatch/backend/internal/db"
	httpapi "github.com/slawatch/backend/internal/http"
	"github.com/slawatch/backend/internal/http/handlers"
	"github.com/slawatch/backend/internal/notify"
	"github.com/slawatch/backend/internal/service"
	"github.com/slawatch/backend/internal/sources"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	logger := log.Level(level).With().Str("service", "slawatch").Str("env", cfg.Env).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(ctx, cfg.StoreDriver, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
	}
	defer store.Close()

	registry, closeNotifiers := buildNotifiers(ctx, cfg, logger)
	defer closeNotifiers()

	ingest := service.NewIngestService(store, cfg.Policies, logger, cfg.IngestQueueSize)
	escalation := &service.EscalationService{
		Store:    store,
		Policies: cfg.Policies,
		Calendar: cfg.Calendar,
		Dispatcher: &service.Dispatcher{
			Notifiers: registry,
			Timeout:   cfg.NotifyTimeout,
			Logger:    logger.With().Str("service", "dispatcher").Logger(),
		},
		Logger:            logger.With().Str("service", "escalation").Logger(),
		Concurrency:       cfg.EscalationConcurrency,
		BusinessHoursOnly: cfg.EscalationBusinessHoursOnly,
	}
	snapshots := &service.SnapshotService{
		Store:    store,
		Calendar: cfg.Calendar,
		Hour:     cfg.SnapshotHour,
		Logger:   logger.With().Str("service", "snapshot").Logger(),
	}
	pruner := &service.DedupPruner{
		Store:     store,
		Retention: cfg.DedupRetention,
		Interval:  cfg.PruneInterval,
		Logger:    logger.With().Str("service", "dedup_pruner").Logger(),
	}

	pollers, webhooks := buildSources(cfg, logger)

	// The ingest consumer outlives the HTTP server so webhooks accepted
	// during shutdown are still folded.
	ingestCtx, stopIngest := context.WithCancel(context.Background())
	defer stopIngest()
	ingestDone := make(chan struct{})
	go func() {
		defer close(ingestDone)
		ingest.Run(ingestCtx)
	}()

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	for _, src := range pollers {
		p := &service.Poller{
			Source:      src.source,
			Checkpoints: store,
			Ingest:      ingest,
			Interval:    src.interval,
			Overlap:     cfg.PollOverlap,
			Retention:   cfg.DedupRetention,
			Timeout:     cfg.PollTimeout,
			Logger:      logger.With().Str("service", "poller").Logger(),
		}
		run(p.Run)
	}
	run(func(ctx context.Context) { escalation.Run(ctx, cfg.EscalationInterval) })
	run(snapshots.Run)
	run(pruner.Run)

	h := &handlers.Handler{
		Store:      store,
		Ingest:     ingest,
		Escalation: escalation,
		Snapshots:  snapshots,
		Webhooks:   webhooks,
		Validator:  validator.New(),
		Logger:     logger,
	}
	router := httpapi.Router(cfg, h, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("store", cfg.StoreDriver).
			Int("pollers", len(pollers)).
			Int("webhooks", len(webhooks)).
			Strs("policies", cfg.Policies.Keys()).
			Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	wg.Wait()
	stopIngest()
	<-ingestDone
	logger.Info().Msg("server stopped")
}

type pollSource struct {
	source   sources.Source
	interval time.Duration
}

// buildSources wires every integration that has credentials. The webhook
// route of a source exists only when its secret is set, so a poll-only source
// cannot be fed unsigned deliveries.
func buildSources(cfg config.Config, logger zerolog.Logger) ([]pollSource, map[string]sources.WebhookNormalizer) {
	var pollers []pollSource
	webhooks := map[string]sources.WebhookNormalizer{}

	if cfg.JiraBaseURL != "" || cfg.JiraWebhookSecret != "" {
		jira := sources.NewJira(cfg.JiraBaseURL, cfg.JiraEmail, cfg.JiraAPIToken, cfg.JiraJQL, cfg.JiraWebhookSecret, cfg.SourceRateLimit)
		if cfg.JiraWebhookSecret != "" {
			webhooks["jira"] = jira
		}
		if cfg.JiraBaseURL != "" && cfg.JiraAPIToken != "" && cfg.JiraJQL != "" {
			pollers = append(pollers, pollSource{source: jira, interval: cfg.JiraPollInterval})
		}
	}

	if cfg.GitLabToken != "" || cfg.GitLabWebhookToken != "" {
		client, err := sources.NewGitLabClient(cfg.GitLabBaseURL, cfg.GitLabToken, cfg.SourceRateLimit)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create gitlab client")
		}
		gl := &sources.GitLab{
			Client:          client,
			Projects:        config.SplitList(cfg.GitLabProjects),
			WebhookToken:    cfg.GitLabWebhookToken,
			Calendar:        cfg.Calendar,
			StaleAfterHours: cfg.GitLabStaleHours,
		}
		if cfg.GitLabWebhookToken != "" {
			webhooks["gitlab"] = gl
		}
		if cfg.GitLabToken != "" && len(gl.Projects) > 0 {
			pollers = append(pollers, pollSource{source: gl, interval: cfg.GitLabPollInterval})
		}
	}

	if cfg.SlackToken != "" || cfg.SlackSigningSecret != "" {
		slack := sources.NewSlack(cfg.SlackBaseURL, cfg.SlackToken, cfg.SlackBotUserID, cfg.SlackSigningSecret, config.SplitList(cfg.SlackChannels), cfg.SourceRateLimit)
		if cfg.SlackSigningSecret != "" {
			webhooks["slack"] = slack
		}
		if cfg.SlackToken != "" && len(slack.Channels) > 0 {
			pollers = append(pollers, pollSource{source: slack, interval: cfg.SlackPollInterval})
		}
	}
	return pollers, webhooks
}

// buildNotifiers registers every configured channel. The default action kind
// goes to the webhook, then Redis, then the log.
func buildNotifiers(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*notify.Registry, func()) {
	logNotifier := notify.LogNotifier{Logger: logger.With().Str("service", "notify").Logger()}
	registry := notify.NewRegistry(logNotifier)
	registry.Register("log", logNotifier)
	closeFn := func() {}

	if cfg.RedisURL != "" {
		rn, err := notify.NewRedisStreamNotifier(cfg.RedisURL, cfg.NotifyRedisStream)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure redis notifier")
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rn.Ping(pingCtx); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable at startup, notifications will retry")
		}
		cancel()
		registry.Register("redis", rn)
		registry.Fallback = rn
		closeFn = func() { _ = rn.Close() }
	}

	if cfg.NotifyWebhookURL != "" {
		wn := notify.WebhookNotifier{URL: cfg.NotifyWebhookURL, Client: &http.Client{Timeout: cfg.NotifyTimeout}}
		registry.Register("webhook", wn)
		registry.Fallback = wn
	}
	return registry, closeFn
}
