package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"rebuttal/api/internal/app"
	"rebuttal/api/internal/archive"
	"rebuttal/api/internal/blob"
	"rebuttal/api/internal/config"
	"rebuttal/api/internal/events"
	"rebuttal/api/internal/evidence"
	"rebuttal/api/internal/ledger"
	"rebuttal/api/internal/logging"
	"rebuttal/api/internal/packet"
	"rebuttal/api/internal/provider"
	"rebuttal/api/internal/readiness"
	"rebuttal/api/internal/render"
	"rebuttal/api/internal/scheduler"
	"rebuttal/api/internal/store"
	"rebuttal/api/internal/submission"
	"rebuttal/api/internal/templates"
	"rebuttal/api/internal/webhook"
)

// system holds every wired component for one process.
type system struct {
	cfg    config.Config
	logger *slog.Logger

	db        *sql.DB
	store     *store.PostgresStore
	blobs     *blob.MinioStore
	providers *provider.Registry
	templates *templates.Registry

	composer     *packet.Composer
	orchestrator *submission.Orchestrator
	scheduler    *scheduler.Scheduler
	reconciler   *webhook.Reconciler
	archive      *archive.Service
	relay        *events.Relay
	checks       []app.HealthCheck

	closers []func()
}

func loadConfig(path string) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logging.Setup(cfg.Log.Level, cfg.Log.Format), nil
}

func openDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{})
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return db, nil
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*system, error) {
	s := &system{cfg: cfg, logger: logger}
	if err := s.wire(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *system) wire(ctx context.Context) error {
	cfg := s.cfg
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	s.db = db
	s.closers = append(s.closers, func() { _ = db.Close() })
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	s.store = store.NewPostgresStore(db)

	s.blobs, err = blob.NewMinioStore(blob.Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Bucket:    cfg.Storage.Bucket,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		return err
	}
	if err := s.blobs.EnsureBucket(ctx); err != nil {
		return err
	}
	s.checks = append(s.checks, app.HealthCheck{Name: "storage", Ping: s.blobs.Ping})

	s.templates, err = templates.Load(cfg.TemplatesFile)
	if err != nil {
		return err
	}
	s.logger.Info("evidence templates loaded", "classifications", s.templates.Classifications())
	policy, err := readiness.ParsePolicy(cfg.Readiness.Severity)
	if err != nil {
		return err
	}

	var adapters []provider.Adapter
	if cfg.Stripe.Enabled() {
		adapters = append(adapters, provider.NewStripe(provider.StripeConfig(cfg.Stripe), nil))
	}
	if cfg.Checkout.Enabled() {
		adapters = append(adapters, provider.NewCheckout(provider.CheckoutConfig(cfg.Checkout), nil))
	}
	s.providers = provider.NewRegistry(adapters...)
	s.logger.Info("providers configured", "providers", s.providers.Names())

	outbound, err := s.ledger()
	if err != nil {
		return err
	}

	s.composer = packet.NewComposer(s.store, s.templates, evidence.NewBuilder(), evidence.NewResolver(s.blobs), readiness.NewAnalyzer(policy))
	renderer := render.NewRenderer(s.blobs, nil, cfg.Render.Timeout, s.logger)
	s.orchestrator = submission.NewOrchestrator(s.composer, s.store, renderer, s.blobs, s.providers, outbound, events.NewOutbox(s.store), submission.Options{
		SubmitTimeout: cfg.Submission.Timeout,
		Logger:        s.logger,
	})
	s.scheduler = scheduler.New(s.store, s.orchestrator, scheduler.Options{
		BatchSize:   cfg.Scheduler.BatchSize,
		Concurrency: cfg.Scheduler.Concurrency,
		BaseBackoff: cfg.Scheduler.BaseBackoff,
		MaxBackoff:  cfg.Scheduler.MaxBackoff,
		MaxAttempts: cfg.Scheduler.MaxAttempts,
		Logger:      s.logger,
	})
	s.reconciler = webhook.NewReconciler(webhook.Postgres(s.store), s.providers, s.logger)

	fallback := archive.NewPostgres(db)
	if strings.TrimSpace(cfg.Search.MeiliURL) != "" {
		meili := archive.NewMeili(cfg.Search.MeiliURL, cfg.Search.MeiliMasterKey, s.logger)
		s.closers = append(s.closers, meili.Close)
		s.archive = archive.NewService(meili, fallback, s.logger)
		s.checks = append(s.checks, app.HealthCheck{Name: "search", Ping: func(context.Context) error {
			if !meili.Healthy() {
				return errors.New("meilisearch unhealthy")
			}
			return nil
		}})
	} else {
		s.archive = archive.NewService(nil, fallback, s.logger)
	}

	s.relay = events.NewRelay(s.store, cfg.Scheduler.OutboxBatch, s.logger)
	s.relay.Handle(events.TopicArchiveRecord, s.archive.HandleRecord)
	return nil
}

// ledger picks the outbound reservation backend. Webhook reservations always stay in Postgres.
func (s *system) ledger() (ledger.Ledger, error) {
	switch strings.ToLower(strings.TrimSpace(s.cfg.Ledger.Backend)) {
	case "", "postgres":
		return ledger.NewPostgres(s.store), nil
	case "redis":
		l, err := ledger.NewRedis(s.cfg.Redis.URL, s.providers.Windows())
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = l.Close() })
		s.checks = append(s.checks, app.HealthCheck{Name: "ledger", Ping: l.Ping})
		s.logger.Info("using redis idempotency ledger")
		return l, nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", s.cfg.Ledger.Backend)
	}
}

func (s *system) service() *app.Service {
	return app.NewService(app.Deps{
		Store:        s.store,
		Composer:     s.composer,
		Orchestrator: s.orchestrator,
		Scheduler:    s.scheduler,
		Webhooks:     s.reconciler,
		Blobs:        s.blobs,
		Archive:      s.archive,
		Templates:    s.templates,
		Checks:       s.checks,
		Logger:       s.logger,
	})
}

func (s *system) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}
