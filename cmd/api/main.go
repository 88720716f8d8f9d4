package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"signflow/access"
	"signflow/completion"
	"signflow/config"
	"signflow/contract"
	"signflow/db"
	"signflow/invitation"
	"signflow/notify"
	"signflow/ordering"
	"signflow/scheduler"
	"signflow/signer"
	"signflow/verification"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := config.SetupLogger(cfg)
	logger.Info("starting signflow", slog.String("version", config.Version))

	if err := run(cfg, logger); err != nil {
		logger.Error("signflow stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Database.Migrate {
		if err := db.Migrate(cfg.Database.URL, logger); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{
		MaxConns:        int32(cfg.Database.MaxConns),
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	port, relay := notificationPort(cfg, pool, logger)
	sender := notify.NewSender(port, cfg.Notify.MaxAttempts, cfg.Notify.RetryDelay, logger)

	signers := signer.NewRepository()
	contracts := contract.NewRepository()
	cache := contract.NewCache(pool, contracts, cfg.Cache.Size, cfg.Cache.TTL)

	registry := signer.NewRegistry(pool, signers, contracts, logger)
	invites := invitation.NewDispatcher(pool, signers, contracts, cache, registry, sender, invitation.Config{
		BaseURL:     cfg.Signing.BaseURL,
		Concurrency: cfg.Signing.ReminderConcurrency,
	}, logger)
	coordinator := completion.NewCoordinator(pool, signers, contracts, invites, sender, completion.Config{
		CertificateIssuer:   cfg.Signing.CertificateIssuer,
		CertificateValidity: cfg.Signing.CertificateValidity,
	}, logger).WithCache(cache)
	verifier := verification.NewVerifier(pool, verification.NewRepository(), signers, contracts, logger)

	sched := scheduler.New(registry, invites, scheduler.Config{
		Interval:        cfg.Scheduler.Interval,
		ReminderCadence: cfg.Scheduler.ReminderCadence,
	}, logger)

	server := &Server{
		signerService:       registry,
		invitationService:   invites,
		completionService:   coordinator,
		eligibility:         ordering.NewPolicy(pool, signers, contracts),
		verificationService: verifier,
		timeline:            contractTimeline{q: pool, contracts: contracts},
		sessions:            access.NewSessions(cfg.Signing.SessionSecret, cfg.Signing.SessionTTL),
		readiness:           db.NewReadinessChecker(pool),
		cache:               cache,
		logger:              logger,
	}
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if relay != nil {
		relay.Start(ctx)
		defer relay.Stop()
	}
	sched.Start(ctx)
	defer sched.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	if err := sender.Flush(shutdownCtx); err != nil {
		logger.Warn("pending notifications dropped", slog.String("error", err.Error()))
	}
	logger.Info("http server stopped")
	return nil
}

// notificationPort picks the transport named in the configuration. The outbox
// transport also returns the relay that drains it.
func notificationPort(cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger) (notify.Port, *notify.Relay) {
	direct := func() notify.Port {
		if cfg.Notify.WebhookURL != "" {
			return notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret, cfg.Notify.WebhookTimeout, logger)
		}
		return notify.NewLogPort(logger)
	}

	switch cfg.Notify.Transport {
	case config.TransportWebhook:
		return direct(), nil
	case config.TransportOutbox:
		relay := notify.NewRelay(pool, direct(), notify.RelayConfig{
			Interval:      cfg.Notify.RelayInterval,
			BatchSize:     cfg.Notify.RelayBatchSize,
			MaxAttempts:   cfg.Notify.MaxAttempts,
			RatePerSecond: cfg.Notify.RelayRate,
		}, logger)
		return notify.NewOutboxPort(pool, logger), relay
	default:
		return notify.NewLogPort(logger), nil
	}
}

type contractTimeline struct {
	q         db.DBTX
	contracts contract.Store
}

// Timeline lists a contract's signature events in the order they were recorded.
func (t contractTimeline) Timeline(ctx context.Context, contractID string) ([]contract.Event, error) {
	events, err := t.contracts.ListEvents(ctx, t.q, contractID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		if _, err := t.contracts.Get(ctx, t.q, contractID); err != nil {
			return nil, err
		}
	}
	return events, nil
}
