package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"devlog.app/licenses/handlers"
	"devlog.app/licenses/internal/config"
	"devlog.app/licenses/internal/email"
	"devlog.app/licenses/internal/logger"
	"devlog.app/licenses/internal/metrics"
	"devlog.app/licenses/internal/version"
	"devlog.app/licenses/license"
	"devlog.app/licenses/storage"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		logger.Error("Server exited with error", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
}

func run() error {
	version.LoadFile("VERSION")
	_ = godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		return err
	}

	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		Release:          version.String(),
		TracesSampleRate: 1.0,
	}); err != nil {
		return fmt.Errorf("sentry.Init: %w", err)
	}
	defer sentry.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler, cleanup, err := newHandler(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("DevLog license server starting", map[string]interface{}{
			"version": version.String(),
			"port":    cfg.Port,
			"store":   cfg.StoreBackend,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down", map[string]interface{}{
			"timeout": cfg.ShutdownTimeout.String(),
		})

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newHandler wires the store, license service and HTTP routes from cfg.
func newHandler(ctx context.Context, cfg *config.Config) (http.Handler, func(), error) {
	openCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()

	store, err := storage.Open(openCtx, storage.Options{
		Backend:    cfg.StoreBackend,
		RedisURL:   cfg.RedisURL,
		SQLitePath: cfg.SQLitePath,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}
	cleanup := func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close store", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	repo := license.NewRepository(store, license.WithStoreTimeout(cfg.StoreTimeout))
	service := license.NewService(repo, license.WithObserver(m))

	var mailer email.Sender
	if cfg.SMTPConfig.Enabled() {
		sender, err := email.NewSMTPSender(cfg.SMTPConfig)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		mailer = sender
	} else {
		logger.Warn("SMTP not configured, license emails disabled")
	}

	server := handlers.NewHttpServer(service, handlers.Options{
		GenerationSecret: cfg.GenerationSecret,
		WebhookSecret:    cfg.StripeWebhookSecret,
		Mailer:           mailer,
		Store:            store,
		Metrics:          m,
		Gatherer:         registry,
		AllowedOrigins:   cfg.AllowedOrigins,
		Version:          version.String(),
	})

	return server, cleanup, nil
}
