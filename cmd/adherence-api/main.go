// Package main provides the adherence API service entry point.
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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/api/handlers"
	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/bootstrap"
	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/observability/tracing"
	"github.com/drfirst/go-adherence/internal/service/tracker"
)

const (
	serviceName = "adherence-api"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := config.NewLogger(serviceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("adherence api failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, cfg.Tracing(serviceName, version))
	if err != nil {
		return err
	}
	defer shutdownTracing(tp, logger)

	m := metrics.New(prometheus.DefaultRegisterer)

	stores, err := bootstrap.OpenStores(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer stores.Close()

	svc, err := bootstrap.NewTracker(cfg, stores, logger, m)
	if err != nil {
		return err
	}
	if cfg.StoreDriver == config.DriverPostgres {
		consumer, err := newDoseEventConsumer(cfg, svc, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("dose event consumer stopped", zap.Error(err))
			}
		}()
	}

	patients := handlers.NewPatientHandler(svc, logger)
	health := handlers.NewHealth(serviceName, version, map[string]handlers.ReadyFunc{
		"store": stores.Ready,
	})

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", health.Live)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Mount("/patients", patients.Routes())
	})
	if len(cfg.APIKeys) == 0 {
		logger.Warn("no API keys configured; /api/v1 is open")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting adherence API", zap.Uint16("port", cfg.Port))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// newDoseEventConsumer subscribes this instance to the dose events relayed
// from the outbox so summaries cached here drop writes made by any instance.
func newDoseEventConsumer(cfg *config.Config, svc *tracker.Service, logger *zap.Logger) (*redpanda.Consumer, error) {
	host, err := os.Hostname()
	if err != nil {
		logger.Warn("hostname unavailable, sharing consumer group", zap.Error(err))
	}
	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.InstanceConsumerGroup(host)
	consumer, err := redpanda.NewConsumer(consumerCfg, svc.HandleDoseEvent, logger)
	if err != nil {
		return nil, fmt.Errorf("dose event consumer: %w", err)
	}
	logger.Info("consuming dose events",
		zap.String("group", consumerCfg.GroupID),
		zap.Strings("topics", consumerCfg.Topics))
	return consumer, nil
}

func shutdownTracing(tp *tracing.Provider, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(ctx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
}
