// Package bootstrap wires the configured event store and tracker service for
// the binaries.
package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/infrastructure/ndjson"
	"github.com/drfirst/go-adherence/internal/infrastructure/postgres"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/service/tracker"
)

// Stores is the opened event store.
type Stores struct {
	Doses  dose.Store
	Orders dose.RequestStore
	// Pool is set for the postgres driver.
	Pool *pgxpool.Pool
	// Ready reports whether the store can serve reads.
	Ready func(ctx context.Context) error
}

// Close releases the database pool, if any.
func (s *Stores) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// OpenStores opens the store selected by cfg.StoreDriver. The postgres
// driver also ensures the schema.
func OpenStores(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*Stores, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		store := postgres.NewStore(pool, redpanda.TopicDoseEvents, logger)
		logger.Info("using postgres event store")
		return &Stores{Doses: store, Orders: store, Pool: pool, Ready: pool.Ping}, nil

	default:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		store := ndjson.New(cfg.DataDir, logger, m)
		logger.Info("using ndjson event store", zap.String("data_dir", cfg.DataDir))
		return &Stores{
			Doses:  store,
			Orders: store,
			Ready: func(context.Context) error {
				_, err := os.Stat(cfg.DataDir)
				return err
			},
		}, nil
	}
}

// OpenPool connects to PostgreSQL and verifies the connection.
func OpenPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewTracker builds the tracker service over stores, with "today" decided
// in the configured timezone.
func NewTracker(cfg *config.Config, stores *Stores, logger *zap.Logger, m *metrics.Metrics) (*tracker.Service, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	rec := dose.NewRecorder(stores.Doses, logger,
		dose.WithLocation(loc),
		dose.WithMetrics(m))
	return tracker.New(stores.Doses, stores.Orders, rec, cfg.Tracker(), logger, m)
}
