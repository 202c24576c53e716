// Command outbox-relay publishes committed outbox rows to the broker.
// Several replicas may run; an advisory lock keeps one relaying at a time.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/carepath/clinsafe/internal/api/handlers"
	"github.com/carepath/clinsafe/internal/app"
	"github.com/carepath/clinsafe/internal/config"
	"github.com/carepath/clinsafe/internal/infrastructure/postgres"
	"github.com/carepath/clinsafe/internal/infrastructure/redpanda"
	"github.com/carepath/clinsafe/internal/observability/logging"
	"github.com/carepath/clinsafe/internal/observability/metrics"
	"github.com/carepath/clinsafe/internal/observability/tracing"
)

const (
	serviceName = "outbox-relay"

	maintenanceInterval = time.Minute
	processedRetention  = 7 * 24 * time.Hour
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("8081")
	if err != nil {
		return err
	}
	if cfg.Storage != config.StoragePostgres {
		return fmt.Errorf("outbox relay requires STORAGE=%s", config.StoragePostgres)
	}
	logger, err := logging.New(serviceName, cfg.LogLevel, cfg.IsDev())
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		return err
	}
	m := metrics.New()

	if cfg.MigrateOnStart {
		if err := postgres.Migrate(cfg.DatabaseURL, logger); err != nil {
			return err
		}
	}
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("connected to database")

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return err
	}
	defer admin.Close()
	if err := admin.EnsureTopics(ctx, 1); err != nil {
		return fmt.Errorf("ensure topics: %w", err)
	}

	producer, err := redpanda.NewProducer(redpanda.DefaultProducerConfig(cfg.KafkaBrokers), logger, m)
	if err != nil {
		return err
	}
	defer producer.Close()
	logger.Info("connected to broker", zap.Strings("brokers", cfg.KafkaBrokers))

	outbox := postgres.NewOutbox(pool, producer, postgres.DefaultOutboxConfig(), logger, m)
	outbox.Start(ctx)
	go maintain(ctx, outbox, logger)

	ops := handlers.NewOpsRouter(handlers.Options{
		ServiceName: serviceName,
		Version:     version,
		Logger:      logger,
		Metrics:     m,
		Checks: map[string]func(context.Context) error{
			"database": pool.Ping,
			"broker":   producer.Ping,
		},
	})
	serveErr := app.Serve(ctx, app.NewServer(cfg.Port, ops), cfg.ShutdownTimeout, logger)

	outbox.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := producer.Flush(shutdownCtx); err != nil {
		logger.Error("producer flush", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown", zap.Error(err))
	}
	st := producer.Stats()
	logger.Info("outbox relay stopped", zap.Int64("produced", st.Produced), zap.Int64("failed", st.Failed))
	return serveErr
}

// maintain refreshes the backlog gauge and prunes relayed rows
func maintain(ctx context.Context, outbox *postgres.Outbox, logger *zap.Logger) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := outbox.Stats(ctx)
			if err != nil {
				logger.Warn("outbox stats", zap.Error(err))
				continue
			}
			if st.DeadLettered > 0 {
				logger.Warn("outbox entries exhausted retries", zap.Int64("count", st.DeadLettered))
			}
			n, err := outbox.CleanupProcessed(ctx, processedRetention)
			if err != nil {
				logger.Warn("outbox cleanup", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("pruned relayed outbox rows", zap.Int64("rows", n))
			}
		}
	}
}
