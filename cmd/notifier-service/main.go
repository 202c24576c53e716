// Command notifier-service consumes risk events and delivers notifications.
// It also runs the high-risk sweeper so logs missed by the stream are still
// escalated.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/carepath/clinsafe/internal/api/handlers"
	"github.com/carepath/clinsafe/internal/app"
	"github.com/carepath/clinsafe/internal/config"
	"github.com/carepath/clinsafe/internal/domain/alerting"
	"github.com/carepath/clinsafe/internal/domain/risk"
	"github.com/carepath/clinsafe/internal/events"
	"github.com/carepath/clinsafe/internal/infrastructure/redpanda"
	"github.com/carepath/clinsafe/internal/notifier"
	"github.com/carepath/clinsafe/internal/observability/logging"
	"github.com/carepath/clinsafe/internal/observability/metrics"
	"github.com/carepath/clinsafe/internal/observability/tracing"
	"github.com/carepath/clinsafe/pkg/circuitbreaker"
	"github.com/carepath/clinsafe/pkg/idempotency"
	"github.com/carepath/clinsafe/pkg/workerpool"
)

const (
	serviceName   = "notifier-service"
	consumerGroup = "notifier-service"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("8082")
	if err != nil {
		return err
	}
	if cfg.Storage != config.StoragePostgres {
		return fmt.Errorf("notifier service requires STORAGE=%s", config.StoragePostgres)
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

	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()
	risks := risk.NewService(stores.Risks, logger, risk.WithMetrics(m))

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(serviceName), logger)
	n, err := app.NewNotifier(ctx, cfg, logger, m, breakers)
	if err != nil {
		return err
	}
	defer n.Close()

	inbox := idempotency.New(idempotency.NewPgStore(stores.Pool), idempotency.DefaultConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	proc, err := notifier.New(n.Dispatcher, n.Preferences, risks, inbox, workerpool.DefaultConfig(), logger)
	if err != nil {
		return err
	}
	proc.Start()

	consumer, err := redpanda.NewConsumer(
		redpanda.DefaultConsumerConfig(cfg.KafkaBrokers, consumerGroup, events.TopicRiskEvents),
		proc.Handle, logger, m)
	if err != nil {
		return err
	}
	consumer.Start(ctx)
	logger.Info("consuming risk events",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", consumerGroup))

	sweeper := alerting.NewSweeper(risks, n.Dispatcher, n.Preferences, n.SweepConfig, logger, m)
	sweeper.Start(ctx)

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return err
	}
	defer admin.Close()

	ops := handlers.NewOpsRouter(handlers.Options{
		ServiceName: serviceName,
		Version:     version,
		Logger:      logger,
		Metrics:     m,
		Breakers:    breakers,
		Checks: map[string]func(context.Context) error{
			"database": stores.Ping,
			"redis":    n.Ping,
			"broker": func(ctx context.Context) error {
				return redpanda.HealthCheck(ctx, cfg.KafkaBrokers)
			},
			"consumer_lag": func(ctx context.Context) error {
				_, err := admin.GroupLag(ctx, consumerGroup)
				return err
			},
		},
	})
	serveErr := app.Serve(ctx, app.NewServer(cfg.Port, ops), cfg.ShutdownTimeout, logger)

	consumer.Stop()
	sweeper.Stop()
	if err := proc.Stop(); err != nil {
		logger.Error("worker pool shutdown", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown", zap.Error(err))
	}
	st := consumer.Stats()
	logger.Info("notifier service stopped", zap.Int64("handled", st.Handled), zap.Int64("failed", st.Failed))
	return serveErr
}
