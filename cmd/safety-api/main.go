// Command safety-api serves prescription safety checks, e-Rx submission,
// risk logging and session notes over HTTP.
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
	"github.com/carepath/clinsafe/internal/domain/erx"
	"github.com/carepath/clinsafe/internal/domain/notes"
	"github.com/carepath/clinsafe/internal/domain/prescription"
	"github.com/carepath/clinsafe/internal/domain/risk"
	"github.com/carepath/clinsafe/internal/domain/safety"
	"github.com/carepath/clinsafe/internal/observability/logging"
	"github.com/carepath/clinsafe/internal/observability/metrics"
	"github.com/carepath/clinsafe/internal/observability/tracing"
	"github.com/carepath/clinsafe/pkg/circuitbreaker"
)

const serviceName = "safety-api"

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("8080")
	if err != nil {
		return err
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

	rules, err := app.Rules(cfg)
	if err != nil {
		return err
	}
	lex, err := app.Lexicon(cfg)
	if err != nil {
		return err
	}

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(serviceName), logger)
	erxBreaker, err := breakers.Get("erx-transmit")
	if err != nil {
		return err
	}

	prescriptions := prescription.NewService(stores.Prescriptions, safety.NewEvaluator(rules),
		prescription.StaticAllergies{}, logger, m)
	submissions := erx.NewService(stores.Submissions, prescriptions,
		erx.NewBreakerTransmitter(erx.NewBernoulliTransmitter(cfg.ErxSuccessProb, nil), erxBreaker),
		logger,
		erx.WithRetryPolicy(erx.RetryPolicy{MaxAttempts: cfg.ErxMaxAttempts}),
		erx.WithMetrics(m))
	risks := risk.NewService(stores.Risks, logger, risk.WithMetrics(m))
	notesSvc := notes.NewService(stores.Notes, risks, logger, notes.WithMetrics(m))

	notifier, err := app.NewNotifier(ctx, cfg, logger, m, breakers)
	if err != nil {
		return err
	}
	defer notifier.Close()

	var sweeper *alerting.Sweeper
	if cfg.NotifyMode == config.NotifyInline {
		risks.SetHook(notifier.Dispatcher.Hook(notifier.Preferences, risks))
		sweeper = alerting.NewSweeper(risks, notifier.Dispatcher, notifier.Preferences, notifier.SweepConfig, logger, m)
		sweeper.Start(ctx)
		logger.Info("inline notifications enabled", zap.Duration("sweep_interval", notifier.SweepConfig.Interval))
	}

	router := handlers.NewRouter(handlers.Services{
		Prescriptions: prescriptions,
		Submissions:   submissions,
		Risks:         risks,
		Classifier:    risk.NewKeywordClassifier(lex),
		Notes:         notesSvc,
		Inbox:         notifier.Inbox,
	}, handlers.Options{
		ServiceName: serviceName,
		Version:     version,
		APIKeys:     cfg.APIKeys,
		Logger:      logger,
		Metrics:     m,
		Breakers:    breakers,
		Checks: map[string]func(context.Context) error{
			"database": stores.Ping,
			"redis":    notifier.Ping,
		},
	})
	if len(cfg.APIKeys) == 0 {
		logger.Warn("API_KEYS is empty; /api/v1 is unauthenticated")
	}

	logger.Info("starting safety API",
		zap.String("port", cfg.Port),
		zap.String("storage", cfg.Storage),
		zap.String("notify_mode", cfg.NotifyMode))
	serveErr := app.Serve(ctx, app.NewServer(cfg.Port, router), cfg.ShutdownTimeout, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if sweeper != nil {
		sweeper.Stop()
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown", zap.Error(err))
	}
	logger.Info("safety API stopped")
	return serveErr
}
