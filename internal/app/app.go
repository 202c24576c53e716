// Package app wires configuration into stores and services shared by the
// binaries under cmd/.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/carepath/clinsafe/internal/config"
	"github.com/carepath/clinsafe/internal/domain/alerting"
	"github.com/carepath/clinsafe/internal/domain/erx"
	"github.com/carepath/clinsafe/internal/domain/notes"
	"github.com/carepath/clinsafe/internal/domain/prescription"
	"github.com/carepath/clinsafe/internal/domain/risk"
	"github.com/carepath/clinsafe/internal/domain/safety"
	"github.com/carepath/clinsafe/internal/infrastructure/postgres"
	"github.com/carepath/clinsafe/internal/infrastructure/redisinapp"
	"github.com/carepath/clinsafe/internal/observability/metrics"
	"github.com/carepath/clinsafe/pkg/circuitbreaker"
)

// Stores holds one store per aggregate. Pool is nil in memory mode.
type Stores struct {
	Pool          *pgxpool.Pool
	Prescriptions prescription.Repository
	Submissions   erx.Store
	Risks         risk.Store
	Notes         notes.Store
}

// OpenStores builds the stores selected by cfg.Storage, migrating first when
// MigrateOnStart is set
func OpenStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Stores, error) {
	if cfg.Storage == config.StorageMemory {
		logger.Warn("using in-memory storage; data is lost on restart")
		return &Stores{
			Prescriptions: prescription.NewMemoryRepository(),
			Submissions:   erx.NewMemoryStore(),
			Risks:         risk.NewMemoryStore(),
			Notes:         notes.NewMemoryStore(),
		}, nil
	}

	if cfg.MigrateOnStart {
		if err := postgres.Migrate(cfg.DatabaseURL, logger); err != nil {
			return nil, err
		}
	}
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to database", zap.Int32("max_conns", pool.Config().MaxConns))
	return &Stores{
		Pool:          pool,
		Prescriptions: prescription.NewPgRepository(pool, logger),
		Submissions:   postgres.NewErxStore(pool),
		Risks:         postgres.NewRiskStore(pool),
		Notes:         postgres.NewNotesStore(pool),
	}, nil
}

// Ping checks the database; it always succeeds in memory mode
func (s *Stores) Ping(ctx context.Context) error {
	if s.Pool == nil {
		return nil
	}
	return s.Pool.Ping(ctx)
}

func (s *Stores) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// Rules loads the interaction tables from RulesFile or falls back to the
// built-in tables
func Rules(cfg *config.Config) (*safety.Tables, error) {
	if cfg.RulesFile == "" {
		return safety.DefaultTables(), nil
	}
	t, err := safety.LoadTables(cfg.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("load rules %s: %w", cfg.RulesFile, err)
	}
	return t, nil
}

// Lexicon loads the risk lexicon from LexiconFile or falls back to the
// built-in one
func Lexicon(cfg *config.Config) (risk.Lexicon, error) {
	if cfg.LexiconFile == "" {
		return risk.DefaultLexicon(), nil
	}
	lex, err := risk.LoadLexicon(cfg.LexiconFile)
	if err != nil {
		return risk.Lexicon{}, fmt.Errorf("load lexicon %s: %w", cfg.LexiconFile, err)
	}
	return lex, nil
}

// Notifier bundles the dispatcher with the preferences and inbox it uses
type Notifier struct {
	Dispatcher  *alerting.Dispatcher
	Preferences alerting.PreferenceSource
	Inbox       alerting.InboxReader
	SweepConfig alerting.SweepConfig

	redis *redis.Client
}

// NewNotifier builds the dispatcher. In-app notifications go to Redis when
// RedisURL is set and to process memory otherwise; email and SMS are logged.
func NewNotifier(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics, breakers *circuitbreaker.Registry) (*Notifier, error) {
	n := &Notifier{
		Preferences: alerting.StaticPreferences{
			Default: alerting.AllChannels(cfg.NotifyEmail, cfg.NotifyPhone),
		},
		SweepConfig: alerting.SweepConfig{
			Interval:    cfg.SweepInterval,
			WindowHours: cfg.SweepWindowHrs,
		},
	}

	var inapp interface {
		alerting.InAppSender
		alerting.InboxReader
	}
	if cfg.RedisURL != "" {
		rdb, err := redisinapp.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		n.redis = rdb
		inapp = redisinapp.New(rdb, redisinapp.DefaultConfig())
		logger.Info("in-app notifications backed by redis")
	} else {
		inapp = alerting.NewMemoryInbox()
	}
	n.Inbox = inapp

	n.Dispatcher = alerting.NewDispatcher(
		alerting.Senders{
			Email: alerting.LogEmailSender{Logger: logger},
			SMS:   alerting.LogSMSSender{Logger: logger},
			InApp: inapp,
		},
		alerting.FixedOwner(cfg.NotifyUserID),
		logger,
		alerting.WithBreakers(breakers),
		alerting.WithMetrics(m),
	)
	return n, nil
}

// Ping checks Redis when it backs the inbox
func (n *Notifier) Ping(ctx context.Context) error {
	if n.redis == nil {
		return nil
	}
	return n.redis.Ping(ctx).Err()
}

func (n *Notifier) Close() error {
	if n.redis == nil {
		return nil
	}
	if err := n.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
