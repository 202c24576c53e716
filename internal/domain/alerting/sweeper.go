package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/carepath/clinsafe/internal/domain/risk"
	"github.com/carepath/clinsafe/internal/observability/metrics"
)

// PendingSource lists high-risk logs that were never notified and claims
// and marks them
type PendingSource interface {
	PendingHighRiskLogs(ctx context.Context, hours int) ([]risk.Log, error)
	Marker
}

// SweepConfig configures the periodic sweep
type SweepConfig struct {
	Interval    time.Duration
	WindowHours int
}

// DefaultSweepConfig returns a 5 minute sweep over the trailing 24 hours
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{Interval: 5 * time.Minute, WindowHours: 24}
}

// SweepResult counts what one sweep did
type SweepResult struct {
	Scanned  int `json:"scanned"`
	Notified int `json:"notified"`
	Failed   int `json:"failed"`

	// Claimed counts logs another dispatcher was already sending
	Claimed int `json:"claimed"`
}

// Sweeper re-dispatches high-risk logs that have no notified marker. Each
// log goes through Dispatch, so a log still being sent by the hook or the
// notifier is skipped and overlapping windows do not notify it twice.
type Sweeper struct {
	source     PendingSource
	dispatcher *Dispatcher
	prefs      PreferenceSource
	cfg        SweepConfig
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a Sweeper
func NewSweeper(source PendingSource, d *Dispatcher, prefs PreferenceSource, cfg SweepConfig, logger *zap.Logger, m *metrics.Metrics) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepConfig().Interval
	}
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = DefaultSweepConfig().WindowHours
	}
	return &Sweeper{
		source:     source,
		dispatcher: d,
		prefs:      prefs,
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
	}
}

// CheckAndNotifyHighRisks dispatches every pending high-risk log in the
// trailing window. Only a failure to list logs is returned; per-log problems
// are counted in the result.
func (s *Sweeper) CheckAndNotifyHighRisks(ctx context.Context, hours int) (SweepResult, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveSweep(time.Since(start)) }()

	var res SweepResult
	logs, err := s.source.PendingHighRiskLogs(ctx, hours)
	if err != nil {
		return res, fmt.Errorf("sweep: %w", err)
	}
	res.Scanned = len(logs)

	for _, l := range logs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		_, err := s.dispatcher.Dispatch(ctx, s.prefs, s.source, l)
		switch {
		case err == nil:
			res.Notified++
		case errors.Is(err, ErrClaimed):
			res.Claimed++
		case errors.Is(err, ErrUndelivered):
			res.Failed++
		default:
			s.logger.Warn("sweep dispatch failed", zap.String("risk_log_id", l.ID), zap.Error(err))
			res.Failed++
		}
	}

	if res.Scanned > 0 {
		s.logger.Info("high risk sweep finished",
			zap.Int("scanned", res.Scanned),
			zap.Int("notified", res.Notified),
			zap.Int("failed", res.Failed),
			zap.Int("claimed", res.Claimed))
	}
	return res, nil
}

// Start runs the sweep every Interval until Stop or ctx is done
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.CheckAndNotifyHighRisks(ctx, s.cfg.WindowHours); err != nil && ctx.Err() == nil {
					s.logger.Error("high risk sweep failed", zap.Error(err))
				}
			}
		}
	}(s.done)

	s.logger.Info("high risk sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("window_hours", s.cfg.WindowHours))
}

// Stop halts the loop and waits for an in-flight sweep
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("high risk sweeper stopped")
}
