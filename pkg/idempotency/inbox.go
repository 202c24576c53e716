// Package idempotency implements the inbox pattern so a consumer processes each
// message key at most once to completion, even across redeliveries.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carepath/clinsafe/internal/apperror"
)

// Status is the processing state of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Entry is one inbox record
type Entry struct {
	Key       string
	Handler   string
	Status    Status
	Payload   json.RawMessage
	Result    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

var (
	// ErrDuplicate means the key was claimed by a concurrent or earlier run
	ErrDuplicate = errors.New("duplicate message")
	// ErrInProgress means another consumer holds a fresh claim on the key
	ErrInProgress = errors.New("message in progress")
	// ErrPreviouslyFailed means the key failed terminally before
	ErrPreviouslyFailed = errors.New("message previously failed")
	// ErrTerminal marks a handler error that must not be reprocessed
	ErrTerminal = errors.New("terminal failure")
)

// Store persists inbox entries
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	// Claim inserts a STARTED entry, or flips a RECOVERABLE one back to
	// STARTED. It returns ErrDuplicate when neither applies.
	Claim(ctx context.Context, key, handler string, payload json.RawMessage, expiresAt time.Time) error
	SetStatus(ctx context.Context, key string, status Status, result json.RawMessage) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	RecoverStale(ctx context.Context, olderThan time.Time) (int64, error)
	Stats(ctx context.Context) (*Stats, error)
}

// Stats counts entries per status
type Stats struct {
	Total       int64 `json:"total"`
	Started     int64 `json:"started"`
	Finished    int64 `json:"finished"`
	Recoverable int64 `json:"recoverable"`
	Failed      int64 `json:"failed"`
}

// Config holds inbox timings
type Config struct {
	TTL             time.Duration
	CleanupInterval time.Duration
	// StaleAfter is when a STARTED claim is assumed to belong to a dead consumer
	StaleAfter time.Duration
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		TTL:             7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		StaleAfter:      5 * time.Minute,
	}
}

// Result reports how a Process call was satisfied
type Result struct {
	IsNew     bool
	Recovered bool
	Replayed  bool
	Output    json.RawMessage
}

// HandlerFunc processes a payload and returns an optional output to remember
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Inbox coordinates idempotent processing over a Store
type Inbox struct {
	store  Store
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an inbox
func New(store Store, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		store:  store,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("clinsafe/inbox"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Process runs fn once per key. A finished key replays its stored output
// without calling fn.
func (i *Inbox) Process(ctx context.Context, key, handler string, payload json.RawMessage, fn HandlerFunc) (*Result, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.process", trace.WithAttributes(
		attribute.String("inbox.key", key),
		attribute.String("inbox.handler", handler),
	))
	defer span.End()

	entry, err := i.store.Get(ctx, key)
	if err != nil && !apperror.IsNotFound(err) {
		return nil, fmt.Errorf("read inbox entry: %w", err)
	}

	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("inbox.replayed", true))
			return &Result{Replayed: true, Output: entry.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%s: %w", key, ErrPreviouslyFailed)
		case StatusStarted:
			if i.now().Sub(entry.UpdatedAt) <= i.cfg.StaleAfter {
				return nil, ErrInProgress
			}
			if err := i.store.SetStatus(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("recover stale entry: %w", err)
			}
		}
	}

	if err := i.store.Claim(ctx, key, handler, payload, i.now().Add(i.cfg.TTL)); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, err
		}
		return nil, fmt.Errorf("claim inbox entry: %w", err)
	}

	out, herr := fn(ctx, payload)
	if herr != nil {
		status := StatusRecoverable
		if isTerminal(herr) {
			status = StatusFailed
		}
		msg, _ := json.Marshal(map[string]string{"error": herr.Error()})
		if err := i.store.SetStatus(ctx, key, status, msg); err != nil {
			i.logger.Error("record inbox failure", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(herr)
		return nil, herr
	}

	if err := i.store.SetStatus(ctx, key, StatusFinished, out); err != nil {
		// The handler succeeded; a redelivery will re-run it.
		i.logger.Error("record inbox completion", zap.String("key", key), zap.Error(err))
	}

	return &Result{
		IsNew:     entry == nil,
		Recovered: entry != nil,
		Output:    out,
	}, nil
}

func isTerminal(err error) bool {
	return errors.Is(err, ErrTerminal) || apperror.IsValidation(err) || apperror.IsNotFound(err)
}

// StartCleanup launches the expiry and stale-claim recovery loop
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.cfg.CleanupInterval))
}

// Stop stops the cleanup loop
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

// Stats returns entry counts
func (i *Inbox) Stats(ctx context.Context) (*Stats, error) {
	return i.store.Stats(ctx)
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			i.cleanup(i.ctx)
		}
	}
}

func (i *Inbox) cleanup(ctx context.Context) {
	now := i.now()
	if n, err := i.store.DeleteExpired(ctx, now); err != nil {
		i.logger.Error("inbox cleanup failed", zap.Error(err))
	} else if n > 0 {
		i.logger.Info("inbox entries expired", zap.Int64("deleted", n))
	}
	if n, err := i.store.RecoverStale(ctx, now.Add(-i.cfg.StaleAfter)); err != nil {
		i.logger.Error("inbox stale recovery failed", zap.Error(err))
	} else if n > 0 {
		i.logger.Warn("inbox stale claims recovered", zap.Int64("recovered", n))
	}
}
