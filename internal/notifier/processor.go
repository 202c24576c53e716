// Package notifier turns RiskLogged events from the broker into
// notifications. Each risk log is dispatched at most once to completion:
// the idempotency inbox remembers finished logs across redeliveries, and
// unsettled deliveries are retried by the worker pool and then left for
// the sweeper.
package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carepath/clinsafe/internal/apperror"
	"github.com/carepath/clinsafe/internal/domain/alerting"
	"github.com/carepath/clinsafe/internal/domain/risk"
	"github.com/carepath/clinsafe/internal/events"
	"github.com/carepath/clinsafe/internal/infrastructure/redpanda"
	"github.com/carepath/clinsafe/pkg/idempotency"
	"github.com/carepath/clinsafe/pkg/workerpool"
)

// HandlerName identifies this consumer in the idempotency inbox
const HandlerName = "risk-notify"

// Logs reads the current state of a risk log and claims and marks it
type Logs interface {
	Get(ctx context.Context, id string) (*risk.Log, error)
	alerting.Marker
}

// Processor dispatches risk events
type Processor struct {
	dispatcher *alerting.Dispatcher
	prefs      alerting.PreferenceSource
	logs       Logs
	inbox      *idempotency.Inbox
	pool       *workerpool.Pool
	logger     *zap.Logger
	tracer     trace.Tracer
}

// New creates a Processor and its worker pool. Call Start before Handle.
func New(d *alerting.Dispatcher, prefs alerting.PreferenceSource, logs Logs, inbox *idempotency.Inbox, poolCfg workerpool.Config, logger *zap.Logger) (*Processor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		dispatcher: d,
		prefs:      prefs,
		logs:       logs,
		inbox:      inbox,
		logger:     logger,
		tracer:     otel.Tracer("clinsafe/notifier"),
	}
	pool, err := workerpool.New(poolCfg, p.work, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	p.pool = pool
	return p, nil
}

func (p *Processor) Start() { p.pool.Start() }

// Stop drains in-flight dispatches
func (p *Processor) Stop() error { return p.pool.Stop() }

// Handle is a redpanda.Handler for risk.events. Low-risk logs have no
// channels and are acknowledged without touching the inbox.
func (p *Processor) Handle(ctx context.Context, msg redpanda.Message) error {
	ev, err := events.DecodeRiskLogged(msg.Value)
	if err != nil {
		p.logger.Error("dropping malformed risk event",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}
	if ev.Log.Level == risk.LevelLow {
		return nil
	}

	res, err := p.pool.SubmitWait(ctx, &workerpool.Task{ID: ev.Log.ID, Payload: ev.Log, Context: ctx})
	if err != nil {
		return fmt.Errorf("submit %s: %w", ev.Log.ID, err)
	}
	return res.Err
}

// work runs one risk log through the inbox. Concurrent or finished claims
// count as success.
func (p *Processor) work(ctx context.Context, task *workerpool.Task) error {
	l, ok := task.Payload.(risk.Log)
	if !ok {
		return fmt.Errorf("%w: unexpected payload %T", workerpool.ErrPermanent, task.Payload)
	}
	payload, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("%w: %v", workerpool.ErrPermanent, err)
	}

	res, err := p.inbox.Process(ctx, HandlerName+":"+l.ID, HandlerName, payload,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			return p.dispatch(ctx, l)
		})
	switch {
	case err == nil:
		if res.Replayed {
			p.logger.Debug("risk log already dispatched", zap.String("risk_log_id", l.ID))
		}
		return nil
	case errors.Is(err, idempotency.ErrDuplicate), errors.Is(err, idempotency.ErrInProgress):
		return nil
	case errors.Is(err, idempotency.ErrPreviouslyFailed), apperror.IsNotFound(err):
		return fmt.Errorf("%w: %v", workerpool.ErrPermanent, err)
	default:
		return err
	}
}

func (p *Processor) dispatch(ctx context.Context, l risk.Log) (json.RawMessage, error) {
	ctx, span := p.tracer.Start(ctx, "notifier.dispatch", trace.WithAttributes(
		attribute.String("risk_log_id", l.ID),
		attribute.String("level", string(l.Level)),
	))
	defer span.End()

	current, err := p.logs.Get(ctx, l.ID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if current.NotifiedAt != nil {
		span.SetAttributes(attribute.Bool("already_notified", true))
		return json.Marshal(alerting.Report{RiskLogID: l.ID, Level: l.Level})
	}

	report, err := p.dispatcher.Dispatch(ctx, p.prefs, p.logs, *current)
	if errors.Is(err, alerting.ErrClaimed) {
		span.SetAttributes(attribute.Bool("claimed_elsewhere", true))
		return json.Marshal(alerting.Report{RiskLogID: l.ID, Level: l.Level})
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	p.logger.Info("risk log dispatched",
		zap.String("risk_log_id", l.ID),
		zap.String("subject_id", l.SubjectID),
		zap.String("level", string(l.Level)),
		zap.Int("channels", len(report.Deliveries)))
	return json.Marshal(report)
}
