// Package workerpool runs handler work on a fixed set of goroutines with a
// bounded queue and per-task retries.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrStopped is returned when submitting to a pool that is shutting down
	ErrStopped = errors.New("worker pool stopped")
	// ErrQueueFull is returned by Submit when the queue has no free slot
	ErrQueueFull = errors.New("worker pool queue full")
)

// Task is a unit of work
type Task struct {
	ID      string
	Payload any
	// Context is used for the handler call; the pool context is used when nil
	Context context.Context

	done chan Result
}

// Result is the outcome of a task after retries
type Result struct {
	TaskID   string
	Attempts int
	Err      error
}

// HandlerFunc processes one task. A non-nil error is retried up to MaxRetries
// times unless it wraps ErrPermanent.
type HandlerFunc func(ctx context.Context, task *Task) error

// ErrPermanent marks an error that must not be retried
var ErrPermanent = errors.New("permanent failure")

// Config holds pool sizing
type Config struct {
	Workers         int
	QueueSize       int
	MaxRetries      int
	RetryDelay      time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for notification fan-out
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		QueueSize:       1024,
		MaxRetries:      2,
		RetryDelay:      200 * time.Millisecond,
		ShutdownTimeout: 15 * time.Second,
	}
}

// Pool is a bounded worker pool
type Pool struct {
	cfg     Config
	handler HandlerFunc
	logger  *zap.Logger

	tasks chan *Task
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	stopped bool

	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

// New creates a pool; call Start to launch the workers
func New(cfg Config, handler HandlerFunc, logger *zap.Logger) (*Pool, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		tasks:   make(chan *Task, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the workers
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize))
}

// Submit enqueues a task without waiting for it
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait enqueues a task, blocking while the queue is full, and waits for
// its result.
func (p *Pool) SubmitWait(ctx context.Context, task *Task) (Result, error) {
	task.done = make(chan Result, 1)

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return Result{}, ErrStopped
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return Result{}, ctx.Err()
	}

	select {
	case res := <-task.done:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Stop stops accepting work, drains the queue and waits for the workers up to
// the shutdown timeout.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool stopped")
		return nil
	case <-time.After(p.cfg.ShutdownTimeout):
		p.cancel()
		p.logger.Warn("worker pool shutdown timed out")
		return fmt.Errorf("worker pool shutdown timed out after %s", p.cfg.ShutdownTimeout)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		res := p.run(task)
		if res.Err != nil {
			p.failed.Add(1)
			p.logger.Error("task failed",
				zap.String("task_id", task.ID),
				zap.Int("worker_id", id),
				zap.Int("attempts", res.Attempts),
				zap.Error(res.Err))
		} else {
			p.succeeded.Add(1)
		}
		if task.done != nil {
			task.done <- res
		}
	}
}

func (p *Pool) run(task *Task) Result {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	res := Result{TaskID: task.ID}
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		res.Attempts = attempt + 1
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}

		res.Err = p.call(ctx, task)
		if res.Err == nil || errors.Is(res.Err, ErrPermanent) {
			return res
		}

		if attempt < p.cfg.MaxRetries {
			p.retried.Add(1)
			select {
			case <-ctx.Done():
				res.Err = ctx.Err()
				return res
			case <-time.After(p.cfg.RetryDelay * time.Duration(attempt+1)):
			}
		}
	}
	return res
}

func (p *Pool) call(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: handler panic: %v", ErrPermanent, r)
		}
	}()
	return p.handler(ctx, task)
}

// Stats is a snapshot of pool counters
type Stats struct {
	Submitted  int64 `json:"submitted"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	Retried    int64 `json:"retried"`
	QueueDepth int   `json:"queue_depth"`
	QueueCap   int   `json:"queue_capacity"`
}

// Stats returns current counters
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:  p.submitted.Load(),
		Succeeded:  p.succeeded.Load(),
		Failed:     p.failed.Load(),
		Retried:    p.retried.Load(),
		QueueDepth: len(p.tasks),
		QueueCap:   cap(p.tasks),
	}
}

// IsHealthy reports whether the queue is below 90% full
func (p *Pool) IsHealthy() bool {
	return float64(len(p.tasks)) < 0.9*float64(cap(p.tasks))
}
