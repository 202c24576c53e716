package handlers

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/carepath/clinsafe/internal/api/middleware"
	"github.com/carepath/clinsafe/internal/domain/alerting"
	"github.com/carepath/clinsafe/internal/domain/risk"
	"github.com/carepath/clinsafe/internal/observability/metrics"
	"github.com/carepath/clinsafe/pkg/circuitbreaker"
)

// Services are the domain services behind the API
type Services struct {
	Prescriptions PrescriptionService
	Submissions   SubmissionService
	Risks         RiskService
	Classifier    risk.Classifier
	Notes         NotesService
	// Inbox is optional; without it the notifications route is not mounted
	Inbox alerting.InboxReader
}

// Options configures the router
type Options struct {
	ServiceName string
	Version     string
	APIKeys     []string
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Breakers    *circuitbreaker.Registry
	// Checks back /ready; each must pass within CheckTimeout
	Checks       map[string]func(ctx context.Context) error
	CheckTimeout time.Duration
}

// NewRouter assembles the middleware chain, the probes and /api/v1
func NewRouter(svc Services, opts Options) http.Handler {
	r, opts := baseRouter(opts)
	logger := opts.Logger

	prescriptions := NewPrescriptionHandler(svc.Prescriptions, svc.Submissions, logger)
	submissions := NewSubmissionHandler(svc.Submissions, logger)
	risks := NewRiskHandler(svc.Risks, svc.Classifier, logger)
	notesH := NewNotesHandler(svc.Notes, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(opts.APIKeys))
		r.Mount("/prescriptions", prescriptions.Routes())
		r.Mount("/submissions", submissions.Routes())
		r.Mount("/risk-logs", risks.Routes())
		r.Route("/subjects/{subjectID}", func(r chi.Router) {
			risks.SubjectRoutes(r)
			notesH.SubjectRoutes(r)
		})
		if svc.Inbox != nil {
			r.Get("/users/{userID}/notifications", NewNotificationHandler(svc.Inbox, logger).List)
		}
	})
	return r
}

// NewOpsRouter serves only /health, /ready and /metrics, for workers
// without a public API
func NewOpsRouter(opts Options) http.Handler {
	r, _ := baseRouter(opts)
	return r
}

func baseRouter(opts Options) (chi.Router, Options) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 2 * time.Second
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(opts.Logger))
	r.Use(middleware.Tracing(opts.ServiceName))
	r.Use(middleware.Metrics(opts.Metrics))
	r.Use(middleware.Logger(opts.Logger))

	health := &healthHandler{opts: opts}
	r.Get("/health", health.live)
	r.Get("/ready", health.ready)
	r.Handle("/metrics", opts.Metrics.Handler())
	return r, opts
}

type healthHandler struct {
	opts Options
}

// HealthResponse is the body of /health and /ready
type HealthResponse struct {
	Status   string                  `json:"status"`
	Service  string                  `json:"service"`
	Version  string                  `json:"version,omitempty"`
	Checks   map[string]string       `json:"checks,omitempty"`
	Breakers []circuitbreaker.Health `json:"breakers,omitempty"`
}

func (h *healthHandler) live(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "healthy", Service: h.opts.ServiceName, Version: h.opts.Version}
	if h.opts.Breakers != nil {
		resp.Breakers = h.opts.Breakers.Health()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ready runs every check concurrently and fails if any fails
func (h *healthHandler) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.opts.CheckTimeout)
	defer cancel()

	names := make([]string, 0, len(h.opts.Checks))
	for name := range h.opts.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]string, len(names))
		failed  bool
	)
	for _, name := range names {
		wg.Add(1)
		go func(name string, check func(context.Context) error) {
			defer wg.Done()
			err := check(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = true
				results[name] = err.Error()
				return
			}
			results[name] = "ok"
		}(name, h.opts.Checks[name])
	}
	wg.Wait()

	resp := HealthResponse{Status: "ready", Service: h.opts.ServiceName, Checks: results}
	status := http.StatusOK
	if failed {
		resp.Status = "not ready"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
