package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/carepath/clinsafe/internal/api/middleware"
	"github.com/carepath/clinsafe/internal/domain/erx"
	"github.com/carepath/clinsafe/internal/domain/prescription"
	"github.com/carepath/clinsafe/internal/domain/safety"
)

// PrescriptionService is the authoring flow used by the handler
type PrescriptionService interface {
	Evaluate(ctx context.Context, draft safety.Draft, extraAllergies []string) (*prescription.Evaluation, error)
	Create(ctx context.Context, draft safety.Draft, extraAllergies []string, confirmed bool) (*prescription.Prescription, error)
	Get(ctx context.Context, id string) (*prescription.Prescription, error)
}

// SubmissionService is the e-Rx state machine used by the handlers
type SubmissionService interface {
	Submit(ctx context.Context, prescriptionID string) (*erx.Record, error)
	Retry(ctx context.Context, id string) (*erx.Record, error)
	Get(ctx context.Context, id string) (*erx.Record, error)
	ListFailed(ctx context.Context, limit int) ([]erx.Record, error)
	ListByPrescription(ctx context.Context, prescriptionID string) ([]erx.Record, error)
}

// PrescriptionHandler serves /prescriptions
type PrescriptionHandler struct {
	prescriptions PrescriptionService
	submissions   SubmissionService
	logger        *zap.Logger
}

func NewPrescriptionHandler(p PrescriptionService, s SubmissionService, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{prescriptions: p, submissions: s, logger: logger}
}

func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/evaluate", h.Evaluate)
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/submissions", h.Submit)
	r.Get("/{id}/submissions", h.ListSubmissions)
	return r
}

// DraftRequest carries a draft and allergies known at the point of care
type DraftRequest struct {
	safety.Draft
	Allergies []string `json:"allergies,omitempty"`
}

// CreateRequest is a draft plus the prescriber's confirmation
type CreateRequest struct {
	DraftRequest
	Confirmed bool `json:"confirmed"`
}

// Evaluate handles POST /prescriptions/evaluate
func (h *PrescriptionHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req DraftRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	ev, err := h.prescriptions.Evaluate(r.Context(), req.Draft, req.Allergies)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	p, err := h.prescriptions.Create(r.Context(), req.Draft, req.Allergies, req.Confirmed)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.logger.Info("prescription created",
		zap.String("prescription_id", p.ID),
		zap.String("risk_level", string(p.RiskLevel)),
		zap.Bool("confirmed", p.Confirmed),
		zap.String("request_id", middleware.GetRequestID(r.Context())))
	writeJSON(w, http.StatusCreated, p)
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.prescriptions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Submit handles POST /prescriptions/{id}/submissions. A failed transmission
// is still a 201: the record is created and carries the failure.
func (h *PrescriptionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	rec, err := h.submissions.Submit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// ListSubmissions handles GET /prescriptions/{id}/submissions
func (h *PrescriptionHandler) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	recs, err := h.submissions.ListByPrescription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// SubmissionHandler serves /submissions
type SubmissionHandler struct {
	submissions SubmissionService
	logger      *zap.Logger
}

func NewSubmissionHandler(s SubmissionService, logger *zap.Logger) *SubmissionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubmissionHandler{submissions: s, logger: logger}
}

func (h *SubmissionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/retry", h.Retry)
	return r
}

// List handles GET /submissions?status=failed&limit=
func (h *SubmissionHandler) List(w http.ResponseWriter, r *http.Request) {
	if status := r.URL.Query().Get("status"); status != "" && status != string(erx.StatusFailed) {
		jsonError(w, r, http.StatusBadRequest, ErrorResponse{Error: "only status=failed is supported", Field: "status"})
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	recs, err := h.submissions.ListFailed(r.Context(), limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// Get handles GET /submissions/{id}
func (h *SubmissionHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.submissions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Retry handles POST /submissions/{id}/retry
func (h *SubmissionHandler) Retry(w http.ResponseWriter, r *http.Request) {
	rec, err := h.submissions.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.Info("submission retried",
		zap.String("submission_id", rec.ID),
		zap.String("status", string(rec.Status)),
		zap.Int("attempts", rec.AttemptCount))
	writeJSON(w, http.StatusOK, rec)
}
