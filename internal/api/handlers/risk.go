package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/carepath/clinsafe/internal/apperror"
	"github.com/carepath/clinsafe/internal/domain/risk"
)

// RiskService is the risk log API used by the handler
type RiskService interface {
	LogRisk(ctx context.Context, e risk.Entry) (*risk.Log, error)
	ClassifyAndLog(ctx context.Context, c risk.Classifier, subjectID, sessionID, text string) (*risk.Log, error)
	GetRiskStats(ctx context.Context, subjectID string, windowDays int) (*risk.Stats, error)
	GetHighRiskLogs(ctx context.Context, hours int) ([]risk.Log, error)
	Get(ctx context.Context, id string) (*risk.Log, error)
}

// RiskHandler serves risk logging and statistics
type RiskHandler struct {
	risks      RiskService
	classifier risk.Classifier
	logger     *zap.Logger
}

func NewRiskHandler(s RiskService, c risk.Classifier, logger *zap.Logger) *RiskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RiskHandler{risks: s, classifier: c, logger: logger}
}

// SubjectRoutes registers the routes below /subjects/{subjectID}
func (h *RiskHandler) SubjectRoutes(r chi.Router) {
	r.Post("/risk-logs", h.Log)
	r.Get("/risk-stats", h.Stats)
}

// Routes serves /risk-logs
func (h *RiskHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/high", h.High)
	r.Get("/{id}", h.Get)
	return r
}

// LogRequest either names a level explicitly or supplies text to classify
type LogRequest struct {
	SessionID string     `json:"session_id,omitempty"`
	Level     risk.Level `json:"level,omitempty"`
	Keywords  []string   `json:"keywords,omitempty"`
	Snippet   string     `json:"snippet,omitempty"`
	Text      string     `json:"text,omitempty"`
}

// LogResponse reports whether anything was logged
type LogResponse struct {
	Logged bool      `json:"logged"`
	Log    *risk.Log `json:"log,omitempty"`
}

// Log handles POST /subjects/{subjectID}/risk-logs
func (h *RiskHandler) Log(w http.ResponseWriter, r *http.Request) {
	var req LogRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	subjectID := chi.URLParam(r, "subjectID")

	var (
		l   *risk.Log
		err error
	)
	switch {
	case req.Level != "":
		l, err = h.risks.LogRisk(r.Context(), risk.Entry{
			SubjectID: subjectID,
			SessionID: req.SessionID,
			Level:     req.Level,
			Keywords:  req.Keywords,
			Snippet:   req.Snippet,
		})
	case req.Text != "" && h.classifier != nil:
		l, err = h.risks.ClassifyAndLog(r.Context(), h.classifier, subjectID, req.SessionID, req.Text)
	default:
		err = apperror.Invalid("level", "level or text is required")
	}
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if l == nil {
		writeJSON(w, http.StatusOK, LogResponse{Logged: false})
		return
	}
	writeJSON(w, http.StatusCreated, LogResponse{Logged: true, Log: l})
}

// Stats handles GET /subjects/{subjectID}/risk-stats?days=30
func (h *RiskHandler) Stats(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 30)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	st, err := h.risks.GetRiskStats(r.Context(), chi.URLParam(r, "subjectID"), days)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// High handles GET /risk-logs/high?hours=24
func (h *RiskHandler) High(w http.ResponseWriter, r *http.Request) {
	hours, err := queryInt(r, "hours", 24)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	logs, err := h.risks.GetHighRiskLogs(r.Context(), hours)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// Get handles GET /risk-logs/{id}
func (h *RiskHandler) Get(w http.ResponseWriter, r *http.Request) {
	l, err := h.risks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}
