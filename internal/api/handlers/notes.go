package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/carepath/clinsafe/internal/apperror"
	"github.com/carepath/clinsafe/internal/domain/alerting"
	"github.com/carepath/clinsafe/internal/domain/notes"
)

// NotesService is the note version API used by the handler
type NotesService interface {
	SaveVersion(ctx context.Context, d notes.Draft) (*notes.Version, error)
	Versions(ctx context.Context, subjectID string) ([]notes.Version, error)
	Version(ctx context.Context, subjectID string, number int) (*notes.Version, error)
	DiffVersions(ctx context.Context, subjectID string, from, to int) (*notes.VersionDiff, error)
	AnalyzeTrends(ctx context.Context, subjectID string, months int) (*notes.TrendReport, error)
}

// NotesHandler serves versioned session notes
type NotesHandler struct {
	notes  NotesService
	logger *zap.Logger
}

func NewNotesHandler(s NotesService, logger *zap.Logger) *NotesHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotesHandler{notes: s, logger: logger}
}

// SubjectRoutes registers the routes below /subjects/{subjectID}
func (h *NotesHandler) SubjectRoutes(r chi.Router) {
	r.Post("/notes", h.Save)
	r.Get("/notes", h.List)
	r.Get("/notes/diff", h.Diff)
	r.Get("/notes/trends", h.Trends)
	r.Get("/notes/{version}", h.Get)
}

// SaveRequest is a new note revision
type SaveRequest struct {
	SessionID string         `json:"session_id,omitempty"`
	Sections  notes.Sections `json:"sections"`
	Notes     string         `json:"notes,omitempty"`
}

// Save handles POST /subjects/{subjectID}/notes
func (h *NotesHandler) Save(w http.ResponseWriter, r *http.Request) {
	var req SaveRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	v, err := h.notes.SaveVersion(r.Context(), notes.Draft{
		SubjectID: chi.URLParam(r, "subjectID"),
		SessionID: req.SessionID,
		Sections:  req.Sections,
		Notes:     req.Notes,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// List handles GET /subjects/{subjectID}/notes
func (h *NotesHandler) List(w http.ResponseWriter, r *http.Request) {
	vs, err := h.notes.Versions(r.Context(), chi.URLParam(r, "subjectID"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, vs)
}

// Get handles GET /subjects/{subjectID}/notes/{version}
func (h *NotesHandler) Get(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || n < 1 {
		writeError(w, r, h.logger, apperror.Invalid("version", "must be a positive integer"))
		return
	}
	v, err := h.notes.Version(r.Context(), chi.URLParam(r, "subjectID"), n)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Diff handles GET /subjects/{subjectID}/notes/diff?from=&to=
func (h *NotesHandler) Diff(w http.ResponseWriter, r *http.Request) {
	from, err := queryInt(r, "from", 0)
	if err == nil && from < 1 {
		err = apperror.Invalid("from", "is required")
	}
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	to, err := queryInt(r, "to", 0)
	if err == nil && to < 1 {
		err = apperror.Invalid("to", "is required")
	}
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	d, err := h.notes.DiffVersions(r.Context(), chi.URLParam(r, "subjectID"), from, to)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Trends handles GET /subjects/{subjectID}/notes/trends?months=3
func (h *NotesHandler) Trends(w http.ResponseWriter, r *http.Request) {
	months, err := queryInt(r, "months", 3)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	rep, err := h.notes.AnalyzeTrends(r.Context(), chi.URLParam(r, "subjectID"), months)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// NotificationHandler serves a user's in-app inbox
type NotificationHandler struct {
	inbox  alerting.InboxReader
	logger *zap.Logger
}

func NewNotificationHandler(inbox alerting.InboxReader, logger *zap.Logger) *NotificationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationHandler{inbox: inbox, logger: logger}
}

// List handles GET /users/{userID}/notifications?limit=50
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	items, err := h.inbox.List(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		writeError(w, r, h.logger, apperror.Unavailable("read inbox", err))
		return
	}
	writeJSON(w, http.StatusOK, items)
}
