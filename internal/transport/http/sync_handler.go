package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "repserver/internal/errors"
	"repserver/internal/middleware"
	"repserver/internal/store"
	"repserver/internal/synclog"
	"repserver/internal/tenant"
)

// SyncHandler serves the sync session endpoints.
type SyncHandler struct {
	sessions *synclog.Log
	tenants  *tenant.Store
	logger   *slog.Logger
}

// NewSyncHandler creates the sync handler.
func NewSyncHandler(sessions *synclog.Log, tenants *tenant.Store, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{
		sessions: sessions,
		tenants:  tenants,
		logger:   logger.With(slog.String("handler", "sync")),
	}
}

type syncStartRequest struct {
	SyncType  string `json:"sync_type"`
	Direction string `json:"sync_direction"`
}

func (s *syncStartRequest) Bind(r *http.Request) error {
	return nil
}

// Start handles POST /api/retailease/sync/start/. The caller's token must be
// bound to a counter.
func (h *SyncHandler) Start(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		render.Render(w, r, apperrors.ErrAuthRequired)
		return
	}
	if identity.Counter == nil {
		render.Render(w, r, apperrors.ErrCounterNotFound)
		return
	}

	req := &syncStartRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apperrors.ErrInvalidJSON)
		return
	}

	entry, err := h.sessions.Start(r.Context(), identity.Counter.BusinessID, identity.Counter.ID, req.SyncType, req.Direction)
	if err != nil {
		renderError(w, r, h.logger, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]any{"success": true, "sync": newSyncView(entry)})
}

type syncCompleteRequest struct {
	Status            string        `json:"status"`
	RecordsUploaded   int           `json:"records_uploaded"`
	RecordsDownloaded int           `json:"records_downloaded"`
	ConflictsDetected int           `json:"conflicts_detected"`
	ConflictsResolved int           `json:"conflicts_resolved"`
	Details           store.JSONMap `json:"details"`
	ErrorMessage      string        `json:"error_message"`
}

func (s *syncCompleteRequest) Bind(r *http.Request) error {
	return nil
}

// Complete handles POST /api/retailease/sync/{id}/complete/.
func (h *SyncHandler) Complete(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		render.Render(w, r, apperrors.ErrAuthRequired)
		return
	}
	if identity.Counter == nil {
		render.Render(w, r, apperrors.ErrCounterNotFound)
		return
	}

	req := &syncCompleteRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apperrors.ErrInvalidJSON)
		return
	}

	entry, err := h.sessions.Complete(r.Context(), identity.Counter.BusinessID, chi.URLParam(r, "id"), synclog.Stats{
		RecordsUploaded:   req.RecordsUploaded,
		RecordsDownloaded: req.RecordsDownloaded,
		ConflictsDetected: req.ConflictsDetected,
		ConflictsResolved: req.ConflictsResolved,
		Details:           req.Details,
	}, req.Status, req.ErrorMessage)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			render.Render(w, r, apperrors.New(http.StatusNotFound, "NOT_FOUND", "Sync session not found"))
			return
		}
		renderError(w, r, h.logger, err)
		return
	}
	render.JSON(w, r, map[string]any{"success": true, "sync": newSyncView(entry)})
}

// History handles GET /api/retailease/sync/history/ with limit and counter_id
// query parameters.
func (h *SyncHandler) History(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		render.Render(w, r, apperrors.ErrAuthRequired)
		return
	}
	biz, err := h.tenants.BusinessByLicense(r.Context(), identity.License.ID)
	if err != nil {
		renderError(w, r, h.logger, err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.sessions.History(r.Context(), biz.ID, r.URL.Query().Get("counter_id"), limit)
	if err != nil {
		renderError(w, r, h.logger, err)
		return
	}

	views := make([]*syncView, 0, len(entries))
	for i := range entries {
		views = append(views, newSyncView(&entries[i]))
	}
	render.JSON(w, r, map[string]any{"syncs": views, "count": len(views)})
}
