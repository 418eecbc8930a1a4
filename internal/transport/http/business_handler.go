package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "repserver/internal/errors"
	"repserver/internal/middleware"
	"repserver/internal/tenant"
)

// BusinessHandler serves the business profile and counter endpoints.
type BusinessHandler struct {
	tenants *tenant.Store
	logger  *slog.Logger
}

// NewBusinessHandler creates the business handler.
func NewBusinessHandler(tenants *tenant.Store, logger *slog.Logger) *BusinessHandler {
	return &BusinessHandler{
		tenants: tenants,
		logger:  logger.With(slog.String("handler", "business")),
	}
}

// Get handles GET /api/retailease/business/.
func (h *BusinessHandler) Get(w http.ResponseWriter, r *http.Request) {
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
	render.JSON(w, r, map[string]any{"business": newBusinessView(biz)})
}

// Register handles POST /api/retailease/business/register/: upserts the
// caller's business profile from an allowlisted field map.
func (h *BusinessHandler) Register(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		render.Render(w, r, apperrors.ErrAuthRequired)
		return
	}

	fields := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		render.Render(w, r, apperrors.ErrInvalidJSON)
		return
	}

	// First-time registration binds the caller's machine as the primary
	// counter when the device reports its machine_id.
	act, err := h.tenants.ActivationByMachine(r.Context(), identity.License.ID, stringField(fields, "machine_id"))
	if err != nil {
		renderError(w, r, h.logger, err)
		return
	}

	biz, created, err := h.tenants.RegisterOrUpdateBusiness(r.Context(), identity.License.ID, fields, act, tenant.CounterDevice{
		MachineName: stringField(fields, "machine_name"),
		DeviceType:  stringField(fields, "device_type"),
		OSInfo:      stringField(fields, "os_info"),
		AppVersion:  stringField(fields, "app_version"),
	})
	if err != nil {
		renderError(w, r, h.logger, err)
		return
	}

	if created {
		render.Status(r, http.StatusCreated)
	}
	render.JSON(w, r, map[string]any{
		"success":  true,
		"created":  created,
		"business": newBusinessView(biz),
	})
}

// ListCounters handles GET /api/retailease/counters/.
func (h *BusinessHandler) ListCounters(w http.ResponseWriter, r *http.Request) {
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

	currentID := ""
	if identity.Counter != nil {
		currentID = identity.Counter.ID
	}
	views, err := h.tenants.ListCounters(r.Context(), biz.ID, currentID)
	if err != nil {
		renderError(w, r, h.logger, err)
		return
	}

	out := make([]*counterView, 0, len(views))
	for i := range views {
		v := newCounterView(&views[i].Counter)
		v.IsCurrent = views[i].IsCurrent
		out = append(out, v)
	}
	render.JSON(w, r, map[string]any{"counters": out, "count": len(out)})
}

// UpdateCounter handles PUT /api/retailease/counters/{id}/.
func (h *BusinessHandler) UpdateCounter(w http.ResponseWriter, r *http.Request) {
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

	fields := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		render.Render(w, r, apperrors.ErrInvalidJSON)
		return
	}

	counter, err := h.tenants.UpdateCounter(r.Context(), biz.ID, chi.URLParam(r, "id"), fields)
	if err != nil {
		renderError(w, r, h.logger, err)
		return
	}

	view := newCounterView(counter)
	view.IsCurrent = identity.Counter != nil && identity.Counter.ID == counter.ID
	render.JSON(w, r, map[string]any{"success": true, "counter": view})
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}
