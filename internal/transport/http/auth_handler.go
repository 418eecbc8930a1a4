package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"repserver/internal/auth"
	apperrors "repserver/internal/errors"
	"repserver/internal/middleware"
	"repserver/internal/tenant"
)

// AuthHandler serves device authentication and the authenticated status view.
type AuthHandler struct {
	auth    *auth.Authenticator
	tenants *tenant.Store
	logger  *slog.Logger
}

// NewAuthHandler creates the auth handler.
func NewAuthHandler(authenticator *auth.Authenticator, tenants *tenant.Store, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		auth:    authenticator,
		tenants: tenants,
		logger:  logger.With(slog.String("handler", "auth")),
	}
}

type authRequest struct {
	LicenseID   string `json:"license_id" validate:"required"`
	MachineID   string `json:"machine_id" validate:"required,max=64"`
	MachineName string `json:"machine_name"`
	DeviceType  string `json:"device_type"`
	OSInfo      string `json:"os_info"`
	AppVersion  string `json:"app_version"`
}

func (a *authRequest) Bind(r *http.Request) error {
	return validate.Struct(a)
}

// Authenticate handles POST /api/retailease/auth/: mints (or returns) the
// bearer token for the device.
func (h *AuthHandler) Authenticate(w http.ResponseWriter, r *http.Request) {
	req := &authRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apperrors.ErrMissingParams)
		return
	}

	session, err := h.auth.Authenticate(r.Context(), auth.Credentials{
		LicenseID:   req.LicenseID,
		MachineID:   req.MachineID,
		MachineName: req.MachineName,
		DeviceType:  req.DeviceType,
		OSInfo:      req.OSInfo,
		AppVersion:  req.AppVersion,
		IP:          clientIP(r),
	})
	if err != nil {
		renderLicenseState(w, r, h.logger, err)
		return
	}

	render.JSON(w, r, map[string]any{
		"token":    session.Token,
		"license":  newLicenseView(session.License, time.Now().UTC()),
		"business": newBusinessView(session.Business),
		"counter":  newCounterView(session.Counter),
	})
}

// Logout handles POST /api/retailease/logout/: disables the caller's token.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		render.Render(w, r, apperrors.ErrAuthRequired)
		return
	}
	if err := h.auth.Logout(r.Context(), identity.Token.ID); err != nil {
		renderError(w, r, h.logger, err)
		return
	}
	render.JSON(w, r, map[string]any{"success": true})
}

// Status handles GET /api/retailease/status/: a combined license, business
// and counter summary for the authenticated device.
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		render.Render(w, r, apperrors.ErrAuthRequired)
		return
	}

	now := time.Now().UTC()
	resp := map[string]any{
		"license":     newLicenseView(identity.License, now),
		"server_time": now,
	}

	biz, err := h.tenants.BusinessByLicense(r.Context(), identity.License.ID)
	if err == nil {
		resp["business"] = newBusinessView(biz)
	}
	if identity.Counter != nil {
		view := newCounterView(identity.Counter)
		view.IsCurrent = true
		resp["counter"] = view
	}

	render.JSON(w, r, resp)
}
