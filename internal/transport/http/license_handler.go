package http

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apperrors "repserver/internal/errors"
	"repserver/internal/license"
	"repserver/internal/store"
)

var validate = validator.New()

// LicenseHandler serves the public licensing endpoints.
type LicenseHandler struct {
	licenses *license.Store
	manager  *license.Manager
	keys     *license.KeyStore
	adminKey string
	logger   *slog.Logger
}

// NewLicenseHandler creates the license handler.
func NewLicenseHandler(licenses *license.Store, manager *license.Manager, keys *license.KeyStore, adminKey string, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		licenses: licenses,
		manager:  manager,
		keys:     keys,
		adminKey: adminKey,
		logger:   logger.With(slog.String("handler", "license")),
	}
}

// Routes mounts the license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/public-key", h.PublicKey)
	r.Post("/validate", h.Validate)
	r.Post("/check", h.Check)
	r.Post("/refresh", h.Refresh)
	r.Post("/deactivate", h.Deactivate)
	r.Post("/renew", h.Renew)
	r.Post("/by-email", h.ByEmail)
	return r
}

type validateRequest struct {
	LicenseCode string `json:"license_code" validate:"required"`
	MachineID   string `json:"machine_id" validate:"required,max=64"`
	MachineName string `json:"machine_name"`
}

func (v *validateRequest) Bind(r *http.Request) error {
	return validate.Struct(v)
}

// Validate handles POST /api/license/validate: verifies the signed code,
// claims or refreshes the activation slot and returns the server-side view.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	req := &validateRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apperrors.ErrMissingParams)
		return
	}

	now := time.Now().UTC()
	lic, act, err := h.manager.ValidateAndActivate(r.Context(), req.LicenseCode, req.MachineID, req.MachineName, clientIP(r))
	if err != nil {
		renderLicenseState(w, r, h.logger, err)
		return
	}

	render.JSON(w, r, map[string]any{
		"valid":           true,
		"license":         newLicenseView(lic, now),
		"activation_id":   act.ID,
		"in_grace_period": lic.InGracePeriod(now, h.manager.GracePeriod()),
	})
}

type checkRequest struct {
	LicenseID       string `json:"license_id" validate:"required"`
	MachineID       string `json:"machine_id" validate:"required,max=64"`
	LastKnownExpiry string `json:"last_known_expiry"`
}

func (c *checkRequest) Bind(r *http.Request) error {
	return validate.Struct(c)
}

// Check handles POST /api/license/check: a lightweight periodic probe. An
// expired license is a 200 with valid:false and expired:true so devices can
// distinguish it from transport failures.
func (h *LicenseHandler) Check(w http.ResponseWriter, r *http.Request) {
	req := &checkRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apperrors.ErrMissingParams)
		return
	}

	snap, err := h.manager.Refresh(r.Context(), req.LicenseID, req.MachineID)
	if err != nil {
		renderLicenseState(w, r, h.logger, err)
		return
	}

	renewed := false
	if req.LastKnownExpiry != "" {
		if known, parseErr := time.Parse(time.RFC3339, req.LastKnownExpiry); parseErr == nil {
			renewed = known.Before(snap.License.ValidUntil)
		}
	}

	render.JSON(w, r, map[string]any{
		"valid":           snap.Valid,
		"status":          snap.Status,
		"days_remaining":  snap.DaysRemaining,
		"valid_until":     snap.License.ValidUntil,
		"renewed":         renewed,
		"in_grace_period": snap.InGracePeriod,
		"expired":         snap.Status == store.LicenseStatusExpired,
	})
}

type refreshRequest struct {
	LicenseID string `json:"license_id" validate:"required"`
	MachineID string `json:"machine_id" validate:"required,max=64"`
}

func (c *refreshRequest) Bind(r *http.Request) error {
	return validate.Struct(c)
}

// Refresh handles POST /api/license/refresh: the authoritative snapshot. The
// status field is returned even when the license or the device has been
// disabled server-side.
func (h *LicenseHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	req := &refreshRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apperrors.ErrMissingParams)
		return
	}

	snap, err := h.manager.Refresh(r.Context(), req.LicenseID, req.MachineID)
	if err != nil {
		renderLicenseState(w, r, h.logger, err)
		return
	}

	render.JSON(w, r, map[string]any{
		"success":         true,
		"valid":           snap.Valid,
		"status":          snap.Status,
		"license":         newLicenseView(snap.License, time.Now().UTC()),
		"in_grace_period": snap.InGracePeriod,
	})
}

// Deactivate handles POST /api/license/deactivate: releases the machine's
// activation slot.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	req := &refreshRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apperrors.ErrMissingParams)
		return
	}

	if err := h.manager.Deactivate(r.Context(), req.LicenseID, req.MachineID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			render.Render(w, r, apperrors.ErrActivationNotFound)
			return
		}
		renderError(w, r, h.logger, err)
		return
	}
	render.JSON(w, r, map[string]any{"success": true})
}

type renewRequest struct {
	LicenseID        string `json:"license_id" validate:"required"`
	AdminKey         string `json:"admin_key" validate:"required"`
	ExtendDays       int    `json:"extend_days"`
	PaymentReference string `json:"payment_reference"`
}

func (c *renewRequest) Bind(r *http.Request) error {
	return validate.Struct(c)
}

// Renew handles POST /api/license/renew. Operator-only, gated by the
// configured admin key.
func (h *LicenseHandler) Renew(w http.ResponseWriter, r *http.Request) {
	req := &renewRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apperrors.ErrMissingParams)
		return
	}
	if !h.adminKeyMatches(req.AdminKey) {
		render.Render(w, r, apperrors.ErrUnauthorized)
		return
	}

	result, err := h.licenses.Renew(r.Context(), req.LicenseID, req.ExtendDays, req.PaymentReference)
	if err != nil {
		renderError(w, r, h.logger, err)
		return
	}

	render.JSON(w, r, map[string]any{
		"success": true,
		"license": map[string]any{
			"id":              result.License.ID,
			"old_valid_until": result.OldValidUntil,
			"new_valid_until": result.NewValidUntil,
			"renewal_count":   result.License.RenewalCount,
			"status":          result.License.Status,
			"license_code":    result.License.LicenseCode,
		},
	})
}

type byEmailRequest struct {
	Email    string `json:"email" validate:"required,email"`
	AdminKey string `json:"admin_key" validate:"required"`
}

func (c *byEmailRequest) Bind(r *http.Request) error {
	return validate.Struct(c)
}

// ByEmail handles POST /api/license/by-email: operator lookup of all licenses
// issued to a customer.
func (h *LicenseHandler) ByEmail(w http.ResponseWriter, r *http.Request) {
	req := &byEmailRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apperrors.ErrMissingParams)
		return
	}
	if !h.adminKeyMatches(req.AdminKey) {
		render.Render(w, r, apperrors.ErrUnauthorized)
		return
	}

	licenses, err := h.licenses.FindByEmail(r.Context(), req.Email)
	if err != nil {
		renderError(w, r, h.logger, err)
		return
	}

	now := time.Now().UTC()
	views := make([]*licenseView, 0, len(licenses))
	for i := range licenses {
		views = append(views, newLicenseView(&licenses[i], now))
	}
	render.JSON(w, r, map[string]any{"licenses": views, "count": len(views)})
}

// PublicKey handles GET /api/license/public-key: serves the active signing
// public key for client embedding.
func (h *LicenseHandler) PublicKey(w http.ResponseWriter, r *http.Request) {
	pem, err := h.keys.PublicKeyPEM(r.Context())
	if err != nil {
		if errors.Is(err, license.ErrNoActiveKey) {
			render.Render(w, r, apperrors.ErrNoActiveKey)
			return
		}
		renderError(w, r, h.logger, err)
		return
	}
	render.JSON(w, r, map[string]any{"public_key": pem})
}

// adminKeyMatches compares in constant time; an unconfigured admin key
// disables the gated endpoints entirely.
func (h *LicenseHandler) adminKeyMatches(candidate string) bool {
	if h.adminKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(h.adminKey), []byte(candidate)) == 1
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
