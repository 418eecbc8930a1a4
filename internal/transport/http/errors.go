package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"

	apperrors "repserver/internal/errors"
)

// renderError writes the canonical error envelope for err. APIError values
// render as-is; license sentinels get their taxonomy code; anything else is an
// opaque SERVER_ERROR so storage faults never leak detail to the client.
func renderError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var apiErr *apperrors.APIError
	if errors.As(err, &apiErr) {
		render.Render(w, r, apiErr)
		return
	}

	if code := apperrors.StatusCode(err); code != "SERVER_ERROR" {
		render.Render(w, r, apperrors.New(licenseErrorStatus(err), code, err.Error()))
		return
	}

	logger.ErrorContext(r.Context(), "request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	render.Render(w, r, apperrors.ErrServerError)
}

// licenseErrorStatus maps license sentinels to their HTTP status.
func licenseErrorStatus(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrLicenseRevoked),
		errors.Is(err, apperrors.ErrLicenseSuspended),
		errors.Is(err, apperrors.ErrMaxActivations),
		errors.Is(err, apperrors.ErrDeviceDeactivated):
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

// licenseStateError is the domain envelope for license-state outcomes on the
// validation endpoints: a revoked or expired license is a normal response for
// the device, not an exception.
type licenseStateError struct {
	HTTPStatus int    `json:"-"`
	Valid      bool   `json:"valid"`
	Message    string `json:"error"`
	Status     string `json:"status,omitempty"`
	Expired    bool   `json:"expired,omitempty"`
}

func (e *licenseStateError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatus)
	return nil
}

// renderLicenseState writes the {valid:false, error, status} envelope for a
// license sentinel, falling back to renderError for anything else. The status
// field uses the same lowercase vocabulary the refresh snapshot reports
// ("revoked", "expired", "device_deactivated", ...), so devices mirror one
// set of strings into their local license cache.
func renderLicenseState(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code := apperrors.StatusCode(err)
	if code == "SERVER_ERROR" {
		renderError(w, r, logger, err)
		return
	}
	render.Render(w, r, &licenseStateError{
		HTTPStatus: licenseErrorStatus(err),
		Message:    err.Error(),
		Status:     strings.ToLower(code),
		Expired:    errors.Is(err, apperrors.ErrLicenseExpired),
	})
}
