package errors

import (
	"net/http"

	"github.com/go-chi/render"
)

// APIError represents a structured API error response.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"error"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// Render implements the render.Renderer interface for chi/render.
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// New creates a new APIError.
func New(statusCode int, code, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
	}
}

// Predefined errors for the canonical taxonomy.
var (
	// Input
	ErrMissingParams   = New(http.StatusBadRequest, "MISSING_PARAMS", "Required parameters are missing")
	ErrInvalidJSON     = New(http.StatusBadRequest, "INVALID_JSON", "Invalid JSON")
	ErrPayloadTooLarge = New(http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request payload too large")

	// Auth
	ErrAuthRequired = New(http.StatusUnauthorized, "AUTH_REQUIRED", "Missing or invalid Authorization header")
	ErrInvalidToken = New(http.StatusUnauthorized, "INVALID_TOKEN", "Invalid API token")
	ErrTokenExpired = New(http.StatusUnauthorized, "TOKEN_EXPIRED", "Token is expired or inactive")
	ErrUnauthorized = New(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")

	// License
	ErrLicenseNotFound = New(http.StatusNotFound, "LICENSE_NOT_FOUND", "License not found")
	ErrLicenseInvalid  = New(http.StatusForbidden, "LICENSE_INVALID", "License is not valid")

	// Activation
	ErrActivationNotFound = New(http.StatusBadRequest, "ACTIVATION_NOT_FOUND", "Activation not found")

	// Resources
	ErrBusinessNotFound = New(http.StatusNotFound, "BUSINESS_NOT_FOUND", "Business not registered")
	ErrCounterNotFound  = New(http.StatusNotFound, "COUNTER_NOT_FOUND", "Counter not found")
	ErrBackupNotFound   = New(http.StatusNotFound, "BACKUP_NOT_FOUND", "Backup not found")

	// Upload
	ErrNoFile           = New(http.StatusBadRequest, "NO_FILE", "No file uploaded")
	ErrChecksumMismatch = New(http.StatusBadRequest, "CHECKSUM_MISMATCH", "Uploaded file checksum does not match")

	// Server
	ErrServerError = New(http.StatusInternalServerError, "SERVER_ERROR", "Internal server error")
	ErrNoActiveKey = New(http.StatusInternalServerError, "NO_ACTIVE_KEY", "License system not configured")
)

// MissingParam creates a MISSING_PARAMS error naming the parameter.
func MissingParam(name string) *APIError {
	return New(http.StatusBadRequest, "MISSING_PARAMS", name+" is required")
}

// UploadError creates an UPLOAD_ERROR with the given message.
func UploadError(message string) *APIError {
	return New(http.StatusInternalServerError, "UPLOAD_ERROR", message)
}
