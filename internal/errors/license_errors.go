package errors

import "errors"

// Sentinel errors for license verification and activation. Handlers map these
// to the license-state response envelope rather than the generic APIError
// shape, because a revoked or expired license is a normal outcome for the
// device, not an exception.
var (
	ErrMalformedCode      = errors.New("invalid license code")
	ErrLicenseExpired     = errors.New("license has expired")
	ErrLicenseNotYetValid = errors.New("license is not yet valid")
	ErrLicenseRevoked     = errors.New("license has been revoked")
	ErrLicenseSuspended   = errors.New("license has been suspended")
	ErrMaxActivations     = errors.New("maximum activations exceeded")
	ErrDeviceDeactivated  = errors.New("this activation has been deactivated")
	ErrNotFound           = errors.New("record not found")
)

// StatusCode returns the canonical UPPER_SNAKE code for a license sentinel
// error, or SERVER_ERROR when the error is not a known license outcome.
func StatusCode(err error) string {
	switch {
	case errors.Is(err, ErrMalformedCode):
		return "MALFORMED_CODE"
	case errors.Is(err, ErrLicenseExpired):
		return "EXPIRED"
	case errors.Is(err, ErrLicenseNotYetValid):
		return "NOT_YET_VALID"
	case errors.Is(err, ErrLicenseRevoked):
		return "REVOKED"
	case errors.Is(err, ErrLicenseSuspended):
		return "SUSPENDED"
	case errors.Is(err, ErrMaxActivations):
		return "MAX_ACTIVATIONS"
	case errors.Is(err, ErrDeviceDeactivated):
		return "DEVICE_DEACTIVATED"
	case errors.Is(err, ErrNotFound):
		return "LICENSE_NOT_FOUND"
	default:
		return "SERVER_ERROR"
	}
}
