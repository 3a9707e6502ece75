package httpx

import (
	"errors"
	"net/http"
)

// Error kinds surfaced in the "code" field of error responses.
const (
	CodeAuthMissing            = "AUTH_MISSING"
	CodeAuthInvalidCredentials = "AUTH_INVALID_CREDENTIALS"
	CodeAuthUnknownProvider    = "AUTH_UNKNOWN_PROVIDER"
	CodeAuthDuplicate          = "AUTH_DUPLICATE"
	CodeAuthWeakInput          = "AUTH_WEAK_INPUT"
	CodePermissionDenied       = "PERMISSION_DENIED"
	CodeRateLimited            = "RATE_LIMITED"
	CodeIPBlocked              = "IP_BLOCKED"
	CodeRequestTooLarge        = "REQUEST_TOO_LARGE"
	CodeRequestInvalid         = "REQUEST_INVALID"
	CodeStorageUnavailable     = "STORAGE_UNAVAILABLE"
)

// Sentinel errors for the domain layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrStorage      = errors.New("storage unavailable")
)

// RespondError maps domain errors to the JSON error envelope.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		Error(w, http.StatusNotFound, "not found")
	case errors.Is(err, ErrDuplicate):
		ErrorWith(w, http.StatusConflict, "duplicate entry", map[string]any{"code": CodeAuthDuplicate})
	case errors.Is(err, ErrValidation):
		ErrorWith(w, http.StatusBadRequest, err.Error(), map[string]any{"code": CodeAuthWeakInput})
	case errors.Is(err, ErrForbidden):
		ErrorWith(w, http.StatusForbidden, "Forbidden: missing permission", map[string]any{"code": CodePermissionDenied})
	case errors.Is(err, ErrUnauthorized):
		ErrorWith(w, http.StatusUnauthorized, "authentication required", map[string]any{"code": CodeAuthMissing})
	case errors.Is(err, ErrStorage):
		ErrorWith(w, http.StatusServiceUnavailable, "storage unavailable", map[string]any{"code": CodeStorageUnavailable})
	default:
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
