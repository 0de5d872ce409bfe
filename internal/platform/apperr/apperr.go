// Package apperr defines the error taxonomy shared by the domain services and
// its mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

var (
	ErrValidation           = errors.New("validation error")
	ErrNotFound             = errors.New("not found")
	ErrForbidden            = errors.New("forbidden")
	ErrConsentDenied        = errors.New("consent not approved")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrProvider             = errors.New("provider error")
	ErrProviderUnconfigured = errors.New("ai provider not configured")
)

// Status returns the HTTP status code for err.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidTransition):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrConsentDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HTTP converts err into an echo.HTTPError carrying the error message as detail.
// Unclassified errors are reported without their message.
func HTTP(err error) *echo.HTTPError {
	code := Status(err)
	if code == http.StatusInternalServerError && !errors.Is(err, ErrProviderUnconfigured) {
		return echo.NewHTTPError(code, "internal server error").SetInternal(err)
	}
	return echo.NewHTTPError(code, err.Error())
}
