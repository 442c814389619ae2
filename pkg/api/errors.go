package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/dispatch/pkg/forge"
	"github.com/codeready-toolchain/dispatch/pkg/scheduler"
	"github.com/codeready-toolchain/dispatch/pkg/services"
	"github.com/codeready-toolchain/dispatch/pkg/store"
)

// Error kinds surfaced in the error_kind field.
const (
	kindValidation            = "Validation"
	kindAuthRequired          = "AuthRequired"
	kindAuthInvalid           = "AuthInvalid"
	kindNotFound              = "NotFound"
	kindConflict              = "Conflict"
	kindIllegalTransition     = "IllegalTransition"
	kindDependencyUnavailable = "DependencyUnavailable"
	kindRateLimited           = "RateLimited"
	kindInternal              = "Internal"
)

// ErrorBody is the JSON error shape every rejection uses.
type ErrorBody struct {
	StatusCode int            `json:"status_code"`
	ErrorKind  string         `json:"error_kind"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
}

func writeError(c *echo.Context, status int, kind, message string, details map[string]any) error {
	return c.JSON(status, &ErrorBody{
		StatusCode: status,
		ErrorKind:  kind,
		Message:    message,
		Details:    details,
	})
}

// badRequest is the shorthand for handler-level input rejections.
func badRequest(c *echo.Context, message string) error {
	return writeError(c, http.StatusBadRequest, kindValidation, message, nil)
}

// respondError maps service-layer errors to HTTP error responses.
func (s *Server) respondError(c *echo.Context, err error) error {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return writeError(c, http.StatusBadRequest, kindValidation, validErr.Error(),
			map[string]any{"field": validErr.Field})
	}

	var illegalErr *services.IllegalTransitionError
	if errors.As(err, &illegalErr) {
		return writeError(c, http.StatusBadRequest, kindIllegalTransition, illegalErr.Error(),
			map[string]any{"from": illegalErr.From, "to": illegalErr.To})
	}

	var conflictErr *services.ConflictError
	if errors.As(err, &conflictErr) {
		return writeError(c, http.StatusConflict, kindConflict, conflictErr.Message,
			map[string]any{"conflict": conflictErr.Kind})
	}

	switch {
	case errors.Is(err, services.ErrNotFound), errors.Is(err, store.ErrNotFound),
		errors.Is(err, scheduler.ErrUnknownMachine):
		return writeError(c, http.StatusNotFound, kindNotFound, "resource not found", nil)

	case errors.Is(err, services.ErrTerminalSession):
		return writeError(c, http.StatusConflict, kindConflict, err.Error(), nil)

	case errors.Is(err, services.ErrAlreadyExists):
		return writeError(c, http.StatusConflict, kindConflict, "resource already exists", nil)

	case errors.Is(err, services.ErrConcurrentModification):
		return writeError(c, http.StatusConflict, kindConflict, err.Error(),
			map[string]any{"conflict": services.ConflictConcurrentModification})

	case errors.Is(err, scheduler.ErrMachineNotOnline):
		return writeError(c, http.StatusConflict, kindConflict, err.Error(), nil)

	case errors.Is(err, scheduler.ErrSlotOccupied), errors.Is(err, scheduler.ErrNoSlotsAvailable):
		return writeError(c, http.StatusConflict, kindConflict, err.Error(),
			map[string]any{"conflict": services.ConflictSlotOccupied})

	case errors.Is(err, scheduler.ErrSlotNotOnMachine):
		return writeError(c, http.StatusBadRequest, kindValidation, err.Error(), nil)

	case errors.Is(err, forge.ErrUnavailable):
		return writeError(c, http.StatusServiceUnavailable, kindDependencyUnavailable, err.Error(), nil)

	case store.IsTransient(err):
		slog.Warn("Claim store unavailable", "error", err)
		return writeError(c, http.StatusServiceUnavailable, kindDependencyUnavailable,
			"claim store unavailable", nil)
	}

	correlationID, _ := c.Get(requestIDKey).(string)
	slog.Error("Unexpected service error", "error", err, "request_id", correlationID)
	return writeError(c, http.StatusInternalServerError, kindInternal, "internal server error",
		map[string]any{"correlation_id": correlationID})
}
