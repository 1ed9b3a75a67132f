package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"gate-system/internal/status"
)

// apiError turns a service error into the HTTP error the scanner screen
// understands. Unknown errors are internal.
func apiError(err error) error {
	switch {
	case errors.Is(err, status.ErrInvalidRequest),
		errors.Is(err, status.ErrInvalidCredential),
		errors.Is(err, status.ErrInvalidDeviceID),
		errors.Is(err, status.ErrOverrideReason),
		errors.Is(err, status.ErrTicketCancelled):
		return apis.NewBadRequestError(err.Error(), nil)

	case errors.Is(err, status.ErrCacheMiss),
		errors.Is(err, status.ErrEventNotPrimed),
		errors.Is(err, status.ErrQueuedScanNotFound),
		errors.Is(err, status.ErrTicketNotFound),
		errors.Is(err, status.ErrEventNotFound),
		errors.Is(err, status.ErrReservationNotFound):
		return apis.NewNotFoundError(err.Error(), nil)

	case errors.Is(err, status.ErrScanInProgress),
		errors.Is(err, status.ErrSyncInProgress):
		return apis.NewApiError(http.StatusConflict, err.Error(), nil)

	case errors.Is(err, status.ErrOverrideInvalidPIN):
		return apis.NewUnauthorizedError(err.Error(), nil)
	case errors.Is(err, status.ErrOverrideLocked):
		return apis.NewTooManyRequestsError(err.Error(), nil)
	case errors.Is(err, status.ErrOverrideNotConfigured):
		return apis.NewForbiddenError(err.Error(), nil)

	case errors.Is(err, status.ErrOffline):
		return apis.NewApiError(http.StatusServiceUnavailable, err.Error(), nil)
	}

	return apis.NewInternalServerError("Something went wrong", err)
}

// queryInt reads a positive integer query parameter, falling back to def.
func queryInt(e *core.RequestEvent, name string, def int) int {
	raw := e.Request.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
