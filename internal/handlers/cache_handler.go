package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"gate-system/internal/services"
)

type CacheHandler struct {
	cacheService *services.CacheService

	// OnPrimed runs after an event was primed, e.g. to follow its changes.
	OnPrimed func(eventID string)
}

func NewCacheHandler(cacheService *services.CacheService) *CacheHandler {
	return &CacheHandler{cacheService: cacheService}
}

// PrimeCache - pull the event's tickets and passes before doors open
func (h *CacheHandler) PrimeCache(e *core.RequestEvent) error {
	var req struct {
		EventID string `json:"event_id"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	req.EventID = strings.TrimSpace(req.EventID)
	if req.EventID == "" {
		return apis.NewBadRequestError("Invalid request", errors.New("event id must not empty"))
	}

	n, err := h.cacheService.PrimeCache(e.Request.Context(), req.EventID)
	if err != nil {
		return apiError(err)
	}
	if h.OnPrimed != nil {
		h.OnPrimed(req.EventID)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"message":  "Cache primed",
		"event_id": req.EventID,
		"entries":  n,
	})
}

// GetTicket - the locally cached state of one credential
func (h *CacheHandler) GetTicket(e *core.RequestEvent) error {
	ticketID := e.Request.PathValue("ticketId")
	if ticketID == "" {
		return apis.NewBadRequestError("Ticket ID required", nil)
	}

	entry, err := h.cacheService.Lookup(ticketID)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, entry)
}

// ResetTicket - administrative return of a scanned ticket to issued
func (h *CacheHandler) ResetTicket(e *core.RequestEvent) error {
	ticketID := e.Request.PathValue("ticketId")
	if ticketID == "" {
		return apis.NewBadRequestError("Ticket ID required", nil)
	}

	by := "admin"
	if e.Auth != nil {
		by = e.Auth.Id
	}

	entry, err := h.cacheService.ResetTicket(e.Request.Context(), ticketID, by)
	if err != nil {
		return apiError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{"message": "Ticket reset", "ticket": entry})
}
