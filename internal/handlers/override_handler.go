package handlers

import (
	"net/http"
	"strings"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"gate-system/internal/services"
)

type OverrideHandler struct {
	overrides *services.OverrideManager
	audit     services.AuditLog
}

func NewOverrideHandler(overrides *services.OverrideManager, audit services.AuditLog) *OverrideHandler {
	return &OverrideHandler{
		overrides: overrides,
		audit:     audit,
	}
}

// Activate - open a time-boxed override session with the owner PIN
func (h *OverrideHandler) Activate(e *core.RequestEvent) error {
	var req struct {
		DeviceID    string `json:"device_id"`
		PIN         string `json:"pin"`
		ActivatedBy string `json:"activated_by"`
		Reason      string `json:"reason"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	session, err := h.overrides.Activate(e.Request.Context(), strings.TrimSpace(req.DeviceID), req.PIN, req.ActivatedBy, req.Reason)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, session)
}

// Deactivate - end the device's override session
func (h *OverrideHandler) Deactivate(e *core.RequestEvent) error {
	var req struct {
		DeviceID string `json:"device_id"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		return apis.NewBadRequestError("Device ID required", nil)
	}

	h.overrides.Deactivate(strings.TrimSpace(req.DeviceID))
	return e.JSON(http.StatusOK, map[string]any{"message": "Override mode ended", "device_id": req.DeviceID})
}

// GetSession - whether the device is currently in override mode
func (h *OverrideHandler) GetSession(e *core.RequestEvent) error {
	deviceID := strings.TrimSpace(e.Request.URL.Query().Get("device_id"))
	if deviceID == "" {
		return apis.NewBadRequestError("Device ID required", nil)
	}

	session := h.overrides.Session(deviceID)
	return e.JSON(http.StatusOK, map[string]any{
		"device_id": deviceID,
		"active":    session != nil,
		"session":   session,
	})
}

// GetAudit - overridden acceptances, newest first
func (h *OverrideHandler) GetAudit(e *core.RequestEvent) error {
	deviceID := strings.TrimSpace(e.Request.URL.Query().Get("device_id"))

	records, err := h.audit.RecentOverrides(e.Request.Context(), deviceID, queryInt(e, "limit", 50))
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{"overrides": records})
}
