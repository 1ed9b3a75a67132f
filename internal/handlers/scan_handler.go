package handlers

import (
	"net/http"
	"strings"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"gate-system/internal/localstore"
	"gate-system/internal/services"
)

type ScanHandler struct {
	scanService   *services.ScanService
	history       *localstore.History
	defaultDevice string
	historyLimit  int
}

func NewScanHandler(scanService *services.ScanService, history *localstore.History, defaultDevice string, historyLimit int) *ScanHandler {
	if historyLimit <= 0 {
		historyLimit = 100
	}
	return &ScanHandler{
		scanService:   scanService,
		history:       history,
		defaultDevice: defaultDevice,
		historyLimit:  historyLimit,
	}
}

func (h *ScanHandler) deviceID(raw string) string {
	if id := strings.TrimSpace(raw); id != "" {
		return id
	}
	return h.defaultDevice
}

// Scan - decide one physical scan
func (h *ScanHandler) Scan(e *core.RequestEvent) error {
	var req services.ScanInput
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if strings.TrimSpace(req.Credential) == "" {
		return apis.NewBadRequestError("Credential required", nil)
	}
	req.DeviceID = h.deviceID(req.DeviceID)

	result, err := h.scanService.ValidateScan(e.Request.Context(), req)
	if err != nil {
		return apiError(err)
	}

	return e.JSON(http.StatusOK, result)
}

// History - resolved scans of a device, newest first
func (h *ScanHandler) History(e *core.RequestEvent) error {
	deviceID := h.deviceID(e.Request.URL.Query().Get("device_id"))

	scans, err := h.history.List(deviceID, queryInt(e, "limit", h.historyLimit))
	if err != nil {
		return apiError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"device_id": deviceID,
		"scans":     scans,
	})
}

// Notices - void notices delivered to a device
func (h *ScanHandler) Notices(e *core.RequestEvent) error {
	deviceID := h.deviceID(e.Request.URL.Query().Get("device_id"))

	notices, err := h.history.Notices(deviceID, queryInt(e, "limit", h.historyLimit))
	if err != nil {
		return apiError(err)
	}

	messages := make([]map[string]any, 0, len(notices))
	for _, n := range notices {
		messages = append(messages, map[string]any{
			"notice":  n,
			"message": n.Message(),
		})
	}

	return e.JSON(http.StatusOK, map[string]any{
		"device_id": deviceID,
		"notices":   messages,
	})
}
