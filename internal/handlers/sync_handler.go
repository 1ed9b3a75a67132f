package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"gate-system/internal/localstore"
	"gate-system/internal/services"
	"gate-system/models"
)

type SyncHandler struct {
	reconciler *services.Reconciler
	queue      *localstore.ScanQueue
}

func NewSyncHandler(reconciler *services.Reconciler, queue *localstore.ScanQueue) *SyncHandler {
	return &SyncHandler{
		reconciler: reconciler,
		queue:      queue,
	}
}

// GetSyncStatus - pending and failed counts plus connectivity
func (h *SyncHandler) GetSyncStatus(e *core.RequestEvent) error {
	st, err := h.reconciler.SyncStatus()
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, st)
}

// Sync - drain every device's queue now
func (h *SyncHandler) Sync(e *core.RequestEvent) error {
	// A sync the operator started finishes even if the screen navigates away.
	report, err := h.reconciler.PerformManualSync(context.WithoutCancel(e.Request.Context()))
	if err != nil {
		return apiError(err)
	}

	slog.Info("manual sync finished",
		"total", report.Total,
		"success", report.Success,
		"failed", report.Failed,
		"conflicts", report.Conflicts,
	)
	return e.JSON(http.StatusOK, report)
}

// GetQueue - pending scans of one device, or of all devices, plus failures
func (h *SyncHandler) GetQueue(e *core.RequestEvent) error {
	deviceID := strings.TrimSpace(e.Request.URL.Query().Get("device_id"))

	devices := []string{deviceID}
	if deviceID == "" {
		var err error
		if devices, err = h.queue.Devices(); err != nil {
			return apiError(err)
		}
	}

	pending := make([]models.QueuedScan, 0)
	for _, d := range devices {
		scans, err := h.queue.Pending(d)
		if err != nil {
			return apiError(err)
		}
		pending = append(pending, scans...)
	}

	failed, err := h.queue.Failed()
	if err != nil {
		return apiError(err)
	}
	if deviceID != "" {
		own := failed[:0]
		for _, f := range failed {
			if f.DeviceID == deviceID {
				own = append(own, f)
			}
		}
		failed = own
	}

	return e.JSON(http.StatusOK, map[string]any{
		"pending": pending,
		"failed":  failed,
	})
}

// RemoveQueued - drop a scan that has not been sent yet
func (h *SyncHandler) RemoveQueued(e *core.RequestEvent) error {
	var req struct {
		DeviceID string `json:"device_id"`
		Seq      uint64 `json:"seq"`
		By       string `json:"by"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.DeviceID == "" || req.Seq == 0 {
		return apis.NewBadRequestError("Device ID and seq required", errors.New("device_id and seq must not be empty"))
	}

	removed, err := h.queue.Remove(req.DeviceID, req.Seq)
	if err != nil {
		return apiError(err)
	}

	slog.Warn("queued scan removed",
		"device_id", removed.DeviceID,
		"seq", removed.Seq,
		"scan_id", removed.ScanID,
		"ticket_id", removed.TicketID,
		"by", req.By,
	)
	return e.JSON(http.StatusOK, map[string]any{"message": "Queued scan removed", "scan": removed})
}

// RetryFailed - move transient failures back to the pending queue
func (h *SyncHandler) RetryFailed(e *core.RequestEvent) error {
	n, err := h.queue.RetryFailed()
	if err != nil {
		return apiError(err)
	}
	if n > 0 {
		h.reconciler.Trigger()
	}

	return e.JSON(http.StatusOK, map[string]any{"message": "Failed scans requeued", "requeued": n})
}
