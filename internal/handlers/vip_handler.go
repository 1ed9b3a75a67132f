package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"gate-system/internal/services"
)

type VipHandler struct {
	vipService    *services.VipService
	defaultDevice string
}

func NewVipHandler(vipService *services.VipService, defaultDevice string) *VipHandler {
	return &VipHandler{
		vipService:    vipService,
		defaultDevice: defaultDevice,
	}
}

// CheckInReservation - admit several guests of a table reservation at once
func (h *VipHandler) CheckInReservation(e *core.RequestEvent) error {
	reservationID := e.Request.PathValue("reservationId")
	if reservationID == "" {
		return apis.NewBadRequestError("Reservation ID required", nil)
	}

	var req services.ReservationCheckIn
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	req.ReservationID = reservationID
	if req.DeviceID == "" {
		req.DeviceID = h.defaultDevice
	}

	progress, err := h.vipService.CheckInReservation(e.Request.Context(), req)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, progress)
}
