package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gate-system/internal/authority"
	"gate-system/internal/clock"
	"gate-system/internal/status"
	"gate-system/models"
)

type ReservationCheckIn struct {
	RequestID     string `json:"request_id"`
	ReservationID string `json:"reservation_id"`
	Guests        int    `json:"guests"`
	StaffID       string `json:"staff_id"`
	DeviceID      string `json:"device_id"`
}

// CheckInProgress is what the host stand shows after a bulk check-in.
type CheckInProgress struct {
	ReservationID  string                   `json:"reservation_id"`
	HostName       string                   `json:"host_name"`
	TableName      string                   `json:"table_name"`
	Status         models.ReservationStatus `json:"status"`
	CheckedIn      int                      `json:"checked_in"`
	CheckedInCount int                      `json:"checked_in_count"`
	GuestCount     int                      `json:"guest_count"`
	Remaining      int                      `json:"remaining"`
	MinimumSpend   decimal.Decimal          `json:"minimum_spend"`
	Duplicate      bool                     `json:"duplicate,omitempty"`
}

// VipService checks whole reservations in. Single guest passes go through
// ScanService like any other credential.
type VipService struct {
	authority    authority.Authority
	stores       Stores
	connectivity *ConnectivityMonitor
	events       Broadcaster
	Clock        clock.Clock
}

func NewVipService(auth authority.Authority, stores Stores, connectivity *ConnectivityMonitor, events Broadcaster) *VipService {
	if events == nil {
		events = nopBroadcaster{}
	}
	return &VipService{
		authority:    auth,
		stores:       stores,
		connectivity: connectivity,
		events:       events,
		Clock:        clock.NewSystem(),
	}
}

// CheckInReservation admits up to Guests of the reservation's remaining
// guests at once. Bulk check-in needs the authority; offline it is refused.
func (v *VipService) CheckInReservation(ctx context.Context, in ReservationCheckIn) (*CheckInProgress, error) {
	if in.ReservationID == "" || in.Guests <= 0 {
		return nil, status.ErrInvalidRequest
	}
	if !v.connectivity.Online() {
		return nil, status.ErrOffline
	}
	if in.RequestID == "" {
		in.RequestID = uuid.NewString()
	}

	now := v.Clock.Now()
	resp, err := v.authority.CheckInVipReservation(ctx, authority.ReservationCheckInRequest{
		RequestID:     in.RequestID,
		ReservationID: in.ReservationID,
		Guests:        in.Guests,
		StaffID:       in.StaffID,
		DeviceID:      in.DeviceID,
		At:            now,
	})
	if err != nil {
		if !errors.Is(err, status.ErrReservationNotFound) && !errors.Is(err, status.ErrTicketCancelled) {
			v.connectivity.ReportFailure(err)
			return nil, fmt.Errorf("%w: %v", status.ErrOffline, err)
		}
		return nil, err
	}

	at := now
	for _, passID := range resp.PassIDs {
		update := models.AuthoritativeUpdate{
			TicketID:      passID,
			Status:        models.TicketScanned,
			Inside:        true,
			EntryCount:    1,
			ScannedAt:     &at,
			ScannedBy:     in.StaffID,
			ScannedDevice: in.DeviceID,
			SyncedAt:      now,
		}
		if _, err := v.stores.Cache.ApplyAuthoritativeUpdate(update); err != nil && !errors.Is(err, status.ErrCacheMiss) {
			slog.Error("failed to update guest pass in cache", "pass_id", passID, "error", err)
		}
		if !resp.Duplicate {
			if err := v.events.TicketChanged(ctx, models.TicketChange{EventID: resp.Reservation.EventID, Update: update}); err != nil {
				slog.Warn("failed to broadcast guest pass check-in", "pass_id", passID, "error", err)
			}
		}
	}

	r := resp.Reservation
	slog.Info("vip reservation checked in",
		"reservation_id", r.ID,
		"checked_in", resp.CheckedIn,
		"progress", fmt.Sprintf("%d/%d", r.CheckedInCount, r.GuestCount),
		"staff_id", in.StaffID,
	)

	return &CheckInProgress{
		ReservationID:  r.ID,
		HostName:       r.HostName,
		TableName:      r.TableName,
		Status:         r.Status,
		CheckedIn:      resp.CheckedIn,
		CheckedInCount: r.CheckedInCount,
		GuestCount:     r.GuestCount,
		Remaining:      r.Remaining(),
		MinimumSpend:   r.MinimumSpend,
		Duplicate:      resp.Duplicate,
	}, nil
}
