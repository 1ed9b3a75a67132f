package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ReservationStatus string

const (
	ReservationConfirmed        ReservationStatus = "confirmed"
	ReservationPartialCheckedIn ReservationStatus = "partially_checked_in"
	ReservationCheckedIn        ReservationStatus = "checked_in"
	ReservationCancelled        ReservationStatus = "cancelled"
)

// StatusForProgress derives the reservation status from check-in progress.
func StatusForProgress(checkedIn, guestCount int) ReservationStatus {
	switch {
	case checkedIn <= 0:
		return ReservationConfirmed
	case checkedIn >= guestCount:
		return ReservationCheckedIn
	default:
		return ReservationPartialCheckedIn
	}
}

type VipReservation struct {
	ID             string            `json:"id"`
	EventID        string            `json:"event_id"`
	HostName       string            `json:"host_name"`
	TableName      string            `json:"table_name"`
	GuestCount     int               `json:"guest_count"`
	CheckedInCount int               `json:"checked_in_count"`
	MinimumSpend   decimal.Decimal   `json:"minimum_spend"`
	Status         ReservationStatus `json:"status"`
}

// Remaining is the number of guests not yet checked in.
func (r VipReservation) Remaining() int {
	if r.CheckedInCount >= r.GuestCount {
		return 0
	}
	return r.GuestCount - r.CheckedInCount
}

// VipGuestPass is an individually scannable credential tied to a reservation.
type VipGuestPass struct {
	ID            string       `json:"id"`
	ReservationID string       `json:"reservation_id"`
	EventID       string       `json:"event_id"`
	GuestName     string       `json:"guest_name"`
	TableName     string       `json:"table_name"`
	Status        TicketStatus `json:"status"`
	Signature     string       `json:"signature,omitempty"`
	ScannedAt     *time.Time   `json:"scanned_at,omitempty"`
	ScannedBy     string       `json:"scanned_by,omitempty"`
	ScannedDevice string       `json:"scanned_device,omitempty"`
}

// EntryFromPass builds the cache entry for a guest pass snapshot.
func EntryFromPass(p VipGuestPass, syncedAt time.Time) LocalCacheEntry {
	entry := LocalCacheEntry{
		TicketID:      p.ID,
		Kind:          KindVipPass,
		EventID:       p.EventID,
		ReservationID: p.ReservationID,
		Status:        p.Status,
		GuestName:     p.GuestName,
		Tier:          "vip:" + p.TableName,
		Signature:     p.Signature,
		ScannedAt:     p.ScannedAt,
		ScannedBy:     p.ScannedBy,
		ScannedDevice: p.ScannedDevice,
		LastSyncAt:    syncedAt,
	}
	if p.Status == TicketScanned {
		entry.Inside = true
		entry.EntryCount = 1
	}
	return entry
}
