// Package authority is the client side of the shared backend that
// serializes accept decisions across every gate. Returned errors are
// transport or availability failures; business outcomes (rejections,
// conflicts) travel in the response values.
package authority

import (
	"context"
	"strconv"
	"time"

	"gate-system/models"

	"github.com/shopspring/decimal"
)

type Rule string

const (
	// EarliestWins lets an offline scan with an earlier client timestamp
	// displace another offline-synced acceptance of the same ticket.
	EarliestWins Rule = "earliest_wins"
	// FirstArrival keeps whichever submission reached the authority first.
	FirstArrival Rule = "first_arrival"
)

type Authority interface {
	ScanTicket(ctx context.Context, req ScanRequest) (*ScanResponse, error)
	SyncOfflineScan(ctx context.Context, req ScanRequest) (*SyncResponse, error)
	CheckInVipGuestAtomic(ctx context.Context, req ScanRequest) (*ScanResponse, error)
	CheckInVipReservation(ctx context.Context, req ReservationCheckInRequest) (*ReservationCheckInResponse, error)
	GetTicketsForEvent(ctx context.Context, eventID string) ([]models.Ticket, error)
	GetVipPassesForEvent(ctx context.Context, eventID string) ([]models.VipGuestPass, error)
	GetEventSettings(ctx context.Context, eventID string) (*models.EventSettings, error)
	ResetTicket(ctx context.Context, ticketID string) (*models.Ticket, error)
	Ping(ctx context.Context) error
}

// ScanRequest is submitted for live scans and for offline replays. ScanID
// is the idempotency key: a repeated ID returns the stored outcome.
type ScanRequest struct {
	ScanID      string            `json:"scan_id"`
	TicketID    string            `json:"ticket_id"`
	EventID     string            `json:"event_id"`
	ScannedBy   string            `json:"scanned_by"`
	DeviceID    string            `json:"device_id"`
	Method      models.ScanMethod `json:"method"`
	ScannedAt   time.Time         `json:"scanned_at"`
	Signature   string            `json:"signature,omitempty"`
	Force       bool              `json:"force,omitempty"`
	ForceReason string            `json:"force_reason,omitempty"`
}

type ScanResponse struct {
	Accepted       bool                `json:"accepted"`
	AlreadyScanned bool                `json:"already_scanned"`
	Reason         models.ResultCode   `json:"reason,omitempty"`
	ErrorMessage   string              `json:"error_message,omitempty"`
	ScannedAt      *time.Time          `json:"scanned_at,omitempty"`
	ScannedBy      string              `json:"scanned_by,omitempty"`
	ScannedDevice  string              `json:"scanned_device,omitempty"`
	Status         models.TicketStatus `json:"status,omitempty"`
	Direction      models.Direction    `json:"direction,omitempty"`
	Inside         bool                `json:"inside"`
	EntryCount     int                 `json:"entry_count"`
	ExitCount      int                 `json:"exit_count"`
	GuestName      string              `json:"guest_name,omitempty"`
	Tier           string              `json:"tier,omitempty"`
	Duplicate      bool                `json:"duplicate,omitempty"`
	Overridden     bool                `json:"overridden,omitempty"`

	// Reservation progress, set for VIP guest passes.
	ReservationID  string `json:"reservation_id,omitempty"`
	CheckedInCount int    `json:"checked_in_count,omitempty"`
	GuestCount     int    `json:"guest_count,omitempty"`
}

type SyncResponse struct {
	Success          bool              `json:"success"`
	ConflictResolved bool              `json:"conflict_resolved"`
	WinnerDevice     string            `json:"winner_device,omitempty"`
	WinnerTime       *time.Time        `json:"winner_time,omitempty"`
	WinnerScanID     string            `json:"winner_scan_id,omitempty"`
	Reason           models.ResultCode `json:"reason,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`

	// Displaced is set when this sync took the ticket from an earlier
	// offline-synced acceptance carrying a later client timestamp.
	Displaced *DisplacedScan `json:"displaced,omitempty"`

	Status     models.TicketStatus `json:"status,omitempty"`
	Direction  models.Direction    `json:"direction,omitempty"`
	Inside     bool                `json:"inside"`
	EntryCount int                 `json:"entry_count"`
	ExitCount  int                 `json:"exit_count"`
	Duplicate  bool                `json:"duplicate,omitempty"`
	Overridden bool                `json:"overridden,omitempty"`
}

type DisplacedScan struct {
	ScanID    string    `json:"scan_id"`
	DeviceID  string    `json:"device_id"`
	ScannedAt time.Time `json:"scanned_at"`
}

type ReservationCheckInRequest struct {
	RequestID     string    `json:"request_id"`
	ReservationID string    `json:"reservation_id"`
	Guests        int       `json:"guests"`
	StaffID       string    `json:"staff_id"`
	DeviceID      string    `json:"device_id"`
	At            time.Time `json:"at"`
}

type ReservationCheckInResponse struct {
	Reservation models.VipReservation `json:"reservation"`
	CheckedIn   int                   `json:"checked_in"`
	PassIDs     []string              `json:"pass_ids"`
	Duplicate   bool                  `json:"duplicate,omitempty"`
}

// Snapshot seeds an authority with events, tickets and VIP data.
type Snapshot struct {
	Events       []models.EventSettings  `json:"events"`
	Tickets      []models.Ticket         `json:"tickets"`
	Reservations []models.VipReservation `json:"reservations"`
	Passes       []models.VipGuestPass   `json:"passes"`
}

// Loader is implemented by authorities that can be seeded locally.
type Loader interface {
	Load(ctx context.Context, snapshot Snapshot) error
}

func msString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMs(s string) *time.Time {
	if s == "" {
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

func parseMsValue(s string) time.Time {
	if t := parseMs(s); t != nil {
		return *t
	}
	return time.Time{}
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
