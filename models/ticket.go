package models

import (
	"time"
)

type TicketStatus string

const (
	TicketIssued    TicketStatus = "issued"
	TicketScanned   TicketStatus = "scanned"
	TicketCancelled TicketStatus = "cancelled"
)

// CredentialKind tells which remote procedure owns a scanned credential.
type CredentialKind string

const (
	KindTicket  CredentialKind = "ticket"
	KindVipPass CredentialKind = "vip_pass"
)

type Ticket struct {
	ID            string       `json:"id"`
	EventID       string       `json:"event_id"`
	OrderID       string       `json:"order_id"`
	Status        TicketStatus `json:"status"` // issued, scanned, cancelled
	GuestName     string       `json:"guest_name"`
	Tier          string       `json:"tier"`
	Token         string       `json:"token,omitempty"`
	Signature     string       `json:"signature,omitempty"`
	Inside        bool         `json:"inside"`
	EntryCount    int          `json:"entry_count"`
	ExitCount     int          `json:"exit_count"`
	ScannedAt     *time.Time   `json:"scanned_at,omitempty"`
	ScannedBy     string       `json:"scanned_by,omitempty"`
	ScannedDevice string       `json:"scanned_device,omitempty"`
}

type EventSettings struct {
	EventID        string    `json:"event_id"`
	Name           string    `json:"name"`
	ReentryEnabled bool      `json:"reentry_enabled"`
	StartsAt       time.Time `json:"starts_at"`
	EndsAt         time.Time `json:"ends_at"`
}

// Ended reports whether admission for the event is over at now.
func (s EventSettings) Ended(now time.Time) bool {
	return !s.EndsAt.IsZero() && now.After(s.EndsAt)
}

// LocalCacheEntry is the offline-readable snapshot of one scannable
// credential. It is always possibly stale.
type LocalCacheEntry struct {
	TicketID      string         `json:"ticket_id"`
	Kind          CredentialKind `json:"kind"`
	EventID       string         `json:"event_id"`
	ReservationID string         `json:"reservation_id,omitempty"`
	Status        TicketStatus   `json:"status"`
	GuestName     string         `json:"guest_name"`
	Tier          string         `json:"tier"`
	Signature     string         `json:"signature,omitempty"`
	Inside        bool           `json:"inside"`
	EntryCount    int            `json:"entry_count"`
	ExitCount     int            `json:"exit_count"`
	ScannedAt     *time.Time     `json:"scanned_at,omitempty"`
	ScannedBy     string         `json:"scanned_by,omitempty"`
	ScannedDevice string         `json:"scanned_device,omitempty"`
	LastSyncAt    time.Time      `json:"last_sync_at"`

	// ResetAt is when an administrator last returned the entry to issued.
	// Updates confirmed before it are stale.
	ResetAt *time.Time `json:"reset_at,omitempty"`
}

// ScanCount is the number of accepted scans the entry has seen.
func (e LocalCacheEntry) ScanCount() int {
	return e.EntryCount + e.ExitCount
}

// EntryFromTicket builds the cache entry for a ticket snapshot.
func EntryFromTicket(t Ticket, syncedAt time.Time) LocalCacheEntry {
	return LocalCacheEntry{
		TicketID:      t.ID,
		Kind:          KindTicket,
		EventID:       t.EventID,
		Status:        t.Status,
		GuestName:     t.GuestName,
		Tier:          t.Tier,
		Signature:     t.Signature,
		Inside:        t.Inside,
		EntryCount:    t.EntryCount,
		ExitCount:     t.ExitCount,
		ScannedAt:     t.ScannedAt,
		ScannedBy:     t.ScannedBy,
		ScannedDevice: t.ScannedDevice,
		LastSyncAt:    syncedAt,
	}
}

// AuthoritativeUpdate carries a confirmed remote outcome into the cache.
type AuthoritativeUpdate struct {
	TicketID      string       `json:"ticket_id"`
	Status        TicketStatus `json:"status"`
	Inside        bool         `json:"inside"`
	EntryCount    int          `json:"entry_count"`
	ExitCount     int          `json:"exit_count"`
	ScannedAt     *time.Time   `json:"scanned_at,omitempty"`
	ScannedBy     string       `json:"scanned_by,omitempty"`
	ScannedDevice string       `json:"scanned_device,omitempty"`
	SyncedAt      time.Time    `json:"synced_at"`

	// AdminReset is the only way a scanned entry goes back to issued.
	AdminReset bool `json:"admin_reset,omitempty"`
}

// TicketChange is broadcast between gates when the authority accepts a scan.
type TicketChange struct {
	EventID string              `json:"event_id"`
	Update  AuthoritativeUpdate `json:"update"`
	Source  string              `json:"source"`
}
