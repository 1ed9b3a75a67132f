package models

import (
	"time"
)

type ScanMethod string

const (
	MethodQR     ScanMethod = "qr"
	MethodNFC    ScanMethod = "nfc"
	MethodManual ScanMethod = "manual"
)

// Valid reports whether m is a known scan method.
func (m ScanMethod) Valid() bool {
	switch m {
	case MethodQR, MethodNFC, MethodManual:
		return true
	}
	return false
}

type ResultCode string

const (
	ResultAccepted       ResultCode = "accepted"
	ResultOfflineUnknown ResultCode = "offline_unknown"
	ResultAlreadyUsed    ResultCode = "already_used"
	ResultInvalid        ResultCode = "invalid"
	ResultWrongEvent     ResultCode = "wrong_event"
	ResultExpired        ResultCode = "expired"
	ResultTampered       ResultCode = "tampered"
	ResultNetworkError   ResultCode = "network_error"
	ResultConflictLoser  ResultCode = "conflict_resolved_loser"
)

// Permanent reports whether a rejection with this code must never be retried.
func (c ResultCode) Permanent() bool {
	switch c {
	case ResultAlreadyUsed, ResultInvalid, ResultWrongEvent, ResultExpired, ResultTampered, ResultConflictLoser:
		return true
	}
	return false
}

type Direction string

const (
	DirectionEntry Direction = "entry"
	DirectionExit  Direction = "exit"
)

// ScanAttempt is one physical scan event, before the authority confirms it.
type ScanAttempt struct {
	ScanID         string         `json:"scan_id"`
	TicketID       string         `json:"ticket_id"`
	Kind           CredentialKind `json:"kind"`
	EventID        string         `json:"event_id"`
	DeviceID       string         `json:"device_id"`
	StaffID        string         `json:"staff_id"`
	ScannedAt      time.Time      `json:"scanned_at"`
	Method         ScanMethod     `json:"method"`
	Override       bool           `json:"override,omitempty"`
	OverrideReason string         `json:"override_reason,omitempty"`
	OverrideBy     string         `json:"override_by,omitempty"`
}

type QueueState string

const (
	QueuePending QueueState = "pending"
	QueueFailed  QueueState = "failed"
)

// QueuedScan is a ScanAttempt accepted offline and not yet confirmed.
type QueuedScan struct {
	ScanAttempt
	Seq        uint64     `json:"seq"`
	State      QueueState `json:"state"`
	Direction  Direction  `json:"direction,omitempty"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	FailReason ResultCode `json:"fail_reason,omitempty"`
	QueuedAt   time.Time  `json:"queued_at"`
}

// ScanMeta describes who accepted a scan, where and when.
type ScanMeta struct {
	ScannedAt time.Time `json:"scanned_at"`
	ScannedBy string    `json:"scanned_by,omitempty"`
	DeviceID  string    `json:"device_id,omitempty"`
}

type DisplayHint struct {
	Color         string `json:"color"` // green, amber, red
	RequiresAck   bool   `json:"requires_ack"`
	AutoDismissMs int    `json:"auto_dismiss_ms,omitempty"`
}

const acceptAutoDismissMs = 1500

// HintFor picks how the scanner screen shows a result. Rejections stay on
// screen until staff acknowledge them.
func HintFor(code ResultCode) DisplayHint {
	switch code {
	case ResultAccepted:
		return DisplayHint{Color: "green", AutoDismissMs: acceptAutoDismissMs}
	case ResultOfflineUnknown, ResultNetworkError:
		return DisplayHint{Color: "amber", RequiresAck: true}
	default:
		return DisplayHint{Color: "red", RequiresAck: true}
	}
}

type ScanResult struct {
	ScanID     string         `json:"scan_id"`
	Code       ResultCode     `json:"code"`
	Accepted   bool           `json:"accepted"`
	Message    string         `json:"message,omitempty"`
	TicketID   string         `json:"ticket_id"`
	Kind       CredentialKind `json:"kind"`
	GuestName  string         `json:"guest_name,omitempty"`
	Tier       string         `json:"tier,omitempty"`
	Direction  Direction      `json:"direction,omitempty"`
	EntryCount int            `json:"entry_count"`
	ExitCount  int            `json:"exit_count"`
	Offline    bool           `json:"offline"`
	Queued     bool           `json:"queued"`
	Overridden bool           `json:"overridden"`
	Original   *ScanMeta      `json:"original,omitempty"`
	Display    DisplayHint    `json:"display"`
	DecidedAt  time.Time      `json:"decided_at"`
}

// ResolvedScan is the history record of a scan whose outcome is final.
type ResolvedScan struct {
	ScanAttempt
	Code       ResultCode `json:"code"`
	Accepted   bool       `json:"accepted"`
	Message    string     `json:"message,omitempty"`
	Offline    bool       `json:"offline"`
	Direction  Direction  `json:"direction,omitempty"`
	Winner     *ScanMeta  `json:"winner,omitempty"`
	Overridden bool       `json:"overridden,omitempty"`
	ResolvedAt time.Time  `json:"resolved_at"`
}

// VoidNotice tells a device that a scan it accepted offline did not stand.
type VoidNotice struct {
	ScanID       string    `json:"scan_id"`
	TicketID     string    `json:"ticket_id"`
	EventID      string    `json:"event_id"`
	DeviceID     string    `json:"device_id"`
	WinnerDevice string    `json:"winner_device"`
	WinnerTime   time.Time `json:"winner_time"`
	IssuedAt     time.Time `json:"issued_at"`
}

// Message is the staff-facing text for the notice.
func (n VoidNotice) Message() string {
	return "this scan was voided: ticket was already entered via " + n.WinnerDevice +
		" at " + n.WinnerTime.Format(time.Kitchen)
}

// OverrideSession is the explicit, time-boxed override state for a device.
type OverrideSession struct {
	Active      bool      `json:"active"`
	DeviceID    string    `json:"device_id"`
	ExpiresAt   time.Time `json:"expires_at"`
	ActivatedBy string    `json:"activated_by"`
	Reason      string    `json:"reason"`
}

// ActiveAt reports whether the session still forces acceptance at now.
func (s *OverrideSession) ActiveAt(now time.Time) bool {
	return s != nil && s.Active && now.Before(s.ExpiresAt)
}

type SyncStatus struct {
	Pending    int        `json:"pending"`
	Failed     int        `json:"failed"`
	Syncing    bool       `json:"syncing"`
	Online     bool       `json:"online"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

type SyncReport struct {
	Total     int `json:"total"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
	Deferred  int `json:"deferred"`
}

// Add folds another device's report into r.
func (r *SyncReport) Add(other SyncReport) {
	r.Total += other.Total
	r.Success += other.Success
	r.Failed += other.Failed
	r.Conflicts += other.Conflicts
	r.Deferred += other.Deferred
}

// OverrideRecord is the audit entry written for every overridden acceptance.
type OverrideRecord struct {
	ScanID      string     `json:"scan_id"`
	TicketID    string     `json:"ticket_id"`
	EventID     string     `json:"event_id"`
	DeviceID    string     `json:"device_id"`
	StaffID     string     `json:"staff_id"`
	ActivatedBy string     `json:"activated_by"`
	Reason      string     `json:"reason"`
	Bypassed    ResultCode `json:"bypassed,omitempty"`
	Offline     bool       `json:"offline"`
	At          time.Time  `json:"at"`
}
