package status

import "errors"

var (
	ErrCacheMiss          = errors.New("cache: ticket not in local cache")
	ErrEventNotPrimed     = errors.New("cache: event not primed")
	ErrQueuedScanNotFound = errors.New("queue: queued scan not found")
	ErrInvalidDeviceID    = errors.New("queue: invalid device id")

	ErrInvalidCredential = errors.New("scan: invalid credential")
	ErrInvalidRequest    = errors.New("scan: invalid scan request")
	ErrScanInProgress    = errors.New("scan: another scan is in progress on this device")

	ErrSyncInProgress = errors.New("sync: sync already in progress")
	ErrOffline        = errors.New("sync: remote authority unreachable")

	ErrTicketNotFound      = errors.New("authority: ticket not found")
	ErrEventNotFound       = errors.New("authority: event not found")
	ErrReservationNotFound = errors.New("authority: reservation not found")
	ErrTicketCancelled     = errors.New("authority: ticket cancelled")

	ErrOverrideNotConfigured = errors.New("override: owner pin not configured")
	ErrOverrideInvalidPIN    = errors.New("override: invalid pin")
	ErrOverrideLocked        = errors.New("override: too many pin attempts")
	ErrOverrideReason        = errors.New("override: reason required")
)
