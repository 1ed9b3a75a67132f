package services

import (
	"context"
	"errors"
	"log/slog"

	"gate-system/internal/status"
	"gate-system/models"
)

// ChangeApplier folds what peer gates publish into the local cache and
// history. It satisfies realtime.Sink.
type ChangeApplier struct {
	stores Stores
}

func NewChangeApplier(stores Stores) *ChangeApplier {
	return &ChangeApplier{stores: stores}
}

// ApplyTicketChange keeps the cache fresh with accepts from other gates.
// Tickets this gate never primed are ignored.
func (a *ChangeApplier) ApplyTicketChange(ctx context.Context, change models.TicketChange) error {
	_, err := a.stores.Cache.ApplyAuthoritativeUpdate(change.Update)
	if errors.Is(err, status.ErrCacheMiss) {
		return nil
	}
	return err
}

// ApplyVoidNotice marks the voided scan when it was decided on this gate.
func (a *ChangeApplier) ApplyVoidNotice(ctx context.Context, notice models.VoidNotice) error {
	scan, err := a.stores.History.Get(notice.ScanID)
	if err != nil {
		return err
	}
	if scan == nil {
		return nil
	}

	slog.Warn("scan voided by peer gate",
		"scan_id", notice.ScanID,
		"ticket_id", notice.TicketID,
		"device_id", notice.DeviceID,
		"winner_device", notice.WinnerDevice,
	)
	return a.stores.History.MarkVoided(notice)
}
