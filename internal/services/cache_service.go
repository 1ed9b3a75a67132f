package services

import (
	"context"
	"fmt"
	"log/slog"

	"gate-system/internal/authority"
	"gate-system/internal/clock"
	"gate-system/models"
)

// CacheService primes the local cache before doors and applies
// administrative resets.
type CacheService struct {
	authority authority.Authority
	stores    Stores
	events    Broadcaster
	Clock     clock.Clock
}

func NewCacheService(auth authority.Authority, stores Stores, events Broadcaster) *CacheService {
	if events == nil {
		events = nopBroadcaster{}
	}
	return &CacheService{
		authority: auth,
		stores:    stores,
		events:    events,
		Clock:     clock.NewSystem(),
	}
}

// PrimeCache replaces the event's cached entries with the authority's
// snapshot and returns how many were stored. Scans still waiting in the
// offline queue are laid over the snapshot so priming never undoes them.
func (c *CacheService) PrimeCache(ctx context.Context, eventID string) (int, error) {
	settings, err := c.authority.GetEventSettings(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("prime %s: %w", eventID, err)
	}
	tickets, err := c.authority.GetTicketsForEvent(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("prime %s: %w", eventID, err)
	}
	passes, err := c.authority.GetVipPassesForEvent(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("prime %s: %w", eventID, err)
	}

	now := c.Clock.Now()
	entries := make([]models.LocalCacheEntry, 0, len(tickets)+len(passes))
	index := make(map[string]int, len(tickets)+len(passes))
	for _, t := range tickets {
		index[t.ID] = len(entries)
		entries = append(entries, models.EntryFromTicket(t, now))
	}
	for _, p := range passes {
		index[p.ID] = len(entries)
		entries = append(entries, models.EntryFromPass(p, now))
	}

	overlaid, err := c.overlayPending(eventID, entries, index)
	if err != nil {
		return 0, err
	}

	stored, err := c.stores.Cache.ReplaceEvent(*settings, entries)
	if err != nil {
		return 0, err
	}

	slog.Info("local cache primed",
		"event_id", eventID,
		"tickets", len(tickets),
		"vip_passes", len(passes),
		"pending_overlaid", overlaid,
	)
	return stored, nil
}

func (c *CacheService) overlayPending(eventID string, entries []models.LocalCacheEntry, index map[string]int) (int, error) {
	devices, err := c.stores.Queue.Devices()
	if err != nil {
		return 0, err
	}

	overlaid := 0
	for _, deviceID := range devices {
		pending, err := c.stores.Queue.Pending(deviceID)
		if err != nil {
			return 0, err
		}
		for _, q := range pending {
			i, ok := index[q.TicketID]
			if !ok || q.EventID != eventID {
				continue
			}
			entries[i] = overlayScan(entries[i], q)
			overlaid++
		}
	}
	return overlaid, nil
}

// overlayScan applies a queued offline acceptance to a fresh entry.
func overlayScan(e models.LocalCacheEntry, q models.QueuedScan) models.LocalCacheEntry {
	if e.Status == models.TicketCancelled {
		return e
	}

	switch q.Direction {
	case models.DirectionExit:
		if e.Inside {
			e.Inside = false
			e.ExitCount++
		}
	default:
		if !e.Inside || e.Status == models.TicketIssued {
			e.Inside = true
			e.EntryCount++
		}
	}

	if e.Status == models.TicketIssued {
		at := q.ScannedAt
		e.Status = models.TicketScanned
		e.ScannedAt = &at
		e.ScannedBy = q.StaffID
		e.ScannedDevice = q.DeviceID
	}
	return e
}

// Lookup returns the cached entry of a credential.
func (c *CacheService) Lookup(ticketID string) (*models.LocalCacheEntry, error) {
	return c.stores.Cache.Lookup(ticketID)
}

// ResetTicket returns a ticket to issued on the authority and locally. It is
// the only path that reverses a scan.
func (c *CacheService) ResetTicket(ctx context.Context, ticketID, by string) (*models.LocalCacheEntry, error) {
	t, err := c.authority.ResetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	update := models.AuthoritativeUpdate{
		TicketID:   t.ID,
		Status:     t.Status,
		Inside:     t.Inside,
		EntryCount: t.EntryCount,
		ExitCount:  t.ExitCount,
		SyncedAt:   c.Clock.Now(),
		AdminReset: true,
	}

	entry, err := c.stores.Cache.ApplyAuthoritativeUpdate(update)
	if err != nil {
		fresh := models.EntryFromTicket(*t, update.SyncedAt)
		if err := c.stores.Cache.Put(fresh); err != nil {
			return nil, err
		}
		entry = &fresh
	}

	if err := c.events.TicketChanged(ctx, models.TicketChange{EventID: t.EventID, Update: update}); err != nil {
		slog.Warn("failed to broadcast ticket reset", "ticket_id", ticketID, "error", err)
	}

	slog.Warn("ticket reset by administrator", "ticket_id", ticketID, "event_id", t.EventID, "by", by)
	return entry, nil
}
