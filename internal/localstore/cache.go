package localstore

import (
	"errors"
	"fmt"
	"strings"

	"gate-system/internal/status"
	"gate-system/models"

	"github.com/dgraph-io/badger"
)

const (
	cacheTicketPrefix   = "cache/t/"
	cacheEventPrefix    = "cache/e/"
	cacheSettingsPrefix = "cache/s/"
)

// LocalCache is the offline lookup table of scannable credentials.
type LocalCache struct {
	store *Store
}

func NewLocalCache(store *Store) *LocalCache {
	return &LocalCache{store: store}
}

func ticketKey(ticketID string) []byte {
	return []byte(cacheTicketPrefix + ticketID)
}

func eventIndexPrefix(eventID string) []byte {
	return []byte(cacheEventPrefix + eventID + "/")
}

func eventIndexKey(eventID, ticketID string) []byte {
	return []byte(cacheEventPrefix + eventID + "/" + ticketID)
}

func settingsKey(eventID string) []byte {
	return []byte(cacheSettingsPrefix + eventID)
}

// ReplaceEvent overwrites everything cached for the event with a fresh
// snapshot. Entries of the event missing from the snapshot are dropped;
// other events are left alone.
func (c *LocalCache) ReplaceEvent(settings models.EventSettings, entries []models.LocalCacheEntry) (int, error) {
	eventID := settings.EventID
	if eventID == "" || strings.Contains(eventID, "/") {
		return 0, fmt.Errorf("replace cache: invalid event id %q", eventID)
	}

	existing, err := c.eventTicketIDs(eventID)
	if err != nil {
		return 0, err
	}

	fresh := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		fresh[entry.TicketID] = struct{}{}
	}

	stale := make([]string, 0)
	for _, id := range existing {
		if _, ok := fresh[id]; !ok {
			stale = append(stale, id)
		}
	}

	err = c.store.writeChunks(len(stale), func(txn *badger.Txn, i int) error {
		if err := txn.Delete(ticketKey(stale[i])); err != nil {
			return err
		}
		return txn.Delete(eventIndexKey(eventID, stale[i]))
	})
	if err != nil {
		return 0, fmt.Errorf("drop stale entries for %s: %w", eventID, err)
	}

	err = c.store.writeChunks(len(entries), func(txn *badger.Txn, i int) error {
		entry := entries[i]
		entry.EventID = eventID

		var previous models.LocalCacheEntry
		err := getValue(txn, ticketKey(entry.TicketID), &previous)
		switch {
		case err == nil && previous.EventID != eventID:
			if err := txn.Delete(eventIndexKey(previous.EventID, entry.TicketID)); err != nil {
				return err
			}
		case err != nil && !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		if err := setValue(txn, ticketKey(entry.TicketID), entry); err != nil {
			return err
		}
		return txn.Set(eventIndexKey(eventID, entry.TicketID), nil)
	})
	if err != nil {
		return 0, fmt.Errorf("store entries for %s: %w", eventID, err)
	}

	err = c.store.update(func(txn *badger.Txn) error {
		return setValue(txn, settingsKey(eventID), settings)
	})
	if err != nil {
		return 0, fmt.Errorf("store settings for %s: %w", eventID, err)
	}

	return len(entries), nil
}

func (c *LocalCache) eventTicketIDs(eventID string) ([]string, error) {
	prefix := eventIndexPrefix(eventID)
	ids := make([]string, 0)

	err := c.store.view(func(txn *badger.Txn) error {
		return eachKey(txn, prefix, false, func(item *badger.Item) (bool, error) {
			ids = append(ids, string(item.Key()[len(prefix):]))
			return true, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list cached tickets for %s: %w", eventID, err)
	}
	return ids, nil
}

// CountEvent returns how many entries are cached for the event.
func (c *LocalCache) CountEvent(eventID string) (int, error) {
	ids, err := c.eventTicketIDs(eventID)
	return len(ids), err
}

// Lookup is a pure read. A miss returns status.ErrCacheMiss.
func (c *LocalCache) Lookup(ticketID string) (*models.LocalCacheEntry, error) {
	var entry models.LocalCacheEntry
	err := c.store.view(func(txn *badger.Txn) error {
		return getValue(txn, ticketKey(ticketID), &entry)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, status.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", ticketID, err)
	}
	return &entry, nil
}

// Settings returns the cached event settings.
func (c *LocalCache) Settings(eventID string) (*models.EventSettings, error) {
	var settings models.EventSettings
	err := c.store.view(func(txn *badger.Txn) error {
		return getValue(txn, settingsKey(eventID), &settings)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, status.ErrEventNotPrimed
	}
	if err != nil {
		return nil, fmt.Errorf("settings %s: %w", eventID, err)
	}
	return &settings, nil
}

// Put stores a locally decided entry state (an offline acceptance).
func (c *LocalCache) Put(entry models.LocalCacheEntry) error {
	return c.store.update(func(txn *badger.Txn) error {
		if err := setValue(txn, ticketKey(entry.TicketID), entry); err != nil {
			return err
		}
		return txn.Set(eventIndexKey(entry.EventID, entry.TicketID), nil)
	})
}

// ApplyAuthoritativeUpdate merges a confirmed remote outcome into the
// cached entry and returns the result. Cancellation always wins; a scanned
// entry only returns to issued through an administrative reset.
func (c *LocalCache) ApplyAuthoritativeUpdate(u models.AuthoritativeUpdate) (*models.LocalCacheEntry, error) {
	var merged models.LocalCacheEntry

	err := c.store.update(func(txn *badger.Txn) error {
		var entry models.LocalCacheEntry
		if err := getValue(txn, ticketKey(u.TicketID), &entry); err != nil {
			return err
		}

		merged = mergeUpdate(entry, u)
		return setValue(txn, ticketKey(u.TicketID), merged)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, status.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("apply update %s: %w", u.TicketID, err)
	}
	return &merged, nil
}

func mergeUpdate(entry models.LocalCacheEntry, u models.AuthoritativeUpdate) models.LocalCacheEntry {
	if u.AdminReset {
		entry.Status = u.Status
		entry.Inside = u.Inside
		entry.EntryCount = u.EntryCount
		entry.ExitCount = u.ExitCount
		entry.ScannedAt = u.ScannedAt
		entry.ScannedBy = u.ScannedBy
		entry.ScannedDevice = u.ScannedDevice
		if !u.SyncedAt.IsZero() {
			at := u.SyncedAt
			entry.LastSyncAt = at
			entry.ResetAt = &at
		}
		return entry
	}

	if u.Status != models.TicketCancelled && entry.ResetAt != nil && u.SyncedAt.Before(*entry.ResetAt) {
		return entry
	}
	if !u.SyncedAt.IsZero() {
		entry.LastSyncAt = u.SyncedAt
	}

	switch {
	case u.Status == models.TicketCancelled:
		entry.Status = models.TicketCancelled
		return entry
	case entry.Status == models.TicketCancelled:
		return entry
	case entry.Status == models.TicketScanned && u.Status == models.TicketIssued:
		return entry
	}

	if u.Status != "" {
		entry.Status = u.Status
	}

	// Counters only move forward; stale broadcasts arriving late are ignored.
	if u.EntryCount+u.ExitCount >= entry.ScanCount() {
		entry.Inside = u.Inside
		entry.EntryCount = u.EntryCount
		entry.ExitCount = u.ExitCount
		if u.ScannedAt != nil {
			entry.ScannedAt = u.ScannedAt
			entry.ScannedBy = u.ScannedBy
			entry.ScannedDevice = u.ScannedDevice
		}
	}

	return entry
}
