package localstore

import (
	"errors"
	"fmt"
	"time"

	"gate-system/models"

	"github.com/dgraph-io/badger"
)

const (
	historyScanPrefix   = "history/s/"
	historyDevicePrefix = "history/d/"
	noticePrefix        = "notice/"
)

// History keeps resolved scans for display and audit. Records expire after
// the retention window.
type History struct {
	store     *Store
	retention time.Duration
}

func NewHistory(store *Store, retention time.Duration) *History {
	return &History{store: store, retention: retention}
}

func historyScanKey(scanID string) []byte {
	return []byte(historyScanPrefix + scanID)
}

func historyDevicePrefixKey(deviceID string) []byte {
	return []byte(historyDevicePrefix + deviceID + "/")
}

func historyIndexKey(deviceID string, at time.Time, scanID string) []byte {
	key := historyDevicePrefixKey(deviceID)
	key = append(key, encodeUint(uint64(at.UnixNano()))...)
	return append(key, []byte("/"+scanID)...)
}

func noticeDevicePrefix(deviceID string) []byte {
	return []byte(noticePrefix + deviceID + "/")
}

func noticeKey(n models.VoidNotice) []byte {
	key := noticeDevicePrefix(n.DeviceID)
	key = append(key, encodeUint(uint64(n.IssuedAt.UnixNano()))...)
	return append(key, []byte("/"+n.ScanID)...)
}

// Record stores a resolved scan. Recording the same scan again replaces the
// earlier record instead of adding a second one.
func (h *History) Record(scan models.ResolvedScan) error {
	err := h.store.update(func(txn *badger.Txn) error {
		return h.record(txn, scan)
	})
	if err != nil {
		return fmt.Errorf("record scan %s: %w", scan.ScanID, err)
	}
	return nil
}

func (h *History) record(txn *badger.Txn, scan models.ResolvedScan) error {
	var previous models.ResolvedScan
	err := getValue(txn, historyScanKey(scan.ScanID), &previous)
	switch {
	case err == nil:
		if err := txn.Delete(historyIndexKey(previous.DeviceID, previous.ResolvedAt, previous.ScanID)); err != nil {
			return err
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return err
	}

	if err := setValueTTL(txn, historyScanKey(scan.ScanID), scan, h.retention); err != nil {
		return err
	}

	index := badger.NewEntry(historyIndexKey(scan.DeviceID, scan.ResolvedAt, scan.ScanID), nil)
	if h.retention > 0 {
		index = index.WithTTL(h.retention)
	}
	return txn.SetEntry(index)
}

// Get returns the resolved record of a scan, nil when unknown or expired.
func (h *History) Get(scanID string) (*models.ResolvedScan, error) {
	var scan models.ResolvedScan
	err := h.store.view(func(txn *badger.Txn) error {
		return getValue(txn, historyScanKey(scanID), &scan)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scan %s: %w", scanID, err)
	}
	return &scan, nil
}

// List returns up to limit resolved scans of the device, newest first.
func (h *History) List(deviceID string, limit int) ([]models.ResolvedScan, error) {
	prefix := historyDevicePrefixKey(deviceID)
	scans := make([]models.ResolvedScan, 0)

	err := h.store.view(func(txn *badger.Txn) error {
		return eachKey(txn, prefix, true, func(item *badger.Item) (bool, error) {
			key := item.Key()
			if len(key) <= len(prefix)+9 {
				return true, nil
			}
			scanID := string(key[len(prefix)+9:])

			var scan models.ResolvedScan
			err := getValue(txn, historyScanKey(scanID), &scan)
			if errors.Is(err, badger.ErrKeyNotFound) {
				return true, nil
			}
			if err != nil {
				return false, err
			}

			scans = append(scans, scan)
			return limit <= 0 || len(scans) < limit, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list history %s: %w", deviceID, err)
	}
	return scans, nil
}

// MarkVoided turns the device's earlier acceptance into a conflict loss and
// keeps the notice so staff can see it later.
func (h *History) MarkVoided(notice models.VoidNotice) error {
	err := h.store.update(func(txn *badger.Txn) error {
		var scan models.ResolvedScan
		err := getValue(txn, historyScanKey(notice.ScanID), &scan)
		switch {
		case err == nil:
			scan.Code = models.ResultConflictLoser
			scan.Accepted = false
			scan.Message = notice.Message()
			scan.Winner = &models.ScanMeta{ScannedAt: notice.WinnerTime, DeviceID: notice.WinnerDevice}
			if err := h.record(txn, scan); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		return setValueTTL(txn, noticeKey(notice), notice, h.retention)
	})
	if err != nil {
		return fmt.Errorf("mark voided %s: %w", notice.ScanID, err)
	}
	return nil
}

// Notices returns the void notices of the device, newest first.
func (h *History) Notices(deviceID string, limit int) ([]models.VoidNotice, error) {
	notices := make([]models.VoidNotice, 0)
	err := h.store.view(func(txn *badger.Txn) error {
		return eachKey(txn, noticeDevicePrefix(deviceID), true, func(item *badger.Item) (bool, error) {
			var notice models.VoidNotice
			if err := item.Value(func(val []byte) error {
				return decMode.Unmarshal(val, &notice)
			}); err != nil {
				return false, err
			}
			notices = append(notices, notice)
			return limit <= 0 || len(notices) < limit, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list notices %s: %w", deviceID, err)
	}
	return notices, nil
}
