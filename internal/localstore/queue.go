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
	queuePendingPrefix = "queue/p/"
	queueFailedPrefix  = "queue/f/"
	queueSeqPrefix     = "queue/n/"
)

// ScanQueue holds scans accepted offline until the authority confirms them.
// Keys embed the big-endian sequence so iteration order is physical scan
// order per device.
type ScanQueue struct {
	store *Store
}

type QueueStats struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

func NewScanQueue(store *Store) *ScanQueue {
	return &ScanQueue{store: store}
}

func pendingDevicePrefix(deviceID string) []byte {
	return []byte(queuePendingPrefix + deviceID + "/")
}

func pendingKey(deviceID string, seq uint64) []byte {
	return append(pendingDevicePrefix(deviceID), encodeUint(seq)...)
}

func failedKey(deviceID string, seq uint64) []byte {
	return append([]byte(queueFailedPrefix+deviceID+"/"), encodeUint(seq)...)
}

func validDeviceID(deviceID string) bool {
	return deviceID != "" && !strings.Contains(deviceID, "/")
}

// Enqueue persists the attempt with the next sequence number of its device.
func (q *ScanQueue) Enqueue(attempt models.ScanAttempt, direction models.Direction) (*models.QueuedScan, error) {
	if !validDeviceID(attempt.DeviceID) {
		return nil, status.ErrInvalidDeviceID
	}

	var queued models.QueuedScan
	err := q.store.update(func(txn *badger.Txn) error {
		seqKey := []byte(queueSeqPrefix + attempt.DeviceID)
		last, err := readUint(txn, seqKey)
		if err != nil {
			return err
		}
		seq := last + 1

		queued = models.QueuedScan{
			ScanAttempt: attempt,
			Seq:         seq,
			State:       models.QueuePending,
			Direction:   direction,
			QueuedAt:    attempt.ScannedAt,
		}

		if err := txn.Set(seqKey, encodeUint(seq)); err != nil {
			return err
		}
		return setValue(txn, pendingKey(attempt.DeviceID, seq), queued)
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue scan %s: %w", attempt.ScanID, err)
	}
	return &queued, nil
}

// PeekBatch returns up to n pending scans of the device, oldest first,
// without removing them.
func (q *ScanQueue) PeekBatch(deviceID string, n int) ([]models.QueuedScan, error) {
	batch := make([]models.QueuedScan, 0)
	err := q.store.view(func(txn *badger.Txn) error {
		return eachKey(txn, pendingDevicePrefix(deviceID), false, func(item *badger.Item) (bool, error) {
			var scan models.QueuedScan
			if err := item.Value(func(val []byte) error {
				return decMode.Unmarshal(val, &scan)
			}); err != nil {
				return false, err
			}
			batch = append(batch, scan)
			return n <= 0 || len(batch) < n, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("peek queue %s: %w", deviceID, err)
	}
	return batch, nil
}

// Pending returns every pending scan of the device.
func (q *ScanQueue) Pending(deviceID string) ([]models.QueuedScan, error) {
	return q.PeekBatch(deviceID, 0)
}

// Dequeue removes confirmed scans. Unknown sequence numbers are ignored so a
// repeated dequeue after a crash is harmless.
func (q *ScanQueue) Dequeue(deviceID string, seqs ...uint64) error {
	err := q.store.writeChunks(len(seqs), func(txn *badger.Txn, i int) error {
		return txn.Delete(pendingKey(deviceID, seqs[i]))
	})
	if err != nil {
		return fmt.Errorf("dequeue %s: %w", deviceID, err)
	}
	return nil
}

// MarkFailed moves a pending scan out of the retry path.
func (q *ScanQueue) MarkFailed(deviceID string, seq uint64, reason models.ResultCode, message string) error {
	err := q.store.update(func(txn *badger.Txn) error {
		var scan models.QueuedScan
		if err := getValue(txn, pendingKey(deviceID, seq), &scan); err != nil {
			return err
		}

		scan.State = models.QueueFailed
		scan.FailReason = reason
		scan.LastError = message

		if err := txn.Delete(pendingKey(deviceID, seq)); err != nil {
			return err
		}
		return setValue(txn, failedKey(deviceID, seq), scan)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return status.ErrQueuedScanNotFound
	}
	if err != nil {
		return fmt.Errorf("mark failed %s/%d: %w", deviceID, seq, err)
	}
	return nil
}

// RecordAttempt notes a transient failure and returns the attempt count.
func (q *ScanQueue) RecordAttempt(deviceID string, seq uint64, errMsg string) (int, error) {
	var attempts int
	err := q.store.update(func(txn *badger.Txn) error {
		var scan models.QueuedScan
		if err := getValue(txn, pendingKey(deviceID, seq), &scan); err != nil {
			return err
		}

		scan.Attempts++
		scan.LastError = errMsg
		attempts = scan.Attempts
		return setValue(txn, pendingKey(deviceID, seq), scan)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, status.ErrQueuedScanNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("record attempt %s/%d: %w", deviceID, seq, err)
	}
	return attempts, nil
}

// Remove drops a queued-but-unsent scan. Only staff or admin actions call it.
func (q *ScanQueue) Remove(deviceID string, seq uint64) (*models.QueuedScan, error) {
	var scan models.QueuedScan
	err := q.store.update(func(txn *badger.Txn) error {
		if err := getValue(txn, pendingKey(deviceID, seq), &scan); err != nil {
			return err
		}
		return txn.Delete(pendingKey(deviceID, seq))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, status.ErrQueuedScanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("remove %s/%d: %w", deviceID, seq, err)
	}
	return &scan, nil
}

// RetryFailed puts failed scans back on the retry path with a fresh attempt
// budget. Permanent rejections stay failed.
func (q *ScanQueue) RetryFailed() (int, error) {
	failed, err := q.Failed()
	if err != nil {
		return 0, err
	}

	retry := make([]models.QueuedScan, 0, len(failed))
	for _, scan := range failed {
		if !scan.FailReason.Permanent() {
			retry = append(retry, scan)
		}
	}

	err = q.store.writeChunks(len(retry), func(txn *badger.Txn, i int) error {
		scan := retry[i]
		if err := txn.Delete(failedKey(scan.DeviceID, scan.Seq)); err != nil {
			return err
		}

		scan.State = models.QueuePending
		scan.Attempts = 0
		scan.FailReason = ""
		scan.LastError = ""
		return setValue(txn, pendingKey(scan.DeviceID, scan.Seq), scan)
	})
	if err != nil {
		return 0, fmt.Errorf("retry failed scans: %w", err)
	}
	return len(retry), nil
}

// Failed lists scans removed from the retry path.
func (q *ScanQueue) Failed() ([]models.QueuedScan, error) {
	failed := make([]models.QueuedScan, 0)
	err := q.store.view(func(txn *badger.Txn) error {
		return eachKey(txn, []byte(queueFailedPrefix), false, func(item *badger.Item) (bool, error) {
			var scan models.QueuedScan
			if err := item.Value(func(val []byte) error {
				return decMode.Unmarshal(val, &scan)
			}); err != nil {
				return false, err
			}
			failed = append(failed, scan)
			return true, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list failed scans: %w", err)
	}
	return failed, nil
}

// Unsynced reports whether any device still holds an accepted scan of the
// ticket the authority has not confirmed. Permanently failed scans do not
// count since they will never be sent.
func (q *ScanQueue) Unsynced(ticketID string) (bool, error) {
	var found bool
	err := q.store.view(func(txn *badger.Txn) error {
		for _, prefix := range []string{queuePendingPrefix, queueFailedPrefix} {
			err := eachKey(txn, []byte(prefix), false, func(item *badger.Item) (bool, error) {
				var scan models.QueuedScan
				if err := item.Value(func(val []byte) error {
					return decMode.Unmarshal(val, &scan)
				}); err != nil {
					return false, err
				}
				if scan.TicketID == ticketID && !scan.FailReason.Permanent() {
					found = true
				}
				return !found, nil
			})
			if err != nil || found {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("check queue for %s: %w", ticketID, err)
	}
	return found, nil
}

// Devices returns the devices that have pending scans.
func (q *ScanQueue) Devices() ([]string, error) {
	devices := make([]string, 0)
	seen := make(map[string]struct{})

	err := q.store.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(queuePendingPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := string(it.Item().Key()[len(prefix):])
			device, _, ok := strings.Cut(rest, "/")
			if !ok {
				continue
			}
			if _, dup := seen[device]; !dup {
				seen[device] = struct{}{}
				devices = append(devices, device)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list queue devices: %w", err)
	}
	return devices, nil
}

func (q *ScanQueue) Stats() (QueueStats, error) {
	var stats QueueStats
	err := q.store.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for _, p := range []struct {
			prefix string
			count  *int
		}{
			{queuePendingPrefix, &stats.Pending},
			{queueFailedPrefix, &stats.Failed},
		} {
			prefix := []byte(p.prefix)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				*p.count++
			}
		}
		return nil
	})
	if err != nil {
		return QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}
