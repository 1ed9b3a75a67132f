// Package localstore keeps the device-local state of a gate: the scan
// cache, the offline scan queue, resolved scan history and small TTL
// counters. Everything lives in one embedded badger database so it
// survives restarts of the gate agent.
package localstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/fxamacker/cbor/v2"
)

const (
	maxConflictRetries = 5
	writeChunkSize     = 500
	counterPrefix      = "counter/"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Deterministic encoding keeps identical records byte-identical on disk.
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("localstore: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("localstore: CBOR decoder initialization failed: " + err.Error())
	}
}

type Store struct {
	db *badger.DB
}

// Open opens (or creates) the local database in dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = badgerLogger{}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open local store %s: %w", dir, err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// update runs fn in a read-write transaction, retrying on badger's
// optimistic conflict errors.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *Store) view(fn func(txn *badger.Txn) error) error {
	return s.db.View(fn)
}

// writeChunks applies fn to items [0,n) across as many transactions as
// needed to stay under badger's transaction size limit.
func (s *Store) writeChunks(n int, fn func(txn *badger.Txn, i int) error) error {
	for start := 0; start < n; start += writeChunkSize {
		end := start + writeChunkSize
		if end > n {
			end = n
		}

		err := s.update(func(txn *badger.Txn) error {
			for i := start; i < end; i++ {
				if err := fn(txn, i); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Increment bumps the named counter and (re)arms its expiry.
func (s *Store) Increment(key string, ttl time.Duration) (int, error) {
	var count uint64
	err := s.update(func(txn *badger.Txn) error {
		current, err := readUint(txn, []byte(counterPrefix+key))
		if err != nil {
			return err
		}
		count = current + 1

		entry := badger.NewEntry([]byte(counterPrefix+key), encodeUint(count))
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", key, err)
	}
	return int(count), nil
}

// Count returns the current value of the counter, zero once it expired.
func (s *Store) Count(key string) (int, error) {
	var count uint64
	err := s.view(func(txn *badger.Txn) error {
		var err error
		count, err = readUint(txn, []byte(counterPrefix+key))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("read counter %s: %w", key, err)
	}
	return int(count), nil
}

// Reset drops the counter.
func (s *Store) Reset(key string) error {
	return s.update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(counterPrefix + key))
	})
}

func getValue(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return decMode.Unmarshal(val, v)
	})
}

func setValue(txn *badger.Txn, key []byte, v any) error {
	data, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}

func setValueTTL(txn *badger.Txn, key []byte, v any, ttl time.Duration) error {
	data, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	entry := badger.NewEntry(key, data)
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
	}
	return txn.SetEntry(entry)
}

// eachKey walks the keys under prefix in ascending order (descending when
// reverse is set) until fn returns false.
func eachKey(txn *badger.Txn, prefix []byte, reverse bool, fn func(item *badger.Item) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = reverse

	it := txn.NewIterator(opts)
	defer it.Close()

	seek := prefix
	if reverse {
		seek = append(append([]byte{}, prefix...), 0xFF)
	}

	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		more, err := fn(it.Item())
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func readUint(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var n uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("counter %s: corrupt value", key)
		}
		n = binary.BigEndian.Uint64(val)
		return nil
	})
	return n, err
}

func encodeUint(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

// badgerLogger routes badger's internal logging into slog.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	slog.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	slog.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	slog.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	slog.Debug(fmt.Sprintf(format, args...), "component", "badger")
}
