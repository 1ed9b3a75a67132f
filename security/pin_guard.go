package security

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"gate-system/internal/status"
)

// CounterStore keeps expiring attempt counters.
type CounterStore interface {
	Increment(key string, ttl time.Duration) (int, error)
	Count(key string) (int, error)
	Reset(key string) error
}

// PinGuard checks the owner PIN that unlocks override mode. Failed
// attempts are counted per device and lock it out for a while.
type PinGuard struct {
	hash        []byte
	counters    CounterStore
	maxAttempts int
	lockout     time.Duration
}

func NewPinGuard(hash string, counters CounterStore, maxAttempts int, lockout time.Duration) *PinGuard {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &PinGuard{
		hash:        []byte(hash),
		counters:    counters,
		maxAttempts: maxAttempts,
		lockout:     lockout,
	}
}

func attemptsKey(deviceID string) string {
	return fmt.Sprintf("pin_attempts:%s", deviceID)
}

// Verify returns nil when pin matches. It refuses to compare at all while
// the device is locked out.
func (g *PinGuard) Verify(deviceID, pin string) error {
	if len(g.hash) == 0 {
		return status.ErrOverrideNotConfigured
	}

	key := attemptsKey(deviceID)
	attempts, err := g.counters.Count(key)
	if err != nil {
		return err
	}
	if attempts >= g.maxAttempts {
		return status.ErrOverrideLocked
	}

	if err := bcrypt.CompareHashAndPassword(g.hash, []byte(pin)); err != nil {
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return fmt.Errorf("override pin hash unusable: %w", err)
		}
		if _, err := g.counters.Increment(key, g.lockout); err != nil {
			return err
		}
		return status.ErrOverrideInvalidPIN
	}

	return g.counters.Reset(key)
}

// HashPIN produces the value stored in OVERRIDE_PIN_HASH.
func HashPIN(pin string) (string, error) {
	if len(pin) < 4 {
		return "", errors.New("pin must be at least 4 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
