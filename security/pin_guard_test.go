package security

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gate-system/internal/status"
)

type memoryCounters struct {
	mu     sync.Mutex
	counts map[string]int
	ttls   map[string]time.Duration
}

func newMemoryCounters() *memoryCounters {
	return &memoryCounters{counts: map[string]int{}, ttls: map[string]time.Duration{}}
}

func (m *memoryCounters) Increment(key string, ttl time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
	m.ttls[key] = ttl
	return m.counts[key], nil
}

func (m *memoryCounters) Count(key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key], nil
}

func (m *memoryCounters) Reset(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, key)
	return nil
}

func TestPinGuard_VerifyAndLockout(t *testing.T) {
	hash, err := HashPIN("4821")
	require.NoError(t, err)

	counters := newMemoryCounters()
	guard := NewPinGuard(hash, counters, 3, 15*time.Minute)

	assert.NoError(t, guard.Verify("scanner-1", "4821"))

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, guard.Verify("scanner-1", "0000"), status.ErrOverrideInvalidPIN)
	}
	assert.Equal(t, 15*time.Minute, counters.ttls[attemptsKey("scanner-1")])

	// locked out even with the right pin
	assert.ErrorIs(t, guard.Verify("scanner-1", "4821"), status.ErrOverrideLocked)

	// other devices are unaffected
	assert.NoError(t, guard.Verify("scanner-2", "4821"))
}

func TestPinGuard_SuccessResetsAttempts(t *testing.T) {
	hash, err := HashPIN("4821")
	require.NoError(t, err)

	counters := newMemoryCounters()
	guard := NewPinGuard(hash, counters, 3, time.Minute)

	assert.ErrorIs(t, guard.Verify("scanner-1", "1111"), status.ErrOverrideInvalidPIN)
	assert.ErrorIs(t, guard.Verify("scanner-1", "2222"), status.ErrOverrideInvalidPIN)
	assert.NoError(t, guard.Verify("scanner-1", "4821"))

	count, _ := counters.Count(attemptsKey("scanner-1"))
	assert.Zero(t, count)
}

func TestPinGuard_NotConfigured(t *testing.T) {
	guard := NewPinGuard("", newMemoryCounters(), 3, time.Minute)
	assert.ErrorIs(t, guard.Verify("scanner-1", "4821"), status.ErrOverrideNotConfigured)
}

func TestPinGuard_BrokenHash(t *testing.T) {
	guard := NewPinGuard("not-a-bcrypt-hash", newMemoryCounters(), 3, time.Minute)

	err := guard.Verify("scanner-1", "4821")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, status.ErrOverrideInvalidPIN)
}

func TestHashPIN_RejectsShortPins(t *testing.T) {
	_, err := HashPIN("12")
	assert.Error(t, err)
}
