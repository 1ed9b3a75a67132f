package utils

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFailure = errors.New("failure")

func fail() (any, error)    { return nil, errFailure }
func succeed() (any, error) { return "success", nil }

// newTestBreaker returns a breaker whose clock the test moves by hand.
func newTestBreaker(settings BreakerSettings) (*CircuitBreaker, *time.Time) {
	now := time.Date(2026, 10, 14, 20, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("authority", settings)
	cb.now = func() time.Time { return now }
	cb.toNewGeneration(now)
	return cb, &now
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker("test", BreakerSettings{})

	assert.Equal(t, "test", cb.Name())
	assert.Equal(t, uint32(20), cb.maxRequests)
	assert.Equal(t, 60*time.Second, cb.interval)
	assert.Equal(t, 15*time.Second, cb.timeout)
	assert.Equal(t, 0.6, cb.failureRatio)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_ExecuteCounts(t *testing.T) {
	cb := NewCircuitBreaker("test", BreakerSettings{})
	ctx := context.Background()

	result, err := cb.Execute(ctx, succeed)
	require.NoError(t, err)
	assert.Equal(t, "success", result)

	result, err = cb.Execute(ctx, fail)
	assert.ErrorIs(t, err, errFailure)
	assert.Nil(t, result)

	assert.Equal(t, uint32(2), cb.counts.Requests)
	assert.Equal(t, uint32(1), cb.counts.TotalSuccesses)
	assert.Equal(t, uint32(1), cb.counts.TotalFailures)
}

func TestCircuitBreaker_CancelledContextSkipsCall(t *testing.T) {
	cb := NewCircuitBreaker("test", BreakerSettings{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := cb.Execute(ctx, func() (any, error) {
		t.Fatal("request must not run with a cancelled context")
		return nil, nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, cb.counts.Requests)
}

func TestCircuitBreaker_TripsAndRecovers(t *testing.T) {
	var transitions []string
	cb, now := newTestBreaker(BreakerSettings{
		MaxRequests:  5,
		FailureRatio: 0.6,
		Timeout:      10 * time.Second,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := cb.Execute(ctx, succeed)
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, _ = cb.Execute(ctx, fail)
	}

	assert.Equal(t, StateOpen, cb.State())

	_, err := cb.Execute(ctx, func() (any, error) {
		t.Fatal("request must not run while open")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrOpenState)

	*now = now.Add(11 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	_, err = cb.Execute(ctx, succeed)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreaker(BreakerSettings{MaxRequests: 2, FailureRatio: 0.5, Timeout: time.Second})
	ctx := context.Background()

	_, _ = cb.Execute(ctx, fail)
	_, _ = cb.Execute(ctx, fail)
	require.Equal(t, StateOpen, cb.State())

	*now = now.Add(2 * time.Second)
	_, err := cb.Execute(ctx, fail)
	assert.ErrorIs(t, err, errFailure)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	cb, now := newTestBreaker(BreakerSettings{MaxRequests: 1, FailureRatio: 0.5, Timeout: time.Second})
	ctx := context.Background()

	_, _ = cb.Execute(ctx, fail)
	require.Equal(t, StateOpen, cb.State())
	*now = now.Add(2 * time.Second)

	probe := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = cb.Execute(ctx, func() (any, error) {
			<-probe
			return "ok", nil
		})
	}()

	assert.Eventually(t, func() bool {
		cb.mutex.Lock()
		defer cb.mutex.Unlock()
		return cb.counts.Requests == 1
	}, time.Second, time.Millisecond)

	_, err := cb.Execute(ctx, succeed)
	assert.ErrorIs(t, err, ErrTooManyRequests)

	close(probe)
	<-done
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_StaleGenerationIgnored(t *testing.T) {
	cb, now := newTestBreaker(BreakerSettings{MaxRequests: 1, FailureRatio: 0.5, Interval: time.Minute})
	ctx := context.Background()

	_, err := cb.Execute(ctx, func() (any, error) {
		*now = now.Add(2 * time.Minute)
		return nil, errFailure
	})

	assert.ErrorIs(t, err, errFailure)
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.counts.TotalFailures)
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker("concurrent-test", BreakerSettings{MaxRequests: 1000})
	ctx := context.Background()

	var wg sync.WaitGroup
	numGoroutines := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, _ = cb.Execute(ctx, func() (any, error) {
				if id%10 == 0 {
					return nil, errFailure
				}
				return "success", nil
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint32(numGoroutines), cb.counts.Requests)
	assert.Equal(t, uint32(90), cb.counts.TotalSuccesses)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_PanicRecovery(t *testing.T) {
	cb := NewCircuitBreaker("panic-test", BreakerSettings{})
	ctx := context.Background()

	assert.Panics(t, func() {
		_, _ = cb.Execute(ctx, func() (any, error) {
			panic("test panic")
		})
	})
	assert.Equal(t, uint32(1), cb.counts.TotalFailures)

	result, err := cb.Execute(ctx, func() (any, error) {
		return "recovery", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "recovery", result)
}

func TestCircuitBreaker_ReadyToTrip(t *testing.T) {
	cb := NewCircuitBreaker("trip-test", BreakerSettings{})

	tests := []struct {
		name           string
		requests       uint32
		failures       uint32
		maxRequests    uint32
		failureRatio   float64
		expectedResult bool
	}{
		{"Not enough requests", 5, 5, 10, 0.5, false},
		{"High failure ratio", 10, 8, 10, 0.6, true},
		{"Low failure ratio", 10, 3, 10, 0.6, false},
		{"Exact failure ratio threshold", 10, 6, 10, 0.6, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb.maxRequests = tt.maxRequests
			cb.failureRatio = tt.failureRatio
			cb.counts.Requests = tt.requests
			cb.counts.TotalFailures = tt.failures

			assert.Equal(t, tt.expectedResult, cb.readyToTrip())
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}

// Redis Client Tests

func TestRedisHealthCheck_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()

	mock.ExpectPing().SetVal("PONG")

	err := RedisHealthCheck(context.Background(), db)

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisHealthCheck_Failure(t *testing.T) {
	db, mock := redismock.NewClientMock()

	mock.ExpectPing().SetErr(errors.New("connection failed"))

	err := RedisHealthCheck(context.Background(), db)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis health check failed")
	assert.Contains(t, err.Error(), "connection failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func BenchmarkCircuitBreaker_Execute_Concurrent(b *testing.B) {
	cb := NewCircuitBreaker("benchmark-concurrent", BreakerSettings{})
	ctx := context.Background()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _ = cb.Execute(ctx, succeed)
		}
	})
}
