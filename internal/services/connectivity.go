package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gate-system/internal/authority"
)

const pingTimeout = 2 * time.Second

// ConnectivityMonitor tracks whether the remote authority is reachable.
// The gate starts offline and turns online after the first good ping.
type ConnectivityMonitor struct {
	authority authority.Authority
	interval  time.Duration
	metrics   Tracker

	mu          sync.Mutex
	online      bool
	onReconnect []func()
}

func NewConnectivityMonitor(auth authority.Authority, interval time.Duration) *ConnectivityMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ConnectivityMonitor{
		authority: auth,
		interval:  interval,
		metrics:   nopTracker{},
	}
}

// SetTracker routes online/offline transitions into metrics.
func (c *ConnectivityMonitor) SetTracker(t Tracker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = t
}

func (c *ConnectivityMonitor) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// OnReconnect registers fn to run on every offline to online transition.
func (c *ConnectivityMonitor) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

// ReportFailure flips the monitor offline after a failed remote call so the
// next scans skip the network until a ping succeeds.
func (c *ConnectivityMonitor) ReportFailure(err error) {
	c.set(false, err)
}

// Check pings the authority once and returns the resulting state.
func (c *ConnectivityMonitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	err := c.authority.Ping(ctx)
	c.set(err == nil, err)
	return err == nil
}

// set records the new state and runs the reconnect hooks outside the lock.
func (c *ConnectivityMonitor) set(online bool, err error) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}

	c.online = online
	metrics := c.metrics
	var callbacks []func()
	if online {
		callbacks = append(callbacks, c.onReconnect...)
	}
	c.mu.Unlock()

	metrics.SetOnline(online)
	if online {
		slog.Info("scan authority reachable, gate online")
	} else {
		slog.Warn("scan authority unreachable, gate offline", "error", err)
	}

	for _, fn := range callbacks {
		fn()
	}
}

// Run pings on the configured interval until ctx is done.
func (c *ConnectivityMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}
