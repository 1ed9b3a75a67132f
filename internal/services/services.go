// Package services holds the gate agent's scan, sync, VIP and override
// logic on top of the local store and the remote authority.
package services

import (
	"context"
	"time"

	"gate-system/internal/localstore"
	"gate-system/models"
)

// Stores groups the device-local state shared by the services.
type Stores struct {
	Cache   *localstore.LocalCache
	Queue   *localstore.ScanQueue
	History *localstore.History
}

// NewStores opens the cache, queue and history on one badger store.
func NewStores(store *localstore.Store, historyRetention time.Duration) Stores {
	return Stores{
		Cache:   localstore.NewLocalCache(store),
		Queue:   localstore.NewScanQueue(store),
		History: localstore.NewHistory(store, historyRetention),
	}
}

// Broadcaster tells peer gates about authoritative outcomes.
type Broadcaster interface {
	TicketChanged(ctx context.Context, change models.TicketChange) error
	ScanVoided(ctx context.Context, notice models.VoidNotice) error
}

type AuditLog interface {
	RecordOverride(ctx context.Context, record models.OverrideRecord) error
	RecordVoid(ctx context.Context, notice models.VoidNotice) error
	RecentOverrides(ctx context.Context, deviceID string, limit int) ([]models.OverrideRecord, error)
}

// Tracker receives operational counters; monitoring.Monitor implements it.
type Tracker interface {
	TrackScan(code, path string, took time.Duration)
	TrackSync(outcome string)
	TrackOverride(event string)
	SetOnline(online bool)
	SetBreakerState(name string, state int)
}

type nopBroadcaster struct{}

func (nopBroadcaster) TicketChanged(context.Context, models.TicketChange) error { return nil }
func (nopBroadcaster) ScanVoided(context.Context, models.VoidNotice) error      { return nil }

type nopTracker struct{}

func (nopTracker) TrackScan(string, string, time.Duration) {}
func (nopTracker) TrackSync(string)                        {}
func (nopTracker) TrackOverride(string)                    {}
func (nopTracker) SetOnline(bool)                          {}
func (nopTracker) SetBreakerState(string, int)             {}
