package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"gate-system/config"
	"gate-system/internal/authority"
	"gate-system/internal/clock"
	"gate-system/internal/localstore"
	"gate-system/models"
	"gate-system/security"
)

const (
	testEvent = "e1"
	testPIN   = "2468"
)

var doorsOpen = time.Date(2026, 10, 14, 21, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		ScanTimeout:            100 * time.Millisecond,
		BreakerMaxRequests:     20,
		BreakerInterval:        time.Minute,
		BreakerTimeout:         15 * time.Second,
		BreakerFailRatio:       0.6,
		SyncBatchSize:          10,
		SyncInterval:           time.Hour,
		SyncMaxAttempts:        3,
		SyncInitialBackoff:     time.Second,
		SyncMaxBackoff:         4 * time.Second,
		OverrideTTL:            10 * time.Minute,
		OverrideMaxPINAttempts: 3,
		OverrideLockout:        15 * time.Minute,
		HistoryRetention:       72 * time.Hour,
	}
}

func seedSnapshot(tickets int) authority.Snapshot {
	snapshot := authority.Snapshot{
		Events: []models.EventSettings{
			{EventID: testEvent, Name: "Friday", EndsAt: doorsOpen.Add(6 * time.Hour)},
			{EventID: "e2", Name: "Saturday"},
		},
		Reservations: []models.VipReservation{
			{ID: "r1", EventID: testEvent, HostName: "Noy", TableName: "T4", GuestCount: 3, MinimumSpend: decimal.RequireFromString("1500.00"), Status: models.ReservationConfirmed},
		},
		Passes: []models.VipGuestPass{
			{ID: "p1", ReservationID: "r1", EventID: testEvent, GuestName: "Guest A", TableName: "T4", Status: models.TicketIssued},
			{ID: "p2", ReservationID: "r1", EventID: testEvent, GuestName: "Guest B", TableName: "T4", Status: models.TicketIssued},
			{ID: "p3", ReservationID: "r1", EventID: testEvent, GuestName: "Guest C", TableName: "T4", Status: models.TicketIssued},
		},
	}
	for i := 0; i < tickets; i++ {
		snapshot.Tickets = append(snapshot.Tickets, models.Ticket{
			ID:        fmt.Sprintf("t%03d", i),
			EventID:   testEvent,
			Status:    models.TicketIssued,
			GuestName: fmt.Sprintf("Guest %d", i),
			Tier:      "general",
		})
	}
	snapshot.Tickets = append(snapshot.Tickets, models.Ticket{ID: "other", EventID: "e2", Status: models.TicketIssued, Tier: "general"})
	return snapshot
}

func seededAuthority(t *testing.T, rule authority.Rule, tickets int) *authority.MemoryAuthority {
	t.Helper()
	a := authority.NewMemoryAuthority(rule)
	require.NoError(t, a.Load(context.Background(), seedSnapshot(tickets)))
	return a
}

// recordingBroadcaster keeps what the services published.
type recordingBroadcaster struct {
	mu      sync.Mutex
	changes []models.TicketChange
	voids   []models.VoidNotice
}

func (b *recordingBroadcaster) TicketChanged(_ context.Context, change models.TicketChange) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.changes = append(b.changes, change)
	return nil
}

func (b *recordingBroadcaster) ScanVoided(_ context.Context, notice models.VoidNotice) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.voids = append(b.voids, notice)
	return nil
}

func (b *recordingBroadcaster) Changes() []models.TicketChange {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.TicketChange(nil), b.changes...)
}

func (b *recordingBroadcaster) Voids() []models.VoidNotice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.VoidNotice(nil), b.voids...)
}

// gate is one gate agent wired the way cmd wires it, on a temp badger dir.
type gate struct {
	auth         authority.Authority
	store        *localstore.Store
	stores       Stores
	clock        *clock.Manual
	cfg          *config.Config
	connectivity *ConnectivityMonitor
	overrides    *OverrideManager
	audit        *MemoryAuditLog
	events       *recordingBroadcaster
	scans        *ScanService
	reconciler   *Reconciler
	cache        *CacheService
	vip          *VipService
	changes      *ChangeApplier
}

func newGate(t *testing.T, auth authority.Authority) *gate {
	t.Helper()

	store, err := localstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte(testPIN), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := testConfig()
	g := &gate{
		auth:   auth,
		store:  store,
		stores: NewStores(store, cfg.HistoryRetention),
		clock:  clock.NewManual(doorsOpen),
		cfg:    cfg,
		audit:  NewMemoryAuditLog(),
		events: &recordingBroadcaster{},
	}

	guard := security.NewPinGuard(string(hash), store, cfg.OverrideMaxPINAttempts, cfg.OverrideLockout)
	g.connectivity = NewConnectivityMonitor(auth, time.Hour)
	g.overrides = NewOverrideManager(guard, cfg.OverrideTTL, g.clock)

	g.scans = NewScanService(auth, g.stores, g.connectivity, g.overrides, g.audit, g.events, cfg)
	g.scans.Clock = g.clock
	g.reconciler = NewReconciler(auth, g.stores, g.connectivity, g.audit, g.events, cfg)
	g.reconciler.Clock = g.clock
	g.cache = NewCacheService(auth, g.stores, g.events)
	g.cache.Clock = g.clock
	g.vip = NewVipService(auth, g.stores, g.connectivity, g.events)
	g.vip.Clock = g.clock
	g.changes = NewChangeApplier(g.stores)

	return g
}

func (g *gate) prime(t *testing.T) int {
	t.Helper()
	n, err := g.cache.PrimeCache(context.Background(), testEvent)
	require.NoError(t, err)
	return n
}

func (g *gate) goOnline(t *testing.T) {
	t.Helper()
	require.True(t, g.connectivity.Check(context.Background()))
}

func (g *gate) scan(t *testing.T, device, credential string) *models.ScanResult {
	t.Helper()
	result, err := g.scans.ValidateScan(context.Background(), ScanInput{
		Credential: credential,
		EventID:    testEvent,
		DeviceID:   device,
		StaffID:    "staff-" + device,
	})
	require.NoError(t, err)
	return result
}

func (g *gate) entry(t *testing.T, ticketID string) *models.LocalCacheEntry {
	t.Helper()
	entry, err := g.stores.Cache.Lookup(ticketID)
	require.NoError(t, err)
	return entry
}

func (g *gate) stats(t *testing.T) localstore.QueueStats {
	t.Helper()
	stats, err := g.stores.Queue.Stats()
	require.NoError(t, err)
	return stats
}

// slowAuthority never answers a scan before the caller gives up.
type slowAuthority struct {
	authority.Authority
}

func (slowAuthority) ScanTicket(ctx context.Context, _ authority.ScanRequest) (*authority.ScanResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
