package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/redis/go-redis/v9"

	"gate-system/config"
	"gate-system/internal/authority"
	"gate-system/internal/clock"
	"gate-system/internal/localstore"
	"gate-system/internal/realtime"
	"gate-system/internal/services"
	"gate-system/monitoring"
	"gate-system/security"
	"gate-system/utils"
)

// agent is one gate: the local store, the authority client and the
// services built on them.
type agent struct {
	cfg   *config.Config
	store *localstore.Store
	redis *redis.Client
	auth  authority.Authority
	hub   realtime.Hub

	stores       services.Stores
	connectivity *services.ConnectivityMonitor
	overrides    *services.OverrideManager
	audit        services.AuditLog
	scans        *services.ScanService
	reconciler   *services.Reconciler
	cache        *services.CacheService
	vip          *services.VipService
	dispatcher   *realtime.Dispatcher
	monitor      *monitoring.Monitor

	mu        sync.Mutex
	following map[string]bool
}

// newAuthority connects to the configured authority. The redis client is
// nil in memory mode.
func newAuthority(cfg *config.Config) (authority.Authority, *redis.Client, error) {
	rule := authority.Rule(cfg.ArbitrationRule)

	if cfg.AuthorityMode == config.AuthorityMemory {
		mem := authority.NewMemoryAuthority(rule)
		if cfg.SeedFile != "" {
			if err := seedFromFile(context.Background(), mem, cfg.SeedFile); err != nil {
				return nil, nil, err
			}
		}
		slog.Warn("using in-process scan authority, accept decisions are not shared between gates")
		return mem, nil, nil
	}

	client := utils.NewRedisClient(cfg.RedisURL)
	return authority.NewRedisAuthority(client, rule, cfg.ScanResultTTL), client, nil
}

func seedFromFile(ctx context.Context, loader authority.Loader, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}

	var snapshot authority.Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return fmt.Errorf("decode seed file %s: %w", path, err)
	}

	if err := loader.Load(ctx, snapshot); err != nil {
		return fmt.Errorf("seed authority: %w", err)
	}

	slog.Info("authority seeded",
		"events", len(snapshot.Events),
		"tickets", len(snapshot.Tickets),
		"reservations", len(snapshot.Reservations),
		"passes", len(snapshot.Passes),
	)
	return nil
}

func newAgent(cfg *config.Config, audit services.AuditLog) (*agent, error) {
	store, err := localstore.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	auth, redisClient, err := newAuthority(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &agent{
		cfg:       cfg,
		store:     store,
		redis:     redisClient,
		auth:      auth,
		hub:       realtime.NewHub(cfg),
		audit:     audit,
		stores:    services.NewStores(store, cfg.HistoryRetention),
		following: make(map[string]bool),
	}

	events := realtime.NewBroadcaster(a.hub, cfg.GateID)
	guard := security.NewPinGuard(cfg.OverridePINHash, store, cfg.OverrideMaxPINAttempts, cfg.OverrideLockout)

	a.connectivity = services.NewConnectivityMonitor(auth, cfg.ConnectivityCheckInterval)
	a.overrides = services.NewOverrideManager(guard, cfg.OverrideTTL, clock.NewSystem())
	a.scans = services.NewScanService(auth, a.stores, a.connectivity, a.overrides, audit, events, cfg)
	a.reconciler = services.NewReconciler(auth, a.stores, a.connectivity, audit, events, cfg)
	a.cache = services.NewCacheService(auth, a.stores, events)
	a.vip = services.NewVipService(auth, a.stores, a.connectivity, events)
	a.dispatcher = realtime.NewDispatcher(a.hub, services.NewChangeApplier(a.stores), cfg.GateID)

	if cfg.EnableMetrics {
		a.monitor = monitoring.NewMonitor(a.stores.Queue, 0)
		a.connectivity.SetTracker(a.monitor)
		a.overrides.SetTracker(a.monitor)
		a.scans.Metrics = a.monitor
		a.reconciler.Metrics = a.monitor
	}

	if cfg.OverridePINHash == "" {
		slog.Warn("OVERRIDE_PIN_HASH not set, override mode is disabled")
	}

	return a, nil
}

// run starts the background loops. They stop when ctx is done.
func (a *agent) run(ctx context.Context) {
	go a.connectivity.Run(ctx)
	go a.reconciler.Run(ctx)
	if a.monitor != nil {
		go a.monitor.Run(ctx)
	}

	go func() {
		if err := a.dispatcher.Run(ctx, realtime.DeviceTopic(a.cfg.DefaultDeviceID)); err != nil && ctx.Err() == nil {
			slog.Error("device notice feed stopped", "device_id", a.cfg.DefaultDeviceID, "error", err)
		}
	}()

	for _, eventID := range a.cfg.EventIDs {
		a.follow(ctx, eventID)
	}
	if len(a.cfg.EventIDs) > 0 {
		go a.primeConfigured(ctx)
	}
}

// follow subscribes to an event's change feed once.
func (a *agent) follow(ctx context.Context, eventID string) {
	a.mu.Lock()
	if a.following[eventID] {
		a.mu.Unlock()
		return
	}
	a.following[eventID] = true
	a.mu.Unlock()

	go func() {
		if err := a.dispatcher.Run(ctx, realtime.TicketTopic(eventID)); err != nil && ctx.Err() == nil {
			slog.Error("event change feed stopped", "event_id", eventID, "error", err)
		}

		a.mu.Lock()
		delete(a.following, eventID)
		a.mu.Unlock()
	}()
}

// primeConfigured primes the configured events if the authority answers.
// An offline start keeps whatever cache is already on disk.
func (a *agent) primeConfigured(ctx context.Context) {
	if !a.connectivity.Check(ctx) {
		slog.Warn("authority unreachable at startup, serving from the existing cache")
		return
	}

	for _, eventID := range a.cfg.EventIDs {
		n, err := a.cache.PrimeCache(ctx, eventID)
		if err != nil {
			slog.Error("failed to prime event", "event_id", eventID, "error", err)
			continue
		}
		slog.Info("event primed", "event_id", eventID, "entries", n)
	}
}

func (a *agent) Close() {
	if err := a.hub.Close(); err != nil {
		slog.Warn("failed to close realtime hub", "error", err)
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		slog.Error("failed to close local store", "error", err)
	}
}
