package cmd

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gate-system/config"
	"gate-system/internal/handlers"
	"gate-system/internal/services"
	_ "gate-system/migrations"
	"gate-system/utils"
)

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}

	// The agent opens the badger store, so only the command that needs it builds it.
	var (
		once     sync.Once
		gate     *agent
		agentErr error
	)
	getAgent := func() (*agent, error) {
		once.Do(func() {
			gate, agentErr = newAgent(cfg, services.NewPocketBaseAuditLog(app))
		})
		return gate, agentErr
	}

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: cfg.Environment == "development",
	})

	registerCommands(app, cfg, getAgent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup graceful shutdown
	go handleShutdown(cancel)

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		a, err := getAgent()
		if err != nil {
			return err
		}
		a.run(ctx)

		scanHandler := handlers.NewScanHandler(a.scans, a.stores.History, cfg.DefaultDeviceID, cfg.HistoryLimit)
		syncHandler := handlers.NewSyncHandler(a.reconciler, a.stores.Queue)
		cacheHandler := handlers.NewCacheHandler(a.cache)
		cacheHandler.OnPrimed = func(eventID string) { a.follow(ctx, eventID) }
		overrideHandler := handlers.NewOverrideHandler(a.overrides, a.audit)
		vipHandler := handlers.NewVipHandler(a.vip, cfg.DefaultDeviceID)

		registerRoutes(e.Router, gateHandlers{
			scan:     scanHandler,
			sync:     syncHandler,
			cache:    cacheHandler,
			override: overrideHandler,
			vip:      vipHandler,
		})

		// Health check
		e.Router.GET("/health", func(e *core.RequestEvent) error {
			body := map[string]any{
				"status": "healthy",
				"online": a.connectivity.Online(),
			}
			if !a.connectivity.Online() {
				body["status"] = "offline"
			}
			if a.redis != nil {
				if err := utils.RedisHealthCheck(e.Request.Context(), a.redis); err != nil {
					body["authority_error"] = err.Error()
				}
			}
			if st, err := a.reconciler.SyncStatus(); err == nil {
				body["pending"] = st.Pending
				body["failed"] = st.Failed
			}
			return e.JSON(http.StatusOK, body)
		})

		if cfg.EnableMetrics {
			e.Router.GET("/metrics", apis.WrapStdHandler(promhttp.Handler()))
		}

		log.Println("Gate routes registered", cfg.GateID)

		return e.Next()
	})

	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		cancel()
		if gate != nil {
			gate.Close()
		}
		return e.Next()
	})

	// Start server
	return app.Start()
}

// handleShutdown handles graceful shutdown
func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutdown signal received, cleaning up...")
	cancel()
}
