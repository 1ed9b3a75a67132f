package cmd

import (
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"

	"gate-system/internal/handlers"
)

type gateHandlers struct {
	scan     *handlers.ScanHandler
	sync     *handlers.SyncHandler
	cache    *handlers.CacheHandler
	override *handlers.OverrideHandler
	vip      *handlers.VipHandler
}

// registerRoutes mounts the gate API. Queue removal and retry change what
// reaches the authority, so they need a superuser like the admin routes.
func registerRoutes(r *router.Router[*core.RequestEvent], h gateHandlers) {
	// Scan endpoints
	r.POST("/api/v1/scan", h.scan.Scan)
	r.GET("/api/v1/scans/history", h.scan.History)
	r.GET("/api/v1/notices", h.scan.Notices)

	// Sync endpoints
	r.GET("/api/v1/sync/status", h.sync.GetSyncStatus)
	r.POST("/api/v1/sync", h.sync.Sync)

	// Queue endpoints
	r.GET("/api/v1/queue", h.sync.GetQueue)
	r.POST("/api/v1/queue/remove", h.sync.RemoveQueued).Bind(apis.RequireSuperuserAuth())
	r.POST("/api/v1/queue/retry-failed", h.sync.RetryFailed).Bind(apis.RequireSuperuserAuth())

	// Cache endpoints
	r.POST("/api/v1/cache/prime", h.cache.PrimeCache)
	r.GET("/api/v1/cache/tickets/{ticketId}", h.cache.GetTicket)

	// Override endpoints
	r.POST("/api/v1/override/activate", h.override.Activate)
	r.POST("/api/v1/override/deactivate", h.override.Deactivate)
	r.GET("/api/v1/override/session", h.override.GetSession)

	// VIP endpoints
	r.POST("/api/v1/vip/reservations/{reservationId}/checkin", h.vip.CheckInReservation)

	// Admin endpoints
	r.POST("/api/v1/admin/tickets/{ticketId}/reset", h.cache.ResetTicket).Bind(apis.RequireSuperuserAuth())
	r.GET("/api/v1/admin/overrides", h.override.GetAudit).Bind(apis.RequireSuperuserAuth())
}
