package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gate-system/config"
	"gate-system/internal/authority"
	"gate-system/internal/clock"
	"gate-system/internal/status"
	"gate-system/models"
)

type deviceBackoff struct {
	delay time.Duration
	until time.Time
}

// Reconciler replays the offline queue against the authority. Devices sync
// concurrently; each device's queue goes strictly oldest first and stops at
// the first transient failure so later scans never overtake earlier ones.
type Reconciler struct {
	authority    authority.Authority
	stores       Stores
	connectivity *ConnectivityMonitor
	audit        AuditLog
	events       Broadcaster

	batchSize      int
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	interval       time.Duration
	timeout        time.Duration

	Clock   clock.Clock
	Metrics Tracker

	syncing atomic.Bool
	trigger chan struct{}

	mu         sync.Mutex
	lastSyncAt *time.Time
	backoff    map[string]deviceBackoff
}

func NewReconciler(
	auth authority.Authority,
	stores Stores,
	connectivity *ConnectivityMonitor,
	audit AuditLog,
	events Broadcaster,
	cfg *config.Config,
) *Reconciler {
	r := &Reconciler{
		authority:      auth,
		stores:         stores,
		connectivity:   connectivity,
		audit:          audit,
		events:         events,
		batchSize:      cfg.SyncBatchSize,
		maxAttempts:    cfg.SyncMaxAttempts,
		initialBackoff: cfg.SyncInitialBackoff,
		maxBackoff:     cfg.SyncMaxBackoff,
		interval:       cfg.SyncInterval,
		timeout:        cfg.ScanTimeout,
		Clock:          clock.NewSystem(),
		Metrics:        nopTracker{},
		trigger:        make(chan struct{}, 1),
		backoff:        make(map[string]deviceBackoff),
	}
	if r.events == nil {
		r.events = nopBroadcaster{}
	}
	if r.batchSize <= 0 {
		r.batchSize = 50
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 8
	}
	if r.initialBackoff <= 0 {
		r.initialBackoff = 2 * time.Second
	}
	if r.maxBackoff < r.initialBackoff {
		r.maxBackoff = r.initialBackoff
	}
	if r.timeout <= 0 {
		r.timeout = 3 * time.Second
	}

	connectivity.OnReconnect(r.reconnected)
	return r
}

// reconnected clears every device's backoff and asks for a sync.
func (r *Reconciler) reconnected() {
	r.mu.Lock()
	r.backoff = make(map[string]deviceBackoff)
	r.mu.Unlock()

	r.Trigger()
}

// Trigger asks Run for a sync without waiting for it.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run syncs on every trigger and on the interval while scans are pending.
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.trigger:
		case <-ticker.C:
			stats, err := r.stores.Queue.Stats()
			if err != nil || stats.Pending == 0 || !r.connectivity.Online() {
				continue
			}
		}

		report, err := r.Sync(ctx, true)
		if err != nil {
			if !errors.Is(err, status.ErrSyncInProgress) {
				slog.Error("background sync failed", "error", err)
			}
			continue
		}
		if report.Total > 0 {
			slog.Info("background sync finished",
				"total", report.Total,
				"success", report.Success,
				"failed", report.Failed,
				"conflicts", report.Conflicts,
				"deferred", report.Deferred,
			)
		}
	}
}

// PerformManualSync drains every device now, ignoring backoff.
func (r *Reconciler) PerformManualSync(ctx context.Context) (models.SyncReport, error) {
	return r.Sync(ctx, false)
}

func (r *Reconciler) SyncStatus() (models.SyncStatus, error) {
	stats, err := r.stores.Queue.Stats()
	if err != nil {
		return models.SyncStatus{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	st := models.SyncStatus{
		Pending: stats.Pending,
		Failed:  stats.Failed,
		Syncing: r.syncing.Load(),
		Online:  r.connectivity.Online(),
	}
	if r.lastSyncAt != nil {
		at := *r.lastSyncAt
		st.LastSyncAt = &at
	}
	return st, nil
}

// Sync pushes every device's pending scans. Devices in backoff are skipped
// when respectBackoff is set and their scans count as deferred.
func (r *Reconciler) Sync(ctx context.Context, respectBackoff bool) (models.SyncReport, error) {
	if !r.syncing.CompareAndSwap(false, true) {
		return models.SyncReport{}, status.ErrSyncInProgress
	}
	defer r.syncing.Store(false)

	devices, err := r.stores.Queue.Devices()
	if err != nil {
		return models.SyncReport{}, err
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		report models.SyncReport
	)
	for _, deviceID := range devices {
		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()

			var dr models.SyncReport
			if respectBackoff && r.inBackoff(deviceID) {
				pending, err := r.stores.Queue.Pending(deviceID)
				if err == nil {
					dr.Deferred = len(pending)
				}
			} else {
				dr = r.syncDevice(ctx, deviceID)
			}

			mu.Lock()
			report.Add(dr)
			mu.Unlock()
		}(deviceID)
	}
	wg.Wait()

	report.Total = report.Success + report.Failed + report.Deferred

	now := r.Clock.Now()
	r.mu.Lock()
	r.lastSyncAt = &now
	r.mu.Unlock()

	return report, nil
}

func (r *Reconciler) inBackoff(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.backoff[deviceID]
	return ok && r.Clock.Now().Before(b.until)
}

// backOff doubles the device's delay, starting at the initial backoff.
func (r *Reconciler) backOff(deviceID string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.backoff[deviceID]
	if b.delay == 0 {
		b.delay = r.initialBackoff
	} else {
		b.delay *= 2
		if b.delay > r.maxBackoff {
			b.delay = r.maxBackoff
		}
	}
	b.until = r.Clock.Now().Add(b.delay)
	r.backoff[deviceID] = b
	return b.delay
}

func (r *Reconciler) clearBackoff(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.backoff, deviceID)
}

func (r *Reconciler) syncDevice(ctx context.Context, deviceID string) models.SyncReport {
	var report models.SyncReport

	for {
		if ctx.Err() != nil {
			report.Deferred += r.pendingCount(deviceID)
			return report
		}

		batch, err := r.stores.Queue.PeekBatch(deviceID, r.batchSize)
		if err != nil {
			slog.Error("failed to read offline queue", "device_id", deviceID, "error", err)
			return report
		}
		if len(batch) == 0 {
			r.clearBackoff(deviceID)
			return report
		}

		for _, item := range batch {
			outcome, err := r.syncOne(ctx, item)
			if err != nil {
				if r.transientFailure(deviceID, item, err) {
					report.Failed++
				}
				report.Deferred += r.pendingCount(deviceID)
				return report
			}

			report.Add(outcome)
		}
	}
}

func (r *Reconciler) pendingCount(deviceID string) int {
	pending, err := r.stores.Queue.Pending(deviceID)
	if err != nil {
		return 0
	}
	return len(pending)
}

// transientFailure counts the attempt and backs the device off. It reports
// whether the scan ran out of attempts and moved to the failed list.
func (r *Reconciler) transientFailure(deviceID string, item models.QueuedScan, cause error) bool {
	r.connectivity.ReportFailure(cause)
	delay := r.backOff(deviceID)

	attempts, err := r.stores.Queue.RecordAttempt(deviceID, item.Seq, cause.Error())
	if err != nil {
		slog.Error("failed to record sync attempt", "device_id", deviceID, "seq", item.Seq, "error", err)
		return false
	}

	slog.Warn("offline scan sync failed, backing off",
		"device_id", deviceID,
		"scan_id", item.ScanID,
		"attempts", attempts,
		"retry_in", delay,
		"error", cause,
	)

	if attempts < r.maxAttempts {
		r.Metrics.TrackSync("retry")
		return false
	}

	message := fmt.Sprintf("gave up after %d attempts: %v", attempts, cause)
	if err := r.stores.Queue.MarkFailed(deviceID, item.Seq, models.ResultNetworkError, message); err != nil {
		slog.Error("failed to mark scan failed", "device_id", deviceID, "seq", item.Seq, "error", err)
		return false
	}
	r.recordHistory(item, models.ResultNetworkError, false, message, item.Direction, nil)
	r.Metrics.TrackSync("network_error")
	return true
}

// syncOne submits one queued scan and applies the outcome locally. Errors
// are transport failures only.
func (r *Reconciler) syncOne(ctx context.Context, item models.QueuedScan) (models.SyncReport, error) {
	resp, err := r.submit(ctx, item)
	if err != nil {
		return models.SyncReport{}, err
	}

	switch {
	case resp.Success:
		return r.applyAccepted(ctx, item, resp)
	case resp.ConflictResolved:
		return r.applyConflict(ctx, item, resp)
	default:
		return r.applyRejected(item, resp)
	}
}

func (r *Reconciler) submit(ctx context.Context, item models.QueuedScan) (*authority.SyncResponse, error) {
	req := authority.ScanRequest{
		ScanID:      item.ScanID,
		TicketID:    item.TicketID,
		EventID:     item.EventID,
		ScannedBy:   item.StaffID,
		DeviceID:    item.DeviceID,
		Method:      item.Method,
		ScannedAt:   item.ScannedAt,
		Force:       item.Override,
		ForceReason: item.OverrideReason,
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if item.Kind != models.KindVipPass {
		return r.authority.SyncOfflineScan(callCtx, req)
	}

	resp, err := r.authority.CheckInVipGuestAtomic(callCtx, req)
	if err != nil {
		return nil, err
	}
	return syncFromGuestCheckIn(resp), nil
}

// syncFromGuestCheckIn reads a guest pass answer as a sync outcome. A pass
// somebody else already used is a lost conflict, not a hard rejection.
func syncFromGuestCheckIn(resp *authority.ScanResponse) *authority.SyncResponse {
	out := &authority.SyncResponse{
		Success:      resp.Accepted,
		Reason:       resp.Reason,
		ErrorMessage: resp.ErrorMessage,
		Status:       resp.Status,
		Direction:    resp.Direction,
		Inside:       resp.Inside,
		EntryCount:   resp.EntryCount,
		ExitCount:    resp.ExitCount,
		Duplicate:    resp.Duplicate,
		Overridden:   resp.Overridden,
	}
	if resp.AlreadyScanned {
		out.ConflictResolved = true
		out.Reason = models.ResultConflictLoser
		out.WinnerDevice = resp.ScannedDevice
		out.WinnerTime = resp.ScannedAt
	}
	return out
}

func (r *Reconciler) applyAccepted(ctx context.Context, item models.QueuedScan, resp *authority.SyncResponse) (models.SyncReport, error) {
	if err := r.stores.Queue.Dequeue(item.DeviceID, item.Seq); err != nil {
		return models.SyncReport{}, err
	}

	now := r.Clock.Now()
	update := updateFromSync(item, resp, now)
	r.applyUpdate(update)

	direction := resp.Direction
	if direction == "" {
		direction = item.Direction
	}
	r.recordHistory(item, models.ResultAccepted, true, "", direction, nil)

	if !resp.Duplicate {
		if err := r.events.TicketChanged(ctx, models.TicketChange{EventID: item.EventID, Update: update}); err != nil {
			slog.Warn("failed to broadcast ticket change", "ticket_id", item.TicketID, "error", err)
		}
	}

	if resp.Displaced != nil {
		notice := models.VoidNotice{
			ScanID:       resp.Displaced.ScanID,
			TicketID:     item.TicketID,
			EventID:      item.EventID,
			DeviceID:     resp.Displaced.DeviceID,
			WinnerDevice: item.DeviceID,
			WinnerTime:   item.ScannedAt,
			IssuedAt:     now,
		}
		slog.Warn("offline scan displaced a later acceptance",
			"ticket_id", item.TicketID,
			"winner_scan_id", item.ScanID,
			"displaced_scan_id", notice.ScanID,
			"displaced_device", notice.DeviceID,
		)
		r.Metrics.TrackSync("displaced")
		r.voided(ctx, notice)
	}

	r.Metrics.TrackSync("accepted")
	return models.SyncReport{Success: 1}, nil
}

func (r *Reconciler) applyConflict(ctx context.Context, item models.QueuedScan, resp *authority.SyncResponse) (models.SyncReport, error) {
	if err := r.stores.Queue.Dequeue(item.DeviceID, item.Seq); err != nil {
		return models.SyncReport{}, err
	}

	now := r.Clock.Now()
	notice := models.VoidNotice{
		ScanID:       item.ScanID,
		TicketID:     item.TicketID,
		EventID:      item.EventID,
		DeviceID:     item.DeviceID,
		WinnerDevice: resp.WinnerDevice,
		IssuedAt:     now,
	}
	if resp.WinnerTime != nil {
		notice.WinnerTime = *resp.WinnerTime
	}

	if resp.Status != "" {
		r.applyUpdate(updateFromSync(item, resp, now))
	}

	winner := &models.ScanMeta{ScannedAt: notice.WinnerTime, DeviceID: notice.WinnerDevice}
	r.recordHistory(item, models.ResultConflictLoser, false, notice.Message(), item.Direction, winner)

	slog.Warn("offline scan lost conflict",
		"scan_id", item.ScanID,
		"ticket_id", item.TicketID,
		"device_id", item.DeviceID,
		"winner_device", notice.WinnerDevice,
		"winner_time", notice.WinnerTime,
	)
	r.Metrics.TrackSync("conflict")
	r.voided(ctx, notice)

	return models.SyncReport{Failed: 1, Conflicts: 1}, nil
}

func (r *Reconciler) applyRejected(item models.QueuedScan, resp *authority.SyncResponse) (models.SyncReport, error) {
	reason := resp.Reason
	if reason == "" {
		reason = models.ResultInvalid
	}

	if err := r.stores.Queue.MarkFailed(item.DeviceID, item.Seq, reason, resp.ErrorMessage); err != nil {
		return models.SyncReport{}, err
	}
	if resp.Status != "" {
		r.applyUpdate(updateFromSync(item, resp, r.Clock.Now()))
	}
	r.recordHistory(item, reason, false, resp.ErrorMessage, item.Direction, nil)

	slog.Warn("offline scan rejected by authority",
		"scan_id", item.ScanID,
		"ticket_id", item.TicketID,
		"device_id", item.DeviceID,
		"reason", reason,
	)
	r.Metrics.TrackSync("rejected")
	return models.SyncReport{Failed: 1}, nil
}

// voided marks the scan lost locally, audits it and tells the scan's device.
func (r *Reconciler) voided(ctx context.Context, notice models.VoidNotice) {
	if err := r.stores.History.MarkVoided(notice); err != nil {
		slog.Error("failed to mark scan voided", "scan_id", notice.ScanID, "error", err)
	}
	if r.audit != nil {
		if err := r.audit.RecordVoid(context.WithoutCancel(ctx), notice); err != nil {
			slog.Error("failed to write void audit record", "scan_id", notice.ScanID, "error", err)
		}
	}
	if err := r.events.ScanVoided(ctx, notice); err != nil {
		slog.Warn("failed to publish void notice", "scan_id", notice.ScanID, "device_id", notice.DeviceID, "error", err)
	}
}

func (r *Reconciler) applyUpdate(update models.AuthoritativeUpdate) {
	if _, err := r.stores.Cache.ApplyAuthoritativeUpdate(update); err != nil && !errors.Is(err, status.ErrCacheMiss) {
		slog.Error("failed to update local cache", "ticket_id", update.TicketID, "error", err)
	}
}

func (r *Reconciler) recordHistory(item models.QueuedScan, code models.ResultCode, accepted bool, message string, direction models.Direction, winner *models.ScanMeta) {
	err := r.stores.History.Record(models.ResolvedScan{
		ScanAttempt: item.ScanAttempt,
		Code:        code,
		Accepted:    accepted,
		Message:     message,
		Offline:     true,
		Direction:   direction,
		Winner:      winner,
		Overridden:  item.Override,
		ResolvedAt:  r.Clock.Now(),
	})
	if err != nil {
		slog.Error("failed to record scan history", "scan_id", item.ScanID, "error", err)
	}
}

func updateFromSync(item models.QueuedScan, resp *authority.SyncResponse, now time.Time) models.AuthoritativeUpdate {
	update := models.AuthoritativeUpdate{
		TicketID:   item.TicketID,
		Status:     resp.Status,
		Inside:     resp.Inside,
		EntryCount: resp.EntryCount,
		ExitCount:  resp.ExitCount,
		SyncedAt:   now,
	}
	switch {
	case resp.Success:
		at := item.ScannedAt
		update.ScannedAt = &at
		update.ScannedBy = item.StaffID
		update.ScannedDevice = item.DeviceID
	case resp.ConflictResolved && resp.WinnerTime != nil:
		update.ScannedAt = resp.WinnerTime
		update.ScannedDevice = resp.WinnerDevice
	}
	return update
}
