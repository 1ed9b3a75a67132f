package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gate-system/config"
	"gate-system/internal/authority"
	"gate-system/internal/clock"
	"gate-system/internal/status"
	"gate-system/models"
	"gate-system/utils"
)

const (
	pathOnline  = "online"
	pathOffline = "offline"
)

// ScanInput is what a scanner device submits.
type ScanInput struct {
	ScanID     string            `json:"scan_id"`
	Credential string            `json:"credential"`
	EventID    string            `json:"event_id"`
	DeviceID   string            `json:"device_id"`
	StaffID    string            `json:"staff_id"`
	Method     models.ScanMethod `json:"method"`
}

// ScanService decides every scan. It asks the remote authority when online
// and falls back to the local cache and offline queue otherwise.
type ScanService struct {
	authority    authority.Authority
	stores       Stores
	connectivity *ConnectivityMonitor
	overrides    *OverrideManager
	audit        AuditLog
	events       Broadcaster
	breaker      *utils.CircuitBreaker
	timeout      time.Duration

	Clock   clock.Clock
	Metrics Tracker

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewScanService(
	auth authority.Authority,
	stores Stores,
	connectivity *ConnectivityMonitor,
	overrides *OverrideManager,
	audit AuditLog,
	events Broadcaster,
	cfg *config.Config,
) *ScanService {
	s := &ScanService{
		authority:    auth,
		stores:       stores,
		connectivity: connectivity,
		overrides:    overrides,
		audit:        audit,
		events:       events,
		timeout:      cfg.ScanTimeout,
		Clock:        clock.NewSystem(),
		Metrics:      nopTracker{},
		inFlight:     make(map[string]struct{}),
	}
	if s.events == nil {
		s.events = nopBroadcaster{}
	}

	s.breaker = utils.NewCircuitBreaker("scan-authority", utils.BreakerSettings{
		MaxRequests:  cfg.BreakerMaxRequests,
		Interval:     cfg.BreakerInterval,
		Timeout:      cfg.BreakerTimeout,
		FailureRatio: cfg.BreakerFailRatio,
		OnStateChange: func(name string, from, to utils.State) {
			slog.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			s.Metrics.SetBreakerState(name, int(to))
		},
	})

	return s
}

// ValidateScan is the single entry point for a physical scan. Network
// trouble never surfaces as an error: the scan is decided offline instead.
func (s *ScanService) ValidateScan(ctx context.Context, in ScanInput) (*models.ScanResult, error) {
	if err := normalizeInput(&in); err != nil {
		return nil, err
	}

	if in.ScanID != "" {
		previous, err := s.stores.History.Get(in.ScanID)
		if err != nil {
			return nil, err
		}
		if previous != nil {
			return resultFromHistory(*previous), nil
		}
	} else {
		in.ScanID = uuid.NewString()
	}

	if !s.acquire(in.DeviceID) {
		return nil, status.ErrScanInProgress
	}
	defer s.release(in.DeviceID)

	started := time.Now()
	now := s.Clock.Now()

	cred, err := ParseCredential(in.Credential)
	if err != nil {
		result := &models.ScanResult{
			ScanID:    in.ScanID,
			Code:      models.ResultInvalid,
			Message:   "unreadable credential",
			Display:   models.HintFor(models.ResultInvalid),
			DecidedAt: now,
		}
		s.Metrics.TrackScan(string(result.Code), pathOffline, time.Since(started))
		return result, nil
	}

	entry, err := s.stores.Cache.Lookup(cred.TicketID)
	if err != nil && !errors.Is(err, status.ErrCacheMiss) {
		return nil, err
	}
	if entry != nil {
		cred.Kind = entry.Kind
	}

	attempt := models.ScanAttempt{
		ScanID:    in.ScanID,
		TicketID:  cred.TicketID,
		Kind:      cred.Kind,
		EventID:   in.EventID,
		DeviceID:  in.DeviceID,
		StaffID:   in.StaffID,
		ScannedAt: now,
		Method:    in.Method,
	}
	session := s.overrides.Session(in.DeviceID)

	online := s.connectivity.Online()
	if online {
		// A queued offline acceptance of this ticket must reach the authority
		// before any later scan of it, so the cache decides until it drains.
		unsynced, err := s.stores.Queue.Unsynced(cred.TicketID)
		if err != nil {
			return nil, err
		}
		if unsynced {
			slog.Info("ticket has unsynced offline scans, deciding offline",
				"scan_id", attempt.ScanID,
				"ticket_id", attempt.TicketID,
				"device_id", attempt.DeviceID,
			)
			online = false
		}
	}

	if online {
		result, err := s.scanOnline(ctx, cred, attempt, session)
		if err == nil {
			s.Metrics.TrackScan(string(result.Code), pathOnline, time.Since(started))
			return result, nil
		}

		s.connectivity.ReportFailure(err)
		slog.Warn("online scan failed, deciding offline",
			"scan_id", attempt.ScanID,
			"ticket_id", attempt.TicketID,
			"device_id", attempt.DeviceID,
			"error", err,
		)
	}

	result, err := s.scanOffline(ctx, cred, entry, attempt, session)
	if err != nil {
		return nil, err
	}
	s.Metrics.TrackScan(string(result.Code), pathOffline, time.Since(started))
	return result, nil
}

func normalizeInput(in *ScanInput) error {
	in.EventID = strings.TrimSpace(in.EventID)
	in.DeviceID = strings.TrimSpace(in.DeviceID)
	in.ScanID = strings.TrimSpace(in.ScanID)

	if in.EventID == "" || in.DeviceID == "" || strings.Contains(in.DeviceID, "/") {
		return status.ErrInvalidRequest
	}
	if in.Method == "" {
		in.Method = models.MethodQR
	}
	if !in.Method.Valid() {
		return fmt.Errorf("%w: unknown method %q", status.ErrInvalidRequest, in.Method)
	}
	return nil
}

func (s *ScanService) acquire(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.inFlight[deviceID]; busy {
		return false
	}
	s.inFlight[deviceID] = struct{}{}
	return true
}

func (s *ScanService) release(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, deviceID)
}

// scanOnline asks the authority. Returned errors are transport failures;
// rejections come back as results.
func (s *ScanService) scanOnline(ctx context.Context, cred Credential, attempt models.ScanAttempt, session *models.OverrideSession) (*models.ScanResult, error) {
	req := authority.ScanRequest{
		ScanID:    attempt.ScanID,
		TicketID:  attempt.TicketID,
		EventID:   attempt.EventID,
		ScannedBy: attempt.StaffID,
		DeviceID:  attempt.DeviceID,
		Method:    attempt.Method,
		ScannedAt: attempt.ScannedAt,
		Signature: cred.Signature,
	}
	if session.ActiveAt(attempt.ScannedAt) {
		req.Force = true
		req.ForceReason = session.Reason
	}

	// A submitted scan is not cancellable: the caller going away must not
	// leave the authority and the gate disagreeing.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	out, err := s.breaker.Execute(callCtx, func() (interface{}, error) {
		if attempt.Kind == models.KindVipPass {
			return s.authority.CheckInVipGuestAtomic(callCtx, req)
		}
		return s.authority.ScanTicket(callCtx, req)
	})
	if err != nil {
		return nil, err
	}
	resp, ok := out.(*authority.ScanResponse)
	if !ok || resp == nil {
		return nil, fmt.Errorf("scan authority returned no response")
	}

	now := s.Clock.Now()
	result := resultFromResponse(attempt, resp, now)

	if resp.Status != "" {
		update := updateFromScan(attempt.TicketID, resp, now)
		if _, err := s.stores.Cache.ApplyAuthoritativeUpdate(update); err != nil && !errors.Is(err, status.ErrCacheMiss) {
			slog.Error("failed to update local cache", "ticket_id", attempt.TicketID, "error", err)
		}
		if resp.Accepted && !resp.Duplicate {
			change := models.TicketChange{EventID: attempt.EventID, Update: update}
			if err := s.events.TicketChanged(ctx, change); err != nil {
				slog.Warn("failed to broadcast ticket change", "ticket_id", attempt.TicketID, "error", err)
			}
		}
	}

	if resp.Overridden && !resp.Duplicate && session != nil {
		attempt.Override = true
		attempt.OverrideBy = session.ActivatedBy
		attempt.OverrideReason = session.Reason
		s.recordOverride(ctx, attempt, "", false)
	}

	s.recordHistory(attempt, result, nil)
	return result, nil
}

func (s *ScanService) scanOffline(ctx context.Context, cred Credential, entry *models.LocalCacheEntry, attempt models.ScanAttempt, session *models.OverrideSession) (*models.ScanResult, error) {
	settings, err := s.stores.Cache.Settings(attempt.EventID)
	if err != nil && !errors.Is(err, status.ErrEventNotPrimed) {
		return nil, err
	}

	decision := Validate(cred, entry, settings, ScanContext{
		EventID:  attempt.EventID,
		DeviceID: attempt.DeviceID,
		StaffID:  attempt.StaffID,
		Now:      attempt.ScannedAt,
		Override: session,
	})

	result := &models.ScanResult{
		ScanID:     attempt.ScanID,
		Code:       decision.Code,
		Accepted:   decision.Accepted,
		Message:    decision.Message,
		TicketID:   attempt.TicketID,
		Kind:       attempt.Kind,
		Direction:  decision.Direction,
		Offline:    true,
		Overridden: decision.Overridden,
		Original:   decision.Original,
		Display:    models.HintFor(decision.Code),
		DecidedAt:  s.Clock.Now(),
	}
	shown := entry
	if decision.Entry != nil {
		shown = decision.Entry
	}
	if shown != nil {
		result.GuestName = shown.GuestName
		result.Tier = shown.Tier
		result.EntryCount = shown.EntryCount
		result.ExitCount = shown.ExitCount
	}

	if decision.Accepted {
		if decision.Overridden {
			attempt.Override = true
			attempt.OverrideBy = session.ActivatedBy
			attempt.OverrideReason = session.Reason
		}

		queued, err := s.stores.Queue.Enqueue(attempt, decision.Direction)
		if err != nil {
			return nil, fmt.Errorf("queue offline scan: %w", err)
		}
		if err := s.stores.Cache.Put(*decision.Entry); err != nil {
			slog.Error("failed to store offline acceptance in cache", "ticket_id", attempt.TicketID, "error", err)
		}
		result.Queued = true

		slog.Info("scan accepted offline",
			"scan_id", attempt.ScanID,
			"ticket_id", attempt.TicketID,
			"device_id", attempt.DeviceID,
			"seq", queued.Seq,
		)

		if decision.Overridden {
			s.recordOverride(ctx, attempt, decision.Bypassed, true)
		}
	}

	s.recordHistory(attempt, result, nil)
	return result, nil
}

func (s *ScanService) recordOverride(ctx context.Context, attempt models.ScanAttempt, bypassed models.ResultCode, offline bool) {
	record := models.OverrideRecord{
		ScanID:      attempt.ScanID,
		TicketID:    attempt.TicketID,
		EventID:     attempt.EventID,
		DeviceID:    attempt.DeviceID,
		StaffID:     attempt.StaffID,
		ActivatedBy: attempt.OverrideBy,
		Reason:      attempt.OverrideReason,
		Bypassed:    bypassed,
		Offline:     offline,
		At:          attempt.ScannedAt,
	}

	s.Metrics.TrackOverride("accepted")
	slog.Warn("scan accepted under override",
		"scan_id", record.ScanID,
		"ticket_id", record.TicketID,
		"device_id", record.DeviceID,
		"activated_by", record.ActivatedBy,
		"reason", record.Reason,
		"bypassed", record.Bypassed,
	)

	if s.audit == nil {
		return
	}
	if err := s.audit.RecordOverride(context.WithoutCancel(ctx), record); err != nil {
		slog.Error("failed to write override audit record", "scan_id", record.ScanID, "error", err)
	}
}

func (s *ScanService) recordHistory(attempt models.ScanAttempt, result *models.ScanResult, winner *models.ScanMeta) {
	err := s.stores.History.Record(models.ResolvedScan{
		ScanAttempt: attempt,
		Code:        result.Code,
		Accepted:    result.Accepted,
		Message:     result.Message,
		Offline:     result.Offline,
		Direction:   result.Direction,
		Winner:      winner,
		Overridden:  result.Overridden,
		ResolvedAt:  result.DecidedAt,
	})
	if err != nil {
		slog.Error("failed to record scan history", "scan_id", attempt.ScanID, "error", err)
	}
}

// resultFromResponse maps an authority answer onto the scanner result.
func resultFromResponse(attempt models.ScanAttempt, resp *authority.ScanResponse, now time.Time) *models.ScanResult {
	code := models.ResultAccepted
	if !resp.Accepted {
		code = resp.Reason
		if code == "" {
			code = models.ResultInvalid
		}
	}

	result := &models.ScanResult{
		ScanID:     attempt.ScanID,
		Code:       code,
		Accepted:   resp.Accepted,
		Message:    resp.ErrorMessage,
		TicketID:   attempt.TicketID,
		Kind:       attempt.Kind,
		GuestName:  resp.GuestName,
		Tier:       resp.Tier,
		EntryCount: resp.EntryCount,
		ExitCount:  resp.ExitCount,
		Overridden: resp.Overridden,
		Display:    models.HintFor(code),
		DecidedAt:  now,
	}
	if resp.Accepted {
		result.Direction = resp.Direction
	}
	if resp.AlreadyScanned && resp.ScannedAt != nil {
		result.Original = &models.ScanMeta{
			ScannedAt: *resp.ScannedAt,
			ScannedBy: resp.ScannedBy,
			DeviceID:  resp.ScannedDevice,
		}
	}
	return result
}

func updateFromScan(ticketID string, resp *authority.ScanResponse, now time.Time) models.AuthoritativeUpdate {
	return models.AuthoritativeUpdate{
		TicketID:      ticketID,
		Status:        resp.Status,
		Inside:        resp.Inside,
		EntryCount:    resp.EntryCount,
		ExitCount:     resp.ExitCount,
		ScannedAt:     resp.ScannedAt,
		ScannedBy:     resp.ScannedBy,
		ScannedDevice: resp.ScannedDevice,
		SyncedAt:      now,
	}
}

// resultFromHistory rebuilds the result of a scan the gate already decided.
func resultFromHistory(scan models.ResolvedScan) *models.ScanResult {
	result := &models.ScanResult{
		ScanID:     scan.ScanID,
		Code:       scan.Code,
		Accepted:   scan.Accepted,
		Message:    scan.Message,
		TicketID:   scan.TicketID,
		Kind:       scan.Kind,
		Direction:  scan.Direction,
		Offline:    scan.Offline,
		Overridden: scan.Overridden,
		Display:    models.HintFor(scan.Code),
		DecidedAt:  scan.ResolvedAt,
	}
	if scan.Winner != nil {
		winner := *scan.Winner
		result.Original = &winner
	}
	return result
}
