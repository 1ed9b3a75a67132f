package services

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gate-system/internal/clock"
	"gate-system/internal/status"
	"gate-system/models"
	"gate-system/security"
)

// OverrideManager holds the per-device override sessions. Sessions live in
// memory only, so a restart always ends them.
type OverrideManager struct {
	guard   *security.PinGuard
	ttl     time.Duration
	clock   clock.Clock
	metrics Tracker

	mu       sync.Mutex
	sessions map[string]*models.OverrideSession
}

func NewOverrideManager(guard *security.PinGuard, ttl time.Duration, c clock.Clock) *OverrideManager {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &OverrideManager{
		guard:    guard,
		ttl:      ttl,
		clock:    c,
		metrics:  nopTracker{},
		sessions: make(map[string]*models.OverrideSession),
	}
}

func (m *OverrideManager) SetTracker(t Tracker) {
	m.metrics = t
}

// Activate opens a time-boxed override session on the device after checking
// the owner PIN. A reason is mandatory.
func (m *OverrideManager) Activate(ctx context.Context, deviceID, pin, activatedBy, reason string) (*models.OverrideSession, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, status.ErrOverrideReason
	}
	if deviceID == "" || strings.TrimSpace(activatedBy) == "" {
		return nil, status.ErrInvalidRequest
	}

	if err := m.guard.Verify(deviceID, pin); err != nil {
		m.metrics.TrackOverride("pin_rejected")
		slog.Warn("override activation refused", "device_id", deviceID, "activated_by", activatedBy, "error", err)
		return nil, err
	}

	session := &models.OverrideSession{
		Active:      true,
		DeviceID:    deviceID,
		ExpiresAt:   m.clock.Now().Add(m.ttl),
		ActivatedBy: activatedBy,
		Reason:      reason,
	}

	m.mu.Lock()
	m.sessions[deviceID] = session
	m.mu.Unlock()

	m.metrics.TrackOverride("activated")
	slog.Warn("override mode activated",
		"device_id", deviceID,
		"activated_by", activatedBy,
		"reason", reason,
		"expires_at", session.ExpiresAt,
	)

	copied := *session
	return &copied, nil
}

// Deactivate ends the device's session. Ending a missing session is a no-op.
func (m *OverrideManager) Deactivate(deviceID string) {
	m.mu.Lock()
	session, ok := m.sessions[deviceID]
	delete(m.sessions, deviceID)
	m.mu.Unlock()

	if ok {
		m.metrics.TrackOverride("deactivated")
		slog.Info("override mode deactivated", "device_id", deviceID, "activated_by", session.ActivatedBy)
	}
}

// Session returns the device's active session, nil when none or expired.
func (m *OverrideManager) Session(deviceID string) *models.OverrideSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[deviceID]
	if !ok {
		return nil
	}
	if !session.ActiveAt(m.clock.Now()) {
		delete(m.sessions, deviceID)
		slog.Info("override mode expired", "device_id", deviceID, "activated_by", session.ActivatedBy)
		return nil
	}

	copied := *session
	return &copied
}
