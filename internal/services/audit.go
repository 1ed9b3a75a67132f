package services

import (
	"context"
	"sort"
	"sync"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"

	"gate-system/models"
)

const (
	OverridesCollection = "scan_overrides"
	VoidsCollection     = "scan_voids"
)

// PocketBaseAuditLog writes audit records into the app's sqlite database.
// Records are keyed by scan id, so writing one twice keeps the first.
type PocketBaseAuditLog struct {
	app core.App
}

func NewPocketBaseAuditLog(app core.App) *PocketBaseAuditLog {
	return &PocketBaseAuditLog{app: app}
}

func (l *PocketBaseAuditLog) exists(collection, scanID string) bool {
	record, err := l.app.FindFirstRecordByData(collection, "scan_id", scanID)
	return err == nil && record != nil
}

func (l *PocketBaseAuditLog) RecordOverride(ctx context.Context, r models.OverrideRecord) error {
	if l.exists(OverridesCollection, r.ScanID) {
		return nil
	}

	collection, err := l.app.FindCachedCollectionByNameOrId(OverridesCollection)
	if err != nil {
		return err
	}

	record := core.NewRecord(collection)
	record.Set("scan_id", r.ScanID)
	record.Set("ticket_id", r.TicketID)
	record.Set("event_id", r.EventID)
	record.Set("device_id", r.DeviceID)
	record.Set("staff_id", r.StaffID)
	record.Set("activated_by", r.ActivatedBy)
	record.Set("reason", r.Reason)
	record.Set("bypassed", string(r.Bypassed))
	record.Set("offline", r.Offline)
	record.Set("at", r.At)

	return l.app.SaveWithContext(ctx, record)
}

func (l *PocketBaseAuditLog) RecordVoid(ctx context.Context, n models.VoidNotice) error {
	if l.exists(VoidsCollection, n.ScanID) {
		return nil
	}

	collection, err := l.app.FindCachedCollectionByNameOrId(VoidsCollection)
	if err != nil {
		return err
	}

	record := core.NewRecord(collection)
	record.Set("scan_id", n.ScanID)
	record.Set("ticket_id", n.TicketID)
	record.Set("event_id", n.EventID)
	record.Set("device_id", n.DeviceID)
	record.Set("winner_device", n.WinnerDevice)
	record.Set("winner_time", n.WinnerTime)
	record.Set("issued_at", n.IssuedAt)

	return l.app.SaveWithContext(ctx, record)
}

type overrideRow struct {
	ScanID      string         `db:"scan_id"`
	TicketID    string         `db:"ticket_id"`
	EventID     string         `db:"event_id"`
	DeviceID    string         `db:"device_id"`
	StaffID     string         `db:"staff_id"`
	ActivatedBy string         `db:"activated_by"`
	Reason      string         `db:"reason"`
	Bypassed    string         `db:"bypassed"`
	Offline     bool           `db:"offline"`
	At          types.DateTime `db:"at"`
}

// RecentOverrides lists overridden scans newest first. An empty deviceID
// lists every device.
func (l *PocketBaseAuditLog) RecentOverrides(ctx context.Context, deviceID string, limit int) ([]models.OverrideRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := l.app.DB().
		Select("scan_id", "ticket_id", "event_id", "device_id", "staff_id", "activated_by", "reason", "bypassed", "offline", "at").
		From(OverridesCollection).
		OrderBy("at DESC").
		Limit(int64(limit))
	if deviceID != "" {
		query = query.Where(dbx.HashExp{"device_id": deviceID})
	}

	var rows []overrideRow
	if err := query.WithContext(ctx).All(&rows); err != nil {
		return nil, err
	}

	records := make([]models.OverrideRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, models.OverrideRecord{
			ScanID:      row.ScanID,
			TicketID:    row.TicketID,
			EventID:     row.EventID,
			DeviceID:    row.DeviceID,
			StaffID:     row.StaffID,
			ActivatedBy: row.ActivatedBy,
			Reason:      row.Reason,
			Bypassed:    models.ResultCode(row.Bypassed),
			Offline:     row.Offline,
			At:          row.At.Time(),
		})
	}
	return records, nil
}

// MemoryAuditLog keeps audit records in memory for the prime/sync commands
// and tests.
type MemoryAuditLog struct {
	mu        sync.Mutex
	overrides map[string]models.OverrideRecord
	voids     map[string]models.VoidNotice
}

func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{
		overrides: make(map[string]models.OverrideRecord),
		voids:     make(map[string]models.VoidNotice),
	}
}

func (l *MemoryAuditLog) RecordOverride(ctx context.Context, r models.OverrideRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.overrides[r.ScanID]; !ok {
		l.overrides[r.ScanID] = r
	}
	return nil
}

func (l *MemoryAuditLog) RecordVoid(ctx context.Context, n models.VoidNotice) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.voids[n.ScanID]; !ok {
		l.voids[n.ScanID] = n
	}
	return nil
}

func (l *MemoryAuditLog) RecentOverrides(ctx context.Context, deviceID string, limit int) ([]models.OverrideRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records := make([]models.OverrideRecord, 0, len(l.overrides))
	for _, r := range l.overrides {
		if deviceID == "" || r.DeviceID == deviceID {
			records = append(records, r)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].At.After(records[j].At) })
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Voids returns the recorded void notices, for tests and the CLI report.
func (l *MemoryAuditLog) Voids() []models.VoidNotice {
	l.mu.Lock()
	defer l.mu.Unlock()

	voids := make([]models.VoidNotice, 0, len(l.voids))
	for _, n := range l.voids {
		voids = append(voids, n)
	}
	sort.Slice(voids, func(i, j int) bool { return voids[i].ScanID < voids[j].ScanID })
	return voids
}
