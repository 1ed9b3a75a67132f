package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gate-system/internal/status"
	"gate-system/models"

	"github.com/redis/go-redis/v9"
)

// RedisAuthority runs the atomic procedures as Lua scripts. The guest pass
// and reservation scripts touch keys derived inside the script, so the
// authority needs a single Redis node (not a cluster).
type RedisAuthority struct {
	Redis     *redis.Client
	Rule      Rule
	ResultTTL time.Duration
}

func NewRedisAuthority(client *redis.Client, rule Rule, resultTTL time.Duration) *RedisAuthority {
	return &RedisAuthority{Redis: client, Rule: rule, ResultTTL: resultTTL}
}

func ticketKey(id string) string {
	return "ticket:" + id
}

func eventTicketsKey(eventID string) string {
	return "event:tickets:" + eventID
}

func eventSettingsKey(eventID string) string {
	return "event:settings:" + eventID
}

func scanResultKey(scanID string) string {
	return "scan:result:" + scanID
}

func passKey(id string) string {
	return "vip:pass:" + id
}

func eventPassesKey(eventID string) string {
	return "event:vip_passes:" + eventID
}

func reservationKey(id string) string {
	return "vip:reservation:" + id
}

func reservationPassesKey(id string) string {
	return "vip:reservation:passes:" + id
}

// scriptResult mirrors the JSON returned by every scan script.
type scriptResult struct {
	Accepted         bool   `json:"accepted"`
	AlreadyScanned   bool   `json:"already_scanned"`
	Duplicate        bool   `json:"duplicate"`
	Overridden       bool   `json:"overridden"`
	Reason           string `json:"reason"`
	ErrorMessage     string `json:"error_message"`
	Status           string `json:"status"`
	Direction        string `json:"direction"`
	Inside           bool   `json:"inside"`
	EntryCount       int    `json:"entry_count"`
	ExitCount        int    `json:"exit_count"`
	ScannedAt        string `json:"scanned_at"`
	ScannedBy        string `json:"scanned_by"`
	ScannedDevice    string `json:"scanned_device"`
	GuestName        string `json:"guest_name"`
	Tier             string `json:"tier"`
	ConflictResolved bool   `json:"conflict_resolved"`
	WinnerDevice     string `json:"winner_device"`
	WinnerTime       string `json:"winner_time"`
	WinnerScanID     string `json:"winner_scan_id"`
	DisplacedScanID  string `json:"displaced_scan_id"`
	DisplacedDevice  string `json:"displaced_device"`
	DisplacedAt      string `json:"displaced_at"`
	ReservationID    string `json:"reservation_id"`
	CheckedInCount   int    `json:"checked_in_count"`
	GuestCount       int    `json:"guest_count"`
}

func (r scriptResult) scanResponse() *ScanResponse {
	return &ScanResponse{
		Accepted:       r.Accepted,
		AlreadyScanned: r.AlreadyScanned,
		Reason:         models.ResultCode(r.Reason),
		ErrorMessage:   r.ErrorMessage,
		ScannedAt:      parseMs(r.ScannedAt),
		ScannedBy:      r.ScannedBy,
		ScannedDevice:  r.ScannedDevice,
		Status:         models.TicketStatus(r.Status),
		Direction:      models.Direction(r.Direction),
		Inside:         r.Inside,
		EntryCount:     r.EntryCount,
		ExitCount:      r.ExitCount,
		GuestName:      r.GuestName,
		Tier:           r.Tier,
		Duplicate:      r.Duplicate,
		Overridden:     r.Overridden,
		ReservationID:  r.ReservationID,
		CheckedInCount: r.CheckedInCount,
		GuestCount:     r.GuestCount,
	}
}

func (r scriptResult) syncResponse() *SyncResponse {
	resp := &SyncResponse{
		Success:          r.Accepted,
		ConflictResolved: r.ConflictResolved,
		WinnerDevice:     r.WinnerDevice,
		WinnerTime:       parseMs(r.WinnerTime),
		WinnerScanID:     r.WinnerScanID,
		Reason:           models.ResultCode(r.Reason),
		ErrorMessage:     r.ErrorMessage,
		Status:           models.TicketStatus(r.Status),
		Direction:        models.Direction(r.Direction),
		Inside:           r.Inside,
		EntryCount:       r.EntryCount,
		ExitCount:        r.ExitCount,
		Duplicate:        r.Duplicate,
		Overridden:       r.Overridden,
	}
	if r.DisplacedScanID != "" || r.DisplacedDevice != "" {
		resp.Displaced = &DisplacedScan{
			ScanID:    r.DisplacedScanID,
			DeviceID:  r.DisplacedDevice,
			ScannedAt: parseMsValue(r.DisplacedAt),
		}
	}
	return resp
}

func (a *RedisAuthority) ttlSeconds() string {
	seconds := int(a.ResultTTL / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func (a *RedisAuthority) scanArgs(req ScanRequest) []interface{} {
	at := req.ScannedAt
	if at.IsZero() {
		at = time.Now()
	}
	return []interface{}{
		req.ScanID,
		req.EventID,
		req.ScannedBy,
		req.DeviceID,
		string(req.Method),
		msString(at),
		boolString(req.Force),
		req.Signature,
		a.ttlSeconds(),
		string(a.Rule),
	}
}

func (a *RedisAuthority) eval(ctx context.Context, script string, keys []string, args ...interface{}) (*scriptResult, error) {
	raw, err := a.Redis.Eval(ctx, script, keys, args...).Text()
	if err != nil {
		return nil, err
	}

	var result scriptResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("decode script result: %w", err)
	}
	return &result, nil
}

func (a *RedisAuthority) ScanTicket(ctx context.Context, req ScanRequest) (*ScanResponse, error) {
	keys := []string{ticketKey(req.TicketID), eventSettingsKey(req.EventID), scanResultKey(req.ScanID)}

	result, err := a.eval(ctx, scanTicketScript, keys, a.scanArgs(req)...)
	if err != nil {
		return nil, fmt.Errorf("scan_ticket_atomic %s: %w", req.TicketID, err)
	}
	return result.scanResponse(), nil
}

func (a *RedisAuthority) SyncOfflineScan(ctx context.Context, req ScanRequest) (*SyncResponse, error) {
	keys := []string{ticketKey(req.TicketID), eventSettingsKey(req.EventID), scanResultKey(req.ScanID)}

	result, err := a.eval(ctx, syncOfflineScanScript, keys, a.scanArgs(req)...)
	if err != nil {
		return nil, fmt.Errorf("sync_offline_scan %s: %w", req.TicketID, err)
	}

	if result.DisplacedScanID != "" {
		slog.Info("earlier offline scan displaced provisional winner",
			"ticket_id", req.TicketID,
			"winner_device", req.DeviceID,
			"displaced_device", result.DisplacedDevice,
		)
	}
	return result.syncResponse(), nil
}

func (a *RedisAuthority) CheckInVipGuestAtomic(ctx context.Context, req ScanRequest) (*ScanResponse, error) {
	reservationID, err := a.Redis.HGet(ctx, passKey(req.TicketID), "reservation_id").Result()
	if err == redis.Nil {
		return &ScanResponse{Reason: models.ResultInvalid, ErrorMessage: "guest pass not found"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check_in_vip_guest_atomic %s: %w", req.TicketID, err)
	}

	keys := []string{
		passKey(req.TicketID),
		reservationKey(reservationID),
		scanResultKey(req.ScanID),
		eventSettingsKey(req.EventID),
	}

	result, err := a.eval(ctx, checkInVipGuestScript, keys, a.scanArgs(req)...)
	if err != nil {
		return nil, fmt.Errorf("check_in_vip_guest_atomic %s: %w", req.TicketID, err)
	}
	return result.scanResponse(), nil
}

type reservationResult struct {
	Error          string `json:"error"`
	Duplicate      bool   `json:"duplicate"`
	CheckedIn      int    `json:"checked_in"`
	CheckedInCount int    `json:"checked_in_count"`
	GuestCount     int    `json:"guest_count"`
	Status         string `json:"status"`
	PassIDs        string `json:"pass_ids"`
	EventID        string `json:"event_id"`
	HostName       string `json:"host_name"`
	TableName      string `json:"table_name"`
	MinimumSpend   string `json:"minimum_spend"`
}

func (a *RedisAuthority) CheckInVipReservation(ctx context.Context, req ReservationCheckInRequest) (*ReservationCheckInResponse, error) {
	at := req.At
	if at.IsZero() {
		at = time.Now()
	}

	keys := []string{
		reservationKey(req.ReservationID),
		reservationPassesKey(req.ReservationID),
		scanResultKey(req.RequestID),
	}
	args := []interface{}{req.RequestID, strconv.Itoa(req.Guests), req.StaffID, req.DeviceID, msString(at), a.ttlSeconds()}

	raw, err := a.Redis.Eval(ctx, checkInVipReservationScript, keys, args...).Text()
	if err != nil {
		return nil, fmt.Errorf("check_in_vip_reservation %s: %w", req.ReservationID, err)
	}

	var result reservationResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("decode reservation result: %w", err)
	}

	switch result.Error {
	case "":
	case "not_found":
		return nil, status.ErrReservationNotFound
	case "cancelled":
		return nil, status.ErrTicketCancelled
	default:
		return nil, fmt.Errorf("check_in_vip_reservation %s: %s", req.ReservationID, result.Error)
	}

	passIDs := make([]string, 0)
	if result.PassIDs != "" {
		passIDs = strings.Split(result.PassIDs, ",")
	}

	return &ReservationCheckInResponse{
		Reservation: models.VipReservation{
			ID:             req.ReservationID,
			EventID:        result.EventID,
			HostName:       result.HostName,
			TableName:      result.TableName,
			GuestCount:     result.GuestCount,
			CheckedInCount: result.CheckedInCount,
			MinimumSpend:   parseDecimal(result.MinimumSpend),
			Status:         models.ReservationStatus(result.Status),
		},
		CheckedIn: result.CheckedIn,
		PassIDs:   passIDs,
		Duplicate: result.Duplicate,
	}, nil
}

func (a *RedisAuthority) GetTicketsForEvent(ctx context.Context, eventID string) ([]models.Ticket, error) {
	hashes, ids, err := a.loadMembers(ctx, eventTicketsKey(eventID), ticketKey)
	if err != nil {
		return nil, fmt.Errorf("tickets for %s: %w", eventID, err)
	}

	tickets := make([]models.Ticket, 0, len(ids))
	for i, h := range hashes {
		if len(h) == 0 {
			continue
		}
		tickets = append(tickets, ticketFromHash(ids[i], h))
	}
	return tickets, nil
}

func (a *RedisAuthority) GetVipPassesForEvent(ctx context.Context, eventID string) ([]models.VipGuestPass, error) {
	hashes, ids, err := a.loadMembers(ctx, eventPassesKey(eventID), passKey)
	if err != nil {
		return nil, fmt.Errorf("vip passes for %s: %w", eventID, err)
	}

	passes := make([]models.VipGuestPass, 0, len(ids))
	for i, h := range hashes {
		if len(h) == 0 {
			continue
		}
		passes = append(passes, passFromHash(ids[i], h))
	}
	return passes, nil
}

// loadMembers reads every hash named by the members of setKey in one round trip.
func (a *RedisAuthority) loadMembers(ctx context.Context, setKey string, hashKey func(string) string) ([]map[string]string, []string, error) {
	ids, err := a.Redis.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, nil, err
	}
	if len(ids) == 0 {
		return nil, ids, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = a.Redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, hashKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	hashes := make([]map[string]string, len(ids))
	for i, cmd := range cmds {
		hashes[i] = cmd.Val()
	}
	return hashes, ids, nil
}

func (a *RedisAuthority) GetEventSettings(ctx context.Context, eventID string) (*models.EventSettings, error) {
	h, err := a.Redis.HGetAll(ctx, eventSettingsKey(eventID)).Result()
	if err != nil {
		return nil, fmt.Errorf("event settings %s: %w", eventID, err)
	}
	if len(h) == 0 {
		return nil, status.ErrEventNotFound
	}

	return &models.EventSettings{
		EventID:        eventID,
		Name:           h["name"],
		ReentryEnabled: h["reentry_enabled"] == "1",
		StartsAt:       parseMsValue(h["starts_at"]),
		EndsAt:         parseMsValue(h["ends_at"]),
	}, nil
}

// ResetTicket returns a ticket to issued. It is the only path that clears
// an accepted scan.
func (a *RedisAuthority) ResetTicket(ctx context.Context, ticketID string) (*models.Ticket, error) {
	key := ticketKey(ticketID)
	var ticket models.Ticket

	err := a.Redis.Watch(ctx, func(tx *redis.Tx) error {
		h, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(h) == 0 {
			return status.ErrTicketNotFound
		}
		if h["status"] == string(models.TicketCancelled) {
			return status.ErrTicketCancelled
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "status", string(models.TicketIssued), "inside", "0", "entry_count", "0", "exit_count", "0")
			pipe.HDel(ctx, key, "scanned_at", "scanned_by", "scanned_device", "scan_id", "provisional")
			return nil
		})
		if err != nil {
			return err
		}

		h["status"] = string(models.TicketIssued)
		h["inside"], h["entry_count"], h["exit_count"] = "0", "0", "0"
		delete(h, "scanned_at")
		delete(h, "scanned_by")
		delete(h, "scanned_device")
		ticket = ticketFromHash(ticketID, h)
		return nil
	}, key)
	if err != nil {
		slog.Error("failed to reset ticket", "error", err, "ticket_id", ticketID)
		return nil, err
	}

	return &ticket, nil
}

func (a *RedisAuthority) Ping(ctx context.Context) error {
	return a.Redis.Ping(ctx).Err()
}

// Load writes the snapshot in one transaction.
func (a *RedisAuthority) Load(ctx context.Context, snapshot Snapshot) error {
	_, err := a.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range snapshot.Events {
			pipe.HSet(ctx, eventSettingsKey(e.EventID), map[string]interface{}{
				"name":            e.Name,
				"reentry_enabled": boolString(e.ReentryEnabled),
				"starts_at":       msString(e.StartsAt),
				"ends_at":         msString(e.EndsAt),
			})
		}
		for _, t := range snapshot.Tickets {
			pipe.HSet(ctx, ticketKey(t.ID), ticketHash(t))
			pipe.SAdd(ctx, eventTicketsKey(t.EventID), t.ID)
		}
		for _, r := range snapshot.Reservations {
			pipe.HSet(ctx, reservationKey(r.ID), map[string]interface{}{
				"event_id":         r.EventID,
				"host_name":        r.HostName,
				"table_name":       r.TableName,
				"guest_count":      strconv.Itoa(r.GuestCount),
				"checked_in_count": strconv.Itoa(r.CheckedInCount),
				"minimum_spend":    r.MinimumSpend.String(),
				"status":           string(r.Status),
			})
		}
		for _, p := range snapshot.Passes {
			pipe.HSet(ctx, passKey(p.ID), passHash(p))
			pipe.SAdd(ctx, eventPassesKey(p.EventID), p.ID)
			pipe.SAdd(ctx, reservationPassesKey(p.ReservationID), p.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	return nil
}

func ticketHash(t models.Ticket) map[string]interface{} {
	h := map[string]interface{}{
		"event_id":    t.EventID,
		"order_id":    t.OrderID,
		"status":      string(t.Status),
		"guest_name":  t.GuestName,
		"tier":        t.Tier,
		"token":       t.Token,
		"signature":   t.Signature,
		"inside":      boolString(t.Inside),
		"entry_count": strconv.Itoa(t.EntryCount),
		"exit_count":  strconv.Itoa(t.ExitCount),
	}
	if t.ScannedAt != nil {
		h["scanned_at"] = msString(*t.ScannedAt)
		h["scanned_by"] = t.ScannedBy
		h["scanned_device"] = t.ScannedDevice
		h["provisional"] = "0"
	}
	return h
}

func ticketFromHash(id string, h map[string]string) models.Ticket {
	entries, _ := strconv.Atoi(h["entry_count"])
	exits, _ := strconv.Atoi(h["exit_count"])

	return models.Ticket{
		ID:            id,
		EventID:       h["event_id"],
		OrderID:       h["order_id"],
		Status:        models.TicketStatus(h["status"]),
		GuestName:     h["guest_name"],
		Tier:          h["tier"],
		Token:         h["token"],
		Signature:     h["signature"],
		Inside:        h["inside"] == "1",
		EntryCount:    entries,
		ExitCount:     exits,
		ScannedAt:     parseMs(h["scanned_at"]),
		ScannedBy:     h["scanned_by"],
		ScannedDevice: h["scanned_device"],
	}
}

func passHash(p models.VipGuestPass) map[string]interface{} {
	h := map[string]interface{}{
		"reservation_id": p.ReservationID,
		"event_id":       p.EventID,
		"guest_name":     p.GuestName,
		"table_name":     p.TableName,
		"status":         string(p.Status),
		"signature":      p.Signature,
	}
	if p.ScannedAt != nil {
		h["scanned_at"] = msString(*p.ScannedAt)
		h["scanned_by"] = p.ScannedBy
		h["scanned_device"] = p.ScannedDevice
	}
	return h
}

func passFromHash(id string, h map[string]string) models.VipGuestPass {
	return models.VipGuestPass{
		ID:            id,
		ReservationID: h["reservation_id"],
		EventID:       h["event_id"],
		GuestName:     h["guest_name"],
		TableName:     h["table_name"],
		Status:        models.TicketStatus(h["status"]),
		Signature:     h["signature"],
		ScannedAt:     parseMs(h["scanned_at"]),
		ScannedBy:     h["scanned_by"],
		ScannedDevice: h["scanned_device"],
	}
}
