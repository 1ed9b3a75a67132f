package authority

import (
	"context"
	"errors"
	"testing"
	"time"

	"gate-system/internal/status"
	"gate-system/models"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedisAuthority() (*RedisAuthority, redismock.ClientMock) {
	db, mock := redismock.NewClientMock()
	return NewRedisAuthority(db, EarliestWins, 168*time.Hour), mock
}

func expectedArgs(req ScanRequest) []interface{} {
	return []interface{}{
		req.ScanID, req.EventID, req.ScannedBy, req.DeviceID, string(req.Method),
		msString(req.ScannedAt), boolString(req.Force), req.Signature, "604800", "earliest_wins",
	}
}

func TestRedisAuthority_ScanTicket_Accepted(t *testing.T) {
	authority, mock := setupTestRedisAuthority()
	defer mock.ClearExpect()

	req := scanReq("scan-1", "t1", "dev-a", doorsOpen)
	mock.ExpectEval(scanTicketScript, []string{
		"ticket:t1",
		"event:settings:e1",
		"scan:result:scan-1",
	}, expectedArgs(req)...).SetVal(`{"accepted":true,"overridden":false,"direction":"entry","status":"scanned",` +
		`"entry_count":1,"exit_count":0,"inside":true,"scanned_at":"` + msString(doorsOpen) + `",` +
		`"scanned_by":"staff-dev-a","scanned_device":"dev-a","guest_name":"Guest 1","tier":"general"}`)

	resp, err := authority.ScanTicket(context.Background(), req)

	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, models.TicketScanned, resp.Status)
	assert.Equal(t, models.DirectionEntry, resp.Direction)
	assert.Equal(t, 1, resp.EntryCount)
	require.NotNil(t, resp.ScannedAt)
	assert.True(t, doorsOpen.Equal(*resp.ScannedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisAuthority_ScanTicket_AlreadyUsed(t *testing.T) {
	authority, mock := setupTestRedisAuthority()
	defer mock.ClearExpect()

	req := scanReq("scan-2", "t1", "dev-b", doorsOpen.Add(time.Minute))
	mock.ExpectEval(scanTicketScript, []string{
		"ticket:t1",
		"event:settings:e1",
		"scan:result:scan-2",
	}, expectedArgs(req)...).SetVal(`{"accepted":false,"already_scanned":true,"reason":"already_used",` +
		`"error_message":"ticket already scanned","status":"scanned","scanned_device":"dev-a","scanned_at":"` + msString(doorsOpen) + `"}`)

	resp, err := authority.ScanTicket(context.Background(), req)

	require.NoError(t, err)
	assert.False(t, resp.Accepted)
	assert.True(t, resp.AlreadyScanned)
	assert.Equal(t, models.ResultAlreadyUsed, resp.Reason)
	assert.Equal(t, "dev-a", resp.ScannedDevice)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisAuthority_ScanTicket_TransportError(t *testing.T) {
	authority, mock := setupTestRedisAuthority()
	defer mock.ClearExpect()

	req := scanReq("scan-3", "t1", "dev-a", doorsOpen)
	mock.ExpectEval(scanTicketScript, []string{
		"ticket:t1",
		"event:settings:e1",
		"scan:result:scan-3",
	}, expectedArgs(req)...).SetErr(errors.New("connection refused"))

	_, err := authority.ScanTicket(context.Background(), req)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisAuthority_SyncOfflineScan_Displaced(t *testing.T) {
	authority, mock := setupTestRedisAuthority()
	defer mock.ClearExpect()

	req := scanReq("scan-a", "t3", "dev-a", doorsOpen)
	later := doorsOpen.Add(time.Minute)
	mock.ExpectEval(syncOfflineScanScript, []string{
		"ticket:t3",
		"event:settings:e1",
		"scan:result:scan-a",
	}, expectedArgs(req)...).SetVal(`{"accepted":true,"direction":"entry","status":"scanned","entry_count":1,` +
		`"displaced_scan_id":"scan-b","displaced_device":"dev-b","displaced_at":"` + msString(later) + `"}`)

	resp, err := authority.SyncOfflineScan(context.Background(), req)

	require.NoError(t, err)
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Displaced)
	assert.Equal(t, "scan-b", resp.Displaced.ScanID)
	assert.Equal(t, "dev-b", resp.Displaced.DeviceID)
	assert.True(t, later.Equal(resp.Displaced.ScannedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisAuthority_SyncOfflineScan_ConflictLoser(t *testing.T) {
	authority, mock := setupTestRedisAuthority()
	defer mock.ClearExpect()

	req := scanReq("scan-b", "t3", "dev-b", doorsOpen.Add(time.Minute))
	mock.ExpectEval(syncOfflineScanScript, []string{
		"ticket:t3",
		"event:settings:e1",
		"scan:result:scan-b",
	}, expectedArgs(req)...).SetVal(`{"accepted":false,"reason":"conflict_resolved_loser","conflict_resolved":true,` +
		`"winner_device":"dev-a","winner_time":"` + msString(doorsOpen) + `","winner_scan_id":"scan-a","duplicate":true}`)

	resp, err := authority.SyncOfflineScan(context.Background(), req)

	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.True(t, resp.ConflictResolved)
	assert.True(t, resp.Duplicate)
	assert.Equal(t, "dev-a", resp.WinnerDevice)
	require.NotNil(t, resp.WinnerTime)
	assert.True(t, doorsOpen.Equal(*resp.WinnerTime))
	assert.Nil(t, resp.Displaced)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisAuthority_CheckInVipGuest_UnknownPassSkipsScript(t *testing.T) {
	authority, mock := setupTestRedisAuthority()
	defer mock.ClearExpect()

	mock.ExpectHGet("vip:pass:ghost", "reservation_id").RedisNil()

	resp, err := authority.CheckInVipGuestAtomic(context.Background(), scanReq("v1", "ghost", "dev-a", doorsOpen))

	require.NoError(t, err)
	assert.False(t, resp.Accepted)
	assert.Equal(t, models.ResultInvalid, resp.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisAuthority_CheckInVipGuest(t *testing.T) {
	authority, mock := setupTestRedisAuthority()
	defer mock.ClearExpect()

	req := scanReq("v1", "p1", "dev-a", doorsOpen)
	mock.ExpectHGet("vip:pass:p1", "reservation_id").SetVal("r1")
	mock.ExpectEval(checkInVipGuestScript, []string{
		"vip:pass:p1",
		"vip:reservation:r1",
		"scan:result:v1",
		"event:settings:e1",
	}, expectedArgs(req)...).SetVal(`{"accepted":true,"direction":"entry","status":"scanned","tier":"vip:T4",` +
		`"reservation_id":"r1","checked_in_count":1,"guest_count":3,"entry_count":1,"inside":true}`)

	resp, err := authority.CheckInVipGuestAtomic(context.Background(), req)

	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, "vip:T4", resp.Tier)
	assert.Equal(t, 1, resp.CheckedInCount)
	assert.Equal(t, 3, resp.GuestCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisAuthority_CheckInVipReservation(t *testing.T) {
	authority, mock := setupTestRedisAuthority()
	defer mock.ClearExpect()

	req := ReservationCheckInRequest{RequestID: "bulk-1", ReservationID: "r1", Guests: 2, StaffID: "staff", DeviceID: "dev-a", At: doorsOpen}
	mock.ExpectEval(checkInVipReservationScript, []string{
		"vip:reservation:r1",
		"vip:reservation:passes:r1",
		"scan:result:bulk-1",
	}, "bulk-1", "2", "staff", "dev-a", msString(doorsOpen), "604800").SetVal(
		`{"checked_in":2,"checked_in_count":3,"guest_count":3,"status":"checked_in","pass_ids":"p2,p3",` +
			`"event_id":"e1","host_name":"Noy","table_name":"T4","minimum_spend":"1500.00"}`)

	resp, err := authority.CheckInVipReservation(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, 2, resp.CheckedIn)
	assert.Equal(t, []string{"p2", "p3"}, resp.PassIDs)
	assert.Equal(t, models.ReservationCheckedIn, resp.Reservation.Status)
	assert.Equal(t, "1500", resp.Reservation.MinimumSpend.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisAuthority_CheckInVipReservation_NotFound(t *testing.T) {
	authority, mock := setupTestRedisAuthority()
	defer mock.ClearExpect()

	req := ReservationCheckInRequest{RequestID: "bulk-2", ReservationID: "missing", Guests: 1, StaffID: "staff", DeviceID: "dev-a", At: doorsOpen}
	mock.ExpectEval(checkInVipReservationScript, []string{
		"vip:reservation:missing",
		"vip:reservation:passes:missing",
		"scan:result:bulk-2",
	}, "bulk-2", "1", "staff", "dev-a", msString(doorsOpen), "604800").SetVal(`{"error":"not_found"}`)

	_, err := authority.CheckInVipReservation(context.Background(), req)

	assert.ErrorIs(t, err, status.ErrReservationNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisAuthority_GetEventSettings(t *testing.T) {
	authority, mock := setupTestRedisAuthority()
	defer mock.ClearExpect()

	ends := doorsOpen.Add(6 * time.Hour)
	mock.ExpectHGetAll("event:settings:e1").SetVal(map[string]string{
		"name":            "Friday",
		"reentry_enabled": "1",
		"ends_at":         msString(ends),
	})
	mock.ExpectHGetAll("event:settings:missing").SetVal(map[string]string{})

	settings, err := authority.GetEventSettings(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, "Friday", settings.Name)
	assert.True(t, settings.ReentryEnabled)
	assert.True(t, ends.Equal(settings.EndsAt))

	_, err = authority.GetEventSettings(context.Background(), "missing")
	assert.ErrorIs(t, err, status.ErrEventNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisAuthority_GetTicketsForEvent(t *testing.T) {
	authority, mock := setupTestRedisAuthority()
	defer mock.ClearExpect()

	mock.ExpectSMembers("event:tickets:e1").SetVal([]string{"t1", "t2"})
	mock.ExpectHGetAll("ticket:t1").SetVal(map[string]string{
		"event_id": "e1", "status": "issued", "guest_name": "Guest 1", "entry_count": "0", "exit_count": "0",
	})
	mock.ExpectHGetAll("ticket:t2").SetVal(map[string]string{
		"event_id": "e1", "status": "scanned", "entry_count": "1", "inside": "1",
		"scanned_at": msString(doorsOpen), "scanned_device": "dev-a",
	})

	tickets, err := authority.GetTicketsForEvent(context.Background(), "e1")

	require.NoError(t, err)
	require.Len(t, tickets, 2)
	assert.Equal(t, models.TicketIssued, tickets[0].Status)
	assert.Equal(t, models.TicketScanned, tickets[1].Status)
	assert.True(t, tickets[1].Inside)
	require.NotNil(t, tickets[1].ScannedAt)
	assert.True(t, doorsOpen.Equal(*tickets[1].ScannedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisAuthority_GetTicketsForEvent_Empty(t *testing.T) {
	authority, mock := setupTestRedisAuthority()
	defer mock.ClearExpect()

	mock.ExpectSMembers("event:tickets:e9").SetVal([]string{})

	tickets, err := authority.GetTicketsForEvent(context.Background(), "e9")

	require.NoError(t, err)
	assert.Empty(t, tickets)
	assert.NoError(t, mock.ExpectationsWereMet())
}
