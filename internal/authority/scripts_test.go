package authority

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"gate-system/internal/status"
	"gate-system/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptAuthority runs the Lua procedures on an in-process Redis.
func scriptAuthority(t *testing.T, rule Rule, reentry bool) (*RedisAuthority, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	a := NewRedisAuthority(client, rule, time.Hour)
	require.NoError(t, a.Load(context.Background(), testSnapshot(reentry)))
	return a, mr
}

func TestScanTicketScript_ConcurrentScansAcceptExactlyOne(t *testing.T) {
	a, mr := scriptAuthority(t, EarliestWins, false)
	ctx := context.Background()

	const n = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		used     int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := a.ScanTicket(ctx, scanReq(fmt.Sprintf("s%d", i), "t1", fmt.Sprintf("dev-%d", i%4), doorsOpen))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if resp.Accepted {
				accepted++
			}
			if resp.Reason == models.ResultAlreadyUsed {
				used++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, n-1, used)
	assert.Equal(t, "1", mr.HGet("ticket:t1", "entry_count"))
	assert.Equal(t, "scanned", mr.HGet("ticket:t1", "status"))
}

func TestScanTicketScript_ReplayReturnsStoredOutcome(t *testing.T) {
	a, mr := scriptAuthority(t, EarliestWins, false)
	ctx := context.Background()
	req := scanReq("s1", "t2", "dev-a", doorsOpen)

	first, err := a.ScanTicket(ctx, req)
	require.NoError(t, err)
	require.True(t, first.Accepted)
	assert.False(t, first.Duplicate)
	assert.Equal(t, models.DirectionEntry, first.Direction)
	assert.Equal(t, "Guest 2", first.GuestName)

	replay, err := a.ScanTicket(ctx, req)
	require.NoError(t, err)
	assert.True(t, replay.Accepted)
	assert.True(t, replay.Duplicate)
	require.NotNil(t, replay.ScannedAt)
	assert.True(t, doorsOpen.Equal(*replay.ScannedAt))

	synced, err := a.SyncOfflineScan(ctx, scanReq("s2", "t3", "dev-a", doorsOpen))
	require.NoError(t, err)
	require.True(t, synced.Success)

	again, err := a.SyncOfflineScan(ctx, scanReq("s2", "t3", "dev-a", doorsOpen))
	require.NoError(t, err)
	assert.True(t, again.Success)
	assert.True(t, again.Duplicate)

	assert.Equal(t, "1", mr.HGet("ticket:t2", "entry_count"))
	assert.Equal(t, "1", mr.HGet("ticket:t3", "entry_count"))
	assert.True(t, mr.Exists("scan:result:s1"))
	assert.Greater(t, mr.TTL("scan:result:s1"), time.Duration(0))
}

func TestSyncOfflineScanScript_EarliestWinsDisplacesProvisionalWinner(t *testing.T) {
	a, mr := scriptAuthority(t, EarliestWins, false)
	ctx := context.Background()
	t1 := doorsOpen.Add(time.Minute)
	t2 := doorsOpen.Add(2 * time.Minute)

	fromB, err := a.SyncOfflineScan(ctx, scanReq("scan-b", "t3", "dev-b", t2))
	require.NoError(t, err)
	require.True(t, fromB.Success)
	assert.Equal(t, "1", mr.HGet("ticket:t3", "provisional"))

	fromA, err := a.SyncOfflineScan(ctx, scanReq("scan-a", "t3", "dev-a", t1))
	require.NoError(t, err)
	assert.True(t, fromA.Success)
	require.NotNil(t, fromA.Displaced)
	assert.Equal(t, "scan-b", fromA.Displaced.ScanID)
	assert.Equal(t, "dev-b", fromA.Displaced.DeviceID)
	assert.True(t, t2.Equal(fromA.Displaced.ScannedAt))

	replayB, err := a.SyncOfflineScan(ctx, scanReq("scan-b", "t3", "dev-b", t2))
	require.NoError(t, err)
	assert.False(t, replayB.Success)
	assert.True(t, replayB.ConflictResolved)
	assert.Equal(t, models.ResultConflictLoser, replayB.Reason)
	assert.Equal(t, "dev-a", replayB.WinnerDevice)
	assert.Equal(t, "scan-a", replayB.WinnerScanID)
	require.NotNil(t, replayB.WinnerTime)
	assert.True(t, t1.Equal(*replayB.WinnerTime))

	assert.Equal(t, "dev-a", mr.HGet("ticket:t3", "scanned_device"))
	assert.Equal(t, "1", mr.HGet("ticket:t3", "entry_count"))

	// a third, later scan loses against the new winner
	fromC, err := a.SyncOfflineScan(ctx, scanReq("scan-c", "t3", "dev-c", doorsOpen.Add(3*time.Minute)))
	require.NoError(t, err)
	assert.False(t, fromC.Success)
	assert.Equal(t, "dev-a", fromC.WinnerDevice)
	assert.Nil(t, fromC.Displaced)
}

func TestSyncOfflineScanScript_FirstArrivalAndLiveAcceptanceAreKept(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		live bool
	}{
		{"first arrival", FirstArrival, false},
		{"live acceptance under earliest wins", EarliestWins, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, mr := scriptAuthority(t, tt.rule, false)
			ctx := context.Background()

			first := scanReq("first", "t4", "dev-b", doorsOpen.Add(5*time.Minute))
			if tt.live {
				resp, err := a.ScanTicket(ctx, first)
				require.NoError(t, err)
				require.True(t, resp.Accepted)
			} else {
				resp, err := a.SyncOfflineScan(ctx, first)
				require.NoError(t, err)
				require.True(t, resp.Success)
			}

			earlier, err := a.SyncOfflineScan(ctx, scanReq("earlier", "t4", "dev-a", doorsOpen))
			require.NoError(t, err)
			assert.False(t, earlier.Success)
			assert.True(t, earlier.ConflictResolved)
			assert.Equal(t, "dev-b", earlier.WinnerDevice)
			assert.Nil(t, earlier.Displaced)
			assert.Equal(t, "dev-b", mr.HGet("ticket:t4", "scanned_device"))
		})
	}
}

func TestScanTicketScript_ReentryCounters(t *testing.T) {
	a, mr := scriptAuthority(t, EarliestWins, true)
	ctx := context.Background()

	expected := []struct {
		direction models.Direction
		entries   int
		exits     int
		inside    bool
	}{
		{models.DirectionEntry, 1, 0, true},
		{models.DirectionExit, 1, 1, false},
		{models.DirectionEntry, 2, 1, true},
	}
	for i, want := range expected {
		resp, err := a.ScanTicket(ctx, scanReq(fmt.Sprintf("r%d", i), "t0", "dev-a", doorsOpen.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		require.True(t, resp.Accepted, "scan %d", i)
		assert.Equal(t, want.direction, resp.Direction, "scan %d", i)
		assert.Equal(t, want.entries, resp.EntryCount, "scan %d", i)
		assert.Equal(t, want.exits, resp.ExitCount, "scan %d", i)
		assert.Equal(t, want.inside, resp.Inside, "scan %d", i)
	}

	assert.Equal(t, "2", mr.HGet("ticket:t0", "entry_count"))
	assert.Equal(t, "1", mr.HGet("ticket:t0", "exit_count"))
	// the first acceptance stays the recorded scan
	assert.Equal(t, "r0", mr.HGet("ticket:t0", "scan_id"))
}

func TestScanTicketScript_Rejections(t *testing.T) {
	a, _ := scriptAuthority(t, EarliestWins, false)
	ctx := context.Background()

	tampered := scanReq("x1", "t1", "dev-a", doorsOpen)
	tampered.Signature = "forged"
	wrongEvent := scanReq("x2", "t1", "dev-a", doorsOpen)
	wrongEvent.EventID = "e2"

	tests := []struct {
		name   string
		req    ScanRequest
		reason models.ResultCode
	}{
		{"unknown ticket", scanReq("x0", "ghost", "dev-a", doorsOpen), models.ResultInvalid},
		{"signature mismatch", tampered, models.ResultTampered},
		{"wrong event", wrongEvent, models.ResultWrongEvent},
		{"cancelled", scanReq("x3", "cancelled", "dev-a", doorsOpen), models.ResultInvalid},
		{"after admission ends", scanReq("x4", "t1", "dev-a", doorsOpen.Add(7*time.Hour)), models.ResultExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := a.ScanTicket(ctx, tt.req)
			require.NoError(t, err)
			assert.False(t, resp.Accepted)
			assert.Equal(t, tt.reason, resp.Reason)
		})
	}

	forced := scanReq("x5", "t1", "dev-a", doorsOpen.Add(7*time.Hour))
	forced.Force = true
	resp, err := a.ScanTicket(ctx, forced)
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.True(t, resp.Overridden)
}

func TestCheckInVipScripts_GuestPassThenBulkReservation(t *testing.T) {
	a, mr := scriptAuthority(t, EarliestWins, false)
	ctx := context.Background()

	guest, err := a.CheckInVipGuestAtomic(ctx, scanReq("v1", "p1", "dev-a", doorsOpen))
	require.NoError(t, err)
	require.True(t, guest.Accepted)
	assert.Equal(t, "vip:T4", guest.Tier)
	assert.Equal(t, "r1", guest.ReservationID)
	assert.Equal(t, 1, guest.CheckedInCount)
	assert.Equal(t, 3, guest.GuestCount)
	assert.Equal(t, "partially_checked_in", mr.HGet("vip:reservation:r1", "status"))

	again, err := a.CheckInVipGuestAtomic(ctx, scanReq("v2", "p1", "dev-b", doorsOpen))
	require.NoError(t, err)
	assert.False(t, again.Accepted)
	assert.Equal(t, models.ResultAlreadyUsed, again.Reason)
	assert.Equal(t, "dev-a", again.ScannedDevice)

	req := ReservationCheckInRequest{RequestID: "bulk-1", ReservationID: "r1", Guests: 5, StaffID: "staff", DeviceID: "dev-a", At: doorsOpen}
	resp, err := a.CheckInVipReservation(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.CheckedIn)
	assert.Equal(t, []string{"p2", "p3"}, resp.PassIDs)
	assert.Equal(t, 3, resp.Reservation.CheckedInCount)
	assert.Equal(t, models.ReservationCheckedIn, resp.Reservation.Status)
	assert.Equal(t, "Noy", resp.Reservation.HostName)
	assert.True(t, resp.Reservation.MinimumSpend.Equal(decimal.RequireFromString("1500")))
	assert.Equal(t, "scanned", mr.HGet("vip:pass:p3", "status"))

	replay, err := a.CheckInVipReservation(ctx, req)
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, 2, replay.CheckedIn)
	assert.Equal(t, "3", mr.HGet("vip:reservation:r1", "checked_in_count"))

	full, err := a.CheckInVipReservation(ctx, ReservationCheckInRequest{RequestID: "bulk-2", ReservationID: "r1", Guests: 1, At: doorsOpen})
	require.NoError(t, err)
	assert.Zero(t, full.CheckedIn)
	assert.Empty(t, full.PassIDs)

	_, err = a.CheckInVipReservation(ctx, ReservationCheckInRequest{RequestID: "bulk-3", ReservationID: "missing", Guests: 1})
	assert.ErrorIs(t, err, status.ErrReservationNotFound)
}

func TestRedisAuthority_ResetTicketAllowsRescan(t *testing.T) {
	a, mr := scriptAuthority(t, EarliestWins, false)
	ctx := context.Background()

	first, err := a.ScanTicket(ctx, scanReq("s1", "t1", "dev-a", doorsOpen))
	require.NoError(t, err)
	require.True(t, first.Accepted)

	ticket, err := a.ResetTicket(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TicketIssued, ticket.Status)
	assert.Zero(t, ticket.EntryCount)
	assert.Nil(t, ticket.ScannedAt)
	assert.Equal(t, "", mr.HGet("ticket:t1", "scan_id"))

	rescan, err := a.ScanTicket(ctx, scanReq("s2", "t1", "dev-b", doorsOpen.Add(time.Minute)))
	require.NoError(t, err)
	assert.True(t, rescan.Accepted)
	assert.Equal(t, "dev-b", rescan.ScannedDevice)

	_, err = a.ResetTicket(ctx, "cancelled")
	assert.ErrorIs(t, err, status.ErrTicketCancelled)
	_, err = a.ResetTicket(ctx, "ghost")
	assert.ErrorIs(t, err, status.ErrTicketNotFound)
}
