package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gate-system/internal/authority"
	"gate-system/internal/status"
	"gate-system/models"
)

func TestCacheService_PrimeKeepsPendingOfflineScans(t *testing.T) {
	g := newGate(t, seededAuthority(t, authority.EarliestWins, 10))
	g.prime(t)

	result := g.scan(t, "d1", "t005")
	require.True(t, result.Accepted)

	// re-priming before the queue drained must not resurrect the ticket
	g.prime(t)

	entry := g.entry(t, "t005")
	assert.Equal(t, models.TicketScanned, entry.Status)
	assert.Equal(t, 1, entry.EntryCount)
	assert.Equal(t, "d1", entry.ScannedDevice)

	again := g.scan(t, "d2", "t005")
	assert.Equal(t, models.ResultAlreadyUsed, again.Code)

	assert.Equal(t, models.TicketIssued, g.entry(t, "t006").Status)
}

func TestCacheService_PrimeUnknownEvent(t *testing.T) {
	g := newGate(t, seededAuthority(t, authority.EarliestWins, 1))

	_, err := g.cache.PrimeCache(context.Background(), "missing")
	assert.ErrorIs(t, err, status.ErrEventNotFound)
}

func TestCacheService_PrimeStoresSettings(t *testing.T) {
	g := newGate(t, seededAuthority(t, authority.EarliestWins, 1))
	g.prime(t)

	settings, err := g.stores.Cache.Settings(testEvent)
	require.NoError(t, err)
	assert.Equal(t, "Friday", settings.Name)
	assert.True(t, doorsOpen.Add(6*time.Hour).Equal(settings.EndsAt))

	g.clock.Advance(7 * time.Hour)
	result := g.scan(t, "d1", "t000")
	assert.Equal(t, models.ResultExpired, result.Code)
}

func TestCacheService_ResetTicket(t *testing.T) {
	auth := seededAuthority(t, authority.EarliestWins, 5)
	g := newGate(t, auth)
	g.prime(t)
	g.goOnline(t)

	require.True(t, g.scan(t, "d1", "t000").Accepted)
	require.Equal(t, models.TicketScanned, g.entry(t, "t000").Status)

	entry, err := g.cache.ResetTicket(context.Background(), "t000", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.TicketIssued, entry.Status)
	assert.Zero(t, entry.EntryCount)
	assert.Nil(t, entry.ScannedAt)

	ticket, _ := auth.Ticket("t000")
	assert.Equal(t, models.TicketIssued, ticket.Status)

	changes := g.events.Changes()
	require.NotEmpty(t, changes)
	assert.True(t, changes[len(changes)-1].Update.AdminReset)

	assert.True(t, g.scan(t, "d2", "t000").Accepted)

	_, err = g.cache.ResetTicket(context.Background(), "missing", "admin-1")
	assert.ErrorIs(t, err, status.ErrTicketNotFound)
}

func TestChangeApplier_BroadcastFromBeforeResetIsDropped(t *testing.T) {
	g := newGate(t, seededAuthority(t, authority.EarliestWins, 5))
	g.prime(t)
	g.goOnline(t)

	scannedAt := g.clock.Now()
	require.True(t, g.scan(t, "d1", "t002").Accepted)

	g.clock.Advance(5 * time.Minute)
	_, err := g.cache.ResetTicket(context.Background(), "t002", "admin-1")
	require.NoError(t, err)

	err = g.changes.ApplyTicketChange(context.Background(), models.TicketChange{
		EventID: testEvent,
		Source:  "gate-2",
		Update: models.AuthoritativeUpdate{
			TicketID: "t002", Status: models.TicketScanned, Inside: true, EntryCount: 1,
			ScannedAt: &scannedAt, ScannedDevice: "d1", SyncedAt: scannedAt,
		},
	})
	require.NoError(t, err)

	entry := g.entry(t, "t002")
	assert.Equal(t, models.TicketIssued, entry.Status)
	assert.Zero(t, entry.EntryCount)

	g.clock.Advance(time.Minute)
	result := g.scan(t, "d2", "t002")
	assert.True(t, result.Accepted)
	assert.Equal(t, models.TicketScanned, g.entry(t, "t002").Status)
}

func TestChangeApplier_PeerChangesRefreshCache(t *testing.T) {
	g := newGate(t, seededAuthority(t, authority.EarliestWins, 5))
	g.prime(t)

	at := doorsOpen.Add(time.Minute)
	err := g.changes.ApplyTicketChange(context.Background(), models.TicketChange{
		EventID: testEvent,
		Source:  "gate-2",
		Update: models.AuthoritativeUpdate{
			TicketID: "t001", Status: models.TicketScanned, Inside: true, EntryCount: 1,
			ScannedAt: &at, ScannedDevice: "peer-device", SyncedAt: at,
		},
	})
	require.NoError(t, err)

	result := g.scan(t, "d1", "t001")
	assert.Equal(t, models.ResultAlreadyUsed, result.Code)
	require.NotNil(t, result.Original)
	assert.Equal(t, "peer-device", result.Original.DeviceID)

	// tickets this gate never primed are ignored
	err = g.changes.ApplyTicketChange(context.Background(), models.TicketChange{
		Update: models.AuthoritativeUpdate{TicketID: "unknown", Status: models.TicketScanned},
	})
	assert.NoError(t, err)

	// a stale broadcast cannot undo a later state
	err = g.changes.ApplyTicketChange(context.Background(), models.TicketChange{
		Update: models.AuthoritativeUpdate{TicketID: "t001", Status: models.TicketIssued},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TicketScanned, g.entry(t, "t001").Status)
}

func TestChangeApplier_VoidNoticeForForeignScanIsIgnored(t *testing.T) {
	g := newGate(t, seededAuthority(t, authority.EarliestWins, 1))

	err := g.changes.ApplyVoidNotice(context.Background(), models.VoidNotice{ScanID: "elsewhere", DeviceID: "dx"})
	require.NoError(t, err)

	notices, err := g.stores.History.Notices("dx", 10)
	require.NoError(t, err)
	assert.Empty(t, notices)
}

func TestConnectivityMonitor_Transitions(t *testing.T) {
	auth := seededAuthority(t, authority.EarliestWins, 1)
	c := NewConnectivityMonitor(auth, time.Hour)

	reconnects := 0
	c.OnReconnect(func() { reconnects++ })

	assert.False(t, c.Online())
	assert.True(t, c.Check(context.Background()))
	assert.True(t, c.Online())
	assert.Equal(t, 1, reconnects)

	// staying online does not fire again
	c.Check(context.Background())
	assert.Equal(t, 1, reconnects)

	auth.SetUnavailable(true)
	assert.False(t, c.Check(context.Background()))
	assert.False(t, c.Online())

	auth.SetUnavailable(false)
	c.Check(context.Background())
	assert.Equal(t, 2, reconnects)

	c.ReportFailure(status.ErrOffline)
	assert.False(t, c.Online())
}
