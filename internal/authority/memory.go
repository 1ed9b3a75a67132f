package authority

import (
	"context"
	"sort"
	"sync"
	"time"

	"gate-system/internal/status"
	"gate-system/models"
)

type memTicket struct {
	models.Ticket
	scanID      string
	provisional bool
}

type memPass struct {
	models.VipGuestPass
	scanID string
}

// MemoryAuthority applies the same rules as the Lua procedures behind a
// mutex. It backs development mode and tests.
type MemoryAuthority struct {
	mu   sync.Mutex
	rule Rule
	now  func() time.Time

	events       map[string]models.EventSettings
	tickets      map[string]*memTicket
	reservations map[string]*models.VipReservation
	passes       map[string]*memPass
	results      map[string]scriptResult
	checkIns     map[string]ReservationCheckInResponse

	unavailable bool
}

func NewMemoryAuthority(rule Rule) *MemoryAuthority {
	return &MemoryAuthority{
		rule:         rule,
		now:          time.Now,
		events:       make(map[string]models.EventSettings),
		tickets:      make(map[string]*memTicket),
		reservations: make(map[string]*models.VipReservation),
		passes:       make(map[string]*memPass),
		results:      make(map[string]scriptResult),
		checkIns:     make(map[string]ReservationCheckInResponse),
	}
}

// SetUnavailable makes every call fail as if the network were down.
func (m *MemoryAuthority) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = down
}

func (m *MemoryAuthority) available(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return status.ErrOffline
	}
	return nil
}

func (m *MemoryAuthority) Load(ctx context.Context, snapshot Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range snapshot.Events {
		m.events[e.EventID] = e
	}
	for _, t := range snapshot.Tickets {
		m.tickets[t.ID] = &memTicket{Ticket: t}
	}
	for _, r := range snapshot.Reservations {
		r := r
		m.reservations[r.ID] = &r
	}
	for _, p := range snapshot.Passes {
		m.passes[p.ID] = &memPass{VipGuestPass: p}
	}
	return nil
}

// Ticket returns a copy of the authoritative ticket state.
func (m *MemoryAuthority) Ticket(id string) (models.Ticket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return models.Ticket{}, false
	}
	return t.Ticket, true
}

func (m *MemoryAuthority) Reservation(id string) (models.VipReservation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return models.VipReservation{}, false
	}
	return *r, true
}

func (m *MemoryAuthority) finish(scanID string, r scriptResult) scriptResult {
	m.results[scanID] = r
	return r
}

func (m *MemoryAuthority) ScanTicket(ctx context.Context, req ScanRequest) (*ScanResponse, error) {
	if err := m.available(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanTicket(req, false).scanResponse(), nil
}

func (m *MemoryAuthority) SyncOfflineScan(ctx context.Context, req ScanRequest) (*SyncResponse, error) {
	if err := m.available(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanTicket(req, true).syncResponse(), nil
}

func (m *MemoryAuthority) scanTicket(req ScanRequest, offline bool) scriptResult {
	if previous, ok := m.results[req.ScanID]; ok {
		previous.Duplicate = true
		return previous
	}

	t, ok := m.tickets[req.TicketID]
	if !ok {
		return m.finish(req.ScanID, scriptResult{Reason: string(models.ResultInvalid), ErrorMessage: "ticket not found"})
	}

	settings := m.events[req.EventID]
	at := req.ScannedAt
	if at.IsZero() {
		at = m.now()
	}
	at = at.Truncate(time.Millisecond)

	described := func(r scriptResult) scriptResult {
		r.Status = string(t.Status)
		r.GuestName = t.GuestName
		r.Tier = t.Tier
		r.EntryCount = t.EntryCount
		r.ExitCount = t.ExitCount
		r.Inside = t.Inside
		if r.ScannedAt == "" && t.ScannedAt != nil {
			r.ScannedAt = msString(*t.ScannedAt)
			r.ScannedBy = t.ScannedBy
			r.ScannedDevice = t.ScannedDevice
		}
		return r
	}

	accept := func(overridden bool) scriptResult {
		direction := models.DirectionEntry
		if settings.ReentryEnabled && t.Inside {
			t.ExitCount++
			t.Inside = false
			direction = models.DirectionExit
		} else {
			t.EntryCount++
			t.Inside = true
		}

		if t.Status == models.TicketIssued {
			t.Status = models.TicketScanned
			t.ScannedAt = &at
			t.ScannedBy = req.ScannedBy
			t.ScannedDevice = req.DeviceID
			t.scanID = req.ScanID
			t.provisional = offline
		}

		return m.finish(req.ScanID, described(scriptResult{
			Accepted:      true,
			Overridden:    overridden,
			Direction:     string(direction),
			ScannedAt:     msString(at),
			ScannedBy:     req.ScannedBy,
			ScannedDevice: req.DeviceID,
		}))
	}

	if t.scanID == req.ScanID {
		return m.finish(req.ScanID, described(scriptResult{Accepted: true, Duplicate: true, Direction: string(models.DirectionEntry)}))
	}

	if t.Signature != "" && req.Signature != "" && t.Signature != req.Signature {
		return m.finish(req.ScanID, described(scriptResult{Reason: string(models.ResultTampered), ErrorMessage: "credential signature mismatch"}))
	}

	overridden := false
	blocked, message := blockReason(t.Status, t.EventID, req.EventID, settings, at)
	if blocked != "" {
		if !req.Force {
			return m.finish(req.ScanID, described(scriptResult{Reason: string(blocked), ErrorMessage: message}))
		}
		overridden = true
	}

	if t.Status != models.TicketScanned || settings.ReentryEnabled {
		return accept(overridden)
	}

	if req.Force {
		return accept(true)
	}

	if !offline {
		return m.finish(req.ScanID, described(scriptResult{
			AlreadyScanned: true,
			Reason:         string(models.ResultAlreadyUsed),
			ErrorMessage:   "ticket already scanned",
		}))
	}

	if m.rule == EarliestWins && t.provisional && t.ScannedAt != nil && at.Before(*t.ScannedAt) {
		displaced := scriptResult{
			DisplacedScanID: t.scanID,
			DisplacedDevice: t.ScannedDevice,
			DisplacedAt:     msString(*t.ScannedAt),
		}
		if t.scanID != "" {
			m.results[t.scanID] = scriptResult{
				Reason:           string(models.ResultConflictLoser),
				ConflictResolved: true,
				WinnerDevice:     req.DeviceID,
				WinnerTime:       msString(at),
				WinnerScanID:     req.ScanID,
				ErrorMessage:     "displaced by an earlier scan",
			}
		}

		t.ScannedAt = &at
		t.ScannedBy = req.ScannedBy
		t.ScannedDevice = req.DeviceID
		t.scanID = req.ScanID

		result := described(scriptResult{
			Accepted:      true,
			Direction:     string(models.DirectionEntry),
			ScannedAt:     msString(at),
			ScannedBy:     req.ScannedBy,
			ScannedDevice: req.DeviceID,
		})
		result.DisplacedScanID = displaced.DisplacedScanID
		result.DisplacedDevice = displaced.DisplacedDevice
		result.DisplacedAt = displaced.DisplacedAt
		return m.finish(req.ScanID, result)
	}

	result := described(scriptResult{
		Reason:           string(models.ResultConflictLoser),
		ConflictResolved: true,
		WinnerDevice:     t.ScannedDevice,
		WinnerScanID:     t.scanID,
		ErrorMessage:     "ticket already entered via another device",
	})
	if t.ScannedAt != nil {
		result.WinnerTime = msString(*t.ScannedAt)
	}
	return m.finish(req.ScanID, result)
}

// blockReason is the overridable rejection for a credential, if any.
func blockReason(current models.TicketStatus, ownerEvent, scanEvent string, settings models.EventSettings, at time.Time) (models.ResultCode, string) {
	switch {
	case current == models.TicketCancelled:
		return models.ResultInvalid, "ticket cancelled"
	case ownerEvent != scanEvent:
		return models.ResultWrongEvent, "ticket belongs to another event"
	case settings.Ended(at):
		return models.ResultExpired, "event admission has ended"
	}
	return "", ""
}

func (m *MemoryAuthority) CheckInVipGuestAtomic(ctx context.Context, req ScanRequest) (*ScanResponse, error) {
	if err := m.available(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if previous, ok := m.results[req.ScanID]; ok {
		previous.Duplicate = true
		return previous.scanResponse(), nil
	}

	p, ok := m.passes[req.TicketID]
	if !ok {
		return m.finish(req.ScanID, scriptResult{Reason: string(models.ResultInvalid), ErrorMessage: "guest pass not found"}).scanResponse(), nil
	}

	r := m.reservations[p.ReservationID]
	settings := m.events[req.EventID]
	at := req.ScannedAt
	if at.IsZero() {
		at = m.now()
	}
	at = at.Truncate(time.Millisecond)

	described := func(res scriptResult) *ScanResponse {
		res.Status = string(p.Status)
		res.GuestName = p.GuestName
		res.Tier = "vip:" + p.TableName
		res.ReservationID = p.ReservationID
		if r != nil {
			res.CheckedInCount = r.CheckedInCount
			res.GuestCount = r.GuestCount
		}
		if res.ScannedAt == "" && p.ScannedAt != nil {
			res.ScannedAt = msString(*p.ScannedAt)
			res.ScannedBy = p.ScannedBy
			res.ScannedDevice = p.ScannedDevice
		}
		res.Inside = p.Status == models.TicketScanned
		res.EntryCount = 0
		if res.Inside {
			res.EntryCount = 1
		}
		return m.finish(req.ScanID, res).scanResponse()
	}

	if p.scanID == req.ScanID {
		return described(scriptResult{Accepted: true, Duplicate: true, Direction: string(models.DirectionEntry)}), nil
	}
	if p.Signature != "" && req.Signature != "" && p.Signature != req.Signature {
		return described(scriptResult{Reason: string(models.ResultTampered), ErrorMessage: "credential signature mismatch"}), nil
	}

	current := p.Status
	if r != nil && r.Status == models.ReservationCancelled {
		current = models.TicketCancelled
	}

	overridden := false
	blocked, message := blockReason(current, p.EventID, req.EventID, settings, at)
	if blocked == models.ResultInvalid {
		message = "reservation cancelled"
	}
	if blocked != "" {
		if !req.Force {
			return described(scriptResult{Reason: string(blocked), ErrorMessage: message}), nil
		}
		overridden = true
	}

	if p.Status == models.TicketScanned {
		if !req.Force {
			return described(scriptResult{
				AlreadyScanned: true,
				Reason:         string(models.ResultAlreadyUsed),
				ErrorMessage:   "guest pass already used",
			}), nil
		}
		overridden = true
	}

	if p.Status == models.TicketIssued {
		p.Status = models.TicketScanned
		p.ScannedAt = &at
		p.ScannedBy = req.ScannedBy
		p.ScannedDevice = req.DeviceID
		p.scanID = req.ScanID

		if r != nil {
			if r.CheckedInCount < r.GuestCount {
				r.CheckedInCount++
			}
			r.Status = models.StatusForProgress(r.CheckedInCount, r.GuestCount)
		}
	}

	return described(scriptResult{
		Accepted:      true,
		Overridden:    overridden,
		Direction:     string(models.DirectionEntry),
		ScannedAt:     msString(at),
		ScannedBy:     req.ScannedBy,
		ScannedDevice: req.DeviceID,
	}), nil
}

func (m *MemoryAuthority) CheckInVipReservation(ctx context.Context, req ReservationCheckInRequest) (*ReservationCheckInResponse, error) {
	if err := m.available(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if previous, ok := m.checkIns[req.RequestID]; ok {
		previous.Duplicate = true
		return &previous, nil
	}

	r, ok := m.reservations[req.ReservationID]
	if !ok {
		return nil, status.ErrReservationNotFound
	}
	if r.Status == models.ReservationCancelled {
		return nil, status.ErrTicketCancelled
	}

	at := req.At
	if at.IsZero() {
		at = m.now()
	}
	at = at.Truncate(time.Millisecond)

	want := req.Guests
	if want > r.Remaining() {
		want = r.Remaining()
	}
	if want < 0 {
		want = 0
	}

	ids := make([]string, 0)
	for id, p := range m.passes {
		if p.ReservationID == req.ReservationID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	marked := make([]string, 0)
	for _, id := range ids {
		if len(marked) >= want {
			break
		}
		p := m.passes[id]
		if p.Status != models.TicketIssued {
			continue
		}
		p.Status = models.TicketScanned
		p.ScannedAt = &at
		p.ScannedBy = req.StaffID
		p.ScannedDevice = req.DeviceID
		p.scanID = req.RequestID + ":" + id
		marked = append(marked, id)
	}

	r.CheckedInCount += want
	r.Status = models.StatusForProgress(r.CheckedInCount, r.GuestCount)

	resp := ReservationCheckInResponse{Reservation: *r, CheckedIn: want, PassIDs: marked}
	m.checkIns[req.RequestID] = resp
	return &resp, nil
}

func (m *MemoryAuthority) GetTicketsForEvent(ctx context.Context, eventID string) ([]models.Ticket, error) {
	if err := m.available(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tickets := make([]models.Ticket, 0)
	for _, t := range m.tickets {
		if t.EventID == eventID {
			tickets = append(tickets, t.Ticket)
		}
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].ID < tickets[j].ID })
	return tickets, nil
}

func (m *MemoryAuthority) GetVipPassesForEvent(ctx context.Context, eventID string) ([]models.VipGuestPass, error) {
	if err := m.available(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	passes := make([]models.VipGuestPass, 0)
	for _, p := range m.passes {
		if p.EventID == eventID {
			passes = append(passes, p.VipGuestPass)
		}
	}
	sort.Slice(passes, func(i, j int) bool { return passes[i].ID < passes[j].ID })
	return passes, nil
}

func (m *MemoryAuthority) GetEventSettings(ctx context.Context, eventID string) (*models.EventSettings, error) {
	if err := m.available(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	settings, ok := m.events[eventID]
	if !ok {
		return nil, status.ErrEventNotFound
	}
	return &settings, nil
}

func (m *MemoryAuthority) ResetTicket(ctx context.Context, ticketID string) (*models.Ticket, error) {
	if err := m.available(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[ticketID]
	if !ok {
		return nil, status.ErrTicketNotFound
	}
	if t.Status == models.TicketCancelled {
		return nil, status.ErrTicketCancelled
	}

	t.Status = models.TicketIssued
	t.Inside = false
	t.EntryCount = 0
	t.ExitCount = 0
	t.ScannedAt = nil
	t.ScannedBy = ""
	t.ScannedDevice = ""
	t.scanID = ""
	t.provisional = false

	ticket := t.Ticket
	return &ticket, nil
}

func (m *MemoryAuthority) Ping(ctx context.Context) error {
	return m.available(ctx)
}

