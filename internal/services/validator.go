package services

import (
	"encoding/json"
	"strings"
	"time"
	"unicode"

	"gate-system/internal/status"
	"gate-system/models"
)

const maxCredentialLength = 128

// Credential is a decoded scan payload.
type Credential struct {
	TicketID  string                `json:"ticket_id"`
	Kind      models.CredentialKind `json:"kind"`
	Token     string                `json:"token,omitempty"`
	Signature string                `json:"signature,omitempty"`
}

// ParseCredential accepts a bare ticket id, a signed QR payload
// ({"ticket_id","token","signature"}) or a VIP guest pass ("vip:<id>").
func ParseCredential(raw string) (Credential, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Credential{}, status.ErrInvalidCredential
	}

	if strings.HasPrefix(raw, "{") {
		var cred Credential
		if err := json.Unmarshal([]byte(raw), &cred); err != nil {
			return Credential{}, status.ErrInvalidCredential
		}
		if !validID(cred.TicketID) {
			return Credential{}, status.ErrInvalidCredential
		}
		if cred.Kind == "" {
			cred.Kind = models.KindTicket
		}
		return cred, nil
	}

	if id, ok := strings.CutPrefix(raw, "vip:"); ok {
		if !validID(id) {
			return Credential{}, status.ErrInvalidCredential
		}
		return Credential{TicketID: id, Kind: models.KindVipPass}, nil
	}

	if !validID(raw) {
		return Credential{}, status.ErrInvalidCredential
	}
	return Credential{TicketID: raw, Kind: models.KindTicket}, nil
}

func validID(id string) bool {
	if id == "" || len(id) > maxCredentialLength {
		return false
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == '/' {
			return false
		}
	}
	return true
}

// ScanContext is everything the validator may consult besides ticket state.
type ScanContext struct {
	EventID  string
	DeviceID string
	StaffID  string
	Now      time.Time
	Override *models.OverrideSession
}

type Decision struct {
	Code       models.ResultCode
	Accepted   bool
	Message    string
	Direction  models.Direction
	Overridden bool
	Original   *models.ScanMeta

	// Bypassed is the rejection an active override turned into an accept.
	Bypassed models.ResultCode

	// Entry is the cache entry after the scan; only set when accepted.
	Entry *models.LocalCacheEntry
}

// Validate decides a scan from local knowledge alone. entry is nil on a
// cache miss; settings is nil when the event was never primed.
func Validate(cred Credential, entry *models.LocalCacheEntry, settings *models.EventSettings, sc ScanContext) Decision {
	if entry == nil {
		return Decision{
			Code:    models.ResultOfflineUnknown,
			Message: "ticket unknown offline, wait for connectivity",
		}
	}

	if entry.Signature != "" && cred.Signature != "" && entry.Signature != cred.Signature {
		return Decision{Code: models.ResultTampered, Message: "credential signature mismatch"}
	}

	override := sc.Override.ActiveAt(sc.Now)
	// guest passes are single entry regardless of the event setting
	reentry := settings != nil && settings.ReentryEnabled && entry.Kind != models.KindVipPass

	var blocked models.ResultCode
	var message string
	switch {
	case entry.Status == models.TicketCancelled:
		blocked, message = models.ResultInvalid, "ticket cancelled"
	case entry.EventID != sc.EventID:
		blocked, message = models.ResultWrongEvent, "ticket belongs to another event"
	case settings != nil && settings.Ended(sc.Now):
		blocked, message = models.ResultExpired, "event admission has ended"
	}

	var bypassed models.ResultCode
	if blocked != "" {
		if !override {
			return Decision{Code: blocked, Message: message}
		}
		bypassed = blocked
	}

	if entry.Status == models.TicketScanned && !reentry {
		if !override {
			decision := Decision{Code: models.ResultAlreadyUsed, Message: "ticket already scanned"}
			if entry.ScannedAt != nil {
				decision.Original = &models.ScanMeta{
					ScannedAt: *entry.ScannedAt,
					ScannedBy: entry.ScannedBy,
					DeviceID:  entry.ScannedDevice,
				}
			}
			return decision
		}
		if bypassed == "" {
			bypassed = models.ResultAlreadyUsed
		}
	}

	next := *entry
	direction := models.DirectionEntry
	if reentry && next.Inside {
		next.ExitCount++
		next.Inside = false
		direction = models.DirectionExit
	} else {
		next.EntryCount++
		next.Inside = true
	}

	if next.Status == models.TicketIssued {
		at := sc.Now
		next.Status = models.TicketScanned
		next.ScannedAt = &at
		next.ScannedBy = sc.StaffID
		next.ScannedDevice = sc.DeviceID
	}

	return Decision{
		Code:       models.ResultAccepted,
		Accepted:   true,
		Direction:  direction,
		Overridden: bypassed != "",
		Bypassed:   bypassed,
		Entry:      &next,
	}
}
