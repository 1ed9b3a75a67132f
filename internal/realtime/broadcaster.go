package realtime

import (
	"context"

	"gate-system/models"
)

// Broadcaster publishes scan outcomes so peer gates refresh their cache.
type Broadcaster struct {
	hub    Hub
	source string
}

func NewBroadcaster(hub Hub, source string) *Broadcaster {
	return &Broadcaster{hub: hub, source: source}
}

func (b *Broadcaster) TicketChanged(ctx context.Context, change models.TicketChange) error {
	change.Source = b.source
	return b.hub.Publish(ctx, TicketTopic(change.EventID), Envelope{
		Type:   TypeTicketChange,
		Source: b.source,
		Ticket: &change,
	})
}

// ScanVoided goes to the event topic, where every gate that might hold the
// voided scan listens, and to the device topic for scanner screens.
func (b *Broadcaster) ScanVoided(ctx context.Context, notice models.VoidNotice) error {
	env := Envelope{
		Type:   TypeScanVoided,
		Source: b.source,
		Void:   &notice,
	}

	if err := b.hub.Publish(ctx, TicketTopic(notice.EventID), env); err != nil {
		return err
	}
	return b.hub.Publish(ctx, DeviceTopic(notice.DeviceID), env)
}
