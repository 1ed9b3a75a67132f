package realtime

import (
	"context"
	"log/slog"

	"gate-system/models"
)

// Sink applies what peer gates report.
type Sink interface {
	ApplyTicketChange(ctx context.Context, change models.TicketChange) error
	ApplyVoidNotice(ctx context.Context, notice models.VoidNotice) error
}

// Dispatcher feeds envelopes from a Hub into a Sink, skipping its own.
type Dispatcher struct {
	hub    Hub
	sink   Sink
	source string
}

func NewDispatcher(hub Hub, sink Sink, source string) *Dispatcher {
	return &Dispatcher{hub: hub, sink: sink, source: source}
}

// Run blocks until ctx is done or the hub closes.
func (d *Dispatcher) Run(ctx context.Context, channels ...string) error {
	messages, unsubscribe, err := d.hub.Subscribe(channels...)
	if err != nil {
		return err
	}
	defer unsubscribe()

	slog.Info("listening for gate changes", "channels", channels)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-messages:
			if !ok {
				return nil
			}
			d.dispatch(ctx, env)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, env Envelope) {
	if env.Source == d.source {
		return
	}

	var err error
	switch env.Type {
	case TypeTicketChange:
		if env.Ticket != nil {
			err = d.sink.ApplyTicketChange(ctx, *env.Ticket)
		}
	case TypeScanVoided:
		if env.Void != nil {
			err = d.sink.ApplyVoidNotice(ctx, *env.Void)
		}
	default:
		slog.Debug("ignoring realtime message", "type", env.Type, "source", env.Source)
		return
	}

	if err != nil {
		slog.Error("failed to apply gate change", "type", env.Type, "source", env.Source, "error", err)
	}
}
