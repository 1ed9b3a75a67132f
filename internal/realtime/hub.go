package realtime

import (
	"context"
	"log/slog"
	"sync"

	"gate-system/models"
)

const (
	TypeTicketChange = "ticket_change"
	TypeScanVoided   = "scan_voided"

	subscriberBuffer = 64
)

// Envelope is the message exchanged between gate agents.
type Envelope struct {
	Type   string               `json:"type"`
	Source string               `json:"source"`
	Ticket *models.TicketChange `json:"ticket,omitempty"`
	Void   *models.VoidNotice   `json:"void,omitempty"`
}

// Hub fans envelopes out between gate agents. Delivery is best effort;
// nothing downstream depends on a message arriving.
type Hub interface {
	Publish(ctx context.Context, channel string, env Envelope) error
	// Subscribe delivers envelopes for the channels until the returned
	// func is called.
	Subscribe(channels ...string) (<-chan Envelope, func(), error)
	Close() error
}

func TicketTopic(eventID string) string {
	return "gate-ticket-" + eventID
}

func DeviceTopic(deviceID string) string {
	return "gate-device-" + deviceID
}

type subscriber struct {
	ch       chan Envelope
	channels []string
}

// registry is the channel to subscriber table shared by the hubs.
type registry struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	counts map[string]int
	closed bool
}

func newRegistry() *registry {
	return &registry{
		subs:   make(map[*subscriber]struct{}),
		counts: make(map[string]int),
	}
}

// add registers a subscriber and returns the channels that had none before.
func (r *registry) add(channels []string) (*subscriber, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &subscriber{ch: make(chan Envelope, subscriberBuffer), channels: channels}
	if r.closed {
		close(s.ch)
		return s, nil
	}

	r.subs[s] = struct{}{}
	var fresh []string
	for _, c := range channels {
		if r.counts[c] == 0 {
			fresh = append(fresh, c)
		}
		r.counts[c]++
	}
	return s, fresh
}

// remove drops a subscriber and returns the channels nobody listens to anymore.
func (r *registry) remove(s *subscriber) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[s]; !ok {
		return nil
	}
	delete(r.subs, s)
	close(s.ch)

	var idle []string
	for _, c := range s.channels {
		r.counts[c]--
		if r.counts[c] <= 0 {
			delete(r.counts, c)
			idle = append(idle, c)
		}
	}
	return idle
}

func (r *registry) deliver(channel string, env Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for s := range r.subs {
		if !listensTo(s, channel) {
			continue
		}
		select {
		case s.ch <- env:
		default:
			slog.Warn("realtime subscriber is full, dropping message", "channel", channel, "type", env.Type)
		}
	}
}

func (r *registry) close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for s := range r.subs {
		close(s.ch)
	}
	r.subs = map[*subscriber]struct{}{}
	r.counts = map[string]int{}
}

func listensTo(s *subscriber, channel string) bool {
	for _, c := range s.channels {
		if c == channel {
			return true
		}
	}
	return false
}
