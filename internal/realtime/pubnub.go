package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	pubnub "github.com/pubnub/go"

	"gate-system/config"
)

// PubNubHub relays envelopes between gate agents over PubNub channels.
type PubNubHub struct {
	pn       *pubnub.PubNub
	listener *pubnub.Listener
	reg      *registry
	done     chan struct{}
}

// NewHub picks PubNub when keys are configured and falls back to an
// in-process hub otherwise.
func NewHub(cfg *config.Config) Hub {
	if cfg.PubNubPublishKey == "" || cfg.PubNubSubscribeKey == "" {
		slog.Info("pubnub keys not configured, gate changes stay local")
		return NewMemoryHub()
	}

	pnConfig := pubnub.NewConfig()
	pnConfig.PublishKey = cfg.PubNubPublishKey
	pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
	pnConfig.SecretKey = cfg.PubNubSecretKey
	pnConfig.UUID = cfg.GateID

	return NewPubNubHub(pubnub.NewPubNub(pnConfig))
}

func NewPubNubHub(pn *pubnub.PubNub) *PubNubHub {
	h := &PubNubHub{
		pn:       pn,
		listener: pubnub.NewListener(),
		reg:      newRegistry(),
		done:     make(chan struct{}),
	}

	pn.AddListener(h.listener)
	go h.listen()

	return h
}

func (h *PubNubHub) listen() {
	for {
		select {
		case <-h.done:
			return
		case message := <-h.listener.Message:
			h.handle(message)
		case status := <-h.listener.Status:
			if status != nil && status.Error {
				slog.Warn("pubnub status error", "category", status.Category, "operation", status.Operation)
			}
		}
	}
}

func (h *PubNubHub) handle(message *pubnub.PNMessage) {
	if message == nil {
		return
	}

	env, err := decodeEnvelope(message.Message)
	if err != nil {
		slog.Warn("dropping malformed realtime message", "channel", message.Channel, "error", err)
		return
	}

	h.reg.deliver(message.Channel, env)
}

// decodeEnvelope turns the generic JSON value PubNub hands back into an
// Envelope.
func decodeEnvelope(payload interface{}) (Envelope, error) {
	var env Envelope

	var raw []byte
	switch v := payload.(type) {
	case string:
		raw = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return env, err
		}
		raw = b
	}

	if err := json.Unmarshal(raw, &env); err != nil {
		return env, err
	}
	if env.Type == "" {
		return env, fmt.Errorf("realtime: message without type")
	}
	return env, nil
}

func (h *PubNubHub) Publish(ctx context.Context, channel string, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, _, err := h.pn.Publish().
		Channel(channel).
		Message(env).
		Execute()
	if err != nil {
		return fmt.Errorf("realtime: publish to %s: %w", channel, err)
	}
	return nil
}

func (h *PubNubHub) Subscribe(channels ...string) (<-chan Envelope, func(), error) {
	s, fresh := h.reg.add(channels)
	if len(fresh) > 0 {
		h.pn.Subscribe().
			Channels(fresh).
			Execute()
	}

	unsubscribe := func() {
		if idle := h.reg.remove(s); len(idle) > 0 {
			h.pn.Unsubscribe().
				Channels(idle).
				Execute()
		}
	}
	return s.ch, unsubscribe, nil
}

func (h *PubNubHub) Close() error {
	select {
	case <-h.done:
		return nil
	default:
	}

	close(h.done)
	h.pn.RemoveListener(h.listener)
	h.pn.UnsubscribeAll()
	h.reg.close()
	return nil
}
