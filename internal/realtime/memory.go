package realtime

import (
	"context"
)

// MemoryHub delivers envelopes inside one process. It backs single-gate
// deployments and tests.
type MemoryHub struct {
	reg *registry
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{reg: newRegistry()}
}

func (h *MemoryHub) Publish(ctx context.Context, channel string, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.reg.deliver(channel, env)
	return nil
}

func (h *MemoryHub) Subscribe(channels ...string) (<-chan Envelope, func(), error) {
	s, _ := h.reg.add(channels)
	return s.ch, func() { h.reg.remove(s) }, nil
}

func (h *MemoryHub) Close() error {
	h.reg.close()
	return nil
}
