package dispatch

import (
	"context"
	"sort"
	"sync"

	"reminderd/internal/domain"
)

// Capability delivers one message to one contact over a single medium.
// It reports whether the message was accepted; a non-nil error is logged and
// counts as not delivered.
type Capability interface {
	Send(ctx context.Context, contact, message string) (bool, error)
}

// CapabilityFunc adapts a plain function to Capability.
type CapabilityFunc func(ctx context.Context, contact, message string) (bool, error)

func (f CapabilityFunc) Send(ctx context.Context, contact, message string) (bool, error) {
	return f(ctx, contact, message)
}

// Registry maps channel kinds to capabilities. The last registration for a
// kind wins. Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	caps map[domain.ChannelKind]Capability
}

func NewRegistry() *Registry {
	return &Registry{caps: map[domain.ChannelKind]Capability{}}
}

func (r *Registry) Register(kind domain.ChannelKind, c Capability) {
	if c == nil {
		return
	}
	r.mu.Lock()
	r.caps[kind] = c
	r.mu.Unlock()
}

func (r *Registry) Unregister(kind domain.ChannelKind) {
	r.mu.Lock()
	delete(r.caps, kind)
	r.mu.Unlock()
}

func (r *Registry) Lookup(kind domain.ChannelKind) (Capability, bool) {
	r.mu.RLock()
	c, ok := r.caps[kind]
	r.mu.RUnlock()
	return c, ok
}

// Kinds lists registered kinds in lexical order.
func (r *Registry) Kinds() []domain.ChannelKind {
	r.mu.RLock()
	out := make([]domain.ChannelKind, 0, len(r.caps))
	for k := range r.caps {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
