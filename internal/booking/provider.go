package booking

import (
	"context"
	"fmt"
	"sort"
)

// Result is a provider's answer to Reserve or Confirm.
// ID carries the hold id for Reserve and the confirmation id for Confirm.
type Result struct {
	Success bool
	ID      string
	Raw     Meta
}

// PaymentAuth is an opaque proof of payment produced by an external checkout.
type PaymentAuth struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Extra Meta   `json:"extra,omitempty"`
}

// Provider is the capability every booking backend implements.
//
// A nil error with Success == false is an explicit business rejection.
// A non-nil error is a transport or timeout failure and is treated as
// ErrProviderUnavailable. CancelHold must tolerate consumed or expired holds.
type Provider interface {
	Reserve(ctx context.Context, item BookingItem) (Result, error)
	Confirm(ctx context.Context, item BookingItem, auth PaymentAuth) (Result, error)
	CancelHold(ctx context.Context, holdID string) (bool, error)
}

// Registry maps item types to providers.
type Registry struct {
	providers map[ItemType]Provider
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[ItemType]Provider)}
}

// Register maps an item type to a provider, replacing any previous mapping.
func (r *Registry) Register(t ItemType, p Provider) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownItemType, t)
	}
	if p == nil {
		return fmt.Errorf("nil provider for %s", t)
	}
	r.providers[t] = p
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(t ItemType, p Provider) *Registry {
	if err := r.Register(t, p); err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the provider for t.
func (r *Registry) Lookup(t ItemType) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	p, ok := r.providers[t]
	return p, ok
}

// Types returns the registered item types in sorted order.
func (r *Registry) Types() []ItemType {
	if r == nil {
		return nil
	}
	out := make([]ItemType, 0, len(r.providers))
	for t := range r.providers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Wrap returns a new registry with every provider passed through wrap.
func (r *Registry) Wrap(wrap func(ItemType, Provider) Provider) *Registry {
	out := NewRegistry()
	if r == nil {
		return out
	}
	for t, p := range r.providers {
		out.providers[t] = wrap(t, p)
	}
	return out
}
