// Package providers contains deterministic in-process booking backends used by
// the demo command, local development and tests.
package providers

import (
	"context"
	"sync"
	"time"

	"tripbooker/internal/booking"
)

// Profile describes the identifiers and payloads a simulated backend produces.
type Profile struct {
	Kind          booking.ItemType
	Name          string
	ConfirmPrefix string
	ReceiptKey    string
	ReceiptPrefix string
	Latency       time.Duration
}

var (
	FlightProfile     = Profile{Kind: booking.ItemFlight, Name: "mock_flight", ConfirmPrefix: "CONF-FLT-", ReceiptKey: "ticket_id", ReceiptPrefix: "TICKET-", Latency: 50 * time.Millisecond}
	HotelProfile      = Profile{Kind: booking.ItemHotel, Name: "mock_hotel", ConfirmPrefix: "CONF-HOT-", ReceiptKey: "booking_reference", ReceiptPrefix: "BOOK-", Latency: 50 * time.Millisecond}
	CabProfile        = Profile{Kind: booking.ItemCab, Name: "mock_cab", ConfirmPrefix: "CONF-CAB-", ReceiptKey: "ride_id", ReceiptPrefix: "RIDE-", Latency: 20 * time.Millisecond}
	AttractionProfile = Profile{Kind: booking.ItemAttraction, Name: "mock_attraction", ConfirmPrefix: "CONF-ATT-", ReceiptKey: "pass_id", ReceiptPrefix: "PASS-", Latency: 20 * time.Millisecond}
)

type holdState int

const (
	holdActive holdState = iota
	holdConsumed
	holdReleased
)

// Simulated is a scriptable provider. Failures are injected per item id or hold id.
type Simulated struct {
	profile Profile

	mu             sync.Mutex
	holds          map[string]holdState
	rejectReserve  map[string]string
	rejectConfirm  map[string]string
	unavailable    map[string]error
	refuseCancel   map[string]bool
	cancelAttempts map[string]int
}

func New(profile Profile) *Simulated {
	return &Simulated{
		profile:        profile,
		holds:          make(map[string]holdState),
		rejectReserve:  make(map[string]string),
		rejectConfirm:  make(map[string]string),
		unavailable:    make(map[string]error),
		refuseCancel:   make(map[string]bool),
		cancelAttempts: make(map[string]int),
	}
}

func (s *Simulated) Profile() Profile { return s.profile }

// RejectReserve makes Reserve of itemID a business rejection with the given reason.
func (s *Simulated) RejectReserve(itemID, reason string) *Simulated {
	s.mu.Lock()
	s.rejectReserve[itemID] = reason
	s.mu.Unlock()
	return s
}

// RejectConfirm makes Confirm of itemID a business rejection with the given reason.
func (s *Simulated) RejectConfirm(itemID, reason string) *Simulated {
	s.mu.Lock()
	s.rejectConfirm[itemID] = reason
	s.mu.Unlock()
	return s
}

// FailTransport makes every call for itemID return err.
func (s *Simulated) FailTransport(itemID string, err error) *Simulated {
	s.mu.Lock()
	s.unavailable[itemID] = err
	s.mu.Unlock()
	return s
}

// RefuseCancel makes CancelHold of holdID report failure until AllowCancel is called.
func (s *Simulated) RefuseCancel(holdID string) *Simulated {
	s.mu.Lock()
	s.refuseCancel[holdID] = true
	s.mu.Unlock()
	return s
}

func (s *Simulated) AllowCancel(holdID string) {
	s.mu.Lock()
	delete(s.refuseCancel, holdID)
	s.mu.Unlock()
}

// HoldID returns the hold id Reserve grants for itemID.
func (s *Simulated) HoldID(itemID string) string {
	return "hold-" + string(s.profile.Kind) + "-" + itemID
}

func (s *Simulated) Reserve(ctx context.Context, item booking.BookingItem) (booking.Result, error) {
	if err := s.wait(ctx, s.profile.Latency); err != nil {
		return booking.Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable[item.ItemID]; err != nil {
		return booking.Result{}, err
	}
	if reason, ok := s.rejectReserve[item.ItemID]; ok {
		return booking.Result{Raw: booking.MetaOf("provider", s.profile.Name, "reason", reason)}, nil
	}

	holdID := s.HoldID(item.ItemID)
	s.holds[holdID] = holdActive
	return booking.Result{
		Success: true,
		ID:      holdID,
		Raw:     booking.MetaOf("price", item.Price, "provider", s.profile.Name),
	}, nil
}

func (s *Simulated) Confirm(ctx context.Context, item booking.BookingItem, auth booking.PaymentAuth) (booking.Result, error) {
	if err := s.wait(ctx, s.profile.Latency); err != nil {
		return booking.Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable[item.ItemID]; err != nil {
		return booking.Result{}, err
	}
	if reason, ok := s.rejectConfirm[item.ItemID]; ok {
		return booking.Result{Raw: booking.MetaOf("reason", reason)}, nil
	}
	if state, ok := s.holds[item.HoldID]; !ok || state != holdActive {
		return booking.Result{Raw: booking.MetaOf("reason", "hold not active")}, nil
	}
	if auth.ID == "" {
		return booking.Result{Raw: booking.MetaOf("reason", "missing payment authorization")}, nil
	}

	s.holds[item.HoldID] = holdConsumed
	return booking.Result{
		Success: true,
		ID:      s.profile.ConfirmPrefix + item.ItemID,
		Raw:     booking.MetaOf(s.profile.ReceiptKey, s.profile.ReceiptPrefix+item.ItemID),
	}, nil
}

// CancelHold releases an active hold. Consumed, released and unknown holds succeed.
func (s *Simulated) CancelHold(ctx context.Context, holdID string) (bool, error) {
	if err := s.wait(ctx, s.profile.Latency/2); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelAttempts[holdID]++
	if s.refuseCancel[holdID] {
		return false, nil
	}
	if state, ok := s.holds[holdID]; ok && state == holdActive {
		s.holds[holdID] = holdReleased
	}
	return true, nil
}

// ActiveHolds returns how many holds are neither consumed nor released.
func (s *Simulated) ActiveHolds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, state := range s.holds {
		if state == holdActive {
			n++
		}
	}
	return n
}

// Released reports whether holdID was released by CancelHold.
func (s *Simulated) Released(holdID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holds[holdID] == holdReleased
}

func (s *Simulated) CancelAttempts(holdID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelAttempts[holdID]
}

func (s *Simulated) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Set bundles one simulated provider per item type.
type Set struct {
	Flight     *Simulated
	Hotel      *Simulated
	Cab        *Simulated
	Attraction *Simulated
}

// NewSet builds simulated providers. A non-negative latency overrides every profile's default.
func NewSet(latency time.Duration) *Set {
	build := func(p Profile) *Simulated {
		if latency >= 0 {
			p.Latency = latency
		}
		return New(p)
	}
	return &Set{
		Flight:     build(FlightProfile),
		Hotel:      build(HotelProfile),
		Cab:        build(CabProfile),
		Attraction: build(AttractionProfile),
	}
}

// Registry maps every non-nil provider of the set by its item type.
func (s *Set) Registry() *booking.Registry {
	reg := booking.NewRegistry()
	for _, p := range []*Simulated{s.Flight, s.Hotel, s.Cab, s.Attraction} {
		if p != nil {
			reg.MustRegister(p.profile.Kind, p)
		}
	}
	return reg
}
