package saga

import (
	"context"
	"errors"
	"sync"
	"time"

	"tripbooker/internal/booking"
)

var errConnReset = errors.New("connection reset by peer")

// fakeProvider is a scriptable provider keyed by item id.
type fakeProvider struct {
	kind string

	mu           sync.Mutex
	rejectHold   map[string]booking.Meta
	rejectConf   map[string]bool
	transport    map[string]error
	failCancel   map[string]bool
	reserveDelay time.Duration
	panicOn      string

	reserves []string
	confirms []string
	cancels  []string
	inFlight int
	maxSeen  int
}

func newFakeProvider(kind string) *fakeProvider {
	return &fakeProvider{
		kind:       kind,
		rejectHold: make(map[string]booking.Meta),
		rejectConf: make(map[string]bool),
		transport:  make(map[string]error),
		failCancel: make(map[string]bool),
	}
}

func (f *fakeProvider) Reserve(ctx context.Context, item booking.BookingItem) (booking.Result, error) {
	f.mu.Lock()
	f.reserves = append(f.reserves, item.ItemID)
	f.inFlight++
	f.maxSeen = max(f.maxSeen, f.inFlight)
	delay := f.reserveDelay
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if item.ItemID == f.panicOn {
		panic("provider exploded")
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transport[item.ItemID]; err != nil {
		return booking.Result{}, err
	}
	if raw, ok := f.rejectHold[item.ItemID]; ok {
		return booking.Result{Success: false, Raw: raw}, nil
	}
	return booking.Result{
		Success: true,
		ID:      "hold-" + f.kind + "-" + item.ItemID,
		Raw:     booking.MetaOf("price", item.Price, "provider", "mock_"+f.kind),
	}, nil
}

func (f *fakeProvider) Confirm(ctx context.Context, item booking.BookingItem, auth booking.PaymentAuth) (booking.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms = append(f.confirms, item.ItemID)
	if f.rejectConf[item.ItemID] {
		return booking.Result{Success: false}, nil
	}
	return booking.Result{
		Success: true,
		ID:      "CONF-" + item.ItemID,
		Raw:     booking.MetaOf("ticket_id", "TICKET-"+item.ItemID, "auth_id", auth.ID),
	}, nil
}

func (f *fakeProvider) CancelHold(ctx context.Context, holdID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, holdID)
	return !f.failCancel[holdID], nil
}

func (f *fakeProvider) calls() (reserves, confirms, cancels []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reserves...), append([]string(nil), f.confirms...), append([]string(nil), f.cancels...)
}
