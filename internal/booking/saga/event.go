package saga

import "tripbooker/internal/booking"

// Phase names the saga step that produced an event.
type Phase string

const (
	PhaseReserve    Phase = "reserve"
	PhaseConfirm    Phase = "confirm"
	PhaseCompensate Phase = "compensate"
	// PhaseCallback marks changes reported asynchronously by a provider.
	PhaseCallback Phase = "callback"
)

// Event describes a status change produced by a phase. Item events carry an ItemID;
// the closing event of a phase carries only the request status.
type Event struct {
	RequestID string           `json:"request_id"`
	ItemID    string           `json:"item_id,omitempty"`
	ItemType  booking.ItemType `json:"item_type,omitempty"`
	Phase     Phase            `json:"phase"`
	Status    string           `json:"status"`
	Error     string           `json:"error,omitempty"`
}

// Observer receives events. It is called from worker goroutines and must be safe for concurrent use.
type Observer func(Event)

// FanOut delivers each event to every non-nil observer in order.
func FanOut(observers ...Observer) Observer {
	active := make([]Observer, 0, len(observers))
	for _, obs := range observers {
		if obs != nil {
			active = append(active, obs)
		}
	}
	return func(ev Event) {
		for _, obs := range active {
			obs(ev)
		}
	}
}
