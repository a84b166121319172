package booking

import "fmt"

// ItemType selects which provider handles a booking item.
type ItemType string

const (
	ItemFlight     ItemType = "flight"
	ItemHotel      ItemType = "hotel"
	ItemAttraction ItemType = "attraction"
	ItemCab        ItemType = "cab"
)

// ItemTypes lists every supported item type.
var ItemTypes = []ItemType{ItemFlight, ItemHotel, ItemAttraction, ItemCab}

// Valid reports whether t is a supported item type.
func (t ItemType) Valid() bool {
	switch t {
	case ItemFlight, ItemHotel, ItemAttraction, ItemCab:
		return true
	}
	return false
}

// ParseItemType converts raw input into an ItemType.
func ParseItemType(raw string) (ItemType, error) {
	t := ItemType(raw)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownItemType, raw)
	}
	return t, nil
}

// ItemStatus captures where an item is in the reserve/confirm lifecycle.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemHeld      ItemStatus = "held"
	ItemConfirmed ItemStatus = "confirmed"
	ItemFailed    ItemStatus = "failed"
	ItemCancelled ItemStatus = "cancelled"
)

// Valid reports whether s is a known item status.
func (s ItemStatus) Valid() bool {
	switch s {
	case ItemPending, ItemHeld, ItemConfirmed, ItemFailed, ItemCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the saga may move an item from s to next.
// failed -> cancelled is only legal for items that held a hold; callers check that separately.
func (s ItemStatus) CanTransition(next ItemStatus) bool {
	switch s {
	case ItemPending:
		return next == ItemHeld || next == ItemFailed
	case ItemHeld:
		return next == ItemConfirmed || next == ItemFailed || next == ItemCancelled
	case ItemFailed:
		return next == ItemCancelled
	}
	return false
}

// RequestStatus is the aggregate state of a booking request.
type RequestStatus string

const (
	RequestCreated    RequestStatus = "created"
	RequestAuthorized RequestStatus = "authorized"
	RequestConfirmed  RequestStatus = "confirmed"
	RequestFailed     RequestStatus = "failed"
	RequestCancelled  RequestStatus = "cancelled"
)

// Valid reports whether s is a known request status.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestCreated, RequestAuthorized, RequestConfirmed, RequestFailed, RequestCancelled:
		return true
	}
	return false
}

// DeriveStatus computes the request status implied by its item states.
// It never yields RequestAuthorized; that state is set when a payment
// authorization is accepted and only lasts until the confirm phase ends.
func DeriveStatus(items []BookingItem) RequestStatus {
	if len(items) == 0 {
		return RequestCreated
	}

	var confirmed, cancelled, failed int
	for _, item := range items {
		switch item.Status {
		case ItemConfirmed:
			confirmed++
		case ItemCancelled:
			cancelled++
		case ItemFailed:
			failed++
		}
	}

	switch {
	case confirmed == len(items):
		return RequestConfirmed
	case cancelled == len(items):
		return RequestCancelled
	case failed > 0 || cancelled > 0:
		return RequestFailed
	}
	return RequestCreated
}

// Withdrawn reports whether every item is still pending or was released, meaning a caller
// abort leaves nothing booked and nothing failed.
func Withdrawn(items []BookingItem) bool {
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		if item.Status != ItemPending && item.Status != ItemCancelled {
			return false
		}
	}
	return true
}

// NextStatus re-derives a request status from its items while keeping the explicit
// authorized and cancelled states that item statuses alone cannot express.
func NextStatus(current RequestStatus, items []BookingItem) RequestStatus {
	derived := DeriveStatus(items)
	switch {
	case current == RequestAuthorized && derived == RequestCreated:
		return current
	case current == RequestCancelled && Withdrawn(items):
		return current
	}
	return derived
}
