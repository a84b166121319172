package booking

import (
	"fmt"
	"math"
)

// amountTolerance absorbs float rounding when comparing money values.
const amountTolerance = 0.005

// BookingItem is one bookable unit of an itinerary.
// HoldID, ConfirmedID, Status and Meta are owned by the saga once orchestration starts.
type BookingItem struct {
	ItemID      string     `json:"item_id"`
	ItemType    ItemType   `json:"item_type"`
	Description string     `json:"description,omitempty"`
	Provider    string     `json:"provider"`
	Price       float64    `json:"price"`
	Taxes       float64    `json:"taxes"`
	Total       float64    `json:"total"`
	Currency    string     `json:"currency"`
	HoldID      string     `json:"hold_id,omitempty"`
	ConfirmedID string     `json:"confirmed_id,omitempty"`
	Status      ItemStatus `json:"status"`
	Meta        Meta       `json:"meta"`
}

// FailureReason maps a failed item's recorded error code back to its sentinel.
// It returns nil for items that are not failed.
func (i BookingItem) FailureReason() error {
	if i.Status != ItemFailed {
		return nil
	}
	if err, ok := codeErrors[i.Meta.String(MetaErrorKey)]; ok {
		return err
	}
	if i.HoldID == "" {
		return ErrReserveRejected
	}
	return ErrConfirmRejected
}

// Clone returns a copy that shares no mutable state with i.
func (i BookingItem) Clone() BookingItem {
	i.Meta = i.Meta.Clone()
	return i
}

// BookingRequest is the itinerary-level aggregate driven through the saga.
type BookingRequest struct {
	ID             string        `json:"id,omitempty"`
	UserID         string        `json:"user_id"`
	ItineraryID    string        `json:"itinerary_id"`
	Currency       string        `json:"currency"`
	TotalAmount    float64       `json:"total_amount"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Items          []BookingItem `json:"items"`
	Status         RequestStatus `json:"status"`
}

// Validate rejects requests the saga cannot run at all.
func (r *BookingRequest) Validate() error {
	if r == nil || len(r.Items) == 0 {
		return ErrNoItems
	}
	seen := make(map[string]struct{}, len(r.Items))
	for idx, item := range r.Items {
		if item.ItemID == "" {
			return fmt.Errorf("item %d: %w", idx, ErrMissingItemID)
		}
		if _, dup := seen[item.ItemID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateItemID, item.ItemID)
		}
		seen[item.ItemID] = struct{}{}
		if !item.ItemType.Valid() {
			return fmt.Errorf("item %s: %w: %q", item.ItemID, ErrUnknownItemType, item.ItemType)
		}
		if item.Status != "" && !item.Status.Valid() {
			return fmt.Errorf("item %s: %w: %q", item.ItemID, ErrUnknownStatus, item.Status)
		}
	}
	if r.Status != "" && !r.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, r.Status)
	}
	return nil
}

// Normalize fills in default statuses for a freshly submitted request.
func (r *BookingRequest) Normalize() {
	if r.Status == "" {
		r.Status = RequestCreated
	}
	for idx := range r.Items {
		if r.Items[idx].Status == "" {
			r.Items[idx].Status = ItemPending
		}
		if r.Items[idx].Currency == "" {
			r.Items[idx].Currency = r.Currency
		}
	}
}

// Discrepancies reports pricing inconsistencies. They are warnings, not validation errors.
func (r *BookingRequest) Discrepancies() []string {
	var out []string
	var sum float64
	for _, item := range r.Items {
		sum += item.Total
		if math.Abs(item.Price+item.Taxes-item.Total) > amountTolerance {
			out = append(out, fmt.Sprintf("item %s: total %.2f != price %.2f + taxes %.2f",
				item.ItemID, item.Total, item.Price, item.Taxes))
		}
	}
	if math.Abs(sum-r.TotalAmount) > amountTolerance {
		out = append(out, fmt.Sprintf("total_amount %.2f != sum of item totals %.2f", r.TotalAmount, sum))
	}
	return out
}

// Item returns a pointer to the item with the given id.
func (r *BookingRequest) Item(itemID string) (*BookingItem, bool) {
	for idx := range r.Items {
		if r.Items[idx].ItemID == itemID {
			return &r.Items[idx], true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the request.
func (r BookingRequest) Clone() BookingRequest {
	items := make([]BookingItem, len(r.Items))
	for idx, item := range r.Items {
		items[idx] = item.Clone()
	}
	r.Items = items
	return r
}

// SamePayload reports whether two requests describe the same logical booking.
// It is used to detect an idempotency key reused for a different itinerary.
func (r *BookingRequest) SamePayload(other *BookingRequest) bool {
	if r.UserID != other.UserID || r.ItineraryID != other.ItineraryID || r.Currency != other.Currency {
		return false
	}
	if math.Abs(r.TotalAmount-other.TotalAmount) > amountTolerance || len(r.Items) != len(other.Items) {
		return false
	}
	for idx := range r.Items {
		a, b := r.Items[idx], other.Items[idx]
		if a.ItemID != b.ItemID || a.ItemType != b.ItemType || math.Abs(a.Total-b.Total) > amountTolerance {
			return false
		}
	}
	return true
}
