package saga

import (
	"errors"
	"fmt"

	"tripbooker/internal/booking"
)

// CompensationFailure is a hold that could not be released.
// Err always matches booking.ErrCompensationFailed.
type CompensationFailure struct {
	ItemID string
	HoldID string
	Err    error
}

func (f CompensationFailure) Error() string {
	return fmt.Sprintf("item %s hold %s: %v", f.ItemID, f.HoldID, f.Err)
}

func (f CompensationFailure) Unwrap() error { return f.Err }

// Outcome is the result of one saga phase.
type Outcome struct {
	Request              *booking.BookingRequest
	CompensationFailures []CompensationFailure
}

// Succeeded reports whether the itinerary is fully confirmed with nothing left to reconcile.
func (o *Outcome) Succeeded() bool {
	if o == nil || o.Request == nil {
		return false
	}
	return o.Request.Status == booking.RequestConfirmed && len(o.CompensationFailures) == 0
}

// Err joins every outstanding compensation failure, or returns nil.
func (o *Outcome) Err() error {
	if o == nil || len(o.CompensationFailures) == 0 {
		return nil
	}
	errs := make([]error, len(o.CompensationFailures))
	for i, f := range o.CompensationFailures {
		errs[i] = f
	}
	return errors.Join(errs...)
}
