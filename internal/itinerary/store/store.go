// Package store defines persistence for booking requests and their saga log.
package store

import (
	"context"
	"errors"
	"time"

	"tripbooker/internal/booking"
)

var (
	ErrNotFound            = errors.New("booking request not found")
	ErrIdempotencyConflict = errors.New("idempotency key reused with different payload")
)

// Step is one entry of a request's saga log.
type Step struct {
	Phase     string
	Status    string
	Detail    string
	CreatedAt time.Time
}

// Store persists booking requests. Implementations return copies; callers own what they get back.
type Store interface {
	// Create inserts req or, when its idempotency key is already known, returns the stored
	// request with created == false. A known key with a different payload is ErrIdempotencyConflict.
	Create(ctx context.Context, req booking.BookingRequest) (stored booking.BookingRequest, created bool, err error)
	Load(ctx context.Context, id string) (booking.BookingRequest, error)
	Save(ctx context.Context, req booking.BookingRequest) error
	AddStep(ctx context.Context, requestID string, step Step) error
	Steps(ctx context.Context, requestID string) ([]Step, error)
}
