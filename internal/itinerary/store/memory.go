package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tripbooker/internal/booking"
)

// Memory is an in-process Store.
type Memory struct {
	mu       sync.RWMutex
	requests map[string]booking.BookingRequest
	keys     map[string]string
	steps    map[string][]Step
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		requests: make(map[string]booking.BookingRequest),
		keys:     make(map[string]string),
		steps:    make(map[string][]Step),
		now:      time.Now,
	}
}

func (m *Memory) Create(ctx context.Context, req booking.BookingRequest) (booking.BookingRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.IdempotencyKey != "" {
		if id, ok := m.keys[req.IdempotencyKey]; ok {
			existing := m.requests[id]
			if !existing.SamePayload(&req) {
				return booking.BookingRequest{}, false, ErrIdempotencyConflict
			}
			return existing.Clone(), false, nil
		}
	}
	if _, dup := m.requests[req.ID]; dup {
		return booking.BookingRequest{}, false, fmt.Errorf("booking request %s already exists", req.ID)
	}

	m.requests[req.ID] = req.Clone()
	if req.IdempotencyKey != "" {
		m.keys[req.IdempotencyKey] = req.ID
	}
	return req.Clone(), true, nil
}

func (m *Memory) Load(ctx context.Context, id string) (booking.BookingRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return booking.BookingRequest{}, ErrNotFound
	}
	return req.Clone(), nil
}

func (m *Memory) Save(ctx context.Context, req booking.BookingRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.ID]; !ok {
		return ErrNotFound
	}
	m.requests[req.ID] = req.Clone()
	return nil
}

func (m *Memory) AddStep(ctx context.Context, requestID string, step Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[requestID]; !ok {
		return ErrNotFound
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = m.now()
	}
	m.steps[requestID] = append(m.steps[requestID], step)
	return nil
}

func (m *Memory) Steps(ctx context.Context, requestID string) ([]Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Step(nil), m.steps[requestID]...), nil
}
