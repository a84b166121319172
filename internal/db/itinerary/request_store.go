package itinerarydb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"tripbooker/internal/booking"
	"tripbooker/internal/itinerary/store"
)

// RequestStore persists booking requests, their items and the saga log in Postgres.
type RequestStore struct {
	db *sql.DB
}

var _ store.Store = (*RequestStore)(nil)

// NewRequestStore constructs a RequestStore backed by Postgres.
func NewRequestStore(db *sql.DB) *RequestStore {
	return &RequestStore{db: db}
}

// NewRequestStoreWithSchema initializes the schema then returns the store.
func NewRequestStoreWithSchema(ctx context.Context, db *sql.DB) (*RequestStore, error) {
	s := NewRequestStore(db)
	if err := s.InitSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// InitSchema creates booking tables if they do not exist.
// Item meta is JSON rather than JSONB so key order survives a round trip.
func (s *RequestStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS booking_requests (
			id TEXT PRIMARY KEY,
			idempotency_key TEXT UNIQUE,
			user_id TEXT NOT NULL,
			itinerary_id TEXT NOT NULL,
			currency TEXT NOT NULL,
			total_amount DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS booking_items (
			request_id TEXT NOT NULL REFERENCES booking_requests(id) ON DELETE CASCADE,
			position INT NOT NULL,
			item_id TEXT NOT NULL,
			item_type TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			price DOUBLE PRECISION NOT NULL,
			taxes DOUBLE PRECISION NOT NULL DEFAULT 0,
			total DOUBLE PRECISION NOT NULL,
			currency TEXT NOT NULL,
			hold_id TEXT NOT NULL DEFAULT '',
			confirmed_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			meta JSON NOT NULL DEFAULT '{}',
			PRIMARY KEY (request_id, item_id)
		)`,
		`CREATE TABLE IF NOT EXISTS booking_saga_steps (
			id BIGSERIAL PRIMARY KEY,
			request_id TEXT NOT NULL REFERENCES booking_requests(id) ON DELETE CASCADE,
			phase TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS booking_requests_itinerary_idx ON booking_requests (itinerary_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Create inserts the request or returns the one already stored under its idempotency key.
func (s *RequestStore) Create(ctx context.Context, req booking.BookingRequest) (booking.BookingRequest, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return booking.BookingRequest{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO booking_requests (id, idempotency_key, user_id, itinerary_id, currency, total_amount, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		req.ID, nullableKey(req.IdempotencyKey), req.UserID, req.ItineraryID, req.Currency, req.TotalAmount, string(req.Status),
	)
	if err != nil {
		return booking.BookingRequest{}, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return booking.BookingRequest{}, false, err
	}

	if affected == 0 {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			return booking.BookingRequest{}, false, err
		}
		existing, err := s.load(ctx, "idempotency_key", req.IdempotencyKey)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return booking.BookingRequest{}, false, fmt.Errorf("booking request not found after insert")
			}
			return booking.BookingRequest{}, false, err
		}
		if !existing.SamePayload(&req) {
			return booking.BookingRequest{}, false, store.ErrIdempotencyConflict
		}
		return existing, false, nil
	}

	for pos, item := range req.Items {
		meta, err := json.Marshal(item.Meta)
		if err != nil {
			return booking.BookingRequest{}, false, fmt.Errorf("encode meta for %s: %w", item.ItemID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO booking_items (request_id, position, item_id, item_type, description, provider,
				price, taxes, total, currency, hold_id, confirmed_id, status, meta)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			req.ID, pos, item.ItemID, string(item.ItemType), item.Description, item.Provider,
			item.Price, item.Taxes, item.Total, item.Currency, item.HoldID, item.ConfirmedID, string(item.Status), string(meta),
		); err != nil {
			return booking.BookingRequest{}, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return booking.BookingRequest{}, false, err
	}
	return req.Clone(), true, nil
}

// Load reads a request and its items by id.
func (s *RequestStore) Load(ctx context.Context, id string) (booking.BookingRequest, error) {
	return s.load(ctx, "id", id)
}

// Save writes the orchestrator-owned fields of the request and every item.
func (s *RequestStore) Save(ctx context.Context, req booking.BookingRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE booking_requests
		SET status = $2, updated_at = NOW()
		WHERE id = $1`,
		req.ID, string(req.Status),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}

	for _, item := range req.Items {
		meta, err := json.Marshal(item.Meta)
		if err != nil {
			return fmt.Errorf("encode meta for %s: %w", item.ItemID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE booking_items
			SET hold_id = $3, confirmed_id = $4, status = $5, meta = $6
			WHERE request_id = $1 AND item_id = $2`,
			req.ID, item.ItemID, item.HoldID, item.ConfirmedID, string(item.Status), string(meta),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AddStep appends a saga log row.
func (s *RequestStore) AddStep(ctx context.Context, requestID string, step store.Step) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO booking_saga_steps (request_id, phase, status, detail)
		VALUES ($1, $2, $3, $4)`,
		requestID, step.Phase, step.Status, step.Detail,
	)
	return err
}

// Steps returns the saga log of a request, oldest first.
func (s *RequestStore) Steps(ctx context.Context, requestID string) ([]store.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT phase, status, COALESCE(detail, ''), created_at
		FROM booking_saga_steps
		WHERE request_id = $1
		ORDER BY id`,
		requestID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []store.Step
	for rows.Next() {
		var step store.Step
		if err := rows.Scan(&step.Phase, &step.Status, &step.Detail, &step.CreatedAt); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// load reads one request by a unique column. column is never caller-controlled.
func (s *RequestStore) load(ctx context.Context, column, value string) (booking.BookingRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(idempotency_key, ''), user_id, itinerary_id, currency, total_amount, status
		FROM booking_requests
		WHERE `+column+` = $1`,
		value,
	)

	var req booking.BookingRequest
	var status string
	if err := row.Scan(&req.ID, &req.IdempotencyKey, &req.UserID, &req.ItineraryID, &req.Currency, &req.TotalAmount, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return booking.BookingRequest{}, store.ErrNotFound
		}
		return booking.BookingRequest{}, err
	}
	req.Status = booking.RequestStatus(status)

	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, item_type, description, provider, price, taxes, total, currency,
			hold_id, confirmed_id, status, meta
		FROM booking_items
		WHERE request_id = $1
		ORDER BY position`,
		req.ID,
	)
	if err != nil {
		return booking.BookingRequest{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var item booking.BookingItem
		var itemType, itemStatus string
		var meta []byte
		if err := rows.Scan(&item.ItemID, &itemType, &item.Description, &item.Provider, &item.Price, &item.Taxes,
			&item.Total, &item.Currency, &item.HoldID, &item.ConfirmedID, &itemStatus, &meta); err != nil {
			return booking.BookingRequest{}, err
		}
		item.ItemType = booking.ItemType(itemType)
		item.Status = booking.ItemStatus(itemStatus)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &item.Meta); err != nil {
				return booking.BookingRequest{}, fmt.Errorf("decode meta for %s: %w", item.ItemID, err)
			}
		}
		req.Items = append(req.Items, item)
	}
	if err := rows.Err(); err != nil {
		return booking.BookingRequest{}, err
	}
	return req, nil
}

func nullableKey(key string) any {
	if key == "" {
		return nil
	}
	return key
}
