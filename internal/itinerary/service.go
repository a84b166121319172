package itinerary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tripbooker/internal/booking"
	"tripbooker/internal/booking/saga"
	"tripbooker/internal/itinerary/store"
	"tripbooker/internal/observability"
)

var (
	ErrItemNotFound       = errors.New("booking item not found")
	ErrInvalidStatus      = errors.New("invalid item status")
	ErrInvalidPaymentAuth = errors.New("payment authorization requires type and id")
	ErrRequestClosed      = errors.New("booking request no longer accepts this operation")
)

// Locker serializes phase calls on one itinerary.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(context.Context) error, err error)
}

// RetryScheduler hands an unreleased hold to a background worker.
type RetryScheduler interface {
	ScheduleCancelHold(ctx context.Context, requestID, itemID, holdID string) error
}

// ProviderStatusUpdate is an asynchronous status notification from a provider.
type ProviderStatusUpdate struct {
	RequestID string
	ItemID    string
	Status    booking.ItemStatus
	Meta      booking.Meta
}

type Options struct {
	Locker      Locker
	Retries     RetryScheduler
	Logger      *zap.Logger
	Metrics     *observability.Metrics
	Observer    saga.Observer
	Workers     int
	CallTimeout time.Duration
	NewID       func() string
}

// Service loads requests, runs one saga phase per call under an itinerary lock and persists the result.
type Service struct {
	store    store.Store
	registry *booking.Registry
	locker   Locker
	retries  RetryScheduler
	logger   *zap.Logger
	metrics  *observability.Metrics
	observer saga.Observer
	workers  int
	timeout  time.Duration
	newID    func() string
}

func NewService(st store.Store, registry *booking.Registry, opts Options) *Service {
	s := &Service{
		store:    st,
		registry: registry,
		locker:   opts.Locker,
		retries:  opts.Retries,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		observer: opts.Observer,
		workers:  opts.Workers,
		timeout:  opts.CallTimeout,
		newID:    opts.NewID,
	}
	if s.locker == nil {
		s.locker = NewLocalLocker()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.newID == nil {
		s.newID = func() string { return "bk_" + uuid.NewString() }
	}
	return s
}

// Submit stores a new request. A replayed idempotency key returns the stored request with created == false.
func (s *Service) Submit(ctx context.Context, req booking.BookingRequest) (booking.BookingRequest, bool, error) {
	if err := req.Validate(); err != nil {
		return booking.BookingRequest{}, false, err
	}
	req = req.Clone()
	req.Normalize()
	if req.ID == "" {
		req.ID = s.newID()
	}
	for _, warning := range req.Discrepancies() {
		s.logger.Warn("pricing discrepancy", zap.String("request_id", req.ID), zap.String("detail", warning))
	}

	stored, created, err := s.store.Create(ctx, req)
	if err != nil {
		return booking.BookingRequest{}, false, err
	}
	if created {
		s.addStep(ctx, stored.ID, "submit", string(stored.Status), "")
		s.logger.Info("booking request submitted",
			zap.String("request_id", stored.ID),
			zap.String("itinerary_id", stored.ItineraryID),
			zap.Int("items", len(stored.Items)),
		)
	} else {
		s.logger.Info("idempotent replay", zap.String("request_id", stored.ID), zap.String("idempotency_key", req.IdempotencyKey))
	}
	return stored, created, nil
}

func (s *Service) Get(ctx context.Context, id string) (booking.BookingRequest, error) {
	return s.store.Load(ctx, id)
}

func (s *Service) Steps(ctx context.Context, id string) ([]store.Step, error) {
	return s.store.Steps(ctx, id)
}

// Reserve runs the reserve phase. A cancelled ctx still persists the compensated request.
// A cancelled request is closed to new holds.
func (s *Service) Reserve(ctx context.Context, id string) (*saga.Outcome, error) {
	var out *saga.Outcome
	err := s.withRequest(ctx, id, func(req *booking.BookingRequest) error {
		if req.Status == booking.RequestCancelled {
			return fmt.Errorf("%w: request %s is cancelled", ErrRequestClosed, req.ID)
		}
		orch, err := s.orchestrator(req)
		if err != nil {
			return err
		}
		var phaseErr error
		out, phaseErr = orch.ReserveAll(ctx)
		return s.persist(ctx, out, saga.PhaseReserve, phaseErr)
	})
	return out, err
}

// Confirm runs the confirm phase with a payment authorization.
func (s *Service) Confirm(ctx context.Context, id string, auth booking.PaymentAuth) (*saga.Outcome, error) {
	if strings.TrimSpace(auth.Type) == "" || strings.TrimSpace(auth.ID) == "" {
		return nil, ErrInvalidPaymentAuth
	}
	var out *saga.Outcome
	err := s.withRequest(ctx, id, func(req *booking.BookingRequest) error {
		if req.Status == booking.RequestCancelled {
			return fmt.Errorf("%w: request %s is cancelled", ErrRequestClosed, req.ID)
		}
		orch, err := s.orchestrator(req)
		if err != nil {
			return err
		}
		var phaseErr error
		out, phaseErr = orch.ConfirmAll(ctx, auth)
		return s.persist(ctx, out, saga.PhaseConfirm, phaseErr)
	})
	return out, err
}

// Cancel aborts a request before confirmation by releasing every hold. A request with no
// confirmed or failed item ends cancelled and refuses later phases.
func (s *Service) Cancel(ctx context.Context, id string) (*saga.Outcome, error) {
	var out *saga.Outcome
	err := s.withRequest(ctx, id, func(req *booking.BookingRequest) error {
		if req.Status == booking.RequestConfirmed {
			return fmt.Errorf("%w: request %s is confirmed", ErrRequestClosed, req.ID)
		}
		orch, err := s.orchestrator(req)
		if err != nil {
			return err
		}
		out = orch.Abort(ctx)
		return s.persist(ctx, out, saga.PhaseCompensate, nil)
	})
	return out, err
}

// ApplyProviderStatus overwrites an item's status, merges its meta and re-derives the request status.
func (s *Service) ApplyProviderStatus(ctx context.Context, update ProviderStatusUpdate) (booking.BookingRequest, error) {
	if !update.Status.Valid() {
		return booking.BookingRequest{}, fmt.Errorf("%w: %q", ErrInvalidStatus, update.Status)
	}
	var result booking.BookingRequest
	err := s.withRequest(ctx, update.RequestID, func(req *booking.BookingRequest) error {
		item, ok := req.Item(update.ItemID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrItemNotFound, update.ItemID)
		}
		if item.Status != update.Status && !item.Status.CanTransition(update.Status) {
			s.logger.Warn("provider reported out-of-order status",
				zap.String("request_id", req.ID),
				zap.String("item_id", item.ItemID),
				zap.String("from", string(item.Status)),
				zap.String("to", string(update.Status)),
			)
		}
		item.Status = update.Status
		item.Meta = item.Meta.Merge(update.Meta)
		applyDerivedStatus(req)

		if err := s.store.Save(ctx, *req); err != nil {
			return err
		}
		s.addStep(ctx, req.ID, "provider_callback", string(update.Status), item.ItemID)
		s.emit(saga.Event{RequestID: req.ID, ItemID: item.ItemID, ItemType: item.ItemType, Phase: saga.PhaseCallback, Status: string(item.Status)})
		result = req.Clone()
		return nil
	})
	return result, err
}

// RetryCancelHold re-attempts the release of one hold. It returns an error while the
// provider still refuses so the caller can retry later.
func (s *Service) RetryCancelHold(ctx context.Context, requestID, itemID, holdID string) error {
	return s.withRequest(ctx, requestID, func(req *booking.BookingRequest) error {
		item, ok := req.Item(itemID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
		}
		if item.HoldID == "" || (holdID != "" && item.HoldID != holdID) {
			s.logger.Info("hold retry skipped, hold changed",
				zap.String("request_id", req.ID), zap.String("item_id", itemID), zap.String("hold_id", holdID))
			return nil
		}
		p, ok := s.registry.Lookup(item.ItemType)
		if !ok {
			return fmt.Errorf("%w: %w", booking.ErrCompensationFailed, booking.ErrNoProviderMapped)
		}

		released, err := p.CancelHold(ctx, item.HoldID)
		switch {
		case err != nil:
			return fmt.Errorf("%w: %w: %w", booking.ErrCompensationFailed, booking.ErrProviderUnavailable, err)
		case !released:
			return fmt.Errorf("%w: %w", booking.ErrCompensationFailed, booking.ErrCancelRejected)
		}

		if item.Status != booking.ItemConfirmed {
			item.Status = booking.ItemCancelled
		}
		applyDerivedStatus(req)
		if err := s.store.Save(ctx, *req); err != nil {
			return err
		}
		s.addStep(ctx, req.ID, "compensate_retry", string(item.Status), item.HoldID)
		s.emit(saga.Event{RequestID: req.ID, ItemID: item.ItemID, ItemType: item.ItemType, Phase: saga.PhaseCompensate, Status: string(item.Status)})
		s.logger.Info("hold released on retry",
			zap.String("request_id", req.ID), zap.String("item_id", itemID), zap.String("hold_id", item.HoldID))
		return nil
	})
}

// withRequest loads the request, locks its itinerary and reloads it under the lock.
func (s *Service) withRequest(ctx context.Context, id string, fn func(req *booking.BookingRequest) error) error {
	peek, err := s.store.Load(ctx, id)
	if err != nil {
		return err
	}

	release, err := s.locker.Acquire(ctx, lockKey(peek))
	if err != nil {
		return fmt.Errorf("lock itinerary %s: %w", peek.ItineraryID, err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release itinerary lock", zap.String("request_id", id), zap.Error(err))
		}
	}()

	req, err := s.store.Load(ctx, id)
	if err != nil {
		return err
	}
	return fn(&req)
}

func (s *Service) orchestrator(req *booking.BookingRequest) (*saga.Orchestrator, error) {
	opts := []saga.Option{
		saga.WithWorkers(s.workers),
		saga.WithCallTimeout(s.timeout),
		saga.WithLogger(s.logger),
		saga.WithMetrics(s.metrics),
	}
	if s.observer != nil {
		opts = append(opts, saga.WithObserver(s.observer))
	}
	return saga.New(req, s.registry, opts...)
}

// persist saves the phase result on a context that survives caller cancellation and
// schedules retries for unreleased holds.
func (s *Service) persist(ctx context.Context, out *saga.Outcome, phase saga.Phase, phaseErr error) error {
	saveCtx := context.WithoutCancel(ctx)
	if err := s.store.Save(saveCtx, *out.Request); err != nil {
		return errors.Join(phaseErr, fmt.Errorf("save request %s: %w", out.Request.ID, err))
	}

	detail := ""
	if phaseErr != nil {
		detail = phaseErr.Error()
	} else if err := out.Err(); err != nil {
		detail = err.Error()
	}
	s.addStep(saveCtx, out.Request.ID, string(phase), string(out.Request.Status), detail)
	s.scheduleRetries(saveCtx, out)
	return phaseErr
}

func (s *Service) scheduleRetries(ctx context.Context, out *saga.Outcome) {
	if s.retries == nil || len(out.CompensationFailures) == 0 {
		return
	}
	scheduled := 0
	for _, f := range out.CompensationFailures {
		if err := s.retries.ScheduleCancelHold(ctx, out.Request.ID, f.ItemID, f.HoldID); err != nil {
			s.logger.Error("schedule hold release retry",
				zap.String("request_id", out.Request.ID),
				zap.String("item_id", f.ItemID),
				zap.String("hold_id", f.HoldID),
				zap.Error(err),
			)
			continue
		}
		scheduled++
	}
	s.metrics.RecordRetryScheduled(scheduled)
}

func (s *Service) addStep(ctx context.Context, id, phase, status, detail string) {
	if err := s.store.AddStep(ctx, id, store.Step{Phase: phase, Status: status, Detail: detail}); err != nil {
		s.logger.Warn("record saga step", zap.String("request_id", id), zap.String("phase", phase), zap.Error(err))
	}
}

func (s *Service) emit(ev saga.Event) {
	if s.observer != nil {
		s.observer(ev)
	}
}

func lockKey(req booking.BookingRequest) string {
	if req.ItineraryID != "" {
		return "itinerary:" + req.ItineraryID
	}
	return "request:" + req.ID
}

// applyDerivedStatus re-derives the request status, keeping an accepted authorization while
// items are unsettled and a cancel while nothing was booked.
func applyDerivedStatus(req *booking.BookingRequest) {
	req.Status = booking.NextStatus(req.Status, req.Items)
}
