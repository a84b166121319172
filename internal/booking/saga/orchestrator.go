package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tripbooker/internal/booking"
	"tripbooker/internal/observability"
)

const (
	DefaultWorkers = 4

	opReserve    = "Reserve"
	opConfirm    = "Confirm"
	opCancelHold = "CancelHold"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWorkers bounds the number of concurrent provider calls per phase.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithCallTimeout bounds every provider call. Zero disables the timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.timeout = d
		}
	}
}

// WithLogger sets the logger for per-item saga logs.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records provider calls as "<item_type>.<Op>" spans.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = metrics }
}

// WithObserver receives every item and phase event.
func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

// Orchestrator drives a single BookingRequest through reserve, confirm and compensate.
// It mutates the request it was built with; phase calls are serialized.
type Orchestrator struct {
	req       *booking.BookingRequest
	providers []booking.Provider // parallel to req.Items, nil when unmapped

	workers  int
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *observability.Metrics
	observer Observer

	phaseMu sync.Mutex
	late    sync.WaitGroup
}

// New validates req and resolves a provider for each item.
func New(req *booking.BookingRequest, registry *booking.Registry, opts ...Option) (*Orchestrator, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.Normalize()

	o := &Orchestrator{
		req:       req,
		providers: make([]booking.Provider, len(req.Items)),
		workers:   DefaultWorkers,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	for idx, item := range req.Items {
		if p, ok := registry.Lookup(item.ItemType); ok {
			o.providers[idx] = p
		}
	}
	for _, warning := range req.Discrepancies() {
		o.logger.Warn("pricing discrepancy", zap.String("request_id", req.ID), zap.String("detail", warning))
	}
	return o, nil
}

// Request returns the request under orchestration.
func (o *Orchestrator) Request() *booking.BookingRequest { return o.req }

// Wait blocks until holds granted after a reservation timed out have been released.
func (o *Orchestrator) Wait() { o.late.Wait() }

// ReserveAll places a hold for every pending item. Held and confirmed items are left untouched.
//
// If ctx ends mid-phase, undispatched items fail with a cancelled marker, every hold issued so far
// is released, and the outcome is returned together with ctx's error.
func (o *Orchestrator) ReserveAll(ctx context.Context) (*Outcome, error) {
	o.phaseMu.Lock()
	defer o.phaseMu.Unlock()

	pending := o.indexes(func(item booking.BookingItem) bool { return item.Status == booking.ItemPending })
	skipped := o.fanOut(ctx, pending, func(idx int) { o.reserveItem(ctx, idx) })
	for _, idx := range skipped {
		o.failCancelled(PhaseReserve, idx, ctx.Err())
	}

	if err := ctx.Err(); err != nil {
		o.logger.Warn("reserve phase aborted, releasing holds",
			zap.String("request_id", o.req.ID), zap.Error(err))
		failures := o.compensate(context.WithoutCancel(ctx))
		o.req.Status = booking.RequestFailed
		return o.finish(PhaseReserve, failures), err
	}

	o.refreshStatus()
	return o.finish(PhaseReserve, nil), nil
}

// ConfirmAll confirms every held item with auth. If any item of the request ends up not confirmed,
// every hold is released and the request fails.
func (o *Orchestrator) ConfirmAll(ctx context.Context, auth booking.PaymentAuth) (*Outcome, error) {
	o.phaseMu.Lock()
	defer o.phaseMu.Unlock()

	if o.req.Status == booking.RequestCreated {
		o.req.Status = booking.RequestAuthorized
	}

	held := o.indexes(func(item booking.BookingItem) bool { return item.Status == booking.ItemHeld })
	skipped := o.fanOut(ctx, held, func(idx int) { o.confirmItem(ctx, idx, auth) })
	for _, idx := range skipped {
		o.failCancelled(PhaseConfirm, idx, ctx.Err())
	}

	allConfirmed := true
	for _, item := range o.req.Items {
		if item.Status != booking.ItemConfirmed {
			allConfirmed = false
			break
		}
	}
	if allConfirmed {
		o.req.Status = booking.RequestConfirmed
		return o.finish(PhaseConfirm, nil), nil
	}

	failures := o.compensate(context.WithoutCancel(ctx))
	o.req.Status = booking.RequestFailed
	return o.finish(PhaseConfirm, failures), ctx.Err()
}

// Compensate releases every hold the request has ever been granted. Confirmed items keep their status.
func (o *Orchestrator) Compensate(ctx context.Context) *Outcome {
	o.phaseMu.Lock()
	defer o.phaseMu.Unlock()

	failures := o.compensate(ctx)
	o.refreshStatus()
	return o.finish(PhaseCompensate, failures)
}

// Abort releases every hold for a caller-initiated cancel. When nothing was confirmed or
// failed the request ends cancelled, including items that were never reserved.
func (o *Orchestrator) Abort(ctx context.Context) *Outcome {
	o.phaseMu.Lock()
	defer o.phaseMu.Unlock()

	failures := o.compensate(ctx)
	o.refreshStatus()
	if booking.Withdrawn(o.req.Items) {
		o.req.Status = booking.RequestCancelled
	}
	return o.finish(PhaseCompensate, failures)
}

func (o *Orchestrator) compensate(ctx context.Context) []CompensationFailure {
	withHold := o.indexes(func(item booking.BookingItem) bool { return item.HoldID != "" })
	slots := make([]*CompensationFailure, len(o.req.Items))
	o.fanOut(ctx, withHold, func(idx int) { slots[idx] = o.releaseItem(ctx, idx) })

	var failures []CompensationFailure
	for _, f := range slots {
		if f != nil {
			failures = append(failures, *f)
		}
	}
	return failures
}

func (o *Orchestrator) reserveItem(ctx context.Context, idx int) {
	item := &o.req.Items[idx]
	p := o.providers[idx]
	if p == nil {
		item.Status = booking.ItemFailed
		item.Meta = booking.MetaOf(booking.MetaErrorKey, booking.CodeNoProvider)
		o.itemEvent(PhaseReserve, idx, booking.ErrNoProviderMapped)
		return
	}
	if err := ctx.Err(); err != nil {
		o.failCancelled(PhaseReserve, idx, err)
		return
	}

	snapshot := item.Clone()
	res, err := o.call(ctx, opReserve, snapshot,
		func(callCtx context.Context) (booking.Result, error) { return p.Reserve(callCtx, snapshot) },
		func(late booking.Result) { o.releaseLateHold(p, snapshot, late.ID) },
	)

	switch {
	case err != nil:
		item.Status = booking.ItemFailed
		item.Meta = booking.MetaOf(booking.MetaErrorKey, o.transportCode(ctx), booking.MetaErrorDetailKey, err.Error())
		o.itemEvent(PhaseReserve, idx, err)
	case !res.Success:
		item.Status = booking.ItemFailed
		if res.Raw.Len() > 0 {
			item.Meta = res.Raw.Clone()
		} else {
			item.Meta = booking.MetaOf(booking.MetaErrorKey, booking.CodeReserveFailed)
		}
		o.itemEvent(PhaseReserve, idx, booking.ErrReserveRejected)
	case res.ID == "":
		item.Status = booking.ItemFailed
		item.Meta = res.Raw.Merge(booking.MetaOf(
			booking.MetaErrorKey, booking.CodeReserveFailed,
			booking.MetaErrorDetailKey, "provider returned an empty hold id",
		))
		o.itemEvent(PhaseReserve, idx, booking.ErrReserveRejected)
	default:
		item.HoldID = res.ID
		item.Status = booking.ItemHeld
		item.Meta = res.Raw.Clone()
		o.itemEvent(PhaseReserve, idx, nil)
	}
}

func (o *Orchestrator) confirmItem(ctx context.Context, idx int, auth booking.PaymentAuth) {
	item := &o.req.Items[idx]
	p := o.providers[idx]
	if p == nil {
		item.Status = booking.ItemFailed
		item.Meta = item.Meta.Merge(booking.MetaOf(booking.MetaErrorKey, booking.CodeNoProvider))
		o.itemEvent(PhaseConfirm, idx, booking.ErrNoProviderMapped)
		return
	}
	if err := ctx.Err(); err != nil {
		o.failCancelled(PhaseConfirm, idx, err)
		return
	}

	snapshot := item.Clone()
	res, err := o.call(ctx, opConfirm, snapshot,
		func(callCtx context.Context) (booking.Result, error) { return p.Confirm(callCtx, snapshot, auth) },
		nil,
	)

	switch {
	case err != nil:
		item.Status = booking.ItemFailed
		item.Meta = item.Meta.Merge(booking.MetaOf(
			booking.MetaErrorKey, o.transportCode(ctx),
			booking.MetaErrorDetailKey, err.Error(),
		))
		o.itemEvent(PhaseConfirm, idx, err)
	case !res.Success || res.ID == "":
		item.Status = booking.ItemFailed
		if res.Raw.Len() > 0 {
			item.Meta = item.Meta.Merge(res.Raw)
		} else {
			item.Meta = item.Meta.Merge(booking.MetaOf(booking.MetaErrorKey, booking.CodeConfirmFailed))
		}
		o.itemEvent(PhaseConfirm, idx, booking.ErrConfirmRejected)
	default:
		item.ConfirmedID = res.ID
		item.Status = booking.ItemConfirmed
		item.Meta = item.Meta.Merge(res.Raw)
		o.itemEvent(PhaseConfirm, idx, nil)
	}
}

func (o *Orchestrator) releaseItem(ctx context.Context, idx int) *CompensationFailure {
	item := &o.req.Items[idx]
	failure := func(err error) *CompensationFailure {
		o.itemEvent(PhaseCompensate, idx, err)
		return &CompensationFailure{
			ItemID: item.ItemID,
			HoldID: item.HoldID,
			Err:    fmt.Errorf("%w: %w", booking.ErrCompensationFailed, err),
		}
	}

	p := o.providers[idx]
	if p == nil {
		return failure(booking.ErrNoProviderMapped)
	}

	snapshot := item.Clone()
	res, err := o.call(ctx, opCancelHold, snapshot, cancelHoldFunc(p, snapshot.HoldID), nil)
	if err != nil {
		return failure(err)
	}
	if !res.Success {
		return failure(booking.ErrCancelRejected)
	}
	if item.Status != booking.ItemConfirmed {
		item.Status = booking.ItemCancelled
	}
	o.itemEvent(PhaseCompensate, idx, nil)
	return nil
}

// releaseLateHold cancels a hold granted after its reservation was already written off.
func (o *Orchestrator) releaseLateHold(p booking.Provider, item booking.BookingItem, holdID string) {
	logger := o.logger.With(
		zap.String("request_id", o.req.ID),
		zap.String("item_id", item.ItemID),
		zap.String("hold_id", holdID),
	)
	res, err := o.call(context.Background(), opCancelHold, item, cancelHoldFunc(p, holdID), nil)
	switch {
	case err != nil:
		logger.Error("late hold release failed", zap.Error(err))
	case !res.Success:
		logger.Error("late hold release rejected")
	default:
		logger.Info("late hold released")
	}
}

func cancelHoldFunc(p booking.Provider, holdID string) func(context.Context) (booking.Result, error) {
	return func(ctx context.Context) (booking.Result, error) {
		ok, err := p.CancelHold(ctx, holdID)
		return booking.Result{Success: ok, ID: holdID}, err
	}
}

type callResult struct {
	res booking.Result
	err error
}

// call runs fn under the per-call timeout. Panics and transport errors come back wrapped in
// booking.ErrProviderUnavailable. When the timeout wins and onLate is set, onLate receives any
// successful result the provider produces afterwards.
func (o *Orchestrator) call(
	ctx context.Context,
	op string,
	item booking.BookingItem,
	fn func(context.Context) (booking.Result, error),
	onLate func(booking.Result),
) (booking.Result, error) {
	span := o.metrics.Start(string(item.ItemType) + "." + op)

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if o.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, o.timeout)
	}
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		var out callResult
		defer func() {
			if r := recover(); r != nil {
				out = callResult{err: fmt.Errorf("provider panic: %v", r)}
			}
			done <- out
		}()
		out.res, out.err = fn(callCtx)
	}()

	var out callResult
	select {
	case out = <-done:
	case <-callCtx.Done():
		out.err = fmt.Errorf("%s %s: %w", item.ItemType, op, callCtx.Err())
		if onLate != nil {
			o.late.Add(1)
			go func() {
				defer o.late.Done()
				if late := <-done; late.err == nil && late.res.Success && late.res.ID != "" {
					onLate(late.res)
				}
			}()
		}
	}

	if out.err != nil {
		out.err = fmt.Errorf("%w: %w", booking.ErrProviderUnavailable, out.err)
		o.logger.Warn("provider call failed",
			zap.String("request_id", o.req.ID),
			zap.String("item_id", item.ItemID),
			zap.String("item_type", string(item.ItemType)),
			zap.String("op", op),
			zap.Error(out.err),
		)
	}
	span.End(out.err)
	return out.res, out.err
}

// fanOut runs work for each index on a bounded pool and waits for all of them.
// Indexes not dispatched because ctx ended are returned.
func (o *Orchestrator) fanOut(ctx context.Context, idxs []int, work func(idx int)) []int {
	var g errgroup.Group
	g.SetLimit(o.workers)

	var skipped []int
	for n, idx := range idxs {
		if ctx.Err() != nil {
			skipped = idxs[n:]
			break
		}
		g.Go(func() error {
			work(idx)
			return nil
		})
	}
	_ = g.Wait()
	return skipped
}

func (o *Orchestrator) indexes(match func(booking.BookingItem) bool) []int {
	var out []int
	for idx, item := range o.req.Items {
		if match(item) {
			out = append(out, idx)
		}
	}
	return out
}

func (o *Orchestrator) failCancelled(phase Phase, idx int, cause error) {
	item := &o.req.Items[idx]
	item.Status = booking.ItemFailed
	meta := booking.MetaOf(booking.MetaErrorKey, booking.CodeCancelled)
	if cause != nil {
		meta.Set(booking.MetaErrorDetailKey, cause.Error())
	}
	item.Meta = item.Meta.Merge(meta)
	o.itemEvent(phase, idx, booking.ErrSagaCancelled)
}

func (o *Orchestrator) transportCode(ctx context.Context) string {
	if ctx.Err() != nil {
		return booking.CodeCancelled
	}
	return booking.CodeProviderUnavailable
}

func (o *Orchestrator) refreshStatus() {
	o.req.Status = booking.NextStatus(o.req.Status, o.req.Items)
}

func (o *Orchestrator) finish(phase Phase, failures []CompensationFailure) *Outcome {
	o.metrics.RecordSaga(string(o.req.Status), len(failures))
	o.emit(Event{RequestID: o.req.ID, Phase: phase, Status: string(o.req.Status)})

	fields := []zap.Field{
		zap.String("request_id", o.req.ID),
		zap.String("phase", string(phase)),
		zap.String("status", string(o.req.Status)),
	}
	if len(failures) > 0 {
		for _, f := range failures {
			o.logger.Error("hold release failed",
				zap.String("request_id", o.req.ID),
				zap.String("item_id", f.ItemID),
				zap.String("hold_id", f.HoldID),
				zap.Error(f.Err),
			)
		}
		fields = append(fields, zap.Int("compensation_failures", len(failures)))
	}
	o.logger.Info("saga phase finished", fields...)

	return &Outcome{Request: o.req, CompensationFailures: failures}
}

func (o *Orchestrator) itemEvent(phase Phase, idx int, err error) {
	item := o.req.Items[idx]
	ev := Event{
		RequestID: o.req.ID,
		ItemID:    item.ItemID,
		ItemType:  item.ItemType,
		Phase:     phase,
		Status:    string(item.Status),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	o.logger.Debug("item updated",
		zap.String("request_id", ev.RequestID),
		zap.String("item_id", ev.ItemID),
		zap.String("item_type", string(ev.ItemType)),
		zap.String("phase", string(phase)),
		zap.String("status", ev.Status),
		zap.NamedError("reason", err),
	)
	o.emit(ev)
}

func (o *Orchestrator) emit(ev Event) {
	if o.observer != nil {
		o.observer(ev)
	}
}
