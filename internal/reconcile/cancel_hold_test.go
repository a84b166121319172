package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripbooker/internal/booking"
	"tripbooker/internal/itinerary/store"
)

type enqueued struct {
	task *asynq.Task
	opts map[asynq.OptionType]any
}

type stubEnqueuer struct {
	calls []enqueued
	err   error
}

func (s *stubEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	byType := make(map[asynq.OptionType]any, len(opts))
	for _, opt := range opts {
		byType[opt.Type()] = opt.Value()
	}
	s.calls = append(s.calls, enqueued{task: task, opts: byType})
	return &asynq.TaskInfo{ID: fmt.Sprint(byType[asynq.TaskIDOpt]), Queue: fmt.Sprint(byType[asynq.QueueOpt])}, nil
}

type stubRetrier struct {
	got []CancelHoldPayload
	err error
}

func (s *stubRetrier) RetryCancelHold(ctx context.Context, requestID, itemID, holdID string) error {
	s.got = append(s.got, CancelHoldPayload{RequestID: requestID, ItemID: itemID, HoldID: holdID})
	return s.err
}

func TestScheduler_EnqueuesCancelHoldTask(t *testing.T) {
	client := &stubEnqueuer{}
	s := NewScheduler(client, SchedulerConfig{MaxRetry: 3, Delay: time.Second})

	require.NoError(t, s.ScheduleCancelHold(context.Background(), "bk-1", "hotel-1", "hold-hotel-hotel-1"))
	require.Len(t, client.calls, 1)

	call := client.calls[0]
	assert.Equal(t, TypeCancelHold, call.task.Type())

	var payload CancelHoldPayload
	require.NoError(t, json.Unmarshal(call.task.Payload(), &payload))
	assert.Equal(t, CancelHoldPayload{RequestID: "bk-1", ItemID: "hotel-1", HoldID: "hold-hotel-hotel-1"}, payload)

	assert.Equal(t, DefaultQueue, call.opts[asynq.QueueOpt])
	assert.Equal(t, 3, call.opts[asynq.MaxRetryOpt])
	assert.Equal(t, "cancel_hold:bk-1:hotel-1:hold-hotel-hotel-1", call.opts[asynq.TaskIDOpt])
	assert.Contains(t, call.opts, asynq.ProcessInOpt)
}

func TestScheduler_Defaults(t *testing.T) {
	client := &stubEnqueuer{}
	s := NewScheduler(client, SchedulerConfig{Queue: "critical"})

	require.NoError(t, s.ScheduleCancelHold(context.Background(), "bk-1", "cab-1", "hold-cab-cab-1"))
	opts := client.calls[0].opts
	assert.Equal(t, "critical", opts[asynq.QueueOpt])
	assert.Equal(t, DefaultMaxRetry, opts[asynq.MaxRetryOpt])
	assert.NotContains(t, opts, asynq.ProcessInOpt)
}

func TestScheduler_DuplicateTaskIsNotAnError(t *testing.T) {
	s := NewScheduler(&stubEnqueuer{err: asynq.ErrTaskIDConflict}, SchedulerConfig{})
	assert.NoError(t, s.ScheduleCancelHold(context.Background(), "bk-1", "cab-1", "hold-cab-cab-1"))
}

func TestScheduler_PropagatesEnqueueFailure(t *testing.T) {
	boom := errors.New("redis down")
	s := NewScheduler(&stubEnqueuer{err: boom}, SchedulerConfig{})
	err := s.ScheduleCancelHold(context.Background(), "bk-1", "cab-1", "hold-cab-cab-1")
	assert.ErrorIs(t, err, boom)
}

func TestHandler_CallsRetrier(t *testing.T) {
	retrier := &stubRetrier{}
	task, err := NewCancelHoldTask(CancelHoldPayload{RequestID: "bk-1", ItemID: "hotel-1", HoldID: "hold-hotel-hotel-1"})
	require.NoError(t, err)

	require.NoError(t, Handler(retrier, nil)(context.Background(), task))
	assert.Equal(t, []CancelHoldPayload{{RequestID: "bk-1", ItemID: "hotel-1", HoldID: "hold-hotel-hotel-1"}}, retrier.got)
}

func TestHandler_ReturnsErrorForRetry(t *testing.T) {
	refused := fmt.Errorf("%w: %w", booking.ErrCompensationFailed, booking.ErrCancelRejected)
	retrier := &stubRetrier{err: refused}
	task, err := NewCancelHoldTask(CancelHoldPayload{RequestID: "bk-1", ItemID: "hotel-1", HoldID: "h"})
	require.NoError(t, err)

	err = Handler(retrier, nil)(context.Background(), task)
	assert.ErrorIs(t, err, booking.ErrCancelRejected)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
}

func TestHandler_SkipsRetryForUnknownRequest(t *testing.T) {
	retrier := &stubRetrier{err: store.ErrNotFound}
	task, err := NewCancelHoldTask(CancelHoldPayload{RequestID: "gone", ItemID: "hotel-1", HoldID: "h"})
	require.NoError(t, err)

	err = Handler(retrier, nil)(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandler_RejectsMalformedPayload(t *testing.T) {
	retrier := &stubRetrier{}

	err := Handler(retrier, nil)(context.Background(), asynq.NewTask(TypeCancelHold, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = Handler(retrier, nil)(context.Background(), asynq.NewTask(TypeCancelHold, []byte(`{"hold_id":"h"}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, retrier.got)
}
