package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"tripbooker/internal/itinerary"
	"tripbooker/internal/itinerary/store"
)

const TypeCancelHold = "booking:cancel_hold"

const (
	DefaultMaxRetry = 10
	DefaultQueue    = "compensation"
)

// CancelHoldPayload identifies a hold whose release failed during compensation.
type CancelHoldPayload struct {
	RequestID string `json:"request_id"`
	ItemID    string `json:"item_id"`
	HoldID    string `json:"hold_id"`
}

func NewCancelHoldTask(p CancelHoldPayload) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeCancelHold, b), nil
}

// Enqueuer is the subset of *asynq.Client used by Scheduler.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Scheduler struct {
	client   Enqueuer
	queue    string
	maxRetry int
	delay    time.Duration
	logger   *zap.Logger
}

type SchedulerConfig struct {
	Queue    string
	MaxRetry int
	// Delay postpones the first retry so a briefly unavailable provider can recover.
	Delay  time.Duration
	Logger *zap.Logger
}

func NewScheduler(client Enqueuer, cfg SchedulerConfig) *Scheduler {
	s := &Scheduler{
		client:   client,
		queue:    cfg.Queue,
		maxRetry: cfg.MaxRetry,
		delay:    cfg.Delay,
		logger:   cfg.Logger,
	}
	if s.queue == "" {
		s.queue = DefaultQueue
	}
	if s.maxRetry <= 0 {
		s.maxRetry = DefaultMaxRetry
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// ScheduleCancelHold enqueues one release retry. The task id is derived from the hold so a
// second failure of the same hold does not enqueue a duplicate.
func (s *Scheduler) ScheduleCancelHold(ctx context.Context, requestID, itemID, holdID string) error {
	task, err := NewCancelHoldTask(CancelHoldPayload{RequestID: requestID, ItemID: itemID, HoldID: holdID})
	if err != nil {
		return err
	}
	opts := []asynq.Option{
		asynq.Queue(s.queue),
		asynq.MaxRetry(s.maxRetry),
		asynq.TaskID(taskID(requestID, itemID, holdID)),
	}
	if s.delay > 0 {
		opts = append(opts, asynq.ProcessIn(s.delay))
	}

	info, err := s.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			s.logger.Debug("cancel hold retry already queued", zap.String("request_id", requestID), zap.String("hold_id", holdID))
			return nil
		}
		return fmt.Errorf("enqueue %s: %w", TypeCancelHold, err)
	}
	s.logger.Info("cancel hold retry scheduled",
		zap.String("request_id", requestID),
		zap.String("item_id", itemID),
		zap.String("hold_id", holdID),
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue),
	)
	return nil
}

func taskID(requestID, itemID, holdID string) string {
	return "cancel_hold:" + requestID + ":" + itemID + ":" + holdID
}

// CancelRetrier releases a hold on behalf of the worker.
type CancelRetrier interface {
	RetryCancelHold(ctx context.Context, requestID, itemID, holdID string) error
}

// Handler processes TypeCancelHold tasks. A returned error makes asynq retry with backoff.
func Handler(retrier CancelRetrier, logger *zap.Logger) asynq.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, task *asynq.Task) error {
		var p CancelHoldPayload
		if err := json.Unmarshal(task.Payload(), &p); err != nil {
			logger.Error("invalid cancel hold payload", zap.Error(err))
			return fmt.Errorf("decode payload: %w: %w", err, asynq.SkipRetry)
		}
		if p.RequestID == "" || p.ItemID == "" {
			return fmt.Errorf("cancel hold payload missing ids: %w", asynq.SkipRetry)
		}

		retried, _ := asynq.GetRetryCount(ctx)
		if err := retrier.RetryCancelHold(ctx, p.RequestID, p.ItemID, p.HoldID); err != nil {
			logger.Warn("cancel hold retry failed",
				zap.String("request_id", p.RequestID),
				zap.String("item_id", p.ItemID),
				zap.String("hold_id", p.HoldID),
				zap.Int("retry", retried),
				zap.Error(err),
			)
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, itinerary.ErrItemNotFound) {
				return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
			}
			return err
		}
		return nil
	}
}

// NewServeMux registers every reconcile handler.
func NewServeMux(retrier CancelRetrier, logger *zap.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeCancelHold, Handler(retrier, logger))
	return mux
}
