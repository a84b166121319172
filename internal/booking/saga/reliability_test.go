package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"tripbooker/internal/booking"
	"tripbooker/internal/observability"
)

// flakyProvider fails with a transport error for the first len(errs) calls.
type flakyProvider struct {
	errs     []error
	reject   bool
	calls    int
	released []string
}

func (s *flakyProvider) next() error {
	s.calls++
	if s.calls <= len(s.errs) {
		return s.errs[s.calls-1]
	}
	return nil
}

func (s *flakyProvider) Reserve(ctx context.Context, item booking.BookingItem) (booking.Result, error) {
	if err := s.next(); err != nil {
		return booking.Result{}, err
	}
	if s.reject {
		return booking.Result{Success: false}, nil
	}
	return booking.Result{Success: true, ID: "hold-" + item.ItemID}, nil
}

func (s *flakyProvider) Confirm(ctx context.Context, item booking.BookingItem, auth booking.PaymentAuth) (booking.Result, error) {
	if err := s.next(); err != nil {
		return booking.Result{}, err
	}
	return booking.Result{Success: true, ID: "CONF-" + item.ItemID}, nil
}

func (s *flakyProvider) CancelHold(ctx context.Context, holdID string) (bool, error) {
	if err := s.next(); err != nil {
		return false, err
	}
	s.released = append(s.released, holdID)
	return true, nil
}

func noWaitPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func TestRetryPolicy_RetriesWithBackoff(t *testing.T) {
	attempts := 0
	var delays []time.Duration

	policy := RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    30 * time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		ShouldRetry: func(error) bool { return true },
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		if attempts < 4 {
			return errConnReset
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", attempts)
	}
	if len(delays) != 3 || delays[0] != 10*time.Millisecond || delays[1] != 20*time.Millisecond || delays[2] != 30*time.Millisecond {
		t.Fatalf("unexpected delays: %v", delays)
	}
}

func TestRetryPolicy_DoesNotRetryContextErrors(t *testing.T) {
	attempts := 0
	policy := noWaitPolicy(3)

	err := policy.Do(context.Background(), func() error {
		attempts++
		return context.DeadlineExceeded
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetryPolicy_ReturnsLastErrorWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{
		MaxAttempts: 3,
		Jitter:      func(d time.Duration) time.Duration { return d },
	}

	err := policy.Do(ctx, func() error {
		cancel()
		return errConnReset
	})
	if !errors.Is(err, errConnReset) {
		t.Fatalf("expected last provider error, got %v", err)
	}
}

func TestCircuitBreaker_OpensAndResets(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	calls := 0

	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})

	fail := func() error {
		calls++
		return errConnReset
	}

	for range 2 {
		if err := breaker.Execute(fail); err == nil {
			t.Fatalf("expected failure")
		}
	}
	if err := breaker.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open error, got %v", err)
	}

	now = now.Add(2 * time.Second)

	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to allow trial, got %v", err)
	}
	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to close, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 failed calls, got %d", calls)
	}
}

func TestRateLimiter_WaitsWhenExhausted(t *testing.T) {
	limiter := NewRateLimiter(50*time.Millisecond, 1)

	start := time.Now()
	for range 2 {
		if err := limiter.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("expected second call to wait for a token, took %v", elapsed)
	}
}

func TestReliableProvider_ReportsOnlyRealWaits(t *testing.T) {
	metrics := observability.NewMetrics()
	base := &flakyProvider{}
	provider := NewReliableProvider(base, NewRateLimiter(40*time.Millisecond, 1), nil, noWaitPolicy(1), metrics)

	for range 2 {
		if _, err := provider.Reserve(context.Background(), booking.BookingItem{ItemID: "hotel-1"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if waits := metrics.Snapshot().RateLimitWaits; waits != 1 {
		t.Fatalf("expected one recorded rate limit wait, got %d", waits)
	}
}

func TestRateLimiter_FailsFastPastDeadline(t *testing.T) {
	limiter := NewRateLimiter(time.Hour, 1)
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := limiter.Wait(ctx); err == nil {
		t.Fatalf("expected wait beyond deadline to fail")
	}
}

func TestRateLimiter_DisabledIsNil(t *testing.T) {
	if NewRateLimiter(0, 5) != nil || NewRateLimiter(time.Second, 0) != nil {
		t.Fatalf("expected nil limiter for disabled settings")
	}
	var limiter *RateLimiter
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("nil limiter should not block: %v", err)
	}
}

func TestReliableProvider_RetriesTransportErrors(t *testing.T) {
	base := &flakyProvider{errs: []error{errConnReset, errConnReset}}
	provider := NewReliableProvider(base, nil, nil, noWaitPolicy(3), nil)

	res, err := provider.Reserve(context.Background(), booking.BookingItem{ItemID: "hotel-1"})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !res.Success || res.ID != "hold-hotel-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if base.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", base.calls)
	}
}

func TestReliableProvider_NeverRetriesRejection(t *testing.T) {
	base := &flakyProvider{reject: true}
	provider := NewReliableProvider(base, nil, nil, noWaitPolicy(3), nil)

	res, err := provider.Reserve(context.Background(), booking.BookingItem{ItemID: "hotel-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success {
		t.Fatalf("expected rejection to pass through")
	}
	if base.calls != 1 {
		t.Fatalf("expected 1 call, got %d", base.calls)
	}
}

func TestReliableProvider_CircuitOpen(t *testing.T) {
	base := &flakyProvider{errs: []error{errConnReset, errConnReset}}
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})
	provider := NewReliableProvider(base, nil, breaker, noWaitPolicy(1), nil)

	if _, err := provider.CancelHold(context.Background(), "hold-1"); err == nil {
		t.Fatalf("expected failure")
	}
	if _, err := provider.CancelHold(context.Background(), "hold-1"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if base.calls != 1 {
		t.Fatalf("expected 1 call, got %d", base.calls)
	}
}

func TestReliableRegistry_WrapsAndRecordsLimiterWaits(t *testing.T) {
	base := &flakyProvider{}
	reg := booking.NewRegistry().MustRegister(booking.ItemCab, base)
	metrics := observability.NewMetrics()

	wrapped := NewReliableRegistry(reg, ReliabilityConfig{
		RetryMaxAttempts:   2,
		BreakerMaxFailures: 3,
		RateLimitInterval:  time.Millisecond,
		RateLimitBurst:     1,
	}, metrics)

	p, ok := wrapped.Lookup(booking.ItemCab)
	if !ok {
		t.Fatalf("expected cab provider")
	}
	if _, isReliable := p.(*ReliableProvider); !isReliable {
		t.Fatalf("expected reliable provider, got %T", p)
	}
	for range 2 {
		if _, err := p.Confirm(context.Background(), booking.BookingItem{ItemID: "cab-1"}, testAuth); err != nil {
			t.Fatalf("confirm: %v", err)
		}
	}
	if snap := metrics.Snapshot(); snap.RateLimitWaits == 0 {
		t.Fatalf("expected limiter waits to be recorded")
	}
}

func TestSaga_ReliableRegistryRecoversFlakyReserve(t *testing.T) {
	base := &flakyProvider{errs: []error{errConnReset}}
	reg := booking.NewRegistry().MustRegister(booking.ItemHotel, base)
	wrapped := reg.Wrap(func(_ booking.ItemType, p booking.Provider) booking.Provider {
		return NewReliableProvider(p, nil, nil, noWaitPolicy(2), nil)
	})

	req := newRequest(item("hotel-1", booking.ItemHotel))
	orch, err := New(req, wrapped)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := orch.ReserveAll(context.Background()); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if req.Items[0].Status != booking.ItemHeld {
		t.Fatalf("expected held after retry, got %s", req.Items[0].Status)
	}
}
