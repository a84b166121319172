package saga

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tripbooker/internal/booking"
	"tripbooker/internal/observability"
)

// ErrCircuitOpen indicates the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// RetryPolicy controls retries of transport failures. Business rejections are
// results, not errors, so they are never retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
}

// Do executes fn with retries according to the policy.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	attempts := max(p.MaxAttempts, 1)
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = retryable
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts || !shouldRetry(err) {
			return err
		}

		delay := p.BaseDelay
		if delay > 0 {
			delay = delay << (attempt - 1)
		}
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		if delay = jitter(delay); delay > 0 {
			if sleepErr := sleep(ctx, delay); sleepErr != nil {
				return err
			}
		}
	}
	return err
}

func retryable(err error) bool {
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, ErrCircuitOpen)
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker stops calls to a provider after repeated transport failures.
type CircuitBreaker struct {
	mu         sync.Mutex
	maxFails   int
	resetAfter time.Duration
	now        func() time.Time

	state          circuitState
	failures       int
	openedAt       time.Time
	halfOpenFlight bool
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	resetAfter := cfg.ResetTimeout
	if resetAfter <= 0 {
		resetAfter = 2 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		maxFails:   max(cfg.MaxFailures, 1),
		resetAfter: resetAfter,
		now:        now,
		state:      circuitClosed,
	}
}

// Execute runs fn while enforcing breaker state.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if c == nil {
		return fn()
	}

	now := c.now()

	c.mu.Lock()
	switch c.state {
	case circuitOpen:
		if now.Sub(c.openedAt) < c.resetAfter {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
		c.state = circuitHalfOpen
	case circuitHalfOpen:
		if c.halfOpenFlight {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	if c.state == circuitHalfOpen {
		c.halfOpenFlight = true
	}
	c.mu.Unlock()

	err := fn()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == circuitHalfOpen {
		c.halfOpenFlight = false
	}

	if err == nil {
		c.state = circuitClosed
		c.failures = 0
		return nil
	}

	if c.state == circuitHalfOpen {
		c.state = circuitOpen
		c.openedAt = now
		c.failures = 0
		return err
	}

	c.failures++
	if c.failures >= c.maxFails {
		c.state = circuitOpen
		c.openedAt = now
	}
	return err
}

// RateLimiter paces calls to one provider. A nil limiter never waits.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter allows burst calls at once and one more every interval. It returns nil
// when either setting disables limiting.
func NewRateLimiter(interval time.Duration, burst int) *RateLimiter {
	if interval <= 0 || burst <= 0 {
		return nil
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Every(interval), burst)}
}

// Wait blocks until the call may proceed or ctx ends.
func (r *RateLimiter) Wait(ctx context.Context) error {
	_, err := r.wait(ctx)
	return err
}

// wait reserves a slot and reports how long the caller was held back.
func (r *RateLimiter) wait(ctx context.Context) (time.Duration, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if r == nil {
		return 0, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	res := r.limiter.Reserve()
	delay := res.Delay()
	if delay <= 0 {
		return 0, nil
	}
	if err := sleepWithContext(ctx, delay); err != nil {
		res.Cancel()
		return 0, err
	}
	return delay, nil
}

// ReliableProvider decorates a provider with rate limiting, a circuit breaker and
// retries of transport failures.
type ReliableProvider struct {
	base    booking.Provider
	limiter *RateLimiter
	breaker *CircuitBreaker
	retry   RetryPolicy
	metrics *observability.Metrics
}

func NewReliableProvider(base booking.Provider, limiter *RateLimiter, breaker *CircuitBreaker, retry RetryPolicy, metrics *observability.Metrics) *ReliableProvider {
	return &ReliableProvider{
		base:    base,
		limiter: limiter,
		breaker: breaker,
		retry:   retry,
		metrics: metrics,
	}
}

// NewReliableRegistry wraps every provider of reg with its own limiter and breaker built from cfg.
func NewReliableRegistry(reg *booking.Registry, cfg ReliabilityConfig, metrics *observability.Metrics) *booking.Registry {
	return reg.Wrap(func(_ booking.ItemType, p booking.Provider) booking.Provider {
		return NewReliableProvider(
			p,
			NewRateLimiter(cfg.RateLimitInterval, cfg.RateLimitBurst),
			NewCircuitBreaker(CircuitBreakerConfig{
				MaxFailures:  cfg.BreakerMaxFailures,
				ResetTimeout: cfg.BreakerResetTimeout,
			}),
			RetryPolicy{
				MaxAttempts: cfg.RetryMaxAttempts,
				BaseDelay:   cfg.RetryBaseDelay,
				MaxDelay:    cfg.RetryMaxDelay,
			},
			metrics,
		)
	})
}

func (p *ReliableProvider) Reserve(ctx context.Context, item booking.BookingItem) (booking.Result, error) {
	var res booking.Result
	err := p.do(ctx, func() error {
		var err error
		res, err = p.base.Reserve(ctx, item)
		return err
	})
	return res, err
}

func (p *ReliableProvider) Confirm(ctx context.Context, item booking.BookingItem, auth booking.PaymentAuth) (booking.Result, error) {
	var res booking.Result
	err := p.do(ctx, func() error {
		var err error
		res, err = p.base.Confirm(ctx, item, auth)
		return err
	})
	return res, err
}

func (p *ReliableProvider) CancelHold(ctx context.Context, holdID string) (bool, error) {
	var ok bool
	err := p.do(ctx, func() error {
		var err error
		ok, err = p.base.CancelHold(ctx, holdID)
		return err
	})
	return ok, err
}

func (p *ReliableProvider) do(ctx context.Context, fn func() error) error {
	attempt := func() error {
		if p.limiter != nil {
			waited, err := p.limiter.wait(ctx)
			if err != nil {
				return err
			}
			p.metrics.AddRateLimitWait(waited)
		}
		if p.breaker != nil {
			return p.breaker.Execute(fn)
		}
		return fn()
	}
	return p.retry.Do(ctx, attempt)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
