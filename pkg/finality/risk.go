package finality

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ThresholdService computes the dynamic viability margin for a proposal.
// Implementations are typically remote and may fail or time out.
type ThresholdService interface {
	ComputeThreshold(ctx context.Context, params map[string]float64) (float64, error)
}

// ThresholdClient wraps a ThresholdService with the fail-safe policy: any
// fault, timeout or breaker rejection yields the conservative default margin
// instead of blocking or failing the pipeline. Fail safe, not fail open:
// the default is the strictest margin, so degraded mode only gets harder to
// pass, never easier.
type ThresholdClient struct {
	service     ThresholdService
	safeDefault float64
	timeout     time.Duration
	limiter     *rate.Limiter
	breaker     *circuitBreaker
	logger      *slog.Logger
}

// ThresholdClientConfig configures the client.
type ThresholdClientConfig struct {
	SafeDefault   float64       // conservative margin used on any failure
	Timeout       time.Duration // per-call budget (default 2s)
	RatePerSecond float64       // client-side rate limit (default 50)
	BreakerTrips  int           // consecutive failures before opening (default 5)
	BreakerReset  time.Duration // open interval before a retry probe (default 10s)
}

// NewThresholdClient wraps service. A nil service is permitted and behaves
// as permanently degraded: every call yields the safe default.
func NewThresholdClient(service ThresholdService, cfg ThresholdClientConfig, logger *slog.Logger) (*ThresholdClient, error) {
	if cfg.SafeDefault < 0 {
		return nil, fmt.Errorf("finality: safe default margin %v is negative", cfg.SafeDefault)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 50
	}
	if cfg.BreakerTrips <= 0 {
		cfg.BreakerTrips = 5
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ThresholdClient{
		service:     service,
		safeDefault: cfg.SafeDefault,
		timeout:     cfg.Timeout,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSecond), int(cfg.RatePerSecond)),
		breaker:     newCircuitBreaker(cfg.BreakerTrips, cfg.BreakerReset),
		logger:      logger,
	}, nil
}

// Margin returns the viability margin for the given parameters, falling back
// to the safe default on any fault. The second return reports whether the
// live service produced the value.
func (c *ThresholdClient) Margin(ctx context.Context, params map[string]float64) (float64, bool) {
	if c.service == nil {
		return c.safeDefault, false
	}
	if !c.breaker.Allow() {
		c.logger.Warn("risk threshold: circuit open, using safe default")
		return c.safeDefault, false
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return c.safeDefault, false
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	margin, err := c.service.ComputeThreshold(callCtx, params)
	if err != nil || margin < 0 {
		c.breaker.Failure()
		c.logger.Warn("risk threshold: service fault, using safe default",
			"error", err, "default", c.safeDefault)
		return c.safeDefault, false
	}
	c.breaker.Success()
	return margin, true
}

// circuitBreaker is a minimal consecutive-failure breaker.
type circuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	reset     time.Duration
	openedAt  time.Time
}

func newCircuitBreaker(threshold int, reset time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, reset: reset}
}

func (b *circuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return true
	}
	// Half-open: permit one probe per reset interval.
	if time.Since(b.openedAt) >= b.reset {
		b.openedAt = time.Now()
		return true
	}
	return false
}

func (b *circuitBreaker) Success() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

func (b *circuitBreaker) Failure() {
	b.mu.Lock()
	b.failures++
	if b.failures == b.threshold {
		b.openedAt = time.Now()
	}
	b.mu.Unlock()
}
