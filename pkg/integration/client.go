package integration

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/Waypoint-Systems/keel/core/pkg/retry"
)

// Operation is a logical backend operation, transport-agnostic.
type Operation struct {
	OperationID string          `json:"operation_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Response is a tier's reply, tagged with the tier that produced it.
type Response struct {
	TierID  string          `json:"tier_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Tier is one interchangeable transport strategy for reaching the
// backend. The client depends only on this contract, never on transport
// specifics.
type Tier interface {
	ID() string
	Invoke(ctx context.Context, op Operation) (*Response, error)
}

// TierConfig bounds one tier's behavior. Zero values fall back to the
// defaults below; thresholds and timeouts come from external
// configuration, never hard-coded call sites.
type TierConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	InvokeTimeout    time.Duration
	Backoff          retry.BackoffPolicy
	RateLimit        float64 // requests per second, 0 = unlimited
	RateBurst        int
}

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 30 * time.Second
	defaultInvokeTimeout    = 10 * time.Second
)

func (c TierConfig) withDefaults() TierConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = defaultRecoveryTimeout
	}
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = defaultInvokeTimeout
	}
	if c.Backoff.MaxAttempts <= 0 {
		c.Backoff = retry.DefaultPolicy
	}
	return c
}

type tierRuntime struct {
	tier    Tier
	breaker *CircuitBreaker
	limiter *rate.Limiter
	config  TierConfig
}

// Client executes operations against the tier list in preference order.
type Client struct {
	tiers  []*tierRuntime
	logger *slog.Logger
	// sleep is swappable so tests do not wait out real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient builds a tiered client. Tiers are tried in the order given.
func NewClient(logger *slog.Logger, tiers []Tier, configs map[string]TierConfig) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{logger: logger, sleep: sleepCtx}
	for _, t := range tiers {
		cfg := configs[t.ID()].withDefaults()
		rt := &tierRuntime{
			tier:    t,
			breaker: NewCircuitBreaker(t.ID(), cfg.FailureThreshold, cfg.RecoveryTimeout),
			config:  cfg,
		}
		if cfg.RateLimit > 0 {
			burst := cfg.RateBurst
			if burst <= 0 {
				burst = 1
			}
			rt.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
		}
		c.tiers = append(c.tiers, rt)
	}
	return c
}

// Execute runs the operation against the first tier that can serve it.
//
// Per tier: an open breaker whose recovery window has not elapsed is
// skipped without a network call; otherwise the tier is invoked with a
// bounded timeout and a fixed retry count with exponential backoff and
// jitter for transient errors only. Permanent errors fail over to the
// next tier without retry. Success resets the tier's breaker and returns
// immediately. When every tier is exhausted or skipped, the per-tier
// reasons are returned in an *AllTiersFailedError.
func (c *Client) Execute(ctx context.Context, op Operation) (*Response, error) {
	failures := make([]TierFailure, 0, len(c.tiers))

	for _, rt := range c.tiers {
		proceed, probe := rt.breaker.Allow()
		if !proceed {
			reason := "circuit open, skipped"
			if rt.breaker.State() == CircuitHalfOpen {
				reason = "probe in flight, bypassed"
			}
			c.logger.Debug("tier skipped",
				"tier", rt.tier.ID(), "operation", op.OperationID, "reason", reason)
			failures = append(failures, TierFailure{TierID: rt.tier.ID(), Reason: reason})
			continue
		}

		resp, failure := c.executeTier(ctx, rt, op, probe)
		if failure == nil {
			return resp, nil
		}
		failures = append(failures, *failure)

		if ctx.Err() != nil {
			break
		}
	}
	return nil, &AllTiersFailedError{OperationID: op.OperationID, Failures: failures}
}

// executeTier runs the bounded retry loop against one tier and settles
// its breaker.
func (c *Client) executeTier(ctx context.Context, rt *tierRuntime, op Operation, probe bool) (*Response, *TierFailure) {
	var lastErr error

	attempts := rt.config.Backoff.MaxAttempts
	if probe {
		// Exactly one in-flight call is allowed through as the probe.
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if rt.limiter != nil {
			if err := rt.limiter.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, rt.config.InvokeTimeout)
		resp, err := rt.tier.Invoke(callCtx, op)
		cancel()

		if err == nil {
			rt.breaker.Success()
			c.logger.Debug("tier succeeded",
				"tier", rt.tier.ID(), "operation", op.OperationID, "attempt", attempt)
			return resp, nil
		}
		lastErr = err

		if !IsTransient(err) {
			// Retrying a permanent error within the same tier cannot
			// succeed; fail over immediately.
			break
		}
		if attempt == attempts-1 || ctx.Err() != nil {
			break
		}

		delay := retry.ComputeBackoff(retry.BackoffParams{
			TierID:       rt.tier.ID(),
			OperationID:  op.OperationID,
			AttemptIndex: attempt + 1,
		}, rt.config.Backoff)
		if err := c.sleep(ctx, delay); err != nil {
			break
		}
	}

	rt.breaker.Failure()
	reason := "no attempt made"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	c.logger.Warn("tier exhausted",
		"tier", rt.tier.ID(), "operation", op.OperationID,
		"breaker", rt.breaker.State(), "reason", reason)
	return nil, &TierFailure{TierID: rt.tier.ID(), Reason: reason}
}

// BreakerSnapshots exposes the per-tier breaker state for observability.
func (c *Client) BreakerSnapshots() []BreakerSnapshot {
	snaps := make([]BreakerSnapshot, 0, len(c.tiers))
	for _, rt := range c.tiers {
		snaps = append(snaps, rt.breaker.Snapshot())
	}
	return snaps
}

// breakerFor is a test hook.
func (c *Client) breakerFor(tierID string) *CircuitBreaker {
	for _, rt := range c.tiers {
		if rt.tier.ID() == tierID {
			return rt.breaker
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
