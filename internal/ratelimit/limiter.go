package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/energy-telemetry-service/internal/apperror"
	"github.com/septivank/energy-telemetry-service/internal/clock"
	"github.com/septivank/energy-telemetry-service/internal/config"
	"github.com/septivank/energy-telemetry-service/internal/metrics"
)

// RouteClass groups operations that share a budget
type RouteClass string

const (
	ClassIngest RouteClass = "ingest"
	ClassQuery  RouteClass = "query"
)

// Rule is the limit of one route class
type Rule struct {
	Limit  int
	Window time.Duration
}

// Decision is the result of one admission check
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Counter increments the fixed window counter for key and returns the new count.
// Implementations expire the counter after ttl.
type Counter interface {
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Window locates the fixed window containing now: its index and bounds.
func Window(now time.Time, window time.Duration) (index int64, start, end time.Time) {
	index = now.UnixMilli() / window.Milliseconds()
	start = time.UnixMilli(index * window.Milliseconds()).UTC()
	return index, start, start.Add(window)
}

func windowKey(class RouteClass, tenantID string, index int64) string {
	return fmt.Sprintf("rl:%s:%s:%d", class, url.QueryEscape(tenantID), index)
}

// Limiter admits calls per (tenant, route class) with fixed counting windows.
// It never blocks or queues; a counter failure admits the call.
type Limiter struct {
	counter Counter
	rules   map[RouteClass]Rule
	clock   clock.Clock
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewLimiter creates a limiter over counter
func NewLimiter(counter Counter, rules map[RouteClass]Rule, clk clock.Clock, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Limiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &Limiter{
		counter: counter,
		rules:   rules,
		clock:   clk,
		timeout: timeout,
		logger:  logger,
		metrics: m,
	}
}

// RulesFromConfig builds the per-class rules
func RulesFromConfig(cfg config.RateLimitConfig) map[RouteClass]Rule {
	return map[RouteClass]Rule{
		ClassIngest: {Limit: cfg.IngestLimit, Window: cfg.IngestWindow},
		ClassQuery:  {Limit: cfg.QueryLimit, Window: cfg.QueryWindow},
	}
}

// Allow counts one call for (tenantID, class)
func (l *Limiter) Allow(ctx context.Context, tenantID string, class RouteClass) (Decision, error) {
	rule, ok := l.rules[class]
	if !ok || rule.Limit <= 0 || rule.Window <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := l.clock.Now()
	index, _, resetAt := Window(now, rule.Window)

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	count, err := l.counter.Increment(ctx, windowKey(class, tenantID, index), rule.Window)
	if err != nil {
		l.metrics.RateLimitDecision(string(class), "error")
		l.logger.Warn("rate limiter unavailable, allowing request",
			zap.String("tenant_id", tenantID),
			zap.String("route_class", string(class)),
			zap.Error(err),
		)
		return Decision{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, ResetAt: resetAt}, nil
	}

	decision := Decision{
		Allowed:   count <= int64(rule.Limit),
		Limit:     rule.Limit,
		Remaining: max(rule.Limit-int(count), 0),
		ResetAt:   resetAt,
	}
	if !decision.Allowed {
		decision.RetryAfter = resetAt.Sub(now)
		l.metrics.RateLimitDecision(string(class), "throttled")
		return decision, &apperror.ThrottledError{RouteClass: string(class), RetryAfter: decision.RetryAfter}
	}

	l.metrics.RateLimitDecision(string(class), "allowed")
	return decision, nil
}

// Disabled returns a limiter that admits every call
func Disabled() *Limiter {
	return &Limiter{rules: map[RouteClass]Rule{}, clock: clock.Real(), logger: zap.NewNop()}
}
