package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/circuitbreaker"
)

const (
	defaultTimeout    = 5 * time.Second
	degradedLatency   = 100 * time.Millisecond
	breakerOpenReason = "circuit breaker open"
)

// Pinger is a backend that can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// breakerReporter is implemented by backends behind a circuit breaker.
type breakerReporter interface {
	BreakerOpen() bool
}

// PingChecker checks a state store or stream backend.
type PingChecker struct {
	name     string
	target   Pinger
	critical bool
	logger   *zap.Logger
	timeout  time.Duration
}

// NewPingChecker creates a checker named name over target
func NewPingChecker(name string, target Pinger, critical bool, logger *zap.Logger) *PingChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PingChecker{
		name:     name,
		target:   target,
		critical: critical,
		logger:   logger,
		timeout:  defaultTimeout,
	}
}

func (p *PingChecker) Name() string           { return p.name }
func (p *PingChecker) IsCritical() bool       { return p.critical }
func (p *PingChecker) Timeout() time.Duration { return p.timeout }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{
		Component: p.name,
		Critical:  p.critical,
		Timestamp: startTime,
	}

	if b, ok := p.target.(breakerReporter); ok && b.BreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = breakerOpenReason
		result.Message = p.name + " circuit breaker is open"
		result.Duration = time.Since(startTime)
		return result
	}

	err := p.target.Ping(ctx)
	result.Duration = time.Since(startTime)
	result.Details = map[string]interface{}{
		"latency_ms": result.Duration.Milliseconds(),
	}

	if err != nil {
		p.logger.Warn("Health check ping failed", zap.String("component", p.name), zap.Error(err))
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = p.name + " ping failed"
		return result
	}

	if result.Duration > degradedLatency {
		result.Status = StatusDegraded
		result.Message = p.name + " responding but with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = p.name + " healthy"
	}
	return result
}

// BreakerChecker reports the step circuit breakers. Open breakers degrade
// the service; runs still complete with best-effort answers.
type BreakerChecker struct {
	group *circuitbreaker.Group
}

// NewBreakerChecker creates a checker over group
func NewBreakerChecker(group *circuitbreaker.Group) *BreakerChecker {
	return &BreakerChecker{group: group}
}

func (b *BreakerChecker) Name() string           { return "steps" }
func (b *BreakerChecker) IsCritical() bool       { return false }
func (b *BreakerChecker) Timeout() time.Duration { return time.Second }

func (b *BreakerChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Component: b.Name(), Timestamp: time.Now()}

	states := b.group.States()
	details := make(map[string]interface{}, len(states))
	var open []string
	for name, st := range states {
		details[name] = st.String()
		if st == circuitbreaker.StateOpen {
			open = append(open, name)
		}
	}
	result.Details = details

	switch {
	case len(open) == len(states) && len(states) > 0:
		result.Status = StatusUnhealthy
		result.Message = "every step circuit breaker is open"
	case len(open) > 0:
		result.Status = StatusDegraded
		result.Message = "some step circuit breakers are open"
	default:
		result.Status = StatusHealthy
		result.Message = "steps healthy"
	}
	return result
}

// CustomChecker wraps a function.
type CustomChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomChecker creates a checker from checkFn
func NewCustomChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomChecker {
	return &CustomChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *CustomChecker) Name() string           { return c.name }
func (c *CustomChecker) IsCritical() bool       { return c.critical }
func (c *CustomChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}
