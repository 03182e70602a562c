package steps

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/research/internal/ratecontrol"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tracing"
)

// Func is the callable behind one step name.
type Func func(ctx context.Context, in Record) (Record, error)

// Table maps step names to callables. It is the only dispatch mechanism.
type Table map[string]Func

// Names returns the registered step names, sorted.
func (t Table) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoker is what the research controllers depend on.
type Invoker interface {
	Invoke(ctx context.Context, name string, in Record) Record
}

// Dispatcher invokes steps from a Table. It never returns a Go error: every
// failure, including unknown names, panics, open breakers and rate-limit
// cancellation, comes back as an envelope with the error field set.
// Only Go errors and panics from a step count against its breaker.
type Dispatcher struct {
	table    Table
	logger   *zap.Logger
	limiter  *ratecontrol.Limiter
	breakers *circuitbreaker.Group
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLimiter applies per-step rate limits before each call
func WithLimiter(l *ratecontrol.Limiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithBreakers replaces the default per-step circuit breaker group
func WithBreakers(g *circuitbreaker.Group) Option {
	return func(d *Dispatcher) { d.breakers = g }
}

// NewDispatcher creates a dispatcher over table
func NewDispatcher(table Table, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		table:  table,
		logger: logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.breakers == nil {
		d.breakers = circuitbreaker.NewGroup("research-steps", circuitbreaker.FromEnv(circuitbreaker.EnvStep), logger)
	}
	return d
}

// Breakers returns the per-step circuit breaker group
func (d *Dispatcher) Breakers() *circuitbreaker.Group {
	return d.breakers
}

// Invoke runs the named step and returns its output envelope
func (d *Dispatcher) Invoke(ctx context.Context, name string, in Record) Record {
	fn, ok := d.table[name]
	if !ok {
		d.logger.Error("Unknown step", zap.String("step", name))
		metrics.RecordStepMetrics(name, "unknown", 0)
		return ErrorRecord("unknown step: " + name)
	}

	ctx, span := tracing.StartStepSpan(ctx, name)
	defer span.End()

	if d.limiter != nil {
		waitStart := time.Now()
		if err := d.limiter.Wait(ctx, name); err != nil {
			metrics.RecordStepMetrics(name, "rate_limited", 0)
			tracing.Fail(span, err)
			return ErrorRecord(fmt.Sprintf("rate limit wait aborted: %v", err))
		}
		metrics.StepRateLimitWait.WithLabelValues(name).Observe(time.Since(waitStart).Seconds())
	}

	start := time.Now()
	var out Record
	err := d.breakers.Get(name).Execute(ctx, func() (callErr error) {
		defer func() {
			if r := recover(); r != nil {
				callErr = fmt.Errorf("step panicked: %v", r)
			}
		}()
		res, err := fn(ctx, in)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	elapsed := time.Since(start)

	if err != nil {
		metrics.RecordStepMetrics(name, "error", elapsed.Seconds())
		tracing.Fail(span, err)
		d.logger.Warn("Step failed",
			zap.String("step", name),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		return ErrorRecord(err.Error())
	}

	// Error envelopes are task outcomes, not breaker failures.
	if msg := out.ErrorMessage(); msg != "" {
		metrics.RecordStepMetrics(name, "error", elapsed.Seconds())
		tracing.Fail(span, &ExternalStepError{Step: name, Message: msg})
		d.logger.Warn("Step reported error",
			zap.String("step", name),
			zap.Duration("duration", elapsed),
			zap.String("error", msg),
		)
		return out
	}

	metrics.RecordStepMetrics(name, "success", elapsed.Seconds())
	d.logger.Debug("Step completed",
		zap.String("step", name),
		zap.Duration("duration", elapsed),
		zap.Strings("keys", out.Keys()),
	)
	if out == nil {
		out = Record{}
	}
	return out
}
