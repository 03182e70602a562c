package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("circuit breaker is half-open and at its probe limit")
)

// Config holds circuit breaker configuration
type Config struct {
	MaxRequests      uint32        // probes allowed while half-open
	Interval         time.Duration // closed-state counting window; 0 never resets
	Timeout          time.Duration // how long the breaker stays open
	FailureThreshold uint32        // consecutive failures that open the breaker
	SuccessThreshold uint32        // probe successes that close it again
	OnStateChange    func(name string, from State, to State)
	// IsFailure classifies an error returned by the wrapped call. Nil means every non-nil error counts.
	IsFailure func(err error) bool
}

// DefaultConfig returns the settings used when nothing else is configured
func DefaultConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		IsFailure:        IgnoreCancellation,
	}
}

// IgnoreCancellation counts every error except caller cancellation as a failure.
func IgnoreCancellation(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Counts are the statistics of the current window. They reset on every
// state change and whenever the closed-state interval elapses.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreaker guards calls to one dependency. It opens after
// FailureThreshold consecutive failures and rejects calls for Timeout. Then up
// to MaxRequests probes are let through: SuccessThreshold successes close it,
// a single failure opens it again.
type CircuitBreaker struct {
	name    string
	service string
	cfg     Config
	logger  *zap.Logger

	mu       sync.Mutex
	state    State
	epoch    uint64
	counts   Counts
	deadline time.Time // window end while closed, retry time while open
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(name string, config Config, logger *zap.Logger) *CircuitBreaker {
	return newBreaker(name, "default", config, logger)
}

func newBreaker(name, service string, cfg Config, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := &CircuitBreaker{
		name:    name,
		service: service,
		cfg:     cfg,
		logger:  logger,
		state:   StateClosed,
	}
	cb.nextEpoch(time.Now())
	track(cb)
	return cb
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn unless the breaker rejects it. A context that is already
// done returns its error without counting a request. A panic in fn counts as
// a failure and is re-raised.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	epoch, err := cb.admit()
	if err != nil {
		requestsTotal.WithLabelValues(cb.service, cb.name, "rejected").Inc()
		return err
	}

	ok := false
	defer func() { cb.settle(epoch, ok) }()

	err = fn()
	ok = !cb.countsAsFailure(err)
	return err
}

// State returns the current state. An open breaker whose timeout has passed
// reports half-open.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh(time.Now())
	return cb.state
}

// Counts returns the statistics of the current window
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

func (cb *CircuitBreaker) countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if cb.cfg.IsFailure == nil {
		return true
	}
	return cb.cfg.IsFailure(err)
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.refresh(time.Now())
	switch {
	case cb.state == StateOpen:
		return cb.epoch, ErrCircuitBreakerOpen
	case cb.state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxRequests:
		return cb.epoch, ErrTooManyRequests
	}
	cb.counts.Requests++
	return cb.epoch, nil
}

// settle records the outcome of a call admitted in epoch. Outcomes from an
// earlier epoch are dropped.
func (cb *CircuitBreaker) settle(epoch uint64, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.refresh(now)
	if epoch != cb.epoch {
		return
	}

	if ok {
		requestsTotal.WithLabelValues(cb.service, cb.name, "success").Inc()
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveSuccesses++
		cb.counts.ConsecutiveFailures = 0
		if cb.state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.moveTo(StateClosed, now)
		}
		return
	}

	requestsTotal.WithLabelValues(cb.service, cb.name, "failure").Inc()
	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0
	switch cb.state {
	case StateClosed:
		if cb.counts.ConsecutiveFailures >= cb.cfg.FailureThreshold {
			cb.moveTo(StateOpen, now)
		}
	case StateHalfOpen:
		cb.moveTo(StateOpen, now)
	}
}

// refresh applies time-based transitions. Callers hold mu.
func (cb *CircuitBreaker) refresh(now time.Time) {
	switch cb.state {
	case StateClosed:
		if !cb.deadline.IsZero() && now.After(cb.deadline) {
			cb.nextEpoch(now)
		}
	case StateOpen:
		if now.After(cb.deadline) {
			cb.moveTo(StateHalfOpen, now)
		}
	}
}

func (cb *CircuitBreaker) moveTo(next State, now time.Time) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.nextEpoch(now)

	observeTransition(cb.service, cb.name, prev, next)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, prev, next)
	}
	cb.logger.Info("Circuit breaker state changed",
		zap.String("service", cb.service),
		zap.String("name", cb.name),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	)
}

// nextEpoch starts a fresh counting window for the current state
func (cb *CircuitBreaker) nextEpoch(now time.Time) {
	cb.epoch++
	cb.counts = Counts{}
	cb.deadline = time.Time{}
	switch cb.state {
	case StateClosed:
		if cb.cfg.Interval > 0 {
			cb.deadline = now.Add(cb.cfg.Interval)
		}
	case StateOpen:
		cb.deadline = now.Add(cb.cfg.Timeout)
	}
}
