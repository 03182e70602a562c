package circuitbreaker

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shannon_research_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"service", "breaker"},
	)

	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_breaker_requests_total",
			Help: "Calls seen by a circuit breaker by result (success, failure, rejected)",
		},
		[]string{"service", "breaker", "result"},
	)

	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_breaker_transitions_total",
			Help: "Circuit breaker state changes",
		},
		[]string{"service", "breaker", "from", "to"},
	)

	openSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shannon_research_breaker_open_since_seconds",
			Help: "Unix time the breaker last opened, 0 when not open",
		},
		[]string{"service", "breaker"},
	)
)

// Every breaker ever built, keyed service/name.
var registry = struct {
	sync.Mutex
	breakers map[string]*CircuitBreaker
}{breakers: make(map[string]*CircuitBreaker)}

func track(cb *CircuitBreaker) {
	registry.Lock()
	registry.breakers[cb.service+"/"+cb.name] = cb
	registry.Unlock()
	stateGauge.WithLabelValues(cb.service, cb.name).Set(float64(StateClosed))
}

func observeTransition(service, name string, from, to State) {
	transitionsTotal.WithLabelValues(service, name, from.String(), to.String()).Inc()
	stateGauge.WithLabelValues(service, name).Set(float64(to))
	switch {
	case to == StateOpen:
		openSince.WithLabelValues(service, name).SetToCurrentTime()
	case from == StateOpen:
		openSince.WithLabelValues(service, name).Set(0)
	}
}

// Tracked lists the service/name keys of every breaker created so far
func Tracked() []string {
	registry.Lock()
	defer registry.Unlock()
	keys := make([]string, 0, len(registry.breakers))
	for k := range registry.breakers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StartMetricsCollection re-evaluates every tracked breaker on each tick so
// elapsed open timeouts show up as half-open in the state gauge. Call stop to
// end collection; it waits for the collector to exit.
func StartMetricsCollection(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				refreshAll()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-exited
		})
	}
}

func refreshAll() {
	registry.Lock()
	breakers := make([]*CircuitBreaker, 0, len(registry.breakers))
	for _, cb := range registry.breakers {
		breakers = append(breakers, cb)
	}
	registry.Unlock()

	for _, cb := range breakers {
		// State applies pending transitions, which update the gauge.
		cb.State()
	}
}
