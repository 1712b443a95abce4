// Package resilience implements the Resilient Invoker (§4.8, component G):
// a named circuit breaker with a sliding failure-rate window, wrapped by a
// classified exponential-backoff retry.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// State is one of the three circuit breaker states (§4.8).
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by Invoke while a breaker is OPEN, without
// invoking the underlying callable (§4.8 contract).
var ErrCircuitOpen = errors.New("resilience: circuit open")

// BreakerConfig configures one named circuit breaker.
type BreakerConfig struct {
	// FailureRateThreshold in [0,1]; CLOSED -> OPEN when the sliding
	// window's failure rate reaches this with MinCalls satisfied.
	FailureRateThreshold float64
	SlidingWindowSize    int
	MinCalls             int
	OpenDuration         time.Duration
	ProbeCount           int
	OnStateChange        func(resource string, from, to State)
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureRateThreshold: 0.5,
		SlidingWindowSize:    10,
		MinCalls:             10,
		OpenDuration:         30 * time.Second,
		ProbeCount:           3,
	}
}

// CircuitBreaker guards one named resource. CLOSED tracks the last
// SlidingWindowSize outcomes as a ring buffer; OPEN rejects every call for
// OpenDuration; HALF_OPEN admits up to ProbeCount calls and decides CLOSED
// (all succeeded) or OPEN (any failed) once every probe has reported.
type CircuitBreaker struct {
	resource string
	cfg      BreakerConfig

	mu          sync.Mutex
	state       State
	window      []bool // true = success
	windowNext  int
	windowFull  bool
	openedAt    time.Time
	probesSent  int
	probeFailed bool
	probesDone  int
}

func NewCircuitBreaker(resource string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.SlidingWindowSize <= 0 {
		cfg.SlidingWindowSize = DefaultBreakerConfig().SlidingWindowSize
	}
	if cfg.MinCalls <= 0 {
		cfg.MinCalls = DefaultBreakerConfig().MinCalls
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = DefaultBreakerConfig().OpenDuration
	}
	if cfg.ProbeCount <= 0 {
		cfg.ProbeCount = DefaultBreakerConfig().ProbeCount
	}
	if cfg.FailureRateThreshold <= 0 {
		cfg.FailureRateThreshold = DefaultBreakerConfig().FailureRateThreshold
	}
	return &CircuitBreaker{
		resource: resource, cfg: cfg, state: StateClosed,
		window: make([]bool, 0, cfg.SlidingWindowSize),
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// allow decides whether a call may proceed, transitioning OPEN->HALF_OPEN
// once OpenDuration has elapsed.
func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.cfg.OpenDuration {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.probesSent = 1
		return nil
	case StateHalfOpen:
		if cb.probesSent >= cb.cfg.ProbeCount {
			return ErrCircuitOpen
		}
		cb.probesSent++
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.probesDone++
		if !success {
			cb.probeFailed = true
		}
		if cb.probesDone >= cb.cfg.ProbeCount {
			if cb.probeFailed {
				cb.setState(StateOpen)
			} else {
				cb.setState(StateClosed)
			}
		}
	case StateClosed:
		cb.pushWindow(success)
		if cb.callsInWindow() >= cb.cfg.MinCalls && cb.failureRate() >= cb.cfg.FailureRateThreshold {
			cb.setState(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) pushWindow(success bool) {
	if len(cb.window) < cb.cfg.SlidingWindowSize {
		cb.window = append(cb.window, success)
		return
	}
	cb.window[cb.windowNext] = success
	cb.windowNext = (cb.windowNext + 1) % cb.cfg.SlidingWindowSize
	cb.windowFull = true
}

func (cb *CircuitBreaker) callsInWindow() int { return len(cb.window) }

func (cb *CircuitBreaker) failureRate() float64 {
	if len(cb.window) == 0 {
		return 0
	}
	failures := 0
	for _, ok := range cb.window {
		if !ok {
			failures++
		}
	}
	return float64(failures) / float64(len(cb.window))
}

func (cb *CircuitBreaker) setState(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.window = cb.window[:0]
	cb.windowNext = 0
	cb.windowFull = false
	cb.probesSent = 0
	cb.probesDone = 0
	cb.probeFailed = false
	if to == StateOpen {
		cb.openedAt = time.Now()
	}
	if cb.cfg.OnStateChange != nil {
		go cb.cfg.OnStateChange(cb.resource, from, to)
	}
}
