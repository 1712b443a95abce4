package resilience

import (
	"context"
	"sync"

	"eventflow/logging"
)

// Callable is the unit of work passed to Invoke.
type Callable func(ctx context.Context) (any, error)

// Invoker is the Resilient Invoker (§4.8, component G): a registry of named
// circuit breakers, each wrapping calls in a classified retry. Call sites
// address a resource by name; the first call for a name lazily creates its
// breaker from DefaultBreakerConfig unless Configure was called first.
type Invoker struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	breaker  BreakerConfig
	retry    RetryConfig
	log      logging.ILogger
}

func NewInvoker(breaker BreakerConfig, retry RetryConfig) *Invoker {
	return &Invoker{
		breakers: make(map[string]*CircuitBreaker),
		breaker:  breaker, retry: retry,
		log: logging.ComponentLogger("resilience.invoker"),
	}
}

// Configure installs a resource-specific breaker configuration. Called after
// the resource's first Invoke, it replaces the existing breaker and discards
// its state.
func (inv *Invoker) Configure(resource string, cfg BreakerConfig) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.breakers[resource] = NewCircuitBreaker(resource, cfg)
}

func (inv *Invoker) breakerFor(resource string) *CircuitBreaker {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	cb, ok := inv.breakers[resource]
	if !ok {
		cb = NewCircuitBreaker(resource, inv.breaker)
		inv.breakers[resource] = cb
	}
	return cb
}

// State reports the current breaker state for resource, CLOSED if the
// resource has never been invoked.
func (inv *Invoker) State(resource string) State {
	return inv.breakerFor(resource).State()
}

// Invoke runs fn against resource's circuit breaker and retry policy
// (§4.8 contract): it returns the callable's result, ErrCircuitOpen without
// invoking fn at all while the breaker is OPEN, or the wrapped
// ErrRetriesExhausted once every retry attempt has failed.
func (inv *Invoker) Invoke(ctx context.Context, resource string, fn Callable) (any, error) {
	cb := inv.breakerFor(resource)

	if err := cb.allow(); err != nil {
		inv.log.Debug(ctx, "circuit open, rejecting call", logging.String("resource", resource))
		return nil, err
	}

	result, err := Retry(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, inv.retry)

	cb.record(err == nil)
	return result, err
}
