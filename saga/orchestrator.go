package saga

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"eventflow/eventing"
	"eventflow/eventing/bus"
	"eventflow/logging"
)

// Saga notification event types, published on the `{saga_type}_SAGA` topic
// (§6 "Bus topics").
const (
	EventSagaStarted               = "SagaStarted"
	EventSagaStepCompleted         = "SagaStepCompleted"
	EventSagaStepFailed            = "SagaStepFailed"
	EventSagaCompensationStarted   = "SagaCompensationStarted"
	EventSagaCompensationStepDone  = "SagaCompensationStepCompleted"
	EventSagaCompensationStepFailed = "SagaCompensationStepFailed"
	EventSagaCompleted             = "SagaCompleted"
	EventSagaCompensated           = "SagaCompensated"
	EventSagaFailed                = "SagaFailed"
	EventSagaTimedOut              = "SagaTimedOut"
)

func sagaLogger() logging.ILogger {
	return logging.ComponentLogger("saga.orchestrator")
}

// RetryPolicy bounds how many times a step's forward or compensating action
// is attempted and how the backoff between attempts grows (§4.6 "optional
// retry policy").
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	JitterRatio    float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialBackoff: 100 * time.Millisecond, Multiplier: 2.0}
}

// nonRetryableError marks a business failure that must propagate
// immediately and trigger compensation without burning retry attempts
// (§7 NonRetryableBusinessError, e.g. payment declined).
type nonRetryableError struct{ err error }

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable wraps err so the orchestrator skips further retry attempts
// and proceeds directly to compensation.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

func isNonRetryable(err error) bool {
	var nre *nonRetryableError
	return errors.As(err, &nre)
}

// ForwardAction performs a saga step's outbound work. It reads/writes the
// shared saga context and returns a delta to merge on SUCCESS, or an error
// on FAILURE. Returning a NonRetryable error skips remaining retry attempts.
type ForwardAction func(ctx context.Context, sagaCtx *SagaState) (delta map[string]any, err error)

// CompensateAction undoes a step's forward action; must be idempotent,
// since the timeout scheduler and a restarted orchestrator may both invoke
// it for the same step.
type CompensateAction func(ctx context.Context, sagaCtx *SagaState) error

// Step is one entry in a Definition's ordered step list (§4.6).
type Step struct {
	Name       string
	EventType  string
	Service    string
	Timeout    time.Duration
	Forward    ForwardAction
	Compensate CompensateAction
	Retry      RetryPolicy
}

func (s Step) HasCompensation() bool { return s.Compensate != nil }

func (s Step) retryPolicy() RetryPolicy {
	if s.Retry.MaxAttempts <= 0 {
		return DefaultRetryPolicy()
	}
	return s.Retry
}

// Definition is a saga type: its ordered steps and default timeout.
type Definition struct {
	SagaType string
	Steps    []Step
	Timeout  time.Duration
}

// SagaIDFunc allocates a new saga_id; swap for codegen/snowflake in
// production wiring.
type SagaIDFunc func() (string, error)

// Orchestrator executes Definitions against an ISagaStateStore, publishing
// saga lifecycle notifications to the event bus (§4.6 component E).
type Orchestrator struct {
	stateStore ISagaStateStore
	eventBus   bus.IEventBus
	newSagaID  SagaIDFunc
}

func NewOrchestrator(stateStore ISagaStateStore, eventBus bus.IEventBus, newSagaID SagaIDFunc) *Orchestrator {
	return &Orchestrator{stateStore: stateStore, eventBus: eventBus, newSagaID: newSagaID}
}

// Start allocates a saga_id, persists the STARTED state, and runs every
// step of def in order, compensating on failure (§4.6 execution protocol).
func (o *Orchestrator) Start(ctx context.Context, def Definition, correlationID string) (*SagaState, error) {
	if len(def.Steps) == 0 {
		return nil, ErrSagaNoSteps
	}

	sagaID, err := o.newSagaID()
	if err != nil {
		return nil, fmt.Errorf("allocate saga id: %w", err)
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	state := NewSagaState(sagaID, def.SagaType, correlationID, len(def.Steps), timeout)
	if err := o.stateStore.Start(ctx, state); err != nil {
		return nil, err
	}
	o.publish(ctx, def.SagaType, EventSagaStarted, state, "", "")

	return state, o.run(ctx, def, state, 0)
}

// ResumeSaga continues a previously started saga (sagaID) from its
// persisted current_step, typically after a process restart (§4.6
// "supports recovery").
func (o *Orchestrator) ResumeSaga(ctx context.Context, def Definition, sagaID string) (*SagaState, error) {
	state, err := o.stateStore.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if state.Status.IsTerminal() {
		return state, fmt.Errorf("%w: saga %s is already %s", ErrSagaAlreadyCompleted, sagaID, state.Status)
	}
	return state, o.run(ctx, def, state, state.CurrentStep)
}

func (o *Orchestrator) run(ctx context.Context, def Definition, state *SagaState, fromStep int) error {
	for i := fromStep; i < len(def.Steps); i++ {
		step := def.Steps[i]

		delta, err := o.invokeWithRetry(ctx, step, state, step.Forward)
		if err != nil {
			sagaLogger().Error(ctx, "saga step failed", logging.Error(err),
				logging.String("saga_id", state.SagaID), logging.String("step", step.Name))

			if recErr := state.RecordStepFailed(i, step.EventType, step.Service, err.Error()); recErr != nil {
				return recErr
			}
			_ = o.stateStore.Update(ctx, state)
			o.publish(ctx, def.SagaType, EventSagaStepFailed, state, step.Name, err.Error())

			return o.compensate(ctx, def, state, i)
		}

		if recErr := state.RecordStepCompleted(i, step.EventType, step.Service, "", delta); recErr != nil {
			return recErr
		}
		_ = o.stateStore.Update(ctx, state)
		o.publish(ctx, def.SagaType, EventSagaStepCompleted, state, step.Name, "")
	}

	// RecordStepCompleted already transitioned the state to COMPLETED on
	// the final step; this is just the corresponding notification.
	o.publish(ctx, def.SagaType, EventSagaCompleted, state, "", "")
	return nil
}

// CompensateFromTimeout resumes compensation for a saga the Timeout
// Scheduler has just won the CAS race to COMPENSATING for (§4.7 step 3,
// "triggers the same compensation protocol as §4.6 step 3"). state must
// already be in COMPENSATING.
func (o *Orchestrator) CompensateFromTimeout(ctx context.Context, def Definition, state *SagaState) error {
	return o.compensate(ctx, def, state, state.CurrentStep)
}

// compensate walks completed steps in reverse, invoking each one's
// compensation under its retry policy (§4.6 step 3).
func (o *Orchestrator) compensate(ctx context.Context, def Definition, state *SagaState, failedStepIndex int) error {
	o.publish(ctx, def.SagaType, EventSagaCompensationStarted, state, "", "")

	for i := failedStepIndex - 1; i >= 0; i-- {
		step := def.Steps[i]
		if !step.HasCompensation() {
			continue
		}

		_, err := o.invokeWithRetry(ctx, step, state, func(ctx context.Context, sagaCtx *SagaState) (map[string]any, error) {
			return nil, step.Compensate(ctx, sagaCtx)
		})
		if err != nil {
			sagaLogger().Error(ctx, "saga compensation failed", logging.Error(err),
				logging.String("saga_id", state.SagaID), logging.String("step", step.Name))
			o.publish(ctx, def.SagaType, EventSagaCompensationStepFailed, state, step.Name, err.Error())

			if compErr := state.Complete(SagaStatusFailed); compErr != nil {
				return compErr
			}
			_ = o.stateStore.Update(ctx, state)
			o.publish(ctx, def.SagaType, EventSagaFailed, state, step.Name, err.Error())
			return fmt.Errorf("%w: step %s: %v", ErrSagaCompensationFailed, step.Name, err)
		}

		if err := state.RecordCompensationStep(i, step.EventType, step.Service); err != nil {
			return err
		}
		_ = o.stateStore.Update(ctx, state)
		o.publish(ctx, def.SagaType, EventSagaCompensationStepDone, state, step.Name, "")
	}

	if state.Status != SagaStatusCompensated {
		if err := state.Complete(SagaStatusCompensated); err != nil {
			return err
		}
		_ = o.stateStore.Update(ctx, state)
	}
	o.publish(ctx, def.SagaType, EventSagaCompensated, state, "", "")
	return fmt.Errorf("%w: %s", ErrSagaStepFailed, state.FailureReason)
}

// invokeWithRetry runs action under step's retry policy, honoring step.Timeout
// per attempt and skipping remaining attempts for a NonRetryable error.
func (o *Orchestrator) invokeWithRetry(ctx context.Context, step Step, state *SagaState, action func(context.Context, *SagaState) (map[string]any, error)) (map[string]any, error) {
	policy := step.retryPolicy()
	backoff := policy.InitialBackoff
	if backoff <= 0 {
		backoff = DefaultRetryPolicy().InitialBackoff
	}
	multiplier := policy.Multiplier
	if multiplier <= 0 {
		multiplier = DefaultRetryPolicy().Multiplier
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if step.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		}

		delta, err := action(attemptCtx, state)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return delta, nil
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("step %s timed out after %s: %w", step.Name, step.Timeout, err)
		}

		lastErr = err
		if isNonRetryable(err) || attempt == policy.MaxAttempts {
			break
		}

		wait := time.Duration(float64(backoff) * pow(multiplier, float64(attempt-1)))
		if policy.JitterRatio > 0 {
			wait += time.Duration(rand.Float64() * policy.JitterRatio * float64(wait))
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}

func (o *Orchestrator) publish(ctx context.Context, sagaType, eventType string, state *SagaState, step, reason string) {
	if o.eventBus == nil {
		return
	}

	payload := map[string]any{
		"saga_id": state.SagaID, "saga_type": sagaType, "status": string(state.Status),
		"current_step": state.CurrentStep, "total_steps": state.TotalSteps,
	}
	if step != "" {
		payload["step"] = step
	}
	if reason != "" {
		payload["reason"] = reason
	}

	evt := eventing.NewEvent(sagaType, state.SagaID, eventType, "1", "saga-orchestrator", payload)
	if err := o.eventBus.PublishEvent(ctx, evt); err != nil {
		sagaLogger().Warn(ctx, "failed to publish saga event", logging.Error(err),
			logging.String("event_type", eventType), logging.String("saga_id", state.SagaID))
	}
}
