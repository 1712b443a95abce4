package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSagaState_RecordStepCompleted_AdvancesAndTransitions(t *testing.T) {
	state := NewSagaState("saga-1", "OrderSaga", "corr-1", 2, time.Minute)
	assert.Equal(t, SagaStatusStarted, state.Status)

	require.NoError(t, state.RecordStepCompleted(0, "StockReserved", "inventory", "evt-1", map[string]any{"qty": 2}))
	assert.Equal(t, SagaStatusInProgress, state.Status)
	assert.Equal(t, 1, state.CurrentStep)
	assert.Equal(t, 2, state.Context["qty"])

	require.NoError(t, state.RecordStepCompleted(1, "PaymentProcessed", "payments", "evt-2", nil))
	assert.Equal(t, SagaStatusCompleted, state.Status)
	assert.False(t, state.CompletedAt.IsZero())
}

func TestSagaState_RecordStepFailed_MovesToCompensating(t *testing.T) {
	state := NewSagaState("saga-1", "OrderSaga", "", 2, time.Minute)
	require.NoError(t, state.RecordStepCompleted(0, "StockReserved", "inventory", "evt-1", nil))

	require.NoError(t, state.RecordStepFailed(1, "PaymentProcessed", "payments", "exceeds limit"))
	assert.Equal(t, SagaStatusCompensating, state.Status)
	assert.Equal(t, "exceeds limit", state.FailureReason)
	assert.Equal(t, 1, state.FailedAtStep)
}

func TestSagaState_RecordCompensationStep_CompletesWhenAllUndone(t *testing.T) {
	state := NewSagaState("saga-1", "OrderSaga", "", 2, time.Minute)
	require.NoError(t, state.RecordStepCompleted(0, "StockReserved", "inventory", "evt-1", nil))
	require.NoError(t, state.RecordStepFailed(1, "PaymentProcessed", "payments", "declined"))

	require.NoError(t, state.RecordCompensationStep(0, "StockReleased", "inventory"))
	assert.Equal(t, SagaStatusCompensated, state.Status)

	for _, step := range state.Steps {
		if step.StepNumber == 0 {
			assert.Equal(t, StepOutcomeCompensated, step.Outcome)
		}
	}
}

func TestSagaState_TerminalStatusesAreAbsorbing(t *testing.T) {
	state := NewSagaState("saga-1", "OrderSaga", "", 1, time.Minute)
	require.NoError(t, state.Complete(SagaStatusCompleted))
	assert.True(t, state.IsCompleted())

	err := state.Complete(SagaStatusFailed)
	assert.ErrorIs(t, err, ErrSagaInvalidTransition)
}

func TestSagaState_CompleteRejectsNonTerminal(t *testing.T) {
	state := NewSagaState("saga-1", "OrderSaga", "", 1, time.Minute)
	err := state.Complete(SagaStatusInProgress)
	assert.ErrorIs(t, err, ErrSagaInvalidTransition)
}

func TestSagaState_Clone_IsIndependent(t *testing.T) {
	state := NewSagaState("saga-1", "OrderSaga", "", 2, time.Minute)
	require.NoError(t, state.RecordStepCompleted(0, "StockReserved", "inventory", "evt-1", map[string]any{"qty": 2}))

	clone := state.Clone()
	clone.Context["qty"] = 99
	clone.Steps[0].Reason = "mutated"

	assert.Equal(t, 2, state.Context["qty"])
	assert.Empty(t, state.Steps[0].Reason)
}

func TestMemorySagaStateStore_StartGetUpdateDelete(t *testing.T) {
	store := NewMemorySagaStateStore()
	ctx := context.Background()

	state := NewSagaState("saga-1", "OrderSaga", "corr-1", 1, time.Minute)
	require.NoError(t, store.Start(ctx, state))
	assert.ErrorIs(t, store.Start(ctx, state), ErrSagaInvalidState)

	loaded, err := store.Get(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, "saga-1", loaded.SagaID)

	require.NoError(t, loaded.RecordStepCompleted(0, "X", "svc", "evt-1", nil))
	require.NoError(t, store.Update(ctx, loaded))

	reloaded, err := store.Get(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, SagaStatusCompleted, reloaded.Status)

	require.NoError(t, store.Delete(ctx, "saga-1"))
	_, err = store.Get(ctx, "saga-1")
	assert.ErrorIs(t, err, ErrSagaNotFound)
}

func TestMemorySagaStateStore_Queries(t *testing.T) {
	store := NewMemorySagaStateStore()
	ctx := context.Background()

	s1 := NewSagaState("saga-1", "OrderSaga", "corr-a", 1, time.Minute)
	s2 := NewSagaState("saga-2", "OrderSaga", "corr-b", 1, time.Minute)
	s3 := NewSagaState("saga-3", "ShipmentSaga", "corr-a", 1, time.Minute)
	require.NoError(t, store.Start(ctx, s1))
	require.NoError(t, store.Start(ctx, s2))
	require.NoError(t, store.Start(ctx, s3))

	byStatus, err := store.ByStatus(ctx, SagaStatusStarted)
	require.NoError(t, err)
	assert.Len(t, byStatus, 3)

	byType, err := store.ByType(ctx, "OrderSaga")
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	byCorr, err := store.ByCorrelation(ctx, "corr-a")
	require.NoError(t, err)
	assert.Len(t, byCorr, 2)

	count, err := store.Count(ctx, SagaStatusStarted)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestMemorySagaStateStore_PastDeadline(t *testing.T) {
	store := NewMemorySagaStateStore()
	ctx := context.Background()

	expired := NewSagaState("saga-expired", "OrderSaga", "", 1, -time.Minute)
	active := NewSagaState("saga-active", "OrderSaga", "", 1, time.Hour)
	require.NoError(t, store.Start(ctx, expired))
	require.NoError(t, store.Start(ctx, active))

	past, err := store.PastDeadline(ctx, time.Now().UnixNano())
	require.NoError(t, err)
	require.Len(t, past, 1)
	assert.Equal(t, "saga-expired", past[0].SagaID)
}

func TestMemorySagaStateStore_PastDeadlineExcludesTerminal(t *testing.T) {
	store := NewMemorySagaStateStore()
	ctx := context.Background()

	state := NewSagaState("saga-1", "OrderSaga", "", 1, -time.Minute)
	require.NoError(t, store.Start(ctx, state))
	require.NoError(t, state.Complete(SagaStatusCompleted))
	require.NoError(t, store.Update(ctx, state))

	past, err := store.PastDeadline(ctx, time.Now().UnixNano())
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestMemorySagaStateStore_CompareAndSetStatus(t *testing.T) {
	store := NewMemorySagaStateStore()
	ctx := context.Background()

	state := NewSagaState("saga-1", "OrderSaga", "", 2, time.Minute)
	require.NoError(t, store.Start(ctx, state))

	won, err := store.CompareAndSetStatus(ctx, "saga-1", SagaStatusStarted, SagaStatusCompensating, "TIMEOUT")
	require.NoError(t, err)
	assert.Equal(t, SagaStatusCompensating, won.Status)
	assert.Equal(t, "TIMEOUT", won.FailureReason)

	_, err = store.CompareAndSetStatus(ctx, "saga-1", SagaStatusStarted, SagaStatusCompensating, "TIMEOUT")
	assert.ErrorIs(t, err, ErrSagaConcurrentUpdate)
}

var errDeclined = errors.New("payment declined")

func orderSagaDefinition(fail bool) (Definition, *int, *int) {
	reserveCalls, releaseCalls := 0, 0

	reserve := Step{
		Name: "ReserveStock", EventType: "StockReserved", Service: "inventory",
		Forward: func(ctx context.Context, s *SagaState) (map[string]any, error) {
			reserveCalls++
			return map[string]any{"reserved": true}, nil
		},
		Compensate: func(ctx context.Context, s *SagaState) error {
			releaseCalls++
			return nil
		},
		Retry: RetryPolicy{MaxAttempts: 1},
	}

	payment := Step{
		Name: "ProcessPayment", EventType: "PaymentProcessed", Service: "payments",
		Forward: func(ctx context.Context, s *SagaState) (map[string]any, error) {
			if fail {
				return nil, NonRetryable(errDeclined)
			}
			return map[string]any{"charged": true}, nil
		},
		Retry: RetryPolicy{MaxAttempts: 1},
	}

	return Definition{SagaType: "OrderSaga", Steps: []Step{reserve, payment}, Timeout: time.Minute}, &reserveCalls, &releaseCalls
}

func sequentialIDFunc() SagaIDFunc {
	n := 0
	return func() (string, error) {
		n++
		return "saga-" + string(rune('0'+n)), nil
	}
}

func TestOrchestrator_Start_HappyPathCompletes(t *testing.T) {
	store := NewMemorySagaStateStore()
	def, reserveCalls, _ := orderSagaDefinition(false)
	orch := NewOrchestrator(store, nil, sequentialIDFunc())

	state, err := orch.Start(context.Background(), def, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, SagaStatusCompleted, state.Status)
	assert.Equal(t, 1, *reserveCalls)
	assert.Len(t, state.Steps, 2)
}

func TestOrchestrator_Start_FailureCompensatesInReverse(t *testing.T) {
	store := NewMemorySagaStateStore()
	def, _, releaseCalls := orderSagaDefinition(true)
	orch := NewOrchestrator(store, nil, sequentialIDFunc())

	state, err := orch.Start(context.Background(), def, "corr-1")
	require.Error(t, err)
	assert.Equal(t, SagaStatusCompensated, state.Status)
	assert.Equal(t, 1, *releaseCalls)

	stored, getErr := store.Get(context.Background(), state.SagaID)
	require.NoError(t, getErr)
	assert.Equal(t, SagaStatusCompensated, stored.Status)
}

func TestOrchestrator_InvokeWithRetry_RetriesThenSucceeds(t *testing.T) {
	store := NewMemorySagaStateStore()
	orch := NewOrchestrator(store, nil, sequentialIDFunc())

	attempts := 0
	step := Step{
		Name: "Flaky", EventType: "Flaky",
		Forward: func(ctx context.Context, s *SagaState) (map[string]any, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("transient")
			}
			return nil, nil
		},
		Retry: RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Millisecond, Multiplier: 1},
	}
	state := NewSagaState("saga-x", "T", "", 1, time.Minute)

	_, err := orch.invokeWithRetry(context.Background(), step, state, step.Forward)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestOrchestrator_InvokeWithRetry_NonRetryableStopsImmediately(t *testing.T) {
	store := NewMemorySagaStateStore()
	orch := NewOrchestrator(store, nil, sequentialIDFunc())

	attempts := 0
	step := Step{
		Name: "Declines", EventType: "Declines",
		Forward: func(ctx context.Context, s *SagaState) (map[string]any, error) {
			attempts++
			return nil, NonRetryable(errDeclined)
		},
		Retry: RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Millisecond, Multiplier: 1},
	}
	state := NewSagaState("saga-x", "T", "", 1, time.Minute)

	_, err := orch.invokeWithRetry(context.Background(), step, state, step.Forward)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestTimeoutScheduler_TickCompensatesExpiredSagas(t *testing.T) {
	store := NewMemorySagaStateStore()
	ctx := context.Background()

	state := NewSagaState("saga-1", "OrderSaga", "", 2, -time.Minute)
	require.NoError(t, store.Start(ctx, state))

	var triggered *SagaState
	scheduler := NewTimeoutScheduler(store, func(ctx context.Context, s *SagaState) error {
		triggered = s
		return nil
	}, SchedulerConfig{TickInterval: time.Hour})

	scheduler.Tick(ctx)

	require.NotNil(t, triggered)
	assert.Equal(t, SagaStatusCompensating, triggered.Status)

	stored, err := store.Get(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, SagaStatusCompensating, stored.Status)
}

func TestTimeoutScheduler_TickIsAtMostOncePerSaga(t *testing.T) {
	store := NewMemorySagaStateStore()
	ctx := context.Background()

	state := NewSagaState("saga-1", "OrderSaga", "", 2, -time.Minute)
	require.NoError(t, store.Start(ctx, state))

	triggerCount := 0
	scheduler := NewTimeoutScheduler(store, func(ctx context.Context, s *SagaState) error {
		triggerCount++
		return nil
	}, SchedulerConfig{TickInterval: time.Hour})

	scheduler.Tick(ctx)
	scheduler.Tick(ctx)

	assert.Equal(t, 1, triggerCount)
}
