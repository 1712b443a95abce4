package saga

import "context"

// ISagaStateStore is the Saga State Store contract (§4.5, component D).
//
// Implementations must answer PastDeadline in O(log n + k); the in-memory
// implementation keeps a deadline-sorted index to meet that bound, a SQL
// implementation would rely on the `deadline` index named in §6.
type ISagaStateStore interface {
	// Start persists a freshly created STARTED state; returns
	// ErrSagaInvalidState if one already exists for the same saga_id.
	Start(ctx context.Context, state *SagaState) error

	// Get loads a saga by id. Returns ErrSagaNotFound if absent.
	Get(ctx context.Context, sagaID string) (*SagaState, error)

	// Update persists a mutated state (step recorded, compensation recorded,
	// or a terminal transition already applied to the in-memory value).
	Update(ctx context.Context, state *SagaState) error

	// CompareAndSetStatus atomically transitions a saga from expectedFrom to
	// to, recording reason for the transition; returns ErrSagaConcurrentUpdate
	// if the saga's current status no longer matches expectedFrom (§5 saga
	// state mutations: "the loser aborts").
	CompareAndSetStatus(ctx context.Context, sagaID string, expectedFrom, to SagaStatus, reason string) (*SagaState, error)

	// Delete removes a saga's state.
	Delete(ctx context.Context, sagaID string) error

	// ByStatus lists sagas in the given status.
	ByStatus(ctx context.Context, status SagaStatus) ([]*SagaState, error)

	// ByType lists sagas of the given saga_type.
	ByType(ctx context.Context, sagaType string) ([]*SagaState, error)

	// ByCorrelation lists sagas sharing a correlation id.
	ByCorrelation(ctx context.Context, correlationID string) ([]*SagaState, error)

	// PastDeadline lists sagas in an active status (SagaStatus.IsActive:
	// STARTED or IN_PROGRESS) whose deadline is at or before now. A saga
	// already in COMPENSATING is excluded even though it isn't terminal,
	// since it has already been handed to the CompensationTrigger once.
	PastDeadline(ctx context.Context, now int64) ([]*SagaState, error)

	// Count returns the number of sagas currently in status.
	Count(ctx context.Context, status SagaStatus) (int, error)
}
