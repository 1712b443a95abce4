package saga

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemorySagaStateStore is an in-memory ISagaStateStore (used in tests and as
// the state store for the in-process choreographed variant). Not
// persistent: process restart loses all saga state.
//
// PastDeadline keeps a deadline-sorted index alongside the primary map so
// lookups stay O(log n + k) as required by §4.5, instead of scanning every
// saga on each scheduler tick.
type MemorySagaStateStore struct {
	mu       sync.Mutex
	states   map[string]*SagaState
	deadline []deadlineEntry
}

type deadlineEntry struct {
	sagaID   string
	deadline time.Time
}

func NewMemorySagaStateStore() *MemorySagaStateStore {
	return &MemorySagaStateStore{states: make(map[string]*SagaState)}
}

func (s *MemorySagaStateStore) Start(ctx context.Context, state *SagaState) error {
	if state == nil || state.SagaID == "" {
		return ErrSagaInvalidState
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.states[state.SagaID]; exists {
		return ErrSagaInvalidState
	}
	s.states[state.SagaID] = state.Clone()
	s.insertDeadline(state.SagaID, state.Deadline)
	return nil
}

func (s *MemorySagaStateStore) insertDeadline(sagaID string, deadline time.Time) {
	entry := deadlineEntry{sagaID: sagaID, deadline: deadline}
	idx := sort.Search(len(s.deadline), func(i int) bool { return !s.deadline[i].deadline.Before(deadline) })
	s.deadline = append(s.deadline, deadlineEntry{})
	copy(s.deadline[idx+1:], s.deadline[idx:])
	s.deadline[idx] = entry
}

func (s *MemorySagaStateStore) Get(ctx context.Context, sagaID string) (*SagaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, exists := s.states[sagaID]
	if !exists {
		return nil, ErrSagaNotFound
	}
	return state.Clone(), nil
}

func (s *MemorySagaStateStore) Update(ctx context.Context, state *SagaState) error {
	if state == nil || state.SagaID == "" {
		return ErrSagaInvalidState
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.states[state.SagaID]; !exists {
		return ErrSagaNotFound
	}
	s.states[state.SagaID] = state.Clone()
	return nil
}

func (s *MemorySagaStateStore) CompareAndSetStatus(ctx context.Context, sagaID string, expectedFrom, to SagaStatus, reason string) (*SagaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, exists := s.states[sagaID]
	if !exists {
		return nil, ErrSagaNotFound
	}
	if state.Status != expectedFrom {
		return nil, ErrSagaConcurrentUpdate
	}

	if to == SagaStatusCompensating {
		state.FailureReason = reason
	}
	if err := state.transition(to); err != nil {
		return nil, err
	}
	if to.IsTerminal() {
		state.CompletedAt = time.Now()
	}
	return state.Clone(), nil
}

func (s *MemorySagaStateStore) Delete(ctx context.Context, sagaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, sagaID)
	for i, e := range s.deadline {
		if e.sagaID == sagaID {
			s.deadline = append(s.deadline[:i], s.deadline[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemorySagaStateStore) ByStatus(ctx context.Context, status SagaStatus) ([]*SagaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*SagaState
	for _, state := range s.states {
		if state.Status == status {
			result = append(result, state.Clone())
		}
	}
	return result, nil
}

func (s *MemorySagaStateStore) ByType(ctx context.Context, sagaType string) ([]*SagaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*SagaState
	for _, state := range s.states {
		if state.SagaType == sagaType {
			result = append(result, state.Clone())
		}
	}
	return result, nil
}

func (s *MemorySagaStateStore) ByCorrelation(ctx context.Context, correlationID string) ([]*SagaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*SagaState
	for _, state := range s.states {
		if state.CorrelationID == correlationID {
			result = append(result, state.Clone())
		}
	}
	return result, nil
}

// PastDeadline returns active sagas (STARTED or IN_PROGRESS, per
// SagaStatus.IsActive) whose deadline has elapsed as of now. A saga already
// in COMPENSATING is excluded even though it isn't terminal: it has already
// been handed to the CompensationTrigger once, and re-including it here
// would let every later tick trigger compensation again before the saga
// reaches a terminal status, violating the at-most-once guarantee (§4.7).
// The deadline index is sorted, so the walk stops at the first entry past
// `now`.
func (s *MemorySagaStateStore) PastDeadline(ctx context.Context, now int64) ([]*SagaState, error) {
	cutoff := time.Unix(0, now)

	s.mu.Lock()
	defer s.mu.Unlock()

	end := sort.Search(len(s.deadline), func(i int) bool { return s.deadline[i].deadline.After(cutoff) })

	var result []*SagaState
	for i := 0; i < end; i++ {
		state, ok := s.states[s.deadline[i].sagaID]
		if !ok || !state.Status.IsActive() {
			continue
		}
		result = append(result, state.Clone())
	}
	return result, nil
}

func (s *MemorySagaStateStore) Count(ctx context.Context, status SagaStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, state := range s.states {
		if state.Status == status {
			n++
		}
	}
	return n, nil
}

// Clear removes all saga state (test helper).
func (s *MemorySagaStateStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[string]*SagaState)
	s.deadline = nil
}

var _ ISagaStateStore = (*MemorySagaStateStore)(nil)
