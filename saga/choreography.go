package saga

import (
	"context"
	"fmt"

	"eventflow/eventing"
	"eventflow/eventing/bus"
	"eventflow/logging"
)

// CompensationTable maps a saga type's forward event types to their
// compensating event types (§4.6 "choreographed variant": "a table of
// forward_type -> compensating_type exists per saga type").
type CompensationTable map[string]string

// Choreographer triggers choreographed compensation by publishing
// compensating events; it does not execute any local undo itself — each
// participating service is expected to subscribe to the compensating event
// type and run its own compensation, per the spec's correctness caveat.
type Choreographer struct {
	stateStore ISagaStateStore
	eventBus   bus.IEventBus
	tables     map[string]CompensationTable
}

func NewChoreographer(stateStore ISagaStateStore, eventBus bus.IEventBus) *Choreographer {
	return &Choreographer{stateStore: stateStore, eventBus: eventBus, tables: make(map[string]CompensationTable)}
}

// RegisterCompensationTable associates a saga type with its forward ->
// compensating event type table.
func (c *Choreographer) RegisterCompensationTable(sagaType string, table CompensationTable) {
	c.tables[sagaType] = table
}

// Compensate transitions the saga to COMPENSATING, then publishes the
// compensating event for every completed step of state, in reverse order. The
// state store itself is expected to observe the eventual COMPENSATED
// transition through each participant's own record_compensation_step call
// as it finishes its local undo (driven by the pipeline's COMPLETE stage,
// §4.6).
func (c *Choreographer) Compensate(ctx context.Context, sagaID, reason string) error {
	state, err := c.stateStore.Get(ctx, sagaID)
	if err != nil {
		return err
	}

	table, ok := c.tables[state.SagaType]
	if !ok {
		return fmt.Errorf("saga type %s has no registered compensation table", state.SagaType)
	}

	if _, err := c.stateStore.CompareAndSetStatus(ctx, sagaID, state.Status, SagaStatusCompensating, reason); err != nil {
		return err
	}

	for i := len(state.Steps) - 1; i >= 0; i-- {
		step := state.Steps[i]
		if step.Outcome != StepOutcomeCompleted {
			continue
		}
		compensatingType, ok := table[step.EventType]
		if !ok {
			logging.ComponentLogger("saga.choreographer").Warn(ctx, "no compensating event type registered",
				logging.String("saga_id", sagaID), logging.String("forward_type", step.EventType))
			continue
		}

		evt := eventing.NewEvent(state.SagaType, sagaID, compensatingType, "1", "saga-choreographer", map[string]any{
			"saga_id": sagaID, "step_number": step.StepNumber, "reason": reason, "is_compensating": true,
		})
		if err := c.eventBus.PublishEvent(ctx, evt); err != nil {
			return fmt.Errorf("publish compensating event %s for step %d: %w", compensatingType, step.StepNumber, err)
		}
	}

	return nil
}
