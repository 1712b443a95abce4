package errors

import (
	stdErrors "errors"

	"eventflow/eventing"
	"eventflow/resilience"
	"eventflow/saga"
	"eventflow/writebehind"
)

// Normalize maps errors from the domain and infrastructure packages onto the
// ErrorCode taxonomy (§7), so callers above the package boundary deal with
// one error shape instead of each package's own sentinel types. Already-
// wrapped AppErrors and unrecognized errors pass through unchanged; the
// original error is always preserved as the cause via WrapError.
func Normalize(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := err.(IError); ok {
		return err
	}

	var seqConflict *eventing.SequenceConflictError
	if stdErrors.As(err, &seqConflict) {
		return WrapError(err, ErrCodeConcurrency, "event sequence conflict")
	}
	if stdErrors.Is(err, eventing.ErrDuplicateEvent()) {
		return WrapError(err, ErrCodeDuplicate, "duplicate event")
	}
	if stdErrors.Is(err, eventing.ErrEventNotFound()) {
		return WrapError(err, ErrCodeNotFound, "event not found")
	}
	if stdErrors.Is(err, eventing.ErrInvalidEvent()) {
		return WrapError(err, ErrCodeInvalidInput, "invalid event")
	}
	var storeErr *eventing.EventStoreError
	if stdErrors.As(err, &storeErr) {
		return WrapError(err, ErrCodeStorage, "event store failure")
	}

	if stdErrors.Is(err, saga.ErrSagaNotFound) {
		return WrapError(err, ErrCodeNotFound, "saga not found")
	}
	if stdErrors.Is(err, saga.ErrSagaConcurrentUpdate) {
		return WrapError(err, ErrCodeConcurrency, "concurrent saga update")
	}
	if stdErrors.Is(err, saga.ErrSagaInvalidState) ||
		stdErrors.Is(err, saga.ErrSagaInvalidTransition) ||
		stdErrors.Is(err, saga.ErrSagaInvalidStep) ||
		stdErrors.Is(err, saga.ErrSagaNoSteps) {
		return WrapError(err, ErrCodeInvalidInput, "invalid saga definition or transition")
	}
	if stdErrors.Is(err, saga.ErrSagaStepFailed) || stdErrors.Is(err, saga.ErrSagaCompensationFailed) {
		return WrapError(err, ErrCodeNonRetryable, "saga step or compensation failed")
	}
	if stdErrors.Is(err, saga.ErrSagaStoreFailed) {
		return WrapError(err, ErrCodeStorage, "saga store failure")
	}
	if stdErrors.Is(err, saga.ErrSagaAlreadyCompleted) || stdErrors.Is(err, saga.ErrSagaAlreadyFailed) {
		return WrapError(err, ErrCodeConflict, "saga already in terminal state")
	}

	if stdErrors.Is(err, resilience.ErrCircuitOpen) {
		return WrapError(err, ErrCodeCircuitOpen, "circuit open, call rejected")
	}
	if stdErrors.Is(err, resilience.ErrRetriesExhausted) {
		return WrapError(err, ErrCodeRetriesExhausted, "retries exhausted")
	}

	if stdErrors.Is(err, writebehind.ErrBackpressure) {
		return WrapError(err, ErrCodeBackpressure, "write-behind queue full")
	}
	if stdErrors.Is(err, writebehind.ErrNotFound) {
		return WrapError(err, ErrCodeNotFound, "write-behind key not found")
	}

	return err
}
