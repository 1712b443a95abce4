package saga

import (
	"context"
	"sync"
	"time"

	"eventflow/logging"
)

// SchedulerConfig configures the Timeout Scheduler (§4.7, component F).
type SchedulerConfig struct {
	TickInterval time.Duration
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{TickInterval: 5 * time.Second}
}

// CompensationTrigger runs the compensation protocol for a saga that the
// scheduler has just moved to COMPENSATING, by winning the compare-and-set,
// because it is past its deadline. For an orchestrated saga this resumes the orchestrator's
// compensation loop; for a choreographed saga this is Choreographer.Compensate.
type CompensationTrigger func(ctx context.Context, state *SagaState) error

// TimeoutScheduler periodically scans the state store for sagas past their
// deadline and drives them into COMPENSATING exactly once (§4.7).
type TimeoutScheduler struct {
	stateStore ISagaStateStore
	trigger    CompensationTrigger
	cfg        SchedulerConfig
	log        logging.ILogger

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func NewTimeoutScheduler(stateStore ISagaStateStore, trigger CompensationTrigger, cfg SchedulerConfig) *TimeoutScheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultSchedulerConfig().TickInterval
	}
	return &TimeoutScheduler{
		stateStore: stateStore, trigger: trigger, cfg: cfg,
		log: logging.ComponentLogger("saga.scheduler"),
		stopCh: make(chan struct{}), doneCh: make(chan struct{}),
	}
}

func (s *TimeoutScheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *TimeoutScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *TimeoutScheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer func() {
		ticker.Stop()
		close(s.doneCh)
	}()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs a single scheduler pass; exported so tests and a manually driven
// scheduler can invoke it without waiting out a real tick interval.
func (s *TimeoutScheduler) Tick(ctx context.Context) {
	candidates, err := s.stateStore.PastDeadline(ctx, time.Now().UnixNano())
	if err != nil {
		s.log.Error(ctx, "timeout scheduler: past_deadline query failed", logging.Error(err))
		return
	}

	for _, state := range candidates {
		s.expire(ctx, state)
	}
}

// expire wins (or loses) the compare-and-set race to COMPENSATING for one
// saga; only the winner proceeds to trigger compensation, guaranteeing
// at-most-once compensation trigger per saga even with concurrent tickers
// or a racing orchestrator step completion (§4.7 guarantees).
func (s *TimeoutScheduler) expire(ctx context.Context, state *SagaState) {
	won, err := s.stateStore.CompareAndSetStatus(ctx, state.SagaID, state.Status, SagaStatusCompensating, "TIMEOUT")
	if err != nil {
		if err == ErrSagaConcurrentUpdate {
			s.log.Debug(ctx, "timeout scheduler lost CAS race, skipping", logging.String("saga_id", state.SagaID))
			return
		}
		s.log.Error(ctx, "timeout scheduler CAS failed", logging.Error(err), logging.String("saga_id", state.SagaID))
		return
	}

	s.log.Info(ctx, "saga past deadline, triggering compensation", logging.String("saga_id", won.SagaID))
	if s.trigger == nil {
		return
	}
	if err := s.trigger(ctx, won); err != nil {
		s.log.Error(ctx, "timeout compensation trigger failed", logging.Error(err), logging.String("saga_id", won.SagaID))
	}
}
