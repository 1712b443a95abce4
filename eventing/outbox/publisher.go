package outbox

import (
	"context"
	"sync"
	"time"

	"eventflow/eventing/bus"
	"eventflow/logging"
)

// Publisher drains pending Outbox entries on a ticker and publishes them to
// the event bus, marking each entry published/failed and moving exhausted
// retries to the DLQ when one is configured.
type Publisher struct {
	repo IRepository
	bus  bus.IEventBus
	cfg  Config
	log  logging.ILogger
	dlq  IDLQRepository

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func NewPublisher(repo IRepository, eventBus bus.IEventBus, cfg Config, logger logging.ILogger) *Publisher {
	if logger == nil {
		logger = logging.ComponentLogger("eventing.outbox.publisher")
	}
	return &Publisher{repo: repo, bus: eventBus, cfg: cfg, log: logger, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
}

func (p *Publisher) SetDLQRepository(dlq IDLQRepository) { p.dlq = dlq }

func (p *Publisher) Start(ctx context.Context) error {
	go p.loop(ctx)
	return nil
}

func (p *Publisher) Stop() error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
	return nil
}

func (p *Publisher) PublishPending(ctx context.Context) error {
	return p.processOnce(ctx)
}

func (p *Publisher) loop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PublishInterval)
	cleanupTicker := time.NewTicker(p.cfg.CleanupInterval)
	defer func() {
		ticker.Stop()
		cleanupTicker.Stop()
		close(p.doneCh)
	}()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.processOnce(ctx); err != nil {
				p.log.Error(ctx, "outbox processOnce failed", logging.Error(err))
			}
		case <-cleanupTicker.C:
			if n, err := p.repo.DeletePublished(ctx, time.Now().Add(-p.cfg.RetentionPeriod)); err != nil {
				p.log.Error(ctx, "outbox cleanup failed", logging.Error(err))
			} else if n > 0 {
				p.log.Debug(ctx, "outbox cleanup removed published entries", logging.Int64("count", n))
			}
		}
	}
}

func (p *Publisher) processOnce(ctx context.Context) error {
	entries, err := p.repo.GetPending(ctx, p.cfg.BatchSize)
	if err != nil {
		return err
	}

	var firstErr error
	for _, e := range entries {
		if err := p.publishOne(ctx, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Publisher) publishOne(ctx context.Context, e Entry) error {
	event, err := e.ToEvent()
	if err != nil {
		// Malformed event_data will never unmarshal on a later attempt either,
		// so this is a permanent failure, not replayable.
		return p.fail(ctx, e, err, false)
	}
	if err := p.bus.PublishEvent(ctx, event); err != nil {
		return p.fail(ctx, e, err, true)
	}
	if err := p.repo.MarkPublished(ctx, e.ID); err != nil {
		// The event already reached the bus; a failed status update only risks a
		// harmless re-publish on the next pass, so this is logged, not fatal.
		p.log.Error(ctx, "outbox mark published failed", logging.Int64("entry", e.ID), logging.Error(err))
	}
	return nil
}

func (p *Publisher) fail(ctx context.Context, e Entry, cause error, replayable bool) error {
	next := e.CalculateNextRetryTime(p.cfg.RetryInterval)
	if err := p.repo.MarkFailed(ctx, e.ID, cause.Error(), next); err != nil {
		p.log.Error(ctx, "outbox mark failed failed", logging.Int64("entry", e.ID), logging.Error(err))
	}
	p.log.Warn(ctx, "outbox publish failed", logging.Int64("entry", e.ID), logging.Error(cause))

	if p.dlq != nil {
		e.RetryCount++
		if dlq, ok := p.dlq.(interface{ ShouldMoveToDLQ(Entry) bool }); ok && dlq.ShouldMoveToDLQ(e) {
			if err := p.dlq.MoveToDLQ(ctx, e, cause.Error(), replayable); err != nil {
				p.log.Error(ctx, "outbox move to DLQ failed", logging.Int64("entry", e.ID), logging.Error(err))
				return err
			}
		}
	}
	return cause
}
