package pipeline

import (
	"context"
	"fmt"

	"eventflow/eventing"
	"eventflow/logging"
)

// RebuildViews clears every view this pipeline's updaters maintain, then
// replays the domain's full event history through UPDATE_VIEW only — not
// PERSIST, not PUBLISH, not COMPLETE. Live ingestion for the domain is
// suspended for the duration and resumes (successfully or not) before
// RebuildViews returns (§4.3 "Rebuild mode").
func (p *Pipeline) RebuildViews(ctx context.Context) error {
	p.mu.Lock()
	if p.rebuild {
		p.mu.Unlock()
		return fmt.Errorf("pipeline %s: rebuild already in progress", p.domain)
	}
	p.rebuild = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.rebuild = false
		p.mu.Unlock()
	}()

	p.log.Info(ctx, "rebuild_views started")

	for _, viewName := range p.updaters.ViewNames() {
		if err := p.viewStore.Clear(ctx, viewName); err != nil {
			return fmt.Errorf("clear view %s: %w", viewName, err)
		}
	}

	var replayed int64
	err := p.eventStore.ReplayAll(ctx, p.domain, func(event *eventing.Event, sequence uint64, globalOffset uint64) error {
		if len(p.updaters.For(event.GetType())) == 0 {
			return nil
		}
		if err := p.updateViews(ctx, event); err != nil {
			return fmt.Errorf("rebuild_views: update view for event %s: %w", event.GetID(), err)
		}
		replayed++
		return nil
	})
	if err != nil {
		p.log.Error(ctx, "rebuild_views failed", logging.Error(err), logging.Int64("replayed", replayed))
		return err
	}

	p.log.Info(ctx, "rebuild_views completed", logging.Int64("replayed", replayed))
	return nil
}
