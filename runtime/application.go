// Package runtime assembles the per-process components (one Pipeline per
// domain, the Outbox Publisher, the Timeout Scheduler, the Write-Behind
// Store, the durable tier) into a single server.App and wires the §6
// shutdown protocol: ingress stop -> stage drain -> write-behind flush ->
// outbox flush -> durable tier close.
package runtime

import (
	"context"
	"fmt"

	core "eventflow/data/db"
	"eventflow/di"
	"eventflow/eventing/outbox"
	"eventflow/logging"
	"eventflow/pipeline"
	"eventflow/saga"
	"eventflow/server"
	"eventflow/writebehind"
)

// Pipelines keys the per-domain pipeline set registered with the Application;
// most deployments run one pipeline per event-log domain (§2).
type Pipelines map[string]*pipeline.Pipeline

// Application is the top-level composition root (§6's "single process").
// It owns nothing itself: every field is a component built elsewhere and
// handed in, so the start and shutdown order below can be expressed once.
type Application struct {
	container *di.BasicContainer
	app       *server.App

	pipelines []*pipeline.Pipeline
	publisher *outbox.Publisher
	scheduler *saga.TimeoutScheduler
	wbStore   *writebehind.Store
	durable   core.IDatabase

	log logging.ILogger
}

// Components bundles everything the Application wires together. Any field
// may be nil: a deployment that carries no saga orchestration, for
// instance, leaves Scheduler nil and the shutdown sequence simply skips it.
type Components struct {
	Pipelines   Pipelines
	Publisher   *outbox.Publisher
	Scheduler   *saga.TimeoutScheduler
	WriteBehind *writebehind.Store
	Durable     core.IDatabase
}

// NewApplication registers c's components in a DI container under stable
// names (so later lookups, e.g. from an admin endpoint, resolve by role
// rather than by holding onto the original references) and builds the
// server.App whose Start/Stop hooks drive them in the right order.
func NewApplication(name string, c Components) *Application {
	container := di.NewBasic()
	a := &Application{
		container: container,
		log:       logging.ComponentLogger("runtime.application").WithField("name", name),
		publisher: c.Publisher,
		scheduler: c.Scheduler,
		wbStore:   c.WriteBehind,
		durable:   c.Durable,
	}
	for domain, p := range c.Pipelines {
		a.pipelines = append(a.pipelines, p)
		_ = container.RegisterInstance("pipeline."+domain, p)
	}
	if c.Publisher != nil {
		_ = container.RegisterInstance("outbox.publisher", c.Publisher)
	}
	if c.Scheduler != nil {
		_ = container.RegisterInstance("saga.scheduler", c.Scheduler)
	}
	if c.WriteBehind != nil {
		_ = container.RegisterInstance("writebehind.store", c.WriteBehind)
	}
	if c.Durable != nil {
		_ = container.RegisterInstance("data.durable", c.Durable)
	}

	a.app = server.NewApp(
		server.WithName(name),
		server.WithBeforeStart(a.startComponents),
		server.WithBeforeStop(a.stopIngress),
		server.WithBeforeStop(a.drainWriteBehind),
		server.WithBeforeStop(a.flushOutbox),
		server.WithAfterStop(a.closeDurableTier),
	)
	return a
}

// startComponents runs every registered component's Start in dependency order: the
// write-behind store and scheduler first (nothing depends on them being
// idle), then the outbox publisher, then ingress pipelines last so no
// event can arrive before its downstream stages are ready.
func (a *Application) startComponents(ctx context.Context) error {
	if a.wbStore != nil {
		a.wbStore.Start(ctx)
	}
	if a.scheduler != nil {
		a.scheduler.Start(ctx)
	}
	if a.publisher != nil {
		if err := a.publisher.Start(ctx); err != nil {
			return fmt.Errorf("runtime: start outbox publisher: %w", err)
		}
	}
	for _, p := range a.pipelines {
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("runtime: start pipeline: %w", err)
		}
	}
	return nil
}

// stopIngress is shutdown stage 1: reject new submissions and drain every
// pipeline's in-flight events (Pipeline.Stop already blocks until its
// worker pool empties, so "stop" and "drain" are one call here).
func (a *Application) stopIngress(ctx context.Context) error {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	var firstErr error
	for _, p := range a.pipelines {
		if err := p.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// drainWriteBehind is shutdown stage 2: flush every partition's pending
// batch to the durable tier before the process exits, per §4.10's
// guarantee that no acknowledged Put is lost on clean shutdown.
func (a *Application) drainWriteBehind(ctx context.Context) error {
	if a.wbStore == nil {
		return nil
	}
	return a.wbStore.Shutdown(ctx)
}

// flushOutbox is shutdown stage 3: stop the publisher's ticker and run one
// final PublishPending so rows staged by the last drained events reach
// PENDING -> PUBLISHED instead of waiting for the next process's ticker.
func (a *Application) flushOutbox(ctx context.Context) error {
	if a.publisher == nil {
		return nil
	}
	if err := a.publisher.Stop(); err != nil {
		return err
	}
	return a.publisher.PublishPending(ctx)
}

// closeDurableTier is shutdown stage 4, run after every upstream stage has
// had its chance to issue a final write.
func (a *Application) closeDurableTier(ctx context.Context) error {
	if a.durable == nil {
		return nil
	}
	return a.durable.Close()
}

// Start brings the whole Application to StateRunning.
func (a *Application) Start(ctx context.Context) error {
	return a.app.Start(ctx)
}

// Stop runs the §6 shutdown protocol end to end.
func (a *Application) Stop(ctx context.Context) error {
	return a.app.Stop(ctx)
}

// State reports the underlying server.App's lifecycle state.
func (a *Application) State() server.State {
	return a.app.State()
}

// Resolve looks up a previously registered component by its DI name
// (e.g. "pipeline.orders", "writebehind.store").
func (a *Application) Resolve(name string) (interface{}, error) {
	return a.container.Resolve(name)
}
