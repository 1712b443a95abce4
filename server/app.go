package server

import (
	"context"
	"fmt"
	"sync"

	"eventflow/logging"
)

// App drives the State machine (Pending -> ... -> Stopped/Error) declared
// in lifecycle.go, running each registered Hook slice in order at the
// matching transition. It has no opinion about what the hooks do; callers
// (see runtime/) register the component Start/Stop calls for their own
// wiring.
type App struct {
	opts *Options
	log  logging.ILogger

	mu    sync.Mutex
	state State
}

func NewApp(opts ...Option) *App {
	o := DefaultOptions()
	for _, fn := range opts {
		fn(o)
	}
	return &App{opts: o, log: logging.ComponentLogger("server.app").WithField("name", o.Name)}
}

func (a *App) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *App) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Start runs OnBeforeInit/OnAfterInit then OnBeforeStart/OnAfterStart,
// bounded by StartupTimeout. A hook failure leaves the App in StateError
// and aborts the remaining hooks in that phase.
func (a *App) Start(ctx context.Context) error {
	if a.State() != StatePending {
		return fmt.Errorf("server: app %q already started", a.opts.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.StartupTimeout)
	defer cancel()

	a.setState(StateInitializing)
	if err := runHooks(ctx, a.opts.OnBeforeInit); err != nil {
		a.setState(StateError)
		return fmt.Errorf("server: before-init hook: %w", err)
	}
	if err := runHooks(ctx, a.opts.OnAfterInit); err != nil {
		a.setState(StateError)
		return fmt.Errorf("server: after-init hook: %w", err)
	}

	a.setState(StatePrepared)
	if err := runHooks(ctx, a.opts.OnBeforeStart); err != nil {
		a.setState(StateError)
		return fmt.Errorf("server: before-start hook: %w", err)
	}

	a.setState(StateRunning)
	if err := runHooks(ctx, a.opts.OnAfterStart); err != nil {
		a.setState(StateError)
		return fmt.Errorf("server: after-start hook: %w", err)
	}

	a.log.Info(ctx, "app started", logging.String("version", a.opts.Version))
	return nil
}

// Stop runs OnBeforeStop then OnAfterStop, bounded by ShutdownTimeout.
// Unlike Start, a failing hook is logged but does not stop later hooks
// from running: shutdown must make best-effort progress through every
// stage (ingress stop, stage drain, write-behind flush, outbox flush,
// durable tier close) even if an earlier stage errors, so that failure
// in one stage doesn't strand resources held by a later one.
func (a *App) Stop(ctx context.Context) error {
	if s := a.State(); s != StateRunning && s != StateError {
		return fmt.Errorf("server: app %q not running", a.opts.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.ShutdownTimeout)
	defer cancel()

	a.setState(StateStopping)
	var firstErr error
	for _, h := range a.opts.OnBeforeStop {
		if err := h(ctx); err != nil {
			a.log.Error(ctx, "shutdown hook failed", logging.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, h := range a.opts.OnAfterStop {
		if err := h(ctx); err != nil {
			a.log.Error(ctx, "post-shutdown hook failed", logging.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	a.setState(StateStopped)
	if firstErr != nil {
		return fmt.Errorf("server: shutdown completed with errors: %w", firstErr)
	}
	return nil
}

func runHooks(ctx context.Context, hooks []Hook) error {
	for _, h := range hooks {
		if err := h(ctx); err != nil {
			return err
		}
	}
	return nil
}
