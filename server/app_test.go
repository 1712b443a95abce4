package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApp_StartRunsHooksInOrderAndReachesRunning(t *testing.T) {
	var order []string
	record := func(name string) Hook {
		return func(ctx context.Context) error {
			order = append(order, name)
			return nil
		}
	}

	app := NewApp(
		WithName("test"),
		WithBeforeStart(record("before-start")),
		WithAfterStart(record("after-start")),
	)

	require.NoError(t, app.Start(context.Background()))
	assert.Equal(t, StateRunning, app.State())
	assert.Equal(t, []string{"before-start", "after-start"}, order)
}

func TestApp_StartFailureLeavesStateError(t *testing.T) {
	boom := errors.New("init failed")
	app := NewApp(
		WithName("test"),
		WithBeforeStart(func(ctx context.Context) error { return boom }),
	)

	err := app.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, app.State())
}

func TestApp_StopRunsBeforeThenAfterStopHooksEvenIfOneFails(t *testing.T) {
	var order []string
	app := NewApp(
		WithName("test"),
		WithBeforeStop(func(ctx context.Context) error {
			order = append(order, "stop-1")
			return errors.New("stage 1 failed")
		}),
		WithBeforeStop(func(ctx context.Context) error {
			order = append(order, "stop-2")
			return nil
		}),
		WithAfterStop(func(ctx context.Context) error {
			order = append(order, "after-stop")
			return nil
		}),
	)
	require.NoError(t, app.Start(context.Background()))

	err := app.Stop(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"stop-1", "stop-2", "after-stop"}, order)
	assert.Equal(t, StateStopped, app.State())
}

func TestApp_StopBeforeStartReturnsError(t *testing.T) {
	app := NewApp(WithName("test"))
	err := app.Stop(context.Background())
	assert.Error(t, err)
}

func TestApp_StartTimesOutOnSlowHook(t *testing.T) {
	app := NewApp(
		WithName("test"),
		WithStartupTimeout(10*time.Millisecond),
		WithBeforeStart(func(ctx context.Context) error {
			select {
			case <-time.After(time.Second):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}),
	)
	err := app.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, app.State())
}
