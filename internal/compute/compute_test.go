package compute

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/taskgrid/internal/control"
	"github.com/vk/taskgrid/internal/ctxlog"
	"github.com/vk/taskgrid/internal/proc"
	"github.com/vk/taskgrid/internal/state"
	"github.com/vk/taskgrid/internal/thunk"
)

func testContext() context.Context {
	return ctxlog.WithLogger(context.Background(), slog.Default())
}

func newTestRun(t *testing.T) *Run {
	t.Helper()
	registry := proc.NewRegistry()
	registry.Register(proc.KindProcess, proc.NewProcessVTable())
	r := New(registry)
	require.NoError(t, r.AddProcs("", []proc.Processor{{KindTag: proc.KindProcess, IDStr: "p0"}}))
	return r
}

func TestRunLinearChainScenario(t *testing.T) {
	r := newTestRun(t)
	ctx := testContext()

	a, err := r.Submit("a", func(ctx context.Context, args []any) (any, error) {
		return 1, nil
	}, nil, thunk.Options{})
	require.NoError(t, err)

	b, err := r.Submit("b", func(ctx context.Context, args []any) (any, error) {
		return args[0].(int) + 1, nil
	}, []thunk.Input{thunk.Ref(a)}, thunk.Options{})
	require.NoError(t, err)

	c, err := r.Submit("c", func(ctx context.Context, args []any) (any, error) {
		return args[0].(int) * 2, nil
	}, []thunk.Input{thunk.Ref(b)}, thunk.Options{})
	require.NoError(t, err)

	v, err := r.Run(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, 4, v)
}

func TestRunDynamicAddScenario(t *testing.T) {
	r := newTestRun(t)
	ctx := testContext()

	root, err := r.Submit("root", func(ctx context.Context, args []any) (any, error) {
		h, ok := control.HandleFromContext(ctx)
		if !ok {
			t.Fatal("no control handle in context")
		}
		newID, err := h.AddThunk(func(ctx context.Context, args []any) (any, error) {
			return 7, nil
		}, nil, thunk.Options{})
		if err != nil {
			return nil, err
		}
		return h.Fetch(newID)
	}, nil, thunk.Options{})
	require.NoError(t, err)

	v, err := r.Run(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestRunHaltScenario(t *testing.T) {
	r := newTestRun(t)
	ctx := testContext()

	started := make(chan struct{})
	root, err := r.Submit("root", func(ctx context.Context, args []any) (any, error) {
		h, ok := control.HandleFromContext(ctx)
		if !ok {
			t.Fatal("no control handle in context")
		}
		close(started)
		time.Sleep(10 * time.Millisecond)
		_ = h.Halt()
		return nil, nil
	}, nil, thunk.Options{})
	require.NoError(t, err)

	_, err = r.Run(ctx, root)
	assert.ErrorIs(t, err, SchedulerHaltedException{})
	assert.True(t, r.Halted())
}

func TestRunHaltFulfillsPendingFuture(t *testing.T) {
	r := newTestRun(t)
	ctx := testContext()

	// stuck depends on a thunk id that is never submitted, so it sits in
	// "waiting" forever — exactly the case a halt must still resolve.
	phantom := thunk.ID(99999)
	stuck, err := r.Submit("stuck", func(ctx context.Context, args []any) (any, error) {
		return nil, nil
	}, []thunk.Input{thunk.Ref(phantom)}, thunk.Options{})
	require.NoError(t, err)

	fetchErr := make(chan error, 1)
	root, err := r.Submit("root", func(ctx context.Context, args []any) (any, error) {
		h, ok := control.HandleFromContext(ctx)
		if !ok {
			t.Fatal("no control handle in context")
		}
		go func() {
			_, err := h.Fetch(stuck)
			fetchErr <- err
		}()
		time.Sleep(10 * time.Millisecond)
		_ = h.Halt()
		return nil, nil
	}, nil, thunk.Options{})
	require.NoError(t, err)

	_, err = r.Run(ctx, root)
	assert.ErrorIs(t, err, SchedulerHaltedException{})

	select {
	case err := <-fetchErr:
		var halted state.HaltedError
		require.ErrorAs(t, err, &halted)
		assert.Equal(t, stuck, halted.ThunkID)
	case <-time.After(time.Second):
		t.Fatal("Fetch on a thunk stuck waiting was never resolved by halt")
	}
}

func TestRunProcessorSelectionExhaustionScenario(t *testing.T) {
	r := newTestRun(t)
	ctx := testContext()

	id, err := r.Submit("gpu-only", func(ctx context.Context, args []any) (any, error) {
		return nil, nil
	}, nil, thunk.Options{ProcList: []string{"gpu"}})
	require.NoError(t, err)

	_, err = r.Run(ctx, id)
	require.Error(t, err)
	var exhausted *proc.SelectionExhaustedError
	assert.ErrorAs(t, err, &exhausted)
}
