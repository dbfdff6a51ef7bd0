package control

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/taskgrid/internal/ctxlog"
	"github.com/vk/taskgrid/internal/future"
	"github.com/vk/taskgrid/internal/state"
	"github.com/vk/taskgrid/internal/thunk"
)

type fakeDispatcher struct{ calls int }

func (f *fakeDispatcher) Dispatch(ctx context.Context) int {
	f.calls++
	return 0
}

func testContext() context.Context {
	return ctxlog.WithLogger(context.Background(), slog.Default())
}

func TestHaltSetsLatch(t *testing.T) {
	store := state.New()
	plane := New(&thunk.Gen{}, store, &fakeDispatcher{})
	ctx := testContext()

	h := plane.Spawn(ctx, thunk.ID(1))
	defer plane.Release(h)

	err := h.Halt()
	assert.ErrorIs(t, err, HaltRequested{})
	assert.True(t, store.Halted())
}

func TestFetchReturnsFinishedResult(t *testing.T) {
	store := state.New()
	plane := New(&thunk.Gen{}, store, &fakeDispatcher{})
	ctx := testContext()

	var gen thunk.Gen
	a := thunk.New(&gen, "a", nil, nil, thunk.Options{})
	_, err := store.AddThunk(a)
	require.NoError(t, err)
	_, _ = store.DequeueReady()
	store.Complete(a.ID, 99)
	<-store.Completion()

	h := plane.Spawn(ctx, thunk.ID(2))
	defer plane.Release(h)

	v, err := h.Fetch(a.ID)
	require.NoError(t, err)
	assert.Equal(t, 99, v)
}

func TestFetchRefusesDominator(t *testing.T) {
	store := state.New()
	plane := New(&thunk.Gen{}, store, &fakeDispatcher{})
	ctx := testContext()

	var gen thunk.Gen
	a := thunk.New(&gen, "a", nil, nil, thunk.Options{})
	_, err := store.AddThunk(a)
	require.NoError(t, err)
	b := thunk.New(&gen, "b", nil, []thunk.Input{thunk.Ref(a.ID)}, thunk.Options{})
	_, err = store.AddThunk(b)
	require.NoError(t, err)

	h := plane.Spawn(ctx, a.ID)
	defer plane.Release(h)

	_, err = h.Fetch(b.ID)
	require.Error(t, err)
	var guard *DominatorGuardError
	assert.ErrorAs(t, err, &guard)
}

func TestRegisterFutureRefusesDominator(t *testing.T) {
	store := state.New()
	plane := New(&thunk.Gen{}, store, &fakeDispatcher{})
	ctx := testContext()

	var gen thunk.Gen
	a := thunk.New(&gen, "a", nil, nil, thunk.Options{})
	_, err := store.AddThunk(a)
	require.NoError(t, err)
	b := thunk.New(&gen, "b", nil, []thunk.Input{thunk.Ref(a.ID)}, thunk.Options{})
	_, err = store.AddThunk(b)
	require.NoError(t, err)

	h := plane.Spawn(ctx, a.ID)
	defer plane.Release(h)

	fut := future.New()
	err = h.RegisterFuture(b.ID, fut)
	require.Error(t, err)
	var guard *DominatorGuardError
	assert.ErrorAs(t, err, &guard)
}

func TestAddThunkTriggersDispatch(t *testing.T) {
	store := state.New()
	disp := &fakeDispatcher{}
	plane := New(&thunk.Gen{}, store, disp)
	ctx := testContext()

	h := plane.Spawn(ctx, thunk.ID(1))
	defer plane.Release(h)

	id, err := h.AddThunk(func(ctx context.Context, args []any) (any, error) {
		return 7, nil
	}, nil, thunk.Options{})
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Equal(t, 1, disp.calls)
}

func TestGetDagIDsReflectsRegisteredThunks(t *testing.T) {
	store := state.New()
	plane := New(&thunk.Gen{}, store, &fakeDispatcher{})
	ctx := testContext()

	var gen thunk.Gen
	a := thunk.New(&gen, "a", nil, nil, thunk.Options{})
	_, _ = store.AddThunk(a)
	b := thunk.New(&gen, "b", nil, []thunk.Input{thunk.Ref(a.ID)}, thunk.Options{})
	_, _ = store.AddThunk(b)

	h := plane.Spawn(ctx, thunk.ID(99))
	defer plane.Release(h)

	deps, err := h.GetDagIDs()
	require.NoError(t, err)
	assert.Contains(t, deps[a.ID], b.ID)
}

func TestCommandsAreProcessedInOrder(t *testing.T) {
	store := state.New()
	plane := New(&thunk.Gen{}, store, &fakeDispatcher{})
	ctx := testContext()
	h := plane.Spawn(ctx, thunk.ID(1))
	defer plane.Release(h)

	done := make(chan struct{})
	go func() {
		_, _ = h.GetDagIDs()
		_, _ = h.GetDagIDs()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("commands did not complete")
	}
}
