package observer

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/taskgrid/internal/compute"
	"github.com/vk/taskgrid/internal/ctxlog"
	"github.com/vk/taskgrid/internal/proc"
	"github.com/vk/taskgrid/internal/thunk"
)

func newTestRun(t *testing.T) *compute.Run {
	t.Helper()
	registry := proc.NewRegistry()
	registry.Register(proc.KindProcess, proc.NewProcessVTable())
	r := compute.New(registry)
	require.NoError(t, r.AddProcs("", []proc.Processor{{KindTag: proc.KindProcess, IDStr: "p0"}}))
	return r
}

func TestHandleDagReturnsDependents(t *testing.T) {
	r := newTestRun(t)
	ctx := ctxlog.WithLogger(context.Background(), slog.Default())

	a, err := r.Submit("a", func(ctx context.Context, args []any) (any, error) {
		return 1, nil
	}, nil, thunk.Options{})
	require.NoError(t, err)
	b, err := r.Submit("b", func(ctx context.Context, args []any) (any, error) {
		return args[0].(int) + 1, nil
	}, []thunk.Input{thunk.Ref(a)}, thunk.Options{})
	require.NoError(t, err)

	_, err = r.Run(ctx, b)
	require.NoError(t, err)

	srv := New(r, r.RunCtx(), slog.Default())
	req := httptest.NewRequest(http.MethodGet, "/dag", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp dagResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Dependents, a.String())
	assert.Contains(t, resp.Dependents[a.String()], b.String())
}

func TestHandleThunkReturnsStatus(t *testing.T) {
	r := newTestRun(t)
	ctx := ctxlog.WithLogger(context.Background(), slog.Default())

	a, err := r.Submit("a", func(ctx context.Context, args []any) (any, error) {
		return 42, nil
	}, nil, thunk.Options{})
	require.NoError(t, err)

	_, err = r.Run(ctx, a)
	require.NoError(t, err)

	srv := New(r, r.RunCtx(), slog.Default())
	req := httptest.NewRequest(http.MethodGet, "/thunks/"+a.String()[len("thunk#"):], nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp thunkResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "a", resp.FuncName)
	assert.Equal(t, float64(42), resp.Result)
}

func TestHandleThunkIncludesMeta(t *testing.T) {
	r := newTestRun(t)
	ctx := ctxlog.WithLogger(context.Background(), slog.Default())

	a, err := r.Submit("a", func(ctx context.Context, args []any) (any, error) {
		return 42, nil
	}, nil, thunk.Options{Meta: map[string]any{"label": "answer"}})
	require.NoError(t, err)

	_, err = r.Run(ctx, a)
	require.NoError(t, err)

	srv := New(r, r.RunCtx(), slog.Default())
	req := httptest.NewRequest(http.MethodGet, "/thunks/"+a.String()[len("thunk#"):], nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp thunkResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "answer", resp.Meta["label"])
}

func TestHandleThunkUnknownIDReturns404(t *testing.T) {
	r := newTestRun(t)
	srv := New(r, r.RunCtx(), slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/thunks/999", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleThunkBadIDReturns400(t *testing.T) {
	r := newTestRun(t)
	srv := New(r, r.RunCtx(), slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/thunks/not-a-number", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleEventsStreamsPublishedEvents(t *testing.T) {
	r := newTestRun(t)
	srv := New(r, r.RunCtx(), slog.Default())

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req = req.WithContext(ctx)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r.RunCtx().WriteEvent("thunk.submitted", map[string]any{"id": "x"})

	// AddProcs already queued a procs_added event, which is streamed first,
	// so keep reading until the published event arrives or the body ends.
	var got strings.Builder
	buf := make([]byte, 256)
	for !strings.Contains(got.String(), "thunk.submitted") {
		n, err := resp.Body.Read(buf)
		got.Write(buf[:n])
		if err != nil {
			break
		}
	}
	assert.Contains(t, got.String(), "thunk.submitted")
}
