// Package scheduler drives the dispatch loop: admit completions, dispatch
// ready thunks to compatible processors, check the halt latch, and repeat
// until the run goes idle. It is the direct descendant of the teacher's
// dag.Executor.Run/worker pair, generalized from a fixed worker pool
// pulling off one channel to a processor-selection step per ready thunk.
package scheduler

import (
	"context"
	"fmt"

	"github.com/vk/taskgrid/internal/chunk"
	"github.com/vk/taskgrid/internal/control"
	"github.com/vk/taskgrid/internal/ctxlog"
	"github.com/vk/taskgrid/internal/proc"
	"github.com/vk/taskgrid/internal/runctx"
	"github.com/vk/taskgrid/internal/state"
	"github.com/vk/taskgrid/internal/thunk"
)

// HaltedError is returned by Run when the halt latch was observed during
// the safepoint check rather than the run finishing on its own.
type HaltedError struct{}

func (HaltedError) Error() string { return "scheduler: halted" }

// Scheduler owns the pieces the loop coordinates: the state store, the
// processor topology/selection, and the chunk store backing persisted
// results.
type Scheduler struct {
	Store    *state.Store
	RunCtx   *runctx.Context
	Registry *proc.Registry
	Chunks   chunk.Store

	// Control is set after construction via SetControl, since the
	// control.Plane itself needs a Dispatcher to trigger dispatch after
	// add_thunk — a two-step wiring that avoids an import cycle between
	// scheduler and control.
	Control *control.Plane
}

// New returns a Scheduler wired to the given collaborators. Call
// SetControl before Run if the DAG's thunks use sch_handle()-style
// callbacks.
func New(store *state.Store, rc *runctx.Context, registry *proc.Registry, chunks chunk.Store) *Scheduler {
	return &Scheduler{Store: store, RunCtx: rc, Registry: registry, Chunks: chunks}
}

// SetControl attaches the control plane each dispatched thunk's handle is
// spawned from.
func (s *Scheduler) SetControl(p *control.Plane) { s.Control = p }

// Dispatch pops every currently ready thunk and launches it on a selected
// processor, each in its own goroutine. It returns the number of thunks
// dispatched this pass.
func (s *Scheduler) Dispatch(ctx context.Context) int {
	logger := ctxlog.FromContext(ctx)
	n := 0
	for {
		id, ok := s.Store.DequeueReady()
		if !ok {
			break
		}
		n++
		go s.execute(ctx, id)
		logger.Debug("dispatched thunk", "thunkID", id)
	}
	return n
}

// execute resolves th's arguments, selects a processor, moves any chunk
// arguments onto it, runs it, and reports the outcome back into the state
// store. It always runs in its own goroutine so a slow thunk never blocks
// the dispatch loop.
func (s *Scheduler) execute(ctx context.Context, id thunk.ID) {
	logger := ctxlog.FromContext(ctx)

	th, ok := s.Store.Thunk(id)
	if !ok {
		logger.Error("dispatched unknown thunk", "thunkID", id)
		return
	}

	args, err := s.Store.ResolveArgs(th)
	if err != nil {
		s.Store.Fail(id, fmt.Errorf("scheduler: resolving args for %s: %w", id, err))
		return
	}

	var cacheKey uint64
	if th.Options.Cache {
		cacheKey = thunk.CacheKey(th.FuncName, args)
		if cachedID, ok := s.Store.CacheLookup(cacheKey); ok {
			if v, ok2 := s.Store.Result(cachedID); ok2 {
				s.Store.Complete(id, v)
				return
			}
		}
		defer s.Store.CacheStore(cacheKey, id)
	}

	selected, err := s.RunCtx.Select(th.Options, th.FuncName, args)
	if err != nil {
		s.Store.Fail(id, err)
		return
	}

	for i, a := range args {
		c, isChunk := a.(chunk.Chunk)
		if !isChunk || c.Proc == selected.ID() {
			continue
		}
		from, ok := s.RunCtx.ProcByID(c.Proc)
		if !ok {
			// Producer processor left the topology; fall back to the
			// selected processor as both ends so Move degrades to a
			// same-store copy instead of failing the whole thunk.
			from = selected
		}
		moved, err := s.Registry.Move(s.Chunks, from, selected, c)
		if err != nil {
			s.Store.Fail(id, fmt.Errorf("scheduler: moving argument %d of %s to %s: %w", i, id, selected, err))
			return
		}
		args[i] = moved
	}

	execCtx := ctx
	var handle *control.Handle
	if s.Control != nil {
		handle = s.Control.Spawn(ctx, id)
		execCtx = control.WithHandle(ctx, handle)
		defer s.Control.Release(handle)
	}

	result, err := s.Registry.Execute(execCtx, selected, th.F, args)
	if err != nil {
		s.Store.Fail(id, err)
		return
	}

	if th.Options.Persist {
		result = s.Chunks.Put(selected.ID(), result)
	}

	if th.Options.GetResult {
		if c, isChunk := result.(chunk.Chunk); isChunk {
			if v, ok := s.Chunks.Get(c); ok {
				result = v
			}
		}
	}

	s.Store.Complete(id, result)
}

// Run drives the loop described in spec §4.2: admit completions, dispatch
// ready work, check the safepoint, and repeat until the run is idle or
// halted. It returns nil on ordinary completion, or HaltedError if the
// halt latch was observed.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	for {
		s.Dispatch(ctx)

		if s.Store.Halted() {
			logger.Info("scheduler halted, stopping dispatch loop")
			return HaltedError{}
		}

		if s.Store.Idle() {
			return nil
		}

		select {
		case <-s.Store.Completion():
			// Drain any further completions that arrived alongside this
			// one before dispatching again, so a burst of finishes in
			// one tick doesn't trigger a dispatch-per-completion.
			s.drainCompletions()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drainCompletions consumes any completion notifications already queued
// without blocking, so Run's next Dispatch sees every thunk that finished
// in this batch.
func (s *Scheduler) drainCompletions() {
	for {
		select {
		case <-s.Store.Completion():
		default:
			return
		}
	}
}
