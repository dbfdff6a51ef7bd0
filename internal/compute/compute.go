// Package compute wires the scheduling kernel's parts together behind the
// single entry point spec §6 describes: compute(ctx, root_thunk, options).
// It is the taskgrid analog of the teacher's deleted session.Session —
// one object a caller constructs once per run, submits thunks against,
// and drains for a final result.
package compute

import (
	"context"
	"fmt"

	"github.com/vk/taskgrid/internal/chunk"
	"github.com/vk/taskgrid/internal/control"
	"github.com/vk/taskgrid/internal/proc"
	"github.com/vk/taskgrid/internal/runctx"
	"github.com/vk/taskgrid/internal/scheduler"
	"github.com/vk/taskgrid/internal/state"
	"github.com/vk/taskgrid/internal/thunk"
)

// SchedulerHaltedException is returned by Run when the run was stopped by
// a halt!/Halt call rather than finishing on its own.
type SchedulerHaltedException struct{}

func (SchedulerHaltedException) Error() string { return "compute: scheduler halted" }

// Run owns one execution of a DAG: the thunk id generator, state store,
// processor topology, and the scheduler loop driving them. Construct one
// per logical run; it is not meant to be reused across unrelated DAGs.
type Run struct {
	gen      *thunk.Gen
	store    *state.Store
	runCtx   *runctx.Context
	registry *proc.Registry
	chunks   chunk.Store
	sched    *scheduler.Scheduler
	control  *control.Plane
}

// New constructs a Run against the given processor registry. Processors
// must still be added via AddProcs before any thunk can be dispatched.
func New(registry *proc.Registry) *Run {
	gen := &thunk.Gen{}
	store := state.New()
	rc := runctx.New(registry)
	chunks := chunk.NewMemoryStore()
	sched := scheduler.New(store, rc, registry, chunks)
	plane := control.New(gen, store, sched)
	sched.SetControl(plane)

	return &Run{
		gen:      gen,
		store:    store,
		runCtx:   rc,
		registry: registry,
		chunks:   chunks,
		sched:    sched,
		control:  plane,
	}
}

// AddProcs registers processors as children of parentID ("" for
// top-level), delegating to the run's Context.
func (r *Run) AddProcs(parentID string, procs []proc.Processor) error {
	return r.runCtx.AddProcs(parentID, procs)
}

// RmProcs removes processors from the run's topology.
func (r *Run) RmProcs(ids []string) { r.runCtx.RmProcs(ids) }

// Submit constructs a new thunk and registers it with the state store,
// returning its id. It does not itself trigger dispatch; call Run to
// drive the loop once every thunk of interest has been submitted.
func (r *Run) Submit(funcName string, f thunk.Func, inputs []thunk.Input, opts thunk.Options) (thunk.ID, error) {
	th := thunk.New(r.gen, funcName, f, inputs, opts)
	if _, err := r.store.AddThunk(th); err != nil {
		return 0, err
	}
	return th.ID, nil
}

// Run drives the scheduler loop to completion or halt, then resolves
// rootID's outcome: its result on success, a *state.ThunkFailedException
// on failure, or SchedulerHaltedException whenever the loop stopped on the
// halt latch, even if rootID itself finished.
func (r *Run) Run(ctx context.Context, rootID thunk.ID) (any, error) {
	err := r.sched.Run(ctx)
	if _, halted := err.(scheduler.HaltedError); halted {
		return nil, SchedulerHaltedException{}
	}
	if err != nil {
		return nil, err
	}

	if v, ok := r.store.Result(rootID); ok {
		return v, nil
	}
	if e, ok := r.store.Err(rootID); ok {
		return nil, e
	}
	return nil, fmt.Errorf("compute: root thunk %s never finished", rootID)
}

// DagIDs returns a snapshot of every known thunk id mapped to its direct
// dependents, for observer surfaces built on top of a Run.
func (r *Run) DagIDs() map[thunk.ID][]thunk.ID { return r.store.DependentsSnapshot() }

// Status returns a point-in-time snapshot of a thunk's state.
func (r *Run) Status(id thunk.ID) (state.ThunkStatus, bool) { return r.store.Status(id) }

// Halted reports whether this run's halt latch has been set.
func (r *Run) Halted() bool { return r.store.Halted() }

// Store exposes the underlying state store for observer/control surfaces
// that need lower-level access than Run's own methods provide.
func (r *Run) Store() *state.Store { return r.store }

// RunCtx exposes the processor topology/event context, for the observer
// surface's event-stream endpoint.
func (r *Run) RunCtx() *runctx.Context { return r.runCtx }
