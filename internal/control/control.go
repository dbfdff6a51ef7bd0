// Package control implements the dynamic control plane: a per-worker pair
// of channels that lets a thunk executing on any processor call back into
// the scheduler to add thunks, fetch results, register futures, or halt
// the run. It is new relative to the teacher — burstgridgo's executor has
// no callback surface — and is grounded directly in spec's §4.4 protocol:
// worker writes a command, the scheduler's listener handles it under the
// state lock, and the reply comes back on the same handle.
package control

import (
	"context"
	"fmt"

	"github.com/vk/taskgrid/internal/ctxlog"
	"github.com/vk/taskgrid/internal/future"
	"github.com/vk/taskgrid/internal/state"
	"github.com/vk/taskgrid/internal/thunk"
)

// DominatorGuardError is returned by RegisterFuture when the requester is
// itself a dominator of the target thunk: waiting on it would deadlock
// since the target can never finish without the requester finishing
// first.
type DominatorGuardError struct {
	Requester thunk.ID
	Target    thunk.ID
}

func (e *DominatorGuardError) Error() string {
	return fmt.Sprintf("control: thunk %s dominates %s; registering a future would deadlock", e.Requester, e.Target)
}

// HaltRequested is the error the halt command replies with, so a
// Handle.Halt call returns a typed error for symmetry with every other
// command. The scheduler loop itself is woken by Store.Nudge, not by this
// value.
type HaltRequested struct{}

func (HaltRequested) Error() string { return "control: halt requested" }

// command is one in-flight request on a worker's inbound channel.
type command struct {
	name  string
	args  []any
	reply chan reply
}

type reply struct {
	err   bool
	value any
	cause error
}

// Handle is given to an executing thunk and is its only way to reach back
// into the scheduler. It is safe to call from any goroutine, but a single
// Handle serves exactly one thunk's in-flight execution and its commands
// are processed strictly in the order issued.
type Handle struct {
	ThunkID thunk.ID
	in      chan command
}

func newHandle(id thunk.ID) *Handle {
	return &Handle{ThunkID: id, in: make(chan command)}
}

func (h *Handle) call(name string, args ...any) (any, error) {
	r := make(chan reply, 1)
	h.in <- command{name: name, args: args, reply: r}
	rep := <-r
	if rep.err {
		return nil, rep.cause
	}
	return rep.value, nil
}

// Halt requests a global, cooperative halt of the run.
func (h *Handle) Halt() error {
	_, err := h.call("halt")
	return err
}

// Fetch blocks until target finishes or errors, returning its result or
// the (possibly propagated) error.
func (h *Handle) Fetch(target thunk.ID) (any, error) {
	return h.call("fetch", target)
}

// RegisterFuture registers fut against target: if target has already
// finished or errored, fut is fulfilled synchronously before this call
// returns.
func (h *Handle) RegisterFuture(target thunk.ID, fut *future.Future) error {
	_, err := h.call("register_future", target, fut)
	return err
}

// AddThunk constructs a new thunk from f/inputs/opts, schedules it, and
// returns its id.
func (h *Handle) AddThunk(f thunk.Func, inputs []thunk.Input, opts thunk.Options) (thunk.ID, error) {
	v, err := h.call("add_thunk", f, inputs, opts)
	if err != nil {
		return 0, err
	}
	return v.(thunk.ID), nil
}

// GetDagIDs returns a snapshot of every known thunk id mapped to its
// direct dependents.
func (h *Handle) GetDagIDs() (map[thunk.ID][]thunk.ID, error) {
	v, err := h.call("get_dag_ids")
	if err != nil {
		return nil, err
	}
	return v.(map[thunk.ID][]thunk.ID), nil
}

type handleKey struct{}

// WithHandle attaches h to ctx so a thunk's function body can retrieve its
// own control handle via HandleFromContext — the Go equivalent of spec's
// sch_handle().
func WithHandle(ctx context.Context, h *Handle) context.Context {
	return context.WithValue(ctx, handleKey{}, h)
}

// HandleFromContext returns the control Handle bound to the currently
// executing thunk, if any. Thunks invoked outside the scheduler (e.g. in
// unit tests) see ok=false.
func HandleFromContext(ctx context.Context) (*Handle, bool) {
	h, ok := ctx.Value(handleKey{}).(*Handle)
	return h, ok
}

// Dispatcher is the subset of *scheduler.Scheduler the control plane needs
// to trigger a dispatch pass after add_thunk mutates the ready queue. Kept
// as an interface here, rather than importing the scheduler package
// directly, so scheduler can import control without a cycle if a future
// command needs to reach further into dispatch internals.
type Dispatcher interface {
	Dispatch(ctx context.Context) int
}

// Plane is the scheduler-side half of the control plane: it owns one
// listener goroutine per live Handle and executes built-in commands
// against the shared state store.
type Plane struct {
	gen   *thunk.Gen
	store *state.Store
	sched Dispatcher
}

// New returns a Plane that mints new thunk ids from gen and mutates store;
// sched is used to trigger dispatch after add_thunk.
func New(gen *thunk.Gen, store *state.Store, sched Dispatcher) *Plane {
	return &Plane{gen: gen, store: store, sched: sched}
}

// Spawn creates a Handle for thunkID, starts its listener goroutine, and
// returns the handle for the executing thunk to use. The listener exits
// once the handle's inbound channel is closed via Release.
func (p *Plane) Spawn(ctx context.Context, thunkID thunk.ID) *Handle {
	h := newHandle(thunkID)
	go p.serve(ctx, h)
	return h
}

// Release closes h's inbound channel, stopping its listener. Call once the
// owning thunk's execution has returned.
func (p *Plane) Release(h *Handle) {
	close(h.in)
}

func (p *Plane) serve(ctx context.Context, h *Handle) {
	logger := ctxlog.FromContext(ctx)
	for cmd := range h.in {
		v, err := p.dispatch(ctx, h.ThunkID, cmd.name, cmd.args)
		if err != nil {
			logger.Debug("control command failed", "thunkID", h.ThunkID, "command", cmd.name, "error", err)
		}
		cmd.reply <- reply{err: err != nil, value: v, cause: err}
	}
}

func (p *Plane) dispatch(ctx context.Context, requester thunk.ID, name string, args []any) (any, error) {
	switch name {
	case "halt":
		p.store.Halt()
		p.store.Nudge()
		return nil, HaltRequested{}

	case "fetch":
		target := args[0].(thunk.ID)
		if p.store.IsAncestor(requester, target) {
			return nil, &DominatorGuardError{Requester: requester, Target: target}
		}
		fut := p.store.RegisterFuture(target)
		return fut.Wait(ctx)

	case "register_future":
		target := args[0].(thunk.ID)
		fut := args[1].(*future.Future)
		if p.store.IsAncestor(requester, target) {
			return nil, &DominatorGuardError{Requester: requester, Target: target}
		}
		registered := p.store.RegisterFuture(target)
		if registered != fut {
			// A Future already existed for target; fulfil the caller's
			// own instance with whatever the canonical one resolves to,
			// preserving "all registered futures receive the same
			// payload".
			go func() {
				v, err := registered.Wait(ctx)
				fut.Fulfill(v, err)
			}()
		}
		return nil, nil

	case "add_thunk":
		f := args[0].(thunk.Func)
		inputs := args[1].([]thunk.Input)
		opts := args[2].(thunk.Options)
		th := thunk.New(p.gen, "<dynamic>", f, inputs, opts)
		if _, err := p.store.AddThunk(th); err != nil {
			return nil, err
		}
		p.sched.Dispatch(ctx)
		return th.ID, nil

	case "get_dag_ids":
		return p.store.DependentsSnapshot(), nil

	default:
		return nil, fmt.Errorf("control: unknown command %q", name)
	}
}
