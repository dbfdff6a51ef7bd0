// Package thunk defines the immutable unit of work executed by the
// scheduler: a function paired with its inputs, identified by a stable,
// process-unique id.
package thunk

import (
	"context"
	"fmt"
	"sync/atomic"
)

// ID is a lightweight handle to a Thunk, safe to copy and to send across a
// control channel. Equality of Thunks is by ID.
type ID int64

// String renders the id the way logs and error messages expect to see it.
func (id ID) String() string {
	return fmt.Sprintf("thunk#%d", int64(id))
}

// Gen issues monotonically increasing, process-unique Thunk ids. The zero
// value is ready to use.
type Gen struct {
	n atomic.Int64
}

// Next returns the next unused id.
func (g *Gen) Next() ID {
	return ID(g.n.Add(1))
}

// Func is the work a Thunk performs once its inputs are resolved. args are
// positional, already-resolved values (literals or materialized Chunk
// contents) in the order the Thunk declared its Inputs.
type Func func(ctx context.Context, args []any) (any, error)

// Input is one entry in a Thunk's argument list: either a literal value
// known at creation time, or a reference to another Thunk whose result must
// be resolved before this Thunk becomes ready.
type Input struct {
	ref     ID
	isThunk bool
	literal any
}

// Lit wraps a literal value that needs no resolution.
func Lit(v any) Input {
	return Input{literal: v}
}

// Ref wraps a reference to another Thunk's eventual result.
func Ref(id ID) Input {
	return Input{ref: id, isThunk: true}
}

// IsThunk reports whether this Input refers to another Thunk rather than
// carrying a literal value.
func (in Input) IsThunk() bool { return in.isThunk }

// ThunkID returns the referenced Thunk's id. Only valid when IsThunk is true.
func (in Input) ThunkID() ID { return in.ref }

// Literal returns the literal value. Only valid when IsThunk is false.
func (in Input) Literal() any { return in.literal }

// Options are the recognized keyword options on a Thunk or compute call.
// Unknown options are ignored by every consumer, never rejected.
type Options struct {
	// Single pins execution to a specific processor id, bypassing round-robin
	// selection and the ProcList opt-out gate entirely. "" means unpinned.
	Single string
	// ProcList restricts which processors are eligible. It is one of:
	// nil (opt-out semantics: first compatible processor with
	// DefaultEnabled), a ProcPredicate, or a []string of processor kinds.
	ProcList any
	// GetResult forces this Thunk's completion value back to the raw
	// value even if it would otherwise finish as a Chunk reference (e.g.
	// because Persist is also set, or because the processor that ran it
	// returns its results as Chunks). Without it, a Chunk result is
	// handed to dependents as-is; with it, the scheduler resolves the
	// Chunk through the chunk store before completing the Thunk.
	GetResult bool
	// Meta is free-form metadata surfaced to the observer and logs. The
	// kernel never branches on its contents.
	Meta map[string]any
	// Persist materializes this Thunk's result into the chunk store on its
	// executing processor instead of completing with the raw value
	// inline, so the result can later be Moved to another processor by
	// reference rather than copied through the state store. See
	// GetResult for pulling the raw value back out again.
	Persist bool
	// Cache opts this Thunk into cache-key deduplication: if another Thunk
	// with an identical function identity and resolved arguments already
	// finished in this run, this Thunk completes with that result when it
	// is dispatched, before any processor is selected and without running
	// its function.
	Cache bool
}

// ProcPredicate is a proclist option expressed as a predicate over a
// processor kind string, rather than an explicit list.
type ProcPredicate func(kind string) bool

// Thunk is an immutable work descriptor. The only mutable aspects of a
// Thunk's life are the scheduler's bookkeeping references to it in the
// state store — the Thunk value itself never changes after creation.
type Thunk struct {
	ID ID
	// FuncName identifies the function for logging and cache-key hashing.
	// It does not need to be globally unique across processes, only stable
	// for a given Func value within one run.
	FuncName string
	F        Func
	Inputs   []Input
	Options  Options
}

// New constructs a Thunk with the next id from gen. It does not mutate any
// scheduler state; callers are responsible for interning it into the DAG.
func New(gen *Gen, funcName string, f Func, inputs []Input, opts Options) *Thunk {
	return &Thunk{
		ID:       gen.Next(),
		FuncName: funcName,
		F:        f,
		Inputs:   inputs,
		Options:  opts,
	}
}
