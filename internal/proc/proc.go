// Package proc defines the processor plug-in surface: the capability table
// ("vtable") registered per processor kind, and the plain, value-comparable
// Processor handle that instances of that kind are identified by.
//
// Dispatch on a Processor never uses open dynamic dispatch / type switches
// over concrete processor types — every behavior (compatibility checks,
// execution, data movement) goes through the Registry's vtable lookup by
// Kind, per the capability-table redesign in spec §9.
package proc

import (
	"context"
	"fmt"

	"github.com/vk/taskgrid/internal/chunk"
	"github.com/vk/taskgrid/internal/thunk"
)

// Kind identifies a registered processor vtable, e.g. "process", "thread".
type Kind string

// Processor is a handle to a compute resource. It is intentionally a plain,
// two-field value type so instances are cheap to compare and to send across
// a control channel — exactly the "value-comparable and transportable"
// requirement third-party processors must satisfy.
type Processor struct {
	KindTag Kind
	IDStr   string
}

// Kind returns the processor's registered kind.
func (p Processor) Kind() Kind { return p.KindTag }

// ID returns the processor's instance id, unique within its kind's
// registering process.
func (p Processor) ID() string { return p.IDStr }

func (p Processor) String() string {
	return fmt.Sprintf("%s:%s", p.KindTag, p.IDStr)
}

// VTable is the capability table a processor kind must supply to
// participate in selection and dispatch.
type VTable struct {
	// IscompatibleFunc reports whether this processor kind can run a thunk
	// identified by funcName, honoring opts. Default implementations must
	// return false for anything they don't explicitly recognize — every
	// concrete processor kind opts in rather than opting out.
	IscompatibleFunc func(p Processor, opts thunk.Options, funcName string) bool
	// IscompatibleArg reports whether this processor kind can accept the
	// given resolved argument value.
	IscompatibleArg func(p Processor, opts thunk.Options, arg any) bool
	// DefaultEnabled reports whether this processor is selected under
	// opt-out semantics (options.proclist unset).
	DefaultEnabled func(p Processor) bool
	// Execute runs f with args on p.
	Execute func(ctx context.Context, p Processor, f thunk.Func, args []any) (any, error)
	// Move relocates the value behind c so it is available on toProc.
	Move func(store chunk.Store, from, to Processor, c chunk.Chunk) (chunk.Chunk, error)
}

// Registry maps a processor Kind to its vtable. It is the single point of
// dynamic dispatch for processor behavior; there is deliberately no other
// switch-on-concrete-type anywhere else in the scheduler.
type Registry struct {
	vtables map[Kind]VTable
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{vtables: make(map[Kind]VTable)}
}

// Register installs the vtable for kind. Registering the same kind twice
// panics — this is a programmer error, not a runtime condition, and the
// teacher's own registries (internal/handlers.Handlers.RegisterHandler)
// treat duplicate registration the same way.
func (r *Registry) Register(kind Kind, vt VTable) {
	if _, exists := r.vtables[kind]; exists {
		panic(fmt.Sprintf("proc: kind %q already registered", kind))
	}
	r.vtables[kind] = vt
}

// VTableFor looks up the vtable for a processor's kind.
func (r *Registry) VTableFor(p Processor) (VTable, bool) {
	vt, ok := r.vtables[p.Kind()]
	return vt, ok
}

// IscompatibleFunc checks the function half of compatibility against p's
// vtable. A processor is compatible with a thunk only if this and
// IscompatibleArg for every argument both hold; runctx.Context.Select
// forms that conjunction. Unknown kinds are never compatible.
func (r *Registry) IscompatibleFunc(p Processor, opts thunk.Options, funcName string) bool {
	vt, ok := r.VTableFor(p)
	if !ok || vt.IscompatibleFunc == nil {
		return false
	}
	return vt.IscompatibleFunc(p, opts, funcName)
}

// IscompatibleArg checks a single resolved argument against p's vtable.
func (r *Registry) IscompatibleArg(p Processor, opts thunk.Options, arg any) bool {
	vt, ok := r.VTableFor(p)
	if !ok || vt.IscompatibleArg == nil {
		return false
	}
	return vt.IscompatibleArg(p, opts, arg)
}

// DefaultEnabled reports p's opt-out eligibility.
func (r *Registry) DefaultEnabled(p Processor) bool {
	vt, ok := r.VTableFor(p)
	if !ok || vt.DefaultEnabled == nil {
		return false
	}
	return vt.DefaultEnabled(p)
}

// Execute dispatches f to p via its vtable.
func (r *Registry) Execute(ctx context.Context, p Processor, f thunk.Func, args []any) (any, error) {
	vt, ok := r.VTableFor(p)
	if !ok || vt.Execute == nil {
		return nil, fmt.Errorf("proc: no execute handler registered for kind %q", p.Kind())
	}
	return vt.Execute(ctx, p, f, args)
}

// Move relocates a Chunk from one processor to another via the destination
// processor's vtable (the mover is always the receiving side, mirroring
// spec §4.2's move(from_proc, to_proc, x)).
func (r *Registry) Move(store chunk.Store, from, to Processor, c chunk.Chunk) (chunk.Chunk, error) {
	vt, ok := r.VTableFor(to)
	if !ok || vt.Move == nil {
		return chunk.Chunk{}, fmt.Errorf("proc: no move handler registered for kind %q", to.Kind())
	}
	return vt.Move(store, from, to, c)
}

// SelectionExhaustedError is returned when no registered, compatible
// processor satisfies a thunk's options.
type SelectionExhaustedError struct {
	FuncName  string
	Surveyed  []Processor
}

func (e *SelectionExhaustedError) Error() string {
	return fmt.Sprintf("proc: no compatible processor for %q among %d surveyed: %v", e.FuncName, len(e.Surveyed), e.Surveyed)
}
