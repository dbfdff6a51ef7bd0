// Package runctx owns the processor tree for a single run: which
// processors exist, how they nest (for get_processors / get_parent style
// queries), and the round-robin queue that Select walks to pick a
// processor for a thunk. It is the one place that holds both topology and
// a lock; proc.Registry itself is topology-free and stateless.
package runctx

import (
	"fmt"
	"sync"

	"github.com/vk/taskgrid/internal/proc"
	"github.com/vk/taskgrid/internal/thunk"
)

// Event is a free-form run-level notification. Context itself publishes
// "procs_added" and "procs_removed"; other callers may publish their own
// kinds through WriteEvent. Observers subscribe via WriteEvent's consumer side;
// taskgrid does not mandate a particular event shape beyond Kind+Data.
type Event struct {
	Kind string
	Data any
}

// Context holds the mutable processor topology for a run. All topology
// mutation and Select calls take Context's lock; thunk execution itself
// happens outside the lock once a processor has been chosen.
type Context struct {
	mu       sync.Mutex
	registry *proc.Registry

	procs    map[string]proc.Processor
	children map[string][]string
	parent   map[string]string

	// roundRobin is the queue of processor ids Select walks, in
	// registration order. A processor is a leaf if it has no children;
	// Select skips any entry that currently has children, so only leaves
	// do work.
	roundRobin []string
	rrPos      int

	events chan Event
}

// New returns a Context with no processors registered yet.
func New(registry *proc.Registry) *Context {
	return &Context{
		registry: registry,
		procs:    make(map[string]proc.Processor),
		children: make(map[string][]string),
		parent:   make(map[string]string),
		events:   make(chan Event, 256),
	}
}

// Events returns the read side of the run's event stream, for an observer
// to drain. WriteEvent never blocks the caller on a full channel; events
// are dropped rather than stalling the scheduler loop.
func (c *Context) Events() <-chan Event { return c.events }

// WriteEvent publishes an event. Best effort: a slow or absent observer
// never backs up scheduling.
func (c *Context) WriteEvent(kind string, data any) {
	select {
	case c.events <- Event{Kind: kind, Data: data}:
	default:
	}
}

// Lock runs body while holding the topology lock, for callers that need to
// read and mutate more than one field atomically.
func (c *Context) Lock(body func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	body()
}

// AddProcs registers newProcs as children of parentID ("" for top-level)
// and, for each one with no further children of its own, appends it to the
// round-robin queue. Registering a processor id that already exists is an
// error: processor ids are expected unique for the lifetime of a run.
func (c *Context) AddProcs(parentID string, newProcs []proc.Processor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range newProcs {
		if _, exists := c.procs[p.ID()]; exists {
			return fmt.Errorf("runctx: processor %s already registered", p)
		}
	}
	for _, p := range newProcs {
		c.procs[p.ID()] = p
		if parentID != "" {
			c.children[parentID] = append(c.children[parentID], p.ID())
			c.parent[p.ID()] = parentID
		}
		c.roundRobin = append(c.roundRobin, p.ID())
	}
	c.WriteEvent("procs_added", newProcs)
	return nil
}

// RmProcs removes the named processors from the topology and the
// round-robin queue. Removing a processor that has children removes the
// children too, recursively.
func (c *Context) RmProcs(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	toRemove := make(map[string]bool)
	var collect func(id string)
	collect = func(id string) {
		if toRemove[id] {
			return
		}
		toRemove[id] = true
		for _, child := range c.children[id] {
			collect(child)
		}
	}
	for _, id := range ids {
		collect(id)
	}

	filtered := c.roundRobin[:0:0]
	for _, id := range c.roundRobin {
		if !toRemove[id] {
			filtered = append(filtered, id)
		}
	}
	c.roundRobin = filtered
	if c.rrPos >= len(c.roundRobin) {
		c.rrPos = 0
	}

	for id := range toRemove {
		delete(c.procs, id)
		delete(c.children, id)
		if p, ok := c.parent[id]; ok {
			c.children[p] = removeString(c.children[p], id)
			delete(c.parent, id)
		}
	}
	c.WriteEvent("procs_removed", ids)
}

func removeString(s []string, target string) []string {
	out := s[:0:0]
	for _, v := range s {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}

// Children returns the direct children of id.
func (c *Context) Children(id string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.children[id]...)
}

// Parent returns the parent of id, if any.
func (c *Context) Parent(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.parent[id]
	return p, ok
}

// ProcByID looks up a registered processor by its instance id.
func (c *Context) ProcByID(id string) (proc.Processor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.procs[id]
	return p, ok
}

// Procs returns a snapshot of every registered processor, for observer
// surfaces that need the full topology without holding the run lock.
func (c *Context) Procs() []proc.Processor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]proc.Processor, 0, len(c.procs))
	for _, p := range c.procs {
		out = append(out, p)
	}
	return out
}

// matches reports whether p is eligible under opts.ProcList, per spec
// §4.3: nil means default-enabled opt-out, a thunk.ProcPredicate filters
// by kind predicate, and a []string names kinds explicitly.
func matches(p proc.Processor, registry *proc.Registry, opts thunk.Options) bool {
	switch pl := opts.ProcList.(type) {
	case nil:
		return registry.DefaultEnabled(p)
	case thunk.ProcPredicate:
		return pl(string(p.Kind()))
	case []string:
		for _, k := range pl {
			if k == string(p.Kind()) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Select walks the round-robin queue of leaf processors starting just
// after the last one handed out, and returns the first one that both
// matches opts.ProcList and is vtable-compatible with funcName and every
// resolved argument. It advances the round-robin cursor past whatever it
// returns, so repeated calls spread load evenly rather than always
// favoring the front of the queue.
func (c *Context) Select(opts thunk.Options, funcName string, args []any) (proc.Processor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if opts.Single != "" {
		return c.selectPinned(opts, funcName, args)
	}

	n := len(c.roundRobin)
	if n == 0 {
		return proc.Processor{}, &proc.SelectionExhaustedError{FuncName: funcName}
	}

	surveyed := make([]proc.Processor, 0, n)
	for i := 0; i < n; i++ {
		idx := (c.rrPos + i) % n
		p, ok := c.procs[c.roundRobin[idx]]
		if !ok {
			continue
		}
		if len(c.children[p.ID()]) > 0 {
			continue
		}
		surveyed = append(surveyed, p)

		if !matches(p, c.registry, opts) {
			continue
		}
		if !c.registry.IscompatibleFunc(p, opts, funcName) {
			continue
		}
		compatible := true
		for _, a := range args {
			if !c.registry.IscompatibleArg(p, opts, a) {
				compatible = false
				break
			}
		}
		if !compatible {
			continue
		}

		c.rrPos = (idx + 1) % n
		return p, nil
	}

	return proc.Processor{}, &proc.SelectionExhaustedError{FuncName: funcName, Surveyed: surveyed}
}

// selectPinned resolves opts.Single directly against the registered
// processor table, skipping both the round-robin walk and matches'
// ProcList gating: an explicit pin is a stronger selector than the
// default-enabled opt-out mechanism, not subject to it. Callers hold
// c.mu.
func (c *Context) selectPinned(opts thunk.Options, funcName string, args []any) (proc.Processor, error) {
	p, ok := c.procs[opts.Single]
	if !ok {
		return proc.Processor{}, &proc.SelectionExhaustedError{FuncName: funcName}
	}
	if !c.registry.IscompatibleFunc(p, opts, funcName) {
		return proc.Processor{}, &proc.SelectionExhaustedError{FuncName: funcName, Surveyed: []proc.Processor{p}}
	}
	for _, a := range args {
		if !c.registry.IscompatibleArg(p, opts, a) {
			return proc.Processor{}, &proc.SelectionExhaustedError{FuncName: funcName, Surveyed: []proc.Processor{p}}
		}
	}
	return p, nil
}
