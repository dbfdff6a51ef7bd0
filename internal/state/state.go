// Package state is the scheduler's single-lock state store. Every mapping
// spec's data model names — thunk_dict, waiting, waiting_data, dependents,
// ready, running, finished, errored, cache, futures — lives here, behind
// one mutex, the same way the teacher's dag.Graph keeps its whole node map
// behind one mutex rather than a lock per node.
package state

import (
	"fmt"
	"sync"

	"github.com/vk/taskgrid/internal/chunk"
	"github.com/vk/taskgrid/internal/future"
	"github.com/vk/taskgrid/internal/thunk"
)

// ThunkFailedException wraps every errored thunk's recorded error,
// identifying both the thunk that actually raised (OriginID/OriginErr)
// and, when this thunk is itself just a casualty of that failure, its own
// id. For the origin thunk, ThunkID == OriginID.
type ThunkFailedException struct {
	ThunkID   thunk.ID
	OriginID  thunk.ID
	OriginErr error
}

func (e *ThunkFailedException) Error() string {
	if e.ThunkID == e.OriginID {
		return fmt.Sprintf("thunk %s failed: %v", e.ThunkID, e.OriginErr)
	}
	return fmt.Sprintf("thunk %s failed: upstream thunk %s errored: %v", e.ThunkID, e.OriginID, e.OriginErr)
}

func (e *ThunkFailedException) Unwrap() error { return e.OriginErr }

// Store holds every piece of a run's scheduling state behind one mutex.
// Invariants preserved by every mutator (mirroring spec's I1-I6):
//
//   - a thunk is in exactly one of {waiting, ready, running, finished,
//     errored} at a time;
//   - dependents[id] lists every thunk directly referencing id as an
//     input, regardless of that thunk's own state;
//   - waitingData[id] is the number of that thunk's inputs not yet
//     finished; a thunk only ever enters ready when it reaches zero.
type Store struct {
	mu sync.Mutex

	thunkDict map[thunk.ID]*thunk.Thunk

	waiting     map[thunk.ID]bool
	waitingData map[thunk.ID]int
	dependents  map[thunk.ID]map[thunk.ID]bool

	ready   []thunk.ID
	running map[thunk.ID]bool

	results map[thunk.ID]any
	errs    map[thunk.ID]error

	cache map[uint64]thunk.ID

	futures map[thunk.ID]*future.Future

	// halted lives under mu, not atomic.Bool, so Halt's fan-out and
	// RegisterFuture's halted-check can never race: a future is either
	// created before Halt's snapshot (and gets swept up in it) or after
	// halted is already visible to RegisterFuture's own locked read.
	halted bool

	// completion is the channel the scheduler loop drains to admit
	// finished work; Complete sends on it, never blocking the caller's
	// own goroutine for long since it is generously buffered.
	completion chan thunk.ID
}

// New returns an empty Store. Its maps grow as thunks are added; only the
// completion channel has a fixed buffer (4096 entries).
func New() *Store {
	return &Store{
		thunkDict:   make(map[thunk.ID]*thunk.Thunk),
		waiting:     make(map[thunk.ID]bool),
		waitingData: make(map[thunk.ID]int),
		dependents:  make(map[thunk.ID]map[thunk.ID]bool),
		running:     make(map[thunk.ID]bool),
		results:     make(map[thunk.ID]any),
		errs:        make(map[thunk.ID]error),
		cache:       make(map[uint64]thunk.ID),
		futures:     make(map[thunk.ID]*future.Future),
		completion:  make(chan thunk.ID, 4096),
	}
}

// Completion exposes the channel the scheduler loop drains for newly
// finished or errored thunks.
func (s *Store) Completion() <-chan thunk.ID { return s.completion }

// HaltedError is delivered to any Future still unfulfilled when Halt
// fires, so a caller blocked in Fetch or on a registered Future is never
// left waiting forever just because the run stopped before reaching the
// thunk it cared about.
type HaltedError struct {
	ThunkID thunk.ID
}

func (e HaltedError) Error() string {
	return fmt.Sprintf("state: thunk %s never finished before the run halted", e.ThunkID)
}

// Halt latches the store closed and fulfills every currently pending
// Future with a HaltedError, so no future registered against a thunk the
// run never reaches is left unresolved. Halted is sticky: once true, it
// never reverts, matching "halt is a one-way latch" from spec's control
// plane.
func (s *Store) Halt() {
	type pending struct {
		id  thunk.ID
		fut *future.Future
	}
	s.mu.Lock()
	s.halted = true
	stranded := make([]pending, 0, len(s.futures))
	for id, fut := range s.futures {
		if fut.Fulfilled() {
			continue
		}
		stranded = append(stranded, pending{id: id, fut: fut})
	}
	s.mu.Unlock()

	for _, p := range stranded {
		p.fut.Fulfill(nil, HaltedError{ThunkID: p.id})
	}
}

func (s *Store) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// Nudge posts a synthetic, id-less wake-up on the completion channel so a
// blocked scheduler loop observes the halt latch without waiting for an
// unrelated thunk to finish. Thunk id 0 is never assigned by a Gen (it
// starts counting at 1), so the loop can safely ignore this value.
func (s *Store) Nudge() {
	select {
	case s.completion <- 0:
	default:
	}
}

// AddThunk registers th, computes how many of its inputs are still
// outstanding, and either enqueues it as ready immediately or records it
// as waiting with back-links from every thunk it depends on. Returns true
// if th became ready on arrival.
func (s *Store) AddThunk(th *thunk.Thunk) (readyNow bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.thunkDict[th.ID]; exists {
		return false, fmt.Errorf("state: thunk %s already registered", th.ID)
	}
	s.thunkDict[th.ID] = th

	outstanding := 0
	for _, in := range th.Inputs {
		if !in.IsThunk() {
			continue
		}
		dep := in.ThunkID()
		if _, done := s.results[dep]; done {
			continue
		}
		if cause, errored := s.errs[dep]; errored {
			// A dependency already failed before this thunk was even
			// added (dynamic add_thunk racing a failure); it starts
			// life already errored, with no dependents yet to cascade
			// to.
			originID, originErr := dep, cause
			if tfe, ok := cause.(*ThunkFailedException); ok {
				originID, originErr = tfe.OriginID, tfe.OriginErr
			}
			wrapped := &ThunkFailedException{ThunkID: th.ID, OriginID: originID, OriginErr: originErr}
			s.errs[th.ID] = wrapped
			s.mu.Unlock()
			s.completion <- th.ID
			s.mu.Lock()
			return false, nil
		}
		outstanding++
		if s.dependents[dep] == nil {
			s.dependents[dep] = make(map[thunk.ID]bool)
		}
		s.dependents[dep][th.ID] = true
	}

	if outstanding == 0 {
		s.ready = append(s.ready, th.ID)
		return true, nil
	}
	s.waiting[th.ID] = true
	s.waitingData[th.ID] = outstanding
	return false, nil
}

// Thunk returns the registered thunk for id.
func (s *Store) Thunk(id thunk.ID) (*thunk.Thunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.thunkDict[id]
	return th, ok
}

// ResolveArgs resolves th's inputs into concrete argument values, using
// Literal() inputs verbatim and looking up finished results for thunk
// references. It is an error to resolve a thunk before all of its
// dependencies have finished; AddThunk's bookkeeping guarantees the
// scheduler never calls this early.
func (s *Store) ResolveArgs(th *thunk.Thunk) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	args := make([]any, len(th.Inputs))
	for i, in := range th.Inputs {
		if !in.IsThunk() {
			args[i] = in.Literal()
			continue
		}
		v, ok := s.results[in.ThunkID()]
		if !ok {
			return nil, fmt.Errorf("state: thunk %s input %d (%s) not finished", th.ID, i, in.ThunkID())
		}
		args[i] = v
	}
	return args, nil
}

// DequeueReady pops one ready thunk and marks it running. ok is false if
// ready is empty.
func (s *Store) DequeueReady() (thunk.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 {
		return 0, false
	}
	id := s.ready[0]
	s.ready = s.ready[1:]
	s.running[id] = true
	return id, true
}

// ReadyLen reports how many thunks are immediately dispatchable.
func (s *Store) ReadyLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready)
}

// Idle reports whether the run has no more work to do: nothing ready,
// nothing running, nothing waiting.
func (s *Store) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready) == 0 && len(s.running) == 0 && len(s.waiting) == 0
}

// Complete records a successful result for id, releases dependents whose
// last outstanding input was id, and sends id on the completion channel
// for the scheduler loop to admit. Calling Complete twice for the same id
// is a no-op on the second call, preserving idempotent completion.
func (s *Store) Complete(id thunk.ID, result any) {
	s.mu.Lock()
	if _, already := s.results[id]; already {
		s.mu.Unlock()
		return
	}
	if _, already := s.errs[id]; already {
		s.mu.Unlock()
		return
	}
	delete(s.running, id)
	s.results[id] = result
	s.releaseDependentsLocked(id)
	fut := s.futures[id]
	s.mu.Unlock()

	if fut != nil {
		fut.Fulfill(result, nil)
	}
	s.completion <- id
}

// Fail records id as errored and transitively fails every thunk that
// (directly or indirectly) depends on it, exactly once per thunk, mirroring
// the teacher's skipOnce-guarded skipDependents walk. It performs the
// whole cascade as a breadth-first walk over dependents, holding the lock
// only for the bookkeeping of each node in turn.
func (s *Store) Fail(id thunk.ID, cause error) {
	type failure struct {
		id thunk.ID
	}

	queue := []failure{{id: id}}

	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]

		s.mu.Lock()
		if _, done := s.results[f.id]; done {
			s.mu.Unlock()
			continue
		}
		if _, already := s.errs[f.id]; already {
			s.mu.Unlock()
			continue
		}

		delete(s.waiting, f.id)
		delete(s.waitingData, f.id)
		delete(s.running, f.id)

		recorded := &ThunkFailedException{ThunkID: f.id, OriginID: id, OriginErr: cause}
		s.errs[f.id] = recorded

		deps := make([]thunk.ID, 0, len(s.dependents[f.id]))
		for dep := range s.dependents[f.id] {
			deps = append(deps, dep)
		}
		fut := s.futures[f.id]
		s.mu.Unlock()

		if fut != nil {
			fut.Fulfill(nil, recorded)
		}
		s.completion <- f.id

		for _, dep := range deps {
			queue = append(queue, failure{id: dep})
		}
	}
}

// releaseDependentsLocked decrements waitingData for every direct
// dependent of id and promotes any that reach zero to ready. Caller holds
// s.mu.
func (s *Store) releaseDependentsLocked(id thunk.ID) {
	for dep := range s.dependents[id] {
		if !s.waiting[dep] {
			continue
		}
		s.waitingData[dep]--
		if s.waitingData[dep] <= 0 {
			delete(s.waiting, dep)
			delete(s.waitingData, dep)
			s.ready = append(s.ready, dep)
		}
	}
}

// Result returns the finished value for id.
func (s *Store) Result(id thunk.ID) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.results[id]
	return v, ok
}

// Err returns the recorded error for id.
func (s *Store) Err(id thunk.ID) (error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err, ok := s.errs[id]
	return err, ok
}

// CacheLookup finds a previously finished thunk with cache key key, for
// thunks created with options.Cache set.
func (s *Store) CacheLookup(key uint64) (thunk.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.cache[key]
	if !ok {
		return 0, false
	}
	if _, done := s.results[id]; !done {
		return 0, false
	}
	return id, true
}

// CacheStore records that key's result is available under id. Safe to
// call for a thunk that hasn't finished yet; CacheLookup only honors
// entries once the thunk is actually done.
func (s *Store) CacheStore(key uint64, id thunk.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cache[key]; !exists {
		s.cache[key] = id
	}
}

// RegisterFuture creates (or returns the existing) Future for id, the hook
// behind the control plane's register_future command. If id has already
// finished or errored, the returned Future is fulfilled immediately.
func (s *Store) RegisterFuture(id thunk.ID) *future.Future {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fut, ok := s.futures[id]; ok {
		return fut
	}
	fut := future.New()
	s.futures[id] = fut

	if v, done := s.results[id]; done {
		fut.Fulfill(v, nil)
	} else if err, errored := s.errs[id]; errored {
		fut.Fulfill(nil, err)
	} else if s.halted {
		// A halt's fan-out can only reach futures that already existed at
		// the moment it ran; a registration racing in afterward must be
		// settled here instead, or it would wait forever.
		fut.Fulfill(nil, HaltedError{ThunkID: id})
	}
	return fut
}

// IsAncestor reports whether ancestor is reachable from descendant by
// walking descendant's inputs transitively — i.e. whether descendant
// depends, directly or indirectly, on ancestor. This is the dominator
// check register_future uses to refuse registrations that would deadlock.
func (s *Store) IsAncestor(ancestor, descendant thunk.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	visited := make(map[thunk.ID]bool)
	queue := []thunk.ID{descendant}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		th, ok := s.thunkDict[id]
		if !ok {
			continue
		}
		for _, in := range th.Inputs {
			if !in.IsThunk() {
				continue
			}
			dep := in.ThunkID()
			if dep == ancestor {
				return true
			}
			queue = append(queue, dep)
		}
	}
	return false
}

// DependentsSnapshot returns, for every known thunk, the set of thunks
// that directly reference it as an input — the get_dag_ids payload.
func (s *Store) DependentsSnapshot() map[thunk.ID][]thunk.ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[thunk.ID][]thunk.ID, len(s.thunkDict))
	for id := range s.thunkDict {
		deps := make([]thunk.ID, 0, len(s.dependents[id]))
		for d := range s.dependents[id] {
			deps = append(deps, d)
		}
		out[id] = deps
	}
	return out
}

// DagIDs returns every thunk id currently known to the store, in no
// particular order. The get_dag_ids command and the observer's /dag
// endpoint use DependentsSnapshot instead.
func (s *Store) DagIDs() []thunk.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]thunk.ID, 0, len(s.thunkDict))
	for id := range s.thunkDict {
		out = append(out, id)
	}
	return out
}

// ThunkStatus is a point-in-time snapshot of one thunk's state, for
// observer and debugging surfaces; it never aliases store-internal maps.
type ThunkStatus struct {
	ID       thunk.ID
	FuncName string
	State    string // "waiting" | "ready" | "running" | "finished" | "errored"
	Result   any
	Err      error
	Meta     map[string]any
}

// Status returns a snapshot of id's current state.
func (s *Store) Status(id thunk.ID) (ThunkStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.thunkDict[id]
	if !ok {
		return ThunkStatus{}, false
	}
	st := ThunkStatus{ID: id, FuncName: th.FuncName, Meta: th.Options.Meta}
	switch {
	case s.errs[id] != nil:
		st.State, st.Err = "errored", s.errs[id]
	case func() bool { _, ok := s.results[id]; return ok }():
		st.State, st.Result = "finished", s.results[id]
	case s.running[id]:
		st.State = "running"
	case s.waiting[id]:
		st.State = "waiting"
	default:
		st.State = "ready"
	}
	return st, true
}

// ReleaseChunk discards c's backing storage in store. It deletes
// unconditionally: Store does not track which thunks still reference a
// Chunk, and nothing in the scheduler or compute packages calls this, so
// chunk lifetime is left entirely to whoever calls it.
func (s *Store) ReleaseChunk(store chunk.Store, c chunk.Chunk) {
	store.Delete(c)
}
