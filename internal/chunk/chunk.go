// Package chunk models an opaque, materialized result living on some
// processor. A Chunk carries just enough metadata to be moved between
// processors; the bytes themselves live in a Store.
package chunk

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Key uniquely identifies a Chunk's storage slot within a run.
type Key string

// Chunk is a reference to a value materialized on a specific processor. It
// is the thing that lives in the state store's cache when a thunk's result
// is too large, or not meaningful, to keep inline.
type Chunk struct {
	Key  Key
	Proc string
}

func (c Chunk) String() string {
	return fmt.Sprintf("chunk(%s@%s)", c.Key, c.Proc)
}

// Store holds materialized values on behalf of processors. taskgrid's
// in-process processors (process, thread) all share one Store instance —
// there is only one real address space — but the interface is shaped the
// way a cluster-wide store would be: values are addressed by Chunk, never
// by raw pointer, so a future out-of-process Store can satisfy the same
// interface.
type Store interface {
	// Put materializes v on the named processor and returns a handle to it.
	Put(procID string, v any) Chunk
	// Get retrieves the value behind a Chunk. ok is false if the Chunk is
	// unknown to this Store (e.g. it was produced on a different run).
	Get(c Chunk) (any, bool)
	// Move copies the value behind c onto toProc, returning a new Chunk
	// whose Proc is toProc. This is the hook the scheduler calls from
	// `move(from_proc, to_proc, x)` in spec §4.2.
	Move(c Chunk, toProc string) (Chunk, error)
	// Delete releases the storage behind c. Safe to call more than once.
	Delete(c Chunk)
}

// MemoryStore is the default, single-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[Key]any
	proc map[Key]string
}

// NewMemoryStore returns an empty, ready-to-use MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[Key]any),
		proc: make(map[Key]string),
	}
}

// Put implements Store.
func (s *MemoryStore) Put(procID string, v any) Chunk {
	key := Key(uuid.NewString())
	s.mu.Lock()
	s.data[key] = v
	s.proc[key] = procID
	s.mu.Unlock()
	return Chunk{Key: key, Proc: procID}
}

// Get implements Store.
func (s *MemoryStore) Get(c Chunk) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[c.Key]
	return v, ok
}

// Move implements Store.
func (s *MemoryStore) Move(c Chunk, toProc string) (Chunk, error) {
	s.mu.RLock()
	v, ok := s.data[c.Key]
	s.mu.RUnlock()
	if !ok {
		return Chunk{}, fmt.Errorf("chunk: move of unknown chunk %s", c)
	}
	if c.Proc == toProc {
		return c, nil
	}
	return s.Put(toProc, v), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(c Chunk) {
	s.mu.Lock()
	delete(s.data, c.Key)
	delete(s.proc, c.Key)
	s.mu.Unlock()
}
