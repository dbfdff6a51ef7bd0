package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGet(t *testing.T) {
	s := NewMemoryStore()
	c := s.Put("proc-a", 42)
	assert.Equal(t, "proc-a", c.Proc)

	v, ok := s.Get(c)
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestGetUnknown(t *testing.T) {
	s := NewMemoryStore()
	_, ok := s.Get(Chunk{Key: "nope"})
	assert.False(t, ok)
}

func TestMoveCopiesUnderNewProc(t *testing.T) {
	s := NewMemoryStore()
	c := s.Put("proc-a", "hello")

	moved, err := s.Move(c, "proc-b")
	require.NoError(t, err)
	assert.Equal(t, "proc-b", moved.Proc)
	assert.NotEqual(t, c.Key, moved.Key)

	v, ok := s.Get(moved)
	require.True(t, ok)
	assert.Equal(t, "hello", v)

	// original chunk is untouched.
	orig, ok := s.Get(c)
	require.True(t, ok)
	assert.Equal(t, "hello", orig)
}

func TestMoveSameProcIsNoop(t *testing.T) {
	s := NewMemoryStore()
	c := s.Put("proc-a", "hello")
	moved, err := s.Move(c, "proc-a")
	require.NoError(t, err)
	assert.Equal(t, c, moved)
}

func TestMoveUnknownErrors(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Move(Chunk{Key: "nope", Proc: "proc-a"}, "proc-b")
	assert.Error(t, err)
}

func TestDeleteThenGetMisses(t *testing.T) {
	s := NewMemoryStore()
	c := s.Put("proc-a", 1)
	s.Delete(c)
	_, ok := s.Get(c)
	assert.False(t, ok)
}
