package realm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateIsIdempotentPerKey(t *testing.T) {
	t.Parallel()

	s := New()
	key := Key{SessionID: "sess-1", ExecutionContextID: 7}

	a := s.Create(key, KindWindow, "https://example.com", "ctx-1", "")
	b := s.Create(key, KindWindow, "https://example.com", "ctx-1", "")

	assert.Same(t, a, b)
	assert.Len(t, s.byID, 1)
}

func TestGetByID(t *testing.T) {
	t.Parallel()

	s := New()
	r := s.Create(Key{SessionID: "sess-1", ExecutionContextID: 1}, KindWindow, "https://example.com", "ctx-1", "")

	got, ok := s.Get(r.ID)
	require.True(t, ok)
	assert.Same(t, r, got)
}

func TestDestroyRemovesRealm(t *testing.T) {
	t.Parallel()

	s := New()
	key := Key{SessionID: "sess-1", ExecutionContextID: 1}
	r := s.Create(key, KindWindow, "https://example.com", "ctx-1", "")

	s.Destroy(key)
	_, ok := s.Get(r.ID)
	assert.False(t, ok)
	_, ok = s.GetByKey(key)
	assert.False(t, ok)
}

func TestDestroyAllForSession(t *testing.T) {
	t.Parallel()

	s := New()
	s.Create(Key{SessionID: "sess-1", ExecutionContextID: 1}, KindWindow, "o", "ctx-1", "")
	s.Create(Key{SessionID: "sess-1", ExecutionContextID: 2}, KindSandbox, "o", "ctx-1", "isolated")
	s.Create(Key{SessionID: "sess-2", ExecutionContextID: 1}, KindWindow, "o", "ctx-2", "")

	removed := s.DestroyAllForSession("sess-1")
	assert.Len(t, removed, 2)
	assert.Len(t, s.byID, 1)
}

func TestListFiltersByContextAndKindWithAnd(t *testing.T) {
	t.Parallel()

	s := New()
	window := s.Create(Key{SessionID: "sess-1", ExecutionContextID: 1}, KindWindow, "o", "ctx-1", "")
	s.Create(Key{SessionID: "sess-1", ExecutionContextID: 2}, KindSandbox, "o", "ctx-1", "isolated")
	s.Create(Key{SessionID: "sess-2", ExecutionContextID: 1}, KindWindow, "o", "ctx-2", "")

	got := s.List([]string{"ctx-1"}, KindWindow)
	require.Len(t, got, 1)
	assert.Equal(t, window.ID, got[0].ID)
}
