package browsingcontext

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindTopLevelIsTotalAndIdempotent(t *testing.T) {
	t.Parallel()

	s := New()
	top := s.Add("top", "", "sess-1")
	child := s.Add("child", "top", "sess-1")
	grandchild := s.Add("grandchild", "child", "sess-1")

	for _, id := range []string{top.ID, child.ID, grandchild.ID} {
		got, ok := s.FindTopLevel(id)
		require.True(t, ok)
		assert.Equal(t, "top", got)

		again, ok := s.FindTopLevel(got)
		require.True(t, ok)
		assert.Equal(t, got, again)
	}
}

func TestFindTopLevelUnknownID(t *testing.T) {
	t.Parallel()

	s := New()
	_, ok := s.FindTopLevel("nope")
	assert.False(t, ok)
}

func TestRemoveCascadesToChildren(t *testing.T) {
	t.Parallel()

	s := New()
	s.Add("top", "", "sess-1")
	s.Add("child", "top", "sess-1")
	s.Add("grandchild", "child", "sess-1")

	removed := s.Remove("top")
	assert.ElementsMatch(t, []string{"top", "child", "grandchild"}, removed)

	_, ok := s.Get("top")
	assert.False(t, ok)
	_, ok = s.Get("child")
	assert.False(t, ok)
}

func TestTopLevelContexts(t *testing.T) {
	t.Parallel()

	s := New()
	s.Add("top-1", "", "sess-1")
	s.Add("top-2", "", "sess-2")
	s.Add("child", "top-1", "sess-1")

	tops := s.TopLevelContexts()
	ids := make([]string, 0, len(tops))
	for _, c := range tops {
		ids = append(ids, c.ID)
	}
	assert.ElementsMatch(t, []string{"top-1", "top-2"}, ids)
}
