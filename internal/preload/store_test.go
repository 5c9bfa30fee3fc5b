package preload

import (
	"testing"

	"github.com/chromedp/cdproto/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndRemove(t *testing.T) {
	t.Parallel()

	s := New()
	sc := s.Add("() => {}", "", nil, nil)

	got, ok := s.Get(sc.ID)
	require.True(t, ok)
	assert.Same(t, sc, got)

	removed, ok := s.Remove(sc.ID)
	require.True(t, ok)
	assert.Same(t, sc, removed)

	_, ok = s.Get(sc.ID)
	assert.False(t, ok)
}

func TestScriptInScope(t *testing.T) {
	t.Parallel()

	global := &Script{}
	assert.True(t, global.inScope("any-ctx"))

	scoped := &Script{Contexts: []string{"ctx-1"}}
	assert.True(t, scoped.inScope("ctx-1"))
	assert.False(t, scoped.inScope("ctx-2"))
}

func TestRemoveFromTargetIsNoopWhenNeverInjected(t *testing.T) {
	t.Parallel()

	sc := &Script{byTarget: make(map[string]page.ScriptIdentifier)}
	assert.Empty(t, sc.RemoveFromTarget("sess-1"))
}
