package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateReturnsSameRequest(t *testing.T) {
	t.Parallel()

	s := New()
	a := s.GetOrCreate("req-1", "sess-1")
	b := s.GetOrCreate("req-1", "sess-1")
	assert.Same(t, a, b)
}

func TestInterceptionExpectedMatchesWildcard(t *testing.T) {
	t.Parallel()

	s := New()
	s.AddIntercept([]string{"*"}, []InterceptPhase{PhaseBeforeRequestSent})

	assert.True(t, s.InterceptionExpected("https://example.com/x", PhaseBeforeRequestSent))
	assert.False(t, s.InterceptionExpected("https://example.com/x", PhaseResponseStarted))
}

func TestInterceptionExpectedMatchesExactURL(t *testing.T) {
	t.Parallel()

	s := New()
	s.AddIntercept([]string{"https://example.com/x"}, []InterceptPhase{PhaseAuthRequired})

	assert.True(t, s.InterceptionExpected("https://example.com/x", PhaseAuthRequired))
	assert.False(t, s.InterceptionExpected("https://example.com/y", PhaseAuthRequired))
}

func TestRemoveIntercept(t *testing.T) {
	t.Parallel()

	s := New()
	ic := s.AddIntercept([]string{"*"}, []InterceptPhase{PhaseBeforeRequestSent})
	require.Len(t, s.Intercepts(), 1)

	s.RemoveIntercept(ic.ID)
	assert.Len(t, s.Intercepts(), 0)
}
