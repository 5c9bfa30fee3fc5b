package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeMatchesExactEvent(t *testing.T) {
	t.Parallel()

	m := New(nil)
	_, err := m.Subscribe([]string{"browsingContext.load"}, nil, "")
	require.NoError(t, err)

	assert.True(t, m.Matches("browsingContext.load", "ctx-1"))
	assert.False(t, m.Matches("browsingContext.domContentLoaded", "ctx-1"))
}

func TestSubscribeMatchesWholeModule(t *testing.T) {
	t.Parallel()

	m := New(nil)
	_, err := m.Subscribe([]string{"network"}, nil, "")
	require.NoError(t, err)

	assert.True(t, m.Matches("network.beforeRequestSent", "ctx-1"))
	assert.True(t, m.Matches("network.responseCompleted", "any-ctx"))
}

func TestSubscribeScopedToContexts(t *testing.T) {
	t.Parallel()

	m := New(nil)
	_, err := m.Subscribe([]string{"browsingContext.load"}, []string{"ctx-1"}, "")
	require.NoError(t, err)

	assert.True(t, m.Matches("browsingContext.load", "ctx-1"))
	assert.False(t, m.Matches("browsingContext.load", "ctx-2"))
}

func TestDoubleSubscribeCreatesIndependentSubscriptions(t *testing.T) {
	t.Parallel()

	m := New(nil)
	a, err := m.Subscribe([]string{"log.entryAdded"}, nil, "")
	require.NoError(t, err)
	b, err := m.Subscribe([]string{"log.entryAdded"}, nil, "")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, m.Subscriptions(), 2)

	m.Unsubscribe([]string{a.ID})
	assert.True(t, m.Matches("log.entryAdded", "ctx"))
	assert.Len(t, m.Subscriptions(), 1)

	m.Unsubscribe([]string{b.ID})
	assert.False(t, m.Matches("log.entryAdded", "ctx"))
}

func TestUnsubscribeByEventsAndContexts(t *testing.T) {
	t.Parallel()

	m := New(nil)
	_, err := m.Subscribe([]string{"browsingContext.load"}, []string{"ctx-1"}, "")
	require.NoError(t, err)
	_, err = m.Subscribe([]string{"browsingContext.load"}, []string{"ctx-1"}, "")
	require.NoError(t, err)
	assert.Len(t, m.Subscriptions(), 2)

	err = m.UnsubscribeByEventsAndContexts([]string{"browsingContext.load"}, []string{"ctx-1"}, "")
	require.NoError(t, err)
	assert.Len(t, m.Subscriptions(), 0)
}

func TestUnsubscribeUnknownIDIsNotError(t *testing.T) {
	t.Parallel()

	m := New(nil)
	m.Unsubscribe([]string{"does-not-exist"})
	assert.Len(t, m.Subscriptions(), 0)
}

func TestUnsubscribeByEventsAndContextsSplitsModuleSubscription(t *testing.T) {
	t.Parallel()

	m := New(nil)
	_, err := m.Subscribe([]string{"network"}, nil, "A")
	require.NoError(t, err)

	err = m.UnsubscribeByEventsAndContexts([]string{"network.beforeRequestSent"}, nil, "A")
	require.NoError(t, err)

	assert.False(t, m.Matches("network.beforeRequestSent", "ctx-1"))
	assert.True(t, m.Matches("network.responseStarted", "ctx-1"))
	assert.True(t, m.Matches("network.fetchError", "ctx-1"))
}
