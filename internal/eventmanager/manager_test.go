package eventmanager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/chromedevtools/bidi-server/internal/bidiproto"
	"github.com/chromedevtools/bidi-server/internal/eventqueue"
	"github.com/chromedevtools/bidi-server/internal/subscription"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newClient() *Client {
	return &Client{Subscriptions: subscription.New(nil), Queue: eventqueue.New()}
}

func TestEmitDeliversOnlyToSubscribedClients(t *testing.T) {
	t.Parallel()

	m := New()
	subscribed := newClient()
	_, err := subscribed.Subscriptions.Subscribe([]string{"browsingContext.load"}, nil, "")
	require.NoError(t, err)
	unsubscribed := newClient()

	m.AddClient("a", subscribed)
	m.AddClient("b", unsubscribed)

	m.Emit("browsingContext.load", "ctx-1", "payload")

	v, ok := subscribed.Queue.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, bidiproto.NewEvent("browsingContext.load", "", "payload"), v)
	assert.Equal(t, 0, unsubscribed.Queue.Len())
}

func TestRemoveClientClosesQueue(t *testing.T) {
	t.Parallel()

	m := New()
	c := newClient()
	m.AddClient("a", c)
	m.RemoveClient("a")

	_, ok := c.Queue.Next(context.Background())
	assert.False(t, ok)
}
