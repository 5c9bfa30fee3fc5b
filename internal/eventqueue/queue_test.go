package eventqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestQueueOrdersEvents(t *testing.T) {
	t.Parallel()

	q := New()
	q.Push("a")
	q.Push("b")
	q.Push("c")

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Next(ctx)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestQueueNextBlocksUntilPush(t *testing.T) {
	t.Parallel()

	q := New()
	done := make(chan interface{}, 1)
	go func() {
		v, ok := q.Next(context.Background())
		if ok {
			done <- v
		}
	}()

	select {
	case <-done:
		t.Fatal("Next returned before any Push")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push("late")
	select {
	case v := <-done:
		assert.Equal(t, "late", v)
	case <-time.After(time.Second):
		t.Fatal("Next never woke up after Push")
	}
}

func TestQueueCloseDrainsThenStops(t *testing.T) {
	t.Parallel()

	q := New()
	q.Push("only")
	q.Close()

	ctx := context.Background()
	v, ok := q.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, "only", v)

	_, ok = q.Next(ctx)
	assert.False(t, ok)
}

func TestQueueNextRespectsContext(t *testing.T) {
	t.Parallel()

	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := q.Next(ctx)
	assert.False(t, ok)
}

func TestQueuePushAfterCloseIsNoop(t *testing.T) {
	t.Parallel()

	q := New()
	q.Close()
	q.Push("dropped")
	assert.Equal(t, 0, q.Len())
}
