package memqueue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k8s.io/examples/AI/flowdeploy/pkg/exchange"
)

func TestQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	d := New()

	_, err := d.CreateQueue(ctx, 0, exchange.QueueAttr{Name: "q", Depth: 2})
	require.Error(t, err, "create before init must fail")

	require.NoError(t, d.InitQueueSystem(ctx, 0))
	id, err := d.CreateQueue(ctx, 0, exchange.QueueAttr{Name: "q", Depth: 2})
	require.NoError(t, err)
	assert.True(t, d.QueueExists(0, id))

	require.NoError(t, d.Enqueue(ctx, 0, id, []byte("ab")))
	require.NoError(t, d.Enqueue(ctx, 0, id, []byte("cde")))
	err = d.Enqueue(ctx, 0, id, []byte("f"))
	assert.True(t, errors.Is(err, exchange.ErrQueueFull))

	size, err := d.Peek(ctx, 0, id)
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	buf := make([]byte, 8)
	n, err := d.Dequeue(ctx, 0, id, buf)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(buf[:n]))
	assert.Equal(t, 1, d.Depth(0, id))

	n, err = d.Dequeue(ctx, 0, id, buf)
	require.NoError(t, err)
	assert.Equal(t, "cde", string(buf[:n]))

	_, err = d.Peek(ctx, 0, id)
	assert.True(t, errors.Is(err, exchange.ErrQueueEmpty))

	require.NoError(t, d.DestroyQueue(ctx, 0, id))
	assert.False(t, d.QueueExists(0, id))
	err = d.DestroyQueue(ctx, 0, id)
	assert.True(t, errors.Is(err, exchange.ErrQueueNotFound))
}

func TestFailCreateAfter(t *testing.T) {
	ctx := context.Background()
	d := New()
	d.FailCreateAfter = 1
	require.NoError(t, d.InitQueueSystem(ctx, 3))

	_, err := d.CreateQueue(ctx, 3, exchange.QueueAttr{Name: "a", Depth: 2})
	require.NoError(t, err)
	_, err = d.CreateQueue(ctx, 3, exchange.QueueAttr{Name: "b", Depth: 2})
	require.Error(t, err)
	assert.Equal(t, 1, d.QueueCount(3))
}

func TestLookupQueue(t *testing.T) {
	ctx := context.Background()
	d := New()

	_, err := d.LookupQueue(ctx, 0, "q")
	assert.True(t, errors.Is(err, exchange.ErrQueueNotFound))

	require.NoError(t, d.InitQueueSystem(ctx, 0))
	first, err := d.CreateQueue(ctx, 0, exchange.QueueAttr{Name: "q", Depth: 2})
	require.NoError(t, err)
	_, err = d.CreateQueue(ctx, 0, exchange.QueueAttr{Name: "q", Depth: 2})
	require.NoError(t, err)

	id, err := d.LookupQueue(ctx, 0, "q")
	require.NoError(t, err)
	assert.Equal(t, first, id)

	_, err = d.LookupQueue(ctx, 0, "other")
	assert.True(t, errors.Is(err, exchange.ErrQueueNotFound))
}
