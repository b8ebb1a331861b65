package transfer_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k8s.io/examples/AI/flowdeploy/pkg/deployer"
	"k8s.io/examples/AI/flowdeploy/pkg/exchange"
	"k8s.io/examples/AI/flowdeploy/pkg/transfer"
)

func receiveAll(t *testing.T, f *fixture, binder *transfer.NetworkBinder, want int) {
	t.Helper()
	total := 0
	require.Eventually(t, func() bool {
		n, err := binder.Receive(f.ctx)
		if !assert.NoError(t, err) {
			return false
		}
		total += n
		return total >= want
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, total)
}

func TestNetworkBridge(t *testing.T) {
	f := newFixture()
	src, dst := f.queue(t, "x", 8), f.queue(t, "x", 8)

	binder := transfer.NewNetworkBinder(f.service, nil, nil)
	binder.Timeout = 20 * time.Millisecond
	defer binder.Close()

	require.NoError(t, binder.BindQueue(f.ctx, src, dst))
	assert.Equal(t, 1, binder.Links())

	f.put(t, src, "alpha", "beta", "gamma")
	sent, err := binder.Forward(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sent)
	assert.Empty(t, f.drain(t, src))

	receiveAll(t, f, binder, 3)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, f.drain(t, dst))
}

func TestNetworkBridgeGroups(t *testing.T) {
	f := newFixture()
	s0, s1 := f.queue(t, "y", 8), f.queue(t, "y", 8)
	m0, m1 := f.queue(t, "y", 8), f.queue(t, "y", 8)

	binder := transfer.NewNetworkBinder(f.service, nil, nil)
	binder.Timeout = 20 * time.Millisecond
	defer binder.Close()

	src := deployer.Endpoint{Name: "y", QueueID: 1000, Members: []deployer.Endpoint{s0, s1}}
	dst := deployer.Endpoint{Name: "y", QueueID: 1001, Members: []deployer.Endpoint{m0, m1}}
	require.NoError(t, binder.BindQueue(f.ctx, src, dst))

	f.put(t, s0, "a", "b")
	f.put(t, s1, "c", "d")
	sent, err := binder.Forward(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, sent)

	receiveAll(t, f, binder, 4)
	assert.Equal(t, []string{"a", "c"}, f.drain(t, m0))
	assert.Equal(t, []string{"b", "d"}, f.drain(t, m1))
}

func TestNetworkUnbind(t *testing.T) {
	f := newFixture()
	src, dst := f.queue(t, "x", 8), f.queue(t, "x", 8)

	binder := transfer.NewNetworkBinder(f.service, nil, nil)
	require.NoError(t, binder.BindQueue(f.ctx, src, dst))
	require.NoError(t, binder.UnbindQueue(f.ctx, src, dst))
	assert.Equal(t, 0, binder.Links())

	// the address is free again
	require.NoError(t, binder.BindQueue(f.ctx, src, dst))
	assert.NoError(t, binder.Close())
}

func TestNetworkKeepsItemsForFullDestination(t *testing.T) {
	f := newFixture()
	src, dst := f.queue(t, "x", 8), f.queue(t, "x", 1)

	binder := transfer.NewNetworkBinder(f.service, nil, nil)
	binder.Timeout = 20 * time.Millisecond
	binder.FullRetries = 0
	defer binder.Close()
	require.NoError(t, binder.BindQueue(f.ctx, src, dst))

	f.put(t, src, "alpha", "beta", "gamma")
	sent, err := binder.Forward(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sent)

	require.Eventually(t, func() bool {
		_, err := binder.Receive(f.ctx)
		return errors.Is(err, exchange.ErrQueueFull)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, binder.Unsent())

	var got []string
	require.Eventually(t, func() bool {
		got = append(got, f.drain(t, dst)...)
		_, err := binder.Receive(f.ctx)
		if err != nil && !assert.True(t, errors.Is(err, exchange.ErrQueueFull)) {
			return false
		}
		got = append(got, f.drain(t, dst)...)
		return len(got) == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, got)
	assert.Equal(t, 0, binder.Unsent())
}
