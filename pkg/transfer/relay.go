// Package transfer provides queue binders that move items between bound queues.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/flowdeploy/pkg/deployer"
	"k8s.io/examples/AI/flowdeploy/pkg/exchange"
	"k8s.io/examples/AI/flowdeploy/pkg/metrics"
)

// QueueIO is the data path of the exchange service.
type QueueIO interface {
	Enqueue(ctx context.Context, deviceID int32, queueID uint32, data []byte) error
	Peek(ctx context.Context, deviceID int32, queueID uint32) (int, error)
	Dequeue(ctx context.Context, deviceID int32, queueID uint32, buf []byte) (exchange.ControlInfo, error)
}

var _ QueueIO = (*exchange.ExchangeService)(nil)

type queueKey struct {
	deviceID int32
	queueID  uint32
}

func keyOf(e deployer.Endpoint) queueKey {
	return queueKey{deviceID: e.DeviceID, queueID: e.QueueID}
}

type route struct {
	src  deployer.Endpoint
	dst  deployer.Endpoint
	next int
}

// target picks the queue the next item on this route goes to.
func (r *route) target() deployer.Endpoint {
	if !r.dst.IsGroup() {
		return r.dst
	}
	target := r.dst.Members[r.next%len(r.dst.Members)]
	r.next++
	return target
}

type delivery struct {
	route  *route
	target deployer.Endpoint
}

// heldItem is an item already taken off its source with deliveries still outstanding.
type heldItem struct {
	item    []byte
	pending []delivery
}

// RelayBinder copies items between queues of one exchange service.
// Bindings only register routes; Pump moves the data.
type RelayBinder struct {
	queues  QueueIO
	metrics *metrics.Registry

	// FullRetries and FullRetryDelay control how long a delivery waits on a full destination.
	FullRetries    uint
	FullRetryDelay time.Duration

	mu      sync.Mutex
	sources []queueKey
	routes  map[queueKey][]*route
	held    map[queueKey][]*heldItem
}

var (
	_ deployer.QueueBinder   = (*RelayBinder)(nil)
	_ deployer.QueueUnbinder = (*RelayBinder)(nil)
)

func NewRelayBinder(queues QueueIO, metrics *metrics.Registry) *RelayBinder {
	return &RelayBinder{
		queues:         queues,
		metrics:        metrics,
		FullRetries:    5,
		FullRetryDelay: 2 * time.Millisecond,
		routes:         make(map[queueKey][]*route),
		held:           make(map[queueKey][]*heldItem),
	}
}

func (b *RelayBinder) BindQueue(ctx context.Context, src, dst deployer.Endpoint) error {
	log := klog.FromContext(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()

	key := keyOf(src)
	if _, found := b.routes[key]; !found {
		b.sources = append(b.sources, key)
	}
	b.routes[key] = append(b.routes[key], &route{src: src, dst: dst})
	log.V(2).Info("registered relay route", "src", src.QueueID, "srcMembers", len(src.Members), "dst", dst.QueueID, "dstMembers", len(dst.Members))
	return nil
}

func (b *RelayBinder) UnbindQueue(ctx context.Context, src, dst deployer.Endpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := keyOf(src)
	routes := b.routes[key]
	for i, r := range routes {
		if keyOf(r.dst) == keyOf(dst) {
			routes = append(routes[:i], routes[i+1:]...)
			b.dropHeld(key, r)
			break
		}
	}
	if len(routes) > 0 {
		b.routes[key] = routes
		return nil
	}
	delete(b.routes, key)
	delete(b.held, key)
	for i, k := range b.sources {
		if k == key {
			b.sources = append(b.sources[:i], b.sources[i+1:]...)
			break
		}
	}
	return nil
}

// Routes returns the number of registered routes.
func (b *RelayBinder) Routes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, routes := range b.routes {
		n += len(routes)
	}
	return n
}

// Held returns the number of items taken off a source whose delivery has not completed.
func (b *RelayBinder) Held() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, items := range b.held {
		n += len(items)
	}
	return n
}

func (b *RelayBinder) dropHeld(key queueKey, r *route) {
	var kept []*heldItem
	for _, h := range b.held[key] {
		h.pending = slices.DeleteFunc(h.pending, func(d delivery) bool { return d.route == r })
		if len(h.pending) > 0 {
			kept = append(kept, h)
		}
	}
	b.held[key] = kept
}

// Pump moves every item currently available at a bound source to its destinations and
// returns the number of items moved. Items from one source are copied to every route of
// that source; a group destination receives them round-robin across its members.
// An item that cannot be delivered stays with the binder and is retried, ahead of newer
// items from the same source, on the next Pump.
func (b *RelayBinder) Pump(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	moved := 0
	for _, key := range b.sources {
		routes := b.routes[key]
		if len(routes) == 0 {
			continue
		}
		n, err := b.flushHeld(ctx, key)
		moved += n
		if err != nil {
			return moved, err
		}

		readFrom := []deployer.Endpoint{routes[0].src}
		if routes[0].src.IsGroup() {
			readFrom = routes[0].src.Members
		}
		for _, source := range readFrom {
			n, err := b.drain(ctx, key, source, routes)
			moved += n
			if err != nil {
				return moved, err
			}
		}
	}
	return moved, nil
}

// flushHeld retries held deliveries in order and stops at the first one that fails.
func (b *RelayBinder) flushHeld(ctx context.Context, key queueKey) (int, error) {
	moved := 0
	for len(b.held[key]) > 0 {
		h := b.held[key][0]
		for len(h.pending) > 0 {
			if err := b.deliver(ctx, h.pending[0].target, h.item); err != nil {
				return moved, err
			}
			h.pending = h.pending[1:]
		}
		b.held[key] = b.held[key][1:]
		b.metrics.RecordQueueBytes("relay", len(h.item))
		moved++
	}
	return moved, nil
}

func (b *RelayBinder) drain(ctx context.Context, key queueKey, source deployer.Endpoint, routes []*route) (int, error) {
	moved := 0
	for {
		size, err := b.queues.Peek(ctx, source.DeviceID, source.QueueID)
		if errors.Is(err, exchange.ErrQueueEmpty) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("peeking relay source %q: %w", source.Name, err)
		}
		buf := make([]byte, size)
		info, err := b.queues.Dequeue(ctx, source.DeviceID, source.QueueID, buf)
		if err != nil {
			return moved, fmt.Errorf("dequeueing relay source %q: %w", source.Name, err)
		}
		item := buf[:info.DataSize]

		pending := make([]delivery, 0, len(routes))
		for _, r := range routes {
			pending = append(pending, delivery{route: r, target: r.target()})
		}
		for len(pending) > 0 {
			if err := b.deliver(ctx, pending[0].target, item); err != nil {
				b.held[key] = append(b.held[key], &heldItem{item: item, pending: pending})
				return moved, err
			}
			pending = pending[1:]
		}
		b.metrics.RecordQueueBytes("relay", len(item))
		moved++
	}
}

func (b *RelayBinder) deliver(ctx context.Context, target deployer.Endpoint, item []byte) error {
	return enqueueWithBackoff(ctx, b.queues, target, item, b.FullRetries, b.FullRetryDelay)
}

// enqueueWithBackoff retries while target is full.
func enqueueWithBackoff(ctx context.Context, queues QueueIO, target deployer.Endpoint, item []byte, retries uint, delay time.Duration) error {
	log := klog.FromContext(ctx)

	err := retry.Do(
		func() error {
			return queues.Enqueue(ctx, target.DeviceID, target.QueueID, item)
		},
		retry.Context(ctx),
		retry.Attempts(retries+1),
		retry.Delay(delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, exchange.ErrQueueFull)
		}),
		retry.OnRetry(func(attempt uint, err error) {
			log.V(2).Info("destination queue is full", "queue", target.Name, "queueID", target.QueueID, "attempt", attempt)
		}),
	)
	if err != nil {
		return fmt.Errorf("delivering %d bytes to %q: %w", len(item), target.Name, err)
	}
	return nil
}
