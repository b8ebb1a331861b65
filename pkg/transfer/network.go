package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pull"
	"go.nanomsg.org/mangos/v3/protocol/push"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	// inproc for co-hosted devices, tcp across nodes
	_ "go.nanomsg.org/mangos/v3/transport/inproc"
	_ "go.nanomsg.org/mangos/v3/transport/tcp"

	"k8s.io/examples/AI/flowdeploy/pkg/deployer"
	"k8s.io/examples/AI/flowdeploy/pkg/exchange"
	"k8s.io/examples/AI/flowdeploy/pkg/metrics"
)

// AddressFunc returns the address the destination side of a binding listens on.
type AddressFunc func(src, dst deployer.Endpoint) string

// InprocAddress names a binding by its endpoints on the inproc transport.
func InprocAddress(src, dst deployer.Endpoint) string {
	return fmt.Sprintf("inproc://flowdeploy/%s/%d/%d/%s/%d/%d", src.Device.Key(), src.DeviceID, src.QueueID, dst.Device.Key(), dst.DeviceID, dst.QueueID)
}

type link struct {
	src     deployer.Endpoint
	dst     deployer.Endpoint
	address string

	sender   mangos.Socket
	receiver mangos.Socket
	next     int

	// unsent holds encoded frames whose send failed; undelivered holds received items
	// the destination did not accept. Both are retried first.
	unsent      [][]byte
	undelivered []receivedItem
}

type receivedItem struct {
	target deployer.Endpoint
	item   []byte
}

func (l *link) target() deployer.Endpoint {
	if !l.dst.IsGroup() {
		return l.dst
	}
	target := l.dst.Members[l.next%len(l.dst.Members)]
	l.next++
	return target
}

func (l *link) close() error {
	return errors.Join(l.sender.Close(), l.receiver.Close())
}

// NetworkBinder bridges each binding over a push/pull socket pair carrying snappy-compressed items.
// Forward runs on the source side and Receive on the destination side.
type NetworkBinder struct {
	queues    QueueIO
	metrics   *metrics.Registry
	addressOf AddressFunc

	// Timeout bounds each socket send and receive.
	Timeout        time.Duration
	FullRetries    uint
	FullRetryDelay time.Duration

	mu    sync.Mutex
	links []*link
}

var (
	_ deployer.QueueBinder   = (*NetworkBinder)(nil)
	_ deployer.QueueUnbinder = (*NetworkBinder)(nil)
)

// NewNetworkBinder builds a binder; a nil addressOf uses InprocAddress.
func NewNetworkBinder(queues QueueIO, metrics *metrics.Registry, addressOf AddressFunc) *NetworkBinder {
	if addressOf == nil {
		addressOf = InprocAddress
	}
	return &NetworkBinder{
		queues:         queues,
		metrics:        metrics,
		addressOf:      addressOf,
		Timeout:        100 * time.Millisecond,
		FullRetries:    5,
		FullRetryDelay: 2 * time.Millisecond,
	}
}

func (b *NetworkBinder) BindQueue(ctx context.Context, src, dst deployer.Endpoint) error {
	log := klog.FromContext(ctx)

	address := b.addressOf(src, dst)

	receiver, err := pull.NewSocket()
	if err != nil {
		return status.Errorf(codes.Unavailable, "creating pull socket: %v", err)
	}
	if err := receiver.SetOption(mangos.OptionRecvDeadline, b.Timeout); err != nil {
		receiver.Close()
		return status.Errorf(codes.Unavailable, "setting receive deadline: %v", err)
	}
	if err := receiver.Listen(address); err != nil {
		receiver.Close()
		return status.Errorf(codes.Unavailable, "listening on %s: %v", address, err)
	}

	sender, err := push.NewSocket()
	if err != nil {
		receiver.Close()
		return status.Errorf(codes.Unavailable, "creating push socket: %v", err)
	}
	if err := sender.SetOption(mangos.OptionSendDeadline, b.Timeout); err != nil {
		receiver.Close()
		sender.Close()
		return status.Errorf(codes.Unavailable, "setting send deadline: %v", err)
	}
	if err := sender.Dial(address); err != nil {
		receiver.Close()
		sender.Close()
		return status.Errorf(codes.Unavailable, "dialing %s: %v", address, err)
	}

	b.mu.Lock()
	b.links = append(b.links, &link{src: src, dst: dst, address: address, sender: sender, receiver: receiver})
	b.mu.Unlock()

	log.V(2).Info("bridged queues", "address", address, "src", src.QueueID, "dst", dst.QueueID)
	return nil
}

func (b *NetworkBinder) UnbindQueue(ctx context.Context, src, dst deployer.Endpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, l := range b.links {
		if keyOf(l.src) == keyOf(src) && keyOf(l.dst) == keyOf(dst) {
			b.links = append(b.links[:i], b.links[i+1:]...)
			return l.close()
		}
	}
	return nil
}

// Links returns the number of open bridges.
func (b *NetworkBinder) Links() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.links)
}

// Forward sends every item currently available at each bound source and returns the count sent.
// A frame that cannot be sent stays with the link and is sent first on the next Forward.
func (b *NetworkBinder) Forward(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sent := 0
	for _, l := range b.links {
		for len(l.unsent) > 0 {
			if err := b.send(l, l.unsent[0]); err != nil {
				return sent, err
			}
			l.unsent = l.unsent[1:]
			sent++
		}

		readFrom := []deployer.Endpoint{l.src}
		if l.src.IsGroup() {
			readFrom = l.src.Members
		}
		for _, source := range readFrom {
			for {
				if err := ctx.Err(); err != nil {
					return sent, err
				}
				size, err := b.queues.Peek(ctx, source.DeviceID, source.QueueID)
				if errors.Is(err, exchange.ErrQueueEmpty) {
					break
				}
				if err != nil {
					return sent, fmt.Errorf("peeking %q: %w", source.Name, err)
				}
				buf := make([]byte, size)
				info, err := b.queues.Dequeue(ctx, source.DeviceID, source.QueueID, buf)
				if err != nil {
					return sent, fmt.Errorf("dequeueing %q: %w", source.Name, err)
				}
				frame := snappy.Encode(nil, buf[:info.DataSize])
				if err := b.send(l, frame); err != nil {
					l.unsent = append(l.unsent, frame)
					return sent, err
				}
				sent++
			}
		}
	}
	return sent, nil
}

func (b *NetworkBinder) send(l *link, frame []byte) error {
	if err := l.sender.Send(frame); err != nil {
		return status.Errorf(codes.Unavailable, "sending to %s: %v", l.address, err)
	}
	b.metrics.RecordQueueBytes("network_out", len(frame))
	return nil
}

// Unsent returns the number of items held by the binder: frames not yet sent and
// received items not yet accepted by their destination.
func (b *NetworkBinder) Unsent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, l := range b.links {
		n += len(l.unsent) + len(l.undelivered)
	}
	return n
}

// Receive enqueues every frame that arrives before the receive deadline and returns the count received.
// An item its destination does not accept stays with the link and is delivered first on the next Receive.
func (b *NetworkBinder) Receive(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	received := 0
	for _, l := range b.links {
		for len(l.undelivered) > 0 {
			held := l.undelivered[0]
			if err := b.enqueue(ctx, held.target, held.item); err != nil {
				return received, err
			}
			l.undelivered = l.undelivered[1:]
			received++
		}

		for {
			if err := ctx.Err(); err != nil {
				return received, err
			}
			frame, err := l.receiver.Recv()
			if errors.Is(err, mangos.ErrRecvTimeout) {
				break
			}
			if err != nil {
				return received, status.Errorf(codes.Unavailable, "receiving on %s: %v", l.address, err)
			}
			b.metrics.RecordQueueBytes("network_in", len(frame))
			item, err := snappy.Decode(nil, frame)
			if err != nil {
				return received, status.Errorf(codes.Internal, "decoding frame from %s: %v", l.address, err)
			}

			target := l.target()
			if err := b.enqueue(ctx, target, item); err != nil {
				l.undelivered = append(l.undelivered, receivedItem{target: target, item: item})
				return received, err
			}
			received++
		}
	}
	return received, nil
}

func (b *NetworkBinder) enqueue(ctx context.Context, target deployer.Endpoint, item []byte) error {
	return enqueueWithBackoff(ctx, b.queues, target, item, b.FullRetries, b.FullRetryDelay)
}

// Close tears down every bridge.
func (b *NetworkBinder) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for _, l := range b.links {
		errs = append(errs, l.close())
	}
	b.links = nil
	return errors.Join(errs...)
}
