// Package memqueue is an in-process device queue driver. Each queue is a bounded FIFO;
// empty and full conditions return immediately with exchange.ErrQueueEmpty / ErrQueueFull.
package memqueue

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/examples/AI/flowdeploy/pkg/exchange"
)

type queue struct {
	attr  exchange.QueueAttr
	items [][]byte
}

type deviceQueues struct {
	initCount int
	nextID    uint32
	queues    map[uint32]*queue
}

type Driver struct {
	mu      sync.Mutex
	devices map[int32]*deviceQueues

	// FailCreateAfter, when positive, makes every create after that many successful creates fail.
	FailCreateAfter int
	createCount     int
}

var _ exchange.Driver = (*Driver)(nil)

func New() *Driver {
	return &Driver{
		devices: make(map[int32]*deviceQueues),
	}
}

func (d *Driver) device(deviceID int32) *deviceQueues {
	dev, ok := d.devices[deviceID]
	if !ok {
		dev = &deviceQueues{queues: make(map[uint32]*queue)}
		d.devices[deviceID] = dev
	}
	return dev
}

func (d *Driver) lookup(deviceID int32, queueID uint32) (*queue, error) {
	dev, ok := d.devices[deviceID]
	if !ok || dev.initCount == 0 {
		return nil, fmt.Errorf("device %d queue system not initialized: %w", deviceID, exchange.ErrQueueNotFound)
	}
	q, ok := dev.queues[queueID]
	if !ok {
		return nil, fmt.Errorf("queue %d on device %d: %w", queueID, deviceID, exchange.ErrQueueNotFound)
	}
	return q, nil
}

func (d *Driver) InitQueueSystem(ctx context.Context, deviceID int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.device(deviceID).initCount++
	return nil
}

func (d *Driver) CreateQueue(ctx context.Context, deviceID int32, attr exchange.QueueAttr) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dev := d.device(deviceID)
	if dev.initCount == 0 {
		return 0, fmt.Errorf("device %d queue system not initialized", deviceID)
	}
	if attr.Depth == 0 {
		return 0, fmt.Errorf("queue %q has zero depth", attr.Name)
	}
	if d.FailCreateAfter > 0 && d.createCount >= d.FailCreateAfter {
		return 0, fmt.Errorf("injected failure creating queue %q", attr.Name)
	}
	d.createCount++

	id := dev.nextID
	dev.nextID++
	dev.queues[id] = &queue{attr: attr}
	return id, nil
}

func (d *Driver) DestroyQueue(ctx context.Context, deviceID int32, queueID uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.lookup(deviceID, queueID); err != nil {
		return err
	}
	delete(d.devices[deviceID].queues, queueID)
	return nil
}

// LookupQueue returns the lowest id among the device's queues named name.
func (d *Driver) LookupQueue(ctx context.Context, deviceID int32, name string) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dev, ok := d.devices[deviceID]
	if !ok || dev.initCount == 0 {
		return 0, fmt.Errorf("device %d queue system not initialized: %w", deviceID, exchange.ErrQueueNotFound)
	}
	found := false
	var lowest uint32
	for id, q := range dev.queues {
		if q.attr.Name == name && (!found || id < lowest) {
			lowest, found = id, true
		}
	}
	if !found {
		return 0, fmt.Errorf("queue %q on device %d: %w", name, deviceID, exchange.ErrQueueNotFound)
	}
	return lowest, nil
}

func (d *Driver) Enqueue(ctx context.Context, deviceID int32, queueID uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, err := d.lookup(deviceID, queueID)
	if err != nil {
		return err
	}
	if len(q.items) >= int(q.attr.Depth) {
		return fmt.Errorf("queue %q (depth %d): %w", q.attr.Name, q.attr.Depth, exchange.ErrQueueFull)
	}
	q.items = append(q.items, append([]byte(nil), data...))
	return nil
}

func (d *Driver) Peek(ctx context.Context, deviceID int32, queueID uint32) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, err := d.lookup(deviceID, queueID)
	if err != nil {
		return 0, err
	}
	if len(q.items) == 0 {
		return 0, fmt.Errorf("queue %q: %w", q.attr.Name, exchange.ErrQueueEmpty)
	}
	return len(q.items[0]), nil
}

func (d *Driver) Dequeue(ctx context.Context, deviceID int32, queueID uint32, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, err := d.lookup(deviceID, queueID)
	if err != nil {
		return 0, err
	}
	if len(q.items) == 0 {
		return 0, fmt.Errorf("queue %q: %w", q.attr.Name, exchange.ErrQueueEmpty)
	}
	item := q.items[0]
	if len(item) > len(buf) {
		return 0, fmt.Errorf("queue %q: item of %d bytes does not fit %d byte buffer", q.attr.Name, len(item), len(buf))
	}
	q.items[0] = nil
	q.items = q.items[1:]
	return copy(buf, item), nil
}

// QueueExists reports whether queueID is currently allocated on deviceID.
func (d *Driver) QueueExists(deviceID int32, queueID uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.lookup(deviceID, queueID)
	return err == nil
}

func (d *Driver) QueueCount(deviceID int32) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	dev, ok := d.devices[deviceID]
	if !ok {
		return 0
	}
	return len(dev.queues)
}

// Depth returns the number of items waiting in a queue, or -1 if it does not exist.
func (d *Driver) Depth(deviceID int32, queueID uint32) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, err := d.lookup(deviceID, queueID)
	if err != nil {
		return -1
	}
	return len(q.items)
}

// QueueName returns the name a queue was created with.
func (d *Driver) QueueName(deviceID int32, queueID uint32) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, err := d.lookup(deviceID, queueID)
	if err != nil {
		return "", false
	}
	return q.attr.Name, true
}

func (d *Driver) InitCount(deviceID int32) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	dev, ok := d.devices[deviceID]
	if !ok {
		return 0
	}
	return dev.initCount
}
