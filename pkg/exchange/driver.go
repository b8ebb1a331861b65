package exchange

import (
	"context"
	"errors"
)

type WorkMode int32

const (
	WorkModePush WorkMode = 1
	WorkModePull WorkMode = 2
)

// QueueNameMaxLen is the size of the driver's fixed name buffer, including the terminator.
const QueueNameMaxLen = 128

var (
	ErrQueueEmpty    = errors.New("queue is empty")
	ErrQueueFull     = errors.New("queue is full")
	ErrQueueNotFound = errors.New("queue not found")
)

type QueueAttr struct {
	Name     string
	Depth    uint32
	WorkMode WorkMode
}

// Driver is a device queue driver. Implementations block until the operation completes
// or the driver's own timeout expires; empty and full conditions are reported with
// ErrQueueEmpty and ErrQueueFull.
type Driver interface {
	// InitQueueSystem prepares the device's queue subsystem. It is called at most once per device.
	InitQueueSystem(ctx context.Context, deviceID int32) error
	CreateQueue(ctx context.Context, deviceID int32, attr QueueAttr) (uint32, error)
	DestroyQueue(ctx context.Context, deviceID int32, queueID uint32) error
	// LookupQueue returns the id of an existing queue with the given name, or ErrQueueNotFound.
	LookupQueue(ctx context.Context, deviceID int32, name string) (uint32, error)
	Enqueue(ctx context.Context, deviceID int32, queueID uint32, data []byte) error
	// Peek returns the size of the next item without removing it.
	Peek(ctx context.Context, deviceID int32, queueID uint32) (int, error)
	// Dequeue removes the next item into buf, which must be at least Peek bytes long.
	Dequeue(ctx context.Context, deviceID int32, queueID uint32, buf []byte) (int, error)
}
