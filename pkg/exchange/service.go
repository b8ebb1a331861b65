package exchange

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/flowdeploy/pkg/metrics"
	"k8s.io/examples/AI/flowdeploy/pkg/tensor"
)

type ControlInfo struct {
	// DataSize is the number of bytes written to the caller's buffer.
	DataSize int
}

// ExchangeService exposes per-device queue primitives on top of a Driver.
// Each device's queue subsystem is initialized once, on first use.
type ExchangeService struct {
	driver  Driver
	metrics *metrics.Registry

	mu      sync.Mutex
	devices map[int32]*deviceState
}

// deviceState serializes initialization and queue creation on one device.
type deviceState struct {
	mu          sync.Mutex
	initialized bool
}

func NewExchangeService(driver Driver, metrics *metrics.Registry) *ExchangeService {
	return &ExchangeService{
		driver:  driver,
		metrics: metrics,
		devices: make(map[int32]*deviceState),
	}
}

func (s *ExchangeService) device(deviceID int32) *deviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[deviceID]
	if !ok {
		dev = &deviceState{}
		s.devices[deviceID] = dev
	}
	return dev
}

// EnsureInitialized initializes deviceID's queue subsystem if it has not been already.
func (s *ExchangeService) EnsureInitialized(ctx context.Context, deviceID int32) error {
	dev := s.device(deviceID)
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return s.ensureInitializedLocked(ctx, deviceID, dev)
}

func (s *ExchangeService) ensureInitializedLocked(ctx context.Context, deviceID int32, dev *deviceState) error {
	if dev.initialized {
		return nil
	}
	log := klog.FromContext(ctx)
	if err := s.driver.InitQueueSystem(ctx, deviceID); err != nil {
		return wrapDriverError(err, "initializing queue system on device %d", deviceID)
	}
	dev.initialized = true
	log.Info("initialized queue system", "device", deviceID)
	return nil
}

func (s *ExchangeService) CreateQueue(ctx context.Context, deviceID int32, name string, depth uint32, workMode WorkMode) (uint32, error) {
	log := klog.FromContext(ctx)

	if len(name) >= QueueNameMaxLen {
		return 0, status.Errorf(codes.InvalidArgument, "queue name %q is %d bytes, maximum is %d", name, len(name), QueueNameMaxLen-1)
	}

	dev := s.device(deviceID)
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if err := s.ensureInitializedLocked(ctx, deviceID, dev); err != nil {
		return 0, err
	}

	queueID, err := s.driver.CreateQueue(ctx, deviceID, QueueAttr{Name: name, Depth: depth, WorkMode: workMode})
	s.metrics.RecordQueueOperation("create", err)
	if err != nil {
		return 0, wrapDriverError(err, "creating queue %q on device %d", name, deviceID)
	}
	log.V(2).Info("created queue", "device", deviceID, "name", name, "depth", depth, "queueID", queueID)
	return queueID, nil
}

// LookupQueue returns the id of an existing queue named name on deviceID.
// A missing queue is reported with an error wrapping ErrQueueNotFound.
func (s *ExchangeService) LookupQueue(ctx context.Context, deviceID int32, name string) (uint32, error) {
	dev := s.device(deviceID)
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if err := s.ensureInitializedLocked(ctx, deviceID, dev); err != nil {
		return 0, err
	}

	queueID, err := s.driver.LookupQueue(ctx, deviceID, name)
	s.metrics.RecordQueueOperation("lookup", err)
	if err != nil {
		return 0, wrapDriverError(err, "looking up queue %q on device %d", name, deviceID)
	}
	return queueID, nil
}

func (s *ExchangeService) DestroyQueue(ctx context.Context, deviceID int32, queueID uint32) error {
	log := klog.FromContext(ctx)

	err := s.driver.DestroyQueue(ctx, deviceID, queueID)
	s.metrics.RecordQueueOperation("destroy", err)
	if err != nil {
		return wrapDriverError(err, "destroying queue %d on device %d", queueID, deviceID)
	}
	log.V(2).Info("destroyed queue", "device", deviceID, "queueID", queueID)
	return nil
}

func (s *ExchangeService) Enqueue(ctx context.Context, deviceID int32, queueID uint32, data []byte) error {
	err := s.driver.Enqueue(ctx, deviceID, queueID, data)
	s.metrics.RecordQueueOperation("enqueue", err)
	if err != nil {
		return wrapDriverError(err, "enqueueing %d bytes to queue %d on device %d", len(data), queueID, deviceID)
	}
	s.metrics.RecordQueueBytes("enqueue", len(data))
	return nil
}

// EnqueueWithFill allocates a size-byte buffer, lets fill populate it, then enqueues it.
func (s *ExchangeService) EnqueueWithFill(ctx context.Context, deviceID int32, queueID uint32, size int, fill func(buf []byte) error) error {
	if size < 0 {
		return status.Errorf(codes.InvalidArgument, "invalid enqueue size %d", size)
	}
	buf := alignedBuffer(size)
	if err := fill(buf); err != nil {
		return fmt.Errorf("filling %d byte buffer for queue %d: %w", size, queueID, err)
	}
	return s.Enqueue(ctx, deviceID, queueID, buf)
}

func (s *ExchangeService) Peek(ctx context.Context, deviceID int32, queueID uint32) (int, error) {
	size, err := s.driver.Peek(ctx, deviceID, queueID)
	if err != nil {
		return 0, wrapDriverError(err, "peeking queue %d on device %d", queueID, deviceID)
	}
	return size, nil
}

// Dequeue removes the next item into buf. An item larger than buf is a
// producer/consumer contract violation and buf is left untouched.
func (s *ExchangeService) Dequeue(ctx context.Context, deviceID int32, queueID uint32, buf []byte) (ControlInfo, error) {
	size, err := s.Peek(ctx, deviceID, queueID)
	if err != nil {
		return ControlInfo{}, err
	}
	if size > len(buf) {
		return ControlInfo{}, status.Errorf(codes.Internal, "queue %d on device %d holds a %d byte item, buffer capacity is %d", queueID, deviceID, size, len(buf))
	}

	n, err := s.driver.Dequeue(ctx, deviceID, queueID, buf[:size])
	s.metrics.RecordQueueOperation("dequeue", err)
	if err != nil {
		return ControlInfo{}, wrapDriverError(err, "dequeueing from queue %d on device %d", queueID, deviceID)
	}
	s.metrics.RecordQueueBytes("dequeue", n)
	return ControlInfo{DataSize: n}, nil
}

// DequeueTensor reads one tensor item. t.Desc.DataType and t.Desc.Format must be set;
// the shape is taken from the item header and the payload becomes t.Data.
func (s *ExchangeService) DequeueTensor(ctx context.Context, deviceID int32, queueID uint32, t *tensor.Tensor) error {
	size, err := s.Peek(ctx, deviceID, queueID)
	if err != nil {
		return err
	}
	item := alignedBuffer(size)
	info, err := s.Dequeue(ctx, deviceID, queueID, item)
	if err != nil {
		return err
	}
	item = item[:info.DataSize]

	shape, err := DecodeTensorHeader(item)
	if err != nil {
		return err
	}
	payloadSize, err := tensor.MemSize(shape, t.Desc.Format, t.Desc.DataType)
	if err != nil {
		return status.Errorf(codes.Internal, "computing payload size of tensor %v: %v", shape, err)
	}
	if int64(len(item)) < TensorHeaderSize+payloadSize {
		return status.Errorf(codes.Internal, "tensor item of %d bytes is too small for shape %v (%d payload bytes)", len(item), shape, payloadSize)
	}

	data := alignedBuffer(int(payloadSize))
	copy(data, item[TensorHeaderSize:TensorHeaderSize+payloadSize])
	t.Data = data
	t.Desc.Shape = shape
	return nil
}

// EnqueueTensor writes t as one tensor item (header followed by payload).
func (s *ExchangeService) EnqueueTensor(ctx context.Context, deviceID int32, queueID uint32, t *tensor.Tensor) error {
	payloadSize, err := tensorPayloadSize(t)
	if err != nil {
		return err
	}
	return s.EnqueueWithFill(ctx, deviceID, queueID, TensorHeaderSize+int(payloadSize), func(buf []byte) error {
		return fillTensorItem(buf, t, payloadSize)
	})
}
