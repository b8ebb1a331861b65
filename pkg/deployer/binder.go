package deployer

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"k8s.io/examples/AI/flowdeploy/pkg/device"
)

// Endpoint is one side of a binding, resolved to a live queue.
// For a group endpoint, Members holds the resolved member queues.
type Endpoint struct {
	Index    int32
	Name     string
	Device   device.Info
	DeviceID int32
	QueueID  uint32
	Members  []Endpoint
}

func (e Endpoint) IsGroup() bool {
	return len(e.Members) > 0
}

// QueueBinder moves data from src to dst. Either side may be a group.
type QueueBinder interface {
	BindQueue(ctx context.Context, src, dst Endpoint) error
}

// QueueUnbinder is implemented by binders that hold state per binding.
type QueueUnbinder interface {
	UnbindQueue(ctx context.Context, src, dst Endpoint) error
}

// UnsupportedBinder is the binder used when the environment provides no data movement.
// Plans that need a binding fail to deploy with codes.Unimplemented.
type UnsupportedBinder struct{}

var _ QueueBinder = UnsupportedBinder{}

func (UnsupportedBinder) BindQueue(ctx context.Context, src, dst Endpoint) error {
	return status.Errorf(codes.Unimplemented, "binding queue %q (%d) to %q (%d) is not supported on this device", src.Name, src.QueueID, dst.Name, dst.QueueID)
}
