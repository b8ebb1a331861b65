package deployer

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/flowdeploy/pkg/exchange"
	"k8s.io/examples/AI/flowdeploy/pkg/metrics"
	"k8s.io/examples/AI/flowdeploy/pkg/planner"
)

// QueueService is the part of the exchange service the deployers need.
type QueueService interface {
	CreateQueue(ctx context.Context, deviceID int32, name string, depth uint32, workMode exchange.WorkMode) (uint32, error)
	DestroyQueue(ctx context.Context, deviceID int32, queueID uint32) error
	LookupQueue(ctx context.Context, deviceID int32, name string) (uint32, error)
}

var _ QueueService = (*exchange.ExchangeService)(nil)

// QueueRecord is a planned queue and the live queue that realizes it.
// Created is set when the deploy created the queue rather than attaching to an existing one;
// teardown destroys exactly the created queues.
type QueueRecord struct {
	planner.QueueInfo
	DeviceID int32
	QueueID  uint32
	Created  bool
}

// ModelQueueIDs are the live queue ids of one model's inputs and outputs, in slot order.
type ModelQueueIDs struct {
	DeviceID             int32
	InputQueueIDs        []uint32
	ControlInputQueueIDs []uint32
	OutputQueueIDs       []uint32
}

// AllInputQueueIDs returns data inputs followed by control inputs.
func (m *ModelQueueIDs) AllInputQueueIDs() []uint32 {
	return slices.Concat(m.InputQueueIDs, m.ControlInputQueueIDs)
}

// BindingRecord is an attempted binding. Err is the binder's result.
type BindingRecord struct {
	Src Endpoint
	Dst Endpoint
	Err error
}

// DeployedExchange is the live realization of a DeployPlan.
type DeployedExchange struct {
	deviceID int32
	binder   QueueBinder

	queues    []QueueRecord
	bindings  []BindingRecord
	root      ModelQueueIDs
	submodels map[string]*ModelQueueIDs
}

func (e *DeployedExchange) DeviceID() int32 {
	return e.deviceID
}

// Queue returns the record of the queue at the given plan index.
func (e *DeployedExchange) Queue(index int32) (*QueueRecord, error) {
	if index < 0 || int(index) >= len(e.queues) {
		return nil, status.Errorf(codes.InvalidArgument, "queue index %d is out of range [0, %d)", index, len(e.queues))
	}
	return &e.queues[index], nil
}

func (e *DeployedExchange) Queues() []QueueRecord {
	return e.queues
}

func (e *DeployedExchange) Bindings() []BindingRecord {
	return e.bindings
}

func (e *DeployedExchange) Root() *ModelQueueIDs {
	return &e.root
}

func (e *DeployedExchange) RootInputQueueIDs() []uint32 {
	return e.root.InputQueueIDs
}

func (e *DeployedExchange) RootControlInputQueueIDs() []uint32 {
	return e.root.ControlInputQueueIDs
}

func (e *DeployedExchange) RootOutputQueueIDs() []uint32 {
	return e.root.OutputQueueIDs
}

// SubmodelQueues returns the resolved queue ids of the named submodel instance.
func (e *DeployedExchange) SubmodelQueues(name string) (*ModelQueueIDs, bool) {
	ids, ok := e.submodels[name]
	return ids, ok
}

// ExchangeDeployer creates the queues and bindings of one plan on one device.
type ExchangeDeployer struct {
	service  QueueService
	plan     *planner.DeployPlan
	deviceID int32
	binder   QueueBinder
	metrics  *metrics.Registry

	initialized bool
}

// NewExchangeDeployer builds a deployer; a nil binder means UnsupportedBinder.
func NewExchangeDeployer(service QueueService, plan *planner.DeployPlan, deviceID int32, binder QueueBinder, metrics *metrics.Registry) *ExchangeDeployer {
	if binder == nil {
		binder = UnsupportedBinder{}
	}
	return &ExchangeDeployer{
		service:  service,
		plan:     plan,
		deviceID: deviceID,
		binder:   binder,
		metrics:  metrics,
	}
}

// Initialize checks that every index the plan refers to is a valid queue index.
func (d *ExchangeDeployer) Initialize(ctx context.Context) error {
	n := int32(d.plan.QueueCount())
	check := func(owner string, indices []int32) error {
		for _, index := range indices {
			if index < 0 || index >= n {
				return status.Errorf(codes.InvalidArgument, "%s refers to queue index %d, plan has %d queues", owner, index, n)
			}
		}
		return nil
	}
	checkModel := func(owner string, info *planner.SubmodelInfo) error {
		if err := check(owner+" inputs", info.InputQueueIndices); err != nil {
			return err
		}
		if err := check(owner+" control inputs", info.ControlInputQueueIndices); err != nil {
			return err
		}
		return check(owner+" outputs", info.OutputQueueIndices)
	}

	if err := checkModel("root model", d.plan.Root()); err != nil {
		return err
	}
	for _, name := range d.plan.SubmodelNames() {
		if err := checkModel("submodel "+name, d.plan.Submodels()[name]); err != nil {
			return err
		}
	}
	for _, binding := range d.plan.Bindings() {
		if err := check("binding", []int32{binding.Src, binding.Dst}); err != nil {
			return err
		}
	}
	for group, members := range d.plan.Groups() {
		if err := check("group", append([]int32{group}, members...)); err != nil {
			return err
		}
	}
	d.initialized = true
	return nil
}

// DeployModelExchange creates every planned queue, binds them and resolves each model's queue ids.
// On failure every queue created by this call is destroyed before returning.
func (d *ExchangeDeployer) DeployModelExchange(ctx context.Context) (*DeployedExchange, error) {
	log := klog.FromContext(ctx)

	if !d.initialized {
		return nil, status.Errorf(codes.FailedPrecondition, "exchange deployer is not initialized")
	}

	exch := &DeployedExchange{
		deviceID:  d.deviceID,
		binder:    d.binder,
		submodels: make(map[string]*ModelQueueIDs),
	}

	shouldUndeploy := true
	defer func() {
		if shouldUndeploy {
			log.Info("rolling back model exchange", "queues", len(exch.queues))
			UndeployModelExchange(ctx, d.service, exch)
		}
	}()

	for i, info := range d.plan.Queues() {
		record, err := d.realize(ctx, info)
		if err != nil {
			return nil, fmt.Errorf("creating queue %d (%q): %w", i, info.Name, err)
		}
		exch.queues = append(exch.queues, record)
		log.V(2).Info("realized queue", "index", i, "name", info.Name, "queueID", record.QueueID, "owned", info.Owned, "created", record.Created)
	}

	for _, binding := range d.plan.Bindings() {
		src := d.endpoint(exch, binding.Src)
		dst := d.endpoint(exch, binding.Dst)
		err := d.binder.BindQueue(ctx, src, dst)
		exch.bindings = append(exch.bindings, BindingRecord{Src: src, Dst: dst, Err: err})
		d.metrics.RecordBinding(err)
		if err != nil {
			return nil, fmt.Errorf("binding queue %d to %d: %w", binding.Src, binding.Dst, err)
		}
		log.V(2).Info("bound queues", "src", binding.Src, "dst", binding.Dst)
	}

	root, err := d.resolve(exch, d.plan.Root())
	if err != nil {
		return nil, fmt.Errorf("resolving root model queues: %w", err)
	}
	exch.root = *root
	for _, name := range d.plan.SubmodelNames() {
		ids, err := d.resolve(exch, d.plan.Submodels()[name])
		if err != nil {
			return nil, fmt.Errorf("resolving queues of submodel %q: %w", name, err)
		}
		exch.submodels[name] = ids
	}

	shouldUndeploy = false
	log.Info("deployed model exchange", "device", d.deviceID, "queues", len(exch.queues), "bindings", len(exch.bindings))
	return exch, nil
}

// realize creates an owned queue. A queue that is not owned attaches to an existing queue
// of the same name on the device, and is created only when none exists.
func (d *ExchangeDeployer) realize(ctx context.Context, info planner.QueueInfo) (QueueRecord, error) {
	record := QueueRecord{QueueInfo: info, DeviceID: d.deviceID}
	if !info.Owned {
		queueID, err := d.service.LookupQueue(ctx, d.deviceID, info.Name)
		if err == nil {
			record.QueueID = queueID
			return record, nil
		}
		if !errors.Is(err, exchange.ErrQueueNotFound) {
			return record, err
		}
	}
	queueID, err := d.service.CreateQueue(ctx, d.deviceID, info.Name, info.Depth, exchange.WorkModePull)
	if err != nil {
		return record, err
	}
	record.QueueID = queueID
	record.Created = true
	return record, nil
}

func (d *ExchangeDeployer) endpoint(exch *DeployedExchange, index int32) Endpoint {
	record := &exch.queues[index]
	endpoint := Endpoint{
		Index:    index,
		Name:     record.Name,
		Device:   record.Device,
		DeviceID: record.DeviceID,
		QueueID:  record.QueueID,
	}
	for _, member := range d.plan.GroupMembers(index) {
		endpoint.Members = append(endpoint.Members, d.endpoint(exch, member))
	}
	return endpoint
}

func (d *ExchangeDeployer) resolve(exch *DeployedExchange, info *planner.SubmodelInfo) (*ModelQueueIDs, error) {
	ids := &ModelQueueIDs{DeviceID: d.deviceID}
	var err error
	if ids.InputQueueIDs, err = queueIDs(exch, info.InputQueueIndices); err != nil {
		return nil, err
	}
	if ids.ControlInputQueueIDs, err = queueIDs(exch, info.ControlInputQueueIndices); err != nil {
		return nil, err
	}
	if ids.OutputQueueIDs, err = queueIDs(exch, info.OutputQueueIndices); err != nil {
		return nil, err
	}
	return ids, nil
}

func queueIDs(exch *DeployedExchange, indices []int32) ([]uint32, error) {
	ids := make([]uint32, 0, len(indices))
	for _, index := range indices {
		record, err := exch.Queue(index)
		if err != nil {
			return nil, err
		}
		ids = append(ids, record.QueueID)
	}
	return ids, nil
}

// UndeployModelExchange tears down a deployed exchange: bindings are released when the
// binder supports it, then every queue the deploy created is destroyed. Queues it attached
// to are left alone. Failures are logged and skipped.
func UndeployModelExchange(ctx context.Context, service QueueService, exch *DeployedExchange) {
	log := klog.FromContext(ctx)

	if unbinder, ok := exch.binder.(QueueUnbinder); ok {
		for i := len(exch.bindings) - 1; i >= 0; i-- {
			binding := exch.bindings[i]
			if binding.Err != nil {
				continue
			}
			if err := unbinder.UnbindQueue(ctx, binding.Src, binding.Dst); err != nil {
				log.Error(err, "failed to unbind queues", "src", binding.Src.Index, "dst", binding.Dst.Index)
			}
		}
	}
	exch.bindings = nil

	for i := len(exch.queues) - 1; i >= 0; i-- {
		record := exch.queues[i]
		if !record.Created {
			log.V(2).Info("leaving attached queue", "index", i, "name", record.Name, "queueID", record.QueueID)
			continue
		}
		if err := service.DestroyQueue(ctx, record.DeviceID, record.QueueID); err != nil {
			log.Error(err, "failed to destroy queue", "index", i, "name", record.Name, "queueID", record.QueueID)
		}
	}
	exch.queues = nil
}
