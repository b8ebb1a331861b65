package deployer

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/flowdeploy/pkg/flowmodel"
	"k8s.io/examples/AI/flowdeploy/pkg/metrics"
	"k8s.io/examples/AI/flowdeploy/pkg/planner"
)

// Executor loads submodels onto the device and runs them against their queues.
type Executor interface {
	LoadSubmodel(ctx context.Context, submodel *flowmodel.Submodel, queues *ModelQueueIDs) (uint32, error)
	UnloadSubmodel(ctx context.Context, submodelID uint32) error
}

// DeviceAccessor reports the device that deploys should target.
type DeviceAccessor interface {
	CurrentDeviceID(ctx context.Context) (int32, error)
}

// StaticDevice is a DeviceAccessor that always returns the same device.
type StaticDevice int32

func (d StaticDevice) CurrentDeviceID(ctx context.Context) (int32, error) {
	return int32(d), nil
}

// DeployedModel is a model that is live on a device.
type DeployedModel struct {
	ID          uint32
	Name        string
	Plan        *planner.DeployPlan
	Exchange    *DeployedExchange
	SubmodelIDs map[string]uint32
}

// DeployResult is what a caller needs to talk to a deployed model.
type DeployResult struct {
	ModelID              uint32
	DeviceID             int32
	InputQueueIDs        []uint32
	ControlInputQueueIDs []uint32
	OutputQueueIDs       []uint32
}

type ModelDeployer struct {
	service  QueueService
	executor Executor
	devices  DeviceAccessor
	binder   QueueBinder
	metrics  *metrics.Registry

	nextModelID atomic.Uint32
	maxModelID  uint32

	mu     sync.Mutex
	models map[uint32]*DeployedModel
}

func NewModelDeployer(service QueueService, executor Executor, devices DeviceAccessor, binder QueueBinder, metrics *metrics.Registry) *ModelDeployer {
	return &ModelDeployer{
		service:    service,
		executor:   executor,
		devices:    devices,
		binder:     binder,
		metrics:    metrics,
		maxModelID: math.MaxUint32,
		models:     make(map[uint32]*DeployedModel),
	}
}

func (d *ModelDeployer) allocateModelID() (uint32, error) {
	for {
		id := d.nextModelID.Load()
		if id >= d.maxModelID {
			return 0, status.Errorf(codes.ResourceExhausted, "model ids are exhausted (next id %d)", id)
		}
		if d.nextModelID.CompareAndSwap(id, id+1) {
			return id, nil
		}
	}
}

// DeployModel plans, creates and loads a flow model with exactly one group.
// Either the model is fully deployed, or nothing created by this call remains.
func (d *ModelDeployer) DeployModel(ctx context.Context, model *flowmodel.FlowModel) (result *DeployResult, err error) {
	start := time.Now()
	defer func() {
		d.metrics.RecordDeploy(err, time.Since(start))
	}()

	if model == nil || len(model.Groups) != 1 {
		groups := 0
		if model != nil {
			groups = len(model.Groups)
		}
		return nil, status.Errorf(codes.InvalidArgument, "deploying requires exactly one submodel group, got %d", groups)
	}
	group := model.Groups[0]
	if err := flowmodel.ValidateGroup(group); err != nil {
		return nil, err
	}

	modelID, err := d.allocateModelID()
	if err != nil {
		return nil, err
	}

	log := klog.FromContext(ctx).WithValues("model", model.Name, "modelID", modelID, "deployAttempt", uuid.NewString())
	ctx = klog.NewContext(ctx, log)

	plan, err := planner.NewDeployPlanner(group).BuildPlan(ctx)
	if err != nil {
		return nil, fmt.Errorf("planning model %q: %w", model.Name, err)
	}

	deviceID, err := d.devices.CurrentDeviceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting current device: %w", err)
	}

	exchangeDeployer := NewExchangeDeployer(d.service, plan, deviceID, d.binder, d.metrics)
	if err := exchangeDeployer.Initialize(ctx); err != nil {
		return nil, err
	}
	exch, err := exchangeDeployer.DeployModelExchange(ctx)
	if err != nil {
		return nil, fmt.Errorf("deploying exchange of model %q: %w", model.Name, err)
	}

	deployed := &DeployedModel{
		ID:          modelID,
		Name:        model.Name,
		Plan:        plan,
		Exchange:    exch,
		SubmodelIDs: make(map[string]uint32),
	}

	shouldUndeploy := true
	defer func() {
		if shouldUndeploy {
			log.Info("rolling back model deploy")
			d.undeployModel(ctx, deployed)
		}
	}()

	for _, name := range plan.SubmodelNames() {
		queues, ok := exch.SubmodelQueues(name)
		if !ok {
			return nil, status.Errorf(codes.Internal, "no queues resolved for submodel %q", name)
		}
		submodelID, err := d.executor.LoadSubmodel(ctx, plan.Submodels()[name].Model, queues)
		if err != nil {
			return nil, fmt.Errorf("loading submodel %q: %w", name, err)
		}
		deployed.SubmodelIDs[name] = submodelID
		log.V(2).Info("loaded submodel", "submodel", name, "submodelID", submodelID)
	}

	d.mu.Lock()
	d.models[modelID] = deployed
	d.mu.Unlock()
	shouldUndeploy = false

	log.Info("deployed model", "device", deviceID, "submodels", len(deployed.SubmodelIDs))
	return &DeployResult{
		ModelID:              modelID,
		DeviceID:             deviceID,
		InputQueueIDs:        exch.RootInputQueueIDs(),
		ControlInputQueueIDs: exch.RootControlInputQueueIDs(),
		OutputQueueIDs:       exch.RootOutputQueueIDs(),
	}, nil
}

// Model returns a deployed model by id.
func (d *ModelDeployer) Model(modelID uint32) (*DeployedModel, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.models[modelID]
	return m, ok
}

// ModelIDs returns the ids of all deployed models in ascending order.
func (d *ModelDeployer) ModelIDs() []uint32 {
	d.mu.Lock()
	ids := make([]uint32, 0, len(d.models))
	for id := range d.models {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Undeploy unloads the model's submodels and destroys its queues.
// An unknown model id is reported as codes.NotFound.
func (d *ModelDeployer) Undeploy(ctx context.Context, modelID uint32) error {
	log := klog.FromContext(ctx)

	d.mu.Lock()
	deployed, found := d.models[modelID]
	delete(d.models, modelID)
	d.mu.Unlock()

	d.metrics.RecordUndeploy(found)
	if !found {
		return status.Errorf(codes.NotFound, "model id %d is not deployed", modelID)
	}

	d.undeployModel(ctx, deployed)
	log.Info("undeployed model", "modelID", modelID, "model", deployed.Name)
	return nil
}

func (d *ModelDeployer) undeployModel(ctx context.Context, deployed *DeployedModel) {
	log := klog.FromContext(ctx)

	names := make([]string, 0, len(deployed.SubmodelIDs))
	for name := range deployed.SubmodelIDs {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		submodelID := deployed.SubmodelIDs[name]
		if err := d.executor.UnloadSubmodel(ctx, submodelID); err != nil {
			log.Error(err, "failed to unload submodel", "submodel", name, "submodelID", submodelID)
		}
	}
	UndeployModelExchange(ctx, d.service, deployed.Exchange)
}

// Finalize undeploys every deployed model.
func (d *ModelDeployer) Finalize(ctx context.Context) {
	log := klog.FromContext(ctx)
	for _, modelID := range d.ModelIDs() {
		if err := d.Undeploy(ctx, modelID); err != nil {
			log.Error(err, "failed to undeploy model during finalize", "modelID", modelID)
		}
	}
}
