// Package executor runs submodel graphs on the host against their deployed queues.
package executor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/flowdeploy/pkg/blobs"
	"k8s.io/examples/AI/flowdeploy/pkg/deployer"
	"k8s.io/examples/AI/flowdeploy/pkg/engine"
	"k8s.io/examples/AI/flowdeploy/pkg/engine/fallback"
	"k8s.io/examples/AI/flowdeploy/pkg/exchange"
	"k8s.io/examples/AI/flowdeploy/pkg/flowmodel"
	"k8s.io/examples/AI/flowdeploy/pkg/tensor"
)

// TensorQueues is the data path the executor reads and writes.
type TensorQueues interface {
	Peek(ctx context.Context, deviceID int32, queueID uint32) (int, error)
	Dequeue(ctx context.Context, deviceID int32, queueID uint32, buf []byte) (exchange.ControlInfo, error)
	DequeueTensor(ctx context.Context, deviceID int32, queueID uint32, t *tensor.Tensor) error
	EnqueueTensor(ctx context.Context, deviceID int32, queueID uint32, t *tensor.Tensor) error
}

var _ TensorQueues = (*exchange.ExchangeService)(nil)

// ArtifactReader returns the contents of a stored artifact.
type ArtifactReader interface {
	ReadArtifact(ctx context.Context, info blobs.BlobInfo) ([]byte, error)
}

var _ ArtifactReader = (*blobs.ArtifactLoader)(nil)

type loadedSubmodel struct {
	name   string
	graph  *engine.GraphDef
	queues *deployer.ModelQueueIDs
	scope  engine.Scope
}

// LocalExecutor evaluates submodels with the fallback engine. Steps are driven by the caller.
type LocalExecutor struct {
	queues    TensorQueues
	artifacts ArtifactReader

	mu     sync.Mutex
	nextID uint32
	loaded map[uint32]*loadedSubmodel
}

var _ deployer.Executor = (*LocalExecutor)(nil)

// NewLocalExecutor builds an executor; artifacts may be nil when every submodel carries its graph inline.
func NewLocalExecutor(queues TensorQueues, artifacts ArtifactReader) *LocalExecutor {
	return &LocalExecutor{
		queues:    queues,
		artifacts: artifacts,
		loaded:    make(map[uint32]*loadedSubmodel),
	}
}

// ParseGraph decodes and validates a YAML graph artifact.
func ParseGraph(data []byte) (*engine.GraphDef, error) {
	graph := &engine.GraphDef{}
	if err := yaml.Unmarshal(data, graph); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "parsing graph: %v", err)
	}
	if err := graph.Validate(); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid graph: %v", err)
	}
	return graph, nil
}

func (e *LocalExecutor) resolveGraph(ctx context.Context, submodel *flowmodel.Submodel) (*engine.GraphDef, error) {
	if submodel.Graph != nil {
		return submodel.Graph, nil
	}
	if submodel.ArtifactHash == "" {
		return nil, status.Errorf(codes.InvalidArgument, "submodel %q has neither a graph nor an artifact", submodel.Name)
	}
	if e.artifacts == nil {
		return nil, status.Errorf(codes.FailedPrecondition, "submodel %q needs artifact %q but no artifact store is configured", submodel.Name, submodel.ArtifactHash)
	}
	data, err := e.artifacts.ReadArtifact(ctx, blobs.BlobInfo{Hash: submodel.ArtifactHash})
	if err != nil {
		return nil, fmt.Errorf("reading artifact of submodel %q: %w", submodel.Name, err)
	}
	return ParseGraph(data)
}

func (e *LocalExecutor) LoadSubmodel(ctx context.Context, submodel *flowmodel.Submodel, queues *deployer.ModelQueueIDs) (uint32, error) {
	log := klog.FromContext(ctx)

	graph, err := e.resolveGraph(ctx, submodel)
	if err != nil {
		return 0, err
	}
	if len(graph.Inputs) != len(queues.InputQueueIDs) {
		return 0, status.Errorf(codes.InvalidArgument, "submodel %q graph has %d inputs but %d data input queues", submodel.Name, len(graph.Inputs), len(queues.InputQueueIDs))
	}
	if len(graph.Outputs) != len(queues.OutputQueueIDs) {
		return 0, status.Errorf(codes.InvalidArgument, "submodel %q graph has %d outputs but %d output queues", submodel.Name, len(graph.Outputs), len(queues.OutputQueueIDs))
	}

	scope, err := fallback.NewCalculationScope()
	if err != nil {
		return 0, fmt.Errorf("creating calculation scope: %w", err)
	}
	if err := scope.RegisterGraph(graph); err != nil {
		scope.Close()
		return 0, status.Errorf(codes.InvalidArgument, "registering graph of submodel %q: %v", submodel.Name, err)
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.loaded[id] = &loadedSubmodel{name: submodel.Name, graph: graph, queues: queues, scope: scope}
	e.mu.Unlock()

	log.Info("loaded submodel", "submodel", submodel.Name, "submodelID", id, "inputs", len(queues.InputQueueIDs), "controlInputs", len(queues.ControlInputQueueIDs), "outputs", len(queues.OutputQueueIDs))
	return id, nil
}

func (e *LocalExecutor) UnloadSubmodel(ctx context.Context, submodelID uint32) error {
	log := klog.FromContext(ctx)

	e.mu.Lock()
	submodel, found := e.loaded[submodelID]
	delete(e.loaded, submodelID)
	e.mu.Unlock()

	if !found {
		return status.Errorf(codes.NotFound, "submodel %d is not loaded", submodelID)
	}
	if err := submodel.scope.Close(); err != nil {
		return fmt.Errorf("closing scope of submodel %q: %w", submodel.name, err)
	}
	log.Info("unloaded submodel", "submodel", submodel.name, "submodelID", submodelID)
	return nil
}

// Loaded returns the ids of loaded submodels in ascending order.
func (e *LocalExecutor) Loaded() []uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]uint32, 0, len(e.loaded))
	for id := range e.loaded {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Ready reports whether every data and control input of the submodel holds at least one item.
func (e *LocalExecutor) Ready(ctx context.Context, submodelID uint32) (bool, error) {
	e.mu.Lock()
	submodel, found := e.loaded[submodelID]
	e.mu.Unlock()
	if !found {
		return false, status.Errorf(codes.NotFound, "submodel %d is not loaded", submodelID)
	}

	err := e.checkInputs(ctx, submodel)
	if errors.Is(err, exchange.ErrQueueEmpty) {
		return false, nil
	}
	return err == nil, err
}

// checkInputs peeks every data and control input; an empty one yields an error wrapping exchange.ErrQueueEmpty.
func (e *LocalExecutor) checkInputs(ctx context.Context, submodel *loadedSubmodel) error {
	queues := submodel.queues
	for _, queueID := range queues.AllInputQueueIDs() {
		if _, err := e.queues.Peek(ctx, queues.DeviceID, queueID); err != nil {
			return fmt.Errorf("checking input queue %d of submodel %q: %w", queueID, submodel.name, err)
		}
	}
	return nil
}

// Step runs one evaluation of a loaded submodel: one item is consumed from every control
// input and one tensor from every data input, and one tensor is written to every output.
// Nothing is consumed unless every input holds an item.
func (e *LocalExecutor) Step(ctx context.Context, submodelID uint32) error {
	log := klog.FromContext(ctx)

	e.mu.Lock()
	submodel, found := e.loaded[submodelID]
	e.mu.Unlock()
	if !found {
		return status.Errorf(codes.NotFound, "submodel %d is not loaded", submodelID)
	}

	if err := e.checkInputs(ctx, submodel); err != nil {
		return err
	}

	queues := submodel.queues
	for _, queueID := range queues.ControlInputQueueIDs {
		size, err := e.queues.Peek(ctx, queues.DeviceID, queueID)
		if err != nil {
			return fmt.Errorf("waiting for control input of submodel %q: %w", submodel.name, err)
		}
		if _, err := e.queues.Dequeue(ctx, queues.DeviceID, queueID, make([]byte, size)); err != nil {
			return fmt.Errorf("reading control input of submodel %q: %w", submodel.name, err)
		}
	}

	inputs := make([]*tensor.Tensor, 0, len(queues.InputQueueIDs))
	for i, queueID := range queues.InputQueueIDs {
		t := &tensor.Tensor{Desc: tensor.Desc{DataType: tensor.DTFloat32, Format: tensor.FormatND}}
		if err := e.queues.DequeueTensor(ctx, queues.DeviceID, queueID, t); err != nil {
			return fmt.Errorf("reading input %d of submodel %q: %w", i, submodel.name, err)
		}
		inputs = append(inputs, t)
	}

	outputs, err := engine.Evaluate(submodel.scope, submodel.graph, inputs)
	if err != nil {
		return fmt.Errorf("evaluating submodel %q: %w", submodel.name, err)
	}

	for i, queueID := range queues.OutputQueueIDs {
		if err := e.queues.EnqueueTensor(ctx, queues.DeviceID, queueID, outputs[i]); err != nil {
			return fmt.Errorf("writing output %d of submodel %q: %w", i, submodel.name, err)
		}
	}
	log.V(2).Info("stepped submodel", "submodel", submodel.name, "submodelID", submodelID)
	return nil
}
