package main

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/flowdeploy/pkg/deployer"
	"k8s.io/examples/AI/flowdeploy/pkg/exchange"
	"k8s.io/examples/AI/flowdeploy/pkg/executor"
	"k8s.io/examples/AI/flowdeploy/pkg/tensor"
)

// controlItem is enqueued on every root control input to trigger one evaluation.
var controlItem = []byte{1}

type sessionQueues interface {
	executor.TensorQueues
	Enqueue(ctx context.Context, deviceID int32, queueID uint32, data []byte) error
}

var _ sessionQueues = (*exchange.ExchangeService)(nil)

// session drives a deployed model in-process: it moves items across bindings and
// steps every submodel whose inputs are ready, until the root outputs are filled.
type session struct {
	queues    sessionQueues
	executor  *executor.LocalExecutor
	deployer  *deployer.ModelDeployer
	move      func(ctx context.Context) (int, error)
	maxRounds int
}

func (s *session) infer(ctx context.Context, result *deployer.DeployResult, in *tensor.Tensor) ([][]float32, error) {
	log := klog.FromContext(ctx)

	deployed, found := s.deployer.Model(result.ModelID)
	if !found {
		return nil, status.Errorf(codes.NotFound, "model %d is not deployed", result.ModelID)
	}

	for _, queueID := range result.InputQueueIDs {
		if err := s.queues.EnqueueTensor(ctx, result.DeviceID, queueID, in); err != nil {
			return nil, fmt.Errorf("feeding root input queue %d: %w", queueID, err)
		}
	}
	for _, queueID := range result.ControlInputQueueIDs {
		if err := s.queues.Enqueue(ctx, result.DeviceID, queueID, controlItem); err != nil {
			return nil, fmt.Errorf("feeding root control queue %d: %w", queueID, err)
		}
	}

	names := make([]string, 0, len(deployed.SubmodelIDs))
	for name := range deployed.SubmodelIDs {
		names = append(names, name)
	}
	sort.Strings(names)

	for round := 0; round < s.maxRounds; round++ {
		done, err := s.outputsReady(ctx, result)
		if err != nil {
			return nil, err
		}
		if done {
			return s.readOutputs(ctx, result)
		}

		progress := 0
		if s.move != nil {
			moved, err := s.move(ctx)
			if err != nil {
				return nil, fmt.Errorf("moving items between queues: %w", err)
			}
			progress += moved
		}
		for _, name := range names {
			submodelID := deployed.SubmodelIDs[name]
			ready, err := s.executor.Ready(ctx, submodelID)
			if err != nil {
				return nil, err
			}
			if !ready {
				continue
			}
			if err := s.executor.Step(ctx, submodelID); err != nil {
				return nil, err
			}
			progress++
		}
		log.V(2).Info("finished round", "round", round, "progress", progress)
		if progress == 0 {
			return nil, status.Errorf(codes.FailedPrecondition, "model %q stalled before producing its outputs", deployed.Name)
		}
	}
	return nil, status.Errorf(codes.DeadlineExceeded, "model %q produced no outputs after %d rounds", deployed.Name, s.maxRounds)
}

func (s *session) outputsReady(ctx context.Context, result *deployer.DeployResult) (bool, error) {
	for _, queueID := range result.OutputQueueIDs {
		_, err := s.queues.Peek(ctx, result.DeviceID, queueID)
		if errors.Is(err, exchange.ErrQueueEmpty) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("checking root output queue %d: %w", queueID, err)
		}
	}
	return true, nil
}

func (s *session) readOutputs(ctx context.Context, result *deployer.DeployResult) ([][]float32, error) {
	var outputs [][]float32
	for _, queueID := range result.OutputQueueIDs {
		out := &tensor.Tensor{Desc: tensor.Desc{DataType: tensor.DTFloat32, Format: tensor.FormatND}}
		if err := s.queues.DequeueTensor(ctx, result.DeviceID, queueID, out); err != nil {
			return nil, fmt.Errorf("reading root output queue %d: %w", queueID, err)
		}
		values, err := out.Float32Values()
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, values)
	}
	return outputs, nil
}
