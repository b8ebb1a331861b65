package engine

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"k8s.io/examples/AI/flowdeploy/pkg/tensor"
)

// Evaluate binds inputs to the graph's input tensors (in order) and returns the graph outputs (in order).
// The scope must already have the graph registered.
func Evaluate(scope Scope, graph *GraphDef, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(inputs) != len(graph.Inputs) {
		return nil, status.Errorf(codes.InvalidArgument, "graph has %d inputs, got %d tensors", len(graph.Inputs), len(inputs))
	}
	for i, id := range graph.Inputs {
		if err := scope.BindInput(id, inputs[i]); err != nil {
			return nil, fmt.Errorf("binding input %d: %w", i, err)
		}
	}

	if err := scope.Evaluate(graph.Outputs); err != nil {
		return nil, err
	}

	allTensors := scope.AllTensors()
	results := make([]*tensor.Tensor, 0, len(graph.Outputs))
	for _, outputTensorID := range graph.Outputs {
		t, found := allTensors[outputTensorID]
		if !found {
			return nil, status.Errorf(codes.InvalidArgument, "tensor %d not found", outputTensorID)
		}
		result := &tensor.Tensor{}
		if err := t.CopyDataTo(result); err != nil {
			return nil, err
		}
		results = append(results, result)
	}

	return results, nil
}
