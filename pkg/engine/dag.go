package engine

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// EvaluationOrder returns the tensors needed to compute wantTensors, each listed after its dependencies.
// Tensors no wanted tensor depends on are left out.
func EvaluationOrder(scope Scope, wantTensors []TensorID) ([]TensorID, error) {
	allTensors := scope.AllTensors()

	const (
		visiting = 1
		visited  = 2
	)
	state := make(map[TensorID]int)
	var order []TensorID

	var visit func(id TensorID, from TensorID) error
	visit = func(id TensorID, from TensorID) error {
		switch state[id] {
		case visited:
			return nil
		case visiting:
			return status.Errorf(codes.InvalidArgument, "tensor %d depends on itself through tensor %d", id, from)
		}

		t, found := allTensors[id]
		if !found {
			return status.Errorf(codes.InvalidArgument, "tensor %d (needed by tensor %d) is not in the graph", id, from)
		}
		state[id] = visiting
		for _, dep := range t.Dependencies() {
			if err := visit(dep, id); err != nil {
				return err
			}
		}
		state[id] = visited
		order = append(order, id)
		return nil
	}

	for _, id := range wantTensors {
		if err := visit(id, id); err != nil {
			return nil, err
		}
	}
	return order, nil
}
