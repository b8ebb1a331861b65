package fallback

import (
	"fmt"
	"slices"

	"k8s.io/examples/AI/flowdeploy/pkg/engine"
	"k8s.io/examples/AI/flowdeploy/pkg/tensor"
)

type tensorValue struct {
	id   TensorID
	node *engine.NodeDef

	shape  tensor.Shape
	values []float32

	dependencies []TensorID
}

func (t *tensorValue) NDimensions() int {
	return len(t.shape)
}

func sameSize(t1 *tensorValue, t2 *tensorValue) bool {
	return slices.Equal(t1.shape, t2.shape)
}

func (t *tensorValue) CopyDataTo(result *tensor.Tensor) error {
	if t.values == nil {
		return fmt.Errorf("tensor %d has not been computed", t.id)
	}
	out, err := tensor.FromFloat32(t.shape, t.values)
	if err != nil {
		return fmt.Errorf("tensor %d: %w", t.id, err)
	}
	*result = *out
	return nil
}

func (t *tensorValue) Dependencies() []TensorID {
	return t.dependencies
}

func (t *tensorValue) TensorID() TensorID {
	return t.id
}
