package fallback

import (
	"fmt"
	"math"

	"k8s.io/examples/AI/flowdeploy/pkg/engine"
	"k8s.io/examples/AI/flowdeploy/pkg/tensor"
)

type TensorID = engine.TensorID

type CalculationScope struct {
	tensors map[TensorID]*tensorValue
	inputs  map[TensorID]bool
}

var _ engine.Scope = (*CalculationScope)(nil)

func NewCalculationScope() (*CalculationScope, error) {
	return &CalculationScope{
		tensors: make(map[TensorID]*tensorValue),
		inputs:  make(map[TensorID]bool),
	}, nil
}

func (c *CalculationScope) Close() error {
	return nil
}

func (c *CalculationScope) AllTensors() map[TensorID]engine.Tensor {
	tensors := make(map[TensorID]engine.Tensor, len(c.tensors))
	for _, t := range c.tensors {
		tensors[t.id] = t
	}
	return tensors
}

func (c *CalculationScope) RegisterGraph(graph *engine.GraphDef) error {
	if err := graph.Validate(); err != nil {
		return err
	}
	for _, id := range graph.Inputs {
		if _, ok := c.tensors[id]; ok {
			return fmt.Errorf("tensor %d already registered", id)
		}
		c.tensors[id] = &tensorValue{id: id}
		c.inputs[id] = true
	}
	for i := range graph.Nodes {
		node := &graph.Nodes[i]
		if _, ok := c.tensors[node.ID]; ok {
			return fmt.Errorf("tensor %d already registered", node.ID)
		}
		c.tensors[node.ID] = &tensorValue{
			id:           node.ID,
			node:         node,
			dependencies: append([]TensorID(nil), node.Dependencies()...),
		}
	}
	return nil
}

func (c *CalculationScope) BindInput(id TensorID, value *tensor.Tensor) error {
	if !c.inputs[id] {
		return fmt.Errorf("tensor %d is not a graph input", id)
	}
	values, err := value.Float32Values()
	if err != nil {
		return fmt.Errorf("tensor %d: %w", id, err)
	}
	t := c.tensors[id]
	t.shape = append(tensor.Shape(nil), value.Desc.Shape...)
	t.values = values
	return nil
}

func (c *CalculationScope) Evaluate(wantTensors []TensorID) error {
	for _, t := range c.tensors {
		if !c.inputs[t.id] {
			t.values = nil
			t.shape = nil
		}
	}

	evaluationOrder, err := engine.EvaluationOrder(c, wantTensors)
	if err != nil {
		return err
	}

	for _, tensorID := range evaluationOrder {
		t, ok := c.tensors[tensorID]
		if !ok {
			return fmt.Errorf("tensor %d not found", tensorID)
		}
		if err := c.evaluateTensor(t); err != nil {
			return err
		}
	}

	return nil
}

// copyValues copies values into a non-nil slice; nil marks a tensor as not computed.
func copyValues(values []float32) []float32 {
	out := make([]float32, len(values))
	copy(out, values)
	return out
}

func (c *CalculationScope) evaluateTensor(t *tensorValue) error {
	if c.inputs[t.id] {
		if t.values == nil {
			return fmt.Errorf("input tensor %d is not bound", t.id)
		}
		return nil
	}

	sources, err := c.getSourceTensors(t.node.Sources...)
	if err != nil {
		return err
	}

	switch t.node.Op {
	case engine.OpIdentity:
		t.shape = sources[0].shape
		t.values = copyValues(sources[0].values)
		return nil

	case engine.OpLinearScale:
		values := copyValues(sources[0].values)
		for i := range values {
			values[i] *= t.node.Scale
		}
		t.shape = sources[0].shape
		t.values = values
		return nil

	case engine.OpRMSNorm:
		epsilon := float32(1e-5)
		if v := t.node.Epsilon; v != 0 {
			epsilon = v
		}

		values := copyValues(sources[0].values)
		if len(values) == 0 {
			return fmt.Errorf("tensor %d: rms_norm of empty tensor", t.id)
		}
		sum_x2 := float32(0)
		for i := range values {
			v := values[i]
			sum_x2 += v * v
		}
		mean := sum_x2 / float32(len(values))
		rms := float32(1.0 / math.Sqrt(float64(mean)+float64(epsilon)))
		for i := range values {
			values[i] *= rms
		}
		t.shape = sources[0].shape
		t.values = values
		return nil

	case engine.OpAdd, engine.OpMul:
		a, b := sources[0], sources[1]
		if !sameSize(a, b) {
			return fmt.Errorf("tensor %d: %s of mismatched shapes %v and %v", t.id, t.node.Op, a.shape, b.shape)
		}
		values := make([]float32, len(a.values))
		for i := range values {
			if t.node.Op == engine.OpAdd {
				values[i] = a.values[i] + b.values[i]
			} else {
				values[i] = a.values[i] * b.values[i]
			}
		}
		t.shape = a.shape
		t.values = values
		return nil

	default:
		return fmt.Errorf("unsupported operation: %v", t.node.Op)
	}
}

func (c *CalculationScope) getSourceTensors(dependencies ...TensorID) ([]*tensorValue, error) {
	out := make([]*tensorValue, len(dependencies))
	for i, dependency := range dependencies {
		dependencyTensor, found := c.tensors[dependency]
		if !found {
			return nil, fmt.Errorf("source tensor %d not found", dependency)
		}
		if dependencyTensor.values == nil {
			return nil, fmt.Errorf("source tensor %d has not been computed", dependency)
		}
		out[i] = dependencyTensor
	}
	return out, nil
}
