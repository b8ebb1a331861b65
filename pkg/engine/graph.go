package engine

import "fmt"

type OpType string

const (
	OpIdentity    OpType = "identity"
	OpRMSNorm     OpType = "rms_norm"
	OpLinearScale OpType = "linear_scale"
	OpAdd         OpType = "add"
	OpMul         OpType = "mul"
)

// NodeDef is one computed tensor of a graph.
type NodeDef struct {
	ID      TensorID   `yaml:"id"`
	Op      OpType     `yaml:"op" validate:"required,oneof=identity rms_norm linear_scale add mul"`
	Sources []TensorID `yaml:"sources" validate:"required,min=1"`
	Scale   float32    `yaml:"scale,omitempty"`
	Epsilon float32    `yaml:"epsilon,omitempty"`
}

// GraphDef describes a submodel's computation. Inputs are bound, in order, to the
// submodel's data input queues; Outputs are written, in order, to its output queues.
type GraphDef struct {
	Inputs  []TensorID `yaml:"inputs"`
	Outputs []TensorID `yaml:"outputs"`
	Nodes   []NodeDef  `yaml:"nodes" validate:"dive"`
}

func (n *NodeDef) Dependencies() []TensorID {
	return n.Sources
}

// Validate checks arity and that every referenced tensor is defined exactly once.
func (g *GraphDef) Validate() error {
	defined := make(map[TensorID]bool)
	for _, id := range g.Inputs {
		if defined[id] {
			return fmt.Errorf("tensor %d defined more than once", id)
		}
		defined[id] = true
	}
	for _, node := range g.Nodes {
		if defined[node.ID] {
			return fmt.Errorf("tensor %d defined more than once", node.ID)
		}
		defined[node.ID] = true

		switch node.Op {
		case OpIdentity, OpRMSNorm, OpLinearScale:
			if len(node.Sources) != 1 {
				return fmt.Errorf("tensor %d: %s expects 1 source, got %d", node.ID, node.Op, len(node.Sources))
			}
		case OpAdd, OpMul:
			if len(node.Sources) != 2 {
				return fmt.Errorf("tensor %d: %s expects 2 sources, got %d", node.ID, node.Op, len(node.Sources))
			}
		default:
			return fmt.Errorf("tensor %d: unsupported operation %q", node.ID, node.Op)
		}
	}
	for _, node := range g.Nodes {
		for _, source := range node.Sources {
			if !defined[source] {
				return fmt.Errorf("tensor %d: source tensor %d is not defined", node.ID, source)
			}
		}
	}
	for _, id := range g.Outputs {
		if !defined[id] {
			return fmt.Errorf("output tensor %d is not defined", id)
		}
	}
	return nil
}
