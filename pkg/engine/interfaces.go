package engine

import (
	"io"

	"k8s.io/examples/AI/flowdeploy/pkg/tensor"
)

type TensorID int32

// Scope evaluates one submodel graph. Inputs are bound per evaluation.
type Scope interface {
	io.Closer

	RegisterGraph(graph *GraphDef) error
	BindInput(id TensorID, value *tensor.Tensor) error
	AllTensors() map[TensorID]Tensor
	Evaluate(wantTensors []TensorID) error
}

type Tensor interface {
	TensorID() TensorID
	Dependencies() []TensorID
	CopyDataTo(result *tensor.Tensor) error
}
