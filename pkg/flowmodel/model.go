package flowmodel

import (
	"k8s.io/examples/AI/flowdeploy/pkg/device"
	"k8s.io/examples/AI/flowdeploy/pkg/engine"
)

// Submodel is one independently loadable instance of a logical model.
// Several instances may share a ModelName; Name is unique within a group.
type Submodel struct {
	Name      string      `yaml:"name" validate:"required"`
	ModelName string      `yaml:"model" validate:"required"`
	Device    device.Info `yaml:"device"`

	// ArtifactHash names the blob holding the submodel's graph, when Graph is not inline.
	ArtifactHash string           `yaml:"artifact,omitempty"`
	Graph        *engine.GraphDef `yaml:"graph,omitempty"`
}

// Group is a set of submodel instances wired together by a relation.
// The root model (the caller) lives on RootDevice.
type Group struct {
	Name       string         `yaml:"name" validate:"required"`
	RootDevice device.Info    `yaml:"rootDevice"`
	Relation   *ModelRelation `yaml:"relation" validate:"required"`
	Submodels  []*Submodel    `yaml:"submodels" validate:"required,min=1,dive,required"`
}

// FlowModel is the unit handed to the model deployer.
type FlowModel struct {
	Name   string   `yaml:"name" validate:"required"`
	Groups []*Group `yaml:"groups" validate:"dive,required"`
}

// InstancesByModel returns the group's instances keyed by logical model name, preserving declaration order.
func (g *Group) InstancesByModel() map[string][]*Submodel {
	out := make(map[string][]*Submodel)
	for _, submodel := range g.Submodels {
		out[submodel.ModelName] = append(out[submodel.ModelName], submodel)
	}
	return out
}
