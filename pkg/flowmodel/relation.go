package flowmodel

import (
	"slices"
)

const (
	// DefaultQueueDepth is used for queues synthesized by the deployment planner.
	DefaultQueueDepth = 128
	// MinQueueDepth is the smallest depth a queue definition may declare.
	MinQueueDepth = 2
)

// QueueDef is a named queue declared by a relation.
type QueueDef struct {
	Name      string `yaml:"name" validate:"required"`
	Depth     uint32 `yaml:"depth" validate:"gte=2"`
	IsControl bool   `yaml:"control,omitempty"`
}

// ModelQueueInfo lists the queues a model consumes and produces.
// External inputs name queues that are supplied from outside the deployment.
type ModelQueueInfo struct {
	InputQueueNames         []string `yaml:"inputs,omitempty"`
	OutputQueueNames        []string `yaml:"outputs,omitempty"`
	ExternalInputQueueNames []string `yaml:"externalInputs,omitempty"`
}

// AllInputQueueNames returns the data inputs followed by the external inputs.
// A model's input slot index is its position in this list.
func (m *ModelQueueInfo) AllInputQueueNames() []string {
	names := make([]string, 0, len(m.InputQueueNames)+len(m.ExternalInputQueueNames))
	names = append(names, m.InputQueueNames...)
	names = append(names, m.ExternalInputQueueNames...)
	return names
}

func (m *ModelQueueInfo) clone() *ModelQueueInfo {
	return &ModelQueueInfo{
		InputQueueNames:         slices.Clone(m.InputQueueNames),
		OutputQueueNames:        slices.Clone(m.OutputQueueNames),
		ExternalInputQueueNames: slices.Clone(m.ExternalInputQueueNames),
	}
}

// ModelRelation is the declarative description of which models produce and consume each named queue.
// SubmodelQueueInfos is keyed by logical model name.
type ModelRelation struct {
	QueueDefs          []QueueDef                 `yaml:"queues" validate:"dive"`
	SubmodelQueueInfos map[string]*ModelQueueInfo `yaml:"submodels" validate:"dive,required"`
	RootModelQueueInfo ModelQueueInfo             `yaml:"root"`
}

// Clone returns a deep copy; rewrites of the copy never touch the original.
func (r *ModelRelation) Clone() *ModelRelation {
	out := &ModelRelation{
		QueueDefs:          slices.Clone(r.QueueDefs),
		SubmodelQueueInfos: make(map[string]*ModelQueueInfo, len(r.SubmodelQueueInfos)),
		RootModelQueueInfo: *r.RootModelQueueInfo.clone(),
	}
	for name, info := range r.SubmodelQueueInfos {
		out.SubmodelQueueInfos[name] = info.clone()
	}
	return out
}

// SubmodelNames returns the relation's logical model names in sorted order.
func (r *ModelRelation) SubmodelNames() []string {
	names := make([]string, 0, len(r.SubmodelQueueInfos))
	for name := range r.SubmodelQueueInfos {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
