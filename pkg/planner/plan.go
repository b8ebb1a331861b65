package planner

import (
	"fmt"
	"slices"
	"strings"

	"k8s.io/examples/AI/flowdeploy/pkg/device"
	"k8s.io/examples/AI/flowdeploy/pkg/flowmodel"
)

// QueueInfo is one planned physical queue. Its identity is its index in the plan.
type QueueInfo struct {
	Device    device.Info
	Depth     uint32
	Name      string
	Owned     bool
	IsControl bool
}

// Binding means data enqueued at Src must be delivered to Dst.
// Either side may be a group endpoint.
type Binding struct {
	Src int32
	Dst int32
}

// SubmodelInfo is the planned placement of one model and its queue indices.
// Model is nil for the root model.
type SubmodelInfo struct {
	Device device.Info
	Model  *flowmodel.Submodel

	InputQueueIndices        []int32
	ControlInputQueueIndices []int32
	OutputQueueIndices       []int32
}

// AllInputQueueIndices returns data inputs followed by control inputs.
func (s *SubmodelInfo) AllInputQueueIndices() []int32 {
	return slices.Concat(s.InputQueueIndices, s.ControlInputQueueIndices)
}

type DeployPlan struct {
	queues    []QueueInfo
	bindings  []Binding
	groups    map[int32][]int32
	root      SubmodelInfo
	submodels map[string]*SubmodelInfo
}

func newDeployPlan() *DeployPlan {
	return &DeployPlan{
		groups:    make(map[int32][]int32),
		submodels: make(map[string]*SubmodelInfo),
	}
}

func (p *DeployPlan) Queues() []QueueInfo {
	return p.queues
}

func (p *DeployPlan) QueueCount() int {
	return len(p.queues)
}

func (p *DeployPlan) Queue(index int32) (*QueueInfo, bool) {
	if index < 0 || int(index) >= len(p.queues) {
		return nil, false
	}
	return &p.queues[index], true
}

func (p *DeployPlan) Bindings() []Binding {
	return p.bindings
}

// Groups maps each group endpoint index to its member indices.
func (p *DeployPlan) Groups() map[int32][]int32 {
	return p.groups
}

func (p *DeployPlan) IsGroupEndpoint(index int32) bool {
	_, ok := p.groups[index]
	return ok
}

func (p *DeployPlan) GroupMembers(index int32) []int32 {
	return p.groups[index]
}

func (p *DeployPlan) Root() *SubmodelInfo {
	return &p.root
}

// Submodels returns planned submodels keyed by instance name.
func (p *DeployPlan) Submodels() map[string]*SubmodelInfo {
	return p.submodels
}

func (p *DeployPlan) SubmodelNames() []string {
	names := make([]string, 0, len(p.submodels))
	for name := range p.submodels {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (p *DeployPlan) RootInputQueueIndices() []int32 {
	return p.root.InputQueueIndices
}

func (p *DeployPlan) RootControlInputQueueIndices() []int32 {
	return p.root.ControlInputQueueIndices
}

func (p *DeployPlan) RootAllInputQueueIndices() []int32 {
	return p.root.AllInputQueueIndices()
}

func (p *DeployPlan) RootOutputQueueIndices() []int32 {
	return p.root.OutputQueueIndices
}

func (p *DeployPlan) String() string {
	var b strings.Builder
	for i, q := range p.queues {
		fmt.Fprintf(&b, "queue[%d] name=%q device=%s depth=%d owned=%t control=%t", i, q.Name, q.Device, q.Depth, q.Owned, q.IsControl)
		if members, ok := p.groups[int32(i)]; ok {
			fmt.Fprintf(&b, " group=%v", members)
		}
		b.WriteString("\n")
	}
	for _, binding := range p.bindings {
		fmt.Fprintf(&b, "binding %d -> %d\n", binding.Src, binding.Dst)
	}
	writeSubmodel := func(name string, info *SubmodelInfo) {
		fmt.Fprintf(&b, "model %q device=%s inputs=%v control=%v outputs=%v\n",
			name, info.Device, info.InputQueueIndices, info.ControlInputQueueIndices, info.OutputQueueIndices)
	}
	writeSubmodel("<root>", &p.root)
	for _, name := range p.SubmodelNames() {
		writeSubmodel(name, p.submodels[name])
	}
	return b.String()
}
