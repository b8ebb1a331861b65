package planner

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"k8s.io/examples/AI/flowdeploy/pkg/device"
	"k8s.io/examples/AI/flowdeploy/pkg/flowmodel"
)

var (
	dev0 = device.New(device.TypeNPU, 0, 0)
	dev1 = device.New(device.TypeNPU, 0, 1)
)

func queueDefs(names ...string) []flowmodel.QueueDef {
	var defs []flowmodel.QueueDef
	for _, name := range names {
		defs = append(defs, flowmodel.QueueDef{Name: name, Depth: 4})
	}
	return defs
}

func submodel(name, model string, dev device.Info) *flowmodel.Submodel {
	return &flowmodel.Submodel{Name: name, ModelName: model, Device: dev}
}

func buildPlan(t *testing.T, group *flowmodel.Group) *DeployPlan {
	t.Helper()
	plan, err := NewDeployPlanner(group).BuildPlan(context.Background())
	require.NoError(t, err)
	checkIndices(t, plan)
	return plan
}

func checkIndices(t *testing.T, plan *DeployPlan) {
	t.Helper()
	assert.NoError(t, indexError(plan))
}

func indexError(plan *DeployPlan) error {
	n := int32(plan.QueueCount())
	check := func(what string, indices ...int32) error {
		for _, index := range indices {
			if index < 0 || index >= n {
				return fmt.Errorf("%s index %d out of range [0, %d)", what, index, n)
			}
		}
		return nil
	}
	for _, binding := range plan.Bindings() {
		if err := check("binding", binding.Src, binding.Dst); err != nil {
			return err
		}
	}
	for group, members := range plan.Groups() {
		if err := check("group", group); err != nil {
			return err
		}
		if err := check("group member", members...); err != nil {
			return err
		}
	}
	infos := []*SubmodelInfo{plan.Root()}
	for _, name := range plan.SubmodelNames() {
		infos = append(infos, plan.Submodels()[name])
	}
	for _, info := range infos {
		if err := check("input", info.AllInputQueueIndices()...); err != nil {
			return err
		}
		if err := check("output", info.OutputQueueIndices...); err != nil {
			return err
		}
	}
	return nil
}

// Root feeds x to one submodel that returns y, everything on one device.
func TestPlanReusesColocatedQueues(t *testing.T) {
	group := &flowmodel.Group{
		Name:       "main",
		RootDevice: dev0,
		Relation: &flowmodel.ModelRelation{
			QueueDefs: queueDefs("x", "y"),
			SubmodelQueueInfos: map[string]*flowmodel.ModelQueueInfo{
				"norm": {InputQueueNames: []string{"x"}, OutputQueueNames: []string{"y"}},
			},
			RootModelQueueInfo: flowmodel.ModelQueueInfo{InputQueueNames: []string{"x"}, OutputQueueNames: []string{"y"}},
		},
		Submodels: []*flowmodel.Submodel{submodel("norm-0", "norm", dev0)},
	}

	plan := buildPlan(t, group)
	assert.Equal(t, 2, plan.QueueCount())
	assert.Empty(t, plan.Bindings())
	assert.Empty(t, plan.Groups())

	norm := plan.Submodels()["norm-0"]
	require.NotNil(t, norm)
	assert.Equal(t, plan.RootInputQueueIndices(), norm.InputQueueIndices)
	assert.Equal(t, plan.RootOutputQueueIndices(), norm.OutputQueueIndices)
	for _, q := range plan.Queues() {
		assert.True(t, q.Owned)
		assert.Equal(t, dev0, q.Device)
	}
}

func TestPlanBindsAcrossDevices(t *testing.T) {
	group := &flowmodel.Group{
		Name:       "main",
		RootDevice: dev0,
		Relation: &flowmodel.ModelRelation{
			QueueDefs: queueDefs("x", "y"),
			SubmodelQueueInfos: map[string]*flowmodel.ModelQueueInfo{
				"norm": {InputQueueNames: []string{"x"}, OutputQueueNames: []string{"y"}},
			},
			RootModelQueueInfo: flowmodel.ModelQueueInfo{InputQueueNames: []string{"x"}, OutputQueueNames: []string{"y"}},
		},
		Submodels: []*flowmodel.Submodel{submodel("norm-0", "norm", dev1)},
	}

	plan := buildPlan(t, group)
	assert.Equal(t, 4, plan.QueueCount())
	require.Len(t, plan.Bindings(), 2)

	norm := plan.Submodels()["norm-0"]
	rootIn := plan.RootInputQueueIndices()[0]
	normIn := norm.InputQueueIndices[0]
	assert.NotEqual(t, rootIn, normIn)
	assert.Contains(t, plan.Bindings(), Binding{Src: rootIn, Dst: normIn})
	assert.Contains(t, plan.Bindings(), Binding{Src: norm.OutputQueueIndices[0], Dst: plan.RootOutputQueueIndices()[0]})

	q, ok := plan.Queue(normIn)
	require.True(t, ok)
	assert.Equal(t, dev1, q.Device)
	assert.Equal(t, "x", q.Name)
}

// Two instances of one model read shared_in from a single root input.
func TestPlanGroupsFanOut(t *testing.T) {
	group := &flowmodel.Group{
		Name:       "main",
		RootDevice: dev0,
		Relation: &flowmodel.ModelRelation{
			QueueDefs: queueDefs("shared_in"),
			SubmodelQueueInfos: map[string]*flowmodel.ModelQueueInfo{
				"worker": {InputQueueNames: []string{"shared_in"}},
			},
			RootModelQueueInfo: flowmodel.ModelQueueInfo{InputQueueNames: []string{"shared_in"}},
		},
		Submodels: []*flowmodel.Submodel{
			submodel("worker-0", "worker", dev0),
			submodel("worker-1", "worker", dev1),
		},
	}

	plan := buildPlan(t, group)
	require.Len(t, plan.Bindings(), 1)
	require.Len(t, plan.Groups(), 1)

	binding := plan.Bindings()[0]
	assert.Equal(t, plan.RootInputQueueIndices()[0], binding.Src)
	assert.True(t, plan.IsGroupEndpoint(binding.Dst))
	assert.False(t, plan.IsGroupEndpoint(binding.Src))

	members := plan.GroupMembers(binding.Dst)
	assert.ElementsMatch(t, []int32{
		plan.Submodels()["worker-0"].InputQueueIndices[0],
		plan.Submodels()["worker-1"].InputQueueIndices[0],
	}, members)

	// 1 producer queue, 2 dequeue queues, 1 group queue
	assert.Equal(t, 4, plan.QueueCount())
	groupQueue, _ := plan.Queue(binding.Dst)
	assert.Equal(t, "shared_in", groupQueue.Name)
}

func TestPlanGroupsFanIn(t *testing.T) {
	group := &flowmodel.Group{
		Name:       "main",
		RootDevice: dev0,
		Relation: &flowmodel.ModelRelation{
			QueueDefs: queueDefs("x", "y"),
			SubmodelQueueInfos: map[string]*flowmodel.ModelQueueInfo{
				"worker": {InputQueueNames: []string{"x"}, OutputQueueNames: []string{"y"}},
			},
			RootModelQueueInfo: flowmodel.ModelQueueInfo{InputQueueNames: []string{"x"}, OutputQueueNames: []string{"y"}},
		},
		Submodels: []*flowmodel.Submodel{
			submodel("worker-0", "worker", dev0),
			submodel("worker-1", "worker", dev0),
		},
	}

	plan := buildPlan(t, group)
	require.Len(t, plan.Groups(), 2)

	rootOut := plan.RootOutputQueueIndices()[0]
	var fanIn *Binding
	for i, binding := range plan.Bindings() {
		if binding.Dst == rootOut {
			fanIn = &plan.Bindings()[i]
		}
	}
	require.NotNil(t, fanIn)
	assert.True(t, plan.IsGroupEndpoint(fanIn.Src))
	assert.ElementsMatch(t, []int32{
		plan.Submodels()["worker-0"].OutputQueueIndices[0],
		plan.Submodels()["worker-1"].OutputQueueIndices[0],
	}, plan.GroupMembers(fanIn.Src))
}

func TestPlanAddsControlInput(t *testing.T) {
	relation := &flowmodel.ModelRelation{
		QueueDefs: queueDefs("x", "a", "b", "y"),
		SubmodelQueueInfos: map[string]*flowmodel.ModelQueueInfo{
			"source-a": {OutputQueueNames: []string{"a"}},
			"source-b": {OutputQueueNames: []string{"b"}},
			"combine":  {InputQueueNames: []string{"x", "a", "b"}, OutputQueueNames: []string{"y"}},
		},
		RootModelQueueInfo: flowmodel.ModelQueueInfo{InputQueueNames: []string{"x"}, OutputQueueNames: []string{"y"}},
	}
	group := &flowmodel.Group{
		Name:       "main",
		RootDevice: dev0,
		Relation:   relation,
		Submodels: []*flowmodel.Submodel{
			submodel("source-a-0", "source-a", dev0),
			submodel("source-b-0", "source-b", dev0),
			submodel("combine-0", "combine", dev0),
		},
	}

	planner := NewDeployPlanner(group)
	plan, err := planner.BuildPlan(context.Background())
	require.NoError(t, err)
	checkIndices(t, plan)

	rewritten := planner.Relation()
	require.Len(t, rewritten.QueueDefs, 5)
	control := rewritten.QueueDefs[4]
	assert.Equal(t, ControlInputQueueName, control.Name)
	assert.True(t, control.IsControl)
	assert.EqualValues(t, flowmodel.DefaultQueueDepth, control.Depth)
	assert.Equal(t, []string{"x", ControlInputQueueName}, rewritten.RootModelQueueInfo.InputQueueNames)
	assert.Equal(t, []string{ControlInputQueueName}, rewritten.SubmodelQueueInfos["source-a"].InputQueueNames)
	assert.Equal(t, []string{ControlInputQueueName}, rewritten.SubmodelQueueInfos["source-b"].InputQueueNames)
	assert.Equal(t, []string{"x", "a", "b"}, rewritten.SubmodelQueueInfos["combine"].InputQueueNames)

	// the group's relation is left as declared
	assert.Len(t, relation.QueueDefs, 4)
	assert.Empty(t, relation.SubmodelQueueInfos["source-a"].InputQueueNames)
	assert.Equal(t, []string{"x"}, relation.RootModelQueueInfo.InputQueueNames)

	assert.Len(t, plan.RootInputQueueIndices(), 1)
	require.Len(t, plan.RootControlInputQueueIndices(), 1)
	assert.Len(t, plan.RootAllInputQueueIndices(), 2)

	rootControl := plan.RootControlInputQueueIndices()[0]
	for _, name := range []string{"source-a-0", "source-b-0"} {
		info := plan.Submodels()[name]
		assert.Empty(t, info.InputQueueIndices)
		require.Len(t, info.ControlInputQueueIndices, 1)
		assert.Contains(t, plan.Bindings(), Binding{Src: rootControl, Dst: info.ControlInputQueueIndices[0]})
	}
	assert.Empty(t, plan.Submodels()["combine-0"].ControlInputQueueIndices)
}

func TestPlanLeavesTriggeredRelationAlone(t *testing.T) {
	relation := &flowmodel.ModelRelation{
		QueueDefs: queueDefs("x"),
		SubmodelQueueInfos: map[string]*flowmodel.ModelQueueInfo{
			"sink": {InputQueueNames: []string{"x"}},
		},
		RootModelQueueInfo: flowmodel.ModelQueueInfo{InputQueueNames: []string{"x"}},
	}
	planner := NewDeployPlanner(&flowmodel.Group{
		Name:       "main",
		RootDevice: dev0,
		Relation:   relation,
		Submodels:  []*flowmodel.Submodel{submodel("sink-0", "sink", dev0)},
	})
	_, err := planner.BuildPlan(context.Background())
	require.NoError(t, err)
	assert.Same(t, relation, planner.Relation())
}

func TestPlanExternalInputsAreNotOwned(t *testing.T) {
	group := &flowmodel.Group{
		Name:       "main",
		RootDevice: dev0,
		Relation: &flowmodel.ModelRelation{
			QueueDefs: queueDefs("ext", "y"),
			SubmodelQueueInfos: map[string]*flowmodel.ModelQueueInfo{
				"norm": {ExternalInputQueueNames: []string{"ext"}, OutputQueueNames: []string{"y"}},
			},
			RootModelQueueInfo: flowmodel.ModelQueueInfo{ExternalInputQueueNames: []string{"ext"}, OutputQueueNames: []string{"y"}},
		},
		Submodels: []*flowmodel.Submodel{submodel("norm-0", "norm", dev1)},
	}

	plan := buildPlan(t, group)
	ext := plan.RootInputQueueIndices()[0]
	q, _ := plan.Queue(ext)
	assert.False(t, q.Owned)

	norm := plan.Submodels()["norm-0"]
	assert.Contains(t, plan.Bindings(), Binding{Src: ext, Dst: norm.InputQueueIndices[0]})
	dst, _ := plan.Queue(norm.InputQueueIndices[0])
	assert.True(t, dst.Owned)
}

func TestPlanErrors(t *testing.T) {
	tests := []struct {
		name  string
		group *flowmodel.Group
		code  codes.Code
	}{
		{
			name: "consumer without producer",
			group: &flowmodel.Group{
				Name: "main",
				Relation: &flowmodel.ModelRelation{
					QueueDefs: queueDefs("x"),
					SubmodelQueueInfos: map[string]*flowmodel.ModelQueueInfo{
						"sink": {InputQueueNames: []string{"x"}},
					},
				},
				Submodels: []*flowmodel.Submodel{submodel("sink-0", "sink", dev0)},
			},
			code: codes.InvalidArgument,
		},
		{
			name: "undefined queue",
			group: &flowmodel.Group{
				Name: "main",
				Relation: &flowmodel.ModelRelation{
					QueueDefs: queueDefs("x"),
					SubmodelQueueInfos: map[string]*flowmodel.ModelQueueInfo{
						"sink": {InputQueueNames: []string{"x"}, OutputQueueNames: []string{"nope"}},
					},
					RootModelQueueInfo: flowmodel.ModelQueueInfo{InputQueueNames: []string{"x"}},
				},
				Submodels: []*flowmodel.Submodel{submodel("sink-0", "sink", dev0)},
			},
			code: codes.InvalidArgument,
		},
		{
			name: "model without instance",
			group: &flowmodel.Group{
				Name: "main",
				Relation: &flowmodel.ModelRelation{
					QueueDefs: queueDefs("x"),
					SubmodelQueueInfos: map[string]*flowmodel.ModelQueueInfo{
						"sink":  {InputQueueNames: []string{"x"}},
						"other": {InputQueueNames: []string{"x"}},
					},
					RootModelQueueInfo: flowmodel.ModelQueueInfo{InputQueueNames: []string{"x"}},
				},
				Submodels: []*flowmodel.Submodel{submodel("sink-0", "sink", dev0)},
			},
			code: codes.InvalidArgument,
		},
		{
			name: "instance of unknown model",
			group: &flowmodel.Group{
				Name: "main",
				Relation: &flowmodel.ModelRelation{
					QueueDefs: queueDefs("x"),
					SubmodelQueueInfos: map[string]*flowmodel.ModelQueueInfo{
						"sink": {InputQueueNames: []string{"x"}},
					},
					RootModelQueueInfo: flowmodel.ModelQueueInfo{InputQueueNames: []string{"x"}},
				},
				Submodels: []*flowmodel.Submodel{
					submodel("sink-0", "sink", dev0),
					submodel("mystery-0", "mystery", dev0),
				},
			},
			code: codes.InvalidArgument,
		},
		{
			name: "two models produce one queue",
			group: &flowmodel.Group{
				Name: "main",
				Relation: &flowmodel.ModelRelation{
					QueueDefs: queueDefs("x", "y"),
					SubmodelQueueInfos: map[string]*flowmodel.ModelQueueInfo{
						"a": {InputQueueNames: []string{"x"}, OutputQueueNames: []string{"y"}},
						"b": {InputQueueNames: []string{"x"}, OutputQueueNames: []string{"y"}},
					},
					RootModelQueueInfo: flowmodel.ModelQueueInfo{InputQueueNames: []string{"x"}, OutputQueueNames: []string{"y"}},
				},
				Submodels: []*flowmodel.Submodel{submodel("a-0", "a", dev0), submodel("b-0", "b", dev0)},
			},
			code: codes.InvalidArgument,
		},
		{
			name: "reserved control queue name",
			group: &flowmodel.Group{
				Name: "main",
				Relation: &flowmodel.ModelRelation{
					QueueDefs: queueDefs("y", ControlInputQueueName),
					SubmodelQueueInfos: map[string]*flowmodel.ModelQueueInfo{
						"source": {OutputQueueNames: []string{"y"}},
					},
					RootModelQueueInfo: flowmodel.ModelQueueInfo{OutputQueueNames: []string{"y"}},
				},
				Submodels: []*flowmodel.Submodel{submodel("source-0", "source", dev0)},
			},
			code: codes.InvalidArgument,
		},
		{
			name:  "no relation",
			group: &flowmodel.Group{Name: "main"},
			code:  codes.InvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDeployPlanner(tt.group).BuildPlan(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.code, status.Code(err), "unexpected error %v", err)
		})
	}
}

func TestPlanQueueLimit(t *testing.T) {
	group := &flowmodel.Group{
		Name:       "main",
		RootDevice: dev0,
		Relation: &flowmodel.ModelRelation{
			QueueDefs: queueDefs("x", "y"),
			SubmodelQueueInfos: map[string]*flowmodel.ModelQueueInfo{
				"norm": {InputQueueNames: []string{"x"}, OutputQueueNames: []string{"y"}},
			},
			RootModelQueueInfo: flowmodel.ModelQueueInfo{InputQueueNames: []string{"x"}, OutputQueueNames: []string{"y"}},
		},
		Submodels: []*flowmodel.Submodel{submodel("norm-0", "norm", dev1)},
	}

	planner := NewDeployPlanner(group)
	planner.maxQueues = 3
	_, err := planner.BuildPlan(context.Background())
	require.Error(t, err)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestPlannerIsSingleUse(t *testing.T) {
	group := &flowmodel.Group{
		Name:       "main",
		RootDevice: dev0,
		Relation: &flowmodel.ModelRelation{
			QueueDefs:          queueDefs("x"),
			SubmodelQueueInfos: map[string]*flowmodel.ModelQueueInfo{"sink": {InputQueueNames: []string{"x"}}},
			RootModelQueueInfo: flowmodel.ModelQueueInfo{InputQueueNames: []string{"x"}},
		},
		Submodels: []*flowmodel.Submodel{submodel("sink-0", "sink", dev0)},
	}
	planner := NewDeployPlanner(group)
	_, err := planner.BuildPlan(context.Background())
	require.NoError(t, err)
	_, err = planner.BuildPlan(context.Background())
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestPlanString(t *testing.T) {
	group := &flowmodel.Group{
		Name:       "main",
		RootDevice: dev0,
		Relation: &flowmodel.ModelRelation{
			QueueDefs:          queueDefs("shared_in"),
			SubmodelQueueInfos: map[string]*flowmodel.ModelQueueInfo{"worker": {InputQueueNames: []string{"shared_in"}}},
			RootModelQueueInfo: flowmodel.ModelQueueInfo{InputQueueNames: []string{"shared_in"}},
		},
		Submodels: []*flowmodel.Submodel{
			submodel("worker-0", "worker", dev0),
			submodel("worker-1", "worker", dev1),
		},
	}
	out := buildPlan(t, group).String()
	assert.Contains(t, out, `queue[0] name="shared_in"`)
	assert.Contains(t, out, "group=[1 2]")
	assert.Contains(t, out, "binding 0 -> 3")
	assert.Contains(t, out, `model "worker-1"`)
}

// chainGroup builds root -> m0 -> m1 ... -> root where stage i has stages[i]%3+1 instances
// spread over two devices.
func chainGroup(stages []int) *flowmodel.Group {
	n := len(stages)
	relation := &flowmodel.ModelRelation{
		SubmodelQueueInfos: make(map[string]*flowmodel.ModelQueueInfo),
		RootModelQueueInfo: flowmodel.ModelQueueInfo{
			InputQueueNames:  []string{"q0"},
			OutputQueueNames: []string{fmt.Sprintf("q%d", n)},
		},
	}
	for i := 0; i <= n; i++ {
		relation.QueueDefs = append(relation.QueueDefs, flowmodel.QueueDef{Name: fmt.Sprintf("q%d", i), Depth: 4})
	}
	group := &flowmodel.Group{Name: "chain", RootDevice: dev0, Relation: relation}
	for i, v := range stages {
		model := fmt.Sprintf("m%d", i)
		relation.SubmodelQueueInfos[model] = &flowmodel.ModelQueueInfo{
			InputQueueNames:  []string{fmt.Sprintf("q%d", i)},
			OutputQueueNames: []string{fmt.Sprintf("q%d", i+1)},
		}
		for j := 0; j < v%3+1; j++ {
			group.Submodels = append(group.Submodels, submodel(fmt.Sprintf("%s-%d", model, j), model, device.New(device.TypeNPU, 0, int32((v/3+j)%2))))
		}
	}
	return group
}

func TestPlanProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every plan index is in range", prop.ForAll(
		func(stages []int) bool {
			if len(stages) == 0 {
				return true
			}
			plan, err := NewDeployPlanner(chainGroup(stages)).BuildPlan(context.Background())
			return err == nil && indexError(plan) == nil
		},
		gen.SliceOf(gen.IntRange(0, 8)),
	))

	properties.Property("single co-located hops reuse the producer queue", prop.ForAll(
		func(stages []int) bool {
			if len(stages) == 0 {
				return true
			}
			group := chainGroup(stages)
			plan, err := NewDeployPlanner(group).BuildPlan(context.Background())
			if err != nil {
				return false
			}
			instances := group.InstancesByModel()
			// producer of q0 is the root, consumers are stage 0
			prevDevice, prevOutput, prevSingle := dev0, plan.RootInputQueueIndices()[0], true
			for i := range stages {
				stage := instances[fmt.Sprintf("m%d", i)]
				if prevSingle && len(stage) == 1 && device.CoLocated(prevDevice, stage[0].Device) {
					if plan.Submodels()[stage[0].Name].InputQueueIndices[0] != prevOutput {
						return false
					}
				}
				prevSingle = len(stage) == 1
				prevDevice = stage[0].Device
				prevOutput = plan.Submodels()[stage[0].Name].OutputQueueIndices[0]
			}
			if prevSingle && device.CoLocated(prevDevice, dev0) {
				return plan.RootOutputQueueIndices()[0] == prevOutput
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 8)),
	))

	properties.Property("cross-device or shared hops are bound", prop.ForAll(
		func(stages []int) bool {
			if len(stages) == 0 {
				return true
			}
			plan, err := NewDeployPlanner(chainGroup(stages)).BuildPlan(context.Background())
			if err != nil {
				return false
			}
			// every consumer queue that is not a producer queue must be the target of a binding,
			// directly or as a group member
			bound := make(map[int32]bool)
			for _, binding := range plan.Bindings() {
				bound[binding.Dst] = true
				for _, member := range plan.GroupMembers(binding.Dst) {
					bound[member] = true
				}
			}
			outputs := make(map[int32]bool)
			for _, info := range plan.Submodels() {
				for _, index := range info.OutputQueueIndices {
					outputs[index] = true
				}
			}
			for _, index := range plan.RootInputQueueIndices() {
				outputs[index] = true
			}
			consumers := consumerIndices(plan)
			for _, index := range consumers {
				if !outputs[index] && !bound[index] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 8)),
	))

	properties.TestingRun(t)
}

func consumerIndices(plan *DeployPlan) []int32 {
	out := append([]int32(nil), plan.RootOutputQueueIndices()...)
	for _, info := range plan.Submodels() {
		out = append(out, info.InputQueueIndices...)
	}
	return out
}
