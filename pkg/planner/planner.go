package planner

import (
	"context"
	"math"
	"slices"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/flowdeploy/pkg/device"
	"k8s.io/examples/AI/flowdeploy/pkg/flowmodel"
)

// ControlInputQueueName is the reserved queue used to trigger models that have no inputs.
const ControlInputQueueName = "__control_input_queue"

// rootModelKey identifies the root model among producers and consumers.
const rootModelKey = ""

type consumerIdentity struct {
	modelName string
	slot      int
}

type rawBinding struct {
	src      int32
	dst      int32
	identity consumerIdentity
}

type producer struct {
	index    int32
	model    string
	instance string
}

// consumerRef is one place that dequeues a named queue.
type consumerRef struct {
	def      *flowmodel.QueueDef
	device   device.Info
	identity consumerIdentity
	target   *SubmodelInfo
	output   bool
}

// DeployPlanner turns one group's relation into a DeployPlan.
// A planner plans exactly once and is not safe for concurrent use.
type DeployPlanner struct {
	group    *flowmodel.Group
	relation *flowmodel.ModelRelation
	reader   *flowmodel.RelationReader

	maxQueues int

	plan        *DeployPlan
	producers   map[string][]producer
	consumers   []consumerRef
	reusable    map[string]bool
	rawBindings []rawBinding
}

func NewDeployPlanner(group *flowmodel.Group) *DeployPlanner {
	return &DeployPlanner{
		group:     group,
		maxQueues: math.MaxInt32,
	}
}

// Relation returns the relation used for planning, which includes any synthesized control queue.
// It is nil until BuildPlan has run.
func (p *DeployPlanner) Relation() *flowmodel.ModelRelation {
	return p.relation
}

func (p *DeployPlanner) BuildPlan(ctx context.Context) (*DeployPlan, error) {
	log := klog.FromContext(ctx)

	if p.group == nil || p.group.Relation == nil {
		return nil, status.Errorf(codes.InvalidArgument, "group has no model relation")
	}
	if p.plan != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "planner for group %q has already been used", p.group.Name)
	}
	p.plan = newDeployPlan()
	p.producers = make(map[string][]producer)
	p.reusable = make(map[string]bool)

	if err := p.checkInstances(); err != nil {
		return nil, err
	}
	if err := p.prepareRelation(ctx); err != nil {
		return nil, err
	}
	if err := p.assignEnqueueQueues(); err != nil {
		return nil, err
	}
	if err := p.resolveReusableQueues(); err != nil {
		return nil, err
	}
	if err := p.assignDequeueQueues(); err != nil {
		return nil, err
	}
	if err := p.groupEndpoints(); err != nil {
		return nil, err
	}

	log.Info("built deploy plan", "group", p.group.Name, "queues", len(p.plan.queues), "bindings", len(p.plan.bindings), "groups", len(p.plan.groups))
	log.V(2).Info("deploy plan detail", "plan", p.plan.String())
	return p.plan, nil
}

func (p *DeployPlanner) checkInstances() error {
	relation := p.group.Relation
	instances := p.group.InstancesByModel()
	for _, name := range relation.SubmodelNames() {
		if len(instances[name]) == 0 {
			return status.Errorf(codes.InvalidArgument, "model %q in relation of group %q has no submodel instance", name, p.group.Name)
		}
	}
	seen := make(map[string]bool, len(p.group.Submodels))
	for _, submodel := range p.group.Submodels {
		if _, found := relation.SubmodelQueueInfos[submodel.ModelName]; !found {
			return status.Errorf(codes.InvalidArgument, "submodel %q refers to model %q, which is not in the relation", submodel.Name, submodel.ModelName)
		}
		if seen[submodel.Name] {
			return status.Errorf(codes.InvalidArgument, "submodel %q is declared more than once", submodel.Name)
		}
		seen[submodel.Name] = true
	}
	return nil
}

// prepareRelation adds a shared control queue for models that have outputs but nothing to trigger them.
// The group's relation is never modified; a rewritten clone is used when needed.
func (p *DeployPlanner) prepareRelation(ctx context.Context) error {
	log := klog.FromContext(ctx)

	relation := p.group.Relation
	var untriggered []string
	for _, name := range relation.SubmodelNames() {
		info := relation.SubmodelQueueInfos[name]
		if len(info.InputQueueNames) == 0 && len(info.ExternalInputQueueNames) == 0 && len(info.OutputQueueNames) > 0 {
			untriggered = append(untriggered, name)
		}
	}

	if len(untriggered) > 0 {
		for _, def := range relation.QueueDefs {
			if def.Name == ControlInputQueueName {
				return status.Errorf(codes.InvalidArgument, "queue name %q is reserved", ControlInputQueueName)
			}
		}
		rewritten := relation.Clone()
		rewritten.QueueDefs = append(rewritten.QueueDefs, flowmodel.QueueDef{
			Name:      ControlInputQueueName,
			Depth:     flowmodel.DefaultQueueDepth,
			IsControl: true,
		})
		for _, name := range untriggered {
			info := rewritten.SubmodelQueueInfos[name]
			info.InputQueueNames = append(info.InputQueueNames, ControlInputQueueName)
		}
		rewritten.RootModelQueueInfo.InputQueueNames = append(rewritten.RootModelQueueInfo.InputQueueNames, ControlInputQueueName)
		log.V(2).Info("added control input queue", "models", untriggered)
		relation = rewritten
	}

	reader, err := flowmodel.NewRelationReader(relation)
	if err != nil {
		return err
	}
	p.relation = relation
	p.reader = reader
	return nil
}

func (p *DeployPlanner) addQueue(info QueueInfo) (int32, error) {
	if len(p.plan.queues) >= p.maxQueues {
		return -1, status.Errorf(codes.ResourceExhausted, "deploy plan for group %q exceeds %d queues", p.group.Name, p.maxQueues)
	}
	p.plan.queues = append(p.plan.queues, info)
	return int32(len(p.plan.queues) - 1), nil
}

func (p *DeployPlanner) addProducer(def *flowmodel.QueueDef, dev device.Info, owned bool, model, instance string) (int32, error) {
	for _, existing := range p.producers[def.Name] {
		if existing.model != model {
			return -1, status.Errorf(codes.InvalidArgument, "queue %q is produced by both %s and %s", def.Name, describeModel(existing.model), describeModel(model))
		}
		if existing.instance == instance {
			return -1, status.Errorf(codes.InvalidArgument, "queue %q is produced more than once by %s", def.Name, describeModel(model))
		}
	}
	index, err := p.addQueue(QueueInfo{
		Device:    dev,
		Depth:     def.Depth,
		Name:      def.Name,
		Owned:     owned,
		IsControl: def.IsControl,
	})
	if err != nil {
		return -1, err
	}
	p.producers[def.Name] = append(p.producers[def.Name], producer{index: index, model: model, instance: instance})
	return index, nil
}

func (p *DeployPlanner) assignEnqueueQueues() error {
	root := &p.plan.root
	root.Device = p.group.RootDevice

	for _, def := range p.reader.InputQueueDefs() {
		index, err := p.addProducer(def, root.Device, true, rootModelKey, rootModelKey)
		if err != nil {
			return err
		}
		appendInput(root, def, index)
	}

	externalDefs, err := p.reader.BatchGetQueueDefs(p.relation.RootModelQueueInfo.ExternalInputQueueNames)
	if err != nil {
		return err
	}
	for _, def := range externalDefs {
		index, err := p.addProducer(def, root.Device, false, rootModelKey, rootModelKey)
		if err != nil {
			return err
		}
		appendInput(root, def, index)
	}

	for _, submodel := range p.group.Submodels {
		info := &SubmodelInfo{Device: submodel.Device, Model: submodel}
		p.plan.submodels[submodel.Name] = info

		queueInfo := p.relation.SubmodelQueueInfos[submodel.ModelName]
		outputDefs, err := p.reader.BatchGetQueueDefs(queueInfo.OutputQueueNames)
		if err != nil {
			return err
		}
		for _, def := range outputDefs {
			index, err := p.addProducer(def, submodel.Device, true, submodel.ModelName, submodel.Name)
			if err != nil {
				return err
			}
			info.OutputQueueIndices = append(info.OutputQueueIndices, index)
		}
	}
	return nil
}

func (p *DeployPlanner) collectConsumers() error {
	for slot, def := range p.reader.OutputQueueDefs() {
		p.consumers = append(p.consumers, consumerRef{
			def:      def,
			device:   p.plan.root.Device,
			identity: consumerIdentity{modelName: rootModelKey, slot: slot},
			target:   &p.plan.root,
			output:   true,
		})
	}

	for _, submodel := range p.group.Submodels {
		queueInfo := p.relation.SubmodelQueueInfos[submodel.ModelName]
		defs, err := p.reader.BatchGetQueueDefs(queueInfo.AllInputQueueNames())
		if err != nil {
			return err
		}
		for slot, def := range defs {
			p.consumers = append(p.consumers, consumerRef{
				def:      def,
				device:   submodel.Device,
				identity: consumerIdentity{modelName: submodel.ModelName, slot: slot},
				target:   p.plan.submodels[submodel.Name],
			})
		}
	}
	return nil
}

func (p *DeployPlanner) resolveReusableQueues() error {
	if err := p.collectConsumers(); err != nil {
		return err
	}

	counts := make(map[string]int)
	for _, consumer := range p.consumers {
		if len(p.producers[consumer.def.Name]) == 0 {
			return status.Errorf(codes.InvalidArgument, "queue %q is consumed by %s but nothing produces it", consumer.def.Name, describeConsumer(consumer))
		}
		counts[consumer.def.Name]++
	}
	for _, consumer := range p.consumers {
		name := consumer.def.Name
		producers := p.producers[name]
		if counts[name] != 1 || len(producers) != 1 {
			continue
		}
		if device.CoLocated(p.plan.queues[producers[0].index].Device, consumer.device) {
			p.reusable[name] = true
		}
	}
	return nil
}

func (p *DeployPlanner) assignDequeueQueues() error {
	for _, consumer := range p.consumers {
		name := consumer.def.Name
		var index int32
		if p.reusable[name] {
			index = p.producers[name][0].index
		} else {
			var err error
			index, err = p.addQueue(QueueInfo{
				Device:    consumer.device,
				Depth:     consumer.def.Depth,
				Name:      name,
				Owned:     true,
				IsControl: consumer.def.IsControl,
			})
			if err != nil {
				return err
			}
			for _, producer := range p.producers[name] {
				p.rawBindings = append(p.rawBindings, rawBinding{src: producer.index, dst: index, identity: consumer.identity})
			}
		}

		if consumer.output {
			consumer.target.OutputQueueIndices = append(consumer.target.OutputQueueIndices, index)
		} else {
			appendInput(consumer.target, consumer.def, index)
		}
	}
	return nil
}

// groupEndpoints collapses raw bindings so each logical consumer slot has exactly one binding per queue name.
// Several producers become a fan-in group and several physical instances of one slot become a fan-out group.
func (p *DeployPlanner) groupEndpoints() error {
	var names []string
	byName := make(map[string][]rawBinding)
	for _, binding := range p.rawBindings {
		name := p.plan.queues[binding.dst].Name
		if _, found := byName[name]; !found {
			names = append(names, name)
		}
		byName[name] = append(byName[name], binding)
	}

	for _, name := range names {
		var sources []int32
		var identities []consumerIdentity
		destinations := make(map[consumerIdentity][]int32)
		for _, binding := range byName[name] {
			if !slices.Contains(sources, binding.src) {
				sources = append(sources, binding.src)
			}
			if _, found := destinations[binding.identity]; !found {
				identities = append(identities, binding.identity)
			}
			if !slices.Contains(destinations[binding.identity], binding.dst) {
				destinations[binding.identity] = append(destinations[binding.identity], binding.dst)
			}
		}

		src := sources[0]
		if len(sources) > 1 {
			var err error
			if src, err = p.addGroup(sources); err != nil {
				return err
			}
		}
		for _, identity := range identities {
			members := destinations[identity]
			dst := members[0]
			if len(members) > 1 {
				var err error
				if dst, err = p.addGroup(members); err != nil {
					return err
				}
			}
			p.plan.bindings = append(p.plan.bindings, Binding{Src: src, Dst: dst})
		}
	}
	return nil
}

func (p *DeployPlanner) addGroup(members []int32) (int32, error) {
	representative := p.plan.queues[members[0]]
	index, err := p.addQueue(QueueInfo{
		Device:    representative.Device,
		Depth:     representative.Depth,
		Name:      representative.Name,
		Owned:     true,
		IsControl: representative.IsControl,
	})
	if err != nil {
		return -1, err
	}
	p.plan.groups[index] = members
	return index, nil
}

func appendInput(info *SubmodelInfo, def *flowmodel.QueueDef, index int32) {
	if def.IsControl {
		info.ControlInputQueueIndices = append(info.ControlInputQueueIndices, index)
	} else {
		info.InputQueueIndices = append(info.InputQueueIndices, index)
	}
}

func describeModel(model string) string {
	if model == rootModelKey {
		return "the root model"
	}
	return "model " + model
}

func describeConsumer(consumer consumerRef) string {
	if consumer.output {
		return "the root model"
	}
	return "submodel " + consumer.target.Model.Name
}
