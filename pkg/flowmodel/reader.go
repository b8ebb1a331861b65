package flowmodel

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RelationReader answers queue definition lookups against a relation.
type RelationReader struct {
	relation *ModelRelation

	queueDefs       map[string]*QueueDef
	inputQueueDefs  []*QueueDef
	outputQueueDefs []*QueueDef
}

func NewRelationReader(relation *ModelRelation) (*RelationReader, error) {
	r := &RelationReader{
		relation:  relation,
		queueDefs: make(map[string]*QueueDef, len(relation.QueueDefs)),
	}
	for i := range relation.QueueDefs {
		def := &relation.QueueDefs[i]
		if _, exists := r.queueDefs[def.Name]; exists {
			return nil, status.Errorf(codes.InvalidArgument, "queue %q is defined more than once", def.Name)
		}
		r.queueDefs[def.Name] = def
	}

	var err error
	r.inputQueueDefs, err = r.BatchGetQueueDefs(relation.RootModelQueueInfo.InputQueueNames)
	if err != nil {
		return nil, err
	}
	r.outputQueueDefs, err = r.BatchGetQueueDefs(relation.RootModelQueueInfo.OutputQueueNames)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// InputQueueDefs returns the definitions of the root model's inputs.
func (r *RelationReader) InputQueueDefs() []*QueueDef {
	return r.inputQueueDefs
}

// OutputQueueDefs returns the definitions of the root model's outputs.
func (r *RelationReader) OutputQueueDefs() []*QueueDef {
	return r.outputQueueDefs
}

func (r *RelationReader) BatchGetQueueDefs(names []string) ([]*QueueDef, error) {
	defs := make([]*QueueDef, 0, len(names))
	for _, name := range names {
		def, found := r.queueDefs[name]
		if !found {
			return nil, status.Errorf(codes.InvalidArgument, "queue %q is not defined in the model relation", name)
		}
		defs = append(defs, def)
	}
	return defs, nil
}
