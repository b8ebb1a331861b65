package flowmodel

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// LoadFlowModel reads and validates a YAML flow model file.
func LoadFlowModel(path string) (*FlowModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading flow model %q: %w", path, err)
	}
	model, err := ParseFlowModel(data)
	if err != nil {
		return nil, fmt.Errorf("parsing flow model %q: %w", path, err)
	}
	return model, nil
}

func ParseFlowModel(data []byte) (*FlowModel, error) {
	model := &FlowModel{}
	if err := yaml.Unmarshal(data, model); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decoding yaml: %v", err)
	}
	if err := Validate(model); err != nil {
		return nil, err
	}
	return model, nil
}

// Validate checks struct constraints plus cross-references that tags cannot express.
func Validate(model *FlowModel) error {
	if err := validate.Struct(model); err != nil {
		return formatValidationError(err)
	}
	for _, group := range model.Groups {
		if err := ValidateGroup(group); err != nil {
			return fmt.Errorf("group %q: %w", group.Name, err)
		}
	}
	return nil
}

func ValidateGroup(group *Group) error {
	if err := validate.Struct(group); err != nil {
		return formatValidationError(err)
	}
	if _, err := NewRelationReader(group.Relation); err != nil {
		return err
	}

	names := make(map[string]bool, len(group.Submodels))
	for _, submodel := range group.Submodels {
		if names[submodel.Name] {
			return status.Errorf(codes.InvalidArgument, "submodel instance %q is declared more than once", submodel.Name)
		}
		names[submodel.Name] = true

		if submodel.Graph != nil {
			if err := submodel.Graph.Validate(); err != nil {
				return status.Errorf(codes.InvalidArgument, "submodel %q graph: %v", submodel.Name, err)
			}
		}
	}
	return nil
}

func formatValidationError(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return status.Errorf(codes.InvalidArgument, "validation failed: %v", err)
	}
	var messages []string
	for _, e := range validationErrors {
		messages = append(messages, fmt.Sprintf("%s: failed %q (value %v)", e.Namespace(), e.Tag(), e.Value()))
	}
	return status.Errorf(codes.InvalidArgument, "validation failed: %s", strings.Join(messages, "; "))
}
