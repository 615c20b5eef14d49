// Package config loads workflow definitions from YAML documents.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// ErrInvalidDefinition is returned for documents that fail shape or field validation.
var ErrInvalidDefinition = errors.New("invalid workflow definition document")

// definitionSchema describes the document shape. Semantic rules such as
// unique step numbers or known dependencies are checked by the workflow builder.
var definitionSchema = map[string]any{
	"type":     "object",
	"required": []any{"name", "steps"},
	"properties": map[string]any{
		"name": map[string]any{"type": "string", "minLength": 1},
		"steps": map[string]any{
			"type":     "array",
			"minItems": 1,
			"items": map[string]any{
				"type":                 "object",
				"required":             []any{"task_type", "step_number"},
				"additionalProperties": false,
				"properties": map[string]any{
					"task_type":   map[string]any{"type": "string"},
					"step_number": map[string]any{"type": "integer", "minimum": 1},
					"depends_on":  map[string]any{"type": "integer", "minimum": 1},
					"input":       map[string]any{},
				},
			},
		},
	},
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadDefinition reads and validates the workflow definition stored at path.
func LoadDefinition(path string) (*models.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file %s: %w", path, err)
	}

	return ParseDefinition(data)
}

// ParseDefinition decodes a YAML (or JSON) workflow definition document.
func ParseDefinition(data []byte) (*models.WorkflowDefinition, error) {
	var document map[string]any
	if err := yaml.Unmarshal(data, &document); err != nil {
		return nil, fmt.Errorf("failed to parse YAML definition: %w", err)
	}

	if document == nil {
		return nil, fmt.Errorf("%w: document is empty", ErrInvalidDefinition)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(definitionSchema),
		gojsonschema.NewGoLoader(document),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to validate definition: %w", err)
	}

	if !result.Valid() {
		var problems []string
		for _, resultErr := range result.Errors() {
			problems = append(problems, resultErr.String())
		}

		return nil, fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(problems, "; "))
	}

	encoded, err := json.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("failed to encode definition: %w", err)
	}

	var definition models.WorkflowDefinition
	if err := json.Unmarshal(encoded, &definition); err != nil {
		return nil, fmt.Errorf("failed to decode definition: %w", err)
	}

	if err := validate.Struct(definition); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}

	return &definition, nil
}
