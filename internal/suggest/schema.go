package suggest

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const suggestionSchemaURL = "nexus://schemas/checkpoint-suggestion.json"

const suggestionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["checkpoint"],
  "properties": {
    "checkpoint": {"type": "boolean"},
    "label": {"type": "string", "maxLength": 190},
    "comment": {"type": ["string", "null"]}
  },
  "if": {"properties": {"checkpoint": {"const": true}}},
  "then": {"required": ["label"], "properties": {"label": {"minLength": 1}}}
}`

// ErrInvalidSuggestion indicates a completion that does not match the suggestion schema.
var ErrInvalidSuggestion = errors.New("suggest: invalid suggestion payload")

var compiledSuggestionSchema = mustCompileSuggestionSchema()

func mustCompileSuggestionSchema() *jsonschema.Schema {
	document, err := jsonschema.UnmarshalJSON(strings.NewReader(suggestionSchema))
	if err != nil {
		panic(fmt.Sprintf("suggest: parse schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(suggestionSchemaURL, document); err != nil {
		panic(fmt.Sprintf("suggest: add schema: %v", err))
	}
	schema, err := compiler.Compile(suggestionSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("suggest: compile schema: %v", err))
	}
	return schema
}

// ParseSuggestion validates a model completion and converts it. It returns nil when the model
// declined to checkpoint.
func ParseSuggestion(payload []byte) (*Suggestion, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(bytes.TrimSpace(payload)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSuggestion, err)
	}
	if err := compiledSuggestionSchema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSuggestion, err)
	}

	fields, _ := instance.(map[string]any)
	if wanted, _ := fields["checkpoint"].(bool); !wanted {
		return nil, nil
	}
	label, _ := fields["label"].(string)
	suggestion := &Suggestion{Label: strings.TrimSpace(label)}
	if suggestion.Label == "" {
		return nil, fmt.Errorf("%w: blank label", ErrInvalidSuggestion)
	}
	if comment, ok := fields["comment"].(string); ok && strings.TrimSpace(comment) != "" {
		trimmed := strings.TrimSpace(comment)
		suggestion.Comment = &trimmed
	}
	return suggestion, nil
}
