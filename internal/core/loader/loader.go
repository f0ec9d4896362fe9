// Package loader parses workflow definitions from YAML (or JSON, which
// YAML subsumes) and validates them before they reach the store: graph
// integrity, per-node executor config, and input declarations.
package loader

import (
	"fmt"
	"os"

	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-yaml"
	"github.com/google/jsonschema-go/jsonschema"

	"github.com/orchestra-dev/orchestra/internal/core"
	"github.com/orchestra-dev/orchestra/internal/executor"
	"github.com/orchestra-dev/orchestra/internal/workflow"
)

// Load parses a workflow definition and validates it. The returned
// workflow passed graph validation and every node's config decoded
// against its executor's schema.
func Load(data []byte) (*core.Workflow, error) {
	raw, err := unmarshalData(data)
	if err != nil {
		return nil, err
	}
	wf, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if err := foldEdges(wf); err != nil {
		return nil, err
	}
	if err := validate(wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// foldEdges merges the definition's explicit edge list into the target
// nodes' dependency lists. An edge naming an unknown node is a dangling
// reference; duplicates of an existing dependency are ignored.
func foldEdges(wf *core.Workflow) error {
	for _, edge := range wf.Edges {
		node := wf.NodeByID(edge.To)
		if node == nil {
			return &core.ValidationError{NodeID: edge.To, DepID: edge.From, Err: core.ErrDanglingDependency}
		}
		if hasDependency(node, edge.From) {
			continue
		}
		node.Dependencies = append(node.Dependencies, edge.From)
	}
	return nil
}

func hasDependency(node *core.Node, dep string) bool {
	for _, d := range node.Dependencies {
		if d == dep {
			return true
		}
	}
	return false
}

// LoadFile reads and parses the workflow definition at path.
func LoadFile(path string) (*core.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	wf, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return wf, nil
}

// ValidateInputs checks run inputs against the workflow's input
// declarations. Declared defaults are expected to be applied by the
// caller before validation.
func ValidateInputs(wf *core.Workflow, inputs map[string]any) error {
	if len(wf.Inputs) == 0 {
		return nil
	}

	schema := &jsonschema.Schema{
		Type:       "object",
		Properties: make(map[string]*jsonschema.Schema, len(wf.Inputs)),
	}
	for name, spec := range wf.Inputs {
		schema.Properties[name] = &jsonschema.Schema{
			Type:        spec.Type,
			Description: spec.Description,
		}
		if spec.Required {
			schema.Required = append(schema.Required, name)
		}
	}

	resolved, err := schema.Resolve(&jsonschema.ResolveOptions{
		ValidateDefaults: true,
	})
	if err != nil {
		return fmt.Errorf("resolve input schema: %w", err)
	}
	if inputs == nil {
		inputs = map[string]any{}
	}
	if err := resolved.Validate(inputs); err != nil {
		return fmt.Errorf("workflow inputs: %w", err)
	}
	return nil
}

// unmarshalData parses the raw bytes into a generic map. goccy yields
// string-keyed maps, which is what the decoder expects.
func unmarshalData(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}
	return raw, nil
}

// decode maps the generic structure onto the workflow type. The json
// tags double as the definition's field names, so YAML and JSON
// definitions share one set of tags. Unknown top-level keys are
// rejected; node configs stay opaque maps.
func decode(raw map[string]any) (*core.Workflow, error) {
	var wf core.Workflow
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &wf,
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("decode workflow definition: %w", err)
	}
	if wf.Version == 0 {
		wf.Version = 1
	}
	return &wf, nil
}

func validate(wf *core.Workflow) error {
	if err := workflow.Validate(wf); err != nil {
		return err
	}
	for i := range wf.Nodes {
		if err := executor.ValidateConfig(&wf.Nodes[i]); err != nil {
			return err
		}
	}
	return nil
}
