package workflow

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default.yml
var defaultWorkflow []byte

// Load reads, decodes and validates the workflow at path.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow %s: %w", path, err)
	}

	wf, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", path, err)
	}

	return wf, nil
}

// Parse decodes and validates a workflow document. Unknown fields are
// rejected so typos do not silently disable a step setting.
func Parse(data []byte) (*Workflow, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	wf := &Workflow{}
	if err := dec.Decode(wf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidWorkflow)
		}
		return nil, fmt.Errorf("failed to decode workflow: %w", err)
	}

	wf.ApplyDefaults()

	if err := wf.Validate(); err != nil {
		return nil, err
	}

	return wf, nil
}

// Default returns the built-in live-service pipeline.
func Default() *Workflow {
	wf, err := Parse(defaultWorkflow)
	if err != nil {
		// the embedded document is covered by tests
		panic(fmt.Sprintf("embedded workflow is invalid: %v", err))
	}
	return wf
}

// DefaultYAML returns the raw embedded definition.
func DefaultYAML() []byte {
	return bytes.Clone(defaultWorkflow)
}

// LoadOrDefault loads path, or the embedded default when path is empty.
func LoadOrDefault(path string) (*Workflow, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}
