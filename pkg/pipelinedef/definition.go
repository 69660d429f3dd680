// Package pipelinedef reads pipeline definitions from YAML and builds them.
//
// A definition names the keys a pipeline works on, its nodes with their
// upstreams and the request consumers send to the output node:
//
//	name: two-sources
//	output: choose
//	arrays: [RAW, CHOICE]
//	nodes:
//	  - name: a
//	    type: array
//	    params: {key: RAW, begin: [0, 0], shape: [100, 100], fill: 1}
//	  - name: b
//	    type: array
//	    params: {key: RAW, begin: [0, 0], shape: [100, 100], fill: 2}
//	  - name: choose
//	    type: random
//	    upstream: [a, b]
//	    params: {choice: CHOICE}
//	request:
//	  seed: 42
//	  entries:
//	    - {key: RAW, shape: [10, 10]}
//	    - {key: CHOICE, nonspatial: true}
package pipelinedef

import (
	"encoding/json"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
)

// Definition is a YAML-defined pipeline.
type Definition struct {
	// Name identifies the pipeline in logs and metrics.
	Name string `json:"name"`
	// Output is the name of the node batches are requested from.
	Output string `json:"output"`
	// Arrays and Graphs declare the keys nodes refer to by name.
	Arrays []string `json:"arrays,omitempty"`
	Graphs []string `json:"graphs,omitempty"`
	// Generators can be shared by several random nodes.
	Generators []GeneratorDef `json:"generators,omitempty"`
	Nodes      []NodeDef      `json:"nodes"`
	Request    RequestDef     `json:"request"`
}

// NodeDef defines a node within a pipeline. Params are decoded according to
// Type.
type NodeDef struct {
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	Upstream []string        `json:"upstream,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// GeneratorDef configures a RandomSourceGenerator.
type GeneratorDef struct {
	Name        string    `json:"name"`
	Sources     int       `json:"sources"`
	Weights     []float64 `json:"weights,omitempty"`
	Repetitions int       `json:"repetitions,omitempty"`
	Seed        *uint64   `json:"seed,omitempty"`
}

// RequestDef is the request sent to the output node. Spatial entries are
// added with their shape and centered on each other.
type RequestDef struct {
	Seed    *int64         `json:"seed,omitempty"`
	Entries []RequestEntry `json:"entries"`
}

type RequestEntry struct {
	Key         string  `json:"key"`
	Shape       []int64 `json:"shape,omitempty"`
	VoxelSize   []int64 `json:"voxel_size,omitempty"`
	Nonspatial  bool    `json:"nonspatial,omitempty"`
	Placeholder bool    `json:"placeholder,omitempty"`
}

// Load reads and validates the definition stored at path.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline definition: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML definition. Unknown fields are errors.
func Parse(data []byte) (*Definition, error) {
	var d Definition
	if err := yaml.UnmarshalStrict(data, &d); err != nil {
		return nil, fmt.Errorf("parsing pipeline definition: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks that names are unique, node types are known and every
// reference resolves. Params are checked when the pipeline is built.
func (d *Definition) Validate() error {
	keys := map[string]struct{}{}
	for _, name := range append(append([]string(nil), d.Arrays...), d.Graphs...) {
		if name == "" {
			return pipelineerrors.InvariantViolation("keys need a name")
		}
		if _, ok := keys[name]; ok {
			return pipelineerrors.InvariantViolation("key %q is declared twice", name)
		}
		keys[name] = struct{}{}
	}

	generators := map[string]struct{}{}
	for _, g := range d.Generators {
		if _, ok := generators[g.Name]; ok || g.Name == "" {
			return pipelineerrors.InvariantViolation("generator names must be unique and not empty, got %q", g.Name)
		}
		generators[g.Name] = struct{}{}
	}

	nodes := map[string]struct{}{}
	for _, n := range d.Nodes {
		if n.Name == "" {
			return pipelineerrors.InvariantViolation("nodes need a name")
		}
		if _, ok := nodes[n.Name]; ok {
			return pipelineerrors.InvariantViolation("node %q is defined twice", n.Name)
		}
		if _, ok := nodeTypes[n.Type]; !ok {
			return pipelineerrors.InvariantViolation("node %q has unknown type %q", n.Name, n.Type)
		}
		nodes[n.Name] = struct{}{}
	}
	for _, n := range d.Nodes {
		for _, up := range n.Upstream {
			if _, ok := nodes[up]; !ok {
				return pipelineerrors.InvariantViolation("node %q has unknown upstream %q", n.Name, up)
			}
		}
	}
	if _, ok := nodes[d.Output]; !ok {
		return pipelineerrors.InvariantViolation("unknown output node %q", d.Output)
	}

	for _, e := range d.Request.Entries {
		if _, ok := keys[e.Key]; !ok {
			return pipelineerrors.InvariantViolation("request for undeclared key %q", e.Key)
		}
	}
	return nil
}
