package dag

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileSpec is the on-disk YAML form of a sync graph.
type fileSpec struct {
	Name  string `yaml:"name"`
	Nodes []Node `yaml:"nodes"`
	Edges []Edge `yaml:"edges"`
}

// Parse builds a validated graph from YAML bytes.
func Parse(data []byte) (*Graph, error) {
	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse graph: %w", err)
	}
	if spec.Name == "" {
		spec.Name = "custom"
	}
	return New(spec.Name, spec.Nodes, spec.Edges)
}

// LoadFile reads and validates a sync graph from a YAML file.
func LoadFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}
	return Parse(data)
}
