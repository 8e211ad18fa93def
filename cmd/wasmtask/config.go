package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// taskFile is a YAML description of one run. Flags given on the command
// line are applied after it and win for single values.
//
//	module: concat.wasm
//	timeout: 30s
//	properties:
//	  InputFiles: [a.txt, b.txt]
//	  Separator: ","
//	destinations:
//	  OutputFile: out/joined.txt
//	directories: [/opt/sdk]
//	output_roots: [out]
type taskFile struct {
	Module       string         `yaml:"module"`
	Timeout      time.Duration  `yaml:"timeout"`
	InheritEnv   bool           `yaml:"inherit_env"`
	Directories  []string       `yaml:"directories"`
	OutputRoots  []string       `yaml:"output_roots"`
	Properties   map[string]any `yaml:"properties"`
	Destinations map[string]any `yaml:"destinations"`
}

func loadTaskFile(path string) (*taskFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	var tf taskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse task file %s: %w", path, err)
	}
	return &tf, nil
}

// destinationPaths accepts a single path or a list of paths.
func destinationPaths(name string, raw any) ([]string, error) {
	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []any:
		paths := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("destination %s: %v is not a path", name, item)
			}
			paths = append(paths, s)
		}
		return paths, nil
	}
	return nil, fmt.Errorf("destination %s: expected a path or a list of paths", name)
}
