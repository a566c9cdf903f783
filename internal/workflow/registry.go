// Package workflow holds the immutable catalogue of workflow
// definitions: ordered stages, assigned agents, and parallel groups.
package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Stage is one element of a workflow. Stages sharing a non-empty Group
// execute concurrently and the workflow waits for all of them before
// advancing.
type Stage struct {
	Name  string `yaml:"name"`
	Agent string `yaml:"agent"`
	Group string `yaml:"group,omitempty"`
}

// Workflow is an ordered plan of stages.
type Workflow struct {
	Name   string  `yaml:"name"`
	Stages []Stage `yaml:"stages"`
}

// Block is a run of stages dispatched together. Parallel is true when
// the block holds more than one stage from the same group.
type Block struct {
	Stages   []Stage
	Parallel bool
}

// Blocks partitions the stage list into sequential execution blocks:
// adjacent stages sharing a group tag collapse into one parallel block,
// everything else runs as a single-stage block.
func (w *Workflow) Blocks() []Block {
	var blocks []Block
	for i := 0; i < len(w.Stages); {
		s := w.Stages[i]
		if s.Group == "" {
			blocks = append(blocks, Block{Stages: []Stage{s}})
			i++
			continue
		}
		j := i
		for j < len(w.Stages) && w.Stages[j].Group == s.Group {
			j++
		}
		blocks = append(blocks, Block{Stages: w.Stages[i:j], Parallel: j-i > 1})
		i = j
	}
	return blocks
}

// UnknownWorkflowError reports a registry miss.
type UnknownWorkflowError struct {
	Name string
}

func (e *UnknownWorkflowError) Error() string {
	return fmt.Sprintf("unknown workflow: %s", e.Name)
}

// Registry resolves workflow names to stage plans. It is immutable
// after construction.
type Registry struct {
	workflows map[string]*Workflow
}

// Builtins returns the default workflow catalogue.
func Builtins() []*Workflow {
	return []*Workflow{
		{
			Name: "standard",
			Stages: []Stage{
				{Name: "plan", Agent: "planner"},
				{Name: "implement", Agent: "developer"},
				{Name: "test", Agent: "tester"},
				{Name: "review", Agent: "reviewer"},
			},
		},
		{
			Name: "full",
			Stages: []Stage{
				{Name: "plan", Agent: "planner"},
				{Name: "design", Agent: "architect"},
				{Name: "implement", Agent: "developer"},
				{Name: "test", Agent: "tester", Group: "verify"},
				{Name: "review", Agent: "reviewer", Group: "verify"},
			},
		},
		{
			Name: "quick",
			Stages: []Stage{
				{Name: "implement", Agent: "developer"},
				{Name: "review", Agent: "reviewer"},
			},
		},
	}
}

// NewRegistry builds a registry from the given workflows. Duplicate
// names, empty stage lists, and stages without an agent are rejected.
func NewRegistry(workflows []*Workflow) (*Registry, error) {
	r := &Registry{workflows: make(map[string]*Workflow, len(workflows))}
	for _, w := range workflows {
		if w.Name == "" {
			return nil, fmt.Errorf("workflow with empty name")
		}
		if _, exists := r.workflows[w.Name]; exists {
			return nil, fmt.Errorf("duplicate workflow: %s", w.Name)
		}
		if len(w.Stages) == 0 {
			return nil, fmt.Errorf("workflow %s has no stages", w.Name)
		}
		seen := make(map[string]bool, len(w.Stages))
		for _, s := range w.Stages {
			if s.Name == "" || s.Agent == "" {
				return nil, fmt.Errorf("workflow %s: stage needs a name and an agent", w.Name)
			}
			if seen[s.Name] {
				return nil, fmt.Errorf("workflow %s: duplicate stage %s", w.Name, s.Name)
			}
			seen[s.Name] = true
		}
		r.workflows[w.Name] = w
	}
	return r, nil
}

// NewDefaultRegistry returns a registry holding only the built-ins.
func NewDefaultRegistry() *Registry {
	r, err := NewRegistry(Builtins())
	if err != nil {
		panic(err) // built-ins are static and validated by tests
	}
	return r
}

// catalogueFile is the YAML shape of a workflow catalogue file.
type catalogueFile struct {
	Workflows []*Workflow `yaml:"workflows"`
}

// LoadFile builds a registry from the built-ins plus the catalogue at
// path. File entries sharing a built-in name replace the built-in.
func LoadFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow catalogue: %w", err)
	}

	var file catalogueFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse workflow catalogue: %w", err)
	}

	merged := make(map[string]*Workflow)
	var order []string
	for _, w := range Builtins() {
		merged[w.Name] = w
		order = append(order, w.Name)
	}
	for _, w := range file.Workflows {
		if w == nil {
			continue
		}
		if _, exists := merged[w.Name]; !exists {
			order = append(order, w.Name)
		}
		merged[w.Name] = w
	}

	all := make([]*Workflow, 0, len(order))
	for _, name := range order {
		all = append(all, merged[name])
	}
	return NewRegistry(all)
}

// Get resolves a workflow by name.
func (r *Registry) Get(name string) (*Workflow, error) {
	w, ok := r.workflows[name]
	if !ok {
		return nil, &UnknownWorkflowError{Name: name}
	}
	return w, nil
}

// Has reports whether the registry knows the workflow.
func (r *Registry) Has(name string) bool {
	_, ok := r.workflows[name]
	return ok
}

// Names returns the catalogue's workflow names (unordered).
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	return names
}
