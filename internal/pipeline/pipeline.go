// Package pipeline manages reusable workflow presets: named DAG shapes
// loaded from YAML that clients instantiate against their own slide image.
// Built-in presets ship embedded in the binary; an optional overlay
// directory adds or replaces presets by name and can be watched for hot
// reload.
package pipeline

import (
	"fmt"
	"strings"

	"github.com/slidewise/conveyor/internal/engine"
	"github.com/slidewise/conveyor/internal/model"
)

// Source indicates where a preset originated from.
type Source string

const (
	// SourceBuiltIn indicates a preset bundled with the binary.
	SourceBuiltIn Source = "built-in"
	// SourceUser indicates a preset from the overlay directory.
	SourceUser Source = "user"
)

// JobTemplate is one job slot in a preset. ID doubles as the client_id of
// the instantiated job, so depends_on references between templates survive
// the engine's ID rewriting.
type JobTemplate struct {
	ID        string   `yaml:"id" json:"id"`
	Type      string   `yaml:"job_type" json:"job_type"`
	Branch    string   `yaml:"branch,omitempty" json:"branch,omitempty"`
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

// Preset is a reusable workflow shape.
type Preset struct {
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Jobs        []JobTemplate `yaml:"jobs" json:"jobs"`

	// Source and FilePath are set by the loader, not the document.
	Source   Source `yaml:"-" json:"source"`
	FilePath string `yaml:"-" json:"-"`
}

// Validate checks the preset is instantiable: named, at least one job,
// unique separator-free job IDs, known job types, and a resolvable acyclic
// dependency graph.
func (p Preset) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("preset missing required field: name")
	}
	if len(p.Jobs) == 0 {
		return fmt.Errorf("preset %s has no jobs", p.Name)
	}
	seen := make(map[string]struct{}, len(p.Jobs))
	for i, jt := range p.Jobs {
		if jt.ID == "" {
			return fmt.Errorf("preset %s: job %d missing id", p.Name, i)
		}
		if strings.ContainsAny(jt.ID, `/\`) {
			return fmt.Errorf("preset %s: job id %q must not contain path separators", p.Name, jt.ID)
		}
		if _, dup := seen[jt.ID]; dup {
			return fmt.Errorf("preset %s: duplicate job id %q", p.Name, jt.ID)
		}
		seen[jt.ID] = struct{}{}
		if _, err := model.ParseJobType(jt.Type); err != nil {
			return fmt.Errorf("preset %s: job %s: %v", p.Name, jt.ID, err)
		}
	}
	for _, jt := range p.Jobs {
		for _, dep := range jt.DependsOn {
			if dep == jt.ID {
				return fmt.Errorf("preset %s: job %q cannot depend on itself", p.Name, jt.ID)
			}
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("preset %s: job %q depends on unknown job %q", p.Name, jt.ID, dep)
			}
		}
	}
	if hasCycle(p.Jobs) {
		return fmt.Errorf("preset %s contains a dependency cycle", p.Name)
	}
	return nil
}

// Instantiate binds the preset to a concrete slide image, producing a
// workflow submission the engine validates and rewrites like any other.
// A non-empty name overrides the workflow name; a non-empty branch
// overrides every job's branch, so the same preset can be rerun on a
// fresh branch.
func (p Preset) Instantiate(name, imagePath, branch string) engine.CreateWorkflowRequest {
	if name == "" {
		name = p.Name
	}
	req := engine.CreateWorkflowRequest{
		Name:     name,
		Metadata: map[string]any{"pipeline": p.Name},
	}
	for _, jt := range p.Jobs {
		jr := engine.JobRequest{
			ClientID:  jt.ID,
			Type:      jt.Type,
			ImagePath: imagePath,
			Branch:    jt.Branch,
			DependsOn: append([]string(nil), jt.DependsOn...),
		}
		if branch != "" {
			jr.Branch = branch
		}
		req.Jobs = append(req.Jobs, jr)
	}
	return req
}

func hasCycle(jobs []JobTemplate) bool {
	adj := make(map[string][]string, len(jobs))
	indeg := make(map[string]int, len(jobs))
	for _, jt := range jobs {
		indeg[jt.ID] += 0
		for _, dep := range jt.DependsOn {
			adj[dep] = append(adj[dep], jt.ID)
			indeg[jt.ID]++
		}
	}
	queue := make([]string, 0, len(jobs))
	for id, d := range indeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range adj[id] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return processed != len(jobs)
}
