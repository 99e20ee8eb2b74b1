// Package workflow reads the pipeline file a runner executes and reports
// through the relay.
package workflow

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrInvalidWorkflow = errors.New("invalid workflow")

type Workflow struct {
	Name   string  `yaml:"name"`
	Stages []Stage `yaml:"stages"`
}

type Stage struct {
	Name string `yaml:"name"`
	Run  string `yaml:"run"`
}

func Parse(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}
	if err := wf.validate(); err != nil {
		return nil, err
	}
	return &wf, nil
}

func ParseFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	return Parse(data)
}

// validate requires at least one stage, each with a unique name and a command.
func (wf *Workflow) validate() error {
	if len(wf.Stages) == 0 {
		return fmt.Errorf("%w: no stages", ErrInvalidWorkflow)
	}
	seen := make(map[string]bool, len(wf.Stages))
	for i, st := range wf.Stages {
		name := strings.TrimSpace(st.Name)
		if name == "" {
			return fmt.Errorf("%w: stage %d has no name", ErrInvalidWorkflow, i)
		}
		if seen[name] {
			return fmt.Errorf("%w: duplicate stage %q", ErrInvalidWorkflow, name)
		}
		seen[name] = true
		if strings.TrimSpace(st.Run) == "" {
			return fmt.Errorf("%w: stage %q has nothing to run", ErrInvalidWorkflow, name)
		}
		wf.Stages[i].Name = name
	}
	return nil
}
