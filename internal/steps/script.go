package steps

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Script serves canned outputs per step, in order. Once a step's list is
// used up its last output repeats. It lets the research loop run end to end
// without any reasoning service behind it.
type Script struct {
	mu      sync.Mutex
	outputs map[string][]Record
	calls   map[string]int
}

type scriptFile struct {
	Steps map[string][]map[string]interface{} `yaml:"steps"`
}

// NewScript builds a script from in-memory outputs
func NewScript(outputs map[string][]Record) *Script {
	s := &Script{
		outputs: make(map[string][]Record, len(outputs)),
		calls:   make(map[string]int),
	}
	for name, recs := range outputs {
		s.outputs[name] = append([]Record(nil), recs...)
	}
	return s
}

// LoadScript reads a YAML fixture of the form
//
//	steps:
//	  plan:
//	    - subTasks: [{id: t1, description: benefits of apples}]
//	      complexity: simple
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script %s: %w", path, err)
	}
	var f scriptFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse script %s: %w", path, err)
	}
	if len(f.Steps) == 0 {
		return nil, fmt.Errorf("script %s defines no steps", path)
	}
	outputs := make(map[string][]Record, len(f.Steps))
	for name, recs := range f.Steps {
		for _, r := range recs {
			outputs[name] = append(outputs[name], Record(r))
		}
	}
	return NewScript(outputs), nil
}

// Table exposes every scripted step as a dispatch table entry
func (s *Script) Table() Table {
	t := make(Table, len(s.outputs))
	for name := range s.outputs {
		name := name
		t[name] = func(ctx context.Context, _ Record) (Record, error) {
			return s.next(name), nil
		}
	}
	return t
}

// Calls returns how many times step was served
func (s *Script) Calls(step string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[step]
}

func (s *Script) next(step string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.outputs[step]
	if len(recs) == 0 {
		return ErrorRecord("script has no output for step " + step)
	}
	i := s.calls[step]
	s.calls[step]++
	if i >= len(recs) {
		i = len(recs) - 1
	}
	out := make(Record, len(recs[i]))
	for k, v := range recs[i] {
		out[k] = v
	}
	return out
}
