package research

import (
	"context"
	"sync"

	"github.com/Kocoro-lab/Shannon/go/research/internal/steps"
)

type stepCall struct {
	name string
	in   steps.Record
}

// fakeSteps answers each step from a handler and records every call in order.
type fakeSteps struct {
	mu       sync.Mutex
	handlers map[string]func(in steps.Record, n int) steps.Record
	calls    []stepCall
	counts   map[string]int
}

func newFakeSteps() *fakeSteps {
	return &fakeSteps{
		handlers: make(map[string]func(in steps.Record, n int) steps.Record),
		counts:   make(map[string]int),
	}
}

// on registers a handler; n is the 1-based call number for that step.
func (f *fakeSteps) on(name string, h func(in steps.Record, n int) steps.Record) *fakeSteps {
	f.handlers[name] = h
	return f
}

// always registers a fixed output
func (f *fakeSteps) always(name string, out steps.Record) *fakeSteps {
	return f.on(name, func(steps.Record, int) steps.Record { return copyRecord(out) })
}

// sequence serves outs in order, repeating the last one
func (f *fakeSteps) sequence(name string, outs ...steps.Record) *fakeSteps {
	return f.on(name, func(_ steps.Record, n int) steps.Record {
		if n > len(outs) {
			n = len(outs)
		}
		return copyRecord(outs[n-1])
	})
}

func (f *fakeSteps) Invoke(ctx context.Context, name string, in steps.Record) steps.Record {
	f.mu.Lock()
	f.counts[name]++
	n := f.counts[name]
	f.calls = append(f.calls, stepCall{name: name, in: in})
	h := f.handlers[name]
	f.mu.Unlock()

	if h == nil {
		return steps.ErrorRecord("no handler for " + name)
	}
	return h(in, n)
}

func (f *fakeSteps) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[name]
}

func (f *fakeSteps) callsTo(name string) []steps.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []steps.Record
	for _, c := range f.calls {
		if c.name == name {
			out = append(out, c.in)
		}
	}
	return out
}

func (f *fakeSteps) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		names = append(names, c.name)
	}
	return names
}

func copyRecord(r steps.Record) steps.Record {
	out := make(steps.Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func candidate(content string, confidence, completeness float64) steps.Record {
	return steps.Record{
		"subAnswer": map[string]interface{}{
			"content":      content,
			"confidence":   confidence,
			"completeness": completeness,
		},
		"resultCount": 2,
		"results": []map[string]interface{}{
			{"title": "a", "url": "https://example.com/a"},
			{"title": "b", "url": "https://example.com/b"},
		},
	}
}

func strategy(queries ...string) steps.Record {
	return steps.Record{"queries": queries, "tools": []string{"web_search"}}
}
