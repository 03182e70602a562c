package steps

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/research/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/research/internal/ratecontrol"
)

func TestDispatcherInvoke(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	table := Table{
		"ok": func(ctx context.Context, in Record) (Record, error) {
			return Record{"echo": in["query"]}, nil
		},
		"go_error": func(ctx context.Context, in Record) (Record, error) {
			return nil, errors.New("connection reset")
		},
		"envelope_error": func(ctx context.Context, in Record) (Record, error) {
			return Record{"error": "timeout", "resultCount": 0}, nil
		},
		"panics": func(ctx context.Context, in Record) (Record, error) {
			panic("boom")
		},
		"nil_output": func(ctx context.Context, in Record) (Record, error) {
			return nil, nil
		},
	}
	d := NewDispatcher(table, logger)

	t.Run("success", func(t *testing.T) {
		out := d.Invoke(ctx, "ok", Record{"query": "apples"})
		assert.Equal(t, Record{"echo": "apples"}, out)
		assert.NoError(t, out.Err("ok"))
	})

	t.Run("unknown step", func(t *testing.T) {
		out := d.Invoke(ctx, "missing", Record{})
		assert.Equal(t, "unknown step: missing", out.ErrorMessage())
	})

	t.Run("go error becomes envelope", func(t *testing.T) {
		out := d.Invoke(ctx, "go_error", Record{})
		assert.Equal(t, "connection reset", out.ErrorMessage())

		var stepErr *ExternalStepError
		require.ErrorAs(t, out.Err("go_error"), &stepErr)
		assert.Equal(t, "go_error", stepErr.Step)
	})

	t.Run("envelope error keeps other fields", func(t *testing.T) {
		out := d.Invoke(ctx, "envelope_error", Record{})
		assert.Equal(t, "timeout", out.ErrorMessage())
		assert.Equal(t, 0, out["resultCount"])
	})

	t.Run("panic becomes envelope", func(t *testing.T) {
		out := d.Invoke(ctx, "panics", Record{})
		assert.Contains(t, out.ErrorMessage(), "step panicked: boom")
	})

	t.Run("nil output is an empty record", func(t *testing.T) {
		out := d.Invoke(ctx, "nil_output", Record{})
		assert.NotNil(t, out)
		assert.Empty(t, out)
	})
}

func TestDispatcherBreakerOpensPerStep(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := circuitbreaker.DefaultConfig()
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour

	calls := 0
	table := Table{
		"search": func(ctx context.Context, in Record) (Record, error) {
			calls++
			return nil, errors.New("connection refused")
		},
		"plan": func(ctx context.Context, in Record) (Record, error) {
			return Record{"subTasks": []interface{}{}}, nil
		},
	}
	d := NewDispatcher(table, logger, WithBreakers(circuitbreaker.NewGroup("test-steps", cfg, logger)))
	ctx := context.Background()

	d.Invoke(ctx, "search", Record{})
	d.Invoke(ctx, "search", Record{})
	out := d.Invoke(ctx, "search", Record{})

	assert.Equal(t, 2, calls, "open breaker must not call the step")
	assert.Equal(t, circuitbreaker.ErrCircuitBreakerOpen.Error(), out.ErrorMessage())
	assert.Empty(t, d.Invoke(ctx, "plan", Record{}).ErrorMessage())
}

func TestDispatcherErrorEnvelopeKeepsBreakerClosed(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := circuitbreaker.DefaultConfig()
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour

	calls := 0
	table := Table{
		"search": func(ctx context.Context, in Record) (Record, error) {
			calls++
			return Record{"error": "timeout", "resultCount": 0}, nil
		},
	}
	group := circuitbreaker.NewGroup("test-envelopes", cfg, logger)
	d := NewDispatcher(table, logger, WithBreakers(group))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		out := d.Invoke(ctx, "search", Record{})
		assert.Equal(t, "timeout", out.ErrorMessage())
	}

	assert.Equal(t, 5, calls)
	assert.Equal(t, circuitbreaker.StateClosed, group.Get("search").State())
}

func TestDispatcherRateLimitHonoursContext(t *testing.T) {
	limiter := ratecontrol.NewLimiter(ratecontrol.Config{
		Steps: map[string]ratecontrol.StepLimit{"search": {RPS: 0.01, Burst: 1}},
	})
	table := Table{
		"search": func(ctx context.Context, in Record) (Record, error) {
			return Record{"resultCount": 1}, nil
		},
	}
	d := NewDispatcher(table, zaptest.NewLogger(t), WithLimiter(limiter))

	assert.Empty(t, d.Invoke(context.Background(), "search", Record{}).ErrorMessage())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out := d.Invoke(ctx, "search", Record{})
	assert.Contains(t, out.ErrorMessage(), "rate limit wait aborted")
}

func TestDecode(t *testing.T) {
	type task struct {
		ID          string `json:"id"`
		Description string `json:"description"`
	}
	type plan struct {
		Tasks      []task  `json:"subTasks"`
		Complexity string  `json:"complexity,omitempty"`
		Score      float64 `json:"score"`
		Tags       []string `json:"tags"`
	}

	in := Record{
		"subTasks": []interface{}{
			map[string]interface{}{"id": "t1", "description": "benefits of apples"},
		},
		"complexity": "simple",
		"score":      1,
		"tags":       "single",
		"extra":      true,
	}
	var p plan
	require.NoError(t, Decode(in, &p))
	assert.Equal(t, []task{{ID: "t1", Description: "benefits of apples"}}, p.Tasks)
	assert.Equal(t, "simple", p.Complexity)
	assert.Equal(t, 1.0, p.Score)
	assert.Equal(t, []string{"single"}, p.Tags)

	assert.Error(t, Decode(Record{"subTasks": "not a list of tasks"}, &p))
}

func TestRecordHelpers(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, Record{"c": 1, "a": 2, "b": 3}.Keys())
	assert.Equal(t, "", Record(nil).ErrorMessage())
	assert.Equal(t, "", Record{"error": ""}.ErrorMessage())
	assert.Equal(t, "boom", Record{"error": errors.New("boom")}.ErrorMessage())
	assert.EqualError(t, Record{"error": "timeout"}.Err("search"), "step search failed: timeout")
	assert.Equal(t, []string{"a", "b"}, Table{"b": nil, "a": nil}.Names())
}

func TestLoadScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
steps:
  complexity:
    - complexity: simple
  search:
    - error: timeout
    - subAnswer:
        content: apples are rich in fiber
        confidence: 0.9
        completeness: 0.85
      resultCount: 3
`), 0o644))

	script, err := LoadScript(path)
	require.NoError(t, err)
	table := script.Table()
	assert.Equal(t, []string{"complexity", "search"}, table.Names())

	ctx := context.Background()
	first, _ := table["search"](ctx, Record{})
	second, _ := table["search"](ctx, Record{})
	third, _ := table["search"](ctx, Record{})

	assert.Equal(t, "timeout", first.ErrorMessage())
	assert.Equal(t, 3, second["resultCount"])
	assert.Equal(t, second, third, "last output repeats")
	assert.Equal(t, 3, script.Calls("search"))

	var out struct {
		SubAnswer struct {
			Content    string  `json:"content"`
			Confidence float64 `json:"confidence"`
		} `json:"subAnswer"`
	}
	require.NoError(t, Decode(second, &out))
	assert.Equal(t, 0.9, out.SubAnswer.Confidence)
}

func TestLoadScriptErrors(t *testing.T) {
	_, err := LoadScript(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("steps: {}\n"), 0o644))
	_, err = LoadScript(empty)
	assert.Error(t, err)
}

func TestScriptWithoutOutputs(t *testing.T) {
	s := NewScript(map[string][]Record{"plan": nil})
	out, err := s.Table()["plan"](context.Background(), Record{})
	require.NoError(t, err)
	assert.Contains(t, out.ErrorMessage(), "no output for step plan")
}
