package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// DecisionQuery is the rego rule a feedback policy must define.
const DecisionQuery = "data.research.feedback.decision"

// Mode controls how policy decisions are applied
type Mode string

const (
	// ModeOff skips evaluation
	ModeOff Mode = "off"
	// ModeDryRun evaluates and logs, but always continues
	ModeDryRun Mode = "dry-run"
	// ModeEnforce applies the policy decision
	ModeEnforce Mode = "enforce"
)

// PolicyConfig configures a PolicyProvider.
type PolicyConfig struct {
	Mode Mode `mapstructure:"mode" yaml:"mode"`
	// Path is a directory of .rego files or a single file
	Path string `mapstructure:"policy_path" yaml:"policy_path"`
	// FailClosed stops the loop when the policy cannot be loaded or evaluated
	FailClosed bool `mapstructure:"fail_closed" yaml:"fail_closed"`
}

// PolicyProvider decides continuation with an OPA policy.
type PolicyProvider struct {
	config PolicyConfig
	logger *zap.Logger

	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery
}

// NewPolicyProvider loads and compiles the policies under config.Path.
// A load failure is fatal only in fail-closed mode.
func NewPolicyProvider(config PolicyConfig, logger *zap.Logger) (*PolicyProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Mode == "" {
		config.Mode = ModeEnforce
	}
	p := &PolicyProvider{config: config, logger: logger}
	if config.Mode == ModeOff {
		return p, nil
	}
	if err := p.Reload(); err != nil {
		if config.FailClosed {
			return nil, fmt.Errorf("failed to load feedback policy in fail-closed mode: %w", err)
		}
		logger.Warn("Failed to load feedback policy, running fail-open", zap.Error(err))
	}
	return p, nil
}

func (p *PolicyProvider) Name() string { return "policy" }

// Ready reports whether a compiled policy is available.
func (p *PolicyProvider) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.compiled != nil
}

// Reload recompiles the policies. On failure the previous policy stays active.
func (p *PolicyProvider) Reload() error {
	modules, err := readModules(p.config.Path)
	if err != nil {
		return err
	}
	if len(modules) == 0 {
		return fmt.Errorf("no .rego files found in %s", p.config.Path)
	}

	opts := []func(*rego.Rego){rego.Query(DecisionQuery)}
	for name, src := range modules {
		opts = append(opts, rego.Module(name, src))
	}
	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to compile feedback policy: %w", err)
	}

	p.mu.Lock()
	p.compiled = &compiled
	p.mu.Unlock()

	p.logger.Info("Feedback policy loaded",
		zap.String("path", p.config.Path),
		zap.Int("policy_count", len(modules)),
		zap.String("decision_query", DecisionQuery),
	)
	return nil
}

func readModules(path string) (map[string]string, error) {
	modules := make(map[string]string)
	err := filepath.Walk(path, func(file string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", file, err)
		}
		name := info.Name()
		if rel, err := filepath.Rel(path, file); err == nil && rel != "." {
			name = rel
		}
		modules[strings.TrimSuffix(name, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk policy path: %w", err)
	}
	return modules, nil
}

// Review evaluates the checkpoint. Evaluation problems never surface as errors:
// fail-open continues and fail-closed stops.
func (p *PolicyProvider) Review(ctx context.Context, cp Checkpoint) (Decision, error) {
	if p.config.Mode == ModeOff {
		return Decision{Continue: true, Reason: "feedback policy off"}, nil
	}

	p.mu.RLock()
	compiled := p.compiled
	p.mu.RUnlock()
	if compiled == nil {
		return p.fallback("feedback policy not loaded"), nil
	}

	input, err := toInput(cp)
	if err != nil {
		p.logger.Error("Failed to convert checkpoint", zap.Error(err))
		return p.fallback("checkpoint conversion failed"), nil
	}

	results, err := compiled.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		p.logger.Error("Feedback policy evaluation failed",
			zap.String("session_id", cp.SessionID),
			zap.Error(err),
		)
		return p.fallback("feedback policy evaluation error"), nil
	}

	d := parseResults(results)
	if p.config.Mode == ModeDryRun {
		p.logger.Info("Feedback policy dry-run",
			zap.String("session_id", cp.SessionID),
			zap.Bool("would_continue", d.Continue),
			zap.String("reason", d.Reason),
		)
		return Decision{Continue: true, Reason: "dry-run: " + d.Reason}, nil
	}
	return d, nil
}

func (p *PolicyProvider) fallback(reason string) Decision {
	if p.config.FailClosed {
		return Decision{Continue: false, Reason: reason}
	}
	return Decision{Continue: true, Reason: reason}
}

func toInput(cp Checkpoint) (map[string]interface{}, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// parseResults reads {continue, reason} or a bare boolean. An undefined
// decision continues.
func parseResults(results rego.ResultSet) Decision {
	d := Decision{Continue: true, Reason: "no matching policy rules"}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return d
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case map[string]interface{}:
		if c, ok := v["continue"].(bool); ok {
			d.Continue = c
		}
		if r, ok := v["reason"].(string); ok {
			d.Reason = r
		}
	case bool:
		d.Continue = v
		if v {
			d.Reason = "continue allowed by policy"
		} else {
			d.Reason = "stopped by policy"
		}
	}
	return d
}
