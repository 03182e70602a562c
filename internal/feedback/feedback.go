// Package feedback implements the optional checkpoint consulted before the
// planning loop starts another iteration. A provider may veto continuation;
// it can never force an iteration the heuristics declined.
package feedback

import (
	"context"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
)

// Checkpoint is what a provider gets to see at a Deciding step.
type Checkpoint struct {
	SessionID      string            `json:"sessionId"`
	Query          string            `json:"query"`
	Complexity     models.Complexity `json:"complexity"`
	Iteration      int               `json:"iteration"`
	MaxIterations  int               `json:"maxIterations"`
	Insight        models.Insight    `json:"insight"`
	Summary        string            `json:"summary"`
	AnsweredTasks  []string          `json:"answeredTasks"`
	MeanConfidence float64           `json:"meanConfidence"`
}

// Decision is a provider's verdict.
type Decision struct {
	Continue bool   `json:"continue"`
	Reason   string `json:"reason,omitempty"`
}

// Provider reviews a checkpoint.
type Provider interface {
	Name() string
	Review(ctx context.Context, cp Checkpoint) (Decision, error)
}

// AutoContinue always lets the loop continue.
type AutoContinue struct{}

func (AutoContinue) Name() string { return "auto" }

func (AutoContinue) Review(context.Context, Checkpoint) (Decision, error) {
	return Decision{Continue: true, Reason: "auto-continue"}, nil
}

// Static returns the same decision every time
type Static struct {
	Decision Decision
}

func (s Static) Name() string { return "static" }

func (s Static) Review(context.Context, Checkpoint) (Decision, error) {
	return s.Decision, nil
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, cp Checkpoint) (Decision, error)

func (f ProviderFunc) Name() string { return "func" }

func (f ProviderFunc) Review(ctx context.Context, cp Checkpoint) (Decision, error) {
	return f(ctx, cp)
}

// Consult asks p for a decision. A nil provider or a provider error means continue.
func Consult(ctx context.Context, p Provider, cp Checkpoint, logger *zap.Logger) Decision {
	if logger == nil {
		logger = zap.NewNop()
	}
	if p == nil {
		p = AutoContinue{}
	}

	d, err := p.Review(ctx, cp)
	if err != nil {
		logger.Warn("Feedback provider failed, continuing",
			zap.String("provider", p.Name()),
			zap.String("session_id", cp.SessionID),
			zap.Int("iteration", cp.Iteration),
			zap.Error(err),
		)
		d = Decision{Continue: true, Reason: "feedback unavailable: " + err.Error()}
	}

	label := "stop"
	if d.Continue {
		label = "continue"
	}
	metrics.FeedbackDecisions.WithLabelValues(p.Name(), label).Inc()

	logger.Info("Feedback decision",
		zap.String("provider", p.Name()),
		zap.String("session_id", cp.SessionID),
		zap.Int("iteration", cp.Iteration),
		zap.Bool("continue", d.Continue),
		zap.String("reason", d.Reason),
	)
	return d
}
