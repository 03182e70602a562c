// Package convergence holds the pure stop/continue decisions used by the research loops.
// Nothing in here performs I/O.
package convergence

import "github.com/Kocoro-lab/Shannon/go/research/internal/models"

// Verdict reasons
const (
	ReasonNeedsFurtherSearch = "needs_further_search"
	ReasonToolError          = "tool_error"
	ReasonNoCandidate        = "no_candidate"
	ReasonThresholdMet       = "threshold_met"
	ReasonImproving          = "improving"
	ReasonInsufficient       = "insufficient"
)

// DefaultAttemptBudget is the per-task search attempt budget when none is configured.
const DefaultAttemptBudget = 3

// Thresholds for the sufficiency check.
type Thresholds struct {
	// Accept: both metrics at or above this are sufficient on any attempt.
	Accept float64 `mapstructure:"accept"`
	// Improving: floor for accepting a still-improving candidate from attempt 2 on.
	Improving float64 `mapstructure:"improving"`
}

// DefaultThresholds returns the 0.8 / 0.6 bars.
func DefaultThresholds() Thresholds {
	return Thresholds{Accept: 0.8, Improving: 0.6}
}

// SufficiencyCheck evaluates the last attempt in attempts using DefaultThresholds.
func SufficiencyCheck(attempts []models.SearchAttempt) models.Verdict {
	return DefaultThresholds().SufficiencyCheck(attempts)
}

// SufficiencyCheck evaluates the last attempt in attempts. Rules apply in order, first match wins:
// explicit needs-further-search flag, tool error, both metrics >= Accept, then from the second attempt
// on both metrics >= Improving and both strictly greater than the preceding attempt's candidate.
func (t Thresholds) SufficiencyCheck(attempts []models.SearchAttempt) models.Verdict {
	if len(attempts) == 0 {
		return models.Verdict{Reason: ReasonNoCandidate}
	}
	current := attempts[len(attempts)-1]
	cand := current.Candidate

	if cand != nil && cand.NeedsFurtherSearch {
		return models.Verdict{Reason: ReasonNeedsFurtherSearch}
	}
	if current.Error != "" {
		return models.Verdict{Reason: ReasonToolError}
	}
	if cand == nil {
		return models.Verdict{Reason: ReasonNoCandidate}
	}
	if cand.Confidence >= t.Accept && cand.Completeness >= t.Accept {
		return models.Verdict{Sufficient: true, Reason: ReasonThresholdMet}
	}
	if len(attempts) >= 2 && cand.Confidence >= t.Improving && cand.Completeness >= t.Improving {
		prev := attempts[len(attempts)-2].Candidate
		// A preceding attempt without a candidate gives no trend to improve on.
		if prev != nil && cand.Confidence > prev.Confidence && cand.Completeness > prev.Completeness {
			return models.Verdict{Sufficient: true, Reason: ReasonImproving}
		}
	}
	return models.Verdict{Reason: ReasonInsufficient}
}

// IterationBudget maps a complexity class to the maximum number of outer planning iterations.
// Unknown classes get the medium budget.
func IterationBudget(c models.Complexity) int {
	switch c {
	case models.ComplexitySimple:
		return 1
	case models.ComplexityComplex:
		return 3
	default:
		return 2
	}
}

// AttemptBudget returns the configured per-task attempt budget, or DefaultAttemptBudget when unset.
func AttemptBudget(configured int) int {
	if configured < 1 {
		return DefaultAttemptBudget
	}
	return configured
}

// ReplanCheck reports whether the outer loop should run another iteration.
// iteration is 0-based; maxIterations comes from IterationBudget.
func ReplanCheck(iteration, maxIterations int, insight models.Insight) bool {
	if iteration >= maxIterations-1 {
		return false
	}
	if len(insight.UnansweredQuestions) > 1 {
		return true
	}
	if len(insight.AreasOfDisagreement) > 1 {
		return true
	}
	if len(insight.UnexpectedFindings) > 0 && iteration < 1 {
		return true
	}
	return false
}

// FeedbackOffered reports whether the human-feedback checkpoint runs at this iteration:
// always for complex, from the second iteration on for medium, never for simple.
func FeedbackOffered(c models.Complexity, iteration int) bool {
	switch c {
	case models.ComplexityComplex:
		return true
	case models.ComplexityMedium:
		return iteration >= 1
	default:
		return false
	}
}
