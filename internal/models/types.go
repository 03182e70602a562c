package models

import (
	"fmt"
	"strings"
	"time"
)

// Complexity classes
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// ParseComplexity normalizes a complexity label. Unknown labels report false.
func ParseComplexity(s string) (Complexity, bool) {
	switch Complexity(strings.ToLower(strings.TrimSpace(s))) {
	case ComplexitySimple:
		return ComplexitySimple, true
	case ComplexityMedium:
		return ComplexityMedium, true
	case ComplexityComplex:
		return ComplexityComplex, true
	default:
		return "", false
	}
}

// Task resolution statuses
const (
	TaskStatusResolved          = "resolved"
	TaskStatusBestEffort        = "best_effort"
	TaskStatusMaxAttempts       = "max_attempts_reached"
	TaskStatusMissingInput      = "missing_input"
	TaskStatusUnexpectedFailure = "failed"
)

// Task is one sub-goal of a plan. Its position in Plan.Tasks is its priority.
type Task struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Priority    string `json:"priority,omitempty"`
}

// Plan is the immutable output of a planning step.
type Plan struct {
	Tasks      []Task     `json:"subTasks"`
	Complexity Complexity `json:"complexity,omitempty"`
	Rationale  string     `json:"rationale,omitempty"`
}

// Clone returns a deep copy so later iterations never alias an earlier plan.
func (p Plan) Clone() Plan {
	out := p
	out.Tasks = append([]Task(nil), p.Tasks...)
	return out
}

// TaskIDs returns the task ids in priority order.
func (p Plan) TaskIDs() []string {
	ids := make([]string, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		ids = append(ids, t.ID)
	}
	return ids
}

// SearchStrategy is what the search-plan step decided to run for one attempt.
type SearchStrategy struct {
	Queries []string `json:"queries"`
	Tools   []string `json:"tools"`
}

// SubAnswer is a candidate or accepted answer for one task.
type SubAnswer struct {
	Content            string  `json:"content"`
	Confidence         float64 `json:"confidence"`
	Completeness       float64 `json:"completeness"`
	NeedsFurtherSearch bool    `json:"needsFurtherSearch"`
}

// Verdict is the outcome of a sufficiency check.
type Verdict struct {
	Sufficient bool   `json:"sufficient"`
	Reason     string `json:"reason"`
}

// SearchAttempt is one plan-search-evaluate cycle for a task.
type SearchAttempt struct {
	Index       int                      `json:"attempt"`
	Strategy    SearchStrategy           `json:"strategy"`
	ResultCount int                      `json:"resultCount"`
	Results     []map[string]interface{} `json:"results,omitempty"`
	Candidate   *SubAnswer               `json:"candidate,omitempty"`
	Error       string                   `json:"error,omitempty"`
	Verdict     Verdict                  `json:"verdict"`
	Timestamp   time.Time                `json:"timestamp"`
}

// AttemptSummary is the view of an attempt that later attempts may see.
// Raw results are intentionally absent.
type AttemptSummary struct {
	Index        int            `json:"attempt"`
	Strategy     SearchStrategy `json:"strategy"`
	Verdict      Verdict        `json:"verdict"`
	Confidence   float64        `json:"confidence"`
	Completeness float64        `json:"completeness"`
	Error        string         `json:"error,omitempty"`
}

// Summary strips an attempt down to strategy and verdict.
func (a SearchAttempt) Summary() AttemptSummary {
	s := AttemptSummary{
		Index:    a.Index,
		Strategy: a.Strategy,
		Verdict:  a.Verdict,
		Error:    a.Error,
	}
	if a.Candidate != nil {
		s.Confidence = a.Candidate.Confidence
		s.Completeness = a.Candidate.Completeness
	}
	return s
}

// Insight is a progress assessment over the accumulated answers.
type Insight struct {
	KeyThemes           []string `json:"keyThemes"`
	UnansweredQuestions []string `json:"unansweredQuestions"`
	AreasOfDisagreement []string `json:"areasOfDisagreement"`
	UnexpectedFindings  []string `json:"unexpectedFindings"`
}

// Summary renders a short digest: up to 3 themes, 2 open questions and 2 findings.
func (i Insight) Summary() string {
	var b strings.Builder
	b.WriteString("research insight summary:")
	write := func(label string, items []string, limit int) {
		if len(items) == 0 {
			return
		}
		if len(items) > limit {
			items = items[:limit]
		}
		fmt.Fprintf(&b, " %s: %s;", label, strings.Join(items, ", "))
	}
	write("themes", i.KeyThemes, 3)
	write("open questions", i.UnansweredQuestions, 2)
	write("unexpected findings", i.UnexpectedFindings, 2)
	return strings.TrimSuffix(b.String(), ";")
}

// AnswerPlan is the outline for the final answer.
type AnswerPlan struct {
	Outline []string `json:"outline"`
}

// FinalAnswer is the terminal artifact of a session.
type FinalAnswer struct {
	Content string `json:"content"`
}

// CloneAnswers copies an answer map so callers never share it.
func CloneAnswers(in map[string]SubAnswer) map[string]SubAnswer {
	out := make(map[string]SubAnswer, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
