// Package scope builds the input record for each external step. Each builder
// takes only the state its consumer may see and copies it, so a step can
// neither observe nor mutate anything outside its scope.
//
//	plan         query, previousPlan?, previousAnswers?, insight?
//	complexity   query
//	search_plan  task, attemptHistory, previousTask?, previousAnswer?
//	search       task, strategy, attempt, previousAttempts
//	insight      query, subAnswers
//	answer_plan  query, subAnswers, insight
//	answer       query, subAnswers, plan
package scope

import (
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/steps"
)

// Field names used in step input records.
const (
	FieldQuery            = "query"
	FieldPreviousPlan     = "previousPlan"
	FieldPreviousAnswers  = "previousAnswers"
	FieldInsight          = "insight"
	FieldTask             = "task"
	FieldAttemptHistory   = "attemptHistory"
	FieldPreviousTask     = "previousTask"
	FieldPreviousAnswer   = "previousAnswer"
	FieldStrategy         = "strategy"
	FieldAttempt          = "attempt"
	FieldPreviousAttempts = "previousAttempts"
	FieldSubAnswers       = "subAnswers"
	FieldPlan             = "plan"
)

// PlanInput is the state the planning step may see. Zero values are omitted.
type PlanInput struct {
	Query           string
	PreviousPlan    *models.Plan
	PreviousAnswers map[string]models.SubAnswer
	Insight         *models.Insight
}

// TaskContext is the situational context handed to the search loop for one task:
// the immediately preceding task's id and, if it has one, its accepted answer.
type TaskContext struct {
	PreviousTaskID string
	PreviousAnswer *models.SubAnswer
}

// ForComplexity builds the complexity-estimate input
func ForComplexity(query string) steps.Record {
	return steps.Record{FieldQuery: query}
}

// ForPlan builds the planning input. The first iteration carries the query only.
func ForPlan(in PlanInput) steps.Record {
	rec := steps.Record{FieldQuery: in.Query}
	if in.PreviousPlan != nil {
		rec[FieldPreviousPlan] = in.PreviousPlan.Clone()
	}
	if len(in.PreviousAnswers) > 0 {
		rec[FieldPreviousAnswers] = models.CloneAnswers(in.PreviousAnswers)
	}
	if in.Insight != nil {
		rec[FieldInsight] = cloneInsight(*in.Insight)
	}
	return rec
}

// ForTask derives the scoped context for tasks[index]. Only the task right before
// it is visible; its answer comes from this round first, then from earlier rounds.
func ForTask(tasks []models.Task, index int, current, prior map[string]models.SubAnswer) TaskContext {
	if index <= 0 || index > len(tasks) {
		return TaskContext{}
	}
	prev := tasks[index-1]
	tc := TaskContext{PreviousTaskID: prev.ID}
	if a, ok := current[prev.ID]; ok {
		tc.PreviousAnswer = &a
	} else if a, ok := prior[prev.ID]; ok {
		tc.PreviousAnswer = &a
	}
	return tc
}

// ForSearchPlan builds the search-planning input for one task
func ForSearchPlan(task models.Task, attempts []models.SearchAttempt, tc TaskContext) steps.Record {
	rec := steps.Record{
		FieldTask:           task,
		FieldAttemptHistory: summaries(attempts),
	}
	if tc.PreviousTaskID != "" {
		rec[FieldPreviousTask] = tc.PreviousTaskID
		if tc.PreviousAnswer != nil {
			rec[FieldPreviousAnswer] = *tc.PreviousAnswer
		}
	}
	return rec
}

// ForSearchExec builds the search/execution input for attempt n (1-based).
// Earlier attempts are passed as summaries without their retrieved results.
func ForSearchExec(task models.Task, strategy models.SearchStrategy, n int, previous []models.SearchAttempt) steps.Record {
	return steps.Record{
		FieldTask:             task,
		FieldStrategy:         cloneStrategy(strategy),
		FieldAttempt:          n,
		FieldPreviousAttempts: summaries(previous),
	}
}

// ForInsight builds the insight input
func ForInsight(query string, answers map[string]models.SubAnswer) steps.Record {
	return steps.Record{
		FieldQuery:      query,
		FieldSubAnswers: models.CloneAnswers(answers),
	}
}

// ForAnswerPlan builds the answer-planning input
func ForAnswerPlan(query string, answers map[string]models.SubAnswer, insight models.Insight) steps.Record {
	return steps.Record{
		FieldQuery:      query,
		FieldSubAnswers: models.CloneAnswers(answers),
		FieldInsight:    cloneInsight(insight),
	}
}

// ForAnswer builds the final answer input; plan is the answer plan, not the research plan
func ForAnswer(query string, answers map[string]models.SubAnswer, plan models.AnswerPlan) steps.Record {
	return steps.Record{
		FieldQuery:      query,
		FieldSubAnswers: models.CloneAnswers(answers),
		FieldPlan:       models.AnswerPlan{Outline: append([]string(nil), plan.Outline...)},
	}
}

func summaries(attempts []models.SearchAttempt) []models.AttemptSummary {
	out := make([]models.AttemptSummary, 0, len(attempts))
	for _, a := range attempts {
		s := a.Summary()
		s.Strategy = cloneStrategy(s.Strategy)
		out = append(out, s)
	}
	return out
}

func cloneStrategy(s models.SearchStrategy) models.SearchStrategy {
	return models.SearchStrategy{
		Queries: append([]string(nil), s.Queries...),
		Tools:   append([]string(nil), s.Tools...),
	}
}

func cloneInsight(i models.Insight) models.Insight {
	return models.Insight{
		KeyThemes:           append([]string(nil), i.KeyThemes...),
		UnansweredQuestions: append([]string(nil), i.UnansweredQuestions...),
		AreasOfDisagreement: append([]string(nil), i.AreasOfDisagreement...),
		UnexpectedFindings:  append([]string(nil), i.UnexpectedFindings...),
	}
}
