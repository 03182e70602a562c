package research

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/convergence"
	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/scope"
	"github.com/Kocoro-lab/Shannon/go/research/internal/statestore"
	"github.com/Kocoro-lab/Shannon/go/research/internal/steps"
	"github.com/Kocoro-lab/Shannon/go/research/internal/util"
)

const defaultSearchTool = "web_search"

// ResolveResult is the outcome of the search loop for one task.
type ResolveResult struct {
	TaskID       string                 `json:"taskId"`
	SubAnswer    *models.SubAnswer      `json:"subAnswer,omitempty"`
	Attempts     []models.SearchAttempt `json:"attempts"`
	AttemptsUsed int                    `json:"attemptsUsed"`
	Status       string                 `json:"status"`
}

// Resolver resolves one task.
type Resolver interface {
	Resolve(ctx context.Context, task models.Task, tc scope.TaskContext, budget int) (ResolveResult, error)
}

// SearchResolver runs plan-search-evaluate cycles for a task until a
// candidate is sufficient or the attempt budget runs out.
type SearchResolver struct {
	steps      steps.Invoker
	journal    *journal
	thresholds convergence.Thresholds
	logger     *zap.Logger
}

// NewSearchResolver creates a resolver writing to store
func NewSearchResolver(inv steps.Invoker, store statestore.Store, thresholds convergence.Thresholds, logger *zap.Logger) *SearchResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SearchResolver{
		steps:      inv,
		journal:    &journal{store: store, logger: logger},
		thresholds: thresholds,
		logger:     logger,
	}
}

type searchOutput struct {
	SubAnswer   *models.SubAnswer        `json:"subAnswer"`
	ResultCount int                      `json:"resultCount"`
	Results     []map[string]interface{} `json:"results"`
}

// Resolve runs at most budget attempts. When the budget runs out, the last
// attempt's candidate, if any, is adopted as a best-effort answer.
func (r *SearchResolver) Resolve(ctx context.Context, task models.Task, tc scope.TaskContext, budget int) (ResolveResult, error) {
	if strings.TrimSpace(task.ID) == "" || strings.TrimSpace(task.Description) == "" {
		return ResolveResult{TaskID: task.ID, Status: models.TaskStatusMissingInput},
			fmt.Errorf("%w: task requires an id and a description", ErrMissingInput)
	}
	budget = convergence.AttemptBudget(budget)

	res := ResolveResult{TaskID: task.ID}
	var attempts []models.SearchAttempt

	for n := 1; n <= budget; n++ {
		if err := ctx.Err(); err != nil {
			res.Attempts = attempts
			res.AttemptsUsed = len(attempts)
			res.Status = models.TaskStatusUnexpectedFailure
			return res, err
		}

		attempt := r.runAttempt(ctx, task, tc, n, attempts)
		attempt.Verdict = r.thresholds.SufficiencyCheck(append(attempts, attempt))
		attempts = append(attempts, attempt)

		metrics.SearchAttempts.WithLabelValues(attempt.Verdict.Reason).Inc()
		r.journal.save(ctx, statestore.AttemptKey(task.ID, n), attempt)
		r.journal.append(ctx, logSearchAttempt, map[string]interface{}{
			"taskId":      task.ID,
			"attempt":     n,
			"resultCount": attempt.ResultCount,
			"error":       attempt.Error,
			"verdict":     attempt.Verdict,
		})

		r.logger.Debug("Search attempt evaluated",
			zap.String("task_id", task.ID),
			zap.Int("attempt", n),
			zap.Bool("sufficient", attempt.Verdict.Sufficient),
			zap.String("reason", attempt.Verdict.Reason),
		)

		if attempt.Verdict.Sufficient {
			answer := *attempt.Candidate
			res.SubAnswer = &answer
			res.Status = models.TaskStatusResolved
			break
		}
	}

	res.Attempts = attempts
	res.AttemptsUsed = len(attempts)

	if res.Status == "" {
		last := attempts[len(attempts)-1]
		if last.Candidate != nil {
			answer := *last.Candidate
			res.SubAnswer = &answer
			res.Status = models.TaskStatusBestEffort
		} else {
			res.Status = models.TaskStatusMaxAttempts
		}
	}

	if res.SubAnswer != nil {
		r.journal.save(ctx, statestore.SubAnswerKey(task.ID), *res.SubAnswer)
	}

	r.logger.Info("Task resolution finished",
		zap.String("task_id", task.ID),
		zap.String("status", res.Status),
		zap.Int("attempts", res.AttemptsUsed),
		zap.Int("budget", budget),
	)
	return res, nil
}

// runAttempt plans and runs one search. Step failures are recorded on the
// attempt, never returned.
func (r *SearchResolver) runAttempt(ctx context.Context, task models.Task, tc scope.TaskContext, n int, previous []models.SearchAttempt) models.SearchAttempt {
	attempt := models.SearchAttempt{Index: n, Timestamp: time.Now().UTC()}

	planOut := r.steps.Invoke(ctx, steps.SearchPlan, scope.ForSearchPlan(task, previous, tc))
	if err := planOut.Err(steps.SearchPlan); err != nil {
		attempt.Error = err.Error()
		return attempt
	}
	strategy, err := decodeStrategy(planOut, task)
	if err != nil {
		attempt.Error = (&steps.ExternalStepError{Step: steps.SearchPlan, Message: err.Error()}).Error()
		return attempt
	}
	attempt.Strategy = strategy
	r.journal.save(ctx, statestore.StrategyKey(task.ID, n), strategy)
	r.journal.append(ctx, logSearchStrategy, map[string]interface{}{
		"taskId":   task.ID,
		"attempt":  n,
		"strategy": strategy,
	})

	out := r.steps.Invoke(ctx, steps.Search, scope.ForSearchExec(task, strategy, n, previous))
	if err := out.Err(steps.Search); err != nil {
		attempt.Error = err.Error()
	}

	var so searchOutput
	if err := steps.Decode(out, &so); err != nil {
		if attempt.Error == "" {
			attempt.Error = (&steps.ExternalStepError{Step: steps.Search, Message: err.Error()}).Error()
		}
		return attempt
	}
	attempt.Results = so.Results
	attempt.ResultCount = so.ResultCount
	if attempt.ResultCount == 0 {
		attempt.ResultCount = len(so.Results)
	}
	// A candidate carried alongside an error is never considered.
	if so.SubAnswer != nil && attempt.Error == "" {
		cand := *so.SubAnswer
		cand.Confidence = clamp01(cand.Confidence)
		cand.Completeness = clamp01(cand.Completeness)
		attempt.Candidate = &cand
	}
	return attempt
}

// decodeStrategy reads {queries, tools}. A plan without queries falls back to
// searching the task description with the default tool.
func decodeStrategy(out steps.Record, task models.Task) (models.SearchStrategy, error) {
	var s models.SearchStrategy
	if err := steps.Decode(out, &s); err != nil {
		return models.SearchStrategy{}, err
	}
	s.Queries = util.NonEmpty(s.Queries)
	s.Tools = util.NonEmpty(s.Tools)
	if len(s.Queries) == 0 {
		s.Queries = []string{util.Truncate(task.Description, 100)}
	}
	if len(s.Tools) == 0 {
		s.Tools = []string{defaultSearchTool}
	}
	return s, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
