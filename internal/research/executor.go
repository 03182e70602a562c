package research

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/scope"
)

// ExecutionResult is what one pass over a plan produced. Err is set when the
// pass stopped early; everything gathered before that is still present.
type ExecutionResult struct {
	SubAnswers     map[string]models.SubAnswer         `json:"subAnswers"`
	TaskStatus     map[string]string                   `json:"taskStatus"`
	Sources        map[string][]map[string]interface{} `json:"-"`
	TasksTotal     int                                 `json:"tasksTotal"`
	TasksCompleted int                                 `json:"tasksCompleted"`
	ExecutionTime  time.Duration                       `json:"executionTime"`
	Err            error                               `json:"-"`
}

// TaskExecutor resolves a plan's tasks one after another, in plan order.
type TaskExecutor struct {
	resolver Resolver
	logger   *zap.Logger
}

// NewTaskExecutor creates an executor over resolver
func NewTaskExecutor(resolver Resolver, logger *zap.Logger) *TaskExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskExecutor{resolver: resolver, logger: logger}
}

// ExecuteTasks resolves tasks strictly in the given order. Each task sees only
// the task right before it and that task's answer, from this pass or prior.
// A task with missing input is skipped; any other failure stops the pass and
// is returned in Err alongside the answers gathered so far.
func (e *TaskExecutor) ExecuteTasks(ctx context.Context, tasks []models.Task, prior map[string]models.SubAnswer, budget int) ExecutionResult {
	start := time.Now()
	res := ExecutionResult{
		SubAnswers: make(map[string]models.SubAnswer),
		TaskStatus: make(map[string]string),
		Sources:    make(map[string][]map[string]interface{}),
		TasksTotal: len(tasks),
	}

	if len(tasks) == 0 {
		res.Err = fmt.Errorf("%w: no tasks to execute", ErrMissingInput)
		res.ExecutionTime = time.Since(start)
		return res
	}

	for i, task := range tasks {
		tc := scope.ForTask(tasks, i, res.SubAnswers, prior)
		rr, err := e.resolve(ctx, task, tc, budget)

		if err != nil {
			if errors.Is(err, ErrMissingInput) {
				res.TaskStatus[task.ID] = models.TaskStatusMissingInput
				metrics.TaskOutcomes.WithLabelValues(models.TaskStatusMissingInput).Inc()
				e.logger.Warn("Skipping task with missing input",
					zap.String("task_id", task.ID),
					zap.Int("position", i),
					zap.Error(err),
				)
				continue
			}
			res.TaskStatus[task.ID] = models.TaskStatusUnexpectedFailure
			metrics.TaskOutcomes.WithLabelValues(models.TaskStatusUnexpectedFailure).Inc()
			if !errors.Is(err, ErrUnexpectedFailure) {
				err = fmt.Errorf("%w: %v", ErrUnexpectedFailure, err)
			}
			res.Err = fmt.Errorf("task %s: %w", task.ID, err)
			e.logger.Error("Task execution stopped",
				zap.String("task_id", task.ID),
				zap.Int("position", i),
				zap.Int("answered", len(res.SubAnswers)),
				zap.Error(err),
			)
			break
		}

		res.TaskStatus[task.ID] = rr.Status
		metrics.TaskOutcomes.WithLabelValues(rr.Status).Inc()
		if rr.SubAnswer != nil {
			res.SubAnswers[task.ID] = *rr.SubAnswer
			res.TasksCompleted++
			// The adopted candidate always comes from the final attempt.
			if n := len(rr.Attempts); n > 0 && len(rr.Attempts[n-1].Results) > 0 {
				res.Sources[task.ID] = rr.Attempts[n-1].Results
			}
		}
	}

	res.ExecutionTime = time.Since(start)
	e.logger.Info("Task execution finished",
		zap.Int("tasks_total", res.TasksTotal),
		zap.Int("tasks_completed", res.TasksCompleted),
		zap.Duration("execution_time", res.ExecutionTime),
		zap.Bool("stopped_early", res.Err != nil),
	)
	return res
}

// resolve converts a resolver panic into an error.
func (e *TaskExecutor) resolve(ctx context.Context, task models.Task, tc scope.TaskContext, budget int) (rr ResolveResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: resolver panicked: %v", ErrUnexpectedFailure, r)
		}
	}()
	return e.resolver.Resolve(ctx, task, tc, budget)
}
