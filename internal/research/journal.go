package research

import (
	"context"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/statestore"
	"github.com/Kocoro-lab/Shannon/go/research/internal/streaming"
)

// Log steps written by the research loops, besides the lifecycle events.
const (
	logTransition     = "transition"
	logSearchStrategy = "search_strategy"
	logSearchAttempt  = "search_attempt"
	logTaskResult     = "task_result"
	logExecution      = "execution_result"
	logPlan           = "plan"
	logInsight        = "insight"
	logAnswerPlan     = "answer_plan"
	logAnswer         = "answer"
	logWarning        = "warning"
)

// journal writes the audit trail. Store failures are logged and never stop
// the research run. Writes outlive cancellation of the run's context so the
// final transitions of an interrupted run are still recorded.
type journal struct {
	store  statestore.Store
	events *streaming.Manager
	logger *zap.Logger
}

func (j *journal) append(ctx context.Context, step string, payload interface{}) {
	if _, err := j.store.Append(context.WithoutCancel(ctx), step, payload); err != nil {
		j.logger.Warn("Failed to append research log entry",
			zap.String("session_id", j.store.SessionID()),
			zap.String("step", step),
			zap.Error(err),
		)
	}
}

func (j *journal) save(ctx context.Context, key string, value interface{}) {
	if err := j.store.Save(context.WithoutCancel(ctx), key, value); err != nil {
		j.logger.Warn("Failed to save research result",
			zap.String("session_id", j.store.SessionID()),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

func (j *journal) setState(ctx context.Context, key string, value interface{}) {
	if err := j.store.SetState(context.WithoutCancel(ctx), key, value); err != nil {
		j.logger.Warn("Failed to set research state",
			zap.String("session_id", j.store.SessionID()),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

func (j *journal) publish(ctx context.Context, typ, state, msg string, data map[string]interface{}) {
	if j.events == nil {
		return
	}
	j.events.Publish(context.WithoutCancel(ctx), streaming.Event{
		SessionID: j.store.SessionID(),
		Type:      typ,
		State:     state,
		Message:   msg,
		Data:      data,
	})
}
