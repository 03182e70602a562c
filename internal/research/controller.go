package research

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/citations"
	"github.com/Kocoro-lab/Shannon/go/research/internal/convergence"
	"github.com/Kocoro-lab/Shannon/go/research/internal/feedback"
	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/scope"
	"github.com/Kocoro-lab/Shannon/go/research/internal/statestore"
	"github.com/Kocoro-lab/Shannon/go/research/internal/steps"
	"github.com/Kocoro-lab/Shannon/go/research/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/research/internal/util"
)

// State is a planning controller state.
type State string

const (
	StateInit           State = "init"
	StatePlanning       State = "planning"
	StateExecuting      State = "executing"
	StateInsightEval    State = "insight_eval"
	StateDeciding       State = "deciding"
	StateReplanning     State = "replanning"
	StateFinalizing     State = "finalizing"
	StateAnswerPlanning State = "answer_planning"
	StateAnswering      State = "answering"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// Keys of the latest terminal artifacts in the result table.
const (
	keyPlan       = "plan"
	keyAnswerPlan = "answerPlan"
	keyAnswer     = "answer"
	keyCitations  = "citations"
)

// Config tunes the inner loops.
type Config struct {
	// AttemptBudget is the per-task search attempt budget; < 1 uses the default.
	AttemptBudget int
	Thresholds    convergence.Thresholds
}

// Result is what a research run returns. It is always populated, including
// on failure, with whatever had been gathered.
type Result struct {
	SessionID  string                      `json:"sessionId"`
	Query      string                      `json:"query"`
	Complexity models.Complexity           `json:"complexity"`
	Iterations int                         `json:"iterations"`
	Plan       models.Plan                 `json:"plan"`
	SubAnswers map[string]models.SubAnswer `json:"subAnswers"`
	TaskStatus map[string]string           `json:"taskStatus"`
	Insight    *models.Insight             `json:"insight,omitempty"`
	AnswerPlan *models.AnswerPlan          `json:"answerPlan,omitempty"`
	Answer     *models.FinalAnswer         `json:"answer,omitempty"`
	Citations  []citations.Citation        `json:"citations,omitempty"`
	Status     string                      `json:"status"`
	Error      string                      `json:"error,omitempty"`
	Warnings   []string                    `json:"warnings,omitempty"`
	Duration   time.Duration               `json:"duration"`
}

// Option configures a Controller
type Option func(*Controller)

// WithStoreFactory sets where sessions are persisted. The default keeps them in memory.
func WithStoreFactory(f statestore.Factory) Option {
	return func(c *Controller) { c.newStore = f }
}

// WithFeedback sets the checkpoint provider consulted before replanning.
func WithFeedback(p feedback.Provider) Option {
	return func(c *Controller) { c.feedback = p }
}

// WithEvents publishes progress events to m.
func WithEvents(m *streaming.Manager) Option {
	return func(c *Controller) { c.events = m }
}

// WithResolverFactory replaces the search loop used for each session.
func WithResolverFactory(f func(store statestore.Store) Resolver) Option {
	return func(c *Controller) { c.newResolver = f }
}

// Controller drives research sessions: plan, execute, evaluate, decide, then answer.
type Controller struct {
	steps       steps.Invoker
	mu          sync.RWMutex
	cfg         Config
	newStore    statestore.Factory
	newResolver func(store statestore.Store) Resolver
	feedback    feedback.Provider
	events      *streaming.Manager
	logger      *zap.Logger
}

// NewController creates a controller dispatching external steps through inv.
func NewController(inv steps.Invoker, cfg Config, logger *zap.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		steps:    inv,
		cfg:      withDefaults(cfg),
		newStore: statestore.MemoryFactory,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func withDefaults(cfg Config) Config {
	if cfg.Thresholds == (convergence.Thresholds{}) {
		cfg.Thresholds = convergence.DefaultThresholds()
	}
	return cfg
}

// Config returns the settings the next session will start with.
func (c *Controller) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// UpdateConfig replaces the settings for sessions started afterwards.
// Running sessions keep the settings they started with.
func (c *Controller) UpdateConfig(cfg Config) {
	cfg = withDefaults(cfg)
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	c.logger.Info("Research settings updated",
		zap.Int("attempt_budget", cfg.AttemptBudget),
		zap.Float64("accept_threshold", cfg.Thresholds.Accept),
		zap.Float64("improving_threshold", cfg.Thresholds.Improving),
	)
}

// Run researches query in a new session.
func (c *Controller) Run(ctx context.Context, query string) *Result {
	return c.RunSession(ctx, uuid.New().String(), query)
}

// RunSession researches query under sessionID. It never panics and never
// returns nil.
func (c *Controller) RunSession(ctx context.Context, sessionID, query string) *Result {
	start := time.Now()
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	metrics.SessionsStarted.Inc()
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	s := &session{
		c:          c,
		cfg:        c.Config(),
		id:         sessionID,
		query:      strings.TrimSpace(query),
		complexity: models.ComplexityMedium,
		answers:    make(map[string]models.SubAnswer),
		taskStatus: make(map[string]string),
		sources:    make(map[string][]map[string]interface{}),
		logger:     c.logger.With(zap.String("session_id", sessionID)),
	}

	store, err := c.newStore(sessionID)
	if err != nil {
		s.err = fmt.Errorf("%w: failed to open state store: %v", ErrUnexpectedFailure, err)
		s.logger.Error("Research failed before start", zap.Error(s.err))
		return s.result(StateFailed, start)
	}
	s.journal = &journal{store: store, events: c.events, logger: s.logger}
	var resolver Resolver
	if c.newResolver != nil {
		resolver = c.newResolver(store)
	} else {
		resolver = NewSearchResolver(c.steps, store, s.cfg.Thresholds, s.logger)
	}
	s.executor = NewTaskExecutor(resolver, s.logger)

	if s.query == "" {
		s.err = fmt.Errorf("%w: query is required", ErrMissingInput)
		return s.finish(ctx, StateFailed, start)
	}

	final := s.run(ctx)
	return s.finish(ctx, final, start)
}

// session is the mutable state of one run. Only the controller touches it.
type session struct {
	c        *Controller
	cfg      Config
	id       string
	query    string
	journal  *journal
	executor *TaskExecutor
	logger   *zap.Logger

	complexity    models.Complexity
	maxIterations int
	iteration     int
	iterations    int

	plan       models.Plan
	answers    map[string]models.SubAnswer
	taskStatus map[string]string
	sources    map[string][]map[string]interface{}
	taskOrder  []string
	citations  []citations.Citation
	insight    *models.Insight
	answerPlan *models.AnswerPlan
	answer     *models.FinalAnswer

	warnings []string
	partial  bool
	err      error
}

func (s *session) run(ctx context.Context) (final State) {
	state := StateInit
	defer func() {
		if r := recover(); r != nil {
			s.fail(fmt.Errorf("%w: panic in %s: %v", ErrUnexpectedFailure, state, r))
			s.transition(ctx, state, StateFailed, map[string]interface{}{"error": s.err.Error()})
			final = StateFailed
		}
	}()

	for state != StateDone && state != StateFailed {
		if err := ctx.Err(); err != nil {
			s.err = fmt.Errorf("research interrupted in %s: %w", state, err)
			s.transition(ctx, state, StateFailed, map[string]interface{}{"error": s.err.Error()})
			return StateFailed
		}
		next, data := s.step(ctx, state)
		s.transition(ctx, state, next, data)
		state = next
	}
	return state
}

func (s *session) step(ctx context.Context, state State) (next State, data map[string]interface{}) {
	ctx, span := tracing.StartStateSpan(ctx, s.id, string(state), s.iteration)
	defer func() {
		if next == StateFailed {
			tracing.Fail(span, s.err)
		}
		span.End()
	}()

	switch state {
	case StateInit:
		return s.initialize(ctx)
	case StatePlanning:
		return s.planning(ctx)
	case StateExecuting:
		return s.executing(ctx)
	case StateInsightEval:
		return s.insightEval(ctx)
	case StateDeciding:
		return s.deciding(ctx)
	case StateReplanning:
		s.iteration++
		return StatePlanning, map[string]interface{}{"iteration": s.iteration}
	case StateFinalizing:
		return s.finalizing(ctx)
	case StateAnswerPlanning:
		return s.answerPlanning(ctx)
	case StateAnswering:
		return s.answering(ctx)
	}
	s.err = fmt.Errorf("%w: no handler for state %s", ErrUnexpectedFailure, state)
	return StateFailed, map[string]interface{}{"error": s.err.Error()}
}

func (s *session) initialize(ctx context.Context) (State, map[string]interface{}) {
	out := s.invoke(ctx, steps.Complexity, scope.ForComplexity(s.query))

	var est struct {
		Complexity string `json:"complexity"`
	}
	if err := out.Err(steps.Complexity); err != nil {
		s.warn("complexity estimate failed, assuming medium: %v", err)
	} else if err := steps.Decode(out, &est); err != nil {
		s.warn("complexity estimate unreadable, assuming medium: %v", err)
	} else if c, ok := models.ParseComplexity(est.Complexity); ok {
		s.complexity = c
	} else {
		s.warn("unknown complexity %q, assuming medium", est.Complexity)
	}
	s.maxIterations = convergence.IterationBudget(s.complexity)

	s.lifecycle(ctx, streaming.EventResearchStarted, "Research started", map[string]interface{}{
		"query":         s.query,
		"complexity":    s.complexity,
		"maxIterations": s.maxIterations,
	})
	return StatePlanning, map[string]interface{}{
		"complexity":    s.complexity,
		"maxIterations": s.maxIterations,
	}
}

func (s *session) planning(ctx context.Context) (State, map[string]interface{}) {
	s.iterations++
	s.lifecycle(ctx, streaming.EventIterationStarted, "Planning iteration started", map[string]interface{}{
		"iteration":     s.iteration,
		"maxIterations": s.maxIterations,
	})

	in := scope.PlanInput{Query: s.query}
	if s.iteration > 0 {
		prev := s.plan.Clone()
		in.PreviousPlan = &prev
		in.PreviousAnswers = s.answers
		in.Insight = s.insight
	}

	plan, err := decodePlan(s.invoke(ctx, steps.Plan, scope.ForPlan(in)))
	switch {
	case err != nil && s.iteration == 0:
		s.warn("planning failed, using single-task plan: %v", err)
		plan = fallbackPlan(s.query)
	case err != nil:
		s.warn("replanning failed, keeping previous plan: %v", err)
		plan = s.plan.Clone()
	case len(plan.Tasks) == 0 && s.iteration == 0:
		s.warn("plan has no tasks, using single-task plan")
		plan = fallbackPlan(s.query)
	}

	if c, ok := models.ParseComplexity(string(plan.Complexity)); ok && c != s.complexity {
		s.logger.Info("Plan revised complexity",
			zap.String("from", string(s.complexity)),
			zap.String("to", string(c)),
		)
		s.complexity = c
		s.maxIterations = convergence.IterationBudget(c)
		// A downward revision cannot undo iterations already run.
		if s.maxIterations < s.iteration+1 {
			s.maxIterations = s.iteration + 1
		}
	}

	s.plan = plan.Clone()
	s.journal.save(ctx, statestore.PlanKey(s.iteration), s.plan)
	s.journal.save(ctx, keyPlan, s.plan)
	s.journal.append(ctx, logPlan, map[string]interface{}{
		"iteration": s.iteration,
		"plan":      s.plan,
	})
	return StateExecuting, map[string]interface{}{
		"tasks":      s.plan.TaskIDs(),
		"complexity": s.complexity,
	}
}

func (s *session) executing(ctx context.Context) (State, map[string]interface{}) {
	budget := convergence.AttemptBudget(s.cfg.AttemptBudget)
	er := s.executor.ExecuteTasks(ctx, s.plan.Tasks, s.answers, budget)

	// Merge only adds or replaces; accumulated answers never shrink.
	for id, a := range er.SubAnswers {
		s.answers[id] = a
		if src, ok := er.Sources[id]; ok {
			s.sources[id] = src
		} else {
			delete(s.sources, id)
		}
	}
	for _, t := range s.plan.Tasks {
		status, ok := er.TaskStatus[t.ID]
		if !ok {
			continue
		}
		if _, seen := s.taskStatus[t.ID]; !seen {
			s.taskOrder = append(s.taskOrder, t.ID)
		}
		s.taskStatus[t.ID] = status
		s.journal.publish(ctx, streaming.EventTaskResolved, string(StateExecuting), t.ID, map[string]interface{}{
			"taskId": t.ID,
			"status": status,
		})
	}

	payload := map[string]interface{}{
		"iteration":      s.iteration,
		"tasksTotal":     er.TasksTotal,
		"tasksCompleted": er.TasksCompleted,
		"taskStatus":     er.TaskStatus,
		"executionTime":  er.ExecutionTime.String(),
	}
	if er.Err != nil {
		payload["error"] = er.Err.Error()
		s.warn("task execution incomplete: %v", er.Err)
		if errors.Is(er.Err, ErrUnexpectedFailure) {
			s.fail(er.Err)
		}
	}
	s.journal.append(ctx, logExecution, payload)

	return StateInsightEval, map[string]interface{}{
		"tasksTotal":     er.TasksTotal,
		"tasksCompleted": er.TasksCompleted,
	}
}

func (s *session) insightEval(ctx context.Context) (State, map[string]interface{}) {
	out := s.invoke(ctx, steps.Insight, scope.ForInsight(s.query, s.answers))

	var in models.Insight
	if err := out.Err(steps.Insight); err != nil {
		s.warn("insight step failed: %v", err)
	} else if err := steps.Decode(out, &in); err != nil {
		in = models.Insight{}
		s.warn("insight unreadable: %v", err)
	}
	s.insight = &in

	summary := in.Summary()
	s.journal.save(ctx, statestore.InsightKey(s.iteration), in)
	s.journal.append(ctx, logInsight, map[string]interface{}{
		"iteration": s.iteration,
		"summary":   summary,
		"insight":   in,
	})
	s.logger.Info("Insight generated",
		zap.Int("iteration", s.iteration),
		zap.String("summary", summary),
	)
	return StateDeciding, map[string]interface{}{
		"unansweredQuestions": len(in.UnansweredQuestions),
		"areasOfDisagreement": len(in.AreasOfDisagreement),
		"unexpectedFindings":  len(in.UnexpectedFindings),
	}
}

func (s *session) deciding(ctx context.Context) (State, map[string]interface{}) {
	cont := convergence.ReplanCheck(s.iteration, s.maxIterations, *s.insight)
	reason := "heuristic"
	if cont && convergence.FeedbackOffered(s.complexity, s.iteration) {
		cp := s.checkpoint()
		s.lifecycle(ctx, streaming.EventFeedbackRequested, "Feedback requested", map[string]interface{}{
			"iteration": s.iteration,
			"summary":   cp.Summary,
		})
		d := feedback.Consult(ctx, s.c.feedback, cp, s.logger)
		if !d.Continue {
			cont = false
			reason = "feedback: " + d.Reason
		}
	}

	metrics.PlanningIterations.WithLabelValues(string(s.complexity)).Inc()
	data := map[string]interface{}{
		"iteration":  s.iteration,
		"continue":   cont,
		"reason":     reason,
		"subAnswers": len(s.answers),
	}
	s.lifecycle(ctx, streaming.EventIterationCompleted, "Planning iteration completed", data)

	if cont {
		return StateReplanning, data
	}
	return StateFinalizing, data
}

// finalizing collects the sources behind every accepted answer, in the order
// tasks were first executed.
func (s *session) finalizing(ctx context.Context) (State, map[string]interface{}) {
	groups := make([]citations.Group, 0, len(s.taskOrder))
	for _, id := range s.taskOrder {
		if src, ok := s.sources[id]; ok {
			groups = append(groups, citations.Group{TaskID: id, Results: src})
		}
	}
	s.citations = citations.Collect(groups, citations.DefaultMaxPerDomain, citations.DefaultLimit)
	if len(s.citations) > 0 {
		s.journal.save(ctx, keyCitations, s.citations)
	}
	return StateAnswerPlanning, map[string]interface{}{
		"subAnswers": len(s.answers),
		"citations":  len(s.citations),
	}
}

func (s *session) answerPlanning(ctx context.Context) (State, map[string]interface{}) {
	var insight models.Insight
	if s.insight != nil {
		insight = *s.insight
	}
	out := s.invoke(ctx, steps.AnswerPlan, scope.ForAnswerPlan(s.query, s.answers, insight))

	var ap models.AnswerPlan
	if err := out.Err(steps.AnswerPlan); err != nil {
		s.warn("answer planning failed: %v", err)
	} else if err := steps.Decode(out, &ap); err != nil {
		ap = models.AnswerPlan{}
		s.warn("answer plan unreadable: %v", err)
	}
	s.answerPlan = &ap

	s.journal.save(ctx, keyAnswerPlan, ap)
	s.journal.append(ctx, logAnswerPlan, ap)
	return StateAnswering, map[string]interface{}{"outline": len(ap.Outline)}
}

func (s *session) answering(ctx context.Context) (State, map[string]interface{}) {
	out := s.invoke(ctx, steps.Answer, scope.ForAnswer(s.query, s.answers, *s.answerPlan))

	if err := out.Err(steps.Answer); err != nil {
		s.partial = true
		s.warn("answer step failed: %v", err)
		return StateDone, map[string]interface{}{"answered": false}
	}
	var fa models.FinalAnswer
	if err := steps.Decode(out, &fa); err != nil {
		s.partial = true
		s.warn("answer unreadable: %v", err)
		return StateDone, map[string]interface{}{"answered": false}
	}
	s.answer = &fa

	s.journal.save(ctx, keyAnswer, fa)
	s.journal.append(ctx, logAnswer, fa)
	return StateDone, map[string]interface{}{"answered": true}
}

func (s *session) invoke(ctx context.Context, name string, in steps.Record) steps.Record {
	out := s.c.steps.Invoke(ctx, name, in)
	if out == nil {
		return steps.ErrorRecord("step returned no output")
	}
	return out
}

func (s *session) transition(ctx context.Context, from, to State, data map[string]interface{}) {
	s.journal.append(ctx, logTransition, map[string]interface{}{
		"from":      from,
		"to":        to,
		"iteration": s.iteration,
		"timestamp": time.Now().UTC(),
		"data":      data,
	})
	s.journal.setState(ctx, "state", to)
	s.journal.setState(ctx, "iteration", s.iteration)
	s.journal.publish(ctx, streaming.EventStateChanged, string(to), string(from)+" -> "+string(to), data)
	s.logger.Debug("State transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("iteration", s.iteration),
	)
}

func (s *session) lifecycle(ctx context.Context, event, msg string, data map[string]interface{}) {
	s.journal.append(ctx, event, data)
	s.journal.publish(ctx, event, "", msg, data)

	fields := []zap.Field{zap.String("event", event), zap.Int("iteration", s.iteration)}
	if event == streaming.EventResearchError {
		s.logger.Error(msg, append(fields, zap.Any("data", data))...)
		return
	}
	s.logger.Info(msg, fields...)
}

func (s *session) warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	s.warnings = append(s.warnings, msg)
	s.journal.append(context.Background(), logWarning, map[string]interface{}{
		"iteration": s.iteration,
		"message":   msg,
	})
	s.logger.Warn("Research degraded", zap.Int("iteration", s.iteration), zap.String("reason", msg))
}

// fail marks the run partial and keeps the first unexpected failure.
func (s *session) fail(err error) {
	s.partial = true
	if s.err == nil {
		s.err = err
	}
}

func (s *session) checkpoint() feedback.Checkpoint {
	ids := make([]string, 0, len(s.answers))
	var total float64
	for id, a := range s.answers {
		ids = append(ids, id)
		total += a.Confidence
	}
	sort.Strings(ids)
	cp := feedback.Checkpoint{
		SessionID:     s.id,
		Query:         s.query,
		Complexity:    s.complexity,
		Iteration:     s.iteration,
		MaxIterations: s.maxIterations,
		AnsweredTasks: ids,
	}
	if s.insight != nil {
		cp.Insight = *s.insight
		cp.Summary = s.insight.Summary()
	}
	if len(ids) > 0 {
		cp.MeanConfidence = total / float64(len(ids))
	}
	return cp
}

func (s *session) finish(ctx context.Context, final State, start time.Time) *Result {
	res := s.result(final, start)
	data := map[string]interface{}{
		"status":     res.Status,
		"iterations": res.Iterations,
		"subAnswers": len(res.SubAnswers),
		"duration":   res.Duration.String(),
	}
	if final == StateFailed {
		data["error"] = res.Error
		s.lifecycle(ctx, streaming.EventResearchError, "Research failed", data)
	} else {
		s.lifecycle(ctx, streaming.EventResearchCompleted, "Research completed", data)
	}
	return res
}

func (s *session) result(final State, start time.Time) *Result {
	status := StatusCompleted
	switch {
	case s.partial:
		status = StatusPartial
	case final == StateFailed:
		status = StatusFailed
	}

	res := &Result{
		SessionID:  s.id,
		Query:      s.query,
		Complexity: s.complexity,
		Iterations: s.iterations,
		Plan:       s.plan.Clone(),
		SubAnswers: models.CloneAnswers(s.answers),
		TaskStatus: make(map[string]string, len(s.taskStatus)),
		Insight:    s.insight,
		AnswerPlan: s.answerPlan,
		Answer:     s.answer,
		Citations:  append([]citations.Citation(nil), s.citations...),
		Status:     status,
		Warnings:   append([]string(nil), s.warnings...),
		Duration:   time.Since(start),
	}
	for k, v := range s.taskStatus {
		res.TaskStatus[k] = v
	}
	if s.err != nil {
		res.Error = s.err.Error()
	}
	metrics.RecordSessionMetrics(status, string(s.complexity), res.Duration.Seconds())
	return res
}

func decodePlan(out steps.Record) (models.Plan, error) {
	if err := out.Err(steps.Plan); err != nil {
		return models.Plan{}, err
	}
	var p models.Plan
	if err := steps.Decode(out, &p); err != nil {
		return models.Plan{}, &steps.ExternalStepError{Step: steps.Plan, Message: err.Error()}
	}
	return normalizePlan(p), nil
}

// normalizePlan trims tasks, fills missing ids as task-N and keeps ids unique.
// Order is never changed.
func normalizePlan(p models.Plan) models.Plan {
	used := make(map[string]bool, len(p.Tasks))
	tasks := make([]models.Task, 0, len(p.Tasks))
	for i, t := range p.Tasks {
		t.ID = strings.TrimSpace(t.ID)
		t.Description = strings.TrimSpace(t.Description)
		if t.ID == "" {
			t.ID = fmt.Sprintf("task-%d", i+1)
		}
		t.ID = util.UniqueID(t.ID, used)
		tasks = append(tasks, t)
	}
	p.Tasks = tasks
	return p
}

func fallbackPlan(query string) models.Plan {
	return models.Plan{
		Tasks:     []models.Task{{ID: "task-1", Description: query}},
		Rationale: "fallback: single task covering the query",
	}
}
