package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"conductor/internal/domain"
	"conductor/internal/infra/tracer"
	"conductor/internal/usecase/budget"
	"conductor/internal/usecase/ratelimit"
)

// Dispatcher routes one request through the provider pool. Implemented by
// providerpool.Router.
type Dispatcher interface {
	Route(ctx context.Context, req domain.ProviderRequest, maxRetries int) (*domain.ProviderResult, error)
}

// Archiver persists completed batch summaries and final budget state.
// Implemented by archive.Store.
type Archiver interface {
	SaveBatch(ctx context.Context, summary *domain.BatchSummary) error
	SaveBudget(ctx context.Context, batchID string, state budget.State) error
}

// Options control one Run. Zero values fall back to the coordinator's
// configured defaults.
type Options struct {
	MaxConcurrency int
	StopOnFailure  bool
	// RouterRetries is the same-provider retry budget handed to the
	// router; negative defers to the router's configured default.
	RouterRetries  int
	DefaultTimeout time.Duration
	DefaultRetry   domain.RetryPolicy
	QueueMode      ratelimit.Mode
}

// Coordinator builds dependency-leveled execution plans and runs them
// through the router under budget and rate-limit control.
type Coordinator struct {
	router    Dispatcher
	guardrail *budget.Guardrail
	estimator *budget.Estimator
	archive   Archiver // optional
	defaults  Options
	logger    *slog.Logger
}

// New creates a coordinator.
func New(router Dispatcher, guardrail *budget.Guardrail, estimator *budget.Estimator, defaults Options, logger *slog.Logger) *Coordinator {
	if defaults.MaxConcurrency < 1 {
		defaults.MaxConcurrency = 4
	}
	if defaults.DefaultTimeout <= 0 {
		defaults.DefaultTimeout = 60 * time.Second
	}
	if defaults.DefaultRetry.MaxAttempts < 1 {
		defaults.DefaultRetry = domain.RetryPolicy{
			MaxAttempts: 3,
			Backoff:     domain.BackoffExponential,
			BaseDelay:   time.Second,
		}
	}
	if defaults.QueueMode == "" {
		defaults.QueueMode = ratelimit.ModeFIFO
	}
	return &Coordinator{
		router:    router,
		guardrail: guardrail,
		estimator: estimator,
		defaults:  defaults,
		logger:    logger,
	}
}

// AttachArchive enables persistence of run summaries.
func (c *Coordinator) AttachArchive(a Archiver) { c.archive = a }

// actionRuntime is the per-action dispatch state machine:
// Pending -> Dispatched -> {Retrying | Succeeded | Failed | Skipped}.
// Each runtime is touched by at most one goroutine at a time; re-dispatch
// after a retry is serialized through the level queue.
type actionRuntime struct {
	action     domain.Action
	state      domain.ActionState
	attempts   int
	estimate   float64
	authorized bool

	// Last dispatch observed, kept so a failed terminal result still
	// reports which provider was tried and how long it took.
	lastProvider string
	lastLatency  time.Duration
}

// Run executes a plan level by level. Within a level actions dispatch
// concurrently, bounded by MaxConcurrency; level N+1 never starts before
// every action in level N is terminal. Every action in the plan has exactly
// one terminal result in the returned summary.
func (c *Coordinator) Run(ctx context.Context, plan *domain.ExecutionPlan, opts Options) (*domain.BatchSummary, error) {
	if plan == nil {
		return nil, domain.NewDomainError("Coordinator.Run", domain.ErrInvalidInput, "nil plan")
	}
	opts = c.merge(opts)

	batchID := ulid.Make().String()
	ctx, span := tracer.StartSpan(ctx, "coordinator.run")
	span.SetAttributes(
		tracer.String("batch_id", batchID),
		tracer.Int("actions", plan.Size()),
		tracer.Int("levels", len(plan.Levels)),
	)
	defer span.End()

	summary := &domain.BatchSummary{BatchID: batchID, StartedAt: time.Now()}
	sem := make(chan struct{}, opts.MaxConcurrency)
	failed := false

	for levelIdx, level := range plan.Levels {
		switch {
		case opts.StopOnFailure && failed:
			for _, id := range level {
				summary.Results = append(summary.Results, terminal(id,
					domain.NewDomainError("Coordinator.Run", domain.ErrSkippedUpstream, string(id)), 0))
			}
			continue
		case ctx.Err() != nil:
			for _, id := range level {
				summary.Results = append(summary.Results, terminal(id,
					domain.NewDomainError("Coordinator.Run", domain.ErrBatchCanceled, string(id)), 0))
			}
			continue
		}

		levelResults := c.runLevel(ctx, plan, level, levelIdx, sem, opts)
		for _, res := range levelResults {
			if !res.Success {
				failed = true
			}
			summary.Results = append(summary.Results, res)
		}
	}

	c.finalize(summary)
	tracer.RecordError(span, firstFailure(summary))
	c.archiveRun(summary)
	return summary, nil
}

// runLevel drains one level through the dispatch queue until every action
// reaches a terminal state.
func (c *Coordinator) runLevel(ctx context.Context, plan *domain.ExecutionPlan, level []domain.ActionID, levelIdx int, sem chan struct{}, opts Options) []domain.ActionResult {
	ctx, span := tracer.StartSpan(ctx, "coordinator.level")
	span.SetAttributes(tracer.Int("level", levelIdx), tracer.Int("actions", len(level)))
	defer span.End()

	runtimes := make(map[domain.ActionID]*actionRuntime, len(level))
	attemptBudget := 0
	for _, id := range level {
		a := plan.Actions[id]
		if a.Retry.MaxAttempts < 1 {
			a.Retry = opts.DefaultRetry
		}
		if a.Timeout <= 0 {
			a.Timeout = opts.DefaultTimeout
		}
		runtimes[id] = &actionRuntime{action: a, state: domain.ActionPending}
		attemptBudget += a.Retry.MaxAttempts
	}

	// The queue re-enqueue budget is at least every action's retry budget;
	// the per-action policy, not the queue, decides when to stop.
	queue := ratelimit.NewQueue(opts.QueueMode, attemptBudget)
	for _, id := range level {
		rt := runtimes[id]
		queue.Enqueue(&ratelimit.Request{
			ActionID: id,
			AgentID:  rt.action.AgentID,
			Priority: priorityOf(rt.action),
		})
	}

	done := make(chan domain.ActionResult, len(level))
	wake := make(chan struct{}, attemptBudget+len(level))

	results := make([]domain.ActionResult, 0, len(level))
	remaining := len(level)
	for remaining > 0 {
		if req := queue.Dequeue(); req != nil {
			go c.attempt(ctx, runtimes[req.ActionID], req, queue, done, wake, sem, opts)
			continue
		}
		select {
		case res := <-done:
			results = append(results, res)
			remaining--
		case <-wake:
		}
	}
	return results
}

// attempt performs one dispatch cycle for an action: budget authorization,
// routing, then success, retry scheduling, or terminal failure.
func (c *Coordinator) attempt(ctx context.Context, rt *actionRuntime, req *ratelimit.Request, queue *ratelimit.Queue, done chan<- domain.ActionResult, wake chan<- struct{}, sem chan struct{}, opts Options) {
	sem <- struct{}{}
	defer func() { <-sem }()

	a := &rt.action
	if ctx.Err() != nil {
		c.releaseBudget(rt)
		rt.state = domain.ActionFailed
		done <- fail(rt,
			domain.NewDomainError("Coordinator.Run", domain.ErrBatchCanceled, string(a.ID)))
		return
	}

	if !rt.authorized {
		rt.estimate = c.estimator.EstimateCost(*a)
		switch c.guardrail.Authorize(rt.estimate) {
		case domain.BudgetHalt:
			snap := c.guardrail.Snapshot()
			rt.state = domain.ActionFailed
			done <- fail(rt, domain.WrapOp("Coordinator.Run",
				&domain.BudgetExceededError{Current: snap.Cost, Limit: c.guardrail.Limit()}))
			return
		case domain.BudgetDegrade:
			deg := c.guardrail.DegradationConfig()
			if deg.FallbackModel != "" && deg.FallbackModel != a.Model {
				c.logger.Info("applying budget degradation",
					"action", a.ID, "from_model", a.Model, "to_model", deg.FallbackModel)
				a.Model = deg.FallbackModel
			}
		case domain.BudgetWarn:
			c.logger.Warn("budget warning threshold crossed", "action", a.ID)
		}
		rt.authorized = true
	}

	rt.state = domain.ActionDispatched
	rt.attempts++

	dispatchCtx, cancel := context.WithTimeout(ctx, a.Timeout)
	dispatchCtx, span := tracer.StartSpan(dispatchCtx, "coordinator.dispatch")
	span.SetAttributes(tracer.String("action", string(a.ID)), tracer.Int("attempt", rt.attempts))
	res, err := c.router.Route(dispatchCtx, domain.ProviderRequest{
		ActionID: a.ID,
		Type:     a.Type,
		Model:    a.Model,
		AgentID:  a.AgentID,
		Payload:  a.Params,
	}, opts.RouterRetries)
	tracer.RecordError(span, err)
	span.End()
	cancel()

	// The router reports the last attempted provider and latency even when
	// routing failed.
	if res != nil {
		rt.lastProvider = res.Provider
		rt.lastLatency = res.Latency
	}

	if err == nil {
		rt.state = domain.ActionSucceeded
		c.guardrail.Settle(a.Model, a.Node, rt.estimate,
			res.Response.InputTokens, res.Response.OutputTokens, res.Cost)
		done <- domain.ActionResult{
			ActionID: a.ID,
			Success:  true,
			Output:   res.Response.Output,
			Latency:  res.Latency,
			Provider: res.Provider,
			Cost:     res.Cost,
			Attempts: rt.attempts,
		}
		return
	}

	// Batch cancellation surfaces as a context error from the router.
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = domain.NewDomainError("Coordinator.Run", domain.ErrBatchCanceled, string(a.ID))
	}

	if isRetryable(err) && rt.attempts < a.Retry.MaxAttempts {
		rt.state = domain.ActionRetrying
		delay := a.Retry.Delay(rt.attempts)
		c.logger.Debug("retrying action",
			"action", a.ID, "attempt", rt.attempts, "delay", delay, "error", err)
		go func() {
			select {
			case <-time.After(delay):
				if queue.Requeue(req) {
					wake <- struct{}{}
					return
				}
				c.releaseBudget(rt)
				rt.state = domain.ActionFailed
				done <- fail(rt, err)
			case <-ctx.Done():
				c.releaseBudget(rt)
				rt.state = domain.ActionFailed
				done <- fail(rt,
					domain.NewDomainError("Coordinator.Run", domain.ErrBatchCanceled, string(a.ID)))
			}
		}()
		return
	}

	c.releaseBudget(rt)
	rt.state = domain.ActionFailed
	done <- fail(rt, err)
}

func (c *Coordinator) releaseBudget(rt *actionRuntime) {
	if rt.authorized {
		c.guardrail.Release(rt.estimate)
		rt.authorized = false
	}
}

// isRetryable extends the domain classification with raw deadline errors
// from action timeouts.
func isRetryable(err error) bool {
	return domain.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
}

func priorityOf(a domain.Action) ratelimit.Priority {
	switch a.Priority {
	case "high":
		return ratelimit.PriorityHigh
	case "low":
		return ratelimit.PriorityLow
	default:
		return ratelimit.PriorityMedium
	}
}

// terminal builds a failed terminal result with its taxonomy code.
func terminal(id domain.ActionID, err error, attempts int) domain.ActionResult {
	return domain.ActionResult{
		ActionID: id,
		Success:  false,
		Err:      err,
		Code:     domain.ErrorCodeOf(err),
		Attempts: attempts,
	}
}

// fail builds a failed terminal result for a dispatched action, carrying the
// provider and latency of the last attempt when one was made.
func fail(rt *actionRuntime, err error) domain.ActionResult {
	out := terminal(rt.action.ID, err, rt.attempts)
	out.Provider = rt.lastProvider
	out.Latency = rt.lastLatency
	return out
}

func (c *Coordinator) merge(opts Options) Options {
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = c.defaults.MaxConcurrency
	}
	// A run can request stop-on-failure but cannot relax a configured default.
	opts.StopOnFailure = opts.StopOnFailure || c.defaults.StopOnFailure
	if opts.RouterRetries == 0 {
		opts.RouterRetries = c.defaults.RouterRetries
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = c.defaults.DefaultTimeout
	}
	if opts.DefaultRetry.MaxAttempts < 1 {
		opts.DefaultRetry = c.defaults.DefaultRetry
	}
	if opts.QueueMode == "" {
		opts.QueueMode = c.defaults.QueueMode
	}
	return opts
}

// finalize fills the aggregate fields of a summary.
func (c *Coordinator) finalize(s *domain.BatchSummary) {
	s.FinishedAt = time.Now()
	s.Total = len(s.Results)
	for _, r := range s.Results {
		switch {
		case r.Success:
			s.Succeeded++
		case r.Code == domain.CodeSkippedUpstream:
			s.Skipped++
		default:
			s.Failed++
		}
		s.TotalCost += r.Cost
		s.TotalLatency += r.Latency
		if !r.Success {
			s.Errors = append(s.Errors, r.ErrorMessage())
		}
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Total)
		s.AvgLatency = s.TotalLatency / time.Duration(s.Total)
	}
}

func firstFailure(s *domain.BatchSummary) error {
	for _, r := range s.Results {
		if !r.Success {
			return r.Err
		}
	}
	return nil
}

// archiveRun persists the summary and final budget state when an archive
// is attached. Archiving uses its own deadline so a canceled batch is
// still recorded.
func (c *Coordinator) archiveRun(summary *domain.BatchSummary) {
	if c.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.archive.SaveBatch(ctx, summary); err != nil {
		c.logger.Error("archive batch failed", "batch", summary.BatchID, "error", err)
	}
	if err := c.archive.SaveBudget(ctx, summary.BatchID, c.guardrail.Snapshot()); err != nil {
		c.logger.Error("archive budget failed", "batch", summary.BatchID, "error", err)
	}
}
