package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/domain"
	"conductor/internal/usecase/budget"
	"conductor/internal/usecase/ratelimit"
)

// scriptedDispatcher returns canned outcomes per action, keyed by call count.
type scriptedDispatcher struct {
	mu     sync.Mutex
	calls  map[domain.ActionID]int
	script func(req domain.ProviderRequest, call int) (*domain.ProviderResult, error)
}

func newScripted(script func(req domain.ProviderRequest, call int) (*domain.ProviderResult, error)) *scriptedDispatcher {
	return &scriptedDispatcher{
		calls:  make(map[domain.ActionID]int),
		script: script,
	}
}

func (d *scriptedDispatcher) Route(_ context.Context, req domain.ProviderRequest, _ int) (*domain.ProviderResult, error) {
	d.mu.Lock()
	d.calls[req.ActionID]++
	call := d.calls[req.ActionID]
	d.mu.Unlock()
	return d.script(req, call)
}

func (d *scriptedDispatcher) callCount(id domain.ActionID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[id]
}

func okResult(req domain.ProviderRequest, cost float64) (*domain.ProviderResult, error) {
	return &domain.ProviderResult{
		Response: &domain.ProviderResponse{
			Output:       "done",
			Model:        req.Model,
			InputTokens:  100,
			OutputTokens: 50,
		},
		Provider: "provider-1",
		Latency:  5 * time.Millisecond,
		Cost:     cost,
		Attempts: 1,
	}, nil
}

func newTestCoordinator(d Dispatcher, limit float64) (*Coordinator, *budget.Guardrail) {
	log := testLogger()
	guardrail := budget.NewGuardrail(budget.Config{
		Limit:               limit,
		GracefulDegradation: true,
		Degradation:         domain.DegradationConfig{FallbackModel: "small-model"},
	}, log)
	estimator := budget.NewEstimator(budget.EstimatorConfig{
		Encoding:            "no-such-encoding", // byte heuristic, deterministic
		DefaultOutputTokens: 100,
		DefaultPrice:        budget.Price{InputPer1K: 0.01, OutputPer1K: 0.01},
	}, log)
	c := New(d, guardrail, estimator, Options{
		MaxConcurrency: 4,
		DefaultTimeout: time.Second,
		DefaultRetry:   domain.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond},
	}, log)
	return c, guardrail
}

func mustPlan(t *testing.T, c *Coordinator, actions []domain.Action) *domain.ExecutionPlan {
	t.Helper()
	plan, err := c.Plan(actions)
	require.NoError(t, err)
	return plan
}

func resultFor(t *testing.T, s *domain.BatchSummary, id domain.ActionID) domain.ActionResult {
	t.Helper()
	for _, r := range s.Results {
		if r.ActionID == id {
			return r
		}
	}
	t.Fatalf("no result for action %s", id)
	return domain.ActionResult{}
}

func TestRunAllSucceed(t *testing.T) {
	d := newScripted(func(req domain.ProviderRequest, _ int) (*domain.ProviderResult, error) {
		return okResult(req, 0.5)
	})
	c, guardrail := newTestCoordinator(d, 100)
	plan := mustPlan(t, c, []domain.Action{
		{ID: "a"},
		{ID: "b", DependsOn: []domain.ActionID{"a"}},
		{ID: "c", DependsOn: []domain.ActionID{"a"}},
	})

	summary, err := c.Run(context.Background(), plan, Options{})
	require.NoError(t, err)

	assert.NotEmpty(t, summary.BatchID)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 1.0, summary.SuccessRate)
	assert.InDelta(t, 1.5, summary.TotalCost, 1e-9)
	assert.Empty(t, summary.Errors)
	assert.False(t, summary.FinishedAt.Before(summary.StartedAt))

	// Actuals were settled into the budget.
	snap := guardrail.Snapshot()
	assert.InDelta(t, 1.5, snap.Cost, 1e-9)
	assert.Equal(t, int64(300), snap.InputTokens)
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	d := newScripted(func(req domain.ProviderRequest, call int) (*domain.ProviderResult, error) {
		if call < 3 {
			return nil, domain.NewDomainError("Router.Route", domain.ErrTransientProvider, "flaky")
		}
		return okResult(req, 0.1)
	})
	c, _ := newTestCoordinator(d, 100)
	plan := mustPlan(t, c, []domain.Action{
		{ID: "a", Retry: domain.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}},
	})

	summary, err := c.Run(context.Background(), plan, Options{})
	require.NoError(t, err)

	res := resultFor(t, summary, "a")
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, d.callCount("a"))
}

func TestRunRetryBudgetExhausted(t *testing.T) {
	d := newScripted(func(_ domain.ProviderRequest, _ int) (*domain.ProviderResult, error) {
		return nil, domain.NewDomainError("Router.Route", domain.ErrTransientProvider, "always down")
	})
	c, _ := newTestCoordinator(d, 100)
	plan := mustPlan(t, c, []domain.Action{
		{ID: "a", Retry: domain.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}},
	})

	summary, err := c.Run(context.Background(), plan, Options{})
	require.NoError(t, err)

	res := resultFor(t, summary, "a")
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, domain.CodeTransientProvider, res.Code)
	assert.Equal(t, 1, summary.Failed)
}

func TestRunPermanentErrorDoesNotRetry(t *testing.T) {
	d := newScripted(func(_ domain.ProviderRequest, _ int) (*domain.ProviderResult, error) {
		return nil, domain.NewDomainError("Router.Route", domain.ErrAllProvidersFailed, "exhausted")
	})
	c, _ := newTestCoordinator(d, 100)
	plan := mustPlan(t, c, []domain.Action{
		{ID: "a", Retry: domain.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}},
	})

	summary, err := c.Run(context.Background(), plan, Options{})
	require.NoError(t, err)

	res := resultFor(t, summary, "a")
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, d.callCount("a"))
	assert.Equal(t, domain.CodeAllProvidersFailed, res.Code)
}

func TestRunActionTimeoutIsRetried(t *testing.T) {
	d := newScripted(func(req domain.ProviderRequest, call int) (*domain.ProviderResult, error) {
		if call == 1 {
			// What the router reports when the action's deadline expires.
			return nil, domain.WrapOp("Router.Route", context.DeadlineExceeded)
		}
		return okResult(req, 0.1)
	})
	c, _ := newTestCoordinator(d, 100)
	plan := mustPlan(t, c, []domain.Action{
		{ID: "a", Retry: domain.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}},
	})

	summary, err := c.Run(context.Background(), plan, Options{})
	require.NoError(t, err)

	res := resultFor(t, summary, "a")
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, d.callCount("a"))
}

func TestRunFailedResultKeepsProviderAndLatency(t *testing.T) {
	d := newScripted(func(_ domain.ProviderRequest, _ int) (*domain.ProviderResult, error) {
		return &domain.ProviderResult{Provider: "provider-2", Latency: 7 * time.Millisecond, Attempts: 2},
			domain.NewDomainError("Router.Route", domain.ErrAllProvidersFailed, "exhausted")
	})
	c, _ := newTestCoordinator(d, 100)
	plan := mustPlan(t, c, []domain.Action{{ID: "a"}})

	summary, err := c.Run(context.Background(), plan, Options{})
	require.NoError(t, err)

	res := resultFor(t, summary, "a")
	assert.False(t, res.Success)
	assert.Equal(t, "provider-2", res.Provider)
	assert.Equal(t, 7*time.Millisecond, res.Latency)
	assert.Equal(t, domain.CodeAllProvidersFailed, res.Code)
}

func TestRunStopOnFailureSkipsDownstream(t *testing.T) {
	d := newScripted(func(req domain.ProviderRequest, _ int) (*domain.ProviderResult, error) {
		if req.ActionID == "b" {
			return nil, domain.NewDomainError("Router.Route", domain.ErrPermanentProvider, "rejected")
		}
		return okResult(req, 0.1)
	})
	c, _ := newTestCoordinator(d, 100)
	plan := mustPlan(t, c, []domain.Action{
		{ID: "a"},
		{ID: "b"},
		{ID: "c", DependsOn: []domain.ActionID{"a", "b"}},
	})

	summary, err := c.Run(context.Background(), plan, Options{StopOnFailure: true})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Skipped)

	res := resultFor(t, summary, "c")
	assert.Equal(t, domain.CodeSkippedUpstream, res.Code)
	assert.Equal(t, 0, d.callCount("c"))
}

func TestRunContinuesPastFailureByDefault(t *testing.T) {
	d := newScripted(func(req domain.ProviderRequest, _ int) (*domain.ProviderResult, error) {
		if req.ActionID == "a" {
			return nil, domain.NewDomainError("Router.Route", domain.ErrPermanentProvider, "rejected")
		}
		return okResult(req, 0.1)
	})
	c, _ := newTestCoordinator(d, 100)
	plan := mustPlan(t, c, []domain.Action{
		{ID: "a"},
		{ID: "b", DependsOn: []domain.ActionID{"a"}},
	})

	summary, err := c.Run(context.Background(), plan, Options{StopOnFailure: false})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Succeeded)
	assert.True(t, resultFor(t, summary, "b").Success)
}

func TestRunBudgetHaltBeforeDispatch(t *testing.T) {
	d := newScripted(func(req domain.ProviderRequest, _ int) (*domain.ProviderResult, error) {
		return okResult(req, 0.1)
	})
	c, _ := newTestCoordinator(d, 0.0001) // any estimate crosses the limit
	plan := mustPlan(t, c, []domain.Action{{ID: "a"}})

	summary, err := c.Run(context.Background(), plan, Options{})
	require.NoError(t, err)

	res := resultFor(t, summary, "a")
	assert.False(t, res.Success)
	assert.Equal(t, domain.CodeBudgetExceeded, res.Code)
	assert.Equal(t, 0, d.callCount("a"), "nothing may be dispatched past a halt")
}

func TestRunDegradeSwapsModel(t *testing.T) {
	var gotModel string
	var mu sync.Mutex
	d := newScripted(func(req domain.ProviderRequest, _ int) (*domain.ProviderResult, error) {
		mu.Lock()
		gotModel = req.Model
		mu.Unlock()
		return okResult(req, 0.01)
	})
	c, guardrail := newTestCoordinator(d, 10)
	// Push spend into the degrade band before running.
	guardrail.Settle("big-model", "", 0, 0, 0, 9.2)

	plan := mustPlan(t, c, []domain.Action{{ID: "a", Model: "big-model"}})
	summary, err := c.Run(context.Background(), plan, Options{})
	require.NoError(t, err)

	require.True(t, resultFor(t, summary, "a").Success)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "small-model", gotModel)
}

func TestRunCanceledContext(t *testing.T) {
	d := newScripted(func(req domain.ProviderRequest, _ int) (*domain.ProviderResult, error) {
		return okResult(req, 0.1)
	})
	c, _ := newTestCoordinator(d, 100)
	plan := mustPlan(t, c, []domain.Action{{ID: "a"}, {ID: "b"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := c.Run(ctx, plan, Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 0, summary.Succeeded)
	for _, r := range summary.Results {
		assert.Equal(t, domain.CodeBatchCanceled, r.Code)
	}
	assert.Equal(t, 0, d.callCount("a"))
}

func TestRunNilPlan(t *testing.T) {
	c, _ := newTestCoordinator(newScripted(nil), 100)
	_, err := c.Run(context.Background(), nil, Options{})
	require.Error(t, err)
}

func TestRunLevelOrderingIsRespected(t *testing.T) {
	var mu sync.Mutex
	var order []domain.ActionID
	d := newScripted(func(req domain.ProviderRequest, _ int) (*domain.ProviderResult, error) {
		mu.Lock()
		order = append(order, req.ActionID)
		mu.Unlock()
		return okResult(req, 0.01)
	})
	c, _ := newTestCoordinator(d, 100)
	plan := mustPlan(t, c, []domain.Action{
		{ID: "a"},
		{ID: "b", DependsOn: []domain.ActionID{"a"}},
		{ID: "c", DependsOn: []domain.ActionID{"b"}},
	})

	_, err := c.Run(context.Background(), plan, Options{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.ActionID{"a", "b", "c"}, order)
}

// fakeArchive records what the coordinator persists after a run.
type fakeArchive struct {
	mu      sync.Mutex
	batches []*domain.BatchSummary
	budgets map[string]budget.State
}

func (f *fakeArchive) SaveBatch(_ context.Context, s *domain.BatchSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, s)
	return nil
}

func (f *fakeArchive) SaveBudget(_ context.Context, batchID string, state budget.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.budgets == nil {
		f.budgets = make(map[string]budget.State)
	}
	f.budgets[batchID] = state
	return nil
}

func TestRunArchivesSummaryAndBudget(t *testing.T) {
	d := newScripted(func(req domain.ProviderRequest, _ int) (*domain.ProviderResult, error) {
		return okResult(req, 0.25)
	})
	c, _ := newTestCoordinator(d, 100)
	arch := &fakeArchive{}
	c.AttachArchive(arch)

	plan := mustPlan(t, c, []domain.Action{{ID: "a"}})
	summary, err := c.Run(context.Background(), plan, Options{})
	require.NoError(t, err)

	arch.mu.Lock()
	defer arch.mu.Unlock()
	require.Len(t, arch.batches, 1)
	assert.Equal(t, summary.BatchID, arch.batches[0].BatchID)
	require.Contains(t, arch.budgets, summary.BatchID)
	assert.InDelta(t, 0.25, arch.budgets[summary.BatchID].Cost, 1e-9)
}

func TestRunPriorityQueueMode(t *testing.T) {
	// Smoke check: priority mode must drain a mixed-priority level completely.
	d := newScripted(func(req domain.ProviderRequest, _ int) (*domain.ProviderResult, error) {
		return okResult(req, 0.01)
	})
	c, _ := newTestCoordinator(d, 100)
	plan := mustPlan(t, c, []domain.Action{
		{ID: "a", Priority: "low"},
		{ID: "b", Priority: "high"},
		{ID: "c"},
	})

	summary, err := c.Run(context.Background(), plan, Options{QueueMode: ratelimit.ModePriority})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Succeeded)
}
