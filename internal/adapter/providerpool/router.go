package providerpool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"conductor/internal/domain"
	"conductor/internal/usecase/ratelimit"
)

// Strategy selects how the router picks among healthy candidates.
type Strategy string

const (
	StrategyHealthBased      Strategy = "health_based"
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyLeastConnections Strategy = "least_connections"
)

// Config shapes routing behavior.
type Config struct {
	Strategy Strategy
	// MaxRetries is the same-provider retry budget for transient errors.
	MaxRetries int
	// AdmissionTimeout bounds waiting for rate-limiter admission per attempt.
	AdmissionTimeout time.Duration
}

// poolEntry pairs a provider client with its mutable routing counters.
// Counters are guarded by the router lock.
type poolEntry struct {
	client    *BreakerClient
	cfg       domain.ProviderConfig
	inFlight  int
	requests  int64
	totalCost float64
}

// Router selects a provider for each request, enforces rate-limit admission
// and failover, and reports every outcome to the health monitor.
type Router struct {
	mu       sync.Mutex
	entries  []*poolEntry // priority ascending
	health   *HealthMonitor
	limiter  *ratelimit.Limiter
	cfg      Config
	rrCursor int
	logger   *slog.Logger
}

// NewRouter builds a router over the given clients. Each client is wrapped
// with a circuit breaker shaped by its provider configuration; clients
// without a matching configuration are rejected.
func NewRouter(clients []domain.ProviderClient, configs []domain.ProviderConfig, health *HealthMonitor, limiter *ratelimit.Limiter, cfg Config, logger *slog.Logger) (*Router, error) {
	byID := make(map[string]domain.ProviderConfig, len(configs))
	for _, pc := range configs {
		byID[pc.ID] = pc
	}

	entries := make([]*poolEntry, 0, len(clients))
	for _, client := range clients {
		pc, ok := byID[client.ID()]
		if !ok {
			return nil, domain.NewDomainError("NewRouter", domain.ErrProviderNotFound,
				"no configuration for provider "+client.ID())
		}
		entries = append(entries, &poolEntry{
			client: NewBreakerClient(client, pc, logger),
			cfg:    pc,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].cfg.Priority < entries[j].cfg.Priority
	})

	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Router{
		entries: entries,
		health:  health,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// Clients returns the breaker-wrapped clients, for health probe scheduling.
func (r *Router) Clients() []domain.ProviderClient {
	out := make([]domain.ProviderClient, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.client
	}
	return out
}

// Route dispatches req to a provider. Transient errors retry the same
// provider up to maxRetries; permanent errors or exhaustion fail over to the
// next candidate in the priority chain. maxRetries < 0 uses the configured
// default. On failure the returned result, when non-nil, still carries the
// last attempted provider, its latency, and the total attempt count.
func (r *Router) Route(ctx context.Context, req domain.ProviderRequest, maxRetries int) (*domain.ProviderResult, error) {
	if maxRetries < 0 {
		maxRetries = r.cfg.MaxRetries
	}

	tried := make(map[string]bool)
	var attemptLog []string
	attempts := 0
	var lastProvider string
	var lastLatency time.Duration

	// lastAttempt accounts for whatever was tried before a routing failure,
	// nil when nothing was dispatched.
	lastAttempt := func() *domain.ProviderResult {
		if attempts == 0 {
			return nil
		}
		return &domain.ProviderResult{
			Provider: lastProvider,
			Latency:  lastLatency,
			Attempts: attempts,
		}
	}

	for {
		entry := r.next(tried)
		if entry == nil {
			if len(attemptLog) == 0 {
				return nil, domain.NewDomainError("Router.Route", domain.ErrAllProvidersFailed,
					"no healthy provider available")
			}
			return lastAttempt(), domain.NewDomainError("Router.Route", domain.ErrAllProvidersFailed,
				strings.Join(attemptLog, "; "))
		}
		id := entry.client.ID()

		for attempt := 0; attempt <= maxRetries; attempt++ {
			// A dead caller context fails the route immediately. The deadline
			// belongs to the action, not the provider, so no attempt is made
			// and no health failure is recorded.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return lastAttempt(), domain.WrapOp("Router.Route", ctxErr)
			}
			if err := r.limiter.Wait(ctx, req.AgentID, r.cfg.AdmissionTimeout); err != nil {
				return lastAttempt(), err
			}

			attempts++
			r.beginRequest(entry)
			start := time.Now()
			resp, err := entry.client.Invoke(ctx, req)
			latency := time.Since(start)
			r.endRequest(entry)
			lastProvider = id
			lastLatency = latency

			// A failure caused by the caller's expired context says nothing
			// about the provider; skip the health record for it.
			if err != nil && ctx.Err() != nil {
				return lastAttempt(), domain.WrapOp("Router.Route", ctx.Err())
			}
			r.health.Record(id, err == nil, latency)

			if err == nil {
				cost := entry.cfg.Cost(resp.InputTokens, resp.OutputTokens)
				r.recordCost(entry, cost)
				return &domain.ProviderResult{
					Response: resp,
					Provider: id,
					Latency:  latency,
					Cost:     cost,
					Attempts: attempts,
				}, nil
			}

			attemptLog = append(attemptLog, fmt.Sprintf("%s: %v", id, err))
			if Classify(err) == CategoryPermanent {
				r.logger.Warn("permanent provider error, failing over",
					"provider", id, "error", err)
				break
			}
			r.logger.Debug("transient provider error",
				"provider", id, "attempt", attempt+1, "error", err)
		}

		tried[id] = true
	}
}

// next picks the best untried candidate: priority order, health not
// Unhealthy, circuit not open. Returns nil when no candidate remains.
func (r *Router) next(tried map[string]bool) *poolEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*poolEntry
	for _, e := range r.entries {
		if tried[e.client.ID()] {
			continue
		}
		if r.health.Status(e.client.ID()) == domain.HealthUnhealthy {
			continue
		}
		if e.client.State() == gobreaker.StateOpen {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil
	}

	switch r.cfg.Strategy {
	case StrategyRoundRobin:
		e := candidates[r.rrCursor%len(candidates)]
		r.rrCursor++
		return e
	case StrategyLeastConnections:
		best := candidates[0]
		for _, e := range candidates[1:] {
			if e.inFlight < best.inFlight {
				best = e
			}
		}
		return best
	default: // health based: highest-priority healthy candidate
		for _, e := range candidates {
			if r.health.Status(e.client.ID()) == domain.HealthHealthy {
				return e
			}
		}
		// All remaining are degraded; take the highest priority one.
		return candidates[0]
	}
}

func (r *Router) beginRequest(e *poolEntry) {
	r.mu.Lock()
	e.inFlight++
	e.requests++
	r.mu.Unlock()
}

func (r *Router) endRequest(e *poolEntry) {
	r.mu.Lock()
	e.inFlight--
	r.mu.Unlock()
}

func (r *Router) recordCost(e *poolEntry, cost float64) {
	r.mu.Lock()
	e.totalCost += cost
	r.mu.Unlock()
}

// CostSummary returns per-provider in-flight and cost totals for
// observability.
func (r *Router) CostSummary() []domain.ProviderCost {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ProviderCost, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, domain.ProviderCost{
			Provider:  e.client.ID(),
			InFlight:  e.inFlight,
			Requests:  e.requests,
			TotalCost: e.totalCost,
		})
	}
	return out
}
