package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"conductor/internal/domain"
)

// Config shapes the token buckets. Rates are tokens per second.
type Config struct {
	AgentRate   float64
	AgentBurst  int
	GlobalRate  float64
	GlobalBurst int
}

// Limiter performs token-bucket admission per agent and against a shared
// global bucket. Both buckets must admit for a request to proceed.
//
// Buckets are process-lifetime state, shared across all concurrent batches,
// and reset only via Reset.
type Limiter struct {
	mu     sync.Mutex
	agents map[string]*rate.Limiter
	global *rate.Limiter
	cfg    Config
	logger *slog.Logger
}

// NewLimiter creates a Limiter. Burst values below 1 are raised to 1 so a
// bucket can always eventually admit.
func NewLimiter(cfg Config, logger *slog.Logger) *Limiter {
	if cfg.AgentBurst < 1 {
		cfg.AgentBurst = 1
	}
	if cfg.GlobalBurst < 1 {
		cfg.GlobalBurst = 1
	}
	return &Limiter{
		agents: make(map[string]*rate.Limiter),
		global: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		cfg:    cfg,
		logger: logger,
	}
}

func (l *Limiter) agentLimiter(agentID string) *rate.Limiter {
	if agentID == "" {
		agentID = "default"
	}
	if lim, ok := l.agents[agentID]; ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(l.cfg.AgentRate), l.cfg.AgentBurst)
	l.agents[agentID] = lim
	return lim
}

// CanProceed consumes one token from both the agent and the global bucket
// if both are available now. When either bucket is empty it consumes
// nothing and returns the wait after which admission should be retried.
// Callers are expected to wait that duration, not busy-poll.
func (l *Limiter) CanProceed(agentID string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	agentRes := l.agentLimiter(agentID).Reserve()
	globalRes := l.global.Reserve()

	agentWait := agentRes.Delay()
	globalWait := globalRes.Delay()
	if agentWait == 0 && globalWait == 0 {
		return true, 0
	}

	// Give the tokens back; the caller will retry after the wait.
	agentRes.Cancel()
	globalRes.Cancel()
	if agentWait > globalWait {
		return false, agentWait
	}
	return false, globalWait
}

// Wait blocks until both buckets admit, the deadline passes, or ctx is
// canceled. A zero deadline means wait as long as ctx allows.
func (l *Limiter) Wait(ctx context.Context, agentID string, deadline time.Duration) error {
	var timeout <-chan time.Time
	if deadline > 0 {
		t := time.NewTimer(deadline)
		defer t.Stop()
		timeout = t.C
	}
	for {
		ok, wait := l.CanProceed(agentID)
		if ok {
			return nil
		}
		l.logger.Debug("rate limit backoff", "agent", agentID, "wait", wait)
		select {
		case <-time.After(wait):
		case <-timeout:
			return domain.NewDomainError("RateLimiter.Wait", domain.ErrRateLimited, "admission deadline exhausted")
		case <-ctx.Done():
			return domain.WrapOp("RateLimiter.Wait", ctx.Err())
		}
	}
}

// Reset discards all bucket state. Administrative use only.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.agents = make(map[string]*rate.Limiter)
	l.global = rate.NewLimiter(rate.Limit(l.cfg.GlobalRate), l.cfg.GlobalBurst)
}
