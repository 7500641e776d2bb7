package providerpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"conductor/internal/domain"
)

// outcome is one recorded request in the rolling window.
type outcome struct {
	success bool
	latency time.Duration
}

// providerHealth is the mutable per-provider health record. Mutated only by
// the HealthMonitor, under its lock.
type providerHealth struct {
	cfg    domain.ProviderConfig
	window []outcome
	head   int
	filled int

	consecutiveFailures int
	totalRequests       int64
	totalErrors         int64
	lastCheck           time.Time

	status domain.HealthStatus
	// pinned marks an administrative override; cleared by the next Record.
	pinned bool
}

// HealthMonitor tracks success/failure/latency per provider and derives a
// health status. It is process-lifetime state shared across batches.
type HealthMonitor struct {
	mu         sync.Mutex
	providers  map[string]*providerHealth
	windowSize int
	logger     *slog.Logger
	cron       *cron.Cron
}

// NewHealthMonitor creates a monitor for the given providers. windowSize is
// the number of recent outcomes in the rolling window.
func NewHealthMonitor(providers []domain.ProviderConfig, windowSize int, logger *slog.Logger) *HealthMonitor {
	if windowSize < 1 {
		windowSize = 20
	}
	m := &HealthMonitor{
		providers:  make(map[string]*providerHealth, len(providers)),
		windowSize: windowSize,
		logger:     logger,
	}
	for _, cfg := range providers {
		m.providers[cfg.ID] = &providerHealth{
			cfg:    cfg,
			window: make([]outcome, windowSize),
			status: domain.HealthHealthy,
		}
	}
	return m
}

// Record registers the outcome of one request (live traffic or probe) and
// re-evaluates the provider's status.
func (m *HealthMonitor) Record(providerID string, success bool, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.providers[providerID]
	if !ok {
		return
	}

	h.window[h.head] = outcome{success: success, latency: latency}
	h.head = (h.head + 1) % len(h.window)
	if h.filled < len(h.window) {
		h.filled++
	}
	h.totalRequests++
	if success {
		h.consecutiveFailures = 0
	} else {
		h.consecutiveFailures++
		h.totalErrors++
	}
	h.lastCheck = time.Now()
	if h.pinned {
		h.pinned = false
		m.logger.Info("provider health pin cleared", "provider", providerID)
	}

	prev := h.status
	h.status = m.evaluate(h)
	if h.status != prev {
		m.logger.Warn("provider health transition",
			"provider", providerID, "from", string(prev), "to", string(h.status))
	}
}

// evaluate derives the status from the rolling record. Caller holds the lock.
func (m *HealthMonitor) evaluate(h *providerHealth) domain.HealthStatus {
	successRate, avgLatency := h.rolling()
	errorRate := 1 - successRate

	switch {
	case h.consecutiveFailures >= h.cfg.MaxConsecutiveFailures:
		return domain.HealthUnhealthy
	case h.filled > 0 && errorRate > h.cfg.ErrorRateThreshold:
		return domain.HealthUnhealthy
	case h.filled > 0 && avgLatency > h.cfg.LatencyThreshold:
		return domain.HealthDegraded
	case h.filled > 0 && successRate < 0.9:
		return domain.HealthDegraded
	default:
		return domain.HealthHealthy
	}
}

func (h *providerHealth) rolling() (successRate float64, avgLatency time.Duration) {
	if h.filled == 0 {
		return 1, 0
	}
	var ok int
	var total time.Duration
	for i := 0; i < h.filled; i++ {
		o := h.window[i]
		if o.success {
			ok++
		}
		total += o.latency
	}
	return float64(ok) / float64(h.filled), total / time.Duration(h.filled)
}

// Status returns the provider's current health status. Unknown providers
// are reported Unhealthy so the router never selects them.
func (m *HealthMonitor) Status(providerID string) domain.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.providers[providerID]
	if !ok {
		return domain.HealthUnhealthy
	}
	return h.status
}

// SetStatus is an administrative override. It pins the status until the
// next recorded outcome re-evaluates it.
func (m *HealthMonitor) SetStatus(providerID string, status domain.HealthStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.providers[providerID]
	if !ok {
		return domain.NewDomainError("HealthMonitor.SetStatus", domain.ErrProviderNotFound, providerID)
	}
	h.status = status
	h.pinned = true
	m.logger.Info("provider health pinned", "provider", providerID, "status", string(status))
	return nil
}

// Metrics returns a snapshot of one provider's health record.
func (m *HealthMonitor) Metrics(providerID string) (domain.HealthMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.providers[providerID]
	if !ok {
		return domain.HealthMetrics{}, domain.NewDomainError("HealthMonitor.Metrics", domain.ErrProviderNotFound, providerID)
	}
	return m.snapshot(providerID, h), nil
}

// Summary returns snapshots for all providers, for observability.
func (m *HealthMonitor) Summary() []domain.HealthMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.HealthMetrics, 0, len(m.providers))
	for id, h := range m.providers {
		out = append(out, m.snapshot(id, h))
	}
	return out
}

func (m *HealthMonitor) snapshot(id string, h *providerHealth) domain.HealthMetrics {
	successRate, avgLatency := h.rolling()
	return domain.HealthMetrics{
		Provider:            id,
		Status:              h.status,
		Pinned:              h.pinned,
		SuccessRate:         successRate,
		AvgLatency:          avgLatency,
		ConsecutiveFailures: h.consecutiveFailures,
		TotalRequests:       h.totalRequests,
		TotalErrors:         h.totalErrors,
		LastCheck:           h.lastCheck,
	}
}

// StartProbes schedules periodic synthetic checks so an idle, failing
// provider is eventually detected without live traffic. Probe outcomes feed
// Record like normal requests. Stop the returned function on shutdown.
func (m *HealthMonitor) StartProbes(ctx context.Context, clients []domain.ProviderClient, interval, timeout time.Duration) (stop func(), err error) {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", interval)
	for _, client := range clients {
		client := client
		if _, err := c.AddFunc(spec, func() {
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			start := time.Now()
			pingErr := client.Ping(probeCtx)
			m.Record(client.ID(), pingErr == nil, time.Since(start))
			if pingErr != nil {
				m.logger.Debug("health probe failed", "provider", client.ID(), "error", pingErr)
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule probe for %s: %w", client.ID(), err)
		}
	}
	c.Start()
	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()
	return func() { <-c.Stop().Done() }, nil
}
