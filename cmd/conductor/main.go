package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"conductor/internal/adapter/archive"
	"conductor/internal/adapter/providerpool"
	"conductor/internal/domain"
	"conductor/internal/infra/config"
	"conductor/internal/infra/logger"
	"conductor/internal/infra/tracer"
	"conductor/internal/usecase/budget"
	"conductor/internal/usecase/coordinator"
	"conductor/internal/usecase/ratelimit"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	cmd := "run"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = runBatch(args, false)
	case "plan":
		err = runBatch(args, true)
	case "history":
		err = showHistory(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'conductor --help' for usage information.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`conductor - dependency-aware action orchestrator

USAGE:
    conductor [COMMAND] [FLAGS]

COMMANDS:
    run         Execute an action batch (default)
    plan        Print the execution levels without dispatching
    history     List archived batch runs

FLAGS:
    -h, --help       Show this help message
    --config PATH    Config file path (default: ./config.yaml)
    --actions PATH   Action batch file (JSON), required for run/plan
    --limit N        Max entries for history (default: 20)

EXAMPLES:
    conductor run --actions batch.json
    conductor plan --actions batch.json
    conductor history --limit 10`)
}

// actionSpec is the batch file representation of an action. Durations are
// human strings ("30s", "2m") rather than nanosecond counts.
type actionSpec struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Params    map[string]any `json:"params,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Priority  string         `json:"priority,omitempty"`
	Model     string         `json:"model,omitempty"`
	Node      string         `json:"node,omitempty"`
	Timeout   string         `json:"timeout,omitempty"`
	Retry     *retrySpec     `json:"retry,omitempty"`
}

type retrySpec struct {
	MaxAttempts int    `json:"max_attempts"`
	Backoff     string `json:"backoff,omitempty"`
	BaseDelay   string `json:"base_delay,omitempty"`
}

func loadActions(path string) ([]domain.Action, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read actions: %w", err)
	}
	var specs []actionSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parse actions: %w", err)
	}

	actions := make([]domain.Action, 0, len(specs))
	for _, s := range specs {
		a := domain.Action{
			ID:       domain.ActionID(s.ID),
			Type:     s.Type,
			Params:   s.Params,
			AgentID:  s.AgentID,
			Priority: s.Priority,
			Model:    s.Model,
			Node:     s.Node,
		}
		for _, dep := range s.DependsOn {
			a.DependsOn = append(a.DependsOn, domain.ActionID(dep))
		}
		if s.Timeout != "" {
			d, err := time.ParseDuration(s.Timeout)
			if err != nil {
				return nil, fmt.Errorf("action %q: bad timeout: %w", s.ID, err)
			}
			a.Timeout = d
		}
		if s.Retry != nil {
			a.Retry = domain.RetryPolicy{
				MaxAttempts: s.Retry.MaxAttempts,
				Backoff:     domain.BackoffShape(s.Retry.Backoff),
			}
			if s.Retry.BaseDelay != "" {
				d, err := time.ParseDuration(s.Retry.BaseDelay)
				if err != nil {
					return nil, fmt.Errorf("action %q: bad base_delay: %w", s.ID, err)
				}
				a.Retry.BaseDelay = d
			}
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// core bundles the wired orchestration components for one process.
type core struct {
	coord   *coordinator.Coordinator
	cleanup []func()
}

func (c *core) close() {
	for i := len(c.cleanup) - 1; i >= 0; i-- {
		c.cleanup[i]()
	}
}

func buildCore(ctx context.Context, cfg *config.Config, log *slog.Logger) (*core, error) {
	c := &core{}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		AgentRate:   cfg.RateLimit.AgentRate,
		AgentBurst:  cfg.RateLimit.AgentBurst,
		GlobalRate:  cfg.RateLimit.GlobalRate,
		GlobalBurst: cfg.RateLimit.GlobalBurst,
	}, log)

	monitor := providerpool.NewHealthMonitor(cfg.Providers, cfg.Health.WindowSize, log)

	clients := make([]domain.ProviderClient, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		clients = append(clients, providerpool.NewHTTPClient(pc))
	}

	router, err := providerpool.NewRouter(clients, cfg.Providers, monitor, limiter, providerpool.Config{
		Strategy:         providerpool.Strategy(cfg.Router.Strategy),
		MaxRetries:       cfg.Router.MaxRetries,
		AdmissionTimeout: cfg.Router.AdmissionTimeout,
	}, log)
	if err != nil {
		return nil, err
	}

	stopProbes, err := monitor.StartProbes(ctx, router.Clients(), cfg.Health.ProbeInterval, cfg.Health.ProbeTimeout)
	if err != nil {
		return nil, err
	}
	c.cleanup = append(c.cleanup, stopProbes)

	guardrail := budget.NewGuardrail(budget.Config{
		Limit:               cfg.Budget.Limit,
		WarningThreshold:    cfg.Budget.WarningThreshold,
		SoftLimitThreshold:  cfg.Budget.SoftLimitThreshold,
		GracefulDegradation: cfg.Budget.GracefulDegradation,
		Degradation:         cfg.Budget.Degradation,
	}, log)

	prices := make(map[string]budget.Price, len(cfg.Budget.ModelPrices))
	for model, p := range cfg.Budget.ModelPrices {
		prices[model] = budget.Price{InputPer1K: p.InputPer1K, OutputPer1K: p.OutputPer1K}
	}
	estimator := budget.NewEstimator(budget.EstimatorConfig{
		Encoding:            cfg.Budget.Encoding,
		DefaultOutputTokens: cfg.Budget.DefaultOutputTokens,
		ModelPrices:         prices,
		DefaultPrice:        budget.Price{InputPer1K: cfg.Budget.DefaultPrice.InputPer1K, OutputPer1K: cfg.Budget.DefaultPrice.OutputPer1K},
	}, log)

	c.coord = coordinator.New(router, guardrail, estimator, coordinator.Options{
		MaxConcurrency: cfg.Coordinator.MaxConcurrency,
		StopOnFailure:  cfg.Coordinator.StopOnFailure,
		RouterRetries:  cfg.Router.MaxRetries,
		DefaultTimeout: cfg.Coordinator.DefaultTimeout,
		DefaultRetry:   cfg.Coordinator.DefaultRetry,
		QueueMode:      ratelimit.Mode(cfg.RateLimit.QueueMode),
	}, log)

	if cfg.Archive.Enabled {
		store, err := archive.NewStore(cfg.Archive.Path)
		if err != nil {
			c.close()
			return nil, err
		}
		c.coord.AttachArchive(store)
		c.cleanup = append(c.cleanup, func() { store.Close() })
	}
	return c, nil
}

func runBatch(args []string, dryRun bool) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "config file path")
	actionsPath := fs.String("actions", "", "action batch file (JSON)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *actionsPath == "" {
		return fmt.Errorf("--actions is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	actions, err := loadActions(*actionsPath)
	if err != nil {
		return err
	}

	c, err := buildCore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.close()

	plan, err := c.coord.Plan(actions)
	if err != nil {
		return err
	}
	if dryRun {
		for i, level := range plan.Levels {
			ids := make([]string, len(level))
			for j, id := range level {
				ids[j] = string(id)
			}
			fmt.Printf("level %d: %s\n", i, strings.Join(ids, ", "))
		}
		return nil
	}

	log.Info("starting batch", "actions", plan.Size(), "levels", len(plan.Levels))
	summary, err := c.coord.Run(ctx, plan, coordinator.Options{})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d actions failed", summary.Failed, summary.Total)
	}
	return nil
}

func showHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "config file path")
	limit := fs.Int("limit", 20, "max entries")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if !cfg.Archive.Enabled {
		return fmt.Errorf("archive is disabled in %s", *configPath)
	}
	store, err := archive.NewStore(cfg.Archive.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	summaries, err := store.ListBatches(ctx, *limit)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("no archived batches")
		return nil
	}
	for _, s := range summaries {
		fmt.Printf("%s  %s  total=%d ok=%d failed=%d skipped=%d cost=%.4f\n",
			s.BatchID, s.StartedAt.Format(time.RFC3339), s.Total, s.Succeeded, s.Failed, s.Skipped, s.TotalCost)
	}
	return nil
}
