// Package main is the entry point for the simengine batch CLI.
//
// Usage:
//
//	simengine run --markets <file>   — run a batch of markets, write results/
//	simengine version                — print version
//	simengine doctor                 — validate configuration without running
//
// Grounded on cmd/overhuman/main.go's command-dispatch switch, narrowed
// from a long-lived daemon (cli/start/configure/status) to a batch tool:
// there is no interactive mode or HTTP API here, since the engine's unit
// of work is "run this batch and exit" (spec §6).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/simengine/orchestrator/internal/budget"
	"github.com/simengine/orchestrator/internal/config"
	"github.com/simengine/orchestrator/internal/generator"
	"github.com/simengine/orchestrator/internal/leasetracker"
	"github.com/simengine/orchestrator/internal/llm"
	"github.com/simengine/orchestrator/internal/market"
	"github.com/simengine/orchestrator/internal/observability"
	"github.com/simengine/orchestrator/internal/pipeline"
	"github.com/simengine/orchestrator/internal/research"
	"github.com/simengine/orchestrator/internal/result"
	"github.com/simengine/orchestrator/internal/sandbox"
	"github.com/simengine/orchestrator/internal/scheduler"
	"github.com/simengine/orchestrator/internal/storage"
)

const version = "0.1.0"

// Exit codes (spec §6).
const (
	exitOK               = 0
	exitInvalidInput     = 2
	exitProviderDown     = 3
	exitPartialFailure   = 4
	exitTotalFailure     = 5
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitInvalidInput)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runBatch(os.Args[2:]))
	case "version":
		fmt.Printf("simengine v%s\n", version)
	case "doctor":
		os.Exit(runDoctor())
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(exitInvalidInput)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `simengine v%s — Monte Carlo market simulation engine

Usage:
  simengine run --markets <file>   Run a batch of markets from a JSON file
  simengine doctor                 Validate configuration and credentials
  simengine version                Print version

Environment variables (spec §6):
  LLM_API_KEY             Required. LLM provider API key.
  LLM_MODEL_ID            Default model (default: claude-sonnet-4-5-20250929)
  SANDBOX_API_KEY         Required. Sandbox provider API key.
  SANDBOX_TEMPLATE_ID     Sandbox image template (default: simengine-base)
  RESEARCH_API_KEY        Research tool credential (read, not forwarded; research uses the sandbox tool-gateway token).
  BATCH_CONCURRENCY       Max concurrent pipelines (default: 10)
  MONTE_CARLO_RUNS        Trials per market (default: 200)
  CALIBRATION_RUNS        Calibration trials per market (default: 50)
  MAX_REPAIR_RETRIES      Bound on generator repair attempts (default: 5)
  SIGNAL_EPSILON          Signal deadband (default: 0.05)
  SANDBOX_LEASE_REDIS_ADDR  Optional Redis address for cross-process lease tracking.
  LLM_DAILY_BUDGET_USD      Optional daily LLM spend cap (default: unlimited).

Exit codes: 0 success, 2 invalid input, 3 provider unavailable, 4 partial
batch failure, 5 total failure.
`, version)
}

func runDoctor() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("configuration invalid: %v\n", err)
		return exitInvalidInput
	}
	fmt.Println("configuration OK:")
	fmt.Printf("  LLM_MODEL_ID:        %s\n", cfg.LLMModelID)
	fmt.Printf("  SANDBOX_TEMPLATE_ID: %s\n", cfg.SandboxTemplateID)
	fmt.Printf("  BATCH_CONCURRENCY:   %d\n", cfg.BatchConcurrency)
	fmt.Printf("  MONTE_CARLO_RUNS:    %d\n", cfg.MonteCarloRuns)
	fmt.Printf("  CALIBRATION_RUNS:    %d\n", cfg.CalibrationRuns)
	fmt.Printf("  MAX_REPAIR_RETRIES:  %d\n", cfg.MaxRepairRetries)
	fmt.Printf("  SIGNAL_EPSILON:      %v\n", cfg.SignalEpsilon)
	if cfg.ResearchAPIKey == "" {
		fmt.Println("  note: RESEARCH_API_KEY unset — it is not forwarded anywhere; research runs through the sandbox tool gateway")
	}
	return exitOK
}

func runBatch(args []string) int {
	marketsPath := ""
	for i := 0; i < len(args); i++ {
		if args[i] == "--markets" && i+1 < len(args) {
			marketsPath = args[i+1]
			i++
		}
	}
	if marketsPath == "" {
		fmt.Fprintln(os.Stderr, "run: --markets <file> is required")
		return exitInvalidInput
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return exitInvalidInput
	}

	markets, err := loadMarkets(marketsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return exitInvalidInput
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nshutting down...")
		cancel()
	}()

	sandboxProvider, err := buildSandboxProvider(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return exitProviderDown
	}

	logger := observability.NewLogger("batch", os.Stderr)
	metrics := observability.NewMetricsCollector(0)

	tracker, err := buildLeaseTracker(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return exitProviderDown
	}
	defer tracker.Close()

	index, err := buildRunIndex()
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return exitTotalFailure
	}
	defer index.Close()

	deps := pipeline.Dependencies{
		Sandboxes: sandboxProvider,
		Generator: generator.New(buildLLMProvider(cfg), cfg.LLMModelID),
		Research:  research.NewAdapter(),
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics,
		Tracker:   tracker,
	}
	p := pipeline.New(deps)

	report := scheduler.RunBatch(ctx, len(markets), scheduler.Options{Concurrency: cfg.BatchConcurrency}, func(ctx context.Context, idx int) (any, error) {
		return p.Run(ctx, markets[idx]), nil
	})

	marketResults := make([]result.MarketResult, len(markets))
	nSucceeded, nFailed := 0, 0
	for i, r := range report.Results {
		pr, _ := r.Value.(pipeline.Result)
		marketResults[i] = toMarketResult(markets[i], pr, r.Err)
		if marketResults[i].Status == "failed" {
			nFailed++
		} else {
			nSucceeded++
		}
	}

	writer := result.NewWriter("./results")
	stamp := utcStamp()
	batchDir, err := writer.WriteBatch(ctx, "batch", stamp, marketResults)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: writing results: %v\n", err)
		return exitTotalFailure
	}
	fmt.Printf("results written to %s\n", batchDir)

	questions := make([]string, len(marketResults))
	for i, mr := range marketResults {
		questions[i] = mr.Question
	}
	if err := index.RecordBatch(ctx, storage.BatchRecord{
		BatchLabel: "batch",
		Timestamp:  stamp,
		Questions:  questions,
		NSucceeded: nSucceeded,
		NFailed:    nFailed,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "run: indexing batch (non-fatal): %v\n", err)
	}

	if nFailed == 0 {
		return exitOK
	}
	if nSucceeded == 0 {
		return exitTotalFailure
	}
	return exitPartialFailure
}

func toMarketResult(m market.Descriptor, pr pipeline.Result, taskErr error) result.MarketResult {
	status := pr.Status
	if status == "" {
		status = "failed"
	}
	mr := result.MarketResult{
		Question:        m.Question,
		MarketYes:       m.YesOdds,
		SelfDescription: pr.Artifact.SelfDescription,
		Code:            pr.Artifact.Code,
		ResearchText:    pr.ResearchText,
		ExecutionLog:    pr.ExecLog,
		Status:          status,
		Signal:          pr.Signal,
	}
	if pr.Status != "failed" {
		mr.Probability = pr.MonteCarlo.Probability
		mr.CIHalfWidth = pr.MonteCarlo.CIHalfWidth
		mr.Threshold = pr.Calibration.Threshold
	}
	if pr.Failure != nil {
		mr.Error = fmt.Sprintf("%s: %s", pr.Failure.Stage, pr.Failure.Reason)
	} else if taskErr != nil {
		mr.Error = taskErr.Error()
	}
	return mr
}

func loadMarkets(path string) ([]market.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading markets file: %w", err)
	}
	var markets []market.Descriptor
	if err := json.Unmarshal(data, &markets); err != nil {
		return nil, fmt.Errorf("parsing markets file: %w", err)
	}
	for _, m := range markets {
		if !m.Valid() {
			return nil, fmt.Errorf("invalid market %q: slug/question/yes_odds out of contract", m.Slug)
		}
	}
	return markets, nil
}

func buildLLMProvider(cfg config.Config) llm.Provider {
	base := llm.NewAnthropicProvider(cfg.LLMAPIKey, cfg.LLMModelID)
	if cfg.LLMDailyBudgetUSD <= 0 {
		return base
	}
	tracker := budget.New(cfg.LLMDailyBudgetUSD, 0)
	rates := map[string]budget.Rates{
		cfg.LLMModelID: {InputPerMillion: 3.0, OutputPerMillion: 15.0},
	}
	return budget.NewTrackingProvider(base, tracker, rates)
}

func buildSandboxProvider(cfg config.Config) (sandbox.Provider, error) {
	sbCfg := sandbox.DefaultConfig()
	sbCfg.Image = cfg.SandboxTemplateID
	return sandbox.NewLocalDockerProvider(sbCfg, nil), nil
}

// buildLeaseTracker returns a Redis-backed tracker when
// SANDBOX_LEASE_REDIS_ADDR is set, so lease visibility survives across
// independent simengine processes sharing one sandbox account; otherwise
// an in-memory tracker scoped to this run.
func buildLeaseTracker(ctx context.Context, cfg config.Config) (leasetracker.Tracker, error) {
	if cfg.SandboxLeaseRedisAddr == "" {
		return leasetracker.NewInMemory(), nil
	}
	return leasetracker.NewRedisTracker(ctx, leasetracker.RedisConfig{Addr: cfg.SandboxLeaseRedisAddr})
}

// buildRunIndex opens the local SQLite batch history index at
// ./simengine-runs.db, off the pipeline's hot path — summary.json under
// results/ remains the source of truth for any one batch.
func buildRunIndex() (*storage.RunIndex, error) {
	store, err := storage.NewSQLiteStore("./simengine-runs.db")
	if err != nil {
		return nil, fmt.Errorf("opening run index: %w", err)
	}
	return storage.NewRunIndex(store), nil
}

func utcStamp() string {
	return time.Now().UTC().Format("20060102T150405Z")
}
