// Package pipeline ties the Research Adapter, Code Generator, Execution &
// Repair Loop, Calibration Pass, Monte Carlo Driver, and Result Assembler
// into the strict sequential chain spec §5 describes for one market:
// Research -> Generate -> (Execute <-> Repair)+ -> Calibrate -> MonteCarlo
// -> Assemble.
//
// Grounded on internal/pipeline/pipeline.go: the
// Dependencies-struct-of-nil-safe-optionals idiom and the staged,
// logged Run() method are kept; the 10 agent-lifecycle stages are
// replaced with this engine's 6 simulation stages.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/simengine/orchestrator/internal/calibration"
	"github.com/simengine/orchestrator/internal/config"
	"github.com/simengine/orchestrator/internal/execloop"
	"github.com/simengine/orchestrator/internal/generator"
	"github.com/simengine/orchestrator/internal/leasetracker"
	"github.com/simengine/orchestrator/internal/market"
	"github.com/simengine/orchestrator/internal/mcpgateway"
	"github.com/simengine/orchestrator/internal/montecarlo"
	"github.com/simengine/orchestrator/internal/observability"
	"github.com/simengine/orchestrator/internal/research"
	"github.com/simengine/orchestrator/internal/result"
	"github.com/simengine/orchestrator/internal/sandbox"
)

// FailureRecord names the stage and reason a pipeline run did not reach
// a usable signal (spec §3.1 supplemented data).
type FailureRecord struct {
	Stage  string
	Reason string
}

// Result is one market's full pipeline outcome.
type Result struct {
	Market       market.Descriptor
	Artifact     generator.Artifact
	Calibration  calibration.Result
	MonteCarlo   montecarlo.Report
	Signal       result.Signal
	ResearchText string
	ExecLog      []execloop.LogEntry
	Status       string // "succeeded", "succeeded-with-fallback", "failed"
	Failure      *FailureRecord
}

// Dependencies holds the shared, read-only handles a pipeline run needs
// (spec §5: "LLM, research, and sandbox provider clients are shared
// read-only handles"). Sandboxes, Generator and Config are required;
// Research, Logger, Metrics and Tracker may be nil.
type Dependencies struct {
	Sandboxes sandbox.Provider
	Generator *generator.Generator
	Research  *research.Adapter
	Config    config.Config
	Logger    *observability.Logger
	Metrics   *observability.MetricsCollector
	// Tracker records live sandbox leases for cross-process visibility. A
	// nil Tracker is valid; New() substitutes an in-memory one so callers
	// never need a special case.
	Tracker leasetracker.Tracker
}

// Pipeline runs the 6-stage flow for one market at a time.
type Pipeline struct {
	deps Dependencies
}

// New creates a Pipeline bound to its shared dependencies.
func New(deps Dependencies) *Pipeline {
	if deps.Tracker == nil {
		deps.Tracker = leasetracker.NewInMemory()
	}
	return &Pipeline{deps: deps}
}

// Run executes the full pipeline for one market. It always releases the
// acquired sandbox, even on early return or ctx cancellation (spec §4.A:
// "sandbox release is guaranteed once acquired").
func (p *Pipeline) Run(ctx context.Context, m market.Descriptor) Result {
	start := time.Now()
	log := p.deps.Logger
	if log != nil {
		log = log.With("market", m.Slug)
	}

	sb, err := p.deps.Sandboxes.Acquire(ctx)
	if err != nil {
		return p.failure(m, "acquire", err)
	}
	p.deps.Tracker.Acquire(ctx, sb.ID(), m.Slug)
	defer func() {
		p.deps.Tracker.Release(context.Background(), sb.ID())
		if rerr := sb.Release(); rerr != nil && log != nil {
			log.Warn("sandbox release error", "error", rerr.Error())
		}
	}()
	if log != nil {
		log.SandboxEvent("acquired", sb.ID())
	}

	if ctx.Err() != nil {
		return p.failure(m, "cancelled", ctx.Err())
	}

	// --- Stage 1: Research ---
	if log != nil {
		log.Stage("research")
	}
	bundle, err := p.research(ctx, sb, m.Question)
	if err != nil && log != nil {
		log.Warn("research unavailable, continuing with empty bundle", "error", err.Error())
	}

	// --- Stage 2: Generate ---
	if log != nil {
		log.Stage("generate")
	}
	initial, err := p.deps.Generator.Initial(ctx, m.Question, bundle)
	if err != nil {
		return p.failure(m, "generate", err)
	}

	// --- Stage 3/4: Execute <-> Repair ---
	if log != nil {
		log.Stage("execute")
	}
	maxRetries := p.deps.Config.MaxRepairRetries
	execResult := execloop.ExecuteWithRetry(ctx, sb, p.deps.Generator, initial, nil, maxRetries, log)
	if execResult.Status == execloop.StatusFailed {
		return p.failureWithLog(m, "execute", fmt.Errorf("execution/repair loop exhausted without a working artifact"), execResult.Log)
	}
	artifact := execResult.Artifact

	// --- Stage 5: Calibrate ---
	if log != nil {
		log.Stage("calibrate")
	}
	runner := &sandboxTrialRunner{sandbox: sb, artifact: artifact}
	calResult, calErr := calibration.Run(ctx, runner, p.deps.Config.CalibrationRuns, nil)
	if calErr != nil {
		return p.failureWithLog(m, "calibrate", calErr, execResult.Log)
	}
	// A NaN/Inf metric observed mid-calibration discards the partial stats
	// even when the reduced sample happened to pass the variance checks
	// (spec §4.E: a single NaN during calibration escalates to repair and
	// discards the calibration outright).
	if calResult.Verdict != calibration.VerdictAccepted || calResult.NaNSeen {
		// Spec §4.E two-strike pattern: ask the generator to repair once
		// against a synthesized "degenerate output" diagnostic, then
		// re-execute and re-calibrate before giving up. The remaining
		// retry budget is threaded from the first execute/repair loop
		// instead of reset, so total generator invocations across both
		// loops stay bounded (spec §8).
		remainingRetries := maxRetries - execResult.RepairsUsed
		if remainingRetries <= 0 {
			return p.failureWithLog(m, "calibrate", fmt.Errorf("calibration verdict %s and no repair budget remains", calibrationReason(calResult)), execResult.Log)
		}
		repaired, repairErr := p.deps.Generator.Repair(ctx, artifact, generator.Failure{
			Phase:      "calibration",
			StdoutTail: calibrationReason(calResult),
		})
		remainingRetries--
		if repairErr != nil {
			return p.failureWithLog(m, "calibrate", fmt.Errorf("calibration verdict %s and repair failed: %w", calibrationReason(calResult), repairErr), execResult.Log)
		}
		execResult2 := execloop.ExecuteWithRetry(ctx, sb, p.deps.Generator, repaired, nil, remainingRetries+1, log)
		if execResult2.Status == execloop.StatusFailed {
			return p.failureWithLog(m, "calibrate", fmt.Errorf("re-generated artifact failed execution after calibration rejection"), append(execResult.Log, execResult2.Log...))
		}
		artifact = execResult2.Artifact
		runner = &sandboxTrialRunner{sandbox: sb, artifact: artifact}
		calResult, calErr = calibration.Run(ctx, runner, p.deps.Config.CalibrationRuns, nil)
		if calErr != nil || calResult.Verdict != calibration.VerdictAccepted || calResult.NaNSeen {
			return p.failureWithLog(m, "calibrate", fmt.Errorf("calibration rejected twice: %s", calibrationReason(calResult)), append(execResult.Log, execResult2.Log...))
		}
		execResult.Log = append(execResult.Log, execResult2.Log...)
	}

	// --- Stage 6: Monte Carlo ---
	if log != nil {
		log.Stage("montecarlo")
	}
	mcReport, mcErr := montecarlo.Run(ctx, runner, p.deps.Config.MonteCarloRuns, montecarlo.ModeThreshold, calResult.Threshold)
	if mcErr != nil {
		return p.failureWithLog(m, "montecarlo", mcErr, execResult.Log)
	}

	signal := result.DeriveSignal(mcReport.Probability, m.YesOdds, p.deps.Config.SignalEpsilon)

	status := "succeeded"
	if execResult.Status == execloop.StatusSucceededWithFallback {
		status = "succeeded-with-fallback"
	}

	if p.deps.Metrics != nil {
		p.deps.Metrics.Record(observability.MetricPipelineWallMs, float64(time.Since(start).Milliseconds()), observability.Labels{"market": m.Slug})
		p.deps.Metrics.Record(observability.MetricCalibrationSD, calResult.Stats.Stdev, observability.Labels{"market": m.Slug})
	}

	return Result{
		Market:       m,
		Artifact:     artifact,
		Calibration:  calResult,
		MonteCarlo:   mcReport,
		Signal:       signal,
		ResearchText: bundle.Text,
		ExecLog:      execResult.Log,
		Status:       status,
	}
}

func (p *Pipeline) research(ctx context.Context, sb sandbox.Sandbox, question string) (research.Bundle, error) {
	if p.deps.Research == nil {
		return research.Bundle{}, nil
	}
	url, token := sb.ToolEndpoint()
	if url == "" {
		return research.Bundle{}, fmt.Errorf("%w: sandbox exposes no tool endpoint", research.ErrUnavailable)
	}
	gw := mcpgateway.NewClient(url, token)
	if err := gw.Initialize(ctx); err != nil {
		return research.Bundle{}, fmt.Errorf("%w: %w", research.ErrUnavailable, err)
	}
	return p.deps.Research.Research(ctx, gw, question)
}

// calibrationReason renders why a calibration result was not accepted,
// preferring the NaN/Inf condition since it discards the pass outright
// even when the surviving samples' verdict would otherwise read accepted.
func calibrationReason(r calibration.Result) string {
	if r.NaNSeen {
		return "nan-or-inf-metric-seen"
	}
	return string(r.Verdict)
}

func (p *Pipeline) failure(m market.Descriptor, stage string, err error) Result {
	return Result{Market: m, Status: "failed", Failure: &FailureRecord{Stage: stage, Reason: err.Error()}}
}

func (p *Pipeline) failureWithLog(m market.Descriptor, stage string, err error, log []execloop.LogEntry) Result {
	r := p.failure(m, stage, err)
	r.ExecLog = log
	return r
}

// sandboxTrialRunner adapts a sandbox.Sandbox + fixed artifact into the
// montecarlo.TrialRunner / calibration trial-runner contract, wrapping
// the artifact so run_trial(seed)'s metric is the last line of stdout.
type sandboxTrialRunner struct {
	sandbox  sandbox.Sandbox
	artifact generator.Artifact
}

const trialTimeout = 10 * time.Second

func (r *sandboxTrialRunner) RunTrial(ctx context.Context, seed int) (float64, error) {
	wrapped := fmt.Sprintf("%s\n\n__metric, __aux = run_trial(%d)\nprint(repr(__metric))\n", r.artifact.Code, seed)

	out, err := r.sandbox.Exec(ctx, r.artifact.Language, wrapped, trialTimeout)
	if err != nil {
		return 0, fmt.Errorf("pipeline: trial seed=%d: %w", seed, err)
	}
	if out.TimedOut {
		return 0, fmt.Errorf("pipeline: trial seed=%d timed out", seed)
	}
	if out.ExitCode != 0 {
		return 0, fmt.Errorf("pipeline: trial seed=%d exited %d: %s", seed, out.ExitCode, out.Stderr)
	}
	return parseLastFloat(out.Stdout)
}

func parseLastFloat(stdout string) (float64, error) {
	var last string
	for _, line := range splitNonEmptyLines(stdout) {
		last = line
	}
	if last == "" {
		return 0, fmt.Errorf("pipeline: empty trial stdout")
	}
	var f float64
	_, err := fmt.Sscanf(last, "%g", &f)
	if err != nil {
		return 0, fmt.Errorf("pipeline: unparseable trial metric %q: %w", last, err)
	}
	return f, nil
}

func splitNonEmptyLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\n' {
			if i > start {
				lines = append(lines, trimSpace(s[start:i]))
			}
			start = i + 1
		}
	}
	return lines
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}
