// Package execloop implements the Execution & Repair Loop (spec §4.D): a
// bounded retry state machine that runs a smoke test of a generated
// artifact inside a sandbox, classifies failures, and asks the Code
// Generator to repair until success, exhaustion, or a supplied fallback.
//
// Grounded on internal/goals/engine.go retry-vs-terminal
// pattern (Attempts < MaxAttempts -> retry, else terminal FAILED),
// generalized from a goal's lifecycle to an artifact's lifecycle, and on
// internal/instruments/docker.go / internal/skills/code_exec.go's
// exit-code-to-reason classification (OOM, timeout, non-zero exit).
package execloop

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/simengine/orchestrator/internal/generator"
	"github.com/simengine/orchestrator/internal/observability"
	"github.com/simengine/orchestrator/internal/sandbox"
)

// Status is the terminal state of an execute/repair run.
type Status string

const (
	StatusSucceeded            Status = "Succeeded"
	StatusSucceededWithFallback Status = "SucceededWithFallback"
	StatusFailed               Status = "Failed"
)

// LogEntry is one attempt in the execution log (spec §4.D observability
// requirement: "attempt index, phase, duration, classification").
type LogEntry struct {
	Attempt        int    `json:"attempt"`
	Phase          string `json:"phase"`
	DurationMs     int64  `json:"duration_ms"`
	Classification string `json:"classification"`
}

// Result is the outcome of ExecuteWithRetry.
type Result struct {
	Artifact generator.Artifact
	Status   Status
	Log      []LogEntry
	// RepairsUsed counts actual Generator.Repair calls made during this
	// run, so a caller chaining a second ExecuteWithRetry call (e.g.
	// after a calibration rejection) can thread the remaining retry
	// budget through instead of resetting it, so that Repair calls across
	// a pipeline run stay within maxRetries in total.
	RepairsUsed int
}

// Default retry bound (spec §4.D: "bounded retry counter R (default 5)").
const DefaultMaxRetries = 5

const smokeTestTimeout = 5 * time.Second

// Generator is the subset of *generator.Generator the loop depends on.
type Generator interface {
	Repair(ctx context.Context, prior generator.Artifact, failure generator.Failure) (generator.Artifact, error)
}

// ExecuteWithRetry runs the state machine described in spec §4.D:
// Generated -> Executed -> {Succeeded, FailedWithDiagnostics -> Repairing
// -> Generated}, bounded by maxRetries. Exceeding the bound transitions to
// Exhausted, which resolves to SucceededWithFallback if fallback is
// non-nil, otherwise Failed.
func ExecuteWithRetry(ctx context.Context, sb sandbox.Sandbox, gen Generator, initial generator.Artifact, fallback *generator.Artifact, maxRetries int, log *observability.Logger) Result {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	artifact := initial
	var entries []LogEntry
	repairsUsed := 0

	for attempt := 1; attempt <= maxRetries; attempt++ {
		start := time.Now()
		classification, failure, success := smokeTest(ctx, sb, artifact)
		elapsed := time.Since(start).Milliseconds()

		entry := LogEntry{Attempt: attempt, Phase: classification, DurationMs: elapsed, Classification: classification}
		entries = append(entries, entry)
		if log != nil {
			log.RepairAttempt(attempt, classification, elapsed)
		}

		if success {
			return Result{Artifact: artifact, Status: StatusSucceeded, Log: entries, RepairsUsed: repairsUsed}
		}

		if attempt == maxRetries {
			break
		}

		repaired, err := gen.Repair(ctx, artifact, failure)
		repairsUsed++
		if err != nil {
			// Generation itself failed; treat the remaining budget as
			// exhausted rather than looping on a broken generator call.
			entries = append(entries, LogEntry{Attempt: attempt, Phase: "generation-error", Classification: err.Error()})
			break
		}
		artifact = repaired
	}

	if fallback != nil {
		entries = append(entries, LogEntry{Attempt: maxRetries + 1, Phase: "fallback-used", Classification: "repairs exhausted"})
		return Result{Artifact: *fallback, Status: StatusSucceededWithFallback, Log: entries, RepairsUsed: repairsUsed}
	}

	return Result{Artifact: artifact, Status: StatusFailed, Log: entries, RepairsUsed: repairsUsed}
}

// smokeTest runs a single trial at seed=0 with a short timeout and
// classifies the diagnostics per spec §4.D:
//   - Compile/parse error -> repair
//   - Runtime error with identifiable cause -> repair
//   - Timeout -> repair with a hint to bound work per trial
//   - Success but metric NaN/Inf -> repair
//   - Success with finite metric -> exit loop
func smokeTest(ctx context.Context, sb sandbox.Sandbox, artifact generator.Artifact) (classification string, failure generator.Failure, success bool) {
	wrapped := wrapForSmokeTest(artifact.Code)

	result, err := sb.Exec(ctx, artifact.Language, wrapped, smokeTestTimeout)
	if err != nil {
		return "runtime", generator.Failure{Phase: "runtime", StderrTail: err.Error()}, false
	}

	if result.TimedOut {
		return "timeout", generator.Failure{
			Phase:      "timeout",
			ExitCode:   -1,
			StdoutTail: result.Stdout,
			StderrTail: result.Stderr,
		}, false
	}

	if result.ExitCode != 0 {
		phase := "runtime"
		if strings.Contains(result.Stderr, "SyntaxError") || strings.Contains(result.Stderr, "IndentationError") {
			phase = "compile"
		}
		return phase, generator.Failure{
			Phase:      phase,
			ExitCode:   result.ExitCode,
			StdoutTail: result.Stdout,
			StderrTail: result.Stderr,
		}, false
	}

	metric, parseErr := parseMetric(result.Stdout)
	if parseErr != nil || math.IsNaN(metric) || math.IsInf(metric, 0) {
		return "nan", generator.Failure{
			Phase:      "nan",
			StdoutTail: result.Stdout,
			StderrTail: result.Stderr,
		}, false
	}

	return "success", generator.Failure{}, true
}

// wrapForSmokeTest appends a tiny driver that calls run_trial(0) and
// prints the metric on its own line, so the host can classify success
// without parsing the artifact itself (spec §9: "do not attempt to parse
// or type-check it in the host").
func wrapForSmokeTest(code string) string {
	return fmt.Sprintf("%s\n\n__metric, __aux = run_trial(0)\nprint(repr(__metric))\n", code)
}

func parseMetric(stdout string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) == 0 {
		return 0, fmt.Errorf("execloop: empty stdout from smoke test")
	}
	last := strings.TrimSpace(lines[len(lines)-1])
	return strconv.ParseFloat(last, 64)
}
