// Package scheduler implements the Batch Scheduler (spec §4.G): it runs
// the per-market pipeline over a batch of markets with bounded
// concurrency, retries transient sandbox/provider errors without
// blocking unrelated tasks, and aggregates results in the original
// selection order regardless of completion order.
//
// Grounded on internal/pipeline/dag.go DAGExecutor, which
// already runs independent units of work on goroutines behind a
// sync.WaitGroup and collects per-unit errors without failing the whole
// batch; here the units are unrelated (no DependsOn edges), so the
// executor is simplified to a semaphore-bounded fan-out instead of a
// dependency-ready queue.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/simengine/orchestrator/internal/llm"
	"github.com/simengine/orchestrator/internal/retry"
	"github.com/simengine/orchestrator/internal/sandbox"
)

// DefaultConcurrency is spec §4.G's default bound on simultaneous
// pipeline runs.
const DefaultConcurrency = 10

// TaskStatus reports how one market's pipeline run finished.
type TaskStatus string

const (
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// TaskResult is one market's outcome, keyed by its original index so
// BatchReport can reassemble results in selection order.
type TaskResult struct {
	Index  int
	Status TaskStatus
	Value  any
	Err    error
}

// BatchReport is the aggregate outcome of a batch run (spec §4.G /
// §4.H).
type BatchReport struct {
	Results    []TaskResult
	NSucceeded int
	NFailed    int
}

// RunFunc executes one market's full pipeline and returns an opaque
// result value (typically a pipeline.Result) for the assembler.
type RunFunc func(ctx context.Context, index int) (any, error)

// Options configures a batch run.
type Options struct {
	Concurrency int
	RetryPolicy retry.Policy
}

// RunBatch executes runs[0..n) with bounded concurrency, retrying each
// task's transient failures independently (spec §4.G: "backoff retry on
// SandboxUnavailable/rate-limit without blocking other tasks") and
// releasing its concurrency slot as soon as it completes so a slow task
// never starves a fast one. Cancelling ctx stops scheduling new tasks;
// in-flight tasks observe the cancellation via their own ctx argument.
func RunBatch(ctx context.Context, n int, opts Options, run RunFunc) BatchReport {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	policy := opts.RetryPolicy
	if policy.MaxRetries == 0 {
		policy = retry.SchedulerPolicy()
	}

	results := make([]TaskResult, n)
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			results[i] = TaskResult{Index: i, Status: TaskFailed, Err: ctx.Err()}
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			var value any
			err := retry.Do(ctx, policy, func(ctx context.Context) error {
				v, rerr := run(ctx, idx)
				if rerr != nil {
					if isRetryable(rerr) {
						return errors.Join(retry.ErrRetryable, rerr)
					}
					return rerr
				}
				value = v
				return nil
			})

			if err != nil {
				results[idx] = TaskResult{Index: idx, Status: TaskFailed, Err: err}
				return
			}
			results[idx] = TaskResult{Index: idx, Status: TaskSucceeded, Value: value}
		}(i)
	}

	wg.Wait()

	report := BatchReport{Results: results}
	for _, r := range results {
		if r.Status == TaskSucceeded {
			report.NSucceeded++
		} else {
			report.NFailed++
		}
	}
	return report
}

// isRetryable classifies errors the scheduler should retry rather than
// surface immediately (spec §4.G names SandboxUnavailable and
// rate-limit errors specifically).
func isRetryable(err error) bool {
	return errors.Is(err, sandbox.ErrUnavailable) || errors.Is(err, llm.ErrRateLimited)
}
