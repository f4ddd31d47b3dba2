package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/simengine/orchestrator/internal/retry"
	"github.com/simengine/orchestrator/internal/sandbox"
)

func fastPolicy() retry.Policy {
	return retry.Policy{Initial: time.Millisecond, Factor: 1, Cap: time.Millisecond, MaxRetries: 2}
}

func TestRunBatchPreservesSelectionOrder(t *testing.T) {
	// Task 0 is slow, task 1 is fast; completion order is reversed but
	// results must remain indexed by original position.
	run := func(ctx context.Context, idx int) (any, error) {
		if idx == 0 {
			time.Sleep(20 * time.Millisecond)
		}
		return idx * 10, nil
	}

	report := RunBatch(context.Background(), 2, Options{Concurrency: 2, RetryPolicy: fastPolicy()}, run)

	if report.Results[0].Value != 0 {
		t.Errorf("Results[0].Value = %v, want 0", report.Results[0].Value)
	}
	if report.Results[1].Value != 10 {
		t.Errorf("Results[1].Value = %v, want 10", report.Results[1].Value)
	}
}

func TestRunBatchBoundsConcurrency(t *testing.T) {
	var active int32
	var maxActive int32
	var mu sync.Mutex

	run := func(ctx context.Context, idx int) (any, error) {
		n := atomic.AddInt32(&active, 1)
		mu.Lock()
		if n > maxActive {
			maxActive = n
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil, nil
	}

	RunBatch(context.Background(), 20, Options{Concurrency: 3, RetryPolicy: fastPolicy()}, run)

	if maxActive > 3 {
		t.Errorf("maxActive = %d, want <= 3", maxActive)
	}
}

func TestRunBatchIsolatesFailures(t *testing.T) {
	run := func(ctx context.Context, idx int) (any, error) {
		if idx == 1 {
			return nil, errors.New("permanent failure")
		}
		return idx, nil
	}

	report := RunBatch(context.Background(), 3, Options{Concurrency: 3, RetryPolicy: fastPolicy()}, run)

	if report.NSucceeded != 2 || report.NFailed != 1 {
		t.Errorf("NSucceeded=%d NFailed=%d, want 2/1", report.NSucceeded, report.NFailed)
	}
	if report.Results[1].Status != TaskFailed {
		t.Errorf("Results[1].Status = %v, want failed", report.Results[1].Status)
	}
}

func TestRunBatchRetriesSandboxUnavailable(t *testing.T) {
	var attempts int32
	run := func(ctx context.Context, idx int) (any, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			return nil, fmt.Errorf("acquire: %w", sandbox.ErrUnavailable)
		}
		return "ok", nil
	}

	report := RunBatch(context.Background(), 1, Options{Concurrency: 1, RetryPolicy: fastPolicy()}, run)

	if report.NSucceeded != 1 {
		t.Fatalf("NSucceeded = %d, want 1 after retry", report.NSucceeded)
	}
	if atomic.LoadInt32(&attempts) < 2 {
		t.Errorf("attempts = %d, want >= 2", attempts)
	}
}

func TestRunBatchStopsSchedulingAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run := func(ctx context.Context, idx int) (any, error) {
		return idx, nil
	}

	report := RunBatch(ctx, 5, Options{Concurrency: 2, RetryPolicy: fastPolicy()}, run)

	if report.NSucceeded != 0 {
		t.Errorf("NSucceeded = %d, want 0 when context already cancelled", report.NSucceeded)
	}
}
