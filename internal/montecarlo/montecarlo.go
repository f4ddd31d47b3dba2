// Package montecarlo implements the Monte Carlo Driver (spec §4.F): it
// runs an artifact's run_trial(seed) across a fixed bank of deterministic
// seeds, aggregates the resulting metrics into a probability or threshold
// verdict, and reports a 95% confidence interval.
//
// Grounded on internal/evolution/engine.go EvaluateABTest,
// which already runs N independent samples and aggregates pass/fail
// counts into a ratio with a confidence notion; here N trials of one
// artifact replace N members of an A/B cohort.
package montecarlo

import (
	"context"
	"fmt"
	"math"
	"math/rand"
)

// DefaultTrials is spec §4.F's default trial count.
const DefaultTrials = 200

// FailureRateCeiling is the fraction of trial failures above which a run
// is marked PartiallyFailed rather than Completed (spec §4.F: "more than
// 10% of trials fail execution").
const FailureRateCeiling = 0.10

// TrialRunner executes one deterministic trial of a SimulationArtifact.
// Implementations typically drive a sandbox.Sandbox; seed determinism is
// the artifact's contract (spec §3), not this package's concern.
type TrialRunner interface {
	RunTrial(ctx context.Context, seed int) (metric float64, err error)
}

// Mode selects how a trial's metric becomes a pass/fail outcome (spec
// §4.F: "threshold-mode vs probability-mode, decided once at the end of
// calibration").
type Mode string

const (
	ModeThreshold   Mode = "threshold"
	ModeProbability Mode = "probability"
)

// Status reports whether every trial executed.
type Status string

const (
	StatusCompleted       Status = "Completed"
	StatusPartiallyFailed Status = "PartiallyFailed"
)

// TrialOutcome is one seed's result, indexed by seed regardless of the
// order in which it completed (spec §4.F: "outcomes indexed by seed
// regardless of execution order").
type TrialOutcome struct {
	Seed    int
	Metric  float64
	Success bool
	Err     error
}

// Report is the aggregate result of a Monte Carlo run.
type Report struct {
	Status          Status
	NRuns           int
	NFailed         int
	Successes       int
	Probability     float64
	CIHalfWidth     float64 // 95% confidence interval half-width
	Outcomes        []TrialOutcome
}

// Run executes n trials (seeds 0..n-1) of runner and aggregates per mode.
// In ModeThreshold, a trial succeeds when metric > threshold. In
// ModeProbability, metric itself is interpreted as a per-trial success
// probability and a Bernoulli draw, seeded deterministically from the
// trial's own seed, decides the outcome (spec §4.F: "success_i ~
// Bernoulli(metric_i)").
func Run(ctx context.Context, runner TrialRunner, n int, mode Mode, threshold float64) (Report, error) {
	if n <= 0 {
		n = DefaultTrials
	}

	outcomes := make([]TrialOutcome, n)
	failed := 0
	successes := 0

	for seed := 0; seed < n; seed++ {
		metric, err := runner.RunTrial(ctx, seed)
		if err != nil {
			outcomes[seed] = TrialOutcome{Seed: seed, Success: false, Err: err}
			failed++
			continue
		}

		success := decide(metric, mode, threshold, seed)
		outcomes[seed] = TrialOutcome{Seed: seed, Metric: metric, Success: success}
		if success {
			successes++
		}
	}

	completedRuns := n - failed
	status := StatusCompleted
	if completedRuns == 0 {
		return Report{}, fmt.Errorf("montecarlo: all %d trials failed execution", n)
	}
	if float64(failed)/float64(n) > FailureRateCeiling {
		status = StatusPartiallyFailed
	}

	p := float64(successes) / float64(completedRuns)
	ci := ciHalfWidth(p, completedRuns)

	return Report{
		Status:      status,
		NRuns:       completedRuns,
		NFailed:     failed,
		Successes:   successes,
		Probability: p,
		CIHalfWidth: ci,
		Outcomes:    outcomes,
	}, nil
}

func decide(metric float64, mode Mode, threshold float64, seed int) bool {
	switch mode {
	case ModeThreshold:
		return metric > threshold
	case ModeProbability:
		return bernoulli(metric, seed)
	default:
		return metric > threshold
	}
}

// bernoulli draws a single success/failure outcome with success
// probability p, using a sub-seed derived from the trial's seed so the
// draw is deterministic and reproducible per trial (spec §3:
// "seed determinism is the artifact's contract"; here it extends to the
// outcome derivation itself).
func bernoulli(p float64, seed int) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	subSeed := int64(seed)*2654435761 + 1
	rng := rand.New(rand.NewSource(subSeed))
	return rng.Float64() < p
}

// ciHalfWidth computes the 95% Wald confidence interval half-width (spec
// §4.F: "1.96 * sqrt(p(1-p)/n)").
func ciHalfWidth(p float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return 1.96 * math.Sqrt(p*(1-p)/float64(n))
}
