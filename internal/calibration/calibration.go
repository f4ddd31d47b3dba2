// Package calibration implements the Calibration Pass (spec §4.E): it
// runs a small bank of trials against a repaired, execution-clean
// artifact, derives summary statistics, and decides a verdict
// (accepted, rejected for low variance, or rejected as degenerate)
// before the full Monte Carlo run commits to a threshold or probability
// mode.
//
// Grounded on internal/evolution/engine.go ShouldDeprecate
// / EvaluateABTest two-strike accept/reject pattern, and on
// internal/observability/metrics.go's Summarize for the min/max/mean/
// stdev aggregation style.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/simengine/orchestrator/internal/montecarlo"
)

// DefaultTrials is spec §4.E's default calibration trial count (K).
const DefaultTrials = 50

// MinTrials is the floor below which calibration cannot produce a
// meaningful variance estimate (spec §4.E: "CalibrationTooSmall if K<5").
const MinTrials = 5

// ErrTooSmall classifies CalibrationTooSmall (spec §7).
var ErrTooSmall = errors.New("calibration: trial count below minimum")

// ErrDegenerate classifies a run whose trials reported no variance at
// all (spec §4.E: "rejected-degenerate").
var ErrDegenerate = errors.New("calibration: degenerate trial variance")

// Verdict is the calibration decision (spec §4.E).
type Verdict string

const (
	VerdictAccepted            Verdict = "accepted"
	VerdictRejectedLowVariance Verdict = "rejected-low-variance"
	VerdictRejectedDegenerate  Verdict = "rejected-degenerate"
)

// Stats are the summary statistics over the calibration trial metrics.
type Stats struct {
	Min, Max, Mean, Stdev float64
	N                     int
}

// Result is the outcome of a calibration pass.
type Result struct {
	Stats     Stats
	Threshold float64
	Verdict   Verdict
	NaNSeen   bool
}

// Run executes n trials of runner (default DefaultTrials), computes
// summary statistics, and selects a threshold and verdict.
//
// thresholdOverride, if non-nil, is used verbatim (spec §4.E: "threshold
// selection (default=mean or user-supplied)"). A NaN or Inf metric
// observed mid-calibration does not abort the pass — the offending trial
// is excluded from the statistics and NaNSeen is set, signaling the
// caller to escalate back to the repair loop (spec §4.E: "NaN during
// calibration escalates to repair loop").
func Run(ctx context.Context, runner montecarlo.TrialRunner, n int, thresholdOverride *float64) (Result, error) {
	if n <= 0 {
		n = DefaultTrials
	}
	if n < MinTrials {
		return Result{}, fmt.Errorf("%w: got %d, need at least %d", ErrTooSmall, n, MinTrials)
	}

	var values []float64
	nanSeen := false

	for seed := 0; seed < n; seed++ {
		metric, err := runner.RunTrial(ctx, seed)
		if err != nil {
			continue
		}
		if math.IsNaN(metric) || math.IsInf(metric, 0) {
			nanSeen = true
			continue
		}
		values = append(values, metric)
	}

	if len(values) == 0 {
		return Result{NaNSeen: nanSeen}, fmt.Errorf("calibration: no usable trial metrics out of %d trials", n)
	}

	stats := summarize(values)

	threshold := stats.Mean
	if thresholdOverride != nil {
		threshold = *thresholdOverride
	}

	epsilon := 1e-3
	if m := math.Max(math.Abs(stats.Mean), 1.0); m != 1.0 {
		epsilon = 1e-3 * m
	}

	verdict := VerdictAccepted
	switch {
	case stats.Stdev == 0:
		verdict = VerdictRejectedDegenerate
	case stats.Stdev < epsilon:
		verdict = VerdictRejectedLowVariance
	}

	return Result{Stats: stats, Threshold: threshold, Verdict: verdict, NaNSeen: nanSeen}, nil
}

func summarize(values []float64) Stats {
	n := len(values)
	sum := 0.0
	min, max := values[0], values[0]
	for _, v := range values {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	mean := sum / float64(n)

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(n)

	return Stats{Min: min, Max: max, Mean: mean, Stdev: math.Sqrt(variance), N: n}
}
