package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/simengine/orchestrator/internal/config"
	"github.com/simengine/orchestrator/internal/generator"
	"github.com/simengine/orchestrator/internal/llm"
	"github.com/simengine/orchestrator/internal/market"
	"github.com/simengine/orchestrator/internal/sandbox"
)

const validArtifactResponse = `CODE_START
def run_trial(seed):
    return (seed % 10) / 10.0 + 0.05, None
CODE_END

SELF_DESCRIPTION_START
100 independent agents voting yes/no, metric is the yes fraction.
SELF_DESCRIPTION_END
`

type fakeLLM struct{ text string }

func (f *fakeLLM) Name() string { return "fake" }
func (f *fakeLLM) Complete(ctx context.Context, systemPrompt, userPrompt, modelID string) (llm.Response, error) {
	return llm.Response{Text: f.text}, nil
}

var seedPattern = regexp.MustCompile(`run_trial\((\d+)\)`)

type fakeSandbox struct{ id string }

func (s *fakeSandbox) ID() string { return s.id }
func (s *fakeSandbox) Exec(ctx context.Context, language, code string, timeout time.Duration) (*sandbox.ExecResult, error) {
	m := seedPattern.FindStringSubmatch(code)
	seed := 0
	if len(m) == 2 {
		fmt.Sscanf(m[1], "%d", &seed)
	}
	metric := float64(seed%10)/10.0 + 0.05
	return &sandbox.ExecResult{ExitCode: 0, Stdout: fmt.Sprintf("%v\n", metric)}, nil
}
func (s *fakeSandbox) WriteFile(path string, data []byte) error { return nil }
func (s *fakeSandbox) ReadFile(path string) ([]byte, error)     { return nil, nil }
func (s *fakeSandbox) ToolEndpoint() (string, string)           { return "", "" }
func (s *fakeSandbox) Release() error                           { return nil }

type fakeProvider struct{}

func (p *fakeProvider) Acquire(ctx context.Context) (sandbox.Sandbox, error) {
	return &fakeSandbox{id: "sb-1"}, nil
}

func testConfig() config.Config {
	return config.Config{
		MaxRepairRetries: 3,
		CalibrationRuns:  10,
		MonteCarloRuns:   20,
		SignalEpsilon:    0.05,
	}
}

func TestRunSucceedsEndToEnd(t *testing.T) {
	deps := Dependencies{
		Sandboxes: &fakeProvider{},
		Generator: generator.New(&fakeLLM{text: validArtifactResponse}, "test-model"),
		Config:    testConfig(),
	}
	p := New(deps)

	m := market.Descriptor{Slug: "will-it-rain", Question: "Will it rain tomorrow?", YesOdds: 0.3}
	result := p.Run(context.Background(), m)

	if result.Status != "succeeded" {
		t.Fatalf("status = %q, failure = %+v", result.Status, result.Failure)
	}
	if result.MonteCarlo.NRuns == 0 {
		t.Error("expected non-zero Monte Carlo runs")
	}
	if result.Signal == "" {
		t.Error("expected a derived signal")
	}
}

func TestRunFailsWhenGeneratorProducesInvalidArtifact(t *testing.T) {
	deps := Dependencies{
		Sandboxes: &fakeProvider{},
		Generator: generator.New(&fakeLLM{text: "no code block here"}, "test-model"),
		Config:    testConfig(),
	}
	p := New(deps)

	m := market.Descriptor{Slug: "bad-market", Question: "Will X happen?", YesOdds: 0.5}
	result := p.Run(context.Background(), m)

	if result.Status != "failed" {
		t.Fatalf("status = %q, want failed", result.Status)
	}
	if result.Failure == nil || result.Failure.Stage != "generate" {
		t.Errorf("Failure = %+v, want stage=generate", result.Failure)
	}
}

// countingLLM tracks how many Complete calls were made, so tests can
// assert generator invocations stay within the spec §8 bound.
type countingLLM struct {
	text  string
	calls int
}

func (f *countingLLM) Name() string { return "fake" }
func (f *countingLLM) Complete(ctx context.Context, systemPrompt, userPrompt, modelID string) (llm.Response, error) {
	f.calls++
	return llm.Response{Text: f.text}, nil
}

// nanOnceSandbox returns a NaN metric the first time nanSeed is executed
// and a valid metric every time after, modeling an artifact whose
// calibration-rejection repair genuinely fixes the degenerate case.
type nanOnceSandbox struct {
	id      string
	nanSeed int
	sent    bool
}

func (s *nanOnceSandbox) ID() string { return s.id }
func (s *nanOnceSandbox) Exec(ctx context.Context, language, code string, timeout time.Duration) (*sandbox.ExecResult, error) {
	m := seedPattern.FindStringSubmatch(code)
	seed := 0
	if len(m) == 2 {
		fmt.Sscanf(m[1], "%d", &seed)
	}
	if seed == s.nanSeed && !s.sent {
		s.sent = true
		return &sandbox.ExecResult{ExitCode: 0, Stdout: "nan\n"}, nil
	}
	metric := float64(seed%10)/10.0 + 0.05
	return &sandbox.ExecResult{ExitCode: 0, Stdout: fmt.Sprintf("%v\n", metric)}, nil
}
func (s *nanOnceSandbox) WriteFile(path string, data []byte) error { return nil }
func (s *nanOnceSandbox) ReadFile(path string) ([]byte, error)     { return nil, nil }
func (s *nanOnceSandbox) ToolEndpoint() (string, string)           { return "", "" }
func (s *nanOnceSandbox) Release() error                           { return nil }

type nanOnceProvider struct{ nanSeed int }

func (p *nanOnceProvider) Acquire(ctx context.Context) (sandbox.Sandbox, error) {
	return &nanOnceSandbox{id: "sb-nan", nanSeed: p.nanSeed}, nil
}

func TestRunEscalatesOnceWhenCalibrationSeesNaN(t *testing.T) {
	llmProvider := &countingLLM{text: validArtifactResponse}
	deps := Dependencies{
		Sandboxes: &nanOnceProvider{nanSeed: 7},
		Generator: generator.New(llmProvider, "test-model"),
		Config:    testConfig(),
	}
	p := New(deps)

	m := market.Descriptor{Slug: "will-it-rain", Question: "Will it rain tomorrow?", YesOdds: 0.3}
	result := p.Run(context.Background(), m)

	if result.Status != "succeeded" {
		t.Fatalf("status = %q, failure = %+v", result.Status, result.Failure)
	}
	if result.Calibration.NaNSeen {
		t.Error("expected the final (post-escalation) calibration to report NaNSeen=false")
	}
	// generator.Initial + exactly one calibration-triggered repair.
	if llmProvider.calls != 2 {
		t.Errorf("llm.Complete calls = %d, want 2 (initial + one calibration repair)", llmProvider.calls)
	}
}

// scriptedPipelineSandbox replays a fixed sequence of exec results by call
// order, regardless of seed — used to exercise the exact attempt/repair
// accounting across the execute/repair and calibration stages together.
type scriptedPipelineSandbox struct {
	id      string
	results []*sandbox.ExecResult
	calls   int
}

func (s *scriptedPipelineSandbox) ID() string { return s.id }
func (s *scriptedPipelineSandbox) Exec(ctx context.Context, language, code string, timeout time.Duration) (*sandbox.ExecResult, error) {
	idx := s.calls
	s.calls++
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	return s.results[idx], nil
}
func (s *scriptedPipelineSandbox) WriteFile(path string, data []byte) error { return nil }
func (s *scriptedPipelineSandbox) ReadFile(path string) ([]byte, error)     { return nil, nil }
func (s *scriptedPipelineSandbox) ToolEndpoint() (string, string)           { return "", "" }
func (s *scriptedPipelineSandbox) Release() error                           { return nil }

type scriptedPipelineProvider struct{ results []*sandbox.ExecResult }

func (p *scriptedPipelineProvider) Acquire(ctx context.Context) (sandbox.Sandbox, error) {
	return &scriptedPipelineSandbox{id: "sb-scripted", results: p.results}, nil
}

func TestRunThreadsRetryBudgetAcrossCalibrationEscalation(t *testing.T) {
	fail := &sandbox.ExecResult{ExitCode: 1, Stderr: "boom"}
	ok := &sandbox.ExecResult{ExitCode: 0, Stdout: "0.5\n"}

	results := []*sandbox.ExecResult{
		fail, fail, ok, // loop 1: 2 repairs, succeeds on attempt 3 (MaxRepairRetries=3)
		ok, ok, ok, ok, ok, // calibration round 1: 5 identical metrics -> degenerate, rejected
		fail, // loop 2: budget is exhausted to 1 attempt, fails immediately
	}

	llmProvider := &countingLLM{text: validArtifactResponse}
	cfg := testConfig()
	cfg.CalibrationRuns = 5
	deps := Dependencies{
		Sandboxes: &scriptedPipelineProvider{results: results},
		Generator: generator.New(llmProvider, "test-model"),
		Config:    cfg,
	}
	p := New(deps)

	m := market.Descriptor{Slug: "degenerate-market", Question: "Will Z happen?", YesOdds: 0.5}
	result := p.Run(context.Background(), m)

	if result.Status != "failed" {
		t.Fatalf("status = %q, want failed", result.Status)
	}
	if result.Failure == nil || result.Failure.Stage != "calibrate" {
		t.Fatalf("Failure = %+v, want stage=calibrate", result.Failure)
	}
	// initial + 2 repairs in loop 1 + 1 calibration-triggered repair = 4.
	// Without budget threading, loop 2 would spend further repairs here too.
	if llmProvider.calls != 4 {
		t.Errorf("llm.Complete calls = %d, want 4 (budget should be threaded into loop 2, not reset)", llmProvider.calls)
	}
}

func TestRunReleasesSandboxOnCancelledContext(t *testing.T) {
	deps := Dependencies{
		Sandboxes: &fakeProvider{},
		Generator: generator.New(&fakeLLM{text: validArtifactResponse}, "test-model"),
		Config:    testConfig(),
	}
	p := New(deps)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := market.Descriptor{Slug: "cancelled", Question: "Will Y happen?", YesOdds: 0.5}
	result := p.Run(ctx, m)

	if result.Status != "failed" {
		t.Fatalf("status = %q, want failed on cancelled context", result.Status)
	}
}
