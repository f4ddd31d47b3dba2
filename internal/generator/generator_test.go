package generator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/simengine/orchestrator/internal/llm"
	"github.com/simengine/orchestrator/internal/research"
)

type fakeProvider struct {
	calls     int
	responses []string
	err       error
	lastUser  string
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, systemPrompt, userPrompt, modelID string) (llm.Response, error) {
	idx := f.calls
	f.calls++
	f.lastUser = userPrompt
	if f.err != nil {
		return llm.Response{}, f.err
	}
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return llm.Response{Text: f.responses[idx]}, nil
}

const validResponse = `Here is the simulation:

CODE_START
def run_trial(seed):
    import random
    random.seed(seed)
    return random.random(), None
CODE_END

SELF_DESCRIPTION_START
100 independent agents, each a coin flip weighted by sentiment.
SELF_DESCRIPTION_END
`

func TestInitialExtractsCodeAndSelfDescription(t *testing.T) {
	p := &fakeProvider{responses: []string{validResponse}}
	g := New(p, "test-model")

	artifact, err := g.Initial(context.Background(), "Will it rain?", research.Bundle{Text: "forecast: 60% chance"})
	if err != nil {
		t.Fatalf("Initial: %v", err)
	}
	if artifact.Code == "" {
		t.Error("expected non-empty code")
	}
	if artifact.SelfDescription == "" {
		t.Error("expected non-empty self-description")
	}
}

func TestInitialRejectsMissingCodeBlock(t *testing.T) {
	p := &fakeProvider{responses: []string{"no delimited blocks here"}}
	g := New(p, "test-model")

	_, err := g.Initial(context.Background(), "q", research.Bundle{})
	if !errors.Is(err, ErrStructural) {
		t.Fatalf("err = %v, want ErrStructural", err)
	}
}

func TestInitialRejectsForbiddenPattern(t *testing.T) {
	bad := "CODE_START\nimport socket\ndef run_trial(seed):\n    return 0.5, None\nCODE_END\n"
	p := &fakeProvider{responses: []string{bad}}
	g := New(p, "test-model")

	_, err := g.Initial(context.Background(), "q", research.Bundle{})
	if !errors.Is(err, ErrStructural) {
		t.Fatalf("err = %v, want ErrStructural for forbidden pattern", err)
	}
}

func TestRepairIncludesFailureContext(t *testing.T) {
	p := &fakeProvider{responses: []string{validResponse}}
	g := New(p, "test-model")

	prior := Artifact{Code: "def run_trial(seed):\n    return seed, None"}
	failure := Failure{ExitCode: 1, StderrTail: "NameError: x is not defined", Phase: "runtime"}

	artifact, err := g.Repair(context.Background(), prior, failure)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if artifact.Code == prior.Code {
		t.Error("expected repaired code to differ from prior (extraction bug)")
	}
	if !strings.Contains(p.lastUser, "FAILURE_CONTEXT_START") {
		t.Error("repair prompt missing FAILURE_CONTEXT block")
	}
	if !strings.Contains(p.lastUser, "NameError: x is not defined") {
		t.Error("repair prompt missing the failure's stderr tail")
	}
}

func TestGenerateNonRetryableAuthError(t *testing.T) {
	p := &fakeProvider{err: llm.ErrAuth}
	g := New(p, "test-model")

	_, err := g.Initial(context.Background(), "q", research.Bundle{})
	if err == nil {
		t.Fatal("expected error")
	}
	if p.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on auth error)", p.calls)
	}
}
