// Package generator implements the Code Generator (spec §4.C): it
// authors an initial SimulationArtifact from a market question + research
// bundle, and repairs a prior artifact given execution diagnostics.
//
// Grounded on internal/instruments/generator.go Generator
// type: the delimited-block prompt/extraction pattern (CODE_START/
// CODE_END) is kept and extended with a SELF_DESCRIPTION block (spec
// §4.C's required self-description data) and, for repair calls, a
// FAILURE_CONTEXT block carrying the classified diagnostic.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/simengine/orchestrator/internal/llm"
	"github.com/simengine/orchestrator/internal/research"
	"github.com/simengine/orchestrator/internal/retry"
	"github.com/simengine/orchestrator/internal/security"
)

// Artifact is the opaque program text plus the self-description block
// the generator extracted from the model's response (spec §3
// SimulationArtifact, §4.C self-description requirement).
type Artifact struct {
	Code        string
	Language    string
	SelfDescription string
}

// Failure describes a classified execution diagnostic fed back into a
// repair call (spec §4.C repair contract).
type Failure struct {
	ExitCode   int
	StdoutTail string
	StderrTail string
	Phase      string // "compile", "runtime", "timeout", "nan"
}

// ErrStructural classifies GenerationInvalid (spec §7): the model's text
// lacked the required entry points or violated a forbidden pattern.
var ErrStructural = errors.New("generated artifact is structurally invalid")

const maxTailBytes = 2048 // spec §4.D: "a bounded excerpt of stderr (last ~2KB)"

// Generator authors and repairs SimulationArtifacts via an LLM provider.
type Generator struct {
	provider llm.Provider
	modelID  string
	scanner  *security.ArtifactScanner
	policy   retry.Policy
}

// New creates a Generator bound to one LLM provider.
func New(provider llm.Provider, modelID string) *Generator {
	p := retry.Policy{Initial: 0, Factor: 1, Cap: 0, MaxRetries: 2} // spec §4.C: "retries up to 2 times"
	return &Generator{
		provider: provider,
		modelID:  modelID,
		scanner:  security.NewArtifactScanner(),
		policy:   p,
	}
}

// Initial authors a new SimulationArtifact from a question and research
// bundle (spec §4.C: "initial(question, research) -> artifact").
func (g *Generator) Initial(ctx context.Context, question string, bundle research.Bundle) (Artifact, error) {
	system := systemPrompt()
	user := initialPrompt(question, bundle)
	return g.generate(ctx, system, user)
}

// Repair produces a corrected SimulationArtifact given the prior artifact
// and a classified failure (spec §4.C: "repair(artifact, failure) ->
// artifact").
func (g *Generator) Repair(ctx context.Context, prior Artifact, failure Failure) (Artifact, error) {
	system := systemPrompt()
	user := repairPrompt(prior, failure)
	return g.generate(ctx, system, user)
}

func (g *Generator) generate(ctx context.Context, system, user string) (Artifact, error) {
	var text string

	err := retry.Do(ctx, g.policy, func(ctx context.Context) error {
		resp, err := g.provider.Complete(ctx, system, user, g.modelID)
		if err != nil {
			if errors.Is(err, llm.ErrAuth) {
				return err // non-retryable
			}
			return fmt.Errorf("%w: %w", retry.ErrRetryable, err)
		}
		text = resp.Text
		return nil
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("generator: provider call failed: %w", err)
	}

	code, ok := extractBlock(text, "CODE_START", "CODE_END")
	if !ok {
		return Artifact{}, fmt.Errorf("generator: no CODE_START/CODE_END block in response: %w", ErrStructural)
	}
	selfDesc, _ := extractBlock(text, "SELF_DESCRIPTION_START", "SELF_DESCRIPTION_END")

	artifact := Artifact{Code: code, Language: "python", SelfDescription: selfDesc}

	if clean, violations := g.scanner.Clean(code); !clean {
		return artifact, fmt.Errorf("generator: %w: %w", ErrStructural, security.ViolationsError(violations))
	}

	return artifact, nil
}

func systemPrompt() string {
	return `You author a Monte Carlo agent-based simulation program in Python.

Contract:
- Define run_trial(seed: int) -> (metric: float, auxiliary: any). It must be
  deterministic for a given seed and complete within 3 seconds.
- Optionally define run_monte_carlo(n_runs, threshold, seeds=None) -> dict.
- Include a SELF_DESCRIPTION_START/SELF_DESCRIPTION_END block describing the
  agent classes, approximate counts, rationale, and an outcome-interpretation
  sentence.

Constraints: bounded agent counts, bounded step counts, no network access,
no disk writes outside /tmp, no unbounded loops.

Respond with exactly one CODE_START/CODE_END block containing the program
text (no markdown fences) and one SELF_DESCRIPTION_START/
SELF_DESCRIPTION_END block.`
}

func initialPrompt(question string, bundle research.Bundle) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Market question: %s\n\n", question)
	if bundle.Text != "" {
		fmt.Fprintf(&b, "Research context:\n%s\n\n", bundle.Text)
	}
	b.WriteString("Author the initial simulation per the contract above.")
	return b.String()
}

func repairPrompt(prior Artifact, failure Failure) string {
	var b strings.Builder
	b.WriteString("The previous artifact failed. Repair it.\n\n")
	fmt.Fprintf(&b, "PRIOR_CODE_START\n%s\nPRIOR_CODE_END\n\n", prior.Code)
	fmt.Fprintf(&b, "FAILURE_CONTEXT_START\nphase=%s exit_code=%d\nstdout_tail:\n%s\nstderr_tail:\n%s\nFAILURE_CONTEXT_END\n",
		failure.Phase, failure.ExitCode, truncate(failure.StdoutTail, maxTailBytes), truncate(failure.StderrTail, maxTailBytes))
	if failure.Phase == "timeout" {
		b.WriteString("\nThe trial timed out: bound the work done per trial (fewer agents or steps) so run_trial(seed) finishes within its time limit.\n")
	}
	return b.String()
}

func extractBlock(text, startMarker, endMarker string) (string, bool) {
	start := strings.Index(text, startMarker)
	if start == -1 {
		return "", false
	}
	start += len(startMarker)
	end := strings.Index(text[start:], endMarker)
	if end == -1 {
		return "", false
	}
	return strings.TrimSpace(text[start : start+end]), true
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
