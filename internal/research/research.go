// Package research implements the Research Adapter (spec §4.B): given a
// question string, it calls the research tool exposed by the sandbox's
// tool gateway and returns a ResearchBundle.
package research

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/simengine/orchestrator/internal/mcpgateway"
	"github.com/simengine/orchestrator/internal/retry"
)

// Bundle is the free-text research context plus optional highlights,
// produced once per pipeline and treated as opaque input to the generator
// (spec §3).
type Bundle struct {
	Text       string   `json:"text"`
	Highlights []string `json:"highlights,omitempty"`
}

// ErrUnavailable classifies a research-tool outage (spec §4.B: "the
// pipeline continues with an empty bundle — grounding is helpful, not
// required").
var ErrUnavailable = errors.New("research provider unavailable")

// GatewayCaller is the subset of *mcpgateway.Client the adapter needs —
// narrowed to an interface so tests can substitute a fake transport.
type GatewayCaller interface {
	CallTool(ctx context.Context, name string, args any) (*mcpgateway.ToolResult, error)
}

// Adapter researches a question via a sandbox's tool gateway.
type Adapter struct {
	policy retry.Policy
}

// NewAdapter creates a Research Adapter using the spec §4.B backoff
// policy (up to 3 retries, exponential).
func NewAdapter() *Adapter {
	return &Adapter{policy: retry.ResearchPolicy()}
}

// Research calls the gateway's "research" tool for the given question.
// Transport errors are retried per policy; authorization errors are not.
// On exhausted retries it returns an empty Bundle wrapped in
// ErrUnavailable rather than failing the pipeline — callers (the
// orchestrating pipeline) decide whether an empty bundle is acceptable,
// which per spec it always is.
func (a *Adapter) Research(ctx context.Context, gw GatewayCaller, question string) (Bundle, error) {
	var result *mcpgateway.ToolResult

	err := retry.Do(ctx, a.policy, func(ctx context.Context) error {
		r, err := gw.CallTool(ctx, "research", mcpgateway.ResearchArgs{Question: question})
		if err != nil {
			if isAuthError(err) {
				return err // non-retryable
			}
			return fmt.Errorf("%w: %w", retry.ErrRetryable, err)
		}
		result = r
		return nil
	})

	if err != nil {
		return Bundle{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	text := result.ResearchText()
	return Bundle{
		Text:       text,
		Highlights: extractHighlights(text),
	}, nil
}

func isAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") || strings.Contains(msg, fmt.Sprint(http.StatusUnauthorized))
}

// extractHighlights pulls lines that look like bullet points out of the
// raw research text, giving the Result Assembler short highlight strings
// without a second LLM round-trip.
func extractHighlights(text string) []string {
	var highlights []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			highlights = append(highlights, strings.TrimSpace(trimmed[2:]))
		}
	}
	return highlights
}
