package budget

import (
	"context"
	"fmt"

	"github.com/simengine/orchestrator/internal/llm"
)

// Rates gives a per-million-token price for one model, in USD.
type Rates struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// ErrExceeded is returned by a TrackingProvider in place of calling the
// wrapped provider when the configured budget is already spent.
var ErrExceeded = fmt.Errorf("budget: spending limit reached")

// TrackingProvider wraps an llm.Provider, recording estimated cost against
// a Tracker and refusing new calls once the budget is exhausted. Spend is
// attributed by model ID rather than by market, since Provider.Complete's
// contract (spec §6) carries no caller identity and the provider is a
// single shared handle across the whole batch (spec §5).
type TrackingProvider struct {
	inner   llm.Provider
	tracker *Tracker
	rates   map[string]Rates
}

// NewTrackingProvider wraps inner with spend accounting. rates maps model
// ID to its per-token price; a model absent from rates is tracked at zero
// cost (still counted, and still refused once the tracker's limit is spent).
func NewTrackingProvider(inner llm.Provider, tracker *Tracker, rates map[string]Rates) *TrackingProvider {
	return &TrackingProvider{inner: inner, tracker: tracker, rates: rates}
}

func (p *TrackingProvider) Name() string { return p.inner.Name() }

func (p *TrackingProvider) Complete(ctx context.Context, systemPrompt, userPrompt, modelID string) (llm.Response, error) {
	estimate := p.rates[modelID]
	// Gate before spending anything. This call's own cost is unknown until
	// it returns, so it is checked as zero: only spend already recorded can
	// refuse it.
	if !p.tracker.CanSpend(0) {
		return llm.Response{}, fmt.Errorf("%w: %s", ErrExceeded, p.tracker.BudgetStatus())
	}

	resp, err := p.inner.Complete(ctx, systemPrompt, userPrompt, modelID)
	if err != nil {
		return resp, err
	}

	cost := costOf(resp, estimate)
	p.tracker.Record(modelID, cost)
	return resp, nil
}

func costOf(resp llm.Response, rates Rates) float64 {
	return float64(resp.InputTokens)/1_000_000*rates.InputPerMillion +
		float64(resp.OutputTokens)/1_000_000*rates.OutputPerMillion
}

var _ llm.Provider = (*TrackingProvider)(nil)
