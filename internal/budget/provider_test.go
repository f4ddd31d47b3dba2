package budget

import (
	"context"
	"errors"
	"testing"

	"github.com/simengine/orchestrator/internal/llm"
)

type fakeProvider struct{ resp llm.Response }

func (f *fakeProvider) Name() string { return "fake" }
func (f *fakeProvider) Complete(ctx context.Context, systemPrompt, userPrompt, modelID string) (llm.Response, error) {
	return f.resp, nil
}

func TestTrackingProviderRecordsCost(t *testing.T) {
	tracker := New(10.0, 100.0)
	inner := &fakeProvider{resp: llm.Response{InputTokens: 1_000_000, OutputTokens: 500_000}}
	rates := map[string]Rates{"test-model": {InputPerMillion: 3.0, OutputPerMillion: 15.0}}

	p := NewTrackingProvider(inner, tracker, rates)
	if _, err := p.Complete(context.Background(), "sys", "user", "test-model"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	want := 3.0 + 0.5*15.0
	if got := tracker.TaskSpend("test-model"); got != want {
		t.Errorf("TaskSpend(test-model) = %v, want %v", got, want)
	}
}

func TestTrackingProviderRefusesOverBudget(t *testing.T) {
	tracker := New(1.0, 10.0)
	tracker.Record("test-model", 1.5) // already over the daily limit

	inner := &fakeProvider{resp: llm.Response{}}
	p := NewTrackingProvider(inner, tracker, nil)

	_, err := p.Complete(context.Background(), "sys", "user", "test-model")
	if !errors.Is(err, ErrExceeded) {
		t.Fatalf("err = %v, want ErrExceeded", err)
	}
}
