package config

import (
	"errors"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"LLM_API_KEY", "LLM_MODEL_ID", "SANDBOX_API_KEY", "SANDBOX_TEMPLATE_ID",
		"RESEARCH_API_KEY", "BATCH_CONCURRENCY", "MONTE_CARLO_RUNS",
		"CALIBRATION_RUNS", "MAX_REPAIR_RETRIES", "SIGNAL_EPSILON",
		"SANDBOX_LEASE_REDIS_ADDR", "MARKET_API_KEY",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadMissingLLMKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("SANDBOX_API_KEY", "sk-sandbox")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when LLM_API_KEY is unset")
	}
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLM_API_KEY", "sk-llm")
	t.Setenv("SANDBOX_API_KEY", "sk-sandbox")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.BatchConcurrency != 10 {
		t.Errorf("BatchConcurrency default = %d, want 10", cfg.BatchConcurrency)
	}
	if cfg.MonteCarloRuns != 200 {
		t.Errorf("MonteCarloRuns default = %d, want 200", cfg.MonteCarloRuns)
	}
	if cfg.CalibrationRuns != 50 {
		t.Errorf("CalibrationRuns default = %d, want 50", cfg.CalibrationRuns)
	}
	if cfg.MaxRepairRetries != 5 {
		t.Errorf("MaxRepairRetries default = %d, want 5", cfg.MaxRepairRetries)
	}
	if cfg.SignalEpsilon != 0.05 {
		t.Errorf("SignalEpsilon default = %v, want 0.05", cfg.SignalEpsilon)
	}
}

func TestLoadMarketEnvPassthrough(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLM_API_KEY", "sk-llm")
	t.Setenv("SANDBOX_API_KEY", "sk-sandbox")
	t.Setenv("MARKET_API_KEY", "market-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MarketEnv["MARKET_API_KEY"] != "market-secret" {
		t.Errorf("MarketEnv[MARKET_API_KEY] = %q, want %q", cfg.MarketEnv["MARKET_API_KEY"], "market-secret")
	}
}

func TestLoadInvalidConcurrency(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLM_API_KEY", "sk-llm")
	t.Setenv("SANDBOX_API_KEY", "sk-sandbox")
	t.Setenv("BATCH_CONCURRENCY", "0")

	_, err := Load()
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for zero concurrency, got %v", err)
	}
}
