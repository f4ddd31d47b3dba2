// Package result implements the Result Assembler (spec §4.H): it writes
// a batch's outcome to disk as a timestamped results directory, one
// subdirectory per market holding the generated program, its research
// context, its execution log, and its final verdict, plus a top-level
// summary.json for the whole batch.
//
// Grounded on achetronic's artifact/filesystem/artifact.go, which writes
// one artifact per (name, version) under a predictable directory tree;
// here a market's slugified question replaces the artifact name and the
// batch timestamp replaces the version number, since each batch run is
// write-once rather than versioned in place.
package result

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/simengine/orchestrator/internal/execloop"
)

// Signal is the derived trading action (spec §4.H / §5: BUY_YES, BUY_NO,
// HOLD).
type Signal string

const (
	SignalBuyYes Signal = "BUY_YES"
	SignalBuyNo  Signal = "BUY_NO"
	SignalHold   Signal = "HOLD"
)

// DefaultEpsilon is spec §5's default signal deadband.
const DefaultEpsilon = 0.05

// MarketResult is one market's full assembled outcome.
type MarketResult struct {
	Question      string
	MarketYes      float64
	Probability    float64
	CIHalfWidth    float64
	Threshold      float64
	Signal         Signal
	SelfDescription string
	Code            string
	ResearchText    string
	ExecutionLog    []execloop.LogEntry
	Status          string
	Error           string `json:"error,omitempty"`
}

// BatchSummary is the top-level summary.json payload for a batch.
type BatchSummary struct {
	BatchLabel string         `json:"batch_label"`
	Timestamp  string         `json:"timestamp_utc"`
	NMarkets   int            `json:"n_markets"`
	NSucceeded int            `json:"n_succeeded"`
	NFailed    int            `json:"n_failed"`
	Markets    []MarketResult `json:"markets"`
}

// DeriveSignal computes Signal from a signed probability-market_yes gap
// against epsilon (spec §5).
func DeriveSignal(probability, marketYes, epsilon float64) Signal {
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	gap := probability - marketYes
	switch {
	case gap > epsilon:
		return SignalBuyYes
	case gap < -epsilon:
		return SignalBuyNo
	default:
		return SignalHold
	}
}

// Writer persists batch results to the filesystem.
type Writer struct {
	rootDir string
}

// NewWriter creates a Writer rooted at rootDir (default "./results" when
// rootDir is empty).
func NewWriter(rootDir string) *Writer {
	if rootDir == "" {
		rootDir = "./results"
	}
	return &Writer{rootDir: rootDir}
}

// WriteBatch writes results/{batchLabel}_{timestamp}/summary.json plus
// one subdirectory per market (spec §4.H). timestamp must already be
// formatted by the caller (this package does not call time.Now, to stay
// deterministic and testable).
func (w *Writer) WriteBatch(ctx context.Context, batchLabel, timestamp string, markets []MarketResult) (string, error) {
	dirName := fmt.Sprintf("%s_%s", slugify(batchLabel, 50), timestamp)
	batchDir := filepath.Join(w.rootDir, dirName)

	if err := os.MkdirAll(batchDir, 0o755); err != nil {
		return "", fmt.Errorf("result: create batch directory: %w", err)
	}

	summary := BatchSummary{
		BatchLabel: batchLabel,
		Timestamp:  timestamp,
		NMarkets:   len(markets),
		Markets:    markets,
	}
	for _, m := range markets {
		if m.Status == "failed" {
			summary.NFailed++
		} else {
			summary.NSucceeded++
		}
	}

	if err := writeJSON(filepath.Join(batchDir, "summary.json"), summary); err != nil {
		return "", err
	}

	for i, m := range markets {
		if err := w.writeMarketDir(batchDir, i, m); err != nil {
			return "", err
		}
	}

	return batchDir, nil
}

func (w *Writer) writeMarketDir(batchDir string, index int, m MarketResult) error {
	dirName := fmt.Sprintf("%02d_%s", index, slugify(m.Question, 50))
	dir := filepath.Join(batchDir, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("result: create market directory %q: %w", dirName, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "model.py"), []byte(m.Code), 0o644); err != nil {
		return fmt.Errorf("result: write model.py: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "research.txt"), []byte(m.ResearchText), 0o644); err != nil {
		return fmt.Errorf("result: write research.txt: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, "result.json"), m); err != nil {
		return err
	}
	if err := writeExecutionLog(filepath.Join(dir, "execution.log"), m.ExecutionLog); err != nil {
		return err
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("result: marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("result: write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeExecutionLog(path string, entries []execloop.LogEntry) error {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "attempt=%d phase=%s duration_ms=%d classification=%s\n", e.Attempt, e.Phase, e.DurationMs, e.Classification)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

var nonSlugChar = regexp.MustCompile(`[^a-z0-9]+`)

// slugify lowercases s, replaces non-alphanumeric runs with a single
// hyphen, and truncates to maxLen (spec §4.H: "slugified question, first
// 50 chars").
func slugify(s string, maxLen int) string {
	lower := strings.ToLower(s)
	slug := nonSlugChar.ReplaceAllString(lower, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxLen {
		slug = strings.TrimRight(slug[:maxLen], "-")
	}
	if slug == "" {
		slug = "market"
	}
	return slug
}
