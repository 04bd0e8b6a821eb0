// Package pricing maps model names to per-token rates and computes the
// dollar cost of a stage's token usage.
package pricing

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Rate holds a model's dollar price per thousand tokens.
type Rate struct {
	InPer1K  float64 `yaml:"in_per_1k"`
	OutPer1K float64 `yaml:"out_per_1k"`
}

// Table resolves model names to rates. It is immutable after construction
// and safe for concurrent reads.
type Table struct {
	rates map[string]Rate
}

// Builtin returns the default table. Hosted model rates mirror the vendor's
// published prices; local models are free.
func Builtin() *Table {
	return &Table{rates: map[string]Rate{
		"gpt-4-turbo-preview": {InPer1K: 0.01, OutPer1K: 0.03},
		"gpt-4o":              {InPer1K: 0.005, OutPer1K: 0.015},
		"gpt-4o-mini":         {InPer1K: 0.00015, OutPer1K: 0.0006},
		"gpt-3.5-turbo":       {InPer1K: 0.0005, OutPer1K: 0.0015},
		"llama3.2:latest":     {},
	}}
}

type tableYAML struct {
	Models map[string]Rate `yaml:"models"`
}

// Load returns the builtin table with the rates from path merged on top.
// An empty path returns the builtin table unchanged.
func Load(path string) (*Table, error) {
	table := Builtin()
	if path == "" {
		return table, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}

	var overlay tableYAML
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("failed to parse pricing file %s: %w", path, err)
	}

	// User-provided rates override builtin ones; unknown models extend.
	if err := mergo.Merge(&table.rates, overlay.Models, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge pricing overlay: %w", err)
	}

	return table, nil
}

// Cost computes the dollar cost of a call: 0.001 × (in×in_per_1K +
// out×out_per_1K). Models absent from the table warn and cost zero.
func (t *Table) Cost(model string, promptTokens, completionTokens int) float64 {
	rate, ok := t.rates[model]
	if !ok {
		slog.Warn("No pricing for model, counting zero cost", "model", model)
		return 0
	}
	return 0.001 * (float64(promptTokens)*rate.InPer1K + float64(completionTokens)*rate.OutPer1K)
}

// Rates returns a copy of the table's contents.
func (t *Table) Rates() map[string]Rate {
	out := make(map[string]Rate, len(t.rates))
	for k, v := range t.rates {
		out[k] = v
	}
	return out
}
