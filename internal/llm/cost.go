package llm

import (
	"fmt"
	"sync"
)

// Rate holds a provider's price per million tokens, in CNY.
type Rate struct {
	InputPerMTok  float64 `yaml:"input_per_mtok" json:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok" json:"output_per_mtok"`
}

// Estimate converts a call's token usage into a currency estimate. Cost is
// observed and reported only; nothing enforces it as a budget.
func (r Rate) Estimate(usage TokenUsage) float64 {
	return (r.InputPerMTok*float64(usage.InputTokens) +
		r.OutputPerMTok*float64(usage.OutputTokens)) / 1e6
}

// DefaultAuxiliaryRate is DeepSeek pricing: ¥1/M input, ¥2/M output.
func DefaultAuxiliaryRate() Rate {
	return Rate{InputPerMTok: 1, OutputPerMTok: 2}
}

// DefaultPrimaryRate is Sonnet pricing converted at 7.2 CNY/USD:
// $3/M input ≈ ¥21.6/M, $15/M output ≈ ¥108/M.
func DefaultPrimaryRate() Rate {
	return Rate{InputPerMTok: 21.6, OutputPerMTok: 108}
}

// CostLine formats the per-request cost annotation for the debug trace.
func CostLine(auxRate, primaryRate Rate, aux, primary TokenUsage) string {
	return fmt.Sprintf("💰 本次成本: 辅助 ¥%.4f + 主力 ¥%.4f",
		auxRate.Estimate(aux), primaryRate.Estimate(primary))
}

// UsageTracker accumulates token usage across calls, keyed by provider role.
// It backs the process-wide running totals reported in logs.
type UsageTracker struct {
	mu    sync.Mutex
	usage map[string]TokenUsage
}

// NewUsageTracker creates an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{usage: make(map[string]TokenUsage)}
}

// Record adds a call's usage under the given role ("primary" or "auxiliary").
func (t *UsageTracker) Record(role string, usage TokenUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.usage[role]
	u.Add(usage)
	t.usage[role] = u
}

// Usage returns the cumulative usage for a role.
func (t *UsageTracker) Usage(role string) TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage[role]
}
