// Package metrics provides token usage and cost tracking for supervised tasks.
package metrics

import (
	"fmt"
	"time"

	"github.com/zjrosen/ocmcp/internal/event"
)

// Usage holds cumulative token usage and cost for one task.
// Values accumulate across every step_finish event the task produces,
// including continuation runs on the same session.
type Usage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	ReasoningTokens int `json:"reasoning_tokens"`
	CacheReadTokens int `json:"cache_read_tokens,omitempty"`

	TotalCostUSD float64 `json:"total_cost_usd"`

	LastUpdatedAt time.Time `json:"last_updated_at,omitzero"`
}

// AddStep folds one step_finish event's usage block into the totals.
// Events without a usage block are ignored.
func (u *Usage) AddStep(ev event.Event) {
	tokens := ev.Usage()
	if tokens == nil {
		return
	}
	u.InputTokens += tokens.Input
	u.OutputTokens += tokens.Output
	u.ReasoningTokens += tokens.Reasoning
	if tokens.Cache != nil {
		u.CacheReadTokens += tokens.Cache.Read
	}
	u.TotalCostUSD += ev.Part.Cost
	u.LastUpdatedAt = time.Now()
}

// TotalTokens returns input + output + reasoning.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens + u.ReasoningTokens
}

// FormatCostDisplay returns a human-readable cost string (e.g., "$0.0892").
func (u Usage) FormatCostDisplay() string {
	return fmt.Sprintf("$%.4f", u.TotalCostUSD)
}

// FormatTokensDisplay returns a compact token summary (e.g., "1.2k in / 340 out").
func (u Usage) FormatTokensDisplay() string {
	return fmt.Sprintf("%s in / %s out", compact(u.InputTokens), compact(u.OutputTokens))
}

func compact(n int) string {
	if n >= 10000 {
		return fmt.Sprintf("%dk", n/1000)
	}
	if n >= 1000 {
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}
