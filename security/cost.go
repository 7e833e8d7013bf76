package security

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Rates are USD per 1K tokens. Models missing from the table get the
// conservative default.
type rate struct {
	input  float64
	output float64
}

var modelRates = map[string]rate{
	"gpt-4o":      {input: 0.0025, output: 0.01},
	"gpt-4o-mini": {input: 0.00015, output: 0.0006},
	"gpt-4.1":     {input: 0.01, output: 0.03},
	"o4-mini":     {input: 0.0011, output: 0.0044},
}

var defaultRate = rate{input: 0.005, output: 0.015}

// ModelCost is the per-model breakdown of a session's usage.
type ModelCost struct {
	InputTokens  int     `json:"input"`
	OutputTokens int     `json:"output"`
	Calls        int     `json:"calls"`
	CostUSD      float64 `json:"cost_usd"`
}

// CostStats is a snapshot of cumulative usage and estimated spend.
type CostStats struct {
	TotalInputTokens  int                  `json:"total_input_tokens"`
	TotalOutputTokens int                  `json:"total_output_tokens"`
	TotalTokens       int                  `json:"total_tokens"`
	EstimatedCostUSD  float64              `json:"estimated_cost_usd"`
	ByModel           map[string]ModelCost `json:"by_model"`
}

// CostTracker accumulates token usage per model and estimates spend.
type CostTracker struct {
	mu          sync.Mutex
	totalInput  int
	totalOutput int
	byModel     map[string]*ModelCost
}

func NewCostTracker() *CostTracker {
	return &CostTracker{byModel: map[string]*ModelCost{}}
}

// Track records the token usage of a single API call.
func (c *CostTracker) Track(model string, inputTokens, outputTokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalInput += inputTokens
	c.totalOutput += outputTokens

	usage, ok := c.byModel[model]
	if !ok {
		usage = &ModelCost{}
		c.byModel[model] = usage
	}
	usage.InputTokens += inputTokens
	usage.OutputTokens += outputTokens
	usage.Calls++
}

// Cost returns the estimated session cost in USD across all models.
func (c *CostTracker) Cost() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0.0
	for model := range c.byModel {
		total += c.costFor(model)
	}
	return total
}

// costFor computes one model's cost. Callers hold the lock.
func (c *CostTracker) costFor(model string) float64 {
	usage, ok := c.byModel[model]
	if !ok {
		return 0
	}
	r, ok := modelRates[model]
	if !ok {
		r = defaultRate
	}
	return (float64(usage.InputTokens)*r.input + float64(usage.OutputTokens)*r.output) / 1000
}

// Stats returns cumulative usage with costs rounded to four decimals.
func (c *CostTracker) Stats() CostStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CostStats{
		TotalInputTokens:  c.totalInput,
		TotalOutputTokens: c.totalOutput,
		TotalTokens:       c.totalInput + c.totalOutput,
		ByModel:           make(map[string]ModelCost, len(c.byModel)),
	}
	total := 0.0
	for model, usage := range c.byModel {
		cost := c.costFor(model)
		total += cost
		byModel := *usage
		byModel.CostUSD = round4(cost)
		stats.ByModel[model] = byModel
	}
	stats.EstimatedCostUSD = round4(total)
	return stats
}

// FormatStats renders usage for display, with a per-model breakdown
// when more than one model was used.
func (c *CostTracker) FormatStats() string {
	stats := c.Stats()
	lines := []string{
		fmt.Sprintf("Total tokens: %s (%s in / %s out)",
			group(stats.TotalTokens), group(stats.TotalInputTokens), group(stats.TotalOutputTokens)),
		fmt.Sprintf("Estimated cost: $%.4f", stats.EstimatedCostUSD),
	}

	if len(stats.ByModel) > 1 {
		lines = append(lines, "\nBy model:")
		models := make([]string, 0, len(stats.ByModel))
		for model := range stats.ByModel {
			models = append(models, model)
		}
		sort.Strings(models)
		for _, model := range models {
			usage := stats.ByModel[model]
			lines = append(lines, fmt.Sprintf("  %s: %d calls, $%.4f", model, usage.Calls, usage.CostUSD))
		}
	}
	return strings.Join(lines, "\n")
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// group formats a non-negative count with thousands separators.
func group(n int) string {
	s := strconv.Itoa(n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
