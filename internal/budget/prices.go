package budget

import (
	"math"
	"sort"
	"strings"

	"github.com/switchyard-ai/switchyard/internal/catalog"
)

// Price is per-million-token pricing for one model.
type Price struct {
	InputPer1M  float64 `json:"input" yaml:"input"`
	OutputPer1M float64 `json:"output" yaml:"output"`
}

// defaultPrices covers common models. Config overrides take precedence;
// unknown models cost zero rather than failing the request.
var defaultPrices = map[catalog.ProviderID]map[string]Price{
	catalog.ProviderAnthropic: {
		"claude-sonnet-4-20250514":  {InputPer1M: 3.0, OutputPer1M: 15.0},
		"claude-opus-4-20250514":    {InputPer1M: 15.0, OutputPer1M: 75.0},
		"claude-3-5-sonnet-latest":  {InputPer1M: 3.0, OutputPer1M: 15.0},
		"claude-3-5-haiku-latest":   {InputPer1M: 1.0, OutputPer1M: 5.0},
		"claude-3-5-haiku-20241022": {InputPer1M: 1.0, OutputPer1M: 5.0},
		"claude-3-haiku-20240307":   {InputPer1M: 0.25, OutputPer1M: 1.25},
	},
	catalog.ProviderOpenAI: {
		"gpt-4o":        {InputPer1M: 2.50, OutputPer1M: 10.0},
		"gpt-4o-mini":   {InputPer1M: 0.15, OutputPer1M: 0.60},
		"gpt-4-turbo":   {InputPer1M: 10.0, OutputPer1M: 30.0},
		"gpt-4":         {InputPer1M: 30.0, OutputPer1M: 60.0},
		"gpt-3.5-turbo": {InputPer1M: 0.50, OutputPer1M: 1.50},
		"o1":            {InputPer1M: 15.0, OutputPer1M: 60.0},
		"o1-mini":       {InputPer1M: 3.0, OutputPer1M: 12.0},
		"o3-mini":       {InputPer1M: 1.10, OutputPer1M: 4.40},
	},
	catalog.ProviderGemini: {
		"gemini-2.0-flash": {InputPer1M: 0.10, OutputPer1M: 0.40},
		"gemini-1.5-pro":   {InputPer1M: 1.25, OutputPer1M: 5.0},
		"gemini-1.5-flash": {InputPer1M: 0.075, OutputPer1M: 0.30},
		"gemini-pro":       {InputPer1M: 0.50, OutputPer1M: 1.50},
	},
	catalog.ProviderCohere: {
		"command-r-plus": {InputPer1M: 2.50, OutputPer1M: 10.0},
		"command-r":      {InputPer1M: 0.50, OutputPer1M: 1.50},
	},
}

// ResolvePrice finds pricing for a model: config override by exact
// "provider:model" key, then built-in exact match, then the longest prefix
// among the built-ins (versioned model ids share a stable prefix), then a
// coarse family alias. Returns false when the model is unpriced.
func ResolvePrice(provider catalog.ProviderID, model string, overrides map[string]Price) (Price, bool) {
	model = strings.TrimSpace(model)
	if model == "" {
		return Price{}, false
	}

	if p, ok := overrides[string(provider)+":"+model]; ok {
		return p, true
	}

	table := defaultPrices[provider]
	if p, ok := table[model]; ok {
		return p, true
	}

	// Longest-prefix match keeps "gpt-4o-2024-11-20" from resolving to
	// "gpt-4" when "gpt-4o" is also present.
	if len(table) > 0 {
		ids := make([]string, 0, len(table))
		for id := range table {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return len(ids[i]) > len(ids[j]) })
		for _, id := range ids {
			if strings.HasPrefix(model, id) {
				return table[id], true
			}
		}
	}

	return familyAlias(provider, model)
}

// familyAlias prices models by family keywords when no versioned entry
// matches. Deliberately coarse.
func familyAlias(provider catalog.ProviderID, model string) (Price, bool) {
	switch provider {
	case catalog.ProviderAnthropic:
		switch {
		case strings.Contains(model, "opus"):
			return Price{InputPer1M: 15.0, OutputPer1M: 75.0}, true
		case strings.Contains(model, "sonnet"):
			return Price{InputPer1M: 3.0, OutputPer1M: 15.0}, true
		case strings.Contains(model, "haiku"):
			return Price{InputPer1M: 1.0, OutputPer1M: 5.0}, true
		}
	case catalog.ProviderGemini:
		switch {
		case strings.Contains(model, "flash"):
			return Price{InputPer1M: 0.10, OutputPer1M: 0.40}, true
		case strings.Contains(model, "pro"):
			return Price{InputPer1M: 1.25, OutputPer1M: 5.0}, true
		}
	}
	return Price{}, false
}

// Estimate computes the dollar cost of a token pair under a price, guarding
// against NaN and Inf from bad config values.
func (p Price) Estimate(inputTokens, outputTokens int64) float64 {
	total := (float64(inputTokens)*p.InputPer1M + float64(outputTokens)*p.OutputPer1M) / 1_000_000
	if math.IsNaN(total) || math.IsInf(total, 0) || total < 0 {
		return 0
	}
	return total
}
