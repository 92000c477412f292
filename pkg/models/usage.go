package models

// Usage is the token accounting for one request or an accumulation of
// requests. Subprocess providers report TotalTokens themselves; API
// providers leave it zero and EffectiveTotal derives it.
type Usage struct {
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int64   `json:"cache_creation_tokens,omitempty"`
	TotalTokens         int64   `json:"total_tokens,omitempty"`
	CostUSD             float64 `json:"cost_usd,omitempty"`
}

// EffectiveTotal returns the reported total when present, otherwise the sum
// of input and output tokens.
func (u Usage) EffectiveTotal() int64 {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.InputTokens + u.OutputTokens
}

// Add accumulates another usage record into u. Totals are recomputed from
// effective values so mixed reported/derived records stay consistent.
func (u *Usage) Add(other Usage) {
	u.TotalTokens = u.EffectiveTotal() + other.EffectiveTotal()
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CostUSD += other.CostUSD
}

// IsZero reports whether no tokens were accounted.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 &&
		u.CacheReadTokens == 0 && u.CacheCreationTokens == 0 &&
		u.TotalTokens == 0
}
