package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/switchyard-ai/switchyard/internal/catalog"
)

// decimalFloat marshals with at least four decimal digits while keeping
// enough precision to round-trip exactly.
type decimalFloat float64

func (f decimalFloat) MarshalJSON() ([]byte, error) {
	s := strconv.FormatFloat(float64(f), 'f', -1, 64)
	dot := strings.IndexByte(s, '.')
	if dot < 0 || len(s)-dot-1 < 4 {
		s = strconv.FormatFloat(float64(f), 'f', 4, 64)
	}
	return []byte(s), nil
}

func (f *decimalFloat) UnmarshalJSON(data []byte) error {
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*f = decimalFloat(v)
	return nil
}

// persistEntry is the on-disk shape of one entry. success_rate, avg, and
// p95 are derived and ignored on load.
type persistEntry struct {
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`

	TotalInputTokens  int64        `json:"total_input_tokens"`
	TotalOutputTokens int64        `json:"total_output_tokens"`
	TotalCostUSD      decimalFloat `json:"total_cost_usd"`

	SuccessRate  decimalFloat `json:"success_rate"`
	AvgLatencyMS decimalFloat `json:"avg_latency_ms"`
	P95LatencyMS decimalFloat `json:"p95_latency_ms"`

	LatencySamples []decimalFloat `json:"latency_samples,omitempty"`

	LastSuccess   *time.Time `json:"last_success_ts,omitempty"`
	LastFailure   *time.Time `json:"last_failure_ts,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	FirstRecorded time.Time  `json:"first_recorded_ts"`
}

// dump writes the whole table as a JSON object keyed "<provider>:<model>".
// encoding/json sorts map keys, which keeps the output deterministic. The
// write goes through a temp file so a crash never truncates the stats file.
func dump(path string, state *tableState) error {
	out := make(map[string]persistEntry, len(state.entries))
	for k, e := range state.entries {
		pe := persistEntry{
			Requests:          e.Requests,
			Successes:         e.Successes,
			Failures:          e.Failures,
			TotalInputTokens:  e.TotalInputTokens,
			TotalOutputTokens: e.TotalOutputTokens,
			TotalCostUSD:      decimalFloat(e.TotalCostUSD),
			SuccessRate:       decimalFloat(e.SuccessRate()),
			AvgLatencyMS:      decimalFloat(e.AvgLatency()),
			P95LatencyMS:      decimalFloat(e.P95Latency()),
			LastError:         e.LastError,
			FirstRecorded:     e.FirstRecorded.UTC(),
		}
		for _, v := range e.Latencies {
			pe.LatencySamples = append(pe.LatencySamples, decimalFloat(v))
		}
		if !e.LastSuccess.IsZero() {
			ts := e.LastSuccess.UTC()
			pe.LastSuccess = &ts
		}
		if !e.LastFailure.IsZero() {
			ts := e.LastFailure.UTC()
			pe.LastFailure = &ts
		}
		out[string(k.Provider)+":"+k.Model] = pe
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// loadInto restores a dumped table. The key splits on the first colon only;
// model names may themselves contain colons.
func loadInto(path string, state *tableState) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var raw map[string]persistEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	// Map iteration is random; re-sort so first-appearance order is stable
	// across restarts.
	sort.Strings(keys)

	for _, rawKey := range keys {
		provider, model, ok := strings.Cut(rawKey, ":")
		if !ok || provider == "" {
			return fmt.Errorf("parse %s: malformed stats key %q", path, rawKey)
		}
		pe := raw[rawKey]
		e := state.entry(catalog.ProviderID(provider), model, pe.FirstRecorded)
		e.Requests = pe.Requests
		e.Successes = pe.Successes
		e.Failures = pe.Failures
		e.TotalInputTokens = pe.TotalInputTokens
		e.TotalOutputTokens = pe.TotalOutputTokens
		e.TotalCostUSD = float64(pe.TotalCostUSD)
		e.LastError = pe.LastError
		e.FirstRecorded = pe.FirstRecorded
		if pe.LastSuccess != nil {
			e.LastSuccess = *pe.LastSuccess
		}
		if pe.LastFailure != nil {
			e.LastFailure = *pe.LastFailure
		}
		for _, v := range pe.LatencySamples {
			e.Latencies = append(e.Latencies, float64(v))
		}
		if len(e.Latencies) > MaxLatencySamples {
			e.Latencies = e.Latencies[:MaxLatencySamples]
		}
	}
	return nil
}
