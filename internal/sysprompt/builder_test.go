package sysprompt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/switchyard-ai/switchyard/internal/catalog"
)

type fakeStores struct {
	selfKnowledge string
	selfErr       error
	goals         []string
	goalsErr      error
	memory        string
	memoryErr     error
	graph         string
	graphErr      error
}

func (f *fakeStores) GetSelfKnowledge(context.Context, string) (string, error) {
	return f.selfKnowledge, f.selfErr
}

func (f *fakeStores) GetActiveGoals(context.Context, string) ([]string, error) {
	return f.goals, f.goalsErr
}

func (f *fakeStores) GetWorkingMemory(context.Context, string) (string, error) {
	return f.memory, f.memoryErr
}

func (f *fakeStores) KnowledgeGraphLookup(context.Context, string) (string, error) {
	return f.graph, f.graphErr
}

func sourcesFor(f *fakeStores) Sources {
	return Sources{SelfKnowledge: f, Goals: f, WorkingMemory: f, KnowledgeGraph: f}
}

func newTestBuilder(cfg Config, sources Sources, cat *catalog.Registry) *Builder {
	return New(cfg, sources, cat, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBudgetTokens(t *testing.T) {
	cases := []struct {
		name   string
		budget Budget
		window int
		want   int
	}{
		{"fixed wins", Budget{Fixed: 1200, Min: 1, Max: 2, Pct: 0.5}, 100_000, 1200},
		{"pct within bounds", Budget{Min: 500, Max: 4000, Pct: 0.02}, 100_000, 2000},
		{"clamped to max", Budget{Min: 500, Max: 4000, Pct: 0.05}, 100_000, 4000},
		{"clamped to min", Budget{Min: 500, Max: 4000, Pct: 0.001}, 100_000, 500},
		{"zero budget unbounded", Budget{}, 100_000, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.budget.Tokens(tc.window); got != tc.want {
				t.Errorf("Tokens(%d) = %d, want %d", tc.window, got, tc.want)
			}
		})
	}
}

func TestSelfKnowledgeTruncatedToBudget(t *testing.T) {
	cat := catalog.NewRegistry()
	cat.RegisterContextWindow("wide-context-model", 100_000)

	stores := &fakeStores{selfKnowledge: strings.Repeat("x", 100_000)}
	b := newTestBuilder(Config{
		Budgets: map[string]Budget{
			SectionSelfKnowledge: {Min: 500, Max: 4000, Pct: 0.05},
		},
	}, Sources{SelfKnowledge: stores}, cat)

	out := b.Build(context.Background(), Input{AgentID: "a1", Model: "wide-context-model"})

	// clamp(500, 0.05*100000, 4000) = 4000 tokens = 16000 chars. The
	// timing section follows after a blank line.
	section, _, ok := strings.Cut(out, "\n\n")
	if !ok {
		t.Fatalf("expected two sections, got %q", out[:80])
	}
	if len(section) > 16_000 {
		t.Errorf("section length = %d, want <= 16000", len(section))
	}
	if !strings.HasSuffix(section, truncationNotice) {
		t.Errorf("section does not end with the truncation notice: %q", section[len(section)-60:])
	}
}

func TestSectionWithinBudgetUntouched(t *testing.T) {
	cat := catalog.NewRegistry()
	cat.RegisterContextWindow("wide-context-model", 100_000)

	content := strings.Repeat("y", 1000)
	stores := &fakeStores{selfKnowledge: content}
	b := newTestBuilder(Config{
		Budgets: map[string]Budget{SectionSelfKnowledge: {Min: 500, Max: 4000, Pct: 0.05}},
	}, Sources{SelfKnowledge: stores}, cat)

	out := b.Build(context.Background(), Input{Model: "wide-context-model"})
	section, _, ok := strings.Cut(out, "\n\n")
	if !ok {
		t.Fatalf("expected two sections, got %q", out[:80])
	}
	if section != content {
		t.Errorf("content within budget was modified, len = %d want %d", len(section), len(content))
	}
}

func TestGlobalCap(t *testing.T) {
	stores := &fakeStores{
		selfKnowledge: strings.Repeat("a", 50_000),
		memory:        strings.Repeat("b", 50_000),
	}
	b := newTestBuilder(Config{}, sourcesFor(stores), catalog.NewRegistry())

	out := b.Build(context.Background(), Input{Model: "unknown-model"})
	if len(out) > DefaultMaxChars {
		t.Errorf("prompt length = %d, want <= %d", len(out), DefaultMaxChars)
	}
	if !strings.HasSuffix(out, truncationNotice) {
		t.Error("capped prompt does not end with the truncation notice")
	}
}

func TestSectionOrderAndJoins(t *testing.T) {
	stores := &fakeStores{
		selfKnowledge: "S",
		goals:         []string{"g1", "g2"},
		memory:        "M",
		graph:         "G",
	}
	b := newTestBuilder(Config{}, sourcesFor(stores), catalog.NewRegistry())
	b.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	out := b.Build(context.Background(), Input{
		AgentID:      "a1",
		Model:        "m",
		Identity:     "I",
		ToolGuidance: "T",
	})

	want := "I\n\nS\n\nT\n\nActive goals:\n- g1\n- g2\n\nM\n\nG\n\nCurrent time: 2026-01-02T03:04:05Z (Friday)"
	if out != want {
		t.Errorf("Build() = %q, want %q", out, want)
	}
}

func TestEmptySectionsOmitted(t *testing.T) {
	stores := &fakeStores{memory: "only memory"}
	b := newTestBuilder(Config{}, sourcesFor(stores), catalog.NewRegistry())
	b.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	out := b.Build(context.Background(), Input{AgentID: "a1", Model: "m"})

	if strings.Contains(out, "\n\n\n") {
		t.Error("empty sections left extra blank lines")
	}
	if !strings.HasPrefix(out, "only memory\n\n") {
		t.Errorf("Build() = %q, want memory section first", out)
	}
}

func TestUnavailableStoreSkipsSection(t *testing.T) {
	stores := &fakeStores{
		selfKnowledge: "present",
		memoryErr:     errors.New("store down"),
		goalsErr:      errors.New("store down"),
	}
	b := newTestBuilder(Config{}, sourcesFor(stores), catalog.NewRegistry())

	out := b.Build(context.Background(), Input{AgentID: "a1", Model: "m"})
	if !strings.Contains(out, "present") {
		t.Error("healthy section missing")
	}
	if strings.Contains(out, "store down") {
		t.Error("store error leaked into the prompt")
	}
}

func TestNilSourcesSkipStoreSections(t *testing.T) {
	b := newTestBuilder(Config{}, Sources{}, catalog.NewRegistry())
	b.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	out := b.Build(context.Background(), Input{Identity: "I"})
	want := "I\n\nCurrent time: 2026-01-02T03:04:05Z (Friday)"
	if out != want {
		t.Errorf("Build() = %q, want %q", out, want)
	}
}

func TestTruncateReservesNoticeRoom(t *testing.T) {
	s := strings.Repeat("z", 200)
	got := truncate(s, 100)
	if len(got) > 100 {
		t.Errorf("truncate() length = %d, want <= 100", len(got))
	}
	if !strings.HasSuffix(got, truncationNotice) {
		t.Error("truncate() result missing notice")
	}
}

func TestCutAtRuneKeepsUTF8Valid(t *testing.T) {
	s := strings.Repeat("é", 50) // 2 bytes per rune
	got := cutAtRune(s, 33)
	if len(got) != 32 {
		t.Errorf("cutAtRune() length = %d, want 32", len(got))
	}
	if !strings.HasSuffix(got, "é") {
		t.Error("cutAtRune() split a rune")
	}
}
