// Package sysprompt assembles system prompts from up to seven sections,
// each held to a token budget resolved against the model's context window.
// Section content comes from external memory stores through narrow read
// interfaces; a store that is down costs its section, never the prompt.
package sysprompt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/switchyard-ai/switchyard/internal/catalog"
)

// Section names, in assembly order. The first three are stable across a
// session; the rest are volatile and refreshed per request.
const (
	SectionIdentity       = "identity"
	SectionSelfKnowledge  = "self_knowledge"
	SectionToolGuidance   = "tool_guidance"
	SectionGoals          = "goals"
	SectionWorkingMemory  = "working_memory"
	SectionKnowledgeGraph = "knowledge_graph"
	SectionTiming         = "timing"
)

var sectionOrder = []string{
	SectionIdentity,
	SectionSelfKnowledge,
	SectionToolGuidance,
	SectionGoals,
	SectionWorkingMemory,
	SectionKnowledgeGraph,
	SectionTiming,
}

const (
	// CharsPerToken is the coarse conversion used for budget math.
	CharsPerToken = 4

	// DefaultMaxChars caps the combined prompt.
	DefaultMaxChars = 80_000

	// noticeReserve is held back from a section's budget so the truncation
	// notice always fits.
	noticeReserve = 40

	truncationNotice = "\n[truncated to fit prompt budget]"
)

// Budget is one section's token allowance. A positive Fixed wins; otherwise
// the allowance is pct of the context window clamped into [Min, Max]. A
// zero-valued budget means unbounded (the global cap still applies).
type Budget struct {
	Fixed int
	Min   int
	Max   int
	Pct   float64
}

// Tokens resolves the budget against a context window size.
func (b Budget) Tokens(contextWindow int) int {
	if b.Fixed > 0 {
		return b.Fixed
	}
	n := int(b.Pct * float64(contextWindow))
	if b.Max > 0 && n > b.Max {
		n = b.Max
	}
	if n < b.Min {
		n = b.Min
	}
	return n
}

// SelfKnowledgeSource reads an agent's self-knowledge document.
type SelfKnowledgeSource interface {
	GetSelfKnowledge(ctx context.Context, agentID string) (string, error)
}

// GoalsSource reads an agent's active goals.
type GoalsSource interface {
	GetActiveGoals(ctx context.Context, agentID string) ([]string, error)
}

// WorkingMemorySource reads an agent's working-memory digest.
type WorkingMemorySource interface {
	GetWorkingMemory(ctx context.Context, agentID string) (string, error)
}

// KnowledgeGraphSource renders the agent's knowledge-graph neighborhood.
type KnowledgeGraphSource interface {
	KnowledgeGraphLookup(ctx context.Context, agentID string) (string, error)
}

// Sources holds the optional store bindings. Nil fields skip their section.
type Sources struct {
	SelfKnowledge  SelfKnowledgeSource
	Goals          GoalsSource
	WorkingMemory  WorkingMemorySource
	KnowledgeGraph KnowledgeGraphSource
}

// Config tunes budgets and the global cap.
type Config struct {
	// Budgets is keyed by section name. Sections without an entry are
	// bounded only by MaxChars.
	Budgets map[string]Budget
	// MaxChars caps the combined prompt. Default 80,000.
	MaxChars int
	// DefaultContextWindow is used when the catalog has no entry for the
	// model. Default 200,000 tokens.
	DefaultContextWindow int
}

// Input carries the per-request parameters.
type Input struct {
	AgentID string
	Model   string
	// Identity and ToolGuidance are caller-supplied static text.
	Identity     string
	ToolGuidance string
}

// Builder composes prompts. Safe for concurrent use.
type Builder struct {
	cfg     Config
	sources Sources
	catalog *catalog.Registry
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a Builder. cat and logger may be nil.
func New(cfg Config, sources Sources, cat *catalog.Registry, logger *slog.Logger) *Builder {
	if cat == nil {
		cat = catalog.Default
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	if cfg.DefaultContextWindow <= 0 {
		cfg.DefaultContextWindow = 200_000
	}
	return &Builder{
		cfg:     cfg,
		sources: sources,
		catalog: cat,
		logger:  logger.With("component", "sysprompt"),
		now:     time.Now,
	}
}

// Build assembles the prompt for one request. It never fails: sections
// whose stores are unavailable are skipped.
func (b *Builder) Build(ctx context.Context, in Input) string {
	window, ok := b.catalog.ContextWindow(in.Model)
	if !ok {
		window = b.cfg.DefaultContextWindow
	}

	sections := make([]string, 0, len(sectionOrder))
	for _, name := range sectionOrder {
		content := b.sectionContent(ctx, name, in)
		if strings.TrimSpace(content) == "" {
			continue
		}
		if budget, ok := b.cfg.Budgets[name]; ok {
			if maxChars := budget.Tokens(window) * CharsPerToken; maxChars > 0 {
				content = truncate(content, maxChars)
			}
		}
		sections = append(sections, content)
	}

	out := strings.Join(sections, "\n\n")
	if len(out) > b.cfg.MaxChars {
		out = truncateTo(out, b.cfg.MaxChars)
	}
	return out
}

func (b *Builder) sectionContent(ctx context.Context, name string, in Input) string {
	switch name {
	case SectionIdentity:
		return in.Identity
	case SectionToolGuidance:
		return in.ToolGuidance
	case SectionSelfKnowledge:
		if b.sources.SelfKnowledge == nil {
			return ""
		}
		return b.read(name, func() (string, error) {
			return b.sources.SelfKnowledge.GetSelfKnowledge(ctx, in.AgentID)
		})
	case SectionGoals:
		if b.sources.Goals == nil {
			return ""
		}
		return b.read(name, func() (string, error) {
			goals, err := b.sources.Goals.GetActiveGoals(ctx, in.AgentID)
			return renderGoals(goals), err
		})
	case SectionWorkingMemory:
		if b.sources.WorkingMemory == nil {
			return ""
		}
		return b.read(name, func() (string, error) {
			return b.sources.WorkingMemory.GetWorkingMemory(ctx, in.AgentID)
		})
	case SectionKnowledgeGraph:
		if b.sources.KnowledgeGraph == nil {
			return ""
		}
		return b.read(name, func() (string, error) {
			return b.sources.KnowledgeGraph.KnowledgeGraphLookup(ctx, in.AgentID)
		})
	case SectionTiming:
		now := b.now().UTC()
		return fmt.Sprintf("Current time: %s (%s)", now.Format(time.RFC3339), now.Weekday())
	}
	return ""
}

// read fetches one section, treating store failure as absence.
func (b *Builder) read(section string, fetch func() (string, error)) string {
	content, err := fetch()
	if err != nil {
		b.logger.Debug("prompt section store unavailable", "section", section, "error", err)
		return ""
	}
	return content
}

func renderGoals(goals []string) string {
	if len(goals) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Active goals:")
	for _, g := range goals {
		sb.WriteString("\n- ")
		sb.WriteString(g)
	}
	return sb.String()
}

// truncate cuts a section to its budget, reserving room for the notice.
func truncate(s string, maxChars int) string {
	if len(s) <= maxChars {
		return s
	}
	cut := maxChars - noticeReserve
	if cut < 0 {
		cut = 0
	}
	return cutAtRune(s, cut) + truncationNotice
}

// truncateTo enforces the global cap; the result is at most maxChars bytes
// and carries the notice.
func truncateTo(s string, maxChars int) string {
	cut := maxChars - len(truncationNotice)
	if cut < 0 {
		return truncationNotice[:maxChars]
	}
	return cutAtRune(s, cut) + truncationNotice
}

// cutAtRune trims to at most n bytes without splitting a rune.
func cutAtRune(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
