package config

import "fmt"

// PromptConfig configures system prompt assembly.
type PromptConfig struct {
	// MaxChars caps the assembled prompt. Default: 80000.
	MaxChars int `yaml:"max_chars"`

	// Sections overrides per-section token budgets. Known sections:
	// identity, self_knowledge, tool_guidance, goals, working_memory,
	// knowledge_graph, timing.
	Sections map[string]SectionBudget `yaml:"sections"`
}

// SectionBudget is either a fixed token count or a min/max window scaled
// by a percentage of the model's context window.
type SectionBudget struct {
	Fixed int     `yaml:"fixed"`
	Min   int     `yaml:"min"`
	Max   int     `yaml:"max"`
	Pct   float64 `yaml:"pct"`
}

func (b SectionBudget) validate(section string) error {
	if b.Fixed < 0 || b.Min < 0 || b.Max < 0 {
		return fmt.Errorf("prompt.sections.%s: budgets must be non-negative", section)
	}
	if b.Fixed > 0 && (b.Min > 0 || b.Max > 0 || b.Pct > 0) {
		return fmt.Errorf("prompt.sections.%s: fixed excludes min/max/pct", section)
	}
	if b.Fixed == 0 {
		if b.Min > b.Max {
			return fmt.Errorf("prompt.sections.%s: min %d exceeds max %d", section, b.Min, b.Max)
		}
		if b.Pct < 0 || b.Pct > 1 {
			return fmt.Errorf("prompt.sections.%s: pct %v is outside [0, 1]", section, b.Pct)
		}
	}
	return nil
}

// IsFixed reports whether the budget is a fixed token count.
func (b SectionBudget) IsFixed() bool { return b.Fixed > 0 }

// IsZero reports whether no budget was configured.
func (b SectionBudget) IsZero() bool {
	return b.Fixed == 0 && b.Min == 0 && b.Max == 0 && b.Pct == 0
}
