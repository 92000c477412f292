package demo

import "fmt"

// Verdict is an evaluator ruling on one proposal.
type Verdict struct {
	Approved bool
	Reason   string
}

// Evaluator gates fix proposals with a fixed policy. It is deterministic:
// the same proposal always draws the same verdict.
type Evaluator struct {
	protected map[string]struct{}
}

// DefaultProtected returns the modules no automatic fix may touch.
func DefaultProtected() []string {
	return []string{"dispatch_supervisor"}
}

// NewEvaluator creates an evaluator that rejects proposals targeting any of
// the protected modules.
func NewEvaluator(protected []string) *Evaluator {
	set := make(map[string]struct{}, len(protected))
	for _, m := range protected {
		set[m] = struct{}{}
	}
	return &Evaluator{protected: set}
}

// Evaluate rules on a proposal.
func (e *Evaluator) Evaluate(p Proposal) Verdict {
	if p.Module == "" {
		return Verdict{Reason: "proposal names no target module"}
	}
	if _, ok := e.protected[p.Module]; ok {
		return Verdict{Reason: fmt.Sprintf("module %q is protected", p.Module)}
	}
	return Verdict{Approved: true}
}
