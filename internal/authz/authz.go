// Package authz filters tool lists through an external capability store.
// The returned list is always a subset of the input; agentless calls pass
// everything through untouched.
package authz

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/switchyard-ai/switchyard/internal/signalbus"
)

// Decision is one tool's authorization outcome.
type Decision string

const (
	DecisionAuthorized       Decision = "authorized"
	DecisionPendingApproval  Decision = "pending_approval"
	DecisionUnauthorized     Decision = "unauthorized"
	DecisionStoreUnavailable Decision = "store_unavailable"
)

// Mode decides how store_unavailable is treated: dev keeps working, prod
// fails closed.
type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

// Result is one authorization answer. ProposalID is set only for
// pending_approval: it names the approval record the store minted so the
// caller can poll or surface it.
type Result struct {
	Decision   Decision
	ProposalID string
}

// CapabilityStore answers authorization checks. Implementations are
// external; ErrNotFound-style misses should come back as a Decision, not an
// error. Errors mean the check itself could not run.
type CapabilityStore interface {
	Authorize(ctx context.Context, agentID, resource, action string) (Result, error)
}

// Filter applies capability checks to tool lists.
type Filter struct {
	store  CapabilityStore
	mode   Mode
	bus    signalbus.Bus
	logger *slog.Logger
}

// New builds a filter. A nil store disables authorization: every call is an
// identity filter.
func New(store CapabilityStore, mode Mode, bus signalbus.Bus, logger *slog.Logger) *Filter {
	if mode == "" {
		mode = ModeProd
	}
	if bus == nil {
		bus = signalbus.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{
		store:  store,
		mode:   mode,
		bus:    bus,
		logger: logger.With("component", "authz"),
	}
}

// Allowed returns the tools the agent may execute, preserving input order.
// Each tool maps to resource "actions/execute/<tool>" with action
// "execute". Denied tools produce one aggregated signal per call; check
// failures deny and log at warning.
func (f *Filter) Allowed(ctx context.Context, agentID string, tools []string) []string {
	if agentID == "" || f.store == nil || len(tools) == 0 {
		return tools
	}

	allowed := make([]string, 0, len(tools))
	var denied []string
	for _, tool := range tools {
		resource := "actions/execute/" + tool
		res, err := f.store.Authorize(ctx, agentID, resource, "execute")
		if err != nil {
			f.logger.Warn("authorization check failed, denying",
				"agent_id", agentID, "tool", tool, "error", err)
			denied = append(denied, tool)
			continue
		}
		switch res.Decision {
		case DecisionAuthorized:
			allowed = append(allowed, tool)
		case DecisionStoreUnavailable:
			if f.mode == ModeDev {
				allowed = append(allowed, tool)
			} else {
				denied = append(denied, tool)
			}
		default:
			denied = append(denied, tool)
		}
	}

	if len(denied) > 0 {
		f.bus.Emit("ai", "tool_authorization_denied", map[string]any{
			"agent_id": agentID,
			"tools":    denied,
		})
	}
	return allowed
}

// StaticStore is an in-memory capability table: agent id to the set of
// tools it may execute. "*" grants everything.
type StaticStore struct {
	mu     sync.RWMutex
	grants map[string]map[string]bool
}

// NewStaticStore builds a store from agent-to-tools grants.
func NewStaticStore(grants map[string][]string) *StaticStore {
	s := &StaticStore{grants: make(map[string]map[string]bool)}
	for agent, tools := range grants {
		set := make(map[string]bool, len(tools))
		for _, t := range tools {
			set[t] = true
		}
		s.grants[agent] = set
	}
	return s
}

// Grant adds one tool to an agent's set.
func (s *StaticStore) Grant(agentID, tool string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.grants[agentID]
	if !ok {
		set = make(map[string]bool)
		s.grants[agentID] = set
	}
	set[tool] = true
}

// Authorize answers tool-execution checks ("actions/execute/<tool>",
// granted by bare tool name) and dispatch checks ("ai/request/<provider>",
// granted by full resource path). "*" grants everything. Unknown agents are
// unauthorized rather than errors, and the static store never parks a check
// as pending.
func (s *StaticStore) Authorize(ctx context.Context, agentID, resource, action string) (Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.grants[agentID]
	if !ok {
		return Result{Decision: DecisionUnauthorized}, nil
	}
	if set["*"] || set[resource] {
		return Result{Decision: DecisionAuthorized}, nil
	}
	if action == "execute" {
		const prefix = "actions/execute/"
		if strings.HasPrefix(resource, prefix) && set[strings.TrimPrefix(resource, prefix)] {
			return Result{Decision: DecisionAuthorized}, nil
		}
	}
	return Result{Decision: DecisionUnauthorized}, nil
}
