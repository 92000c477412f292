package authz

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/switchyard-ai/switchyard/internal/signalbus"
)

type scriptedStore struct {
	decisions map[string]Decision
	err       error
	calls     int
}

func (s *scriptedStore) Authorize(ctx context.Context, agentID, resource, action string) (Result, error) {
	s.calls++
	if s.err != nil {
		return Result{}, s.err
	}
	if d, ok := s.decisions[resource]; ok {
		return Result{Decision: d}, nil
	}
	return Result{Decision: DecisionUnauthorized}, nil
}

type signalRecorder struct {
	mu      sync.Mutex
	signals []signalbus.Signal
}

func (r *signalRecorder) record(sig signalbus.Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, sig)
}

func (r *signalRecorder) all() []signalbus.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]signalbus.Signal(nil), r.signals...)
}

func TestAllowedIdentityWithoutAgent(t *testing.T) {
	store := &scriptedStore{}
	f := New(store, ModeProd, nil, nil)

	tools := []string{"read", "write"}
	got := f.Allowed(context.Background(), "", tools)
	if !reflect.DeepEqual(got, tools) {
		t.Errorf("Allowed() = %v, want identity %v", got, tools)
	}
	if store.calls != 0 {
		t.Errorf("store calls = %d, want 0", store.calls)
	}
}

func TestAllowedIdentityWithoutStore(t *testing.T) {
	f := New(nil, ModeProd, nil, nil)
	tools := []string{"read"}
	if got := f.Allowed(context.Background(), "agent-1", tools); !reflect.DeepEqual(got, tools) {
		t.Errorf("Allowed() = %v, want identity %v", got, tools)
	}
}

func TestAllowedFiltersAndPreservesOrder(t *testing.T) {
	store := &scriptedStore{decisions: map[string]Decision{
		"actions/execute/read":  DecisionAuthorized,
		"actions/execute/rm":    DecisionUnauthorized,
		"actions/execute/fetch": DecisionAuthorized,
		"actions/execute/ship":  DecisionPendingApproval,
	}}
	f := New(store, ModeProd, nil, nil)

	got := f.Allowed(context.Background(), "agent-1", []string{"read", "rm", "fetch", "ship"})
	want := []string{"read", "fetch"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Allowed() = %v, want %v", got, want)
	}
}

func TestAllowedEmitsOneAggregatedSignal(t *testing.T) {
	store := &scriptedStore{decisions: map[string]Decision{
		"actions/execute/read": DecisionAuthorized,
	}}
	bus := signalbus.New(nil)
	rec := &signalRecorder{}
	bus.Subscribe("ai.*", rec.record)
	f := New(store, ModeProd, bus, nil)

	f.Allowed(context.Background(), "agent-1", []string{"read", "rm", "ship"})

	signals := rec.all()
	if len(signals) != 1 {
		t.Fatalf("signal count = %d, want 1 aggregated signal", len(signals))
	}
	sig := signals[0]
	if sig.Type != "tool_authorization_denied" {
		t.Errorf("signal type = %q, want tool_authorization_denied", sig.Type)
	}
	deniedAny, ok := sig.Data["tools"].([]string)
	if !ok {
		t.Fatalf("signal tools payload = %T, want []string", sig.Data["tools"])
	}
	if !reflect.DeepEqual(deniedAny, []string{"rm", "ship"}) {
		t.Errorf("denied tools = %v, want [rm ship]", deniedAny)
	}
	if sig.Data["agent_id"] != "agent-1" {
		t.Errorf("agent_id = %v, want agent-1", sig.Data["agent_id"])
	}
}

func TestAllowedNoSignalWhenNothingDenied(t *testing.T) {
	store := &scriptedStore{decisions: map[string]Decision{
		"actions/execute/read": DecisionAuthorized,
	}}
	bus := signalbus.New(nil)
	rec := &signalRecorder{}
	bus.Subscribe("ai.*", rec.record)
	f := New(store, ModeProd, bus, nil)

	f.Allowed(context.Background(), "agent-1", []string{"read"})
	if n := len(rec.all()); n != 0 {
		t.Errorf("signal count = %d, want 0", n)
	}
}

func TestAllowedStoreUnavailable(t *testing.T) {
	tests := []struct {
		name string
		mode Mode
		want []string
	}{
		{name: "dev keeps working", mode: ModeDev, want: []string{"read"}},
		{name: "prod fails closed", mode: ModeProd, want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &scriptedStore{decisions: map[string]Decision{
				"actions/execute/read": DecisionStoreUnavailable,
			}}
			f := New(store, tt.mode, nil, nil)
			got := f.Allowed(context.Background(), "agent-1", []string{"read"})
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Allowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAllowedCheckFailureDeniesTool(t *testing.T) {
	store := &scriptedStore{err: errors.New("store down")}
	bus := signalbus.New(nil)
	rec := &signalRecorder{}
	bus.Subscribe("ai.*", rec.record)
	f := New(store, ModeDev, bus, nil)

	got := f.Allowed(context.Background(), "agent-1", []string{"read"})
	if len(got) != 0 {
		t.Errorf("Allowed() = %v, want empty on check failure", got)
	}
	if n := len(rec.all()); n != 1 {
		t.Errorf("signal count = %d, want 1", n)
	}
}

func TestStaticStore(t *testing.T) {
	store := NewStaticStore(map[string][]string{
		"agent-1": {"read", "fetch"},
		"admin":   {"*"},
	})

	tests := []struct {
		name     string
		agentID  string
		resource string
		action   string
		want     Decision
	}{
		{name: "granted", agentID: "agent-1", resource: "actions/execute/read", action: "execute", want: DecisionAuthorized},
		{name: "not granted", agentID: "agent-1", resource: "actions/execute/rm", action: "execute", want: DecisionUnauthorized},
		{name: "wildcard", agentID: "admin", resource: "actions/execute/anything", action: "execute", want: DecisionAuthorized},
		{name: "unknown agent", agentID: "ghost", resource: "actions/execute/read", action: "execute", want: DecisionUnauthorized},
		{name: "wildcard covers dispatch", agentID: "admin", resource: "ai/request/anthropic", action: "request", want: DecisionAuthorized},
		{name: "dispatch not granted", agentID: "agent-1", resource: "ai/request/anthropic", action: "request", want: DecisionUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Authorize(context.Background(), tt.agentID, tt.resource, tt.action)
			if err != nil {
				t.Fatalf("Authorize() error = %v", err)
			}
			if got.Decision != tt.want {
				t.Errorf("Authorize() = %v, want %v", got.Decision, tt.want)
			}
		})
	}

	store.Grant("agent-1", "ship")
	got, err := store.Authorize(context.Background(), "agent-1", "actions/execute/ship", "execute")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if got.Decision != DecisionAuthorized {
		t.Errorf("Authorize() after Grant = %v, want authorized", got.Decision)
	}

	store.Grant("agent-1", "ai/request/openai")
	got, err = store.Authorize(context.Background(), "agent-1", "ai/request/openai", "request")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if got.Decision != DecisionAuthorized {
		t.Errorf("Authorize() dispatch grant = %v, want authorized", got.Decision)
	}
}
