// Package demo is the fault-injection harness behind the demo command. It
// simulates three recoverable subsystem faults, runs a small heal pipeline
// over the signal bus, and checks that each canned scenario reaches the
// terminal stage it promises.
package demo

// FaultKind identifies an injectable fault.
type FaultKind string

const (
	// FaultQueueFlood pushes the ingest queue far past capacity.
	FaultQueueFlood FaultKind = "queue_flood"
	// FaultWorkerLeak grows the embed worker's resident memory until it
	// degrades. The wedged worker survives its first restart.
	FaultWorkerLeak FaultKind = "worker_leak"
	// FaultSupervisorCrash drives the dispatch supervisor into a crash
	// loop. Its fix targets a protected module and is always rejected.
	FaultSupervisorCrash FaultKind = "supervisor_crash"
)

// Fault is one injected fault instance. The correlation id ties every
// signal of its heal pipeline together.
type Fault struct {
	Kind          FaultKind
	CorrelationID string
	Module        string
	Action        string
}

// Proposal is a remediation the orchestrator wants to apply.
type Proposal struct {
	ID            string
	CorrelationID string
	Module        string
	Action        string
	Summary       string
}

// Decision is the terminal outcome of one heal pipeline.
type Decision string

const (
	DecisionHealed   Decision = "healed"
	DecisionRejected Decision = "rejected"
	DecisionFailed   Decision = "fix_failed"
)

// Scenario pairs a fault with the decision its pipeline must reach.
type Scenario struct {
	Name     string
	Fault    FaultKind
	Expected Decision
}

// Scenarios returns the canonical set driven by the demo command, in run
// order.
func Scenarios() []Scenario {
	return []Scenario{
		{Name: "successful_heal", Fault: FaultQueueFlood, Expected: DecisionHealed},
		{Name: "rejected_fix", Fault: FaultSupervisorCrash, Expected: DecisionRejected},
		{Name: "second_success", Fault: FaultWorkerLeak, Expected: DecisionHealed},
	}
}

// ScenarioByName looks up a canonical scenario.
func ScenarioByName(name string) (Scenario, bool) {
	for _, sc := range Scenarios() {
		if sc.Name == name {
			return sc, true
		}
	}
	return Scenario{}, false
}
