package demo

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/switchyard-ai/switchyard/internal/signalbus"
)

const (
	queueCapacity  = 1024
	leakThreshold  = 256 << 20
	crashTolerance = 3
)

// subsystems is the simulated process state the faults degrade and the
// fixes remediate.
type subsystems struct {
	queueDepth  int
	leakedBytes int64
	crashLoops  int
}

type activeFault struct {
	Fault
	// fix attempts that fail before one takes
	stubborn int
}

// Injector owns the simulated subsystems. Inject degrades one of them and
// announces the fault on the bus; Apply remediates through the same state
// so a verify stage observes a real recovery.
type Injector struct {
	bus    signalbus.Bus
	logger *slog.Logger

	mu     sync.Mutex
	sys    subsystems
	active map[string]*activeFault
}

// NewInjector creates an injector with healthy subsystems.
func NewInjector(bus signalbus.Bus, logger *slog.Logger) *Injector {
	if bus == nil {
		bus = signalbus.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Injector{
		bus:    bus,
		logger: logger.With("component", "demo"),
		active: make(map[string]*activeFault),
	}
}

// Inject degrades the subsystem behind kind and emits demo.fault_injected
// carrying the new correlation id.
func (i *Injector) Inject(kind FaultKind) (Fault, error) {
	f := activeFault{Fault: Fault{Kind: kind, CorrelationID: uuid.NewString()}}

	i.mu.Lock()
	switch kind {
	case FaultQueueFlood:
		f.Module = "ingest_queue"
		f.Action = "drain_backlog"
		i.sys.queueDepth = queueCapacity * 10
	case FaultWorkerLeak:
		f.Module = "embed_worker"
		f.Action = "restart_worker"
		f.stubborn = 1
		i.sys.leakedBytes = 2 * leakThreshold
	case FaultSupervisorCrash:
		f.Module = "dispatch_supervisor"
		f.Action = "raise_restart_intensity"
		i.sys.crashLoops = 17
	default:
		i.mu.Unlock()
		return Fault{}, fmt.Errorf("demo: unknown fault kind %q", kind)
	}
	i.active[f.CorrelationID] = &f
	i.mu.Unlock()

	i.logger.Info("fault injected", "fault", string(kind), "module", f.Module, "correlation_id", f.CorrelationID)
	i.bus.Emit("demo", "fault_injected", map[string]any{
		"fault":          string(kind),
		"module":         f.Module,
		"correlation_id": f.CorrelationID,
	})
	return f.Fault, nil
}

// Apply runs a proposal against the degraded subsystem. Stubborn faults
// absorb their first attempts; a proposal aimed at the wrong module never
// heals anything.
func (i *Injector) Apply(p Proposal) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	f, ok := i.active[p.CorrelationID]
	if !ok {
		return fmt.Errorf("demo: no active fault for correlation id %s", p.CorrelationID)
	}
	if p.Module != f.Module {
		return fmt.Errorf("demo: proposal targets %q but the fault degrades %q", p.Module, f.Module)
	}
	if f.stubborn > 0 {
		f.stubborn--
		return fmt.Errorf("demo: %s did not take, %s still degraded", p.Action, f.Module)
	}

	switch f.Kind {
	case FaultQueueFlood:
		i.sys.queueDepth = 0
	case FaultWorkerLeak:
		i.sys.leakedBytes = 0
	case FaultSupervisorCrash:
		i.sys.crashLoops = 0
	}
	delete(i.active, p.CorrelationID)
	return nil
}

// Healthy reports whether a module is inside its tolerances. Modules the
// injector does not simulate are healthy.
func (i *Injector) Healthy(module string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch module {
	case "ingest_queue":
		return i.sys.queueDepth <= queueCapacity
	case "embed_worker":
		return i.sys.leakedBytes < leakThreshold
	case "dispatch_supervisor":
		return i.sys.crashLoops < crashTolerance
	default:
		return true
	}
}

// Lookup returns the active fault for a correlation id.
func (i *Injector) Lookup(correlationID string) (Fault, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	f, ok := i.active[correlationID]
	if !ok {
		return Fault{}, false
	}
	return f.Fault, true
}

// Active lists faults that have not been remediated or resolved.
func (i *Injector) Active() []Fault {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Fault, 0, len(i.active))
	for _, f := range i.active {
		out = append(out, f.Fault)
	}
	return out
}

// Resolve clears a fault without remediating, the manual-review path for
// rejected fixes. The subsystem is restored to its tolerances.
func (i *Injector) Resolve(correlationID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	f, ok := i.active[correlationID]
	if !ok {
		return
	}
	switch f.Kind {
	case FaultQueueFlood:
		i.sys.queueDepth = 0
	case FaultWorkerLeak:
		i.sys.leakedBytes = 0
	case FaultSupervisorCrash:
		i.sys.crashLoops = 0
	}
	delete(i.active, correlationID)
}
