package demo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/switchyard-ai/switchyard/internal/dispatch"
	"github.com/switchyard-ai/switchyard/internal/signalbus"
)

// Diagnoser writes the human-readable summary attached to fix proposals.
type Diagnoser interface {
	Diagnose(ctx context.Context, f Fault) (string, error)
}

// DiagnoserFunc adapts a function to the Diagnoser interface.
type DiagnoserFunc func(ctx context.Context, f Fault) (string, error)

func (fn DiagnoserFunc) Diagnose(ctx context.Context, f Fault) (string, error) {
	return fn(ctx, f)
}

// DispatchDiagnoser asks a model for the diagnosis through the full request
// path, so a demo run exercises dispatch accounting end to end.
type DispatchDiagnoser struct {
	Client   *dispatch.Dispatcher
	Provider string
	Model    string
}

func (d *DispatchDiagnoser) Diagnose(ctx context.Context, f Fault) (string, error) {
	prompt := fmt.Sprintf(
		"A %s fault is degrading the %s module. Summarize the failure and the safest remediation in two sentences.",
		f.Kind, f.Module)
	resp, err := d.Client.Generate(ctx, prompt, dispatch.Options{
		Provider:  d.Provider,
		Model:     d.Model,
		MaxTokens: 256,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// OrchestratorConfig bounds the heal pipeline.
type OrchestratorConfig struct {
	// MaxAttempts is how many fix proposals one fault gets. Default 2.
	MaxAttempts int
	// StageTimeout bounds one full heal pass. Default 30s.
	StageTimeout time.Duration
}

// Orchestrator listens for injected faults and walks each through the heal
// pipeline: detect, diagnose, propose, evaluate, apply, verify. Every stage
// is announced on the demo signal category under the fault's correlation
// id; the terminal stage is verify, rejected, or fix_failed.
type Orchestrator struct {
	injector  *Injector
	evaluator *Evaluator
	diagnoser Diagnoser
	bus       signalbus.Bus
	logger    *slog.Logger
	cfg       OrchestratorConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	subID string
}

// NewOrchestrator wires the pipeline. A nil diagnoser falls back to a
// canned summary.
func NewOrchestrator(injector *Injector, evaluator *Evaluator, diagnoser Diagnoser, bus signalbus.Bus, logger *slog.Logger, cfg OrchestratorConfig) *Orchestrator {
	if evaluator == nil {
		evaluator = NewEvaluator(DefaultProtected())
	}
	if bus == nil {
		bus = signalbus.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		injector:  injector,
		evaluator: evaluator,
		diagnoser: diagnoser,
		bus:       bus,
		logger:    logger.With("component", "demo"),
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to fault announcements. Each fault heals on its own
// goroutine so the emitter is never blocked.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.subID != "" {
		return
	}
	o.subID = o.bus.Subscribe("demo.fault_injected", func(s signalbus.Signal) {
		cid, _ := s.Data["correlation_id"].(string)
		f, ok := o.injector.Lookup(cid)
		if !ok {
			return
		}
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.heal(f)
		}()
	})
}

// Close stops listening and waits for in-flight heals to reach a terminal
// stage.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.subID != "" {
		o.bus.Unsubscribe(o.subID)
		o.subID = ""
	}
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) heal(f Fault) {
	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.StageTimeout)
	defer cancel()

	o.emit("detected", f, map[string]any{"fault": string(f.Kind), "module": f.Module})

	summary := o.diagnose(ctx, f)
	o.emit("diagnosis", f, map[string]any{"summary": summary})

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			o.emit("fix_failed", f, map[string]any{
				"decision": string(DecisionFailed),
				"reason":   ctx.Err().Error(),
			})
			return
		}

		p := Proposal{
			ID:            uuid.NewString(),
			CorrelationID: f.CorrelationID,
			Module:        f.Module,
			Action:        f.Action,
			Summary:       summary,
		}
		o.emit("proposal", f, map[string]any{
			"proposal_id": p.ID,
			"module":      p.Module,
			"action":      p.Action,
			"attempt":     attempt,
		})

		v := o.evaluator.Evaluate(p)
		o.emit("evaluation", f, map[string]any{
			"proposal_id": p.ID,
			"approved":    v.Approved,
			"reason":      v.Reason,
		})
		if !v.Approved {
			o.logger.Info("fix rejected", "module", f.Module, "reason", v.Reason)
			o.emit("rejected", f, map[string]any{
				"decision": string(DecisionRejected),
				"reason":   v.Reason,
			})
			return
		}

		if err := o.injector.Apply(p); err != nil {
			o.logger.Warn("fix attempt failed", "module", f.Module, "attempt", attempt, "error", err)
			o.emit("apply_failed", f, map[string]any{"attempt": attempt, "error": err.Error()})
			continue
		}
		if !o.injector.Healthy(f.Module) {
			o.emit("apply_failed", f, map[string]any{
				"attempt": attempt,
				"error":   fmt.Sprintf("%s still degraded after %s", f.Module, p.Action),
			})
			continue
		}

		o.logger.Info("fault healed", "module", f.Module, "attempts", attempt)
		o.emit("verify", f, map[string]any{
			"decision": string(DecisionHealed),
			"module":   f.Module,
			"attempts": attempt,
		})
		return
	}

	o.emit("fix_failed", f, map[string]any{
		"decision": string(DecisionFailed),
		"attempts": o.cfg.MaxAttempts,
	})
}

func (o *Orchestrator) diagnose(ctx context.Context, f Fault) string {
	if o.diagnoser != nil {
		summary, err := o.diagnoser.Diagnose(ctx, f)
		if err != nil {
			o.logger.Warn("diagnosis failed, using canned summary", "fault", string(f.Kind), "error", err)
		} else if summary != "" {
			return summary
		}
	}
	return fmt.Sprintf("%s is degrading %s, proposing %s", f.Kind, f.Module, f.Action)
}

func (o *Orchestrator) emit(typ string, f Fault, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["correlation_id"] = f.CorrelationID
	o.bus.Emit("demo", typ, data)
}
