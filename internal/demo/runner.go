package demo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/switchyard-ai/switchyard/internal/signalbus"
)

// Result is the outcome of one scenario run.
type Result struct {
	Scenario      string
	CorrelationID string
	Expected      Decision
	Observed      Decision
	Pass          bool
	// Stages holds the pipeline signal types in arrival order.
	Stages  []string
	Elapsed time.Duration
}

// Runner drives scenarios: it subscribes to the demo category, injects the
// scenario's fault, waits for a terminal stage, and compares the observed
// decision to the expected one.
type Runner struct {
	bus      signalbus.Bus
	injector *Injector
	logger   *slog.Logger
	timeout  time.Duration
}

// NewRunner creates a runner. A zero timeout defaults to 10s per scenario.
func NewRunner(bus signalbus.Bus, injector *Injector, logger *slog.Logger, timeout time.Duration) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Runner{
		bus:      bus,
		injector: injector,
		logger:   logger.With("component", "demo"),
		timeout:  timeout,
	}
}

// Run executes one scenario. The subscription is in place before the fault
// is injected so no stage can be missed. A missing terminal stage within
// the timeout is an error; a wrong decision is a Result with Pass false.
func (r *Runner) Run(ctx context.Context, sc Scenario) (*Result, error) {
	sigs := make(chan signalbus.Signal, 128)
	sub := r.bus.Subscribe("demo.*", func(s signalbus.Signal) {
		select {
		case sigs <- s:
		default:
			// never block the bus
		}
	})
	defer r.bus.Unsubscribe(sub)

	start := time.Now()
	fault, err := r.injector.Inject(sc.Fault)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Scenario:      sc.Name,
		CorrelationID: fault.CorrelationID,
		Expected:      sc.Expected,
	}
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			res.Elapsed = time.Since(start)
			return res, ctx.Err()
		case <-timer.C:
			res.Elapsed = time.Since(start)
			return res, fmt.Errorf("demo: scenario %s reached no terminal stage within %s", sc.Name, r.timeout)
		case s := <-sigs:
			cid, _ := s.Data["correlation_id"].(string)
			if cid != fault.CorrelationID {
				continue
			}
			res.Stages = append(res.Stages, s.Type)
			switch s.Type {
			case "verify", "rejected", "fix_failed":
				if d, ok := s.Data["decision"].(string); ok {
					res.Observed = Decision(d)
				}
				res.Pass = res.Observed == sc.Expected
				res.Elapsed = time.Since(start)
				r.logger.Info("scenario finished",
					"scenario", sc.Name,
					"observed", string(res.Observed),
					"expected", string(sc.Expected),
					"pass", res.Pass,
					"elapsed", res.Elapsed)
				return res, nil
			}
		}
	}
}

// RunAll executes the canonical scenarios in order. Scenario errors are
// recorded on the result and do not stop the run; a canceled context does.
func (r *Runner) RunAll(ctx context.Context) ([]*Result, error) {
	results := make([]*Result, 0, len(Scenarios()))
	for _, sc := range Scenarios() {
		res, err := r.Run(ctx, sc)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			r.logger.Warn("scenario error", "scenario", sc.Name, "error", err)
		}
	}
	return results, nil
}
