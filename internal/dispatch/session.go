package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/switchyard-ai/switchyard/internal/catalog"
	"github.com/switchyard-ai/switchyard/internal/streamparse"
	"github.com/switchyard-ai/switchyard/internal/transport"
	"github.com/switchyard-ai/switchyard/pkg/models"
)

// QueryWorker is the slice of the session transport the dispatcher drives.
// *transport.Transport satisfies it; tests substitute a scripted fake.
type QueryWorker interface {
	SendQuery(prompt string) (string, error)
	Events() <-chan transport.Event
}

// runSession checks a session out of the pool, sends one query, and waits
// for its result. The handle goes back to the pool on a clean result and is
// destroyed when the query dies with it.
func (d *Dispatcher) runSession(ctx context.Context, id catalog.ProviderID, model, prompt string) (*models.Response, error) {
	if d.pool == nil {
		return nil, &Error{Kind: KindAdapterUnavailable, Provider: string(id), Reason: "no session pool configured"}
	}
	h, err := d.pool.Checkout(ctx, id)
	if err != nil {
		return nil, err
	}
	worker, ok := h.Worker.(QueryWorker)
	if !ok {
		d.pool.Checkin(h)
		return nil, &Error{Kind: KindAdapterUnavailable, Provider: string(id), Reason: fmt.Sprintf("pooled worker %T cannot run queries", h.Worker)}
	}

	ref, err := worker.SendQuery(prompt)
	if err != nil {
		d.pool.Checkin(h)
		return nil, err
	}

	// Reassemble the turn locally so a transport death mid-query still
	// yields whatever text and thinking already streamed.
	parser := streamparse.New()
	for {
		select {
		case <-ctx.Done():
			// Destroy the session with its in-flight query; a checked-in
			// session with a poisoned pending query must not be reused.
			d.pool.CloseSession(h)
			return nil, ctx.Err()
		case ev, open := <-worker.Events():
			if !open {
				d.pool.CloseSession(h)
				return d.partialOrError(parser, id, model, &Error{Kind: KindTransport, Provider: string(id), Reason: "transport closed"})
			}
			switch ev.Type {
			case transport.EventAssistant:
				if ev.QueryRef == ref && ev.Payload != nil {
					parser.Feed(*ev.Payload)
				}
			case transport.EventResult:
				if ev.QueryRef != ref || ev.Turn == nil {
					continue
				}
				d.pool.Checkin(h)
				return sessionResponse(ev.Turn, id, model), nil
			case transport.EventError:
				if ev.QueryRef != "" && ev.QueryRef != ref {
					continue
				}
				// The transport may still recover on its own reconnect
				// schedule; hand the session back and let the pool's
				// monitor reap it if the process is gone for good.
				d.pool.Checkin(h)
				derr := &Error{Kind: KindTransport, Provider: string(id), Reason: "transport error"}
				if ev.Err != nil {
					derr = classify(ev.Err, 0)
				}
				return d.partialOrError(parser, id, model, derr)
			case transport.EventClosed:
				d.pool.CloseSession(h)
				reason := ev.Reason
				if reason == "" {
					reason = "transport closed"
				}
				return d.partialOrError(parser, id, model, &Error{Kind: KindTransport, Provider: string(id), Reason: reason})
			}
		}
	}
}

// partialOrError returns the partial response when the dead query already
// produced text or thinking, otherwise the error. The partial is marked
// with FinishError and carries the transport failure in Raw.
func (d *Dispatcher) partialOrError(parser *streamparse.Parser, id catalog.ProviderID, model string, derr *Error) (*models.Response, error) {
	turn := parser.Finalize()
	if turn.Text == "" && len(turn.Thinking) == 0 {
		return nil, derr
	}
	resp := sessionResponse(&turn, id, model)
	resp.FinishReason = models.FinishError
	resp.Raw = map[string]any{"transport_error": derr.Error()}
	d.logger.Warn("returning partial response after transport failure",
		"provider", string(id), "kind", string(derr.Kind), "text_len", len(turn.Text))
	return resp, nil
}

func sessionResponse(t *streamparse.Turn, id catalog.ProviderID, model string) *models.Response {
	usage := t.Usage
	if usage.CostUSD == 0 {
		usage.CostUSD = t.CostUSD
	}
	resp := &models.Response{
		Text:         t.Text,
		Thinking:     t.Thinking,
		ToolUses:     t.ToolUses,
		Usage:        usage,
		SessionID:    t.SessionID,
		Model:        t.Model,
		Provider:     string(id),
		FinishReason: models.FinishStop,
		Turns:        1,
	}
	if resp.Model == "" {
		resp.Model = model
	}
	if t.DurationMS > 0 {
		resp.Timing.Duration = time.Duration(t.DurationMS) * time.Millisecond
	}
	return resp
}
