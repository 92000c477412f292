package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/switchyard-ai/switchyard/internal/budget"
	"github.com/switchyard-ai/switchyard/internal/sessionpool"
	"github.com/switchyard-ai/switchyard/internal/toolloop"
	"github.com/switchyard-ai/switchyard/internal/transport"
)

// Kind discriminates terminal dispatch failures. The set is closed: callers
// switch on Kind, and additions land here rather than in ad-hoc strings.
type Kind string

const (
	// KindUnauthorized means the capability store denied the agent.
	KindUnauthorized Kind = "unauthorized"
	// KindUnknownProvider means the provider is neither cataloged nor
	// registered with an adapter.
	KindUnknownProvider Kind = "unknown_provider"
	// KindUnknownModel means no model was requested and none could be
	// resolved from config or catalog defaults.
	KindUnknownModel Kind = "unknown_model"
	// KindAdapterUnavailable means the provider is known but no adapter is
	// configured for it in this process.
	KindAdapterUnavailable Kind = "adapter_unavailable"
	// KindTransport covers subprocess port failures: not ready, process
	// exit, reconnect exhaustion, buffer overflow.
	KindTransport Kind = "transport"
	// KindTimeout means the request deadline elapsed.
	KindTimeout Kind = "timeout"
	// KindCanceled means the caller's context was canceled mid-flight.
	KindCanceled Kind = "canceled"
	// KindHookDenied means a pre-tool hook rejected a call.
	KindHookDenied Kind = "hook_denied"
	// KindPermissionDenied means tool authorization rejected a call.
	KindPermissionDenied Kind = "permission_denied"
	// KindToolError means a tool handler failed.
	KindToolError Kind = "tool_error"
	// KindMaxTurns means the tool loop hit its turn budget. The response
	// returned alongside carries everything accumulated so far.
	KindMaxTurns Kind = "max_turns"
	// KindPoolExhausted means the session pool is at capacity.
	KindPoolExhausted Kind = "pool_exhausted"
	// KindSpawnFailed means a session subprocess could not be started.
	KindSpawnFailed Kind = "spawn_failed"
	// KindBudgetExceeded means today's spend has reached the daily cap.
	KindBudgetExceeded Kind = "budget_exceeded"
	// KindCLINotFound means the session CLI binary is not installed.
	KindCLINotFound Kind = "cli_not_found"
	// KindInvalidRequest means the request is malformed before any
	// provider was contacted.
	KindInvalidRequest Kind = "invalid_request"
	// KindProviderError means the upstream API call itself failed.
	KindProviderError Kind = "provider_error"
)

// Error is the dispatcher's terminal failure. Kind is the contract; the
// remaining fields carry the structured payload for the kinds that have
// one, and Err preserves the cause for errors.Is and errors.As.
type Error struct {
	Kind      Kind
	Provider  string
	Model     string
	Tool      string
	Reason    string
	TimeoutMS int64
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("dispatch: ")
	b.WriteString(string(e.Kind))
	if e.Provider != "" {
		fmt.Fprintf(&b, " provider=%s", e.Provider)
	}
	if e.Model != "" {
		fmt.Fprintf(&b, " model=%s", e.Model)
	}
	if e.Tool != "" {
		fmt.Fprintf(&b, " tool=%s", e.Tool)
	}
	if e.TimeoutMS > 0 {
		fmt.Fprintf(&b, " after=%dms", e.TimeoutMS)
	}
	switch {
	case e.Reason != "":
		b.WriteString(": ")
		b.WriteString(e.Reason)
	case e.Err != nil:
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from any error chain. Errors that did not pass
// through the dispatcher classify on the fly; nil returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return classify(err, 0).Kind
}

// classify wraps a collaborator error in the dispatch taxonomy. Errors that
// are already an *Error pass through unchanged. timeoutMS stamps the
// deadline budget onto timeout variants.
func classify(err error, timeoutMS int64) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}

	var spawn *sessionpool.SpawnError
	var proc *transport.ProcessError
	var reconn *transport.ReconnectFailedError

	switch {
	case errors.Is(err, budget.ErrExceeded):
		return &Error{Kind: KindBudgetExceeded, Err: err}
	case errors.Is(err, sessionpool.ErrPoolExhausted):
		return &Error{Kind: KindPoolExhausted, Err: err}
	case errors.Is(err, transport.ErrCLINotFound):
		return &Error{Kind: KindCLINotFound, Err: err}
	case errors.As(err, &spawn):
		return &Error{Kind: KindSpawnFailed, Provider: string(spawn.Provider), Err: err}
	case errors.Is(err, toolloop.ErrMaxTurns):
		return &Error{Kind: KindMaxTurns, Err: err}
	case errors.Is(err, transport.ErrNotReady), errors.Is(err, transport.ErrBufferOverflow):
		return &Error{Kind: KindTransport, Err: err}
	case errors.As(err, &proc), errors.As(err, &reconn):
		return &Error{Kind: KindTransport, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, TimeoutMS: timeoutMS, Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCanceled, Err: err}
	}
	return &Error{Kind: KindProviderError, Err: err}
}
