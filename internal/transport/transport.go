// Package transport owns one long-lived subprocess speaking NDJSON over
// stdio. A single goroutine runs the state machine; public methods post
// commands to it, so no state is ever touched from two goroutines.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/switchyard-ai/switchyard/internal/observability"
	"github.com/switchyard-ai/switchyard/internal/streamparse"
)

// State is the lifecycle position of one transport.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateQuerying     State = "querying"
	StateReconnecting State = "reconnecting"
)

// EventType tags notifications on the receiver channel.
type EventType string

const (
	// EventReady fires once after a successful spawn or respawn.
	EventReady EventType = "transport_ready"
	// EventAssistant forwards one decoded assistant line wholesale.
	EventAssistant EventType = "assistant"
	// EventThinkingComplete is synthesized when a content_block_stop seals
	// accumulated thinking.
	EventThinkingComplete EventType = "thinking_complete"
	// EventResult carries the accumulated turn and ends the query.
	EventResult EventType = "result"
	// EventClosed fires when the transport reaches disconnected.
	EventClosed EventType = "transport_closed"
	// EventError carries query failures and reconnect exhaustion.
	EventError EventType = "transport_error"
)

// Event is one notification to the receiver. Assistant and result events are
// tagged with the query they belong to; events for different queries never
// interleave.
type Event struct {
	Type      EventType
	QueryRef  string
	SessionID string
	Payload   *streamparse.Event
	Turn      *streamparse.Turn
	Err       error
	Reason    string
}

// ErrNotReady is returned by SendQuery whenever the transport is not in the
// ready state, including after it has terminated.
var ErrNotReady = fmt.Errorf("transport: not ready")

// ErrBufferOverflow reports that the stdout buffer exceeded its cap. The
// buffer is cleared and the transport keeps running.
var ErrBufferOverflow = fmt.Errorf("transport: buffer overflow")

// ProcessError reports a subprocess exit observed while a query was in
// flight.
type ProcessError struct {
	ExitCode int
	Stderr   string
}

func (e *ProcessError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("transport: process exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("transport: process exited with code %d: %s", e.ExitCode, e.Stderr)
}

// ReconnectFailedError reports that every respawn attempt failed.
type ReconnectFailedError struct {
	Attempts int
}

func (e *ReconnectFailedError) Error() string {
	return fmt.Sprintf("transport: reconnect failed after %d attempts", e.Attempts)
}

type sendQueryCmd struct {
	prompt string
	reply  chan sendQueryResult
}

type sendQueryResult struct {
	ref string
	err error
}

type closeCmd struct {
	reply chan struct{}
}

// chunkMsg and exitMsg are posted by the per-process goroutines. The gen
// field drops messages from superseded processes.
type chunkMsg struct {
	gen  int
	data []byte
}

type exitMsg struct {
	gen    int
	code   int
	stderr string
}

// Transport is the handle for one subprocess session.
type Transport struct {
	opts    Options
	runner  Runner
	logger  *slog.Logger
	metrics *observability.Metrics

	commands chan any
	inbox    chan any
	events   chan Event

	// closing is shut at the start of Close so a blocked emit lets go;
	// stopped is shut when the state machine terminates.
	closing   chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	stopOnce  sync.Once

	mu        sync.RWMutex
	started   bool
	state     State
	sessionID string
	queryRef  string
}

// New builds a transport around opts. Call Start to spawn the subprocess.
func New(opts Options, runner Runner, logger *slog.Logger, metrics *observability.Metrics) *Transport {
	opts = opts.withDefaults()
	if runner == nil {
		runner = NewExecRunner()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		opts:     opts,
		runner:   runner,
		logger:   logger.With("component", "transport", "provider", string(opts.Provider)),
		metrics:  metrics,
		commands: make(chan any),
		inbox:    make(chan any, 64),
		events:   make(chan Event, opts.EventBuffer),
		closing:  make(chan struct{}),
		stopped:  make(chan struct{}),
		state:    StateDisconnected,
	}
}

// Events is the receiver channel. It closes when the transport terminates.
// The caller must drain it; the state machine pauses when it fills up.
func (t *Transport) Events() <-chan Event {
	return t.events
}

// State returns a point-in-time snapshot.
func (t *Transport) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// SessionID returns the most recent session id the subprocess reported.
func (t *Transport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// Done closes when the transport reaches its terminal disconnected state.
func (t *Transport) Done() <-chan struct{} {
	return t.stopped
}

// Alive reports whether the state machine is still running.
func (t *Transport) Alive() bool {
	select {
	case <-t.stopped:
		return false
	default:
		return true
	}
}

// Start spawns the subprocess and launches the state machine. On success the
// receiver gets a transport_ready event and the transport is ready.
func (t *Transport) Start(ctx context.Context) error {
	path, err := resolveCLI(t.opts)
	if err != nil {
		return err
	}
	t.setState(StateConnecting)

	proc, err := t.runner.Start(ctx, path, buildArgs(t.opts, ""), t.opts)
	if err != nil {
		t.setState(StateDisconnected)
		t.terminate()
		return fmt.Errorf("transport: spawn: %w", err)
	}

	t.mu.Lock()
	t.started = true
	t.state = StateReady
	t.mu.Unlock()
	go t.run(ctx, proc)
	return nil
}

// terminate closes the receiver channel and the done signal exactly once.
// A failed Start leaves the transport terminally dead; it is not retried.
func (t *Transport) terminate() {
	t.stopOnce.Do(func() {
		close(t.events)
		close(t.stopped)
	})
}

// SendQuery writes one user prompt to the subprocess and returns the query
// ref its events will carry. Only one query can be in flight.
func (t *Transport) SendQuery(prompt string) (string, error) {
	reply := make(chan sendQueryResult, 1)
	select {
	case t.commands <- sendQueryCmd{prompt: prompt, reply: reply}:
	case <-t.stopped:
		return "", ErrNotReady
	}
	select {
	case res := <-reply:
		return res.ref, res.err
	case <-t.stopped:
		return "", ErrNotReady
	}
}

// Close kills the subprocess and terminates the state machine. The in-flight
// query, if any, fails. Safe to call more than once.
func (t *Transport) Close() {
	t.closeOnce.Do(func() { close(t.closing) })

	t.mu.RLock()
	started := t.started
	t.mu.RUnlock()
	if !started {
		t.setState(StateDisconnected)
		t.terminate()
		return
	}

	reply := make(chan struct{})
	select {
	case t.commands <- closeCmd{reply: reply}:
	case <-t.stopped:
		return
	}
	select {
	case <-reply:
	case <-t.stopped:
	}
}

// run is the single goroutine that owns every piece of mutable state.
func (t *Transport) run(ctx context.Context, proc Process) {
	defer t.terminate()

	parser := streamparse.New()
	var buf []byte
	gen := 1
	t.startReaders(proc, gen)
	t.emit(Event{Type: EventReady})

	var reconnectC <-chan time.Time
	var reconnectTimer *time.Timer
	failures := 0

	stopTimer := func() {
		if reconnectTimer != nil {
			reconnectTimer.Stop()
			reconnectTimer = nil
			reconnectC = nil
		}
	}
	defer stopTimer()

	kill := func() {
		if proc != nil {
			proc.Kill()
			proc = nil
		}
		gen++
	}

	// failPending reports the death of the in-flight query, if any.
	failPending := func(err error) {
		t.mu.Lock()
		ref := t.queryRef
		t.queryRef = ""
		t.mu.Unlock()
		if ref != "" {
			t.emit(Event{Type: EventError, QueryRef: ref, Err: err})
		}
	}

	for {
		select {
		case <-ctx.Done():
			kill()
			failPending(ctx.Err())
			t.setState(StateDisconnected)
			t.emit(Event{Type: EventClosed, Reason: "context canceled"})
			return

		case cmd := <-t.commands:
			switch c := cmd.(type) {
			case sendQueryCmd:
				if t.State() != StateReady || proc == nil {
					c.reply <- sendQueryResult{err: ErrNotReady}
					continue
				}
				line, err := encodeQuery(c.prompt, t.SessionID())
				if err != nil {
					c.reply <- sendQueryResult{err: fmt.Errorf("transport: encode query: %w", err)}
					continue
				}
				if err := proc.WriteLine(line); err != nil {
					// The exit monitor drives the crash path from here.
					c.reply <- sendQueryResult{err: fmt.Errorf("transport: write query: %w", err)}
					continue
				}
				ref := uuid.NewString()
				t.mu.Lock()
				t.queryRef = ref
				t.state = StateQuerying
				t.mu.Unlock()
				parser.Reset()
				c.reply <- sendQueryResult{ref: ref}

			case closeCmd:
				stopTimer()
				kill()
				failPending(fmt.Errorf("transport: closed"))
				t.setState(StateDisconnected)
				t.emit(Event{Type: EventClosed, Reason: "closed"})
				close(c.reply)
				return
			}

		case msg := <-t.inbox:
			switch m := msg.(type) {
			case chunkMsg:
				if m.gen != gen {
					continue
				}
				buf = t.consume(buf, parser, m.data)

			case exitMsg:
				if m.gen != gen {
					continue
				}
				proc = nil
				gen++
				failPending(&ProcessError{ExitCode: m.code, Stderr: m.stderr})
				buf = buf[:0]

				if m.code == 0 {
					t.setState(StateDisconnected)
					t.emit(Event{Type: EventClosed, Reason: "normal"})
					return
				}

				t.logger.Warn("subprocess crashed",
					"exit_code", m.code,
					"session_id", t.SessionID())
				if t.metrics != nil {
					t.metrics.RecordTransportRestart(string(t.opts.Provider), "crash")
				}
				failures = 1
				t.setState(StateReconnecting)
				reconnectTimer = time.NewTimer(t.opts.ReconnectBackoff[0])
				reconnectC = reconnectTimer.C
			}

		case <-reconnectC:
			reconnectTimer = nil
			reconnectC = nil

			newProc, err := t.respawn(ctx)
			if err == nil {
				proc = newProc
				gen++
				t.startReaders(proc, gen)
				failures = 0
				parser.Reset()
				buf = buf[:0]
				t.setState(StateReady)
				if t.metrics != nil {
					t.metrics.RecordTransportRestart(string(t.opts.Provider), "reconnected")
				}
				t.emit(Event{Type: EventReady, SessionID: t.SessionID()})
				continue
			}

			failures++
			t.logger.Warn("reconnect attempt failed", "attempt", failures-1, "error", err)
			if failures > len(t.opts.ReconnectBackoff) {
				attempts := len(t.opts.ReconnectBackoff)
				if t.metrics != nil {
					t.metrics.RecordTransportRestart(string(t.opts.Provider), "exhausted")
				}
				t.setState(StateDisconnected)
				t.emit(Event{Type: EventError, Err: &ReconnectFailedError{Attempts: attempts}})
				t.emit(Event{Type: EventClosed, Reason: "reconnect_failed"})
				return
			}
			reconnectTimer = time.NewTimer(t.opts.ReconnectBackoff[failures-1])
			reconnectC = reconnectTimer.C
		}
	}
}

// respawn restarts the subprocess, resuming the previous session when one
// was captured.
func (t *Transport) respawn(ctx context.Context) (Process, error) {
	path, err := resolveCLI(t.opts)
	if err != nil {
		return nil, err
	}
	return t.runner.Start(ctx, path, buildArgs(t.opts, t.SessionID()), t.opts)
}

// consume appends a stdout chunk to the reassembly buffer, enforces the cap,
// and processes every complete line.
func (t *Transport) consume(buf []byte, parser *streamparse.Parser, data []byte) []byte {
	buf = append(buf, data...)
	if int64(len(buf)) > t.opts.BufferLimit {
		t.mu.RLock()
		ref := t.queryRef
		t.mu.RUnlock()
		t.logger.Warn("stdout buffer overflow", "size", len(buf), "query_ref", ref)
		t.emit(Event{Type: EventError, QueryRef: ref, Err: ErrBufferOverflow})
		return buf[:0]
	}
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			return buf
		}
		line := buf[:idx]
		buf = buf[idx+1:]
		t.handleLine(parser, line)
	}
}

// handleLine decodes one NDJSON line and advances the state machine. Decode
// failures are dropped: the CLI interleaves plain log lines on stdout.
func (t *Transport) handleLine(parser *streamparse.Parser, line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}

	var ev streamparse.Event
	if err := json.Unmarshal(line, &ev); err != nil {
		prefix := line
		if len(prefix) > 64 {
			prefix = prefix[:64]
		}
		t.logger.Debug("dropping undecodable line", "input_prefix", string(prefix), "error", err)
		return
	}

	// Session ids are captured no matter the state; dispatch happens only
	// while querying.
	if ev.SessionID != "" {
		t.setSessionID(ev.SessionID)
	}

	t.mu.RLock()
	state := t.state
	ref := t.queryRef
	t.mu.RUnlock()
	if state != StateQuerying {
		return
	}

	switch ev.Type {
	case "assistant":
		parser.Feed(ev)
		t.emit(Event{Type: EventAssistant, QueryRef: ref, Payload: &ev})

	case "user":
		// Tool results echoed by the CLI; they only feed the accumulator.
		parser.Feed(ev)

	case "stream_event":
		parser.Feed(ev)
		if ev.Event != nil && ev.Event.Type == "content_block_stop" && parser.HasThinking() {
			t.emit(Event{Type: EventThinkingComplete, QueryRef: ref})
		}

	case "result":
		parser.Feed(ev)
		if sid := parser.SessionID(); sid != "" {
			t.setSessionID(sid)
		}
		turn := parser.Finalize()
		t.mu.Lock()
		t.queryRef = ""
		t.state = StateReady
		t.mu.Unlock()
		t.emit(Event{
			Type:      EventResult,
			QueryRef:  ref,
			SessionID: t.SessionID(),
			Payload:   &ev,
			Turn:      &turn,
		})
	}
}

// startReaders launches the stdout pump and the exit monitor for one spawned
// process generation.
func (t *Transport) startReaders(proc Process, gen int) {
	go func() {
		r := proc.Stdout()
		chunk := make([]byte, 32*1024)
		for {
			n, err := r.Read(chunk)
			if n > 0 {
				data := make([]byte, n)
				copy(data, chunk[:n])
				select {
				case t.inbox <- chunkMsg{gen: gen, data: data}:
				case <-t.stopped:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		tail := newTailBuffer(8 << 10)
		drained := make(chan struct{})
		go func() {
			_, _ = io.Copy(tail, proc.Stderr())
			close(drained)
		}()
		code := proc.Wait()
		<-drained
		select {
		case t.inbox <- exitMsg{gen: gen, code: code, stderr: tail.String()}:
		case <-t.stopped:
		}
	}()
}

func (t *Transport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.closing:
	}
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Transport) setSessionID(id string) {
	t.mu.Lock()
	t.sessionID = id
	t.mu.Unlock()
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(bytes.TrimSpace(b.buf))
}
