package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/switchyard-ai/switchyard/internal/catalog"
)

// PermissionMode selects the permission flags composed onto the subprocess
// command line.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "accept_edits"
	PermissionPlan        PermissionMode = "plan"
	PermissionBypass      PermissionMode = "bypass"
)

const (
	// DefaultBufferLimit caps the stdout reassembly buffer. A buffer at the
	// limit is fine; one byte over is an overflow.
	DefaultBufferLimit = 50 * 1024 * 1024

	// DefaultMaxThinkingTokens is the thinking budget passed to the CLI when
	// the caller does not set one. The flag is always present on the command
	// line.
	DefaultMaxThinkingTokens = 8000

	// DefaultEventBuffer sizes the receiver channel.
	DefaultEventBuffer = 256
)

// ErrCLINotFound means neither the configured path nor the search list
// yielded a runnable executable.
var ErrCLINotFound = errors.New("transport: cli not found")

// defaultReconnectBackoff is the wait sequence between respawn attempts
// after a crash. Exhausting it terminates the transport.
var defaultReconnectBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Options configure one subprocess session.
type Options struct {
	// Provider labels metrics and events. Informational only.
	Provider catalog.ProviderID

	// CLIPath pins the executable. When empty the search list is consulted.
	CLIPath string
	// SearchList holds candidate executables tried in order when CLIPath is
	// empty. Bare names go through PATH lookup; paths are stat'd.
	SearchList []string

	Model             string
	SystemPrompt      string
	MaxTurns          int
	MaxThinkingTokens int

	PermissionMode PermissionMode
	// AllowedTools and DisallowedTools, when set, replace the mode-derived
	// permission flags entirely.
	AllowedTools    []string
	DisallowedTools []string

	WorkDir string
	// Env entries are appended to the parent environment.
	Env []string

	BufferLimit      int64
	ReconnectBackoff []time.Duration
	EventBuffer      int
}

func (o Options) withDefaults() Options {
	if o.MaxThinkingTokens <= 0 {
		o.MaxThinkingTokens = DefaultMaxThinkingTokens
	}
	if o.PermissionMode == "" {
		o.PermissionMode = PermissionDefault
	}
	if o.BufferLimit <= 0 {
		o.BufferLimit = DefaultBufferLimit
	}
	if len(o.ReconnectBackoff) == 0 {
		o.ReconnectBackoff = defaultReconnectBackoff
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	if len(o.SearchList) == 0 {
		o.SearchList = defaultSearchList()
	}
	return o
}

func defaultSearchList() []string {
	list := []string{"claude"}
	if home, err := os.UserHomeDir(); err == nil {
		list = append(list, filepath.Join(home, ".claude", "local", "claude"))
	}
	return append(list, "/usr/local/bin/claude")
}

// resolveCLI finds the executable to spawn.
func resolveCLI(opts Options) (string, error) {
	if opts.CLIPath != "" {
		if isRunnable(opts.CLIPath) {
			return opts.CLIPath, nil
		}
		return "", fmt.Errorf("%w: %s", ErrCLINotFound, opts.CLIPath)
	}
	for _, candidate := range opts.SearchList {
		if strings.ContainsRune(candidate, os.PathSeparator) {
			if isRunnable(candidate) {
				return candidate, nil
			}
			continue
		}
		if path, err := exec.LookPath(candidate); err == nil {
			return path, nil
		}
	}
	return "", ErrCLINotFound
}

func isRunnable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// buildArgs composes the subprocess command line. The stream flags are
// fixed; resume carries the previous session id across a reconnect.
func buildArgs(opts Options, resume string) []string {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
		"--max-thinking-tokens", strconv.Itoa(opts.MaxThinkingTokens),
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--system-prompt", opts.SystemPrompt)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if resume != "" {
		args = append(args, "--resume", resume)
	}
	return append(args, permissionArgs(opts)...)
}

// permissionArgs maps the permission mode to CLI flags. Caller-provided tool
// lists replace the mode-derived flags.
func permissionArgs(opts Options) []string {
	if len(opts.AllowedTools) > 0 || len(opts.DisallowedTools) > 0 {
		var args []string
		if len(opts.AllowedTools) > 0 {
			args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
		}
		if len(opts.DisallowedTools) > 0 {
			args = append(args, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
		}
		return args
	}

	switch opts.PermissionMode {
	case PermissionAcceptEdits:
		return []string{"--allowedTools", "Edit,Write,NotebookEdit"}
	case PermissionPlan:
		return []string{"--allowedTools", "Read,Glob,Grep,WebFetch,WebSearch"}
	case PermissionBypass:
		return []string{"--dangerously-skip-permissions"}
	default:
		return nil
	}
}

// queryLine is the stdin wire shape: one JSON object per line.
type queryLine struct {
	Type      string       `json:"type"`
	Message   queryMessage `json:"message"`
	SessionID string       `json:"session_id,omitempty"`
}

type queryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func encodeQuery(prompt, sessionID string) ([]byte, error) {
	line, err := json.Marshal(queryLine{
		Type:      "user",
		Message:   queryMessage{Role: "user", Content: prompt},
		SessionID: sessionID,
	})
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}
