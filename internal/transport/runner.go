package transport

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Process is one live subprocess as the transport sees it.
type Process interface {
	// WriteLine writes one NDJSON line to the subprocess stdin.
	WriteLine(line []byte) error
	// Stdout is read until EOF by the transport's pump goroutine.
	Stdout() io.Reader
	// Stderr is drained into a bounded tail for diagnostics.
	Stderr() io.Reader
	// Wait blocks until the subprocess exits and returns its exit code.
	Wait() int
	// Kill terminates the subprocess abruptly. No graceful shutdown is
	// attempted.
	Kill()
}

// Runner spawns subprocesses. Production uses the exec-backed runner; tests
// inject scripted fakes.
type Runner interface {
	Start(ctx context.Context, path string, args []string, opts Options) (Process, error)
}

type execRunner struct{}

// NewExecRunner returns the os/exec-backed Runner.
func NewExecRunner() Runner {
	return execRunner{}
}

func (execRunner) Start(ctx context.Context, path string, args []string, opts Options) (Process, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	// Plain pipes instead of cmd.StdPipe helpers: Wait must not race the
	// transport goroutines still reading output.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, err
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, err
	}

	// The child holds its own copies; closing ours makes EOF propagate when
	// the child exits.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	return &execProcess{
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		stderr: stderrR,
	}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	stderr *os.File

	writeMu sync.Mutex
}

func (p *execProcess) WriteLine(line []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.stdin.Write(line)
	return err
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) Wait() int {
	err := p.cmd.Wait()
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func (p *execProcess) Kill() {
	p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}
