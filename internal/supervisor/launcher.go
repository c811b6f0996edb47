package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

var (
	// ErrWorkerBinaryUnset indicates the worker binary path was not configured.
	ErrWorkerBinaryUnset = errors.New("supervisor: worker binary path is empty")
	// ErrWorkerBinaryMissing indicates the worker binary does not exist.
	ErrWorkerBinaryMissing = errors.New("supervisor: worker binary not found")
)

// Process represents a running worker with framed stdio pipes.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	PID() int
	// Wait blocks until the process exits and returns the exit reason.
	// It is safe to call from multiple goroutines.
	Wait() error
	// Kill forcibly terminates the process.
	Kill() error
}

// Launcher abstracts worker process creation so tests can drive the
// supervisor without spawning real processes.
type Launcher interface {
	Launch(ctx context.Context, binary string, args []string, env []string, stderr io.Writer) (Process, error)
}

// ExecLauncher spawns real worker processes via os/exec.
type ExecLauncher struct{}

func (ExecLauncher) Launch(ctx context.Context, binary string, args []string, env []string, stderr io.Writer) (Process, error) {
	if strings.TrimSpace(binary) == "" {
		return nil, ErrWorkerBinaryUnset
	}
	if _, err := os.Stat(binary); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrWorkerBinaryMissing, binary)
		}
		return nil, fmt.Errorf("supervisor: stat worker binary: %w", err)
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	if stderr != nil {
		cmd.Stderr = stderr
	} else {
		cmd.Stderr = io.Discard
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start worker: %w", err)
	}

	proc := &execProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		done:   make(chan struct{}),
	}
	go proc.wait()
	return proc, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	done   chan struct{}
	err    error
}

func (p *execProcess) wait() {
	p.err = p.cmd.Wait()
	close(p.done)
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("supervisor: kill worker: %w", err)
	}
	return nil
}

// ExitCode extracts the exit code from a Wait error. Signal terminations map
// to 128+signal, matching shell conventions.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}
