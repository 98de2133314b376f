package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
)

// Command is one process invocation prepared from a step.
type Command struct {
	StepID string
	Path   string
	Args   []string
	Stdout io.Writer
	Stderr io.Writer
}

// Process is a started step process.
type Process interface {
	PID() int
	// Wait blocks until exit and returns the exit code. Termination by a
	// signal reports -1. The error is set only if waiting itself failed.
	Wait() (int, error)
	// Signal delivers sig to the process and everything it spawned.
	Signal(sig syscall.Signal) error
}

// Runner starts step processes and evaluates command substitutions.
type Runner interface {
	Start(cmd Command) (Process, error)
	Output(ctx context.Context, argv []string) ([]byte, error)
}

// ExecRunner runs real processes, each in its own process group so the
// whole subtree of a step can be signalled.
type ExecRunner struct{}

func (ExecRunner) Start(c Command) (Process, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

func (ExecRunner) Output(ctx context.Context, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s exited with code %d: %s", argv[0], exitErr.ExitCode(), bytes.TrimSpace(stderr.Bytes()))
		}
		return nil, err
	}
	return out, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (p *execProcess) Signal(sig syscall.Signal) error {
	return syscall.Kill(-p.cmd.Process.Pid, sig)
}
