package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Command describes one subprocess invocation.
type Command struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Binary + " " + strings.Join(c.Args, " "))
}

// ExitStatus is the terminal state of a subprocess.
type ExitStatus struct {
	Code     int
	Signaled bool
	Signal   string
}

// Process is a running subprocess. Stdout carries combined stdout and
// stderr output.
type Process interface {
	PID() int
	Stdout() io.ReadCloser
	Wait() (ExitStatus, error)
	Signal(sig syscall.Signal) error
	Alive() bool
}

// Invoker launches subprocesses.
type Invoker interface {
	Invoke(ctx context.Context, cmd Command) (Process, error)
}

// ExecInvoker starts commands with os/exec, each in its own process group.
type ExecInvoker struct{}

// Invoke implements Invoker. The process is not bound to ctx; callers stop it
// through Signal.
func (ExecInvoker) Invoke(ctx context.Context, cmd Command) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	binary, err := exec.LookPath(cmd.Binary)
	if err != nil {
		return nil, fmt.Errorf("locate %s: %w", cmd.Binary, err)
	}
	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("output pipe: %w", err)
	}

	c := exec.Command(binary, cmd.Args...) //nolint:gosec
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	c.Stdout = writer
	c.Stderr = writer
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := c.Start(); err != nil {
		_ = reader.Close()
		_ = writer.Close()
		return nil, fmt.Errorf("start %s: %w", cmd.Binary, err)
	}
	_ = writer.Close()
	return &execProcess{cmd: c, stdout: reader}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Stdout() io.ReadCloser {
	return p.stdout
}

func (p *execProcess) Wait() (ExitStatus, error) {
	err := p.cmd.Wait()
	state := p.cmd.ProcessState
	if state == nil {
		return ExitStatus{Code: -1}, err
	}
	status := ExitStatus{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signaled = true
		status.Signal = ws.Signal().String()
	}
	var exitErr *exec.ExitError
	if err != nil && errors.As(err, &exitErr) {
		err = nil
	}
	return status, err
}

// Signal delivers sig to the whole process group.
func (p *execProcess) Signal(sig syscall.Signal) error {
	err := unix.Kill(-p.PID(), sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (p *execProcess) Alive() bool {
	err := unix.Kill(p.PID(), 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
