// Package exec abstracts external command execution so that git and agent
// CLI invocations can be scripted in tests.
package exec

import (
	"bytes"
	"context"
	"io"
	osexec "os/exec"
)

// CommandExecutor runs external commands in a working directory.
type CommandExecutor interface {
	// Run executes the command and returns stdout and stderr separately.
	Run(ctx context.Context, dir, name string, args ...string) (stdout, stderr []byte, err error)
	// Output executes the command and returns stdout.
	Output(ctx context.Context, dir, name string, args ...string) ([]byte, error)
	// CombinedOutput executes the command and returns stdout and stderr interleaved.
	CombinedOutput(ctx context.Context, dir, name string, args ...string) ([]byte, error)
	// Start launches a long-running command with piped stdio.
	Start(ctx context.Context, dir, name string, args ...string) (Process, error)
}

// Process is a started command with its standard streams.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	Pid() int
	Wait() error
	Kill() error
}

// RealExecutor runs commands through os/exec.
type RealExecutor struct{}

// NewRealExecutor returns an executor backed by the operating system.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{}
}

func (e *RealExecutor) command(ctx context.Context, dir, name string, args ...string) *osexec.Cmd {
	cmd := osexec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd
}

// Run implements CommandExecutor.
func (e *RealExecutor) Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	cmd := e.command(ctx, dir, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Output implements CommandExecutor.
func (e *RealExecutor) Output(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	return e.command(ctx, dir, name, args...).Output()
}

// CombinedOutput implements CommandExecutor.
func (e *RealExecutor) CombinedOutput(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	return e.command(ctx, dir, name, args...).CombinedOutput()
}

// Start implements CommandExecutor.
func (e *RealExecutor) Start(ctx context.Context, dir, name string, args ...string) (Process, error) {
	cmd := e.command(ctx, dir, name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &realProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type realProcess struct {
	cmd    *osexec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *realProcess) Stdin() io.WriteCloser  { return p.stdin }
func (p *realProcess) Stdout() io.ReadCloser  { return p.stdout }
func (p *realProcess) Stderr() io.ReadCloser  { return p.stderr }
func (p *realProcess) Pid() int               { return p.cmd.Process.Pid }
func (p *realProcess) Wait() error            { return p.cmd.Wait() }
func (p *realProcess) Kill() error            { return p.cmd.Process.Kill() }
