// Package process finds agent CLI processes left running after funny exits
// uncleanly, and kills the ones whose threads are no longer live.
package process

import (
	"context"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/mood-agency/funny/internal/errors"
	pexec "github.com/mood-agency/funny/internal/exec"
	"github.com/mood-agency/funny/internal/logger"
)

// AgentProcess is a running agent CLI process.
type AgentProcess struct {
	PID       int
	Command   string // full command line
	SessionID string // from --resume or --session-id; empty for a first turn
}

// Finder lists and kills agent CLI processes through an executor.
type Finder struct {
	exec   pexec.CommandExecutor
	binary string
}

// NewFinder returns a Finder for processes started from binary.
func NewFinder(executor pexec.CommandExecutor, binary string) *Finder {
	return &Finder{exec: executor, binary: filepath.Base(binary)}
}

// List returns the running processes of the agent binary. Only Unix-like
// systems are supported; elsewhere it returns nothing.
func (f *Finder) List(ctx context.Context) ([]AgentProcess, error) {
	if runtime.GOOS == "windows" {
		return nil, nil
	}
	out, err := f.exec.Output(ctx, "", "ps", "-eo", "pid=,args=")
	if err != nil {
		return nil, errors.E(errors.Op("process.List"), errors.KindIO, "listing processes", err)
	}

	var procs []AgentProcess
	for _, line := range strings.Split(string(out), "\n") {
		pidStr, args, ok := strings.Cut(strings.TrimSpace(line), " ")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(pidStr)
		if err != nil {
			continue
		}
		args = strings.TrimSpace(args)
		fields := strings.Fields(args)
		if len(fields) == 0 || !f.matches(fields) {
			continue
		}
		procs = append(procs, AgentProcess{PID: pid, Command: args, SessionID: SessionID(args)})
	}
	logger.ComponentLogger("process").Debug("found agent processes", "binary", f.binary, "count", len(procs))
	return procs, nil
}

// matches accepts the binary run directly or through a node shim.
func (f *Finder) matches(fields []string) bool {
	if filepath.Base(fields[0]) == f.binary {
		return true
	}
	return len(fields) > 1 && filepath.Base(fields[0]) == "node" && filepath.Base(fields[1]) == f.binary
}

// Orphans returns the processes resuming a session funny knows about whose
// thread is not live. sessions maps agent session IDs to whether their
// thread currently has a live runtime. Processes of sessions funny did not
// start are never returned.
func (f *Finder) Orphans(ctx context.Context, sessions map[string]bool) ([]AgentProcess, error) {
	all, err := f.List(ctx)
	if err != nil {
		return nil, err
	}
	log := logger.ComponentLogger("process")
	var orphans []AgentProcess
	for _, p := range all {
		live, known := sessions[p.SessionID]
		if p.SessionID == "" || !known || live {
			continue
		}
		log.Info("found orphaned agent process", "pid", p.PID, "sessionID", p.SessionID)
		orphans = append(orphans, p)
	}
	return orphans, nil
}

// Kill sends SIGKILL to pid.
func (f *Finder) Kill(ctx context.Context, pid int) error {
	if runtime.GOOS == "windows" {
		_, err := f.exec.CombinedOutput(ctx, "", "taskkill", "/F", "/PID", strconv.Itoa(pid))
		return err
	}
	_, err := f.exec.CombinedOutput(ctx, "", "kill", "-9", strconv.Itoa(pid))
	return err
}

// Cleanup kills every orphan and returns how many were killed.
func (f *Finder) Cleanup(ctx context.Context, sessions map[string]bool) (int, error) {
	orphans, err := f.Orphans(ctx, sessions)
	if err != nil {
		return 0, err
	}
	log := logger.ComponentLogger("process")
	killed := 0
	for _, p := range orphans {
		if err := f.Kill(ctx, p.PID); err != nil {
			log.Error("failed to kill process", "pid", p.PID, "error", err)
			continue
		}
		killed++
	}
	return killed, nil
}

// SessionID extracts the session passed with --resume or --session-id.
func SessionID(cmdLine string) string {
	for _, flag := range []string{"--resume", "--session-id"} {
		_, after, ok := strings.Cut(cmdLine, flag)
		if !ok {
			continue
		}
		if fields := strings.Fields(strings.TrimLeft(after, " =")); len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

// IsSessionInUseError reports whether CLI error output says another process
// holds the session.
func IsSessionInUseError(msg string) bool {
	msg = strings.ToLower(msg)
	if !strings.Contains(msg, "session") {
		return false
	}
	for _, s := range []string{"in use", "already", "locked", "busy"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
