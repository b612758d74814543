package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// FileLock prevents two servers from sharing one data directory.
type FileLock struct {
	path string
	file *os.File
}

// LockFileName is created inside the data directory while a server runs.
const LockFileName = "funny.lock"

// AcquireFile creates dir/funny.lock exclusively and writes our PID to it.
// A lock left behind by a process that no longer exists is taken over.
func AcquireFile(dir string) (*FileLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	fp := filepath.Join(dir, LockFileName)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(fp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d", os.Getpid())
			return &FileLock{path: fp, file: f}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		data, readErr := os.ReadFile(fp)
		if readErr != nil {
			return nil, fmt.Errorf("server lock already held at %s", fp)
		}
		pid, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
		if convErr == nil && processAlive(pid) {
			return nil, fmt.Errorf("server lock already held (PID: %d). Remove %s if the process is not running", pid, fp)
		}
		if err := os.Remove(fp); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock %s: %w", fp, err)
		}
	}
	return nil, fmt.Errorf("server lock already held at %s", fp)
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// Release removes the lock file.
func (l *FileLock) Release() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
