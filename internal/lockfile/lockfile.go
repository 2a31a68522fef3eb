// Package lockfile keeps two PitchPipe processes from sharing one state directory.
//
// The lock is an flock on a file inside the state directory, so the kernel
// releases it when the process exits, however it exits.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "pitchpipe.lock"

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Info is what the lock holder writes into the lock file.
type Info struct {
	PID     int
	Started time.Time
}

// String renders the info for error messages.
func (i Info) String() string {
	if i.PID == 0 {
		return "unknown holder"
	}
	state := "not running, stale lock"
	if isProcessRunning(i.PID) {
		state = "running"
	}
	if i.Started.IsZero() {
		return fmt.Sprintf("PID %d (%s)", i.PID, state)
	}
	return fmt.Sprintf("PID %d (%s) since %s", i.PID, state, i.Started.Format(time.RFC3339))
}

// LockError reports that another process holds the state directory.
type LockError struct {
	LockPath string
	Holder   Info
	Cause    error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("state directory is in use by another PitchPipe instance (%s); lock file %s. "+
		"Remove the lock file only if that process is gone", e.Holder, e.LockPath)
}

func (e *LockError) Unwrap() error { return e.Cause }

// Acquire takes an exclusive, non-blocking lock on stateDir, creating the
// directory if needed.
func Acquire(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, LockFileName)

	// O_TRUNC would wipe the holder's info before we know we own the lock.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := readInfo(path)
		file.Close()
		slog.Error("lockfile.Acquire: state directory already locked", "lock_path", path, "holder", holder.String())
		return nil, &LockError{LockPath: path, Holder: holder, Cause: err}
	}

	if err := writeInfo(file, Info{PID: os.Getpid(), Started: time.Now().UTC()}); err != nil {
		_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
	}

	slog.Info("lockfile.Acquire: state directory locked", "lock_path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

// Release unlocks and removes the lock file. Calling it twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var firstErr error
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		firstErr = fmt.Errorf("failed to unlock %s: %w", l.path, err)
	}
	if err := l.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close %s: %w", l.path, err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: failed to remove lock file", "lock_path", l.path, "error", err)
	}
	l.file = nil
	slog.Info("lockfile.Release: state directory unlocked", "lock_path", l.path)
	return firstErr
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

func writeInfo(file *os.File, info Info) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.Seek(0, 0); err != nil {
		return err
	}
	content := fmt.Sprintf("pid=%d\nstarted=%s\n", info.PID, info.Started.Format(time.RFC3339))
	if _, err := file.WriteString(content); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.writeInfo: sync failed", "error", err)
	}
	return nil
}

// readInfo parses key=value lines; unreadable files yield a zero Info.
func readInfo(path string) Info {
	var info Info
	f, err := os.Open(path)
	if err != nil {
		return info
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil {
				info.PID = pid
			}
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				info.Started = t
			}
		}
	}
	return info
}

// isProcessRunning sends signal 0, which only checks that the process exists.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
