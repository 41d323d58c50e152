// Package lockfile guards a GroupPulse state directory against a second process.
//
// The lock is an flock on a file inside the directory, so the kernel releases it
// when the holder exits, cleanly or not. The file records who holds it.
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
const LockFileName = "grouppulse.lock"

// Info is what a lock file says about its holder.
type Info struct {
	PID       int
	OwnerID   string
	StartedAt time.Time
}

func (i Info) String() string {
	var parts []string
	if i.PID > 0 {
		state := "not running, stale lock"
		if isProcessRunning(i.PID) {
			state = "running"
		}
		parts = append(parts, fmt.Sprintf("PID %d (%s)", i.PID, state))
	}
	if i.OwnerID != "" {
		parts = append(parts, "owner "+i.OwnerID)
	}
	if !i.StartedAt.IsZero() {
		parts = append(parts, "since "+i.StartedAt.Format(time.RFC3339))
	}
	return strings.Join(parts, ", ")
}

// Lock is an acquired state directory lock.
type Lock struct {
	file *os.File
	path string
	info Info
}

// AcquireLock takes the exclusive lock on stateDir for ownerID, creating the
// directory if needed. If another process holds it, the error is a *LockError
// describing that process.
func AcquireLock(stateDir, ownerID string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// No O_TRUNC: a failed attempt must leave the holder's info intact.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		existing, _ := ReadInfo(stateDir)
		slog.Error("lockfile.AcquireLock: state directory is locked", "lock_path", lockPath, "holder", existing.String())
		return nil, &LockError{LockPath: lockPath, Holder: existing, Cause: err}
	}

	info := Info{PID: os.Getpid(), OwnerID: ownerID, StartedAt: time.Now().UTC()}
	if err := writeInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("lockfile.AcquireLock: acquired state directory lock", "lock_path", lockPath, "pid", info.PID, "owner_id", ownerID)
	return &Lock{file: file, path: lockPath, info: info}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Info returns what this process wrote into the lock file.
func (l *Lock) Info() Info {
	return l.info
}

// Release unlocks and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a waiting process never sees our stale info.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: failed to remove lock file", "lock_path", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("lockfile.Release: failed to release flock", "lock_path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	slog.Info("lockfile.Release: released state directory lock", "lock_path", l.path)
	if err != nil {
		return fmt.Errorf("close lock file %s: %w", l.path, err)
	}
	return nil
}

// LockError is returned when another process holds the lock.
type LockError struct {
	LockPath string
	Holder   Info
	Cause    error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another GroupPulse instance is already using this state directory (lock file: %s)", e.LockPath)
	if h := e.Holder.String(); h != "" {
		msg += "; held by " + h
	}
	return msg + ". If no other instance is running, remove the lock file and retry"
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// ReadInfo parses the lock file in stateDir. Unknown lines are ignored.
func ReadInfo(stateDir string) (Info, error) {
	f, err := os.Open(filepath.Join(stateDir, LockFileName))
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	var info Info
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			info.PID, _ = strconv.Atoi(value)
		case "owner":
			info.OwnerID = value
		case "started":
			info.StartedAt, _ = time.Parse(time.RFC3339, value)
		}
	}
	return info, sc.Err()
}

func writeInfo(f *os.File, info Info) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	content := fmt.Sprintf("pid=%d\nowner=%s\nstarted=%s\n", info.PID, info.OwnerID, info.StartedAt.Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		return err
	}
	return f.Sync()
}

// isProcessRunning sends signal 0, which only checks that the process exists.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
