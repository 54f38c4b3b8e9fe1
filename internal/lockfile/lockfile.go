// Package lockfile guards a GiftExplain state directory against a second server
// process. The SQLite database and debug dumps in the state directory assume a
// single writer.
//
// The lock is an flock on a file inside the directory, so it is released by the
// kernel when the process exits, even on a crash.
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

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "giftexplain.lock"

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Info describes the process holding a lock. It is written into the lock file
// so a refused second instance can report who holds it.
type Info struct {
	PID     int
	Addr    string
	Started time.Time
}

func (i Info) encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", i.PID)
	if i.Addr != "" {
		fmt.Fprintf(&b, "addr=%s\n", i.Addr)
	}
	if !i.Started.IsZero() {
		fmt.Fprintf(&b, "started=%s\n", i.Started.UTC().Format(time.RFC3339))
	}
	return b.String()
}

func parseInfo(content string) Info {
	var info Info
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			info.PID, _ = strconv.Atoi(val)
		case "addr":
			info.Addr = val
		case "started":
			info.Started, _ = time.Parse(time.RFC3339, val)
		}
	}
	return info
}

// Acquire takes an exclusive lock on stateDir, creating the directory if needed.
// addr is recorded for diagnostics and may be empty. A *LockError is returned
// when another process holds the lock.
func Acquire(stateDir, addr string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the holder's info before we know whether we win
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lockErr := &LockError{LockPath: lockPath, Holder: describeHolder(lockPath), Cause: err}
		slog.Error("Lock.Acquire: state directory is locked", "lockPath", lockPath, "holder", lockErr.Holder)
		return nil, lockErr
	}

	info := Info{PID: os.Getpid(), Addr: addr, Started: time.Now()}
	if err := writeInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}
	slog.Info("Lock.Acquire: state directory locked", "lockPath", lockPath, "pid", info.PID)
	return &Lock{file: file, path: lockPath}, nil
}

func writeInfo(file *os.File, info Info) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(info.encode()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Lock.writeInfo: sync failed", "error", err)
	}
	return nil
}

// Release unlocks and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: unlock failed", "error", err, "lockPath", l.path)
	}
	closeErr := l.file.Close()
	l.file = nil
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: failed to remove lock file", "error", err, "lockPath", l.path)
	}
	slog.Debug("Lock.Release: state directory unlocked", "lockPath", l.path)
	return closeErr
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// LockError is returned when another process holds the state directory lock.
type LockError struct {
	LockPath string
	Holder   string
	Cause    error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another GiftExplain server is already using this state directory (lock file %s)", e.LockPath)
	if e.Holder != "" {
		msg += ": " + e.Holder
	}
	return msg + "; stop it, or use a different --state-dir"
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// describeHolder summarises the lock file contents for error messages.
func describeHolder(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil || len(data) == 0 {
		return ""
	}
	info := parseInfo(string(data))
	if info.PID <= 0 {
		return ""
	}
	state := "running"
	if !isProcessRunning(info.PID) {
		state = "not running"
	}
	desc := fmt.Sprintf("PID %d (%s)", info.PID, state)
	if info.Addr != "" {
		desc += " serving " + info.Addr
	}
	if !info.Started.IsZero() {
		desc += " since " + info.Started.Format(time.RFC3339)
	}
	return desc
}

// isProcessRunning sends signal 0, which only checks that pid exists.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
