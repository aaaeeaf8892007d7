package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"
)

// ErrDaemonRunning is returned when another live daemon holds the lock.
var ErrDaemonRunning = errors.New("another sreagent daemon is already running")

// DaemonLock is the lock file format used to keep a single active daemon per
// database. The file sits next to the database as <db>.lock.
type DaemonLock struct {
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
}

// LockPath returns the daemon lock path for a database path.
func LockPath(dbPath string) string {
	return dbPath + ".lock"
}

// AcquireDaemonLock creates the daemon lock file for dbPath. A lock left
// behind by a dead process on this host, or one that cannot be parsed, is
// taken over once.
// Returns the lock file path for cleanup on shutdown.
func AcquireDaemonLock(dbPath, version string) (lockPath string, err error) {
	lockPath = LockPath(dbPath)

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	data, err := json.MarshalIndent(DaemonLock{
		Holder:    "sreagent-daemon",
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		Version:   version,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal lock: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		created, err := createLockFile(lockPath, data)
		if err != nil {
			return "", err
		}
		if created {
			return lockPath, nil
		}

		existing, err := os.ReadFile(lockPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("failed to read existing lock: %w", err)
		}
		var holder DaemonLock
		if json.Unmarshal(existing, &holder) == nil && isProcessAlive(holder.PID, holder.Hostname) {
			return "", fmt.Errorf("%w (PID %d on %s, started %s)", ErrDaemonRunning,
				holder.PID, holder.Hostname, holder.StartedAt.Format(time.RFC3339))
		}

		// Stale lock
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to remove stale lock: %w", err)
		}
	}
	return "", fmt.Errorf("%w: lock taken by another process during retry", ErrDaemonRunning)
}

// createLockFile writes data to path only if path does not exist yet
func createLockFile(path string, data []byte) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create daemon lock: %w", err)
	}
	_, writeErr := f.Write(data)
	closeErr := f.Close()
	if writeErr != nil || closeErr != nil {
		_ = os.Remove(path)
		return false, fmt.Errorf("failed to write daemon lock: %w", errors.Join(writeErr, closeErr))
	}
	return true, nil
}

// ReleaseDaemonLock removes the lock file.
// Should be called on daemon shutdown (use defer).
func ReleaseDaemonLock(lockPath string) error {
	if lockPath == "" {
		return nil
	}

	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove daemon lock: %w", err)
	}

	return nil
}

// isProcessAlive checks if a process with the given PID exists on the given hostname.
func isProcessAlive(pid int, hostname string) bool {
	currentHost, err := os.Hostname()
	if err != nil {
		// Can't check hostname, assume remote/alive
		return true
	}

	if !strings.EqualFold(hostname, currentHost) {
		// Remote host - can't check, assume alive
		return true
	}

	if pid <= 0 {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Send signal 0 to check if process exists
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}

	// EPERM: process exists but we don't have permission
	if errors.Is(err, syscall.EPERM) {
		return true
	}

	return false
}
