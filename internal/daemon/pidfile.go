package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/Dicklesworthstone/agentwatch/internal/util"
)

// ErrNotRunning is returned when no daemon holds the lock.
var ErrNotRunning = errors.New("daemon is not running")

// ErrAlreadyRunning is returned when another daemon holds the lock.
var ErrAlreadyRunning = errors.New("daemon already running")

// PIDFileInfo stores information written to the PID file.
type PIDFileInfo struct {
	PID       int       `json:"pid"`
	Strategy  string    `json:"strategy"`
	Config    string    `json:"config,omitempty"`
	Interval  string    `json:"interval"`
	StartedAt time.Time `json:"started_at"`
}

// WritePIDFile writes info to path atomically.
func WritePIDFile(path string, info PIDFileInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return util.AtomicWriteFile(path, data, 0644)
}

// ReadPIDFile reads a PID file written by WritePIDFile.
func ReadPIDFile(path string) (PIDFileInfo, error) {
	var info PIDFileInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("invalid PID file %s: %w", path, err)
	}
	if info.PID <= 0 {
		return info, fmt.Errorf("invalid PID file %s: pid %d", path, info.PID)
	}
	return info, nil
}

// processAlive reports whether pid names a live process.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds. Signal 0 checks liveness.
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// lockHeld reports whether another process holds the lock at path. The
// probe lock is released immediately when it succeeds.
func lockHeld(path string) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	probe := flock.New(path)
	locked, err := probe.TryLock()
	if err != nil {
		return false, fmt.Errorf("probe lock: %w", err)
	}
	if locked {
		_ = probe.Unlock()
		return false, nil
	}
	return true, nil
}
