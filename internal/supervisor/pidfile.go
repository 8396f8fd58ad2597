//go:build linux

package supervisor

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// readPID returns the PID recorded at path, or 0 if no live process owns
// it. A PID file referring to a dead process is treated as stale: it is
// removed and 0 is returned, matching util.py's getPid.
func readPID(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("pidfile: %s: %w", path, err)
	}
	if pidIsActive(pid) {
		return pid, nil
	}
	os.Remove(path)
	return 0, nil
}

// pidIsActive reports whether pid names a live process, via the signal-0
// liveness probe (sends no signal, only checks deliverability).
func pidIsActive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

// writePID records the current process's PID at path.
func writePID(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

// removePIDIfExists deletes path. Every error, including not-exists, is
// ignored.
func removePIDIfExists(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		_ = err
	}
}

// ReadPID is the CLI-facing wrapper around readPID, used by cmd/raptord's
// start/stop/restart/status verbs to find a running daemon's PID file.
func ReadPID(path string) (int, error) {
	return readPID(path)
}

// WaitUntilDead polls pid's liveness every 100ms until it is gone or
// timeout elapses, matching util.py's waitUntilDead.
func WaitUntilDead(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !pidIsActive(pid) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return !pidIsActive(pid)
}

// Signal sends sig to pid, matching os.kill(pid, sig) call sites in the
// CLI's stop sequence.
func Signal(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}
