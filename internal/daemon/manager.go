package daemon

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"firestige.xyz/edirelay/internal/core"
)

// ReadPIDFile returns the process id written by a running daemon.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: no PID file at %s", core.ErrDaemonNotRunning, path)
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s: %q", path, data)
	}
	return pid, nil
}

// Signal sends sig to the daemon named by pidFile. SIGHUP reloads the
// configuration, SIGTERM stops the daemon.
func Signal(pidFile string, sig syscall.Signal) error {
	pid, err := ReadPIDFile(pidFile)
	if err != nil {
		return err
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := process.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("%w: process %d exited", core.ErrDaemonNotRunning, pid)
		}
		return err
	}
	return nil
}

// IsSocketAlive reports whether something accepts connections on the
// control socket.
func IsSocketAlive(socketPath string) bool {
	conn, err := net.DialTimeout("unix", socketPath, 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// WaitStopped polls the control socket until the daemon is gone or
// timeout expires.
func WaitStopped(socketPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for IsSocketAlive(socketPath) {
		if time.Now().After(deadline) {
			return fmt.Errorf("daemon still running after %v", timeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}
