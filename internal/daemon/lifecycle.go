package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
)

// PIDFileName is the daemon's PID file inside the data directory.
const PIDFileName = "chatgate.pid"

// PIDFilePath returns the PID file location for dataDir.
func PIDFilePath(dataDir string) string {
	return filepath.Join(dataDir, PIDFileName)
}

// ErrAlreadyRunning is returned by PIDLock.Acquire when a live process owns
// the PID file.
var ErrAlreadyRunning = errors.New("daemon is already running")

// PIDLock marks the data directory as owned by this process.
type PIDLock struct {
	path   string
	pid    int
	logger zerolog.Logger
}

// NewPIDLock returns a lock on the PID file of dataDir.
func NewPIDLock(dataDir string, logger zerolog.Logger) *PIDLock {
	return &PIDLock{path: PIDFilePath(dataDir), pid: os.Getpid(), logger: logger}
}

// Path returns the PID file location.
func (l *PIDLock) Path() string { return l.path }

// Acquire writes our PID. A file left by a dead process is replaced.
func (l *PIDLock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if owner, err := ReadPID(l.path); err == nil && owner != l.pid && processAlive(owner) {
		return fmt.Errorf("%w (PID %d)", ErrAlreadyRunning, owner)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(l.pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	l.logger.Info().Str("pid_file", l.path).Int("pid", l.pid).Msg("PID file written")
	return nil
}

// Release removes the PID file if it still names this process.
func (l *PIDLock) Release() error {
	owner, err := ReadPID(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if owner != l.pid {
		l.logger.Warn().Int("owner", owner).Msg("PID file owned by another process, leaving it")
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	l.logger.Info().Str("pid_file", l.path).Msg("PID file removed")
	return nil
}

// ReadPID parses a PID file.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

// IsRunning reports whether the PID file names a live process.
func IsRunning(path string) bool {
	pid, err := ReadPID(path)
	return err == nil && processAlive(pid)
}

// processAlive probes pid with signal 0. EPERM still means the process
// exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
