// Package lifecycle owns the process singleton lock,
// signal-triggered cleanup of the lock file and bus socket, and the
// interface tuning helper (ethtool offloads, VLAN filters, channel
// counts, sysctl knobs). Signal handling hangs off
// signal.NotifyContext, removing the lock file and bus socket on the
// way out.
package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/openqos/shaperd/pkg/log"
)

// processNameOf returns the executable name recorded in /proc/<pid>/comm,
// used to distinguish a genuinely live instance of this daemon from an
// unrelated process that happens to have reused the pid.
var processNameOf = func(pid int) (string, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// processAlive reports whether pid currently names a running process.
var processAlive = func(pid int) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}

// Lock is an acquired singleton-process lock file.
type Lock struct {
	path string
}

// Acquire takes the singleton process-lock
// file under /run/. If the file exists, the PID inside is checked for
// liveness and a matching process name; a live matching peer refuses
// startup, anything else is treated as stale and overwritten.
// processName is compared against
// /proc/<pid>/comm, which the kernel truncates to 15 bytes, so callers
// should pass a name no longer than that (e.g. "shaperd").
func Acquire(path, processName string) (*Lock, error) {
	if raw, err := os.ReadFile(path); err == nil {
		pid, perr := strconv.Atoi(strings.TrimSpace(string(raw)))
		if perr == nil && processAlive(pid) {
			name, nerr := processNameOf(pid)
			if nerr == nil && name == processName {
				return nil, fmt.Errorf("lifecycle: another instance is already running (pid %d)", pid)
			}
		}
		// Either not parseable, not alive, or a different process now
		// owns that pid: the lock file is stale and we overwrite it.
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("lifecycle: creating lock directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return nil, fmt.Errorf("lifecycle: writing lock file: %w", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file. Safe to call if the file is already
// gone.
func (l *Lock) Release() {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		log.With("lifecycle").Warn().Err(err).Str("path", l.path).Msg("failed to remove lock file")
	}
}

// RemoveStaleSocket deletes a leftover UNIX socket file from a prior
// run. A missing file is not an error.
func RemoveStaleSocket(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lifecycle: removing stale socket %s: %w", path, err)
	}
	return nil
}
