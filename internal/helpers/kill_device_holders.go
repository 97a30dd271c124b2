// Package helpers provides process-level utilities for the camera streamer.
package helpers

import (
	"context"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// DeviceReleaser: clear processes holding a sensor device
// =============================================================================
// A crashed previous run (or a stray ffmpeg) can keep /dev/video* open and
// make every start fail with "device or resource busy". Before a driver
// opens the device it asks the releaser to clear it:
//   1. lsof -t lists holder PIDs; fuser -v is the fallback
//   2. our own PID is never touched
//   3. SIGTERM, grace period, then SIGKILL for survivors
// =============================================================================

// CommandRunner runs an external command and returns its trimmed stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) string

// DeviceReleaser terminates processes that hold a device file open.
type DeviceReleaser struct {
	Enabled bool
	Grace   time.Duration

	logger *zap.SugaredLogger
	run    CommandRunner
	signal func(pid int, sig syscall.Signal) error
}

// NewDeviceReleaser returns a releaser using lsof/fuser and real signals.
func NewDeviceReleaser(enabled bool, logger *zap.SugaredLogger) *DeviceReleaser {
	return &DeviceReleaser{
		Enabled: enabled,
		Grace:   400 * time.Millisecond,
		logger:  logger.Named("release"),
		run:     runCmd,
		signal:  syscall.Kill,
	}
}

// Release clears holders of devicePath. Returns the PIDs that were signalled.
// A disabled releaser is a no-op.
func (r *DeviceReleaser) Release(ctx context.Context, devicePath string) []int {
	if r == nil || !r.Enabled || devicePath == "" {
		return nil
	}

	pids := parseLsofPIDs(r.run(ctx, "lsof", "-t", devicePath))
	if len(pids) == 0 {
		pids = parseFuserPIDs(r.run(ctx, "fuser", "-v", devicePath))
	}
	delete(pids, os.Getpid())
	if len(pids) == 0 {
		return nil
	}

	victims := sortedPIDs(pids)
	r.logger.Infow("killing device holders", "device", devicePath, "pids", victims)

	escalated := false
	for _, pid := range victims {
		if err := r.signal(pid, syscall.SIGTERM); err != nil {
			if isPermissionError(err) && !escalated {
				r.run(ctx, "sudo", "fuser", "-k", devicePath)
				escalated = true
				continue
			}
			r.logger.Debugw("SIGTERM failed", "pid", pid, "error", err)
		}
	}

	select {
	case <-time.After(r.Grace):
	case <-ctx.Done():
		return victims
	}

	for _, pid := range victims {
		if r.signal(pid, 0) != nil {
			continue
		}
		if err := r.signal(pid, syscall.SIGKILL); err != nil && !isPermissionError(err) {
			r.logger.Warnw("SIGKILL failed", "pid", pid, "error", err)
		}
	}
	return victims
}

func parseLsofPIDs(out string) map[int]struct{} {
	pids := make(map[int]struct{})
	for _, line := range strings.Split(out, "\n") {
		if pid, err := strconv.Atoi(strings.TrimSpace(line)); err == nil && pid > 0 {
			pids[pid] = struct{}{}
		}
	}
	return pids
}

var digitRegexp = regexp.MustCompile(`\b(\d+)\b`)

func parseFuserPIDs(out string) map[int]struct{} {
	pids := make(map[int]struct{})
	for _, match := range digitRegexp.FindAllString(out, -1) {
		if pid, err := strconv.Atoi(match); err == nil && pid > 0 {
			pids[pid] = struct{}{}
		}
	}
	return pids
}

// runCmd executes a command with a 2-second timeout and returns stdout.
// Errors (including timeout) yield an empty string.
func runCmd(ctx context.Context, name string, args ...string) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func isPermissionError(err error) bool {
	return err == syscall.EPERM || err == syscall.EACCES
}

func sortedPIDs(m map[int]struct{}) []int {
	pids := make([]int, 0, len(m))
	for pid := range m {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}
