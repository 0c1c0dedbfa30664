// Package telemetry adapts nvidia-smi into device and process facts.
// Collection failures are per-tick: callers treat a CollectionError as
// "no data this tick", never as fatal. Only a missing binary at startup
// (Probe) is fatal.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/oselab/gpumon/internal/models"
)

const smiBinary = "nvidia-smi"

// unknownOwner is the sentinel used when a PID's owner cannot be resolved.
const unknownOwner = "unknown"

// CollectionError wraps a failed telemetry read.
type CollectionError struct {
	Op  string
	Err error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("telemetry %s: %v", e.Op, e.Err)
}

func (e *CollectionError) Unwrap() error { return e.Err }

// Source reads GPU telemetry via nvidia-smi subprocess calls.
type Source struct {
	// ownerOf is swappable in tests; defaults to gopsutil lookup.
	ownerOf func(pid int32) string
}

// NewSource returns a telemetry source backed by nvidia-smi.
func NewSource() *Source {
	return &Source{ownerOf: resolveOwner}
}

// Probe verifies nvidia-smi is present on PATH. A missing binary is a fatal
// misconfiguration; the caller exits before entering the monitor loop.
func Probe() error {
	if _, err := exec.LookPath(smiBinary); err != nil {
		return fmt.Errorf("%s not found on PATH (NVIDIA driver tooling missing): %w", smiBinary, err)
	}
	return nil
}

// ListDevices returns one fact per device.
func (s *Source) ListDevices(ctx context.Context) ([]models.DeviceFact, error) {
	out, err := runSMI(ctx,
		"--query-gpu=index,name,utilization.gpu,memory.used,memory.total,temperature.gpu",
		"--format=csv,noheader,nounits")
	if err != nil {
		return nil, &CollectionError{Op: "query-gpu", Err: err}
	}

	devices, err := parseDeviceCSV(out)
	if err != nil {
		return nil, &CollectionError{Op: "query-gpu", Err: err}
	}
	return devices, nil
}

// ListProcesses returns the active compute processes across all devices.
// Owner resolution failure for an individual PID yields "unknown" rather
// than failing the whole call.
func (s *Source) ListProcesses(ctx context.Context) ([]models.ProcessFact, error) {
	out, err := runSMI(ctx,
		"--query-compute-apps=gpu_bus_id,pid,used_memory",
		"--format=csv,noheader,nounits")
	if err != nil {
		return nil, &CollectionError{Op: "query-compute-apps", Err: err}
	}

	busToIndex, err := s.busIndexMap(ctx)
	if err != nil {
		return nil, err
	}

	procs, err := parseProcessCSV(out, busToIndex)
	if err != nil {
		return nil, &CollectionError{Op: "query-compute-apps", Err: err}
	}

	for i := range procs {
		procs[i].Owner = s.ownerOf(procs[i].PID)
	}
	return procs, nil
}

// busIndexMap resolves GPU bus ids to device indexes. nvidia-smi reports
// compute apps by bus id only.
func (s *Source) busIndexMap(ctx context.Context) (map[string]int, error) {
	out, err := runSMI(ctx, "--query-gpu=index,gpu_bus_id", "--format=csv,noheader")
	if err != nil {
		return nil, &CollectionError{Op: "query-bus-id", Err: err}
	}

	m := make(map[string]int)
	for _, line := range splitLines(out) {
		parts := strings.SplitN(line, ",", 2)
		if len(parts) != 2 {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			continue
		}
		m[strings.TrimSpace(parts[1])] = idx
	}
	return m, nil
}

func runSMI(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, smiBinary, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%s exited %d: %s", smiBinary, exitErr.ExitCode(), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", err
	}
	return string(out), nil
}

func resolveOwner(pid int32) string {
	p, err := process.NewProcess(pid)
	if err != nil {
		return unknownOwner
	}
	owner, err := p.Username()
	if err != nil || owner == "" {
		return unknownOwner
	}
	return owner
}
