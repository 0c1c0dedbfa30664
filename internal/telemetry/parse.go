package telemetry

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/oselab/gpumon/internal/models"
)

// parseDeviceCSV parses "--query-gpu=index,name,utilization.gpu,memory.used,
// memory.total,temperature.gpu" output in csv,noheader,nounits format.
func parseDeviceCSV(out string) ([]models.DeviceFact, error) {
	var devices []models.DeviceFact
	for _, line := range splitLines(out) {
		parts := splitFields(line)
		if len(parts) != 6 {
			return nil, fmt.Errorf("malformed device line %q", line)
		}

		index, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("device index %q: %w", parts[0], err)
		}
		util, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return nil, fmt.Errorf("device %d utilization %q: %w", index, parts[2], err)
		}
		memUsed, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("device %d memory.used %q: %w", index, parts[3], err)
		}
		memTotal, err := strconv.ParseInt(parts[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("device %d memory.total %q: %w", index, parts[4], err)
		}
		temp, err := strconv.ParseFloat(parts[5], 64)
		if err != nil {
			return nil, fmt.Errorf("device %d temperature %q: %w", index, parts[5], err)
		}

		devices = append(devices, models.DeviceFact{
			ID:            index,
			Name:          parts[1],
			Utilization:   util,
			MemoryUsedMB:  memUsed,
			MemoryTotalMB: memTotal,
			Temperature:   temp,
		})
	}
	return devices, nil
}

// parseProcessCSV parses "--query-compute-apps=gpu_bus_id,pid,used_memory"
// output. Bus ids absent from busToIndex map to device 0, matching the
// driver tool's own fallback when a bus id cannot be resolved.
func parseProcessCSV(out string, busToIndex map[string]int) ([]models.ProcessFact, error) {
	var procs []models.ProcessFact
	for _, line := range splitLines(out) {
		parts := splitFields(line)
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed process line %q", line)
		}

		pid, err := strconv.ParseInt(parts[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("process pid %q: %w", parts[1], err)
		}
		mem, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("process %d used_memory %q: %w", pid, parts[2], err)
		}

		procs = append(procs, models.ProcessFact{
			DeviceID:     busToIndex[parts[0]],
			PID:          int32(pid),
			MemoryUsedMB: mem,
		})
	}
	return procs, nil
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func splitFields(line string) []string {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
