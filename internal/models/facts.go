package models

// DeviceFact is the telemetry source's report for one device at one instant.
type DeviceFact struct {
	ID            int     `json:"id"`
	Name          string  `json:"name"`
	Utilization   float64 `json:"utilization"`
	MemoryUsedMB  int64   `json:"memory_used_mb"`
	MemoryTotalMB int64   `json:"memory_total_mb"`
	Temperature   float64 `json:"temperature"`
}

// ProcessFact is one active compute process as reported by the telemetry source.
type ProcessFact struct {
	DeviceID     int    `json:"device_id"`
	PID          int32  `json:"pid"`
	Owner        string `json:"owner"`
	MemoryUsedMB int64  `json:"memory_used_mb"`
}
