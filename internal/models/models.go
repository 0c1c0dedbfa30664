// Package models defines GORM data models and shared telemetry facts for gpumon.
package models

import (
	"time"

	"gorm.io/gorm"
)

// DeviceSnapshot is one device's telemetry at one poll tick.
// Rows are append-only: never updated, deleted only by the retention sweep.
type DeviceSnapshot struct {
	gorm.Model

	Timestamp     time.Time `gorm:"index;not null" json:"timestamp"`
	DeviceID      int       `gorm:"index;not null" json:"device_id"`
	Utilization   float64   `json:"utilization"` // percent 0-100, device aggregate
	MemoryUsedMB  int64     `json:"memory_used_mb"`
	MemoryTotalMB int64     `json:"memory_total_mb"`
	Temperature   float64   `json:"temperature"` // °C
}

// ProcessSnapshot is one compute process observed holding device memory at
// one poll tick. A process "session" is the implicit run of rows sharing
// (DeviceID, PID) across consecutive polls; liveness is inferred from the
// recency of the newest row.
type ProcessSnapshot struct {
	gorm.Model

	Timestamp    time.Time `gorm:"index;not null" json:"timestamp"`
	DeviceID     int       `gorm:"index;not null" json:"device_id"`
	PID          int32     `gorm:"column:pid;index;not null" json:"pid"`
	Owner        string    `json:"owner"`
	MemoryUsedMB int64     `json:"memory_used_mb"`
}

// AlertRecord is the audit row written when the idle detector fires.
type AlertRecord struct {
	gorm.Model

	Timestamp time.Time `gorm:"index;not null" json:"timestamp"`
	DeviceID  int       `gorm:"index;not null" json:"device_id"`
	PID       int32     `json:"pid"`
	Owner     string    `json:"owner"`
	Reason    string    `json:"reason"`
}
