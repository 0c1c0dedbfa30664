package store

import (
	"fmt"
	"time"

	"github.com/oselab/gpumon/internal/models"
)

// sessionEndGrace is how long a session may go without a snapshot before it
// is considered ended.
const sessionEndGrace = 2 * time.Minute

// SessionKey identifies one implicit process session.
type SessionKey struct {
	DeviceID int
	PID      int32
	Owner    string
}

// SessionStats summarizes one process session from its snapshot rows.
type SessionStats struct {
	FirstSeen       time.Time
	LastSeen        time.Time
	AvgMemoryMB     int64
	PeakMemoryMB    int64
	AvgUtilization  float64 // device aggregate over the session span
	PeakUtilization float64
	DurationMinutes float64
	Ended           bool
}

// DistinctSessions lists the distinct (device, pid, owner) keys with at least
// one process snapshot since the given time.
func (s *Store) DistinctSessions(since time.Time) ([]SessionKey, error) {
	var rows []struct {
		DeviceID int
		PID      int32 `gorm:"column:pid"`
		Owner    string
	}
	err := s.db.Model(&models.ProcessSnapshot{}).
		Distinct("device_id", "pid", "owner").
		Where("timestamp >= ?", since).
		Order("device_id, pid").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	keys := make([]SessionKey, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, SessionKey{DeviceID: r.DeviceID, PID: r.PID, Owner: r.Owner})
	}
	return keys, nil
}

// SessionStats computes the summary for the (deviceID, pid) session.
// Returns (nil, nil) when no snapshot rows exist for the key.
func (s *Store) SessionStats(deviceID int, pid int32, now time.Time) (*SessionStats, error) {
	var procs []models.ProcessSnapshot
	err := s.db.Where("device_id = ? AND pid = ?", deviceID, pid).
		Order("timestamp").Find(&procs).Error
	if err != nil {
		return nil, fmt.Errorf("session snapshots: %w", err)
	}
	if len(procs) == 0 {
		return nil, nil
	}

	stats := &SessionStats{
		FirstSeen: procs[0].Timestamp,
		LastSeen:  procs[len(procs)-1].Timestamp,
	}
	stats.DurationMinutes = stats.LastSeen.Sub(stats.FirstSeen).Minutes()
	stats.Ended = now.Sub(stats.LastSeen) > sessionEndGrace

	var memSum int64
	for _, p := range procs {
		memSum += p.MemoryUsedMB
		if p.MemoryUsedMB > stats.PeakMemoryMB {
			stats.PeakMemoryMB = p.MemoryUsedMB
		}
	}
	stats.AvgMemoryMB = memSum / int64(len(procs))

	// Device utilization over the session span. Aggregate device telemetry
	// is the only utilization signal available; this is not per-process
	// attribution.
	var util struct {
		Avg   float64
		Peak  float64
		Count int64
	}
	err = s.db.Model(&models.DeviceSnapshot{}).
		Select("COALESCE(AVG(utilization), 0) as avg, COALESCE(MAX(utilization), 0) as peak, COUNT(*) as count").
		Where("device_id = ? AND timestamp >= ? AND timestamp <= ?", deviceID, stats.FirstSeen, stats.LastSeen).
		Scan(&util).Error
	if err != nil {
		return nil, fmt.Errorf("session utilization: %w", err)
	}
	stats.AvgUtilization = util.Avg
	stats.PeakUtilization = util.Peak

	return stats, nil
}
