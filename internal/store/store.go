// Package store manages the gpumon snapshot database.
// It wraps GORM with SQLite and provides the append/window-query/eviction
// surface the monitor loop and the idle detector run on.
package store

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/oselab/gpumon/internal/models"
)

// Store is the durable, append-only time series of device and process facts.
// It is owned by the monitor loop; there is no cross-tick concurrent access.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite database at path and runs AutoMigrate.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.DeviceSnapshot{},
		&models.ProcessSnapshot{},
		&models.AlertRecord{},
	); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// AppendSnapshots inserts one poll tick's rows in a single transaction.
// Empty input is a valid no-op.
func (s *Store) AppendSnapshots(devices []models.DeviceSnapshot, procs []models.ProcessSnapshot) error {
	if len(devices) == 0 && len(procs) == 0 {
		return nil
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if len(devices) > 0 {
			if err := tx.Create(&devices).Error; err != nil {
				return err
			}
		}
		if len(procs) > 0 {
			if err := tx.Create(&procs).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("appending snapshots: %w", err)
	}
	return nil
}

// WindowAverage returns the mean device utilization over rows with
// timestamp >= since. ok is false when the window holds no rows — callers
// must distinguish "no data" from "zero utilization".
func (s *Store) WindowAverage(deviceID int, since time.Time) (avg float64, ok bool, err error) {
	var result struct {
		Avg   float64
		Count int64
	}
	err = s.db.Model(&models.DeviceSnapshot{}).
		Select("COALESCE(AVG(utilization), 0) as avg, COUNT(*) as count").
		Where("device_id = ? AND timestamp >= ?", deviceID, since).
		Scan(&result).Error
	if err != nil {
		return 0, false, fmt.Errorf("window average: %w", err)
	}
	if result.Count == 0 {
		return 0, false, nil
	}
	return result.Avg, true, nil
}

// WindowCount counts the process snapshot rows for (deviceID, pid) with
// timestamp >= since. The detector requires a minimum count before alerting
// so a process that just started cannot trip on one reading.
func (s *Store) WindowCount(deviceID int, pid int32, since time.Time) (int64, error) {
	var count int64
	err := s.db.Model(&models.ProcessSnapshot{}).
		Where("device_id = ? AND pid = ? AND timestamp >= ?", deviceID, pid, since).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("window count: %w", err)
	}
	return count, nil
}

// EvictOlderThan deletes all snapshot rows with timestamp strictly older than
// cutoff and returns the number of rows removed. Idempotent.
func (s *Store) EvictOlderThan(cutoff time.Time) (int64, error) {
	var removed int64

	res := s.db.Unscoped().Where("timestamp < ?", cutoff).Delete(&models.DeviceSnapshot{})
	if res.Error != nil {
		return removed, fmt.Errorf("evicting device snapshots: %w", res.Error)
	}
	removed += res.RowsAffected

	res = s.db.Unscoped().Where("timestamp < ?", cutoff).Delete(&models.ProcessSnapshot{})
	if res.Error != nil {
		return removed, fmt.Errorf("evicting process snapshots: %w", res.Error)
	}
	removed += res.RowsAffected

	return removed, nil
}

// RecordAlert persists the idle-alert audit row.
func (s *Store) RecordAlert(rec models.AlertRecord) error {
	if err := s.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("recording alert: %w", err)
	}
	return nil
}

// RecentAlerts returns up to limit alert audit rows, newest first.
func (s *Store) RecentAlerts(limit int) ([]models.AlertRecord, error) {
	var recs []models.AlertRecord
	err := s.db.Order("timestamp desc").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("listing alerts: %w", err)
	}
	return recs, nil
}

// LatestDeviceSnapshots returns the most recent snapshot row per device,
// ordered by device id.
func (s *Store) LatestDeviceSnapshots() ([]models.DeviceSnapshot, error) {
	var ids []int
	if err := s.db.Model(&models.DeviceSnapshot{}).
		Distinct("device_id").Order("device_id").Pluck("device_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}

	snaps := make([]models.DeviceSnapshot, 0, len(ids))
	for _, id := range ids {
		var snap models.DeviceSnapshot
		err := s.db.Where("device_id = ?", id).Order("timestamp desc").First(&snap).Error
		if err != nil {
			return nil, fmt.Errorf("latest snapshot for device %d: %w", id, err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// DeviceHistory returns a device's snapshot rows with timestamp >= since,
// oldest first.
func (s *Store) DeviceHistory(deviceID int, since time.Time) ([]models.DeviceSnapshot, error) {
	var snaps []models.DeviceSnapshot
	err := s.db.Where("device_id = ? AND timestamp >= ?", deviceID, since).
		Order("timestamp").Find(&snaps).Error
	if err != nil {
		return nil, fmt.Errorf("device history: %w", err)
	}
	return snaps, nil
}
