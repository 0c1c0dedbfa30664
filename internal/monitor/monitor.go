// Package monitor drives the poll loop: collect telemetry, persist
// snapshots, reconcile the dashboard, detect idle processes, sweep retention.
package monitor

import (
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/oselab/gpumon/internal/dashboard"
	"github.com/oselab/gpumon/internal/models"
)

// TelemetrySource supplies device and process facts on demand.
type TelemetrySource interface {
	ListDevices(ctx context.Context) ([]models.DeviceFact, error)
	ListProcesses(ctx context.Context) ([]models.ProcessFact, error)
}

// SnapshotStore is the slice of the store the loop writes to.
type SnapshotStore interface {
	AppendSnapshots(devices []models.DeviceSnapshot, procs []models.ProcessSnapshot) error
	EvictOlderThan(cutoff time.Time) (int64, error)
}

// Reconciler converges the remote dashboard each tick.
type Reconciler interface {
	Reconcile(ctx context.Context, doc dashboard.Document) (dashboard.Outcome, error)
}

// IdleChecker runs one idle-detection pass and returns alerts fired.
type IdleChecker interface {
	Check(procs []models.ProcessFact, now time.Time) int
}

// SessionLogger records process session summaries; optional.
type SessionLogger interface {
	Enabled() bool
	LogRecentSessions(ctx context.Context, now time.Time) error
}

// Options configures the loop.
type Options struct {
	Interval  time.Duration
	Retention time.Duration
}

// Monitor owns the single-threaded run loop. Ticks are strictly sequential:
// a tick that overruns the interval delays the next one, it never overlaps.
type Monitor struct {
	source     TelemetrySource
	store      SnapshotStore
	reconciler Reconciler
	detector   IdleChecker
	sessions   SessionLogger

	interval   time.Duration
	retention  time.Duration
	evictEvery int

	log zerolog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// New wires a monitor. sessions may be nil.
func New(source TelemetrySource, store SnapshotStore, reconciler Reconciler,
	detector IdleChecker, sessions SessionLogger, opts Options, log zerolog.Logger) *Monitor {
	// Retention sweeps run roughly hourly regardless of the poll cadence.
	evictEvery := int((time.Hour + opts.Interval - 1) / opts.Interval)
	if evictEvery < 1 {
		evictEvery = 1
	}

	return &Monitor{
		source:     source,
		store:      store,
		reconciler: reconciler,
		detector:   detector,
		sessions:   sessions,
		interval:   opts.Interval,
		retention:  opts.Retention,
		evictEvery: evictEvery,
		log:        log,
		now:        time.Now,
	}
}

// Run executes ticks until ctx is cancelled. An interrupt during the interval
// sleep exits immediately; an interrupt mid-tick lets outbound calls abort
// via ctx and returns after the tick. A missing telemetry binary is fatal
// and returned to the caller.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info().Dur("interval", m.interval).Dur("retention", m.retention).
		Int("evict_every_ticks", m.evictEvery).Msg("monitor loop starting")

	tick := 0
	for {
		tick++
		if err := m.runTick(ctx, tick); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			m.log.Info().Int("ticks", tick).Msg("monitor loop stopped")
			return nil
		case <-time.After(m.interval):
		}
	}
}

// runTick performs one poll cycle. All per-tick errors are contained here;
// only fatal telemetry misconfiguration propagates.
func (m *Monitor) runTick(ctx context.Context, tick int) error {
	now := m.now()

	devices, err := m.source.ListDevices(ctx)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return err
		}
		m.log.Warn().Err(err).Int("tick", tick).Msg("telemetry unavailable, skipping tick")
		return nil
	}
	if len(devices) == 0 {
		m.log.Warn().Int("tick", tick).Msg("no GPU data this tick")
		return nil
	}

	procs, err := m.source.ListProcesses(ctx)
	if err != nil {
		// Device stats still flow; the tick proceeds with an empty list.
		m.log.Warn().Err(err).Int("tick", tick).Msg("process telemetry unavailable")
		procs = nil
	}

	stored := m.persist(devices, procs, now)

	doc := dashboard.BuildSections(devices, procs, now)
	outcome, err := m.reconciler.Reconcile(ctx, doc)
	if err != nil {
		m.log.Warn().Err(err).Str("outcome", outcome.String()).
			Msg("dashboard stale this tick, retrying next cycle")
	}

	alerts := 0
	if stored {
		alerts = m.detector.Check(procs, now)
	}

	if stored && m.sessions != nil && m.sessions.Enabled() {
		if err := m.sessions.LogRecentSessions(ctx, now); err != nil {
			m.log.Warn().Err(err).Msg("session history logging failed")
		}
	}

	if tick%m.evictEvery == 0 {
		m.sweep(now)
	}

	m.log.Info().
		Int("tick", tick).
		Int("devices", len(devices)).
		Int("processes", len(procs)).
		Int("alerts", alerts).
		Str("dashboard", outcome.String()).
		Msg("tick complete")
	return nil
}

// persist writes the snapshot batch; returns false when storage failed so
// dependent computation is skipped for this tick.
func (m *Monitor) persist(devices []models.DeviceFact, procs []models.ProcessFact, now time.Time) bool {
	devRows := make([]models.DeviceSnapshot, 0, len(devices))
	for _, d := range devices {
		devRows = append(devRows, models.DeviceSnapshot{
			Timestamp:     now,
			DeviceID:      d.ID,
			Utilization:   d.Utilization,
			MemoryUsedMB:  d.MemoryUsedMB,
			MemoryTotalMB: d.MemoryTotalMB,
			Temperature:   d.Temperature,
		})
	}

	procRows := make([]models.ProcessSnapshot, 0, len(procs))
	for _, p := range procs {
		procRows = append(procRows, models.ProcessSnapshot{
			Timestamp:    now,
			DeviceID:     p.DeviceID,
			PID:          p.PID,
			Owner:        p.Owner,
			MemoryUsedMB: p.MemoryUsedMB,
		})
	}

	if err := m.store.AppendSnapshots(devRows, procRows); err != nil {
		m.log.Error().Err(err).Msg("snapshot write failed, skipping idle detection this tick")
		return false
	}
	return true
}

func (m *Monitor) sweep(now time.Time) {
	removed, err := m.store.EvictOlderThan(now.Add(-m.retention))
	if err != nil {
		m.log.Error().Err(err).Msg("retention sweep failed")
		return
	}
	if removed > 0 {
		m.log.Info().Int64("rows", removed).Msg("retention sweep removed old snapshots")
	}
}
