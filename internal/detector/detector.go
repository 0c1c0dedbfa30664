// Package detector implements idle-process detection with alert debouncing.
//
// Utilization is only available at device granularity, so the detector's
// claim is "this device showed low aggregate utilization while this process
// held memory on it for at least minSamples polls" — an approximation, not
// per-process attribution.
package detector

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/oselab/gpumon/internal/models"
	"github.com/oselab/gpumon/internal/notify"
)

// minSamples is the corroborating-sample guard: a process must appear in at
// least this many snapshots inside the window before it can alert.
const minSamples = 3

// Aggregates is the slice of the snapshot store the detector reads and writes.
type Aggregates interface {
	WindowAverage(deviceID int, since time.Time) (avg float64, ok bool, err error)
	WindowCount(deviceID int, pid int32, since time.Time) (int64, error)
	RecordAlert(rec models.AlertRecord) error
}

type alertState int

const (
	stateTracking alertState = iota
	stateAlerted
)

type key struct {
	DeviceID int
	PID      int32
}

// Detector holds per-process alert state for the lifetime of the monitor
// process. The state set is deliberately not persisted: a restart loses all
// debounce memory and re-arms every key.
type Detector struct {
	store    Aggregates
	notifier notify.Notifier

	window        time.Duration
	utilThreshold float64
	userDomain    string
	interval      time.Duration

	states map[key]alertState
	log    zerolog.Logger
}

// Options configures a Detector.
type Options struct {
	Window        time.Duration // idle lookback, e.g. 10m
	UtilThreshold float64       // percent below which a device counts as idle
	UserDomain    string        // recipient domain for owner emails
	Interval      time.Duration // poll cadence, mentioned in the alert body
}

// New builds a detector. notifier may be nil when alert delivery is disabled;
// debounce state and audit records are kept either way.
func New(store Aggregates, notifier notify.Notifier, opts Options, log zerolog.Logger) *Detector {
	return &Detector{
		store:         store,
		notifier:      notifier,
		window:        opts.Window,
		utilThreshold: opts.UtilThreshold,
		userDomain:    opts.UserDomain,
		interval:      opts.Interval,
		states:        make(map[key]alertState),
		log:           log,
	}
}

// Check runs one detection pass over the current active process list.
// It returns the number of alerts fired this tick.
func (d *Detector) Check(procs []models.ProcessFact, now time.Time) int {
	d.prune(procs)

	since := now.Add(-d.window)
	fired := 0

	for _, proc := range procs {
		k := key{DeviceID: proc.DeviceID, PID: proc.PID}

		state, seen := d.states[k]
		if !seen {
			d.states[k] = stateTracking
			state = stateTracking
		}
		if state == stateAlerted {
			continue
		}

		avg, ok, err := d.store.WindowAverage(proc.DeviceID, since)
		if err != nil {
			d.log.Error().Err(err).Int("device", proc.DeviceID).Msg("window average failed, skipping key this tick")
			continue
		}
		if !ok || avg >= d.utilThreshold {
			continue
		}

		count, err := d.store.WindowCount(proc.DeviceID, proc.PID, since)
		if err != nil {
			d.log.Error().Err(err).Int("device", proc.DeviceID).Int32("pid", proc.PID).
				Msg("window count failed, skipping key this tick")
			continue
		}
		if count < minSamples {
			continue
		}

		d.fire(proc, avg, now)
		d.states[k] = stateAlerted
		fired++
	}

	return fired
}

// prune drops state for keys absent from the current active list. A reused
// (device, pid) key after its session ends starts a fresh alert cycle.
func (d *Detector) prune(procs []models.ProcessFact) {
	active := make(map[key]struct{}, len(procs))
	for _, p := range procs {
		active[key{DeviceID: p.DeviceID, PID: p.PID}] = struct{}{}
	}
	for k := range d.states {
		if _, ok := active[k]; !ok {
			delete(d.states, k)
		}
	}
}

// fire sends the alert and writes the audit record. Delivery failure is
// logged only — the key still transitions to Alerted so a persistently
// broken transport cannot cause an alert storm.
func (d *Detector) fire(proc models.ProcessFact, avgUtil float64, now time.Time) {
	reason := fmt.Sprintf("Low utilization: %.1f%%", avgUtil)

	if d.notifier != nil {
		recipient := fmt.Sprintf("%s@%s", proc.Owner, d.userDomain)
		subject := fmt.Sprintf("GPU Monitor: Idle Process Alert - GPU %d", proc.DeviceID)
		body := d.alertBody(proc, avgUtil)

		if err := d.notifier.Send(recipient, subject, body); err != nil {
			d.log.Error().Err(err).Str("recipient", recipient).Int32("pid", proc.PID).
				Msg("alert delivery failed")
		} else {
			d.log.Info().Str("recipient", recipient).Int("device", proc.DeviceID).
				Int32("pid", proc.PID).Msg("idle alert sent")
		}
	}

	if err := d.store.RecordAlert(models.AlertRecord{
		Timestamp: now,
		DeviceID:  proc.DeviceID,
		PID:       proc.PID,
		Owner:     proc.Owner,
		Reason:    reason,
	}); err != nil {
		d.log.Error().Err(err).Int32("pid", proc.PID).Msg("alert audit record failed")
	}
}

func (d *Detector) alertBody(proc models.ProcessFact, avgUtil float64) string {
	return fmt.Sprintf(`Hi %s,

Just a friendly reminder from the GPU Monitor system.

Your process (PID %d) on GPU %d has been using GPU memory but showing low utilization (<%.0f%%) for the past %.0f minutes.

Average utilization: %.1f%%

When you get a chance, you might want to check if:
- The job completed but didn't exit cleanly
- The process is stuck or waiting for input
- You're between training runs

If this process is intentional (e.g., holding memory for next run), no action needed!

To free up the GPU for others:
  kill %d

Best regards,
GPU Monitor Bot

---
This is an automated message. The monitor checks every %.0f seconds.`,
		proc.Owner, proc.PID, proc.DeviceID, d.utilThreshold, d.window.Minutes(),
		avgUtil, proc.PID, d.interval.Seconds())
}
