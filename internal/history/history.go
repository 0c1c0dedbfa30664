// Package history records one summary row per process session into the
// remote history database.
package history

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/oselab/gpumon/internal/notion"
	"github.com/oselab/gpumon/internal/store"
)

// sessionLookback bounds which sessions get logged: anything with a snapshot
// in the last hour.
const sessionLookback = time.Hour

// idleStatusThreshold mirrors the detector's defaults for labeling a session
// "Idle Alert" in the history database.
const (
	idleStatusUtil    = 5.0
	idleStatusMinutes = 10.0
)

// PageCreator is the slice of the document client the logger needs.
type PageCreator interface {
	CreatePage(ctx context.Context, page notion.PageRequest) error
}

// Logger writes process session summaries to a remote database. Each session
// is logged at most once per process lifetime (in-memory debounce, same
// restart semantics as the idle detector's alert set).
type Logger struct {
	store      *store.Store
	client     PageCreator
	databaseID string
	logged     map[store.SessionKey]bool
	log        zerolog.Logger
}

// New builds a session logger. databaseID empty disables it; callers check
// Enabled before running.
func New(st *store.Store, client PageCreator, databaseID string, log zerolog.Logger) *Logger {
	return &Logger{
		store:      st,
		client:     client,
		databaseID: databaseID,
		logged:     make(map[store.SessionKey]bool),
		log:        log,
	}
}

// Enabled reports whether a history database is configured.
func (l *Logger) Enabled() bool { return l.databaseID != "" }

// LogRecentSessions logs every not-yet-logged session with activity in the
// last hour. Individual failures are logged and skipped; the session stays
// eligible for the next pass.
func (l *Logger) LogRecentSessions(ctx context.Context, now time.Time) error {
	keys, err := l.store.DistinctSessions(now.Add(-sessionLookback))
	if err != nil {
		return err
	}

	for _, key := range keys {
		if l.logged[key] {
			continue
		}

		stats, err := l.store.SessionStats(key.DeviceID, key.PID, now)
		if err != nil {
			l.log.Error().Err(err).Int("device", key.DeviceID).Int32("pid", key.PID).
				Msg("session stats failed")
			continue
		}
		if stats == nil {
			continue
		}

		if err := l.client.CreatePage(ctx, l.buildPage(key, stats)); err != nil {
			l.log.Warn().Err(err).Int("device", key.DeviceID).Int32("pid", key.PID).
				Msg("history entry failed")
			continue
		}

		l.logged[key] = true
		l.log.Info().Int("device", key.DeviceID).Int32("pid", key.PID).
			Str("owner", key.Owner).Msg("session logged to history database")
	}
	return nil
}

func (l *Logger) buildPage(key store.SessionKey, stats *store.SessionStats) notion.PageRequest {
	props := map[string]notion.PropertyValue{
		"Process": {
			Title: notion.TextContent(fmt.Sprintf("GPU %d - %s - PID %d", key.DeviceID, key.Owner, key.PID)),
		},
		"GPU ID":           {Select: &notion.SelectOption{Name: fmt.Sprintf("GPU %d", key.DeviceID)}},
		"Username":         {Select: &notion.SelectOption{Name: key.Owner}},
		"PID":              {Number: notion.Num(float64(key.PID))},
		"Start Time":       {Date: &notion.DateValue{Start: stats.FirstSeen.Format(time.RFC3339)}},
		"Avg Utilization":  {Number: notion.Num(round1(stats.AvgUtilization))},
		"Peak Utilization": {Number: notion.Num(round1(stats.PeakUtilization))},
		"Avg Memory":       {Number: notion.Num(float64(stats.AvgMemoryMB))},
		"Peak Memory":      {Number: notion.Num(float64(stats.PeakMemoryMB))},
		"Status":           {Status: &notion.SelectOption{Name: sessionStatus(stats)}},
	}
	if stats.Ended {
		props["End Time"] = notion.PropertyValue{Date: &notion.DateValue{Start: stats.LastSeen.Format(time.RFC3339)}}
	}

	return notion.PageRequest{
		Parent:     notion.Parent{DatabaseID: l.databaseID},
		Properties: props,
	}
}

func sessionStatus(stats *store.SessionStats) string {
	switch {
	case stats.Ended:
		return "Completed"
	case stats.AvgUtilization < idleStatusUtil && stats.DurationMinutes > idleStatusMinutes:
		return "Idle Alert"
	default:
		return "Running"
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
