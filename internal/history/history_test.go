package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oselab/gpumon/internal/logger"
	"github.com/oselab/gpumon/internal/models"
	"github.com/oselab/gpumon/internal/notion"
	"github.com/oselab/gpumon/internal/store"
)

type fakePageCreator struct {
	pages []notion.PageRequest
	err   error
}

func (f *fakePageCreator) CreatePage(_ context.Context, page notion.PageRequest) error {
	if f.err != nil {
		return f.err
	}
	f.pages = append(f.pages, page)
	return nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return st
}

// seedSession writes a device+process row pair per timestamp.
func seedSession(t *testing.T, st *store.Store, deviceID int, pid int32, owner string, util float64, times ...time.Time) {
	t.Helper()
	for _, ts := range times {
		require.NoError(t, st.AppendSnapshots(
			[]models.DeviceSnapshot{{Timestamp: ts, DeviceID: deviceID, Utilization: util, MemoryUsedMB: 1000, MemoryTotalMB: 8000}},
			[]models.ProcessSnapshot{{Timestamp: ts, DeviceID: deviceID, PID: pid, Owner: owner, MemoryUsedMB: 2000}},
		))
	}
}

func TestDisabledWithoutDatabase(t *testing.T) {
	l := New(openTestStore(t), &fakePageCreator{}, "", logger.NewTestLogger())
	assert.False(t, l.Enabled())

	l = New(openTestStore(t), &fakePageCreator{}, "db-1", logger.NewTestLogger())
	assert.True(t, l.Enabled())
}

func TestLogsSessionOnce(t *testing.T) {
	st := openTestStore(t)
	now := time.Now()
	seedSession(t, st, 0, 111, "alice", 50,
		now.Add(-20*time.Minute), now.Add(-10*time.Minute), now.Add(-30*time.Second))

	creator := &fakePageCreator{}
	l := New(st, creator, "db-1", logger.NewTestLogger())

	require.NoError(t, l.LogRecentSessions(context.Background(), now))
	require.Len(t, creator.pages, 1)

	page := creator.pages[0]
	assert.Equal(t, "db-1", page.Parent.DatabaseID)
	assert.Equal(t, "GPU 0 - alice - PID 111", page.Properties["Process"].Title[0].Text.Content)
	assert.Equal(t, "GPU 0", page.Properties["GPU ID"].Select.Name)
	assert.Equal(t, "alice", page.Properties["Username"].Select.Name)
	assert.Equal(t, float64(111), *page.Properties["PID"].Number)
	assert.Equal(t, "Running", page.Properties["Status"].Status.Name)
	assert.NotContains(t, page.Properties, "End Time", "running session has no end time")

	// Second pass: already logged.
	require.NoError(t, l.LogRecentSessions(context.Background(), now))
	assert.Len(t, creator.pages, 1)
}

func TestCompletedSessionGetsEndTime(t *testing.T) {
	st := openTestStore(t)
	now := time.Now()
	last := now.Add(-10 * time.Minute)
	seedSession(t, st, 0, 111, "alice", 50, now.Add(-30*time.Minute), last)

	creator := &fakePageCreator{}
	l := New(st, creator, "db-1", logger.NewTestLogger())

	require.NoError(t, l.LogRecentSessions(context.Background(), now))
	require.Len(t, creator.pages, 1)

	page := creator.pages[0]
	assert.Equal(t, "Completed", page.Properties["Status"].Status.Name)
	require.Contains(t, page.Properties, "End Time")
	assert.Equal(t, last.Format(time.RFC3339), page.Properties["End Time"].Date.Start)
}

func TestIdleSessionStatus(t *testing.T) {
	st := openTestStore(t)
	now := time.Now()
	// Long-running, still active, averaging below the idle threshold.
	seedSession(t, st, 1, 222, "bob", 1,
		now.Add(-20*time.Minute), now.Add(-10*time.Minute), now.Add(-30*time.Second))

	creator := &fakePageCreator{}
	l := New(st, creator, "db-1", logger.NewTestLogger())

	require.NoError(t, l.LogRecentSessions(context.Background(), now))
	require.Len(t, creator.pages, 1)
	assert.Equal(t, "Idle Alert", creator.pages[0].Properties["Status"].Status.Name)
}

func TestCreateFailureStaysEligible(t *testing.T) {
	st := openTestStore(t)
	now := time.Now()
	seedSession(t, st, 0, 111, "alice", 50, now.Add(-5*time.Minute), now.Add(-30*time.Second))

	creator := &fakePageCreator{err: errors.New("503")}
	l := New(st, creator, "db-1", logger.NewTestLogger())

	// Failure is contained; the pass itself succeeds.
	require.NoError(t, l.LogRecentSessions(context.Background(), now))
	assert.Empty(t, creator.pages)

	// Service recovers: the session is logged on the next pass.
	creator.err = nil
	require.NoError(t, l.LogRecentSessions(context.Background(), now))
	assert.Len(t, creator.pages, 1)
}
