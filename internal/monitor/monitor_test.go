package monitor

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oselab/gpumon/internal/dashboard"
	"github.com/oselab/gpumon/internal/logger"
	"github.com/oselab/gpumon/internal/models"
)

type fakeSource struct {
	devices []models.DeviceFact
	procs   []models.ProcessFact
	devErr  error
	procErr error
}

func (f *fakeSource) ListDevices(context.Context) ([]models.DeviceFact, error) {
	return f.devices, f.devErr
}

func (f *fakeSource) ListProcesses(context.Context) ([]models.ProcessFact, error) {
	return f.procs, f.procErr
}

type fakeStore struct {
	appends   int
	lastProcs []models.ProcessSnapshot
	appendErr error

	sweeps  int
	cutoffs []time.Time
}

func (f *fakeStore) AppendSnapshots(_ []models.DeviceSnapshot, procs []models.ProcessSnapshot) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appends++
	f.lastProcs = procs
	return nil
}

func (f *fakeStore) EvictOlderThan(cutoff time.Time) (int64, error) {
	f.sweeps++
	f.cutoffs = append(f.cutoffs, cutoff)
	return 0, nil
}

type fakeReconciler struct {
	calls   int
	lastDoc dashboard.Document
	err     error
}

func (f *fakeReconciler) Reconcile(_ context.Context, doc dashboard.Document) (dashboard.Outcome, error) {
	f.calls++
	f.lastDoc = doc
	return dashboard.Patched, f.err
}

type fakeChecker struct {
	calls int
}

func (f *fakeChecker) Check([]models.ProcessFact, time.Time) int {
	f.calls++
	return 0
}

type fakeSessions struct {
	calls int
}

func (f *fakeSessions) Enabled() bool { return true }

func (f *fakeSessions) LogRecentSessions(context.Context, time.Time) error {
	f.calls++
	return nil
}

func testFacts() ([]models.DeviceFact, []models.ProcessFact) {
	devs := []models.DeviceFact{{ID: 0, Name: "A100", Utilization: 80, MemoryUsedMB: 100, MemoryTotalMB: 8000}}
	procs := []models.ProcessFact{{DeviceID: 0, PID: 111, Owner: "alice", MemoryUsedMB: 2000}}
	return devs, procs
}

func newTestMonitor(src *fakeSource, st *fakeStore, rec *fakeReconciler,
	chk *fakeChecker, sess SessionLogger) *Monitor {
	return New(src, st, rec, chk, sess, Options{
		Interval:  time.Minute,
		Retention: 7 * 24 * time.Hour,
	}, logger.NewTestLogger())
}

func TestTickPersistsReconcilesAndChecks(t *testing.T) {
	devs, procs := testFacts()
	src := &fakeSource{devices: devs, procs: procs}
	st := &fakeStore{}
	rec := &fakeReconciler{}
	chk := &fakeChecker{}
	sess := &fakeSessions{}
	m := newTestMonitor(src, st, rec, chk, sess)

	require.NoError(t, m.runTick(context.Background(), 1))

	assert.Equal(t, 1, st.appends)
	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, 1, chk.calls)
	assert.Equal(t, 1, sess.calls)
	assert.Contains(t, rec.lastDoc.Sections[0].Content, "GPU 0:")
}

func TestMissingBinaryIsFatal(t *testing.T) {
	src := &fakeSource{devErr: exec.ErrNotFound}
	m := newTestMonitor(src, &fakeStore{}, &fakeReconciler{}, &fakeChecker{}, nil)

	err := m.runTick(context.Background(), 1)
	assert.ErrorIs(t, err, exec.ErrNotFound)
}

func TestTransientTelemetryErrorSkipsTick(t *testing.T) {
	src := &fakeSource{devErr: errors.New("exit status 15")}
	st := &fakeStore{}
	rec := &fakeReconciler{}
	m := newTestMonitor(src, st, rec, &fakeChecker{}, nil)

	require.NoError(t, m.runTick(context.Background(), 1))
	assert.Zero(t, st.appends, "nothing persisted on a failed collection")
	assert.Zero(t, rec.calls, "dashboard untouched on a failed collection")
}

func TestEmptyDeviceListSkipsTick(t *testing.T) {
	src := &fakeSource{devices: nil}
	st := &fakeStore{}
	rec := &fakeReconciler{}
	m := newTestMonitor(src, st, rec, &fakeChecker{}, nil)

	require.NoError(t, m.runTick(context.Background(), 1))
	assert.Zero(t, st.appends)
	assert.Zero(t, rec.calls)
}

func TestProcessErrorStillStoresDevices(t *testing.T) {
	devs, _ := testFacts()
	src := &fakeSource{devices: devs, procErr: errors.New("exit status 2")}
	st := &fakeStore{}
	rec := &fakeReconciler{}
	chk := &fakeChecker{}
	m := newTestMonitor(src, st, rec, chk, nil)

	require.NoError(t, m.runTick(context.Background(), 1))
	assert.Equal(t, 1, st.appends)
	assert.Empty(t, st.lastProcs)
	assert.Equal(t, 1, rec.calls, "dashboard shows device stats without processes")
	assert.Contains(t, rec.lastDoc.Sections[0].Content, "No active processes")
}

func TestStorageFailureSkipsDetectionAndSessions(t *testing.T) {
	devs, procs := testFacts()
	src := &fakeSource{devices: devs, procs: procs}
	st := &fakeStore{appendErr: errors.New("disk full")}
	rec := &fakeReconciler{}
	chk := &fakeChecker{}
	sess := &fakeSessions{}
	m := newTestMonitor(src, st, rec, chk, sess)

	require.NoError(t, m.runTick(context.Background(), 1))
	assert.Equal(t, 1, rec.calls, "dashboard still reconciles from live facts")
	assert.Zero(t, chk.calls, "detector must not run on a partial window")
	assert.Zero(t, sess.calls)
}

func TestReconcileErrorDoesNotFailTick(t *testing.T) {
	devs, procs := testFacts()
	src := &fakeSource{devices: devs, procs: procs}
	rec := &fakeReconciler{err: errors.New("503")}
	chk := &fakeChecker{}
	m := newTestMonitor(src, &fakeStore{}, rec, chk, nil)

	require.NoError(t, m.runTick(context.Background(), 1))
	assert.Equal(t, 1, chk.calls, "detection proceeds despite a stale dashboard")
}

func TestRetentionSweepCadence(t *testing.T) {
	devs, procs := testFacts()
	src := &fakeSource{devices: devs, procs: procs}
	st := &fakeStore{}
	m := newTestMonitor(src, st, &fakeReconciler{}, &fakeChecker{}, nil)

	// Interval 1m → one sweep per 60 ticks.
	require.Equal(t, 60, m.evictEvery)
	for tick := 1; tick <= 120; tick++ {
		require.NoError(t, m.runTick(context.Background(), tick))
	}
	assert.Equal(t, 2, st.sweeps)

	// Cutoff honors the retention horizon.
	require.NotEmpty(t, st.cutoffs)
	expected := time.Now().Add(-7 * 24 * time.Hour)
	assert.WithinDuration(t, expected, st.cutoffs[0], time.Minute)
}

func TestRunStopsOnCancel(t *testing.T) {
	devs, procs := testFacts()
	src := &fakeSource{devices: devs, procs: procs}
	st := &fakeStore{}
	m := newTestMonitor(src, st, &fakeReconciler{}, &fakeChecker{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The first tick runs to completion; the interval sleep observes the
	// cancelled context immediately.
	require.NoError(t, m.Run(ctx))
	assert.Equal(t, 1, st.appends)
}
