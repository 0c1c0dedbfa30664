package dashboard

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oselab/gpumon/internal/logger"
	"github.com/oselab/gpumon/internal/models"
	"github.com/oselab/gpumon/internal/notion"
)

// fakeBlockStore simulates the remote page: an ordered block list with
// injectable per-operation failures.
type fakeBlockStore struct {
	blocks []notion.Block
	nextID int

	listErr    error
	patchFails map[string]error // block id → error

	listCalls  int
	patchCalls int
}

func newFakeBlockStore(blocks ...notion.Block) *fakeBlockStore {
	f := &fakeBlockStore{patchFails: map[string]error{}, nextID: 100}
	for _, b := range blocks {
		f.append(b)
	}
	return f
}

func (f *fakeBlockStore) append(b notion.Block) {
	f.nextID++
	b.ID = fmt.Sprintf("blk-%d", f.nextID)
	f.blocks = append(f.blocks, b)
}

func (f *fakeBlockStore) ListChildBlocks(_ context.Context, _ string) ([]notion.Block, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]notion.Block, len(f.blocks))
	copy(out, f.blocks)
	return out, nil
}

func (f *fakeBlockStore) PatchBlock(_ context.Context, blockID string, block notion.Block) error {
	f.patchCalls++
	if err := f.patchFails[blockID]; err != nil {
		return err
	}
	for i := range f.blocks {
		if f.blocks[i].ID == blockID {
			block.ID = blockID
			f.blocks[i] = block
			return nil
		}
	}
	return errors.New("block not found")
}

func (f *fakeBlockStore) DeleteBlock(_ context.Context, blockID string) error {
	for i := range f.blocks {
		if f.blocks[i].ID == blockID {
			f.blocks = append(f.blocks[:i], f.blocks[i+1:]...)
			return nil
		}
	}
	return errors.New("block not found")
}

func (f *fakeBlockStore) AppendBlocks(_ context.Context, _ string, blocks []notion.Block) error {
	for _, b := range blocks {
		f.append(b)
	}
	return nil
}

func (f *fakeBlockStore) contentBlocks() []notion.Block {
	var out []notion.Block
	for _, b := range f.blocks {
		if !notion.ProtectedType(b.Type) {
			out = append(out, b)
		}
	}
	return out
}

func testDoc(now time.Time) Document {
	devices := []models.DeviceFact{
		{ID: 0, Name: "A100", Utilization: 80, MemoryUsedMB: 40960, MemoryTotalMB: 81920, Temperature: 60},
		{ID: 1, Name: "A100", Utilization: 0, MemoryUsedMB: 3, MemoryTotalMB: 81920, Temperature: 30},
	}
	procs := []models.ProcessFact{{DeviceID: 0, PID: 111, Owner: "alice", MemoryUsedMB: 2000}}
	return BuildSections(devices, procs, now)
}

func newTestReconciler(f *fakeBlockStore) *Reconciler {
	return NewReconciler(f, "page-1", logger.NewTestLogger())
}

// steadyState brings the reconciler to a matched, cache-populated state:
// first pass rebuilds the empty page, second pass matches by content and
// adopts the block ids.
func steadyState(t *testing.T, r *Reconciler, now time.Time) {
	t.Helper()
	_, err := r.Reconcile(context.Background(), testDoc(now))
	require.NoError(t, err)
	_, err = r.Reconcile(context.Background(), testDoc(now.Add(time.Second)))
	require.NoError(t, err)
}

func TestRebuildOnEmptyPage(t *testing.T) {
	f := newFakeBlockStore()
	r := newTestReconciler(f)
	doc := testDoc(time.Now())

	outcome, err := r.Reconcile(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, Rebuilt, outcome)

	// header, divider, one code block per device, ascending.
	require.Len(t, f.blocks, 4)
	assert.Equal(t, notion.TypeHeading2, f.blocks[0].Type)
	assert.Contains(t, f.blocks[0].PlainText(), "GPU Monitor Status")
	assert.Equal(t, notion.TypeDivider, f.blocks[1].Type)
	assert.Contains(t, f.blocks[2].PlainText(), "GPU 0:")
	assert.Contains(t, f.blocks[3].PlainText(), "GPU 1:")
}

func TestPatchInPlace(t *testing.T) {
	f := newFakeBlockStore()
	r := newTestReconciler(f)
	ctx := context.Background()
	now := time.Now()

	steadyState(t, r, now)
	blockCount := len(f.blocks)

	// Next tick: timestamp advanced.
	later := testDoc(now.Add(time.Minute))
	outcome, err := r.Reconcile(ctx, later)
	require.NoError(t, err)

	assert.Equal(t, Patched, outcome)
	assert.Len(t, f.blocks, blockCount, "patching must not grow the page")
	assert.Contains(t, f.blocks[0].PlainText(), "GPU Monitor Status")
}

func TestPatchIdempotent(t *testing.T) {
	f := newFakeBlockStore()
	r := newTestReconciler(f)
	ctx := context.Background()
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	steadyState(t, r, now)

	doc := testDoc(now.Add(time.Minute))
	outcome, err := r.Reconcile(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, Patched, outcome)
	snapshot := make([]notion.Block, len(f.blocks))
	copy(snapshot, f.blocks)

	// Identical document again: no remote mutation, identical block content.
	outcome, err = r.Reconcile(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, outcome)
	assert.Equal(t, snapshot, f.blocks)
}

func TestCachedPatchSkipsFetch(t *testing.T) {
	f := newFakeBlockStore()
	r := newTestReconciler(f)
	ctx := context.Background()
	now := time.Now()

	steadyState(t, r, now)
	listCalls := f.listCalls

	_, err := r.Reconcile(ctx, testDoc(now.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, listCalls, f.listCalls, "steady state must not re-fetch the block list")
}

func TestStaleCacheFallsBackToMatching(t *testing.T) {
	f := newFakeBlockStore()
	r := newTestReconciler(f)
	ctx := context.Background()
	now := time.Now()

	steadyState(t, r, now)

	// External edit: every block replaced, ids changed, content preserved.
	old := f.contentBlocks()
	for _, b := range old {
		require.NoError(t, f.DeleteBlock(ctx, b.ID))
		f.append(notion.Block{Type: b.Type, Heading2: b.Heading2, Code: b.Code, Divider: b.Divider})
	}

	outcome, err := r.Reconcile(ctx, testDoc(now.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, Patched, outcome, "content sniffing recovers from stale ids without a rebuild")
	assert.Greater(t, f.listCalls, 2, "stale cache falls back to a fetch-and-match")
}

func TestRebuildPreservesProtectedBlocks(t *testing.T) {
	f := newFakeBlockStore(
		notion.Block{Type: notion.TypeChildPage},
		notion.NewCode("stale junk"),
		notion.Block{Type: notion.TypeChildDatabase},
	)
	r := newTestReconciler(f)
	doc := testDoc(time.Now())

	outcome, err := r.Reconcile(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, Rebuilt, outcome)

	protected := 0
	for _, b := range f.blocks {
		if notion.ProtectedType(b.Type) {
			protected++
		}
	}
	assert.Equal(t, 2, protected, "protected blocks survive the rebuild untouched")
	assert.Len(t, f.contentBlocks(), len(doc.Sections)+2) // header + divider + sections
}

func TestAmbiguousMatchRebuilds(t *testing.T) {
	now := time.Now()
	doc := testDoc(now)
	f := newFakeBlockStore(
		notion.NewHeading("GPU Monitor Status - Updated: earlier"),
		notion.NewCode(doc.Sections[0].Content),
		notion.NewCode(doc.Sections[0].Content), // duplicate marker for GPU 0
		notion.NewCode(doc.Sections[1].Content),
	)
	r := newTestReconciler(f)

	outcome, err := r.Reconcile(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, Rebuilt, outcome, "ambiguous markers must rebuild, never patch one of two candidates")
	assert.Len(t, f.blocks, 4) // header + divider + 2 sections
}

func TestMissingSectionRebuilds(t *testing.T) {
	now := time.Now()
	doc := testDoc(now)
	f := newFakeBlockStore(
		notion.NewHeading("GPU Monitor Status - Updated: earlier"),
		notion.NewCode(doc.Sections[0].Content), // GPU 1 block missing
	)
	r := newTestReconciler(f)

	outcome, err := r.Reconcile(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, Rebuilt, outcome)
}

func TestFetchFailureRebuildsBestEffort(t *testing.T) {
	f := newFakeBlockStore()
	f.listErr = errors.New("503")
	r := newTestReconciler(f)

	outcome, err := r.Reconcile(context.Background(), testDoc(time.Now()))
	assert.Equal(t, Rebuilt, outcome)
	// Stale content could not be cleared, so the pass reports degraded.
	assert.Error(t, err)
	// The append still went through: the page has usable content.
	assert.Len(t, f.blocks, 4)
}

func TestSectionPatchFailureContinues(t *testing.T) {
	f := newFakeBlockStore()
	r := newTestReconciler(f)
	ctx := context.Background()

	_, err := r.Reconcile(ctx, testDoc(time.Now()))
	require.NoError(t, err)

	// Fail GPU 0's block; GPU 1 and the header must still be patched.
	var gpu0ID string
	for _, b := range f.blocks {
		if b.Type == notion.TypeCode && b.PlainText() != "" && b.PlainText()[:6] == "GPU 0:" {
			gpu0ID = b.ID
		}
	}
	require.NotEmpty(t, gpu0ID)
	f.patchFails[gpu0ID] = errors.New("rate limited")

	// Invalidate the fast path so the full matched-patch path runs.
	r.invalidate()

	later := testDoc(time.Now().Add(time.Minute))
	outcome, err := r.Reconcile(ctx, later)
	assert.Equal(t, Patched, outcome)
	assert.Error(t, err, "worst status observed is reported")
	assert.Contains(t, f.blocks[0].PlainText(), "GPU Monitor Status", "header still patched after section failure")
}
