package dashboard

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/oselab/gpumon/internal/notion"
)

// Outcome classifies what one reconciliation pass did to the remote page.
type Outcome int

const (
	// Unchanged: the desired document equals what was written last tick;
	// no remote call was needed.
	Unchanged Outcome = iota
	// Patched: at least one block was patched in place.
	Patched
	// Rebuilt: the block structure could not be matched and was torn down
	// and recreated (protected blocks preserved).
	Rebuilt
)

func (o Outcome) String() string {
	switch o {
	case Unchanged:
		return "unchanged"
	case Patched:
		return "patched"
	case Rebuilt:
		return "rebuilt"
	default:
		return "unknown"
	}
}

// BlockClient is the slice of the document service the reconciler uses.
type BlockClient interface {
	ListChildBlocks(ctx context.Context, pageID string) ([]notion.Block, error)
	PatchBlock(ctx context.Context, blockID string, block notion.Block) error
	DeleteBlock(ctx context.Context, blockID string) error
	AppendBlocks(ctx context.Context, pageID string, blocks []notion.Block) error
}

// Reconciler converges the remote page's block structure onto a Document.
//
// The remote service offers no stable cross-session identifiers for "the
// header" or "device N's section", so blocks are located by content sniffing:
// a substring marker embedded in their rendered text. Block ids learned from
// a successful match are cached per device so steady-state ticks skip the
// full fetch-and-scan; any patch failure or device-set change invalidates the
// cache and falls back to sniffing, and a failed match tears the structure
// down and rebuilds it.
type Reconciler struct {
	client BlockClient
	pageID string
	log    zerolog.Logger

	headerID    string
	sectionIDs  map[int]string // deviceID → block id
	lastContent map[int]string // deviceID → content written last
	lastHeader  string
}

// NewReconciler builds a reconciler for one page.
func NewReconciler(client BlockClient, pageID string, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		client:      client,
		pageID:      pageID,
		log:         log,
		sectionIDs:  make(map[int]string),
		lastContent: make(map[int]string),
	}
}

// Reconcile converges the page to doc. It never fails fatally: a non-nil
// error means the dashboard is stale this tick and will be retried on the
// next poll cycle. The Outcome is valid either way.
func (r *Reconciler) Reconcile(ctx context.Context, doc Document) (Outcome, error) {
	if r.cacheCovers(doc) {
		outcome, err := r.patchCached(ctx, doc)
		if err == nil {
			return outcome, nil
		}
		// Cached ids went stale (block deleted, page edited). Fall back to
		// a full fetch-and-match.
		r.invalidate()
		r.log.Warn().Err(err).Msg("cached block ids stale, re-matching by content")
	}

	blocks, err := r.client.ListChildBlocks(ctx, r.pageID)
	if err != nil {
		r.log.Warn().Err(err).Msg("block fetch failed, rebuilding")
		return Rebuilt, r.rebuild(ctx, doc, nil)
	}

	match, ok := matchBlocks(blocks, doc)
	if !ok {
		return Rebuilt, r.rebuild(ctx, doc, blocks)
	}
	return r.patchMatched(ctx, doc, match)
}

// cacheCovers reports whether the block-id cache maps the header and every
// device in doc. A device set change (GPU added or gone) invalidates it.
func (r *Reconciler) cacheCovers(doc Document) bool {
	if r.headerID == "" || len(r.sectionIDs) != len(doc.Sections) {
		return false
	}
	for _, sec := range doc.Sections {
		if _, ok := r.sectionIDs[sec.DeviceID]; !ok {
			return false
		}
	}
	return true
}

func (r *Reconciler) invalidate() {
	r.headerID = ""
	r.sectionIDs = make(map[int]string)
	r.lastContent = make(map[int]string)
	r.lastHeader = ""
}

// patchCached patches through cached block ids. Any failure aborts so the
// caller can re-match; nothing here is logged as lost work since the full
// path retries in the same tick.
func (r *Reconciler) patchCached(ctx context.Context, doc Document) (Outcome, error) {
	patched := 0
	for _, sec := range doc.Sections {
		if r.lastContent[sec.DeviceID] == sec.Content {
			continue
		}
		id := r.sectionIDs[sec.DeviceID]
		if err := r.client.PatchBlock(ctx, id, notion.NewCode(sec.Content)); err != nil {
			return Patched, fmt.Errorf("patching cached section %d: %w", sec.DeviceID, err)
		}
		r.lastContent[sec.DeviceID] = sec.Content
		patched++
	}

	if doc.HeaderText != r.lastHeader {
		if err := r.client.PatchBlock(ctx, r.headerID, notion.NewHeading(doc.HeaderText)); err != nil {
			return Patched, fmt.Errorf("patching cached header: %w", err)
		}
		r.lastHeader = doc.HeaderText
		patched++
	}

	if patched == 0 {
		return Unchanged, nil
	}
	return Patched, nil
}

// docMatch is the result of one content-sniffing pass.
type docMatch struct {
	headerID   string
	sectionIDs map[int]string
}

// matchBlocks locates the header and every device section by substring
// marker. ok is false when any lookup yields zero or ambiguous matches —
// the caller must rebuild the whole structure rather than patch ambiguously.
func matchBlocks(blocks []notion.Block, doc Document) (docMatch, bool) {
	if len(blocks) == 0 {
		return docMatch{}, false
	}

	match := docMatch{sectionIDs: make(map[int]string, len(doc.Sections))}

	headerHits := 0
	for i := range blocks {
		b := &blocks[i]
		if b.Type == notion.TypeHeading2 && strings.Contains(b.PlainText(), headerMarker) {
			match.headerID = b.ID
			headerHits++
		}
	}
	if headerHits != 1 {
		return docMatch{}, false
	}

	claimed := make(map[string]bool)
	for _, sec := range doc.Sections {
		marker := sectionMarker(sec.DeviceID)
		hits := 0
		for i := range blocks {
			b := &blocks[i]
			if b.Type != notion.TypeCode || !strings.Contains(b.PlainText(), marker) {
				continue
			}
			match.sectionIDs[sec.DeviceID] = b.ID
			hits++
		}
		if hits != 1 || claimed[match.sectionIDs[sec.DeviceID]] {
			return docMatch{}, false
		}
		claimed[match.sectionIDs[sec.DeviceID]] = true
	}

	return match, true
}

// patchMatched patches every matched block in place. A failed patch for one
// device does not abort the remaining sections; the first error is reported
// after the pass completes and the cache is left invalidated so the next
// tick re-matches.
func (r *Reconciler) patchMatched(ctx context.Context, doc Document, match docMatch) (Outcome, error) {
	var errs []error

	for _, sec := range doc.Sections {
		id := match.sectionIDs[sec.DeviceID]
		if err := r.client.PatchBlock(ctx, id, notion.NewCode(sec.Content)); err != nil {
			r.log.Warn().Err(err).Int("device", sec.DeviceID).Msg("section patch failed")
			errs = append(errs, fmt.Errorf("section %d: %w", sec.DeviceID, err))
		}
	}

	if err := r.client.PatchBlock(ctx, match.headerID, notion.NewHeading(doc.HeaderText)); err != nil {
		r.log.Warn().Err(err).Msg("header patch failed")
		errs = append(errs, fmt.Errorf("header: %w", err))
	}

	if len(errs) > 0 {
		r.invalidate()
		return Patched, errors.Join(errs...)
	}

	// Adopt the matched ids and contents for the fast path next tick.
	r.headerID = match.headerID
	r.sectionIDs = match.sectionIDs
	r.lastHeader = doc.HeaderText
	r.lastContent = make(map[int]string, len(doc.Sections))
	for _, sec := range doc.Sections {
		r.lastContent[sec.DeviceID] = sec.Content
	}

	return Patched, nil
}

// rebuild tears down every non-protected block and recreates the structure:
// header, divider, one code block per section in ascending device-id order.
// fetched may be nil when the initial listing failed; a fresh fetch is
// attempted so stale content is still cleared when possible.
func (r *Reconciler) rebuild(ctx context.Context, doc Document, fetched []notion.Block) error {
	r.invalidate()

	var errs []error

	if fetched == nil {
		var err error
		fetched, err = r.client.ListChildBlocks(ctx, r.pageID)
		if err != nil {
			// Nothing to clear; append below still gives a usable page.
			errs = append(errs, fmt.Errorf("rebuild fetch: %w", err))
			fetched = nil
		}
	}

	for i := range fetched {
		b := &fetched[i]
		if notion.ProtectedType(b.Type) {
			continue
		}
		if err := r.client.DeleteBlock(ctx, b.ID); err != nil {
			r.log.Warn().Err(err).Str("block", b.ID).Msg("delete during rebuild failed")
			errs = append(errs, fmt.Errorf("delete %s: %w", b.ID, err))
		}
	}

	blocks := make([]notion.Block, 0, len(doc.Sections)+2)
	blocks = append(blocks, notion.NewHeading(doc.HeaderText), notion.NewDivider())
	for _, sec := range doc.Sections {
		blocks = append(blocks, notion.NewCode(sec.Content))
	}

	if err := r.client.AppendBlocks(ctx, r.pageID, blocks); err != nil {
		errs = append(errs, fmt.Errorf("append: %w", err))
	}

	return errors.Join(errs...)
}
