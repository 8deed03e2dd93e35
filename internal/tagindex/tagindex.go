/**
 * Tag index for the drawings annotation worker.
 *
 * An index maps normalized region text to the tag metadata applied the
 * first time that text was seen. Lookups feed propagation: a region whose
 * text already has an entry inherits the entry's tag without re-asking the
 * user.
 */

package tagindex

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/scopebuilder/drawings-worker/internal/logging"
	"github.com/scopebuilder/drawings-worker/internal/model"
	"github.com/scopebuilder/drawings-worker/internal/storage"
)

// Entry holds the tag metadata recorded for one normalized text.
type Entry struct {
	Tag     string
	BidItem string
	Reason  string
	Source  string
}

// Index maps normalized region text to its first recorded tag entry.
type Index map[string]Entry

// New returns an empty index.
func New() Index {
	return make(Index)
}

// Add records an entry for text unless one already exists. Text at or
// below the minimum keyword length (in characters, not bytes) never enters
// the index; earlier entries always win over later ones.
func (idx Index) Add(text string, entry Entry) {
	normalized := model.NormalizeText(text)
	if utf8.RuneCountInString(normalized) <= model.MinKeywordLen {
		return
	}
	if _, exists := idx[normalized]; exists {
		return
	}
	idx[normalized] = entry
}

// Lookup returns the entry for text, if any.
func (idx Index) Lookup(text string) (Entry, bool) {
	entry, ok := idx[model.NormalizeText(text)]
	return entry, ok
}

// AddRegions indexes every tagged region under the given source label.
// With manualOnly set, auto-tagged regions are skipped so that only
// user-confirmed tags seed the index.
func (idx Index) AddRegions(regions []model.Region, source string, manualOnly bool) {
	for _, region := range regions {
		if !region.Tagged() {
			continue
		}
		if manualOnly && region.AutoTagged {
			continue
		}
		idx.Add(region.Text, Entry{
			Tag:     region.TagValue(),
			BidItem: region.BidItemValue(),
			Reason:  region.ReasonValue(),
			Source:  source,
		})
	}
}

// Builder assembles lookup indexes from persisted annotation records.
type Builder struct {
	store  storage.Store
	logger *logging.Logger
}

// NewBuilder creates an index builder over the given store.
func NewBuilder(store storage.Store) *Builder {
	return &Builder{
		store:  store,
		logger: logging.NewLogger("TagIndex"),
	}
}

// ForDisplay builds the index used when a crop is opened. Same-sheet
// sources are indexed before cross-document ones, so a text tagged on the
// current sheet shadows any tag the same text carries elsewhere. Both
// manual and auto tags qualify here: once a tag is on screen it should
// propagate consistently.
func (b *Builder) ForDisplay(ctx context.Context, uploadID string, pageNum, cropIdx int) (Index, error) {
	idx := New()

	sameSheet, err := b.store.List(ctx, fmt.Sprintf("annotations/%s/page%d_", uploadID, pageNum))
	if err != nil {
		return nil, err
	}
	for _, key := range sameSheet {
		_, _, crop, ok := storage.ParseAnnotationKey(key)
		if !ok || crop == cropIdx {
			continue
		}
		record, err := b.load(ctx, key)
		if err != nil {
			b.logger.Warn("Skipping unreadable annotation record", "key", key, "error", err)
			continue
		}
		idx.AddRegions(record.Regions, fmt.Sprintf("same_sheet_crop_%d", crop), false)
	}

	all, err := b.store.List(ctx, storage.AnnotationPrefix(uploadID))
	if err != nil {
		return nil, err
	}
	for _, key := range all {
		_, page, crop, ok := storage.ParseAnnotationKey(key)
		if !ok || page == pageNum {
			continue
		}
		record, err := b.load(ctx, key)
		if err != nil {
			b.logger.Warn("Skipping unreadable annotation record", "key", key, "error", err)
			continue
		}
		idx.AddRegions(record.Regions, fmt.Sprintf("page%d_crop%d", page, crop), false)
	}

	return idx, nil
}

// ForSave builds the index seeded from a freshly saved crop's regions.
// Only manual tags qualify: an auto tag must not re-seed itself across
// records.
func (b *Builder) ForSave(regions []model.Region) Index {
	idx := New()
	idx.AddRegions(regions, "manual", true)
	return idx
}

func (b *Builder) load(ctx context.Context, key string) (*model.AnnotationRecord, error) {
	var record model.AnnotationRecord
	if err := storage.GetJSON(ctx, b.store, key, &record); err != nil {
		return nil, err
	}
	return &record, nil
}
