/**
 * Annotation propagation for the drawings annotation worker.
 *
 * Propagation copies tags onto untagged regions whose text matches an
 * index entry. Two invariants hold everywhere: a tag is never overwritten,
 * so manual tags are inviolable and auto tags stay stable, and applying
 * the same index twice changes nothing.
 */

package propagate

import (
	"context"
	"encoding/json"

	"github.com/scopebuilder/drawings-worker/internal/errors"
	"github.com/scopebuilder/drawings-worker/internal/logging"
	"github.com/scopebuilder/drawings-worker/internal/model"
	"github.com/scopebuilder/drawings-worker/internal/storage"
	"github.com/scopebuilder/drawings-worker/internal/tagindex"
)

// Apply tags every untagged region whose text has an index entry. When
// overrideSource is non-empty it replaces the entry's source label on the
// applied regions. Returns the number of regions tagged.
func Apply(regions []model.Region, idx tagindex.Index, overrideSource string) int {
	applied := 0
	for i := range regions {
		if regions[i].Tagged() {
			continue
		}
		entry, ok := idx.Lookup(regions[i].Text)
		if !ok {
			continue
		}
		source := entry.Source
		if overrideSource != "" {
			source = overrideSource
		}
		tag, bidItem, reason := entry.Tag, entry.BidItem, entry.Reason
		regions[i].Tag = &tag
		if bidItem != "" {
			regions[i].BidItem = &bidItem
		}
		if reason != "" {
			regions[i].Reason = &reason
		}
		regions[i].AutoTagged = true
		regions[i].AutoSource = source
		applied++
	}
	return applied
}

// Engine fans tags out across the persisted annotation records of an
// upload after a crop is saved.
type Engine struct {
	store  storage.Store
	logger *logging.Logger
}

// NewEngine creates a propagation engine over the given store.
func NewEngine(store storage.Store) *Engine {
	return &Engine{
		store:  store,
		logger: logging.NewLogger("PropagateEngine"),
	}
}

// FanOut applies the index to every annotation record of the upload except
// the crop it was seeded from. Each record is rewritten atomically under
// its own key; a failing record is collected and skipped rather than
// aborting the sweep. The applied tags carry the cross-crop source label.
//
// Returns the total number of regions tagged. When any record failed, the
// error is a PARTIAL_PROPAGATION carrying the failed crop list; the save
// that triggered the sweep is already durable by then.
func (e *Engine) FanOut(ctx context.Context, uploadID string, pageNum, cropIdx int, idx tagindex.Index) (int, error) {
	if len(idx) == 0 {
		return 0, nil
	}

	keys, err := e.store.List(ctx, storage.AnnotationPrefix(uploadID))
	if err != nil {
		return 0, err
	}

	total := 0
	var failed []errors.FailedCrop
	for _, key := range keys {
		_, page, crop, ok := storage.ParseAnnotationKey(key)
		if !ok {
			continue
		}
		if page == pageNum && crop == cropIdx {
			continue
		}
		applied, err := e.applyToRecord(ctx, key, idx)
		if err != nil {
			e.logger.Warn("Propagation to crop failed",
				"uploadId", uploadID, "page", page, "crop", crop, "error", err)
			failed = append(failed, errors.FailedCrop{
				CropRef: errors.CropRef{UploadID: uploadID, PageNum: page, CropIdx: crop},
				Reason:  err.Error(),
			})
			continue
		}
		total += applied
	}

	if len(failed) > 0 {
		return total, errors.NewPartialPropagation(failed)
	}
	if total > 0 {
		e.logger.Info("Propagation complete",
			"uploadId", uploadID, "regionsTagged", total)
	}
	return total, nil
}

func (e *Engine) applyToRecord(ctx context.Context, key string, idx tagindex.Index) (int, error) {
	applied := 0
	err := e.store.Update(ctx, key, func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, nil
		}
		var record model.AnnotationRecord
		if err := json.Unmarshal(cur, &record); err != nil {
			return nil, err
		}
		applied = Apply(record.Regions, idx, "cross_crop_auto_tagged")
		if applied == 0 {
			return nil, nil
		}
		record.KeywordMappings = record.DeriveKeywordMappings()
		return json.Marshal(&record)
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}
