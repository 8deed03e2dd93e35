package document

import (
	"context"
	"encoding/json"

	"github.com/scopebuilder/drawings-worker/internal/errors"
	"github.com/scopebuilder/drawings-worker/internal/logging"
	"github.com/scopebuilder/drawings-worker/internal/model"
	"github.com/scopebuilder/drawings-worker/internal/storage"
)

// Service owns the upload bookkeeping records: upload metadata, per-page
// crop sets and their completion state.
type Service struct {
	store  storage.Store
	logger *logging.Logger
}

// PageProgress summarizes one page's annotation completion.
type PageProgress struct {
	PageNum         int  `json:"page_num"`
	Percent         int  `json:"percent"`
	CompletedCrops  int  `json:"completed_crops"`
	TotalCrops      int  `json:"total_crops"`
	NeedsProcessing bool `json:"needs_processing"`
}

// NewService creates a document service backed by the given store.
func NewService(store storage.Store) *Service {
	return &Service{
		store:  store,
		logger: logging.NewLogger("DocumentService"),
	}
}

// PutMeta persists upload metadata.
func (s *Service) PutMeta(ctx context.Context, meta *model.UploadMeta) error {
	return storage.PutJSON(ctx, s.store, storage.MetadataKey(meta.UploadID), meta)
}

// GetMeta loads upload metadata. Returns a NOT_FOUND error for unknown
// upload ids.
func (s *Service) GetMeta(ctx context.Context, uploadID string) (*model.UploadMeta, error) {
	var meta model.UploadMeta
	if err := storage.GetJSON(ctx, s.store, storage.MetadataKey(uploadID), &meta); err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewNotFound("upload", uploadID)
		}
		return nil, err
	}
	return &meta, nil
}

// CreateCropSet stores a freshly detected crop set for a page. Creation is
// check-and-create under the store's update lock: a second attempt for the
// same page fails with ALREADY_PROCESSED and leaves the existing set
// untouched.
func (s *Service) CreateCropSet(ctx context.Context, set *model.CropSet) error {
	key := storage.CropSetKey(set.UploadID, set.PageNum)
	err := s.store.Update(ctx, key, func(cur []byte) ([]byte, error) {
		if cur != nil {
			return nil, errors.NewAlreadyProcessed(set.UploadID, set.PageNum)
		}
		return json.Marshal(set)
	})
	if err != nil {
		return err
	}
	s.logger.Info("Crop set created",
		"uploadId", set.UploadID, "page", set.PageNum, "crops", len(set.Crops))
	return nil
}

// GetCropSet loads the crop set for a page. Returns NOT_FOUND when the
// page has not been processed yet.
func (s *Service) GetCropSet(ctx context.Context, uploadID string, pageNum int) (*model.CropSet, error) {
	var set model.CropSet
	key := storage.CropSetKey(uploadID, pageNum)
	if err := storage.GetJSON(ctx, s.store, key, &set); err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewNotFound("crop set", key)
		}
		return nil, err
	}
	return &set, nil
}

// NeedsProcessing reports whether the page has no crop set yet.
func (s *Service) NeedsProcessing(ctx context.Context, uploadID string, pageNum int) (bool, error) {
	exists, err := s.store.Exists(ctx, storage.CropSetKey(uploadID, pageNum))
	if err != nil {
		return false, err
	}
	return !exists, nil
}

// MarkCompleted records a crop as completed. Marking a crop twice is a
// no-op; an index outside the crop set is OUT_OF_RANGE.
func (s *Service) MarkCompleted(ctx context.Context, uploadID string, pageNum, cropIdx int) (*model.CropSet, error) {
	var updated model.CropSet
	key := storage.CropSetKey(uploadID, pageNum)
	err := s.store.Update(ctx, key, func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, errors.NewNotFound("crop set", key)
		}
		var set model.CropSet
		if err := json.Unmarshal(cur, &set); err != nil {
			return nil, err
		}
		if cropIdx < 0 || cropIdx >= len(set.Crops) {
			return nil, errors.NewOutOfRange("crop index", cropIdx, len(set.Crops))
		}
		set.MarkCompleted(cropIdx)
		updated = set
		return json.Marshal(&set)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Progress builds the per-page completion report for an upload.
func (s *Service) Progress(ctx context.Context, uploadID string) ([]PageProgress, error) {
	meta, err := s.GetMeta(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	report := make([]PageProgress, 0, meta.TotalPages)
	for pageNum := 1; pageNum <= meta.TotalPages; pageNum++ {
		set, err := s.GetCropSet(ctx, uploadID, pageNum)
		if err != nil {
			if errors.IsNotFound(err) {
				report = append(report, PageProgress{
					PageNum:         pageNum,
					NeedsProcessing: true,
				})
				continue
			}
			return nil, err
		}
		report = append(report, PageProgress{
			PageNum:        pageNum,
			Percent:        set.CompletionPercent(),
			CompletedCrops: len(set.CompletedCrops),
			TotalCrops:     len(set.Crops),
		})
	}
	return report, nil
}

// DeleteUpload removes every record belonging to an upload: document,
// metadata, crop sets, crop images, thumbnails and annotations.
func (s *Service) DeleteUpload(ctx context.Context, uploadID string) error {
	if _, err := s.GetMeta(ctx, uploadID); err != nil {
		return err
	}
	if err := s.store.DeletePrefix(ctx, storage.UploadPrefix(uploadID)); err != nil {
		return err
	}
	if err := s.store.DeletePrefix(ctx, storage.ThumbnailPrefix(uploadID)); err != nil {
		return err
	}
	if err := s.store.DeletePrefix(ctx, storage.AnnotationPrefix(uploadID)); err != nil {
		return err
	}
	s.logger.Info("Upload deleted", "uploadId", uploadID)
	return nil
}
