/**
 * Annotation processing pipeline for the drawings annotation worker.
 *
 * Orchestrates the full lifecycle of an uploaded drawing set: page
 * counting and thumbnails on upload, detection and cropping per sheet,
 * a single OCR pass per crop, and tag propagation on display and on save.
 */

package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/google/uuid"

	"github.com/scopebuilder/drawings-worker/internal/clients"
	"github.com/scopebuilder/drawings-worker/internal/document"
	"github.com/scopebuilder/drawings-worker/internal/errors"
	"github.com/scopebuilder/drawings-worker/internal/export"
	"github.com/scopebuilder/drawings-worker/internal/geometry"
	"github.com/scopebuilder/drawings-worker/internal/locks"
	"github.com/scopebuilder/drawings-worker/internal/logging"
	"github.com/scopebuilder/drawings-worker/internal/model"
	"github.com/scopebuilder/drawings-worker/internal/propagate"
	"github.com/scopebuilder/drawings-worker/internal/storage"
	"github.com/scopebuilder/drawings-worker/internal/tagindex"
)

// RegionDetector finds figure bounding boxes on a rendered sheet.
type RegionDetector interface {
	Detect(ctx context.Context, image []byte) ([]clients.DetectedBox, error)
}

// TextReader recognizes text lines on a crop image.
type TextReader interface {
	ReadLines(ctx context.Context, image []byte) ([]clients.ReadLine, error)
}

// PageRenderer rasterizes one PDF page to PNG.
type PageRenderer interface {
	RenderPage(ctx context.Context, pdf []byte, pageNum, dpi int) ([]byte, error)
}

// PageCounter returns the page count of a PDF.
type PageCounter func(pdf []byte) (int, error)

// TagUpdate is one reviewer action against a region: set a tag, change
// it, or clear it (nil or empty Tag).
type TagUpdate struct {
	RegionID int     `json:"region_id"`
	Tag      *string `json:"tag"`
	BidItem  *string `json:"bidItem"`
	Reason   *string `json:"reason"`
}

// SaveResult reports what a save did, including the propagation outcome.
type SaveResult struct {
	UploadID          string              `json:"upload_id"`
	PageNum           int                 `json:"page_num"`
	CropIdx           int                 `json:"crop_idx"`
	NextCropIdx       int                 `json:"next_crop_idx"`
	CompletionPercent int                 `json:"completion_percent"`
	SameCropTagged    int                 `json:"same_crop_tagged"`
	CrossCropTagged   int                 `json:"cross_crop_tagged"`
	FailedCrops       []errors.FailedCrop `json:"failed_crops,omitempty"`
}

// AnnotationProcessor drives the pipeline against the record store and
// the external collaborators.
type AnnotationProcessor struct {
	store      storage.Store
	docs       *document.Service
	locker     locks.Locker
	detector   RegionDetector
	reader     TextReader
	renderer   PageRenderer
	pageCount  PageCounter
	index      *tagindex.Builder
	engine     *propagate.Engine
	aggregator *export.Aggregator
	pageDPI    int
	thumbDPI   int
	logger     *logging.Logger
}

// New creates the processor.
func New(store storage.Store, locker locks.Locker, detector RegionDetector,
	reader TextReader, renderer PageRenderer, pageCount PageCounter,
	pageDPI, thumbDPI int) *AnnotationProcessor {
	return &AnnotationProcessor{
		store:      store,
		docs:       document.NewService(store),
		locker:     locker,
		detector:   detector,
		reader:     reader,
		renderer:   renderer,
		pageCount:  pageCount,
		index:      tagindex.NewBuilder(store),
		engine:     propagate.NewEngine(store),
		aggregator: export.NewAggregator(store),
		pageDPI:    pageDPI,
		thumbDPI:   thumbDPI,
		logger:     logging.NewLogger("AnnotationProcessor"),
	}
}

// Docs exposes the document service for callers that only need
// bookkeeping reads.
func (p *AnnotationProcessor) Docs() *document.Service {
	return p.docs
}

// ProcessUpload stores the PDF, counts pages, renders thumbnails and
// writes the upload metadata. Thumbnails are best-effort: a failed render
// leaves a gap, it does not fail the upload.
func (p *AnnotationProcessor) ProcessUpload(ctx context.Context, filename string, pdf []byte) (*model.UploadMeta, error) {
	uploadID := strings.ReplaceAll(uuid.NewString(), "-", "")
	p.logger.Info("Processing upload", "uploadId", uploadID, "filename", filename, "size", len(pdf))

	totalPages, err := p.pageCount(pdf)
	if err != nil {
		return nil, errors.NewExternalService("pdf", "failed to read page count", err)
	}
	if totalPages < 1 {
		return nil, errors.NewExternalService("pdf", "document has no pages", nil)
	}

	if err := p.store.Put(ctx, storage.PDFKey(uploadID), pdf); err != nil {
		return nil, err
	}

	thumbnails := make([]string, 0, totalPages)
	for pageNum := 1; pageNum <= totalPages; pageNum++ {
		thumb, err := p.renderer.RenderPage(ctx, pdf, pageNum, p.thumbDPI)
		if err != nil {
			p.logger.Warn("Thumbnail render failed", "uploadId", uploadID, "page", pageNum, "error", err)
			continue
		}
		key := storage.ThumbnailKey(uploadID, pageNum)
		if err := p.store.Put(ctx, key, thumb); err != nil {
			p.logger.Warn("Thumbnail write failed", "uploadId", uploadID, "page", pageNum, "error", err)
			continue
		}
		thumbnails = append(thumbnails, key)
	}

	meta := &model.UploadMeta{
		UploadID:       uploadID,
		Filename:       filename,
		TotalPages:     totalPages,
		ProcessedPages: []int{},
		Thumbnails:     thumbnails,
	}
	if err := p.docs.PutMeta(ctx, meta); err != nil {
		return nil, err
	}

	p.logger.Info("Upload processed", "uploadId", uploadID, "pages", totalPages)
	return meta, nil
}

// ProcessSheet runs detection on one page: render, detect figure boxes,
// cut and store the crop images, create the crop set. Detection runs at
// most once per page; a second call fails with ALREADY_PROCESSED and
// callers treat that as a no-op success.
func (p *AnnotationProcessor) ProcessSheet(ctx context.Context, uploadID string, pageNum int) (*model.CropSet, error) {
	meta, err := p.docs.GetMeta(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if pageNum < 1 || pageNum > meta.TotalPages {
		return nil, errors.NewOutOfRange("page number", pageNum, meta.TotalPages)
	}

	needs, err := p.docs.NeedsProcessing(ctx, uploadID, pageNum)
	if err != nil {
		return nil, err
	}
	if !needs {
		return nil, errors.NewAlreadyProcessed(uploadID, pageNum)
	}

	pdf, err := p.store.Get(ctx, storage.PDFKey(uploadID))
	if err != nil {
		return nil, err
	}

	sheetPNG, err := p.renderer.RenderPage(ctx, pdf, pageNum, p.pageDPI)
	if err != nil {
		return nil, err
	}

	detected, err := p.detector.Detect(ctx, sheetPNG)
	if err != nil {
		return nil, err
	}
	p.logger.Info("Figures detected", "uploadId", uploadID, "page", pageNum, "figures", len(detected))

	sheet, _, err := image.Decode(bytes.NewReader(sheetPNG))
	if err != nil {
		return nil, errors.NewStorageFailed("decode", storage.CropSetKey(uploadID, pageNum), err)
	}

	set := &model.CropSet{
		UploadID:       uploadID,
		PageNum:        pageNum,
		Crops:          []string{},
		CompletedCrops: []int{},
		YoloBoxes:      []geometry.Box{},
		TotalFigures:   len(detected),
	}

	for i, d := range detected {
		box := geometry.Box{CropID: i, X1: d.X1, Y1: d.Y1, X2: d.X2, Y2: d.Y2}
		cropPNG, err := cutCrop(sheet, box)
		if err != nil {
			return nil, err
		}
		key := storage.CropImageKey(uploadID, pageNum, i)
		if err := p.store.Put(ctx, key, cropPNG); err != nil {
			return nil, err
		}
		set.Crops = append(set.Crops, key)
		set.YoloBoxes = append(set.YoloBoxes, box)
	}

	if err := p.docs.CreateCropSet(ctx, set); err != nil {
		return nil, err
	}

	if err := p.markPageProcessed(ctx, uploadID, pageNum); err != nil {
		p.logger.Warn("Failed to record processed page", "uploadId", uploadID, "page", pageNum, "error", err)
	}
	return set, nil
}

// OpenCrop returns the annotation record for a crop, running OCR exactly
// once: the first open reads text, builds regions in both coordinate
// frames, applies display-time propagation and persists the record; every
// later open returns the persisted record as-is.
func (p *AnnotationProcessor) OpenCrop(ctx context.Context, uploadID string, pageNum, cropIdx int) (*model.AnnotationRecord, error) {
	set, err := p.docs.GetCropSet(ctx, uploadID, pageNum)
	if err != nil {
		return nil, err
	}
	if cropIdx < 0 || cropIdx >= len(set.Crops) {
		return nil, errors.NewOutOfRange("crop index", cropIdx, len(set.Crops))
	}

	unlock, err := p.locker.Lock(ctx, cropLockKey(uploadID, pageNum, cropIdx))
	if err != nil {
		return nil, err
	}
	defer unlock()

	key := storage.AnnotationKey(uploadID, pageNum, cropIdx)
	var existing model.AnnotationRecord
	err = storage.GetJSON(ctx, p.store, key, &existing)
	if err == nil {
		return &existing, nil
	}
	if !errors.IsNotFound(err) {
		return nil, err
	}

	cropImage, err := p.store.Get(ctx, storage.CropImageKey(uploadID, pageNum, cropIdx))
	if err != nil {
		return nil, err
	}
	lines, err := p.reader.ReadLines(ctx, cropImage)
	if err != nil {
		return nil, err
	}

	box, _ := set.BoxFor(cropIdx)
	regions := make([]model.Region, 0, len(lines))
	for i, line := range lines {
		regions = append(regions, model.Region{
			ID:       i,
			Pts:      line.Polygon,
			SheetPts: geometry.PolyToSheet(line.Polygon, box),
			CropBox:  box,
			Text:     line.Text,
		})
	}

	idx, err := p.index.ForDisplay(ctx, uploadID, pageNum, cropIdx)
	if err != nil {
		return nil, err
	}
	applied := propagate.Apply(regions, idx, "")
	if applied > 0 {
		p.logger.Info("Display propagation applied",
			"uploadId", uploadID, "page", pageNum, "crop", cropIdx, "regionsTagged", applied)
	}

	record := &model.AnnotationRecord{
		UploadID: uploadID,
		PageNum:  pageNum,
		CropIdx:  cropIdx,
		Regions:  regions,
	}
	record.CombinedOCRText = record.CombinedText()
	record.KeywordMappings = record.DeriveKeywordMappings()

	if err := storage.PutJSON(ctx, p.store, key, record); err != nil {
		return nil, err
	}
	p.logger.Info("Crop opened", "uploadId", uploadID, "page", pageNum, "crop", cropIdx, "regions", len(regions))
	return record, nil
}

// SaveAnnotations applies the reviewer's tag updates to a crop, runs
// same-crop propagation, persists the record, marks the crop completed
// and fans the manual tags out to every other crop of the document that
// already has a record.
//
// The returned error is non-nil only for failures of the save itself or
// for a partial propagation; in the latter case the result is still valid
// and carries the failed crop list.
func (p *AnnotationProcessor) SaveAnnotations(ctx context.Context, uploadID string, pageNum, cropIdx int, updates []TagUpdate) (*SaveResult, error) {
	set, err := p.docs.GetCropSet(ctx, uploadID, pageNum)
	if err != nil {
		return nil, err
	}
	if cropIdx < 0 || cropIdx >= len(set.Crops) {
		return nil, errors.NewOutOfRange("crop index", cropIdx, len(set.Crops))
	}

	key := storage.AnnotationKey(uploadID, pageNum, cropIdx)
	unlock, err := p.locker.Lock(ctx, cropLockKey(uploadID, pageNum, cropIdx))
	if err != nil {
		return nil, err
	}

	var record model.AnnotationRecord
	if err := storage.GetJSON(ctx, p.store, key, &record); err != nil {
		unlock()
		if errors.IsNotFound(err) {
			return nil, errors.NewNotFound("annotation record", key)
		}
		return nil, err
	}

	for _, u := range updates {
		if u.RegionID < 0 || u.RegionID >= len(record.Regions) {
			unlock()
			return nil, errors.NewOutOfRange("region id", u.RegionID, len(record.Regions))
		}
	}
	for _, u := range updates {
		applyUpdate(&record.Regions[u.RegionID], u)
	}

	idx := p.index.ForSave(record.Regions)
	sameCrop := propagate.Apply(record.Regions, idx, "same_crop_repetitive_text")

	record.CombinedOCRText = record.CombinedText()
	record.KeywordMappings = record.DeriveKeywordMappings()

	if err := storage.PutJSON(ctx, p.store, key, &record); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	updated, err := p.docs.MarkCompleted(ctx, uploadID, pageNum, cropIdx)
	if err != nil {
		return nil, err
	}

	crossCrop, fanErr := p.engine.FanOut(ctx, uploadID, pageNum, cropIdx, idx)

	result := &SaveResult{
		UploadID:          uploadID,
		PageNum:           pageNum,
		CropIdx:           cropIdx,
		NextCropIdx:       nextCropIdx(updated, cropIdx),
		CompletionPercent: updated.CompletionPercent(),
		SameCropTagged:    sameCrop,
		CrossCropTagged:   crossCrop,
		FailedCrops:       errors.FailedCrops(fanErr),
	}

	p.logger.Info("Annotations saved",
		"uploadId", uploadID, "page", pageNum, "crop", cropIdx,
		"sameCropTagged", sameCrop, "crossCropTagged", crossCrop,
		"percent", result.CompletionPercent)
	return result, fanErr
}

// Export builds the read-only export document for an upload.
func (p *AnnotationProcessor) Export(ctx context.Context, uploadID string) (*export.Document, error) {
	return p.aggregator.Build(ctx, uploadID)
}

// DeleteUpload removes every record of an upload.
func (p *AnnotationProcessor) DeleteUpload(ctx context.Context, uploadID string) error {
	return p.docs.DeleteUpload(ctx, uploadID)
}

// applyUpdate writes one reviewer action onto a region. An empty tag
// clears the region back to untagged.
func applyUpdate(r *model.Region, u TagUpdate) {
	if u.Tag == nil || *u.Tag == "" {
		r.ClearTag()
		return
	}
	tag := *u.Tag
	r.Tag = &tag
	if u.BidItem != nil && *u.BidItem != "" {
		bid := *u.BidItem
		r.BidItem = &bid
	} else {
		r.BidItem = nil
	}
	if u.Reason != nil && *u.Reason != "" {
		reason := *u.Reason
		r.Reason = &reason
	} else {
		r.Reason = nil
	}
	r.AutoTagged = false
	r.AutoSource = ""
}

// nextCropIdx returns the first uncompleted crop after the one just
// saved, wrapping to the start, or -1 when the page is done.
func nextCropIdx(set *model.CropSet, cropIdx int) int {
	total := len(set.Crops)
	for offset := 1; offset <= total; offset++ {
		candidate := (cropIdx + offset) % total
		if !set.IsCompleted(candidate) {
			return candidate
		}
	}
	return -1
}

// markPageProcessed appends the page to the metadata's processed list.
func (p *AnnotationProcessor) markPageProcessed(ctx context.Context, uploadID string, pageNum int) error {
	return p.store.Update(ctx, storage.MetadataKey(uploadID), func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, errors.NewNotFound("upload", uploadID)
		}
		var meta model.UploadMeta
		if err := json.Unmarshal(cur, &meta); err != nil {
			return nil, err
		}
		for _, page := range meta.ProcessedPages {
			if page == pageNum {
				return nil, nil
			}
		}
		meta.ProcessedPages = append(meta.ProcessedPages, pageNum)
		return json.Marshal(&meta)
	})
}

// cutCrop extracts the box from the sheet image and re-encodes it as PNG.
// Boxes are clamped to the sheet bounds before cutting.
func cutCrop(sheet image.Image, box geometry.Box) ([]byte, error) {
	bounds := sheet.Bounds()
	rect := image.Rect(box.X1, box.Y1, box.X2, box.Y2).Intersect(bounds)
	if rect.Empty() {
		return nil, errors.NewOutOfRange("crop box", box.CropID, 0)
	}

	type subImager interface {
		SubImage(r image.Rectangle) image.Image
	}
	s, ok := sheet.(subImager)
	if !ok {
		return nil, fmt.Errorf("sheet image type %T does not support cropping", sheet)
	}
	crop := s.SubImage(rect)

	var buf bytes.Buffer
	if err := png.Encode(&buf, crop); err != nil {
		return nil, fmt.Errorf("failed to encode crop %d: %w", box.CropID, err)
	}
	return buf.Bytes(), nil
}

func cropLockKey(uploadID string, pageNum, cropIdx int) string {
	return fmt.Sprintf("crop:%s:%d:%d", uploadID, pageNum, cropIdx)
}
