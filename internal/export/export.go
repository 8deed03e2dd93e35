/**
 * Export aggregation for the drawings annotation worker.
 *
 * Walks every persisted record of one upload and folds it into a single
 * report: per-page crop inventory, one entry per tagged region in both
 * coordinate frames, a deduplicated keyword mapping list, and the set of
 * scopes in use. Pure read side, never mutates stored state.
 */

package export

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/scopebuilder/drawings-worker/internal/errors"
	"github.com/scopebuilder/drawings-worker/internal/geometry"
	"github.com/scopebuilder/drawings-worker/internal/logging"
	"github.com/scopebuilder/drawings-worker/internal/model"
	"github.com/scopebuilder/drawings-worker/internal/storage"
)

// ExportVersion identifies the report layout.
const ExportVersion = "1.1"

// PDFInfo carries the document-level metadata in the export.
type PDFInfo struct {
	UploadID   string `json:"upload_id"`
	Filename   string `json:"filename"`
	TotalPages int    `json:"total_pages"`
}

// Annotation is one tagged region flattened into the export, carrying both
// coordinate frames and its location.
type Annotation struct {
	PageNum    int              `json:"page_num"`
	CropIdx    int              `json:"crop_idx"`
	RegionID   int              `json:"region_id"`
	Text       string           `json:"text"`
	Tag        string           `json:"tag"`
	BidItem    string           `json:"bidItem"`
	Reason     string           `json:"reason,omitempty"`
	Pts        []geometry.Point `json:"pts"`
	SheetPts   []geometry.Point `json:"sheet_pts"`
	CropBox    geometry.Box     `json:"crop_box"`
	AutoTagged bool             `json:"auto_tagged"`
	AutoSource string           `json:"auto_source,omitempty"`
}

// CropExport is one crop's entry in a page: geometry, combined OCR text,
// completion flag and image reference.
type CropExport struct {
	CropIdx   int          `json:"crop_idx"`
	Box       geometry.Box `json:"box"`
	Image     string       `json:"image"`
	Completed bool         `json:"completed"`
	OCRText   string       `json:"ocr_text,omitempty"`
}

// PageExport is one page's entry in the export document.
type PageExport struct {
	Annotations    []Annotation   `json:"annotations"`
	Crops          []CropExport   `json:"crops"`
	YoloBoxes      []geometry.Box `json:"yolo_boxes"`
	CompletedCrops []int          `json:"completed_crops"`
	TotalFigures   int            `json:"total_figures"`
}

// MappingExport is one deduplicated keyword mapping with its origin
// location attached.
type MappingExport struct {
	Text    string       `json:"text"`
	Scope   string       `json:"scope"`
	BidItem string       `json:"bidItem"`
	Reason  string       `json:"reason,omitempty"`
	PageNum int          `json:"page_num"`
	CropIdx int          `json:"crop_idx"`
	CropBox geometry.Box `json:"crop_box"`
}

// Document is the full export artifact.
type Document struct {
	PDFInfo         PDFInfo                `json:"pdf_info"`
	Pages           map[string]*PageExport `json:"pages"`
	KeywordMappings []MappingExport        `json:"keyword_mappings"`
	UniqueScopes    []string               `json:"unique_scopes"`
	Version         string                 `json:"version"`
	ExportDate      string                 `json:"export_date"`
}

// Filename returns the download name for the export artifact, derived
// from the original PDF name.
func (d *Document) Filename() string {
	base := strings.TrimSuffix(d.PDFInfo.Filename, filepath.Ext(d.PDFInfo.Filename))
	if base == "" {
		base = d.PDFInfo.UploadID
	}
	return base + "_annotations.json"
}

// Aggregator builds export documents from the record store.
type Aggregator struct {
	store  storage.Store
	logger *logging.Logger

	now func() time.Time
}

// NewAggregator creates an export aggregator over the given store.
func NewAggregator(store storage.Store) *Aggregator {
	return &Aggregator{
		store:  store,
		logger: logging.NewLogger("ExportAggregator"),
		now:    time.Now,
	}
}

// Build assembles the export document for an upload. Pages appear only
// when they have at least one crop or one tagged region.
func (a *Aggregator) Build(ctx context.Context, uploadID string) (*Document, error) {
	var meta model.UploadMeta
	if err := storage.GetJSON(ctx, a.store, storage.MetadataKey(uploadID), &meta); err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewNotFound("upload", uploadID)
		}
		return nil, err
	}

	doc := &Document{
		PDFInfo: PDFInfo{
			UploadID:   meta.UploadID,
			Filename:   meta.Filename,
			TotalPages: meta.TotalPages,
		},
		Pages:      make(map[string]*PageExport),
		Version:    ExportVersion,
		ExportDate: a.now().UTC().Format(time.RFC3339),
	}

	records, err := a.loadRecords(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	seenMappings := make(map[string]bool)
	seenScopes := make(map[string]bool)

	for pageNum := 1; pageNum <= meta.TotalPages; pageNum++ {
		var set model.CropSet
		err := storage.GetJSON(ctx, a.store, storage.CropSetKey(uploadID, pageNum), &set)
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return nil, err
		}

		page := &PageExport{
			Annotations:    []Annotation{},
			Crops:          []CropExport{},
			YoloBoxes:      set.YoloBoxes,
			CompletedCrops: set.CompletedCrops,
			TotalFigures:   set.TotalFigures,
		}

		for cropIdx := range set.Crops {
			box, _ := set.BoxFor(cropIdx)
			crop := CropExport{
				CropIdx:   cropIdx,
				Box:       box,
				Image:     storage.CropImageKey(uploadID, pageNum, cropIdx),
				Completed: set.IsCompleted(cropIdx),
			}

			record, ok := records[recordKey(pageNum, cropIdx)]
			if ok {
				crop.OCRText = record.CombinedOCRText
				a.collectRegions(page, record, seenScopes)
				a.collectMappings(doc, record, box, seenMappings, seenScopes)
			}
			page.Crops = append(page.Crops, crop)
		}

		if len(page.Crops) > 0 || len(page.Annotations) > 0 {
			doc.Pages[fmt.Sprintf("%d", pageNum)] = page
		}
	}

	doc.UniqueScopes = sortedScopes(seenScopes)
	a.logger.Info("Export built", "uploadId", uploadID,
		"pages", len(doc.Pages), "mappings", len(doc.KeywordMappings))
	return doc, nil
}

func (a *Aggregator) collectRegions(page *PageExport, record *model.AnnotationRecord, scopes map[string]bool) {
	for i := range record.Regions {
		r := &record.Regions[i]
		if !r.Tagged() {
			continue
		}
		scopes[r.TagValue()] = true
		page.Annotations = append(page.Annotations, Annotation{
			PageNum:    record.PageNum,
			CropIdx:    record.CropIdx,
			RegionID:   r.ID,
			Text:       r.Text,
			Tag:        r.TagValue(),
			BidItem:    r.BidItemValue(),
			Reason:     r.ReasonValue(),
			Pts:        r.Pts,
			SheetPts:   r.SheetPts,
			CropBox:    r.CropBox,
			AutoTagged: r.AutoTagged,
			AutoSource: r.AutoSource,
		})
	}
}

func (a *Aggregator) collectMappings(doc *Document, record *model.AnnotationRecord, box geometry.Box, seen, scopes map[string]bool) {
	for _, m := range record.KeywordMappings {
		key := model.NormalizeText(m.Text) + "\x00" + m.Scope + "\x00" + m.BidItem
		if seen[key] {
			continue
		}
		seen[key] = true
		scopes[m.Scope] = true
		doc.KeywordMappings = append(doc.KeywordMappings, MappingExport{
			Text:    m.Text,
			Scope:   m.Scope,
			BidItem: m.BidItem,
			Reason:  m.Reason,
			PageNum: record.PageNum,
			CropIdx: record.CropIdx,
			CropBox: box,
		})
	}
}

// loadRecords reads every annotation record of the upload, keyed by
// (page, crop).
func (a *Aggregator) loadRecords(ctx context.Context, uploadID string) (map[string]*model.AnnotationRecord, error) {
	keys, err := a.store.List(ctx, storage.AnnotationPrefix(uploadID))
	if err != nil {
		return nil, err
	}

	records := make(map[string]*model.AnnotationRecord, len(keys))
	for _, key := range keys {
		_, pageNum, cropIdx, ok := storage.ParseAnnotationKey(key)
		if !ok {
			continue
		}
		var record model.AnnotationRecord
		if err := storage.GetJSON(ctx, a.store, key, &record); err != nil {
			a.logger.Warn("Skipping unreadable annotation record", "key", key, "error", err)
			continue
		}
		records[recordKey(pageNum, cropIdx)] = &record
	}
	return records, nil
}

func recordKey(pageNum, cropIdx int) string {
	return fmt.Sprintf("%d/%d", pageNum, cropIdx)
}

func sortedScopes(set map[string]bool) []string {
	scopes := make([]string, 0, len(set))
	for scope := range set {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes
}
