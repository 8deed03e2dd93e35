package export

import (
	"context"
	"testing"
	"time"

	"github.com/scopebuilder/drawings-worker/internal/errors"
	"github.com/scopebuilder/drawings-worker/internal/geometry"
	"github.com/scopebuilder/drawings-worker/internal/model"
	"github.com/scopebuilder/drawings-worker/internal/storage"
)

func strPtr(s string) *string { return &s }

func seedUpload(t *testing.T, store storage.Store, uploadID string, totalPages int) {
	t.Helper()
	meta := model.UploadMeta{UploadID: uploadID, Filename: "plans.pdf", TotalPages: totalPages}
	if err := storage.PutJSON(context.Background(), store, storage.MetadataKey(uploadID), &meta); err != nil {
		t.Fatalf("failed to store metadata: %v", err)
	}
}

func seedCropSet(t *testing.T, store storage.Store, uploadID string, pageNum, crops int, completed []int) {
	t.Helper()
	set := model.CropSet{
		UploadID:       uploadID,
		PageNum:        pageNum,
		CompletedCrops: completed,
		TotalFigures:   crops,
	}
	for i := 0; i < crops; i++ {
		set.Crops = append(set.Crops, storage.CropImageKey(uploadID, pageNum, i))
		set.YoloBoxes = append(set.YoloBoxes, geometry.Box{CropID: i, X1: i * 100, X2: i*100 + 100, Y2: 100})
	}
	if err := storage.PutJSON(context.Background(), store, storage.CropSetKey(uploadID, pageNum), &set); err != nil {
		t.Fatalf("failed to store crop set: %v", err)
	}
}

func seedRecord(t *testing.T, store storage.Store, uploadID string, pageNum, cropIdx int, regions []model.Region) {
	t.Helper()
	record := model.AnnotationRecord{
		UploadID: uploadID,
		PageNum:  pageNum,
		CropIdx:  cropIdx,
		Regions:  regions,
	}
	record.CombinedOCRText = record.CombinedText()
	record.KeywordMappings = record.DeriveKeywordMappings()
	key := storage.AnnotationKey(uploadID, pageNum, cropIdx)
	if err := storage.PutJSON(context.Background(), store, key, &record); err != nil {
		t.Fatalf("failed to store record: %v", err)
	}
}

func TestBuildNotFound(t *testing.T) {
	agg := NewAggregator(storage.NewMemStore())
	if _, err := agg.Build(context.Background(), "missing"); !errors.IsNotFound(err) {
		t.Errorf("Build returned %v, want NOT_FOUND", err)
	}
}

func TestBuildAggregates(t *testing.T) {
	store := storage.NewMemStore()
	seedUpload(t, store, "up1", 3)
	seedCropSet(t, store, "up1", 1, 2, []int{0})

	tagged := model.Region{
		ID:   0,
		Text: "PANEL A",
		Tag:  strPtr("Electrical"), BidItem: strPtr("Yes"),
		Pts:      []geometry.Point{{X: 10, Y: 10}},
		SheetPts: []geometry.Point{{X: 10, Y: 10}},
	}
	seedRecord(t, store, "up1", 1, 0, []model.Region{
		tagged,
		{ID: 1, Text: "untagged"},
	})
	// a second crop repeating the same mapping
	seedRecord(t, store, "up1", 1, 1, []model.Region{
		{ID: 0, Text: " panel a ", Tag: strPtr("Electrical"), BidItem: strPtr("Yes"),
			AutoTagged: true, AutoSource: "cross_crop_auto_tagged"},
	})

	agg := NewAggregator(store)
	agg.now = func() time.Time { return time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC) }

	doc, err := agg.Build(context.Background(), "up1")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if doc.PDFInfo.Filename != "plans.pdf" || doc.PDFInfo.TotalPages != 3 {
		t.Errorf("pdf info = %+v", doc.PDFInfo)
	}
	if doc.Version != ExportVersion || doc.ExportDate != "2026-08-28T12:00:00Z" {
		t.Errorf("version/date = %q/%q", doc.Version, doc.ExportDate)
	}

	// only the page with crops appears
	if len(doc.Pages) != 1 {
		t.Fatalf("pages = %v, want just page 1", doc.Pages)
	}
	page, ok := doc.Pages["1"]
	if !ok {
		t.Fatal("page 1 missing from export")
	}
	if page.TotalFigures != 2 || len(page.Crops) != 2 {
		t.Errorf("page = %+v", page)
	}
	if !page.Crops[0].Completed || page.Crops[1].Completed {
		t.Errorf("completion flags = %v/%v", page.Crops[0].Completed, page.Crops[1].Completed)
	}
	if page.Crops[0].OCRText != "PANEL A untagged" {
		t.Errorf("crop OCR text = %q", page.Crops[0].OCRText)
	}

	// untagged regions are excluded from the flattened annotations
	if len(page.Annotations) != 2 {
		t.Fatalf("annotations = %+v, want 2 tagged regions", page.Annotations)
	}
	first := page.Annotations[0]
	if first.Tag != "Electrical" || first.Text != "PANEL A" || first.CropIdx != 0 {
		t.Errorf("first annotation = %+v", first)
	}

	// normalized text + scope + bid-item dedup across crops
	if len(doc.KeywordMappings) != 1 {
		t.Fatalf("keyword mappings = %+v, want one deduplicated entry", doc.KeywordMappings)
	}
	if doc.KeywordMappings[0].PageNum != 1 || doc.KeywordMappings[0].CropIdx != 0 {
		t.Errorf("mapping location = %+v, want the first occurrence", doc.KeywordMappings[0])
	}

	if len(doc.UniqueScopes) != 1 || doc.UniqueScopes[0] != "Electrical" {
		t.Errorf("unique scopes = %v", doc.UniqueScopes)
	}
}

func TestBuildSortsScopes(t *testing.T) {
	store := storage.NewMemStore()
	seedUpload(t, store, "up1", 1)
	seedCropSet(t, store, "up1", 1, 1, nil)
	seedRecord(t, store, "up1", 1, 0, []model.Region{
		{ID: 0, Text: "VALVE", Tag: strPtr("Plumbing"), BidItem: strPtr("No")},
		{ID: 1, Text: "PANEL A", Tag: strPtr("Electrical"), BidItem: strPtr("Yes")},
		{ID: 2, Text: "DUCT RUN", Tag: strPtr("HVAC"), BidItem: strPtr("Yes")},
	})

	doc, err := NewAggregator(store).Build(context.Background(), "up1")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	want := []string{"Electrical", "HVAC", "Plumbing"}
	if len(doc.UniqueScopes) != len(want) {
		t.Fatalf("unique scopes = %v, want %v", doc.UniqueScopes, want)
	}
	for i := range want {
		if doc.UniqueScopes[i] != want[i] {
			t.Errorf("scopes[%d] = %q, want %q (sorted)", i, doc.UniqueScopes[i], want[i])
		}
	}
}

func TestExportFilename(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		uploadID string
		want     string
	}{
		{"pdf name", "site plans.pdf", "abc", "site plans_annotations.json"},
		{"no extension", "plans", "abc", "plans_annotations.json"},
		{"empty falls back to id", "", "abc", "abc_annotations.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := Document{PDFInfo: PDFInfo{Filename: tt.filename, UploadID: tt.uploadID}}
			if got := doc.Filename(); got != tt.want {
				t.Errorf("Filename() = %q, want %q", got, tt.want)
			}
		})
	}
}
