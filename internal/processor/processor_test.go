package processor

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/scopebuilder/drawings-worker/internal/clients"
	"github.com/scopebuilder/drawings-worker/internal/errors"
	"github.com/scopebuilder/drawings-worker/internal/geometry"
	"github.com/scopebuilder/drawings-worker/internal/locks"
	"github.com/scopebuilder/drawings-worker/internal/storage"
)

type fakeDetector struct {
	boxes []clients.DetectedBox
	calls int
}

func (f *fakeDetector) Detect(ctx context.Context, image []byte) ([]clients.DetectedBox, error) {
	f.calls++
	return f.boxes, nil
}

// fakeReader returns one scripted response per call, in call order.
type fakeReader struct {
	responses [][]clients.ReadLine
	calls     int
}

func (f *fakeReader) ReadLines(ctx context.Context, image []byte) ([]clients.ReadLine, error) {
	if f.calls >= len(f.responses) {
		return nil, errors.NewExternalService("reader", "unexpected read call", nil)
	}
	lines := f.responses[f.calls]
	f.calls++
	return lines, nil
}

type fakeRenderer struct {
	png []byte
}

func (f *fakeRenderer) RenderPage(ctx context.Context, pdf []byte, pageNum, dpi int) ([]byte, error) {
	return f.png, nil
}

func sheetPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode sheet: %v", err)
	}
	return buf.Bytes()
}

func line(text string, pts ...int) clients.ReadLine {
	polygon := make([]geometry.Point, 0, len(pts)/2)
	for i := 0; i+1 < len(pts); i += 2 {
		polygon = append(polygon, geometry.Point{X: pts[i], Y: pts[i+1]})
	}
	return clients.ReadLine{Polygon: polygon, Text: text}
}

func strPtr(s string) *string { return &s }

func onePage(pdf []byte) (int, error) { return 1, nil }

func TestAnnotationWorkflow(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()

	detector := &fakeDetector{boxes: []clients.DetectedBox{
		{X1: 0, Y1: 0, X2: 100, Y2: 100},
		{X1: 100, Y1: 0, X2: 200, Y2: 100},
	}}
	reader := &fakeReader{responses: [][]clients.ReadLine{
		{
			line("PANEL A", 10, 10, 60, 10, 60, 20, 10, 20),
			line("PANEL A", 10, 40, 60, 40, 60, 50, 10, 50),
		},
		{
			line("PANEL A", 5, 5, 55, 5, 55, 15, 5, 15),
		},
	}}
	renderer := &fakeRenderer{png: sheetPNG(t, 200, 100)}

	proc := New(store, locks.NewLocalLocker(), detector, reader, renderer, onePage, 100, 72)

	meta, err := proc.ProcessUpload(ctx, "plans.pdf", []byte("%PDF-1.4"))
	if err != nil {
		t.Fatalf("ProcessUpload failed: %v", err)
	}
	if meta.TotalPages != 1 || len(meta.Thumbnails) != 1 {
		t.Fatalf("meta = %+v", meta)
	}
	uploadID := meta.UploadID

	set, err := proc.ProcessSheet(ctx, uploadID, 1)
	if err != nil {
		t.Fatalf("ProcessSheet failed: %v", err)
	}
	if len(set.Crops) != 2 || set.TotalFigures != 2 {
		t.Fatalf("crop set = %+v", set)
	}

	if _, err := proc.ProcessSheet(ctx, uploadID, 1); !errors.IsAlreadyProcessed(err) {
		t.Fatalf("second ProcessSheet returned %v, want ALREADY_PROCESSED", err)
	}
	if detector.calls != 1 {
		t.Errorf("detector ran %d times, want 1", detector.calls)
	}

	crop0, err := proc.OpenCrop(ctx, uploadID, 1, 0)
	if err != nil {
		t.Fatalf("OpenCrop(0) failed: %v", err)
	}
	if len(crop0.Regions) != 2 {
		t.Fatalf("crop 0 has %d regions, want 2", len(crop0.Regions))
	}
	for _, r := range crop0.Regions {
		if r.Tagged() {
			t.Errorf("region %d tagged before any manual tag: %+v", r.ID, r)
		}
	}

	crop1, err := proc.OpenCrop(ctx, uploadID, 1, 1)
	if err != nil {
		t.Fatalf("OpenCrop(1) failed: %v", err)
	}
	if len(crop1.Regions) != 1 {
		t.Fatalf("crop 1 has %d regions, want 1", len(crop1.Regions))
	}
	// sheet frame = crop frame + box offset (100, 0)
	wantSheet := geometry.Point{X: 105, Y: 5}
	if crop1.Regions[0].SheetPts[0] != wantSheet {
		t.Errorf("sheet point = %+v, want %+v", crop1.Regions[0].SheetPts[0], wantSheet)
	}
	if got := geometry.PolyToCrop(crop1.Regions[0].SheetPts, crop1.Regions[0].CropBox); got[0] != crop1.Regions[0].Pts[0] {
		t.Errorf("sheet->crop round trip gave %+v, want %+v", got[0], crop1.Regions[0].Pts[0])
	}

	result, err := proc.SaveAnnotations(ctx, uploadID, 1, 0, []TagUpdate{
		{RegionID: 0, Tag: strPtr("Electrical"), BidItem: strPtr("Yes")},
	})
	if err != nil {
		t.Fatalf("SaveAnnotations failed: %v", err)
	}
	if result.SameCropTagged != 1 || result.CrossCropTagged != 1 {
		t.Errorf("propagation counts = %+v", result)
	}
	if result.CompletionPercent != 50 || result.NextCropIdx != 1 {
		t.Errorf("result = %+v, want 50%% and next crop 1", result)
	}
	if len(result.FailedCrops) != 0 {
		t.Errorf("failed crops = %+v", result.FailedCrops)
	}

	saved0, err := proc.OpenCrop(ctx, uploadID, 1, 0)
	if err != nil {
		t.Fatalf("reopen crop 0 failed: %v", err)
	}
	if saved0.Regions[0].TagValue() != "Electrical" || saved0.Regions[0].AutoTagged {
		t.Errorf("manual region = %+v", saved0.Regions[0])
	}
	second := saved0.Regions[1]
	if second.TagValue() != "Electrical" || second.BidItemValue() != "Yes" {
		t.Errorf("same-crop region = %+v", second)
	}
	if !second.AutoTagged || second.AutoSource != "same_crop_repetitive_text" {
		t.Errorf("same-crop provenance = (%v, %q)", second.AutoTagged, second.AutoSource)
	}

	saved1, err := proc.OpenCrop(ctx, uploadID, 1, 1)
	if err != nil {
		t.Fatalf("reopen crop 1 failed: %v", err)
	}
	cross := saved1.Regions[0]
	if cross.TagValue() != "Electrical" || cross.BidItemValue() != "Yes" {
		t.Errorf("cross-crop region = %+v", cross)
	}
	if !cross.AutoTagged || cross.AutoSource != "cross_crop_auto_tagged" {
		t.Errorf("cross-crop provenance = (%v, %q)", cross.AutoTagged, cross.AutoSource)
	}

	// OCR ran exactly once per crop across all opens
	if reader.calls != 2 {
		t.Errorf("reader ran %d times, want 2", reader.calls)
	}

	doc, err := proc.Export(ctx, uploadID)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if len(doc.UniqueScopes) != 1 || doc.UniqueScopes[0] != "Electrical" {
		t.Errorf("unique scopes = %v, want [Electrical]", doc.UniqueScopes)
	}
	if len(doc.KeywordMappings) != 1 {
		t.Fatalf("keyword mappings = %+v, want exactly one", doc.KeywordMappings)
	}
	mapping := doc.KeywordMappings[0]
	if mapping.Text != "PANEL A" || mapping.Scope != "Electrical" || mapping.BidItem != "Yes" {
		t.Errorf("mapping = %+v", mapping)
	}
}

func TestSaveRequiresExistingRecord(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()

	detector := &fakeDetector{boxes: []clients.DetectedBox{{X1: 0, Y1: 0, X2: 50, Y2: 50}}}
	reader := &fakeReader{responses: [][]clients.ReadLine{{line("TEXT HERE", 0, 0, 10, 0, 10, 10, 0, 10)}}}
	renderer := &fakeRenderer{png: sheetPNG(t, 50, 50)}
	proc := New(store, locks.NewLocalLocker(), detector, reader, renderer, onePage, 100, 72)

	meta, err := proc.ProcessUpload(ctx, "plans.pdf", []byte("%PDF-1.4"))
	if err != nil {
		t.Fatalf("ProcessUpload failed: %v", err)
	}
	if _, err := proc.ProcessSheet(ctx, meta.UploadID, 1); err != nil {
		t.Fatalf("ProcessSheet failed: %v", err)
	}

	// save before the crop was ever opened
	_, err = proc.SaveAnnotations(ctx, meta.UploadID, 1, 0, nil)
	if !errors.IsNotFound(err) {
		t.Errorf("save without record returned %v, want NOT_FOUND", err)
	}

	if _, err := proc.OpenCrop(ctx, meta.UploadID, 1, 0); err != nil {
		t.Fatalf("OpenCrop failed: %v", err)
	}

	_, err = proc.SaveAnnotations(ctx, meta.UploadID, 1, 0, []TagUpdate{
		{RegionID: 9, Tag: strPtr("Electrical")},
	})
	if !errors.IsOutOfRange(err) {
		t.Errorf("save with bad region id returned %v, want OUT_OF_RANGE", err)
	}

	_, err = proc.SaveAnnotations(ctx, meta.UploadID, 1, 3, nil)
	if !errors.IsOutOfRange(err) {
		t.Errorf("save with bad crop index returned %v, want OUT_OF_RANGE", err)
	}

	_, err = proc.SaveAnnotations(ctx, "missing", 1, 0, nil)
	if !errors.IsNotFound(err) {
		t.Errorf("save for unknown upload returned %v, want NOT_FOUND", err)
	}
}

func TestSaveClearTag(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()

	detector := &fakeDetector{boxes: []clients.DetectedBox{{X1: 0, Y1: 0, X2: 50, Y2: 50}}}
	reader := &fakeReader{responses: [][]clients.ReadLine{{line("TEXT HERE", 0, 0, 10, 0, 10, 10, 0, 10)}}}
	renderer := &fakeRenderer{png: sheetPNG(t, 50, 50)}
	proc := New(store, locks.NewLocalLocker(), detector, reader, renderer, onePage, 100, 72)

	meta, _ := proc.ProcessUpload(ctx, "plans.pdf", []byte("%PDF-1.4"))
	if _, err := proc.ProcessSheet(ctx, meta.UploadID, 1); err != nil {
		t.Fatalf("ProcessSheet failed: %v", err)
	}
	if _, err := proc.OpenCrop(ctx, meta.UploadID, 1, 0); err != nil {
		t.Fatalf("OpenCrop failed: %v", err)
	}

	if _, err := proc.SaveAnnotations(ctx, meta.UploadID, 1, 0, []TagUpdate{
		{RegionID: 0, Tag: strPtr("Electrical"), BidItem: strPtr("Yes")},
	}); err != nil {
		t.Fatalf("tagging save failed: %v", err)
	}

	if _, err := proc.SaveAnnotations(ctx, meta.UploadID, 1, 0, []TagUpdate{
		{RegionID: 0, Tag: nil},
	}); err != nil {
		t.Fatalf("clearing save failed: %v", err)
	}

	record, err := proc.OpenCrop(ctx, meta.UploadID, 1, 0)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	r := record.Regions[0]
	if r.Tagged() || r.BidItem != nil || r.AutoTagged {
		t.Errorf("region after clear = %+v, want untagged", r)
	}
	if len(record.KeywordMappings) != 0 {
		t.Errorf("keyword mappings after clear = %+v", record.KeywordMappings)
	}
}

// flatImage implements image.Image without SubImage.
type flatImage struct{}

func (flatImage) ColorModel() color.Model { return color.RGBAModel }
func (flatImage) Bounds() image.Rectangle { return image.Rect(0, 0, 100, 100) }
func (flatImage) At(x, y int) color.Color { return color.White }

func TestCutCrop(t *testing.T) {
	box := geometry.Box{CropID: 0, X1: 10, Y1: 10, X2: 40, Y2: 30}

	t.Run("croppable image", func(t *testing.T) {
		sheet := image.NewRGBA(image.Rect(0, 0, 100, 100))
		data, err := cutCrop(sheet, box)
		if err != nil {
			t.Fatalf("cutCrop failed: %v", err)
		}
		crop, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("crop is not valid PNG: %v", err)
		}
		if got := crop.Bounds(); got.Dx() != 30 || got.Dy() != 20 {
			t.Errorf("crop size = %dx%d, want 30x20", got.Dx(), got.Dy())
		}
	})

	t.Run("image without SubImage fails", func(t *testing.T) {
		if _, err := cutCrop(flatImage{}, box); err == nil {
			t.Fatal("cutCrop accepted an image it cannot crop")
		}
	})

	t.Run("box outside the sheet fails", func(t *testing.T) {
		sheet := image.NewRGBA(image.Rect(0, 0, 100, 100))
		outside := geometry.Box{CropID: 1, X1: 200, Y1: 200, X2: 300, Y2: 300}
		if _, err := cutCrop(sheet, outside); err == nil {
			t.Fatal("cutCrop accepted a box outside the sheet")
		}
	})
}

func TestDeleteUploadRemovesRecords(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()

	detector := &fakeDetector{boxes: []clients.DetectedBox{{X1: 0, Y1: 0, X2: 50, Y2: 50}}}
	reader := &fakeReader{responses: [][]clients.ReadLine{{line("TEXT HERE", 0, 0, 10, 0, 10, 10, 0, 10)}}}
	renderer := &fakeRenderer{png: sheetPNG(t, 50, 50)}
	proc := New(store, locks.NewLocalLocker(), detector, reader, renderer, onePage, 100, 72)

	meta, _ := proc.ProcessUpload(ctx, "plans.pdf", []byte("%PDF-1.4"))
	proc.ProcessSheet(ctx, meta.UploadID, 1)
	proc.OpenCrop(ctx, meta.UploadID, 1, 0)

	if err := proc.DeleteUpload(ctx, meta.UploadID); err != nil {
		t.Fatalf("DeleteUpload failed: %v", err)
	}
	if _, err := proc.Docs().GetMeta(ctx, meta.UploadID); !errors.IsNotFound(err) {
		t.Errorf("metadata survived deletion: %v", err)
	}
	if _, err := proc.OpenCrop(ctx, meta.UploadID, 1, 0); !errors.IsNotFound(err) {
		t.Errorf("OpenCrop after deletion returned %v, want NOT_FOUND", err)
	}
}
