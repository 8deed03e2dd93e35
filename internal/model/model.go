// Package model holds the persisted data model: uploads, per-page crop
// sets, OCR text regions with their tags, and the per-crop annotation
// record written on every save.
package model

import (
	"strings"

	"github.com/scopebuilder/drawings-worker/internal/geometry"
)

// MinKeywordLen is the shortest text (exclusive, in characters) that may
// seed or receive an auto-tag. Shorter strings ("A1", "12") match far too
// often.
const MinKeywordLen = 2

// UploadMeta is the document-level record created once per uploaded PDF.
type UploadMeta struct {
	UploadID       string   `json:"upload_id"`
	Filename       string   `json:"filename"`
	TotalPages     int      `json:"total_pages"`
	ProcessedPages []int    `json:"processed_pages"`
	Thumbnails     []string `json:"thumbnails"`
}

// CropSet is the output of running the figure detector once on a page.
// Box ids are a dense 0..N-1 range assigned at detection time and are
// immutable; CompletedCrops tracks which of them have a saved annotation.
type CropSet struct {
	UploadID       string         `json:"upload_id"`
	PageNum        int            `json:"page_num"`
	Crops          []string       `json:"crops"`
	CompletedCrops []int          `json:"completed_crops"`
	YoloBoxes      []geometry.Box `json:"yolo_boxes"`
	TotalFigures   int            `json:"total_figures"`
}

// BoxFor returns the detection box with the given crop id.
func (c *CropSet) BoxFor(cropIdx int) (geometry.Box, bool) {
	for _, b := range c.YoloBoxes {
		if b.CropID == cropIdx {
			return b, true
		}
	}
	return geometry.Box{}, false
}

// IsCompleted reports whether the crop has a saved annotation.
func (c *CropSet) IsCompleted(cropIdx int) bool {
	for _, id := range c.CompletedCrops {
		if id == cropIdx {
			return true
		}
	}
	return false
}

// MarkCompleted adds cropIdx to the completion set. Idempotent.
func (c *CropSet) MarkCompleted(cropIdx int) {
	if c.IsCompleted(cropIdx) {
		return
	}
	c.CompletedCrops = append(c.CompletedCrops, cropIdx)
}

// CompletionPercent returns floor(100 * completed / total), 0 for an empty
// crop set.
func (c *CropSet) CompletionPercent() int {
	if len(c.Crops) == 0 {
		return 0
	}
	return 100 * len(c.CompletedCrops) / len(c.Crops)
}

// Region is one OCR text line within a crop, carried in both coordinate
// frames. Tag fields are pointers so that "untagged" is distinguishable
// from "tagged with an empty reason".
type Region struct {
	ID         int              `json:"id"`
	Pts        []geometry.Point `json:"pts"`
	SheetPts   []geometry.Point `json:"sheet_pts"`
	Tag        *string          `json:"tag"`
	BidItem    *string          `json:"bidItem"`
	Reason     *string          `json:"reason,omitempty"`
	CropBox    geometry.Box     `json:"crop_box"`
	Text       string           `json:"text"`
	AutoTagged bool             `json:"auto_tagged"`
	AutoSource string           `json:"auto_source,omitempty"`
}

// Tagged reports whether the region carries a tag, manual or auto.
func (r *Region) Tagged() bool {
	return r.Tag != nil && *r.Tag != ""
}

// ManuallyTagged reports whether the region was tagged by a reviewer.
func (r *Region) ManuallyTagged() bool {
	return r.Tagged() && !r.AutoTagged
}

// ClearTag returns the region to the untagged state. The region itself is
// never deleted.
func (r *Region) ClearTag() {
	r.Tag = nil
	r.BidItem = nil
	r.Reason = nil
	r.AutoTagged = false
	r.AutoSource = ""
}

// NormalizedText returns the matching key for propagation: trimmed and
// lowercased.
func (r *Region) NormalizedText() string {
	return NormalizeText(r.Text)
}

// NormalizeText trims and lowercases text for index lookups.
func NormalizeText(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// TagValue returns the tag string, empty when untagged.
func (r *Region) TagValue() string {
	if r.Tag == nil {
		return ""
	}
	return *r.Tag
}

// BidItemValue returns the bid-item flag, empty when untagged.
func (r *Region) BidItemValue() string {
	if r.BidItem == nil {
		return ""
	}
	return *r.BidItem
}

// ReasonValue returns the free-text reason, empty when absent.
func (r *Region) ReasonValue() string {
	if r.Reason == nil {
		return ""
	}
	return *r.Reason
}

// KeywordMapping is one distinct (text, scope, bid-item) triple observed
// among the tagged regions of a crop.
type KeywordMapping struct {
	Text    string `json:"text"`
	Scope   string `json:"scope"`
	BidItem string `json:"bidItem"`
	Reason  string `json:"reason,omitempty"`
}

// AnnotationRecord is the persisted state for one (upload, page, crop)
// triple. Created after the crop's first OCR pass and overwritten on every
// save.
type AnnotationRecord struct {
	UploadID        string           `json:"upload_id"`
	PageNum         int              `json:"page_num"`
	CropIdx         int              `json:"crop_idx"`
	Regions         []Region         `json:"regions"`
	CombinedOCRText string           `json:"combined_ocr_text"`
	KeywordMappings []KeywordMapping `json:"keyword_mappings,omitempty"`
}

// CombinedText space-joins the text of all regions with non-empty text.
func (a *AnnotationRecord) CombinedText() string {
	parts := make([]string, 0, len(a.Regions))
	for _, r := range a.Regions {
		if r.Text != "" {
			parts = append(parts, r.Text)
		}
	}
	return strings.Join(parts, " ")
}

// DeriveKeywordMappings collects one entry per distinct
// (text, scope, bid-item) triple among the crop's tagged regions, in
// region order, first occurrence winning.
func (a *AnnotationRecord) DeriveKeywordMappings() []KeywordMapping {
	var mappings []KeywordMapping
	seen := make(map[string]bool)

	for i := range a.Regions {
		r := &a.Regions[i]
		if !r.Tagged() || r.Text == "" {
			continue
		}
		key := r.NormalizedText() + "\x00" + r.TagValue() + "\x00" + r.BidItemValue()
		if seen[key] {
			continue
		}
		seen[key] = true
		mappings = append(mappings, KeywordMapping{
			Text:    r.Text,
			Scope:   r.TagValue(),
			BidItem: r.BidItemValue(),
			Reason:  r.ReasonValue(),
		})
	}
	return mappings
}
