package processor

import (
	"context"
	"fmt"
	"os"

	"github.com/otiai10/gosseract/v2"

	"github.com/scopebuilder/drawings-worker/internal/clients"
	"github.com/scopebuilder/drawings-worker/internal/errors"
	"github.com/scopebuilder/drawings-worker/internal/geometry"
	"github.com/scopebuilder/drawings-worker/internal/logging"
)

// TesseractReader is the local fallback text reader used when no hosted
// read service is configured. Each call runs a fresh Tesseract client so
// concurrent crops never share engine state.
type TesseractReader struct {
	binaryPath string
	logger     *logging.Logger
}

// NewTesseractReader creates the fallback reader. It verifies the
// tesseract binary exists so a misconfigured path fails at startup, not
// on the first crop.
func NewTesseractReader(binaryPath string) (*TesseractReader, error) {
	if binaryPath != "" {
		if _, err := os.Stat(binaryPath); err != nil {
			return nil, fmt.Errorf("tesseract binary not found at %s: %w", binaryPath, err)
		}
	}
	return &TesseractReader{
		binaryPath: binaryPath,
		logger:     logging.NewLogger("TesseractReader"),
	}, nil
}

// ReadLines runs line-level OCR on the crop image. Line bounding boxes
// come back as axis-aligned rectangles, expressed as four-point polygons
// in crop-local coordinates.
func (t *TesseractReader) ReadLines(ctx context.Context, image []byte) ([]clients.ReadLine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetImageFromBytes(image); err != nil {
		return nil, errors.NewExternalService("tesseract", "failed to load crop image", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, errors.NewExternalService("tesseract", "failed to read crop image", err)
	}

	var lines []clients.ReadLine
	for _, box := range boxes {
		if box.Word == "" {
			continue
		}
		r := box.Box
		lines = append(lines, clients.ReadLine{
			Polygon: []geometry.Point{
				{X: r.Min.X, Y: r.Min.Y},
				{X: r.Max.X, Y: r.Min.Y},
				{X: r.Max.X, Y: r.Max.Y},
				{X: r.Min.X, Y: r.Max.Y},
			},
			Text: box.Word,
		})
	}

	t.logger.Debug("Local OCR pass complete", "lines", len(lines))
	return lines, nil
}
