// Package geometry converts between the two coordinate frames the engine
// works in: crop-local pixels (what the text reader returns) and
// sheet-global pixels (what detection boxes and stored regions use).
package geometry

import (
	"encoding/json"
	"fmt"
)

// Point is a pixel coordinate. It marshals as a two-element [x, y] array to
// match the persisted region layout.
type Point struct {
	X int
	Y int
}

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{p.X, p.Y})
}

func (p *Point) UnmarshalJSON(data []byte) error {
	var arr [2]int
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("point must be a [x, y] array: %w", err)
	}
	p.X = arr[0]
	p.Y = arr[1]
	return nil
}

// Box is an axis-aligned detection box in sheet-global pixel coordinates.
// CropID is the dense 0..N-1 id assigned at detection time and never changes.
type Box struct {
	CropID int `json:"crop_id"`
	X1     int `json:"x1"`
	Y1     int `json:"y1"`
	X2     int `json:"x2"`
	Y2     int `json:"y2"`
}

// Width returns the box width in pixels.
func (b Box) Width() int { return b.X2 - b.X1 }

// Height returns the box height in pixels.
func (b Box) Height() int { return b.Y2 - b.Y1 }

// ToSheet converts a crop-local point into the sheet frame.
func ToSheet(p Point, b Box) Point {
	return Point{X: p.X + b.X1, Y: p.Y + b.Y1}
}

// ToCrop converts a sheet-global point into the crop frame.
// For any p and b, ToCrop(ToSheet(p, b), b) == p exactly.
func ToCrop(p Point, b Box) Point {
	return Point{X: p.X - b.X1, Y: p.Y - b.Y1}
}

// PolyToSheet applies ToSheet to every vertex of a polygon.
func PolyToSheet(poly []Point, b Box) []Point {
	out := make([]Point, len(poly))
	for i, p := range poly {
		out[i] = ToSheet(p, b)
	}
	return out
}

// PolyToCrop applies ToCrop to every vertex of a polygon.
func PolyToCrop(poly []Point, b Box) []Point {
	out := make([]Point, len(poly))
	for i, p := range poly {
		out[i] = ToCrop(p, b)
	}
	return out
}
