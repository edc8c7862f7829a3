// Package detection defines the per-frame observations supplied by the vision
// collaborator and the runtime-tunable confidence gate applied to them.
package detection

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Point is a pixel coordinate. It encodes as a two element JSON array.
type Point struct {
	X, Y float64
}

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.X, p.Y})
}

func (p *Point) UnmarshalJSON(data []byte) error {
	var v [2]float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("point must be [x, y]: %w", err)
	}
	p.X, p.Y = v[0], v[1]
	return nil
}

// Sub returns the offset p - c.
func (p Point) Sub(c Point) (dx, dy float64) {
	return p.X - c.X, p.Y - c.Y
}

// Distance returns the euclidean distance between p and c.
func (p Point) Distance(c Point) float64 {
	dx, dy := p.Sub(c)
	return math.Hypot(dx, dy)
}

// Norm is the distance from the origin.
func (p Point) Norm() float64 {
	return math.Hypot(p.X, p.Y)
}

// Box is an axis-aligned bounding box, top-left corner plus size. It encodes
// as [x, y, w, h].
type Box struct {
	X, Y, W, H float64
}

func (b Box) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{b.X, b.Y, b.W, b.H})
}

func (b *Box) UnmarshalJSON(data []byte) error {
	var v [4]float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("box must be [x, y, w, h]: %w", err)
	}
	b.X, b.Y, b.W, b.H = v[0], v[1], v[2], v[3]
	return nil
}

// Area returns w*h, zero for degenerate boxes.
func (b Box) Area() float64 {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// Contains reports whether p lies inside b, edges included.
func (b Box) Contains(p Point) bool {
	return p.X >= b.X && p.X <= b.X+b.W && p.Y >= b.Y && p.Y <= b.Y+b.H
}

// Detection is one observed object. Only the fields are read; pixels never
// reach the core.
type Detection struct {
	Box        Box     `json:"box"`
	Class      string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	Center     Point   `json:"center"`
	Color      string  `json:"color,omitempty"`
	Shape      string  `json:"shape,omitempty"`
	IsEnemy    bool    `json:"is_enemy,omitempty"`
	QRText     string  `json:"qr_text,omitempty"`
}

// IsBalloon reports whether the class label names any balloon variant.
func (d Detection) IsBalloon() bool {
	return strings.Contains(d.Class, "balloon")
}

// HasAppearance reports whether both color and shape were classified.
func (d Detection) HasAppearance() bool {
	return d.Color != "" && d.Shape != ""
}

// Matches reports whether d is a balloon with the given color and shape,
// ignoring case.
func (d Detection) Matches(color, shape string) bool {
	return d.IsBalloon() && strings.EqualFold(d.Color, color) && strings.EqualFold(d.Shape, shape)
}

// Label is a short human readable description used in logs.
func (d Detection) Label() string {
	var sb strings.Builder
	sb.WriteString(d.Class)
	if d.Color != "" {
		fmt.Fprintf(&sb, " (%s)", d.Color)
	}
	if d.Shape != "" {
		fmt.Fprintf(&sb, ", %s", d.Shape)
	}
	return sb.String()
}

// Frame is one cycle's worth of observations.
type Frame struct {
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Detections []Detection `json:"detections"`
}

// Center returns the pixel center of the frame.
func (f Frame) Center() Point {
	return Point{X: float64(f.Width / 2), Y: float64(f.Height / 2)}
}

// Validate rejects frames with no usable geometry.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("frame size must be positive, got %dx%d", f.Width, f.Height)
	}
	for i, d := range f.Detections {
		if d.Confidence < 0 || d.Confidence > 1 {
			return fmt.Errorf("detections[%d]: confidence %v out of [0, 1]", i, d.Confidence)
		}
	}
	return nil
}

// Filter returns the detections for which keep returns true, preserving order.
func Filter(dets []Detection, keep func(Detection) bool) []Detection {
	var out []Detection
	for _, d := range dets {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}

// Closest returns the detection nearest to center. Ties resolve to the earlier
// detection.
func Closest(dets []Detection, center Point) (Detection, bool) {
	if len(dets) == 0 {
		return Detection{}, false
	}
	best := 0
	bestDist := dets[0].Center.Distance(center)
	for i := 1; i < len(dets); i++ {
		if d := dets[i].Center.Distance(center); d < bestDist {
			best, bestDist = i, d
		}
	}
	return dets[best], true
}
