package vision

import (
	"image"
	"math"
)

// Box is an axis-aligned bounding box in pixel coordinates.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// BoxFromCorners builds a Box from x1, y1, x2, y2 float coordinates.
func BoxFromCorners(x1, y1, x2, y2 float32) Box {
	return Box{
		X: int(math.Round(float64(x1))),
		Y: int(math.Round(float64(y1))),
		W: int(math.Round(float64(x2 - x1))),
		H: int(math.Round(float64(y2 - y1))),
	}
}

// Valid reports whether the box has a positive width and height.
func (b Box) Valid() bool {
	return b.W > 0 && b.H > 0
}

func (b Box) Area() int {
	return b.W * b.H
}

// Center returns the box center.
func (b Box) Center() (float64, float64) {
	return float64(b.X) + float64(b.W)/2, float64(b.Y) + float64(b.H)/2
}

// AspectRatio returns width over height, or 0 for a degenerate box.
func (b Box) AspectRatio() float64 {
	if b.H == 0 {
		return 0
	}
	return float64(b.W) / float64(b.H)
}

// CenterDistance returns the distance between the centers of b and o.
func (b Box) CenterDistance(o Box) float64 {
	ax, ay := b.Center()
	bx, by := o.Center()
	return math.Hypot(ax-bx, ay-by)
}

// SizeRatio returns the smaller area over the larger one, in [0, 1].
func (b Box) SizeRatio(o Box) float64 {
	a1, a2 := float64(b.Area()), float64(o.Area())
	if a1 <= 0 || a2 <= 0 {
		return 0
	}
	return math.Min(a1, a2) / math.Max(a1, a2)
}

// IoU returns the intersection over union of b and o.
func (b Box) IoU(o Box) float64 {
	x1 := max(b.X, o.X)
	y1 := max(b.Y, o.Y)
	x2 := min(b.X+b.W, o.X+o.W)
	y2 := min(b.Y+b.H, o.Y+o.H)

	inter := max(0, x2-x1) * max(0, y2-y1)
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Clamp restricts the box to a frame of the given size.
func (b Box) Clamp(frameW, frameH int) Box {
	x1 := clampInt(b.X, 0, frameW)
	y1 := clampInt(b.Y, 0, frameH)
	x2 := clampInt(b.X+b.W, 0, frameW)
	y2 := clampInt(b.Y+b.H, 0, frameH)
	return Box{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

// Rect converts the box to an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.W, b.Y+b.H)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
