// Package geom provides the planar types shared by the ranging and particle
// filter packages
package geom

import (
	"fmt"
	"math"
)

// Point is a position in meters relative to the area origin (anchor 1 corner)
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Distance returns the Euclidean distance between two points
func (p Point) Distance(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// String formats the point as the "x,y" record used on the wire
func (p Point) String() string {
	return fmt.Sprintf("%.3f,%.3f", p.X, p.Y)
}

// Area is the fixed rectangle [0,Width]x[0,Height] the node moves in
type Area struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Diagonal returns sqrt(W² + H²), the longest possible distance inside the area
func (a Area) Diagonal() float64 {
	return math.Hypot(a.Width, a.Height)
}

// Contains reports whether p lies inside the area, borders included
func (a Area) Contains(p Point) bool {
	return p.X >= 0 && p.X <= a.Width && p.Y >= 0 && p.Y <= a.Height
}

// Clamp hard-clamps both coordinates of p into the area
func (a Area) Clamp(p Point) Point {
	return Point{X: Clamp(p.X, 0, a.Width), Y: Clamp(p.Y, 0, a.Height)}
}

// Empty reports whether the area has no usable surface
func (a Area) Empty() bool {
	return !(a.Width > 0) || !(a.Height > 0) || math.IsInf(a.Width, 0) || math.IsInf(a.Height, 0)
}

// Clamp returns x within [lo, hi]
func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// WrapAngle wraps an angle in radians into [0, 2π)
func WrapAngle(a float64) float64 {
	a = math.Mod(a, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	// math.Mod of a tiny negative value can round back up to exactly 2π
	if a >= 2*math.Pi {
		a = 0
	}
	return a
}
