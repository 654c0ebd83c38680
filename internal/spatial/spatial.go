// Package spatial turns raw pointer coordinates into canonical table positions.
// Every function is pure.
package spatial

import (
	"math"

	"tablesync/internal/table"
)

// SnapToGrid rounds each axis to the nearest multiple of cellSize.
// A non-positive cellSize disables snapping.
func SnapToGrid(x, y, cellSize float64) (float64, float64) {
	if cellSize <= 0 {
		return x, y
	}
	return snap(x, cellSize), snap(y, cellSize)
}

func snap(v, cell float64) float64 {
	s := math.Round(v/cell) * cell
	if s == 0 {
		return 0 // drop negative zero
	}
	return s
}

// ClassifyZone returns the label of the first zone whose center lies strictly
// closer than its radius, or table.ZoneFree.
func ClassifyZone(x, y float64, zones []table.Zone) string {
	if z, ok := Locate(x, y, zones); ok {
		return z.Label
	}
	return table.ZoneFree
}

// Locate returns the zone ClassifyZone would pick.
func Locate(x, y float64, zones []table.Zone) (table.Zone, bool) {
	p := table.Position{X: x, Y: y}
	for _, z := range zones {
		if Distance(p, z.Center) < z.Radius {
			return z, true
		}
	}
	return table.Zone{}, false
}

// Distance is the Euclidean distance between a and b.
func Distance(a, b table.Position) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// Within reports whether p lies inside the closed disc around anchor.
func Within(p, anchor table.Position, radius float64) bool {
	return Distance(p, anchor) <= radius
}
