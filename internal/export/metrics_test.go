package export

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func square(side float64) Polygon {
	return Polygon{Points: []Point{
		{0, 0}, {side, 0}, {side, side}, {0, side},
	}}
}

func TestComputeMetrics_Square(t *testing.T) {
	m := ComputeMetrics(square(10))

	assert.InDelta(t, 100, m.Area, 1e-9)
	assert.InDelta(t, 40, m.Perimeter, 1e-9)
	assert.InDelta(t, math.Sqrt(400/math.Pi), m.EquivalentDiameter, 1e-9)
	assert.InDelta(t, math.Pi/4, m.Circularity, 1e-9)
	assert.InDelta(t, 4/math.Pi, m.Compactness, 1e-9)
	assert.InDelta(t, 1, m.Extent, 1e-9)
	assert.InDelta(t, 1, m.Solidity, 1e-9)
	assert.InDelta(t, 1, m.Convexity, 1e-9)
	assert.InDelta(t, 10, m.BBoxWidth, 1e-9)
	assert.InDelta(t, 10, m.BBoxHeight, 1e-9)
}

func TestComputeMetrics_CircularityBounds(t *testing.T) {
	// A near-circle approximated by 64 vertices has circularity close to 1.
	var circle Polygon
	for i := 0; i < 64; i++ {
		angle := 2 * math.Pi * float64(i) / 64
		circle.Points = append(circle.Points, Point{
			X: 50 + 20*math.Cos(angle),
			Y: 50 + 20*math.Sin(angle),
		})
	}

	m := ComputeMetrics(circle)
	assert.Greater(t, m.Circularity, 0.99)
	assert.LessOrEqual(t, m.Circularity, 1.0)

	// Circularity and compactness are reciprocals.
	assert.InDelta(t, 1, m.Circularity*m.Compactness, 1e-9)
}

func TestComputeMetrics_ConcaveShape(t *testing.T) {
	// An L-shape: solid square minus a quadrant.
	l := Polygon{Points: []Point{
		{0, 0}, {10, 0}, {10, 5}, {5, 5}, {5, 10}, {0, 10},
	}}

	m := ComputeMetrics(l)
	assert.InDelta(t, 75, m.Area, 1e-9)
	// The convex hull fills the notch, so solidity drops below 1.
	assert.Less(t, m.Solidity, 1.0)
	assert.Greater(t, m.Solidity, 0.0)
	assert.Less(t, m.Convexity, 1.0)
}

func TestComputeMetrics_Degenerate(t *testing.T) {
	tests := []struct {
		name    string
		polygon Polygon
	}{
		{"empty", Polygon{}},
		{"two points", Polygon{Points: []Point{{0, 0}, {1, 1}}}},
		{"collinear", Polygon{Points: []Point{{0, 0}, {1, 1}, {2, 2}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := ComputeMetrics(tt.polygon)
			assert.Zero(t, m.Area)
			assert.Zero(t, m.Circularity)
		})
	}
}

func TestConvexHull(t *testing.T) {
	// Interior points do not appear on the hull.
	points := []Point{
		{0, 0}, {10, 0}, {10, 10}, {0, 10},
		{5, 5}, {3, 7}, {6, 2},
	}

	hull := convexHull(points)
	assert.Len(t, hull, 4)
	assert.InDelta(t, 100, polygonArea(hull), 1e-9)
}
