package export

import (
	"math"
	"sort"
)

// Point is one polygon vertex in image pixel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Polygon is one segmented object boundary.
type Polygon struct {
	Points []Point `json:"points"`
}

// Metrics holds the morphological descriptors computed per polygon.
type Metrics struct {
	Area               float64
	Perimeter          float64
	EquivalentDiameter float64
	Circularity        float64
	Compactness        float64
	Extent             float64
	Solidity           float64
	Convexity          float64
	BBoxWidth          float64
	BBoxHeight         float64
}

// ComputeMetrics derives the full descriptor set for one polygon. Degenerate
// polygons (fewer than three vertices or zero area) produce zeroed metrics.
func ComputeMetrics(p Polygon) Metrics {
	if len(p.Points) < 3 {
		return Metrics{}
	}

	area := polygonArea(p.Points)
	perimeter := polygonPerimeter(p.Points)
	if area == 0 || perimeter == 0 {
		return Metrics{}
	}

	minX, minY, maxX, maxY := boundingBox(p.Points)
	bboxW := maxX - minX
	bboxH := maxY - minY

	hull := convexHull(p.Points)
	hullArea := polygonArea(hull)
	hullPerimeter := polygonPerimeter(hull)

	m := Metrics{
		Area:               area,
		Perimeter:          perimeter,
		EquivalentDiameter: math.Sqrt(4 * area / math.Pi),
		Circularity:        4 * math.Pi * area / (perimeter * perimeter),
		Compactness:        perimeter * perimeter / (4 * math.Pi * area),
		BBoxWidth:          bboxW,
		BBoxHeight:         bboxH,
	}

	if bboxW > 0 && bboxH > 0 {
		m.Extent = area / (bboxW * bboxH)
	}
	if hullArea > 0 {
		m.Solidity = area / hullArea
	}
	if perimeter > 0 && hullPerimeter > 0 {
		m.Convexity = hullPerimeter / perimeter
	}

	return m
}

// polygonArea is the shoelace formula; vertex order does not matter.
func polygonArea(points []Point) float64 {
	n := len(points)
	if n < 3 {
		return 0
	}

	var sum float64
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += points[i].X*points[j].Y - points[j].X*points[i].Y
	}
	return math.Abs(sum) / 2
}

func polygonPerimeter(points []Point) float64 {
	n := len(points)
	if n < 2 {
		return 0
	}

	var sum float64
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		dx := points[j].X - points[i].X
		dy := points[j].Y - points[i].Y
		sum += math.Hypot(dx, dy)
	}
	return sum
}

func boundingBox(points []Point) (minX, minY, maxX, maxY float64) {
	minX, minY = points[0].X, points[0].Y
	maxX, maxY = minX, minY
	for _, p := range points[1:] {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}
	return minX, minY, maxX, maxY
}

// convexHull computes the hull with the monotone chain algorithm.
func convexHull(points []Point) []Point {
	n := len(points)
	if n < 3 {
		return append([]Point(nil), points...)
	}

	sorted := append([]Point(nil), points...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].X != sorted[j].X {
			return sorted[i].X < sorted[j].X
		}
		return sorted[i].Y < sorted[j].Y
	})

	cross := func(o, a, b Point) float64 {
		return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
	}

	var lower []Point
	for _, p := range sorted {
		for len(lower) >= 2 && cross(lower[len(lower)-2], lower[len(lower)-1], p) <= 0 {
			lower = lower[:len(lower)-1]
		}
		lower = append(lower, p)
	}

	var upper []Point
	for i := len(sorted) - 1; i >= 0; i-- {
		p := sorted[i]
		for len(upper) >= 2 && cross(upper[len(upper)-2], upper[len(upper)-1], p) <= 0 {
			upper = upper[:len(upper)-1]
		}
		upper = append(upper, p)
	}

	return append(lower[:len(lower)-1], upper[:len(upper)-1]...)
}
