package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/twpayne/go-polyline"
)

// Coordinate Conversion Utilities

// FromLonLat converts a [lon, lat] pair (GeoJSON order) to a Point
func FromLonLat(pair []float64) (Point, error) {
	if len(pair) < 2 {
		return Point{}, fmt.Errorf("coordinate pair needs 2 values, got %d", len(pair))
	}
	return NewPoint(pair[1], pair[0])
}

// PointsFromLonLat converts a GeoJSON coordinate array to points, failing on
// the first malformed entry
func PointsFromLonLat(pairs [][]float64) ([]Point, error) {
	points := make([]Point, 0, len(pairs))
	for i, pair := range pairs {
		p, err := FromLonLat(pair)
		if err != nil {
			return nil, fmt.Errorf("coordinate %d: %w", i, err)
		}
		points = append(points, p)
	}
	return points, nil
}

// DecodePolyline decodes an encoded polyline. precision is the number of
// decimal places (5 for the classic format, 6 for polyline6).
func DecodePolyline(encoded string, precision int) ([]Point, error) {
	if encoded == "" {
		return nil, errors.New("encoded polyline string is empty")
	}

	codec := polyline.Codec{Dim: 2, Scale: math.Pow10(precision)}
	coords, _, err := codec.DecodeCoords([]byte(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode polyline: %w", err)
	}

	points := make([]Point, len(coords))
	for i, coord := range coords {
		points[i] = Point{Latitude: coord[0], Longitude: coord[1]}
		if !points[i].Valid() {
			return nil, errors.New("decoded polyline contains invalid coordinates")
		}
	}

	return points, nil
}

// Simplify reduces a path with the Douglas-Peucker algorithm. Points closer
// than toleranceMeters to the simplified line are dropped; endpoints are kept.
func Simplify(points []Point, toleranceMeters float64) []Point {
	if len(points) < 3 || toleranceMeters <= 0 {
		out := make([]Point, len(points))
		copy(out, points)
		return out
	}

	keep := make([]bool, len(points))
	keep[0], keep[len(points)-1] = true, true
	simplifyRange(points, 0, len(points)-1, toleranceMeters, keep)

	out := make([]Point, 0, len(points))
	for i, p := range points {
		if keep[i] {
			out = append(out, p)
		}
	}
	return out
}

func simplifyRange(points []Point, first, last int, tolerance float64, keep []bool) {
	if last-first < 2 {
		return
	}

	maxDistance := 0.0
	index := first
	for i := first + 1; i < last; i++ {
		if d := PointToSegmentDistance(points[i], points[first], points[last]); d > maxDistance {
			maxDistance = d
			index = i
		}
	}

	if maxDistance > tolerance {
		keep[index] = true
		simplifyRange(points, first, index, tolerance, keep)
		simplifyRange(points, index, last, tolerance, keep)
	}
}

// FormatDistance renders meters for humans: "850 m", "1.2 km", "12 km"
func FormatDistance(meters float64) string {
	switch {
	case meters < 0 || math.IsNaN(meters):
		return "-"
	case meters < 1000:
		return fmt.Sprintf("%.0f m", meters)
	case meters < 10000:
		return fmt.Sprintf("%.1f km", meters/1000)
	default:
		return fmt.Sprintf("%.0f km", meters/1000)
	}
}

// FormatDuration renders seconds for humans: "45 sec", "12 min", "1 h 5 min"
func FormatDuration(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		return "-"
	}
	if seconds < 60 {
		return fmt.Sprintf("%.0f sec", seconds)
	}
	minutes := int(math.Round(seconds / 60))
	if minutes < 60 {
		return fmt.Sprintf("%d min", minutes)
	}
	hours := minutes / 60
	minutes %= 60
	if minutes == 0 {
		return fmt.Sprintf("%d h", hours)
	}
	return fmt.Sprintf("%d h %d min", hours, minutes)
}
