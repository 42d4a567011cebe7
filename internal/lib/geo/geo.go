// Package geo holds the pure geometry helpers shared by every routing provider.
// Nothing in here performs I/O or keeps state.
package geo

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusMeters is the mean Earth radius used by all great-circle math
const EarthRadiusMeters = 6371000.0

const (
	deg2rad = math.Pi / 180
	rad2deg = 180 / math.Pi
)

// ErrInvalidCoordinates is returned for NaN or out-of-range coordinates
var ErrInvalidCoordinates = errors.New("invalid coordinates: latitude must be [-90, 90], longitude must be [-180, 180]")

// NewPoint creates a Point from latitude and longitude values with validation
func NewPoint(latitude, longitude float64) (Point, error) {
	if !IsValidCoordinate(latitude, longitude) {
		return Point{}, ErrInvalidCoordinates
	}
	return Point{Latitude: latitude, Longitude: longitude}, nil
}

// IsValidCoordinate validates latitude and longitude values
func IsValidCoordinate(latitude, longitude float64) bool {
	if math.IsNaN(latitude) || math.IsNaN(longitude) {
		return false
	}
	return latitude >= -90 && latitude <= 90 &&
		longitude >= -180 && longitude <= 180
}

// Valid reports whether the point is a usable coordinate
func (p Point) Valid() bool {
	return IsValidCoordinate(p.Latitude, p.Longitude)
}

// String formats the point as "lat,lon" with 6 decimals
func (p Point) String() string {
	return fmt.Sprintf("%.6f,%.6f", p.Latitude, p.Longitude)
}

// ValidatePoints returns an error naming the first invalid point
func ValidatePoints(points ...Point) error {
	for i, p := range points {
		if !p.Valid() {
			return fmt.Errorf("point %d (%v, %v): %w", i, p.Latitude, p.Longitude, ErrInvalidCoordinates)
		}
	}
	return nil
}

// IsInRegion reports whether p falls inside the operating region. An unset
// region accepts everything.
func IsInRegion(p Point, region BoundingBox) bool {
	if region.IsZero() {
		return true
	}
	return region.Contains(p)
}

// Distance calculates great-circle distance between two points in meters
// using the Haversine formula
func Distance(p1, p2 Point) float64 {
	if p1 == p2 {
		return 0
	}

	lat1 := p1.Latitude * deg2rad
	lat2 := p2.Latitude * deg2rad
	dlat := lat2 - lat1
	dlon := (p2.Longitude - p1.Longitude) * deg2rad

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// Bearing returns the initial bearing from p1 to p2 in degrees [0, 360)
func Bearing(p1, p2 Point) float64 {
	lat1 := p1.Latitude * deg2rad
	lat2 := p2.Latitude * deg2rad
	dlon := (p2.Longitude - p1.Longitude) * deg2rad

	y := math.Sin(dlon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dlon)

	return normalizeBearing(math.Atan2(y, x) * rad2deg)
}

// Destination returns the point reached by travelling distanceMeters from p
// along the given bearing
func Destination(p Point, bearingDegrees, distanceMeters float64) Point {
	lat1 := p.Latitude * deg2rad
	lon1 := p.Longitude * deg2rad
	brng := bearingDegrees * deg2rad
	d := distanceMeters / EarthRadiusMeters

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(d) + math.Cos(lat1)*math.Sin(d)*math.Cos(brng))
	lon2 := lon1 + math.Atan2(math.Sin(brng)*math.Sin(d)*math.Cos(lat1), math.Cos(d)-math.Sin(lat1)*math.Sin(lat2))

	lon := math.Mod(lon2*rad2deg+540, 360) - 180
	return Point{Latitude: lat2 * rad2deg, Longitude: lon}
}

// ClosestPointOnSegment projects point onto the segment start-end and returns
// the projected point with its distance in meters. The projection is done on
// a local equirectangular plane which is accurate for road-length segments.
func ClosestPointOnSegment(point, start, end Point) (Point, float64) {
	if start == end {
		return start, Distance(point, start)
	}

	// Scale longitudes by cos(lat) so both axes are comparable
	cosLat := math.Cos(point.Latitude * deg2rad)
	ax, ay := start.Longitude*cosLat, start.Latitude
	bx, by := end.Longitude*cosLat, end.Latitude
	px, py := point.Longitude*cosLat, point.Latitude

	dx, dy := bx-ax, by-ay
	t := ((px-ax)*dx + (py-ay)*dy) / (dx*dx + dy*dy)
	t = math.Max(0, math.Min(1, t))

	projected := Point{
		Latitude:  start.Latitude + t*(end.Latitude-start.Latitude),
		Longitude: start.Longitude + t*(end.Longitude-start.Longitude),
	}
	return projected, Distance(point, projected)
}

// PointToSegmentDistance returns the distance from point to the segment in meters
func PointToSegmentDistance(point, start, end Point) float64 {
	_, d := ClosestPointOnSegment(point, start, end)
	return d
}

// DetectSwap checks whether lat/lon look like they were supplied in the wrong
// order. When both orders are valid the region, if set, breaks the tie.
func DetectSwap(latitude, longitude float64, region BoundingBox) SwapDetection {
	original := Point{Latitude: latitude, Longitude: longitude}
	swapped := Point{Latitude: longitude, Longitude: latitude}
	originalValid := original.Valid()
	swappedValid := swapped.Valid()

	switch {
	case !originalValid && swappedValid:
		return SwapDetection{IsSwapped: true, Confidence: 0.9, Corrected: swapped,
			Reason: "only the swapped order is a valid coordinate"}
	case !originalValid && !swappedValid:
		return SwapDetection{IsSwapped: false, Confidence: 0.1, Corrected: original,
			Reason: "neither order is a valid coordinate"}
	case originalValid && !swappedValid:
		return SwapDetection{IsSwapped: false, Confidence: 0.95, Corrected: original,
			Reason: "only the given order is a valid coordinate"}
	}

	// Both orders are valid
	if region.IsZero() {
		return SwapDetection{IsSwapped: false, Confidence: 0.5, Corrected: original,
			Reason: "both orders valid and no region to disambiguate"}
	}
	inRegion := region.Contains(original)
	swappedInRegion := region.Contains(swapped)
	switch {
	case inRegion:
		return SwapDetection{IsSwapped: false, Confidence: 0.9, Corrected: original,
			Reason: "given order lies in the operating region"}
	case swappedInRegion:
		return SwapDetection{IsSwapped: true, Confidence: 0.8, Corrected: swapped,
			Reason: "swapped order lies in the operating region"}
	default:
		return SwapDetection{IsSwapped: false, Confidence: 0.5, Corrected: original,
			Reason: "neither order lies in the operating region"}
	}
}

func normalizeBearing(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}
