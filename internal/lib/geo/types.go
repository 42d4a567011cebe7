package geo

// Point represents a geographic coordinate in decimal degrees
type Point struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// BoundingBox describes a rectangular operating region
type BoundingBox struct {
	MinLatitude  float64 `json:"min_lat" koanf:"min_lat" yaml:"min_lat"`
	MinLongitude float64 `json:"min_lon" koanf:"min_lon" yaml:"min_lon"`
	MaxLatitude  float64 `json:"max_lat" koanf:"max_lat" yaml:"max_lat"`
	MaxLongitude float64 `json:"max_lon" koanf:"max_lon" yaml:"max_lon"`
}

// Contains reports whether the point lies inside the box, edges included
func (b BoundingBox) Contains(p Point) bool {
	return p.Latitude >= b.MinLatitude && p.Latitude <= b.MaxLatitude &&
		p.Longitude >= b.MinLongitude && p.Longitude <= b.MaxLongitude
}

// Center returns the midpoint of the box
func (b BoundingBox) Center() Point {
	return Point{
		Latitude:  (b.MinLatitude + b.MaxLatitude) / 2,
		Longitude: (b.MinLongitude + b.MaxLongitude) / 2,
	}
}

// IsZero reports whether the box was left unset
func (b BoundingBox) IsZero() bool {
	return b == BoundingBox{}
}

// SwapDetection is the outcome of checking whether a latitude/longitude pair
// was supplied in the wrong order
type SwapDetection struct {
	IsSwapped  bool    `json:"is_swapped"`
	Confidence float64 `json:"confidence"`
	Corrected  Point   `json:"corrected"`
	Reason     string  `json:"reason"`
}
