// Package roads holds the local road network used by the offline provider:
// road polylines loaded from JSON and an R-tree of their segments.
package roads

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dpup/info.ersn.net/routing/internal/lib/geo"
)

// Road is a named polyline in the local network
type Road struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	RoadType      string      `json:"road_type,omitempty"`
	SpeedLimitKmh float64     `json:"speed_limit_kmh,omitempty"`
	Geometry      []geo.Point `json:"geometry"`
}

// Segment is one straight piece of a road between consecutive vertices
type Segment struct {
	Road  *Road
	Index int // Position of Start within Road.Geometry
	Start geo.Point
	End   geo.Point
}

// Bearing returns the direction of travel along the segment
func (s Segment) Bearing() float64 {
	return geo.Bearing(s.Start, s.End)
}

// Segments splits the road into its straight pieces
func (r *Road) Segments() []Segment {
	if len(r.Geometry) < 2 {
		return nil
	}
	segments := make([]Segment, 0, len(r.Geometry)-1)
	for i := 0; i < len(r.Geometry)-1; i++ {
		segments = append(segments, Segment{Road: r, Index: i, Start: r.Geometry[i], End: r.Geometry[i+1]})
	}
	return segments
}

// Validate checks the road has a usable geometry
func (r *Road) Validate() error {
	if len(r.Geometry) < 2 {
		return fmt.Errorf("road %q: geometry needs at least 2 points, got %d", r.ID, len(r.Geometry))
	}
	if err := geo.ValidatePoints(r.Geometry...); err != nil {
		return fmt.Errorf("road %q: %w", r.ID, err)
	}
	return nil
}

// ParseRoads decodes a JSON array of roads, validating each one
func ParseRoads(r io.Reader) ([]Road, error) {
	var roads []Road
	if err := json.NewDecoder(r).Decode(&roads); err != nil {
		return nil, fmt.Errorf("failed to decode roads: %w", err)
	}

	var errs []error
	for i := range roads {
		if err := roads[i].Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return roads, nil
}

// LoadRoads reads roads from a JSON file
func LoadRoads(path string) ([]Road, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open roads file: %w", err)
	}
	defer f.Close()

	return ParseRoads(f)
}
