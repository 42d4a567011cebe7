package routing

import (
	"context"

	"github.com/dpup/info.ersn.net/routing/internal/lib/geo"
)

// ProviderID identifies a backend implementation of the routing contract
type ProviderID string

const (
	ProviderOffline ProviderID = "offline"
	ProviderRemote  ProviderID = "remote"
	ProviderHybrid  ProviderID = "hybrid"
)

// CongestionLevel is a coarse traffic estimate
type CongestionLevel string

const (
	CongestionLow      CongestionLevel = "low"
	CongestionModerate CongestionLevel = "moderate"
	CongestionHeavy    CongestionLevel = "heavy"
	CongestionSevere   CongestionLevel = "severe"
)

// RoadSnapResult is a point projected onto the road network
type RoadSnapResult struct {
	Location       geo.Point `json:"location"`
	DistanceMeters float64   `json:"distance_meters"` // From the original point
	RoadName       string    `json:"road_name,omitempty"`
	SpeedLimitKmh  float64   `json:"speed_limit_kmh,omitempty"`
	RoadType       string    `json:"road_type,omitempty"`
	Heading        *float64  `json:"heading,omitempty"` // Degrees, 0-360
	Confidence     float64   `json:"confidence"`
}

// Waypoint is a stop along a route with its cumulative distance
type Waypoint struct {
	Location       geo.Point `json:"location"`
	Name           string    `json:"name,omitempty"`
	DistanceMeters float64   `json:"distance_meters"`
}

// Route is a path between two points
type Route struct {
	ID              string      `json:"id"`
	Geometry        []geo.Point `json:"geometry"` // At least 2 points
	DistanceMeters  float64     `json:"distance_meters"`
	DurationSeconds float64     `json:"duration_seconds"`
	Waypoints       []Waypoint  `json:"waypoints,omitempty"`
}

// MatchResult is a noisy trace aligned to the road network
type MatchResult struct {
	MatchedCoordinates []geo.Point `json:"matched_coordinates"`
	Confidence         float64     `json:"confidence"`
	Route              *Route      `json:"route,omitempty"`
}

// TrafficInfo is a best-effort congestion estimate, never ground truth
type TrafficInfo struct {
	CongestionLevel       CongestionLevel `json:"congestion_level"`
	SpeedReductionPercent float64         `json:"speed_reduction_percent"`
	AverageSpeedKmh       float64         `json:"average_speed_kmh"`
	Source                ProviderID      `json:"source,omitempty"`
}

// Provider is the capability set every routing backend implements. The
// hybrid router implements it too so callers never see which backend answered.
type Provider interface {
	// Project a point onto the nearest road
	SnapToRoad(ctx context.Context, lat, lon float64, opts Options) (*RoadSnapResult, error)

	// Path geometry, distance and duration between two points
	CalculateRoute(ctx context.Context, from, to geo.Point, opts Options) (*Route, error)

	// Align an ordered trace of points to the road network
	MatchToRoads(ctx context.Context, coordinates []geo.Point, opts Options) (*MatchResult, error)

	// Best-effort congestion estimate between two points
	GetTrafficInfo(ctx context.Context, from, to geo.Point) (*TrafficInfo, error)

	// Lightweight self-test
	IsAvailable(ctx context.Context) bool
}
