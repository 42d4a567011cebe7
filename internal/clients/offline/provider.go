// Package offline implements the routing contract from a local road index.
// Results are deterministic and never depend on the network.
package offline

import (
	"context"

	"github.com/dpup/info.ersn.net/routing/internal/lib/geo"
	"github.com/dpup/info.ersn.net/routing/internal/lib/roads"
	"github.com/dpup/info.ersn.net/routing/internal/lib/routing"
)

const (
	// DefaultSpeedKmh is the assumed urban speed for straight-line durations
	DefaultSpeedKmh = 40.0

	// Snaps this close are fully trusted
	fullConfidenceMeters = 5.0
	// Snaps this far or further carry no confidence
	zeroConfidenceMeters = 100.0

	// Fixed estimate returned in place of live traffic
	trafficReductionPercent = 25.0
	trafficSpeedKmh         = 30.0
)

// Provider implements routing.Provider against a roads.Index
type Provider struct {
	index    roads.Index
	speedKmh float64
}

// Option configures a Provider
type Option func(*Provider)

// WithSpeed overrides the assumed travel speed
func WithSpeed(kmh float64) Option {
	return func(p *Provider) {
		if kmh > 0 {
			p.speedKmh = kmh
		}
	}
}

// NewProvider creates an offline provider backed by index
func NewProvider(index roads.Index, opts ...Option) *Provider {
	p := &Provider{index: index, speedKmh: DefaultSpeedKmh}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ routing.Provider = (*Provider)(nil)

// Confidence maps a snap distance onto [0, 1], decaying linearly between 5 m
// and 100 m
func Confidence(distanceMeters float64) float64 {
	switch {
	case distanceMeters <= fullConfidenceMeters:
		return 1.0
	case distanceMeters >= zeroConfidenceMeters:
		return 0.0
	default:
		return 1.0 - (distanceMeters-fullConfidenceMeters)/(zeroConfidenceMeters-fullConfidenceMeters)
	}
}

// SnapToRoad projects the point onto the nearest indexed segment
func (p *Provider) SnapToRoad(ctx context.Context, lat, lon float64, opts routing.Options) (*routing.RoadSnapResult, error) {
	point, err := geo.NewPoint(lat, lon)
	if err != nil {
		return nil, routing.InvalidCoordinates(routing.ProviderOffline, err)
	}
	return p.snap(point)
}

func (p *Provider) snap(point geo.Point) (*routing.RoadSnapResult, error) {
	if p.index == nil {
		return nil, routing.NewError(routing.KindAPIError, routing.ProviderOffline, "no road index configured")
	}

	match, err := p.index.Nearest(point)
	if err != nil {
		return nil, routing.WrapError(routing.KindAPIError, routing.ProviderOffline, "nearest segment lookup failed", err)
	}

	heading := match.Segment.Bearing()
	result := &routing.RoadSnapResult{
		Location:       match.Point,
		DistanceMeters: match.DistanceMeters,
		Heading:        &heading,
		Confidence:     Confidence(match.DistanceMeters),
	}
	if road := match.Segment.Road; road != nil {
		result.RoadName = road.Name
		result.RoadType = road.RoadType
		result.SpeedLimitKmh = road.SpeedLimitKmh
	}
	return result, nil
}

// CalculateRoute snaps both endpoints and joins them with a straight line
func (p *Provider) CalculateRoute(ctx context.Context, from, to geo.Point, opts routing.Options) (*routing.Route, error) {
	if err := geo.ValidatePoints(from, to); err != nil {
		return nil, routing.InvalidCoordinates(routing.ProviderOffline, err)
	}

	start, err := p.snap(from)
	if err != nil {
		return nil, err
	}
	end, err := p.snap(to)
	if err != nil {
		return nil, err
	}

	return p.straightRoute([]geo.Point{start.Location, end.Location}), nil
}

// MatchToRoads snaps every point independently. Output length always equals
// input length.
func (p *Provider) MatchToRoads(ctx context.Context, coordinates []geo.Point, opts routing.Options) (*routing.MatchResult, error) {
	if len(coordinates) == 0 {
		return nil, routing.NewError(routing.KindInvalidCoordinates, routing.ProviderOffline, "at least one coordinate is required")
	}
	if err := geo.ValidatePoints(coordinates...); err != nil {
		return nil, routing.InvalidCoordinates(routing.ProviderOffline, err)
	}

	matched := make([]geo.Point, len(coordinates))
	total := 0.0
	for i, c := range coordinates {
		snapped, err := p.snap(c)
		if err != nil {
			return nil, err
		}
		matched[i] = snapped.Location
		total += snapped.Confidence
	}

	result := &routing.MatchResult{
		MatchedCoordinates: matched,
		Confidence:         total / float64(len(coordinates)),
	}
	if len(matched) >= 2 {
		result.Route = p.straightRoute(matched)
	}
	return result, nil
}

// GetTrafficInfo returns a fixed moderate estimate
func (p *Provider) GetTrafficInfo(ctx context.Context, from, to geo.Point) (*routing.TrafficInfo, error) {
	if err := geo.ValidatePoints(from, to); err != nil {
		return nil, routing.InvalidCoordinates(routing.ProviderOffline, err)
	}
	return EstimateTraffic(), nil
}

// EstimateTraffic is the fixed estimate used whenever live traffic is unknown
func EstimateTraffic() *routing.TrafficInfo {
	return &routing.TrafficInfo{
		CongestionLevel:       routing.CongestionModerate,
		SpeedReductionPercent: trafficReductionPercent,
		AverageSpeedKmh:       trafficSpeedKmh,
		Source:                routing.ProviderOffline,
	}
}

// IsAvailable always reports true; there is nothing to reach
func (p *Provider) IsAvailable(ctx context.Context) bool {
	return true
}

func (p *Provider) straightRoute(points []geo.Point) *routing.Route {
	waypoints := make([]routing.Waypoint, len(points))
	distance := 0.0
	for i, pt := range points {
		if i > 0 {
			distance += geo.Distance(points[i-1], pt)
		}
		waypoints[i] = routing.Waypoint{Location: pt, DistanceMeters: distance}
	}

	first, last := points[0], points[len(points)-1]
	return &routing.Route{
		ID:              routing.NewRouteID(routing.ProviderOffline, first, last),
		Geometry:        points,
		DistanceMeters:  distance,
		DurationSeconds: distance / (p.speedKmh * 1000 / 3600),
		Waypoints:       waypoints,
	}
}
