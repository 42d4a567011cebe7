package mapbox

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dpup/info.ersn.net/routing/internal/lib/geo"
	"github.com/dpup/info.ersn.net/routing/internal/lib/routing"
)

// geoJSONLineString is the geometry object returned for geometries=geojson
type geoJSONLineString struct {
	Type        string      `json:"type"`
	Coordinates [][]float64 `json:"coordinates"`
}

// decodeGeometry accepts either a GeoJSON LineString or an encoded polyline
// string. format picks the polyline precision.
func decodeGeometry(raw json.RawMessage, format routing.GeometryFormat) ([]geo.Point, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	if raw[0] == '"' {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, fmt.Errorf("failed to decode polyline geometry: %w", err)
		}
		precision := 5
		if format == routing.GeometryPolyline6 {
			precision = 6
		}
		return geo.DecodePolyline(encoded, precision)
	}

	var line geoJSONLineString
	if err := json.Unmarshal(raw, &line); err != nil {
		return nil, fmt.Errorf("failed to decode GeoJSON geometry: %w", err)
	}
	return geo.PointsFromLonLat(line.Coordinates)
}

// toRoute converts a wire route. fallback endpoints fill in geometry when the
// response omitted it (overview=false).
func toRoute(id string, wr WireRoute, format routing.GeometryFormat, fallback []geo.Point) (*routing.Route, error) {
	geometry, err := decodeGeometry(wr.Geometry, format)
	if err != nil {
		return nil, routing.WrapError(routing.KindAPIError, routing.ProviderRemote, "invalid route geometry", err)
	}
	if len(geometry) < 2 {
		geometry = fallback
	}
	if len(geometry) < 2 {
		return nil, routing.NewError(routing.KindAPIError, routing.ProviderRemote, "route geometry has fewer than 2 points")
	}

	return &routing.Route{
		ID:              id,
		Geometry:        geometry,
		DistanceMeters:  wr.Distance,
		DurationSeconds: wr.Duration,
	}, nil
}

// toWaypoints pairs waypoint locations with cumulative leg distances
func toWaypoints(waypoints []WireWaypoint, legs []WireLeg) ([]routing.Waypoint, error) {
	out := make([]routing.Waypoint, 0, len(waypoints))
	cumulative := 0.0
	for i, wp := range waypoints {
		loc, err := geo.FromLonLat(wp.Location)
		if err != nil {
			return nil, fmt.Errorf("waypoint %d: %w", i, err)
		}
		if i > 0 && i-1 < len(legs) {
			cumulative += legs[i-1].Distance
		}
		out = append(out, routing.Waypoint{Location: loc, Name: wp.Name, DistanceMeters: cumulative})
	}
	return out, nil
}

// Thresholds over the share of congested segments
const (
	severeShare   = 0.2
	heavyShare    = 0.25
	moderateShare = 0.3
)

// Typical speed reduction reported for each level when no baseline exists
var levelReduction = map[routing.CongestionLevel]float64{
	routing.CongestionLow:      5,
	routing.CongestionModerate: 25,
	routing.CongestionHeavy:    50,
	routing.CongestionSevere:   75,
}

var errNoTrafficData = errors.New("route has no duration")

// toTrafficInfo derives a congestion estimate from a driving-traffic route.
// The congestion annotation mix decides the level; duration against
// duration_typical decides the reduction when available.
func toTrafficInfo(wr WireRoute) (*routing.TrafficInfo, error) {
	if wr.Duration <= 0 {
		return nil, routing.WrapError(routing.KindAPIError, routing.ProviderRemote, "cannot derive traffic", errNoTrafficData)
	}

	counts := map[string]int{}
	total := 0
	for _, leg := range wr.Legs {
		if leg.Annotation == nil {
			continue
		}
		for _, c := range leg.Annotation.Congestion {
			if c == "unknown" || c == "" {
				continue
			}
			counts[c]++
			total++
		}
	}

	reduction := -1.0
	if wr.DurationTypical != nil && *wr.DurationTypical > 0 {
		reduction = (wr.Duration - *wr.DurationTypical) / wr.Duration * 100
		if reduction < 0 {
			reduction = 0
		}
	}

	var level routing.CongestionLevel
	if total > 0 {
		severe := float64(counts["severe"]) / float64(total)
		heavy := float64(counts["heavy"]) / float64(total)
		moderate := float64(counts["moderate"]) / float64(total)
		switch {
		case severe >= severeShare:
			level = routing.CongestionSevere
		case severe+heavy >= heavyShare:
			level = routing.CongestionHeavy
		case severe+heavy+moderate >= moderateShare:
			level = routing.CongestionModerate
		default:
			level = routing.CongestionLow
		}
	} else if reduction >= 0 {
		level = levelFromReduction(reduction)
	} else {
		// Nothing to go on; match the offline estimate
		level = routing.CongestionModerate
	}

	if reduction < 0 {
		reduction = levelReduction[level]
	}

	return &routing.TrafficInfo{
		CongestionLevel:       level,
		SpeedReductionPercent: reduction,
		AverageSpeedKmh:       wr.Distance / wr.Duration * 3.6,
		Source:                routing.ProviderRemote,
	}, nil
}

func levelFromReduction(reduction float64) routing.CongestionLevel {
	switch {
	case reduction < 10:
		return routing.CongestionLow
	case reduction < 30:
		return routing.CongestionModerate
	case reduction < 50:
		return routing.CongestionHeavy
	default:
		return routing.CongestionSevere
	}
}
