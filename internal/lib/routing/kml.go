package routing

import (
	"fmt"
	"io"

	"github.com/twpayne/go-kml"

	"github.com/dpup/info.ersn.net/routing/internal/lib/geo"
)

// WriteKML renders a route as a KML document: one LineString placemark for
// the geometry and one Point placemark per waypoint.
func WriteKML(w io.Writer, route *Route) error {
	if route == nil {
		return fmt.Errorf("no route to render")
	}

	line := make([]kml.Coordinate, len(route.Geometry))
	for i, p := range route.Geometry {
		line[i] = kml.Coordinate{Lon: p.Longitude, Lat: p.Latitude}
	}

	children := []kml.Element{
		kml.Name(route.ID),
		kml.Placemark(
			kml.Name("Route"),
			kml.Description(fmt.Sprintf("%s, %s",
				geo.FormatDistance(route.DistanceMeters), geo.FormatDuration(route.DurationSeconds))),
			kml.LineString(
				kml.Tessellate(true),
				kml.Coordinates(line...),
			),
		),
	}
	for i, wp := range route.Waypoints {
		name := wp.Name
		if name == "" {
			name = fmt.Sprintf("Waypoint %d", i+1)
		}
		children = append(children, kml.Placemark(
			kml.Name(name),
			kml.Point(kml.Coordinates(kml.Coordinate{Lon: wp.Location.Longitude, Lat: wp.Location.Latitude})),
		))
	}

	return kml.KML(kml.Document(children...)).WriteIndent(w, "", "  ")
}
