package routing

import (
	"errors"
	"fmt"
	"strings"
)

// Profile selects the travel model used by a provider
type Profile string

const (
	ProfileDriving        Profile = "driving"
	ProfileDrivingTraffic Profile = "driving-traffic"
)

// Overview controls how much route geometry is returned
type Overview string

const (
	OverviewFull       Overview = "full"
	OverviewSimplified Overview = "simplified"
	OverviewNone       Overview = "false"
)

// GeometryFormat is the wire encoding requested for geometry
type GeometryFormat string

const (
	GeometryGeoJSON   GeometryFormat = "geojson"
	GeometryPolyline  GeometryFormat = "polyline"
	GeometryPolyline6 GeometryFormat = "polyline6"
)

// Annotation names a per-segment metadata series
type Annotation string

const (
	AnnotationDuration Annotation = "duration"
	AnnotationDistance Annotation = "distance"
	AnnotationSpeed    Annotation = "speed"
)

// ErrInvalidOptions marks a call rejected for unsupported option values
var ErrInvalidOptions = errors.New("invalid routing options")

// Valid reports whether p is a supported profile
func (p Profile) Valid() bool {
	return p == ProfileDriving || p == ProfileDrivingTraffic
}

// Valid reports whether o is a supported overview
func (o Overview) Valid() bool {
	return o == OverviewFull || o == OverviewSimplified || o == OverviewNone
}

// Valid reports whether g is a supported geometry format
func (g GeometryFormat) Valid() bool {
	return g == GeometryGeoJSON || g == GeometryPolyline || g == GeometryPolyline6
}

// Valid reports whether a is a supported annotation
func (a Annotation) Valid() bool {
	return a == AnnotationDuration || a == AnnotationDistance || a == AnnotationSpeed
}

// DefaultSnapRadiusMeters is the search radius used when none is given
const DefaultSnapRadiusMeters = 25.0

// Options are per-call routing options. They are passed by value and never
// modified by providers.
type Options struct {
	Profile          Profile        `json:"profile,omitempty"`
	Alternatives     bool           `json:"alternatives,omitempty"`
	Steps            bool           `json:"steps,omitempty"`
	Overview         Overview       `json:"overview,omitempty"`
	Geometries       GeometryFormat `json:"geometries,omitempty"`
	SnapRadiusMeters float64        `json:"snap_radius_meters,omitempty"`
	Annotations      []Annotation   `json:"annotations,omitempty"`
}

// DefaultOptions returns the options merged into every call
func DefaultOptions() Options {
	return Options{
		Profile:          ProfileDriving,
		Overview:         OverviewFull,
		Geometries:       GeometryGeoJSON,
		SnapRadiusMeters: DefaultSnapRadiusMeters,
	}
}

// WithDefaults fills unset fields from DefaultOptions. The receiver is not
// modified.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.Profile == "" {
		o.Profile = d.Profile
	}
	if o.Overview == "" {
		o.Overview = d.Overview
	}
	if o.Geometries == "" {
		o.Geometries = d.Geometries
	}
	if o.SnapRadiusMeters <= 0 {
		o.SnapRadiusMeters = d.SnapRadiusMeters
	}
	if len(o.Annotations) > 0 {
		o.Annotations = append([]Annotation(nil), o.Annotations...)
	}
	return o
}

// Validate rejects option values no provider understands. Unset fields are
// allowed and take their defaults.
func (o Options) Validate() error {
	switch {
	case o.Profile != "" && !o.Profile.Valid():
		return invalidOption("profile", string(o.Profile))
	case o.Overview != "" && !o.Overview.Valid():
		return invalidOption("overview", string(o.Overview))
	case o.Geometries != "" && !o.Geometries.Valid():
		return invalidOption("geometries", string(o.Geometries))
	case o.SnapRadiusMeters < 0:
		return invalidOption("snap radius", fmt.Sprint(o.SnapRadiusMeters))
	}
	for _, a := range o.Annotations {
		if !a.Valid() {
			return invalidOption("annotation", string(a))
		}
	}
	return nil
}

// invalidOption reports a caller error, which is never retried
func invalidOption(field, value string) error {
	return WrapError(KindInvalidCoordinates, ProviderHybrid,
		fmt.Sprintf("unsupported %s %q", field, value), ErrInvalidOptions)
}

// AnnotationList joins annotations for use in a query string
func (o Options) AnnotationList() string {
	parts := make([]string, len(o.Annotations))
	for i, a := range o.Annotations {
		parts[i] = string(a)
	}
	return strings.Join(parts, ",")
}
