// Package mapbox implements the routing contract against a Mapbox-compatible
// directions and map matching API, with response caching, request spacing
// and a bounded request queue.
package mapbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/dpup/prefab/logging"

	"github.com/dpup/info.ersn.net/routing/internal/cache"
	"github.com/dpup/info.ersn.net/routing/internal/config"
	"github.com/dpup/info.ersn.net/routing/internal/lib/geo"
	"github.com/dpup/info.ersn.net/routing/internal/lib/routing"
)

const (
	// Cache lifetimes per operation
	SnapCacheTTL  = 15 * time.Minute
	MatchCacheTTL = 15 * time.Minute
	RouteCacheTTL = 5 * time.Minute

	// DefaultCacheTTL applies to traffic estimates and anything else unlisted
	DefaultCacheTTL = 2 * time.Minute

	// CacheCleanupInterval is how often expired entries are swept
	CacheCleanupInterval = time.Minute

	// Offset of the outer points of the snap micro-trace
	snapTraceOffsetMeters = 5.0

	// ~10 m at 4 decimal places
	cacheKeyPrecision = 4
)

// Provider implements routing.Provider on top of Client
type Provider struct {
	client     *Client
	cache      *cache.Cache // nil when caching is disabled
	defaultTTL time.Duration
	profile    routing.Profile
	probe      geo.Point
}

var _ routing.Provider = (*Provider)(nil)

// ProviderOption configures a Provider
type ProviderOption func(*Provider)

// WithCache enables response caching
func WithCache(c *cache.Cache, defaultTTL time.Duration) ProviderOption {
	return func(p *Provider) {
		p.cache = c
		if defaultTTL > 0 {
			p.defaultTTL = defaultTTL
		}
	}
}

// WithProbePoint sets the known-good coordinate used by IsAvailable
func WithProbePoint(pt geo.Point) ProviderOption {
	return func(p *Provider) {
		p.probe = pt
	}
}

// WithProfile sets the default travel profile
func WithProfile(profile routing.Profile) ProviderOption {
	return func(p *Provider) {
		if profile != "" {
			p.profile = profile
		}
	}
}

// NewProvider wraps client as a routing provider
func NewProvider(client *Client, opts ...ProviderOption) *Provider {
	p := &Provider{
		client:     client,
		defaultTTL: DefaultCacheTTL,
		profile:    routing.ProfileDriving,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewProviderFromConfig builds the client, cache and provider from settings
func NewProviderFromConfig(cfg *config.RoutingConfig) *Provider {
	rc := cfg.Remote
	baseURL := rc.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := NewClientWithHTTPDoer(rc.APIKey, baseURL, &http.Client{},
		WithTimeout(rc.Timeout),
		WithRequestsPerMinute(rc.RequestsPerMinute),
		WithMaxConcurrent(rc.MaxConcurrent),
	)

	opts := []ProviderOption{
		WithProbePoint(cfg.ProbePoint()),
		WithProfile(rc.Profile),
	}
	if rc.CacheEnabled {
		opts = append(opts, WithCache(cache.NewCache(cache.WithMaxEntries(rc.CacheMaxEntries)), rc.CacheTTL))
	}
	return NewProvider(client, opts...)
}

// StartCacheCleanup sweeps expired cache entries until ctx is done
func (p *Provider) StartCacheCleanup(ctx context.Context) {
	if p.cache != nil {
		p.cache.StartPeriodicCleanup(ctx, CacheCleanupInterval)
	}
}

// CacheStats reports cache usage; zero when caching is disabled
func (p *Provider) CacheStats() cache.Stats {
	if p.cache == nil {
		return cache.Stats{}
	}
	return p.cache.Stats()
}

// RateLimitState reports the client's backoff state
func (p *Provider) RateLimitState() RateLimitState {
	return p.client.RateLimitState()
}

// QueueStats reports the client's request queue occupancy
func (p *Provider) QueueStats() QueueStats {
	return p.client.QueueStats()
}

// SnapToRoad matches a short east-west trace centred on the point and returns
// the centre's match. If nothing matches, the search radius is doubled once.
func (p *Provider) SnapToRoad(ctx context.Context, lat, lon float64, opts routing.Options) (*routing.RoadSnapResult, error) {
	ctx = logging.EnsureLogger(ctx)
	point, err := geo.NewPoint(lat, lon)
	if err != nil {
		return nil, routing.InvalidCoordinates(routing.ProviderRemote, err)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = p.withDefaults(opts)

	key := cacheKey("snap", []geo.Point{point}, string(opts.Profile), radiusKey(opts.SnapRadiusMeters))
	var cached routing.RoadSnapResult
	if p.lookup(ctx, key, &cached) {
		return &cached, nil
	}

	radius := math.Min(opts.SnapRadiusMeters, MaxRadiusMeters)
	result, err := p.snap(ctx, point, radius, opts.Profile)
	if errors.Is(err, ErrNoMatch) {
		widened := math.Min(radius*2, MaxRadiusMeters)
		if widened > radius {
			logging.Debugw(ctx, "Snap: no match, retrying with wider radius",
				"location", routing.CoarseLocation(point), "radius", widened)
			result, err = p.snap(ctx, point, widened, opts.Profile)
		}
	}
	if err != nil {
		return nil, err
	}

	p.store(ctx, key, result, SnapCacheTTL)
	return result, nil
}

// snap performs one uncached micro-trace match
func (p *Provider) snap(ctx context.Context, point geo.Point, radius float64, profile routing.Profile) (*routing.RoadSnapResult, error) {
	trace := []geo.Point{
		geo.Destination(point, 270, snapTraceOffsetMeters),
		point,
		geo.Destination(point, 90, snapTraceOffsetMeters),
	}

	resp, err := p.client.Match(ctx, trace, RequestParams{
		Profile:    profile,
		Overview:   routing.OverviewFull,
		Geometries: routing.GeometryGeoJSON,
		Radiuses:   []float64{radius, radius, radius},
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Tracepoints) != len(trace) || resp.Tracepoints[1] == nil {
		return nil, routing.WrapError(routing.KindAPIError, routing.ProviderRemote, "centre point was not matched", ErrNoMatch)
	}
	centre := resp.Tracepoints[1]

	location, err := geo.FromLonLat(centre.Location)
	if err != nil {
		return nil, routing.WrapError(routing.KindAPIError, routing.ProviderRemote, "invalid tracepoint location", err)
	}

	distance := geo.Distance(point, location)
	if centre.Distance != nil {
		distance = *centre.Distance
	}

	result := &routing.RoadSnapResult{
		Location:       location,
		DistanceMeters: distance,
		RoadName:       centre.Name,
	}
	if centre.MatchingsIndex >= 0 && centre.MatchingsIndex < len(resp.Matchings) {
		result.Confidence = clamp01(resp.Matchings[centre.MatchingsIndex].Confidence)
	}
	if heading, ok := traceHeading(resp.Tracepoints); ok {
		result.Heading = &heading
	}
	return result, nil
}

// traceHeading is the bearing between the matched outer points of the trace
func traceHeading(tracepoints []*WireTracepoint) (float64, bool) {
	first, last := tracepoints[0], tracepoints[len(tracepoints)-1]
	if first == nil || last == nil {
		return 0, false
	}
	a, errA := geo.FromLonLat(first.Location)
	b, errB := geo.FromLonLat(last.Location)
	if errA != nil || errB != nil || a == b {
		return 0, false
	}
	return geo.Bearing(a, b), true
}

// CalculateRoute asks the directions endpoint for a route between two points
func (p *Provider) CalculateRoute(ctx context.Context, from, to geo.Point, opts routing.Options) (*routing.Route, error) {
	ctx = logging.EnsureLogger(ctx)
	if err := geo.ValidatePoints(from, to); err != nil {
		return nil, routing.InvalidCoordinates(routing.ProviderRemote, err)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = p.withDefaults(opts)

	key := cacheKey("route", []geo.Point{from, to}, optionsKey(opts))
	var cached routing.Route
	if p.lookup(ctx, key, &cached) {
		return &cached, nil
	}

	resp, err := p.client.Directions(ctx, []geo.Point{from, to}, RequestParams{
		Profile:      opts.Profile,
		Alternatives: opts.Alternatives,
		Steps:        opts.Steps,
		Overview:     opts.Overview,
		Geometries:   opts.Geometries,
		Annotations:  annotationStrings(opts.Annotations),
	})
	if err != nil {
		return nil, err
	}

	best := resp.Routes[0]
	waypoints, err := toWaypoints(resp.Waypoints, best.Legs)
	if err != nil {
		return nil, routing.WrapError(routing.KindAPIError, routing.ProviderRemote, "invalid waypoints", err)
	}

	fallback := []geo.Point{from, to}
	if len(waypoints) >= 2 {
		fallback = []geo.Point{waypoints[0].Location, waypoints[len(waypoints)-1].Location}
	}

	route, err := toRoute(routing.NewRouteID(routing.ProviderRemote, from, to), best, opts.Geometries, fallback)
	if err != nil {
		return nil, err
	}
	route.Waypoints = waypoints

	p.store(ctx, key, route, RouteCacheTTL)
	return route, nil
}

// MatchToRoads aligns a trace with the map matching endpoint. Unmatched input
// points are dropped, so the output may be shorter than the input. Traces
// longer than MaxMatchCoordinates are matched in overlapping pieces.
func (p *Provider) MatchToRoads(ctx context.Context, coordinates []geo.Point, opts routing.Options) (*routing.MatchResult, error) {
	ctx = logging.EnsureLogger(ctx)
	if len(coordinates) == 0 {
		return nil, routing.NewError(routing.KindInvalidCoordinates, routing.ProviderRemote, "at least one coordinate is required")
	}
	if err := geo.ValidatePoints(coordinates...); err != nil {
		return nil, routing.InvalidCoordinates(routing.ProviderRemote, err)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = p.withDefaults(opts)

	if len(coordinates) == 1 {
		snapped, err := p.SnapToRoad(ctx, coordinates[0].Latitude, coordinates[0].Longitude, opts)
		if err != nil {
			return nil, err
		}
		return &routing.MatchResult{MatchedCoordinates: []geo.Point{snapped.Location}, Confidence: snapped.Confidence}, nil
	}

	key := cacheKey("match", coordinates, optionsKey(opts))
	var cached routing.MatchResult
	if p.lookup(ctx, key, &cached) {
		return &cached, nil
	}

	radius := math.Min(opts.SnapRadiusMeters, MaxRadiusMeters)
	params := RequestParams{
		Profile:     opts.Profile,
		Steps:       opts.Steps,
		Overview:    opts.Overview,
		Geometries:  opts.Geometries,
		Annotations: annotationStrings(opts.Annotations),
	}

	var (
		matched            []geo.Point
		geometry           []geo.Point
		confidence         float64
		matchings          int
		distance, duration float64
	)
	for i, w := range matchWindows(len(coordinates)) {
		window := coordinates[w[0]:w[1]]
		params.Radiuses = make([]float64, len(window))
		for j := range params.Radiuses {
			params.Radiuses[j] = radius
		}

		resp, err := p.client.Match(ctx, window, params)
		if err != nil {
			return nil, err
		}

		for j, tp := range resp.Tracepoints {
			// The first point of a later window repeats the previous window's last
			if tp == nil || (i > 0 && j == 0) {
				continue
			}
			loc, err := geo.FromLonLat(tp.Location)
			if err != nil {
				return nil, routing.WrapError(routing.KindAPIError, routing.ProviderRemote, "invalid tracepoint location", err)
			}
			matched = append(matched, loc)
		}
		for _, m := range resp.Matchings {
			confidence += m.Confidence
			matchings++
		}

		best := resp.Matchings[0].WireRoute
		distance += best.Distance
		duration += best.Duration
		if line, err := decodeGeometry(best.Geometry, opts.Geometries); err == nil && len(line) > 0 {
			if n := len(geometry); n > 0 && geometry[n-1] == line[0] {
				line = line[1:]
			}
			geometry = append(geometry, line...)
		}
	}
	if len(matched) == 0 {
		return nil, routing.WrapError(routing.KindAPIError, routing.ProviderRemote, "no tracepoints matched", ErrNoMatch)
	}

	result := &routing.MatchResult{
		MatchedCoordinates: matched,
		Confidence:         clamp01(confidence / float64(matchings)),
	}
	if len(matched) >= 2 {
		if len(geometry) < 2 {
			geometry = matched
		}
		result.Route = &routing.Route{
			ID:              routing.NewRouteID(routing.ProviderRemote, matched[0], matched[len(matched)-1]),
			Geometry:        geometry,
			DistanceMeters:  distance,
			DurationSeconds: duration,
		}
	}

	p.store(ctx, key, result, MatchCacheTTL)
	return result, nil
}

// GetTrafficInfo derives congestion from a driving-traffic directions call
func (p *Provider) GetTrafficInfo(ctx context.Context, from, to geo.Point) (*routing.TrafficInfo, error) {
	ctx = logging.EnsureLogger(ctx)
	if err := geo.ValidatePoints(from, to); err != nil {
		return nil, routing.InvalidCoordinates(routing.ProviderRemote, err)
	}

	key := cacheKey("traffic", []geo.Point{from, to})
	var cached routing.TrafficInfo
	if p.lookup(ctx, key, &cached) {
		return &cached, nil
	}

	resp, err := p.client.Directions(ctx, []geo.Point{from, to}, RequestParams{
		Profile:     routing.ProfileDrivingTraffic,
		Overview:    routing.OverviewFull,
		Geometries:  routing.GeometryPolyline6,
		Annotations: []string{"congestion", "speed", "distance"},
	})
	if err != nil {
		return nil, err
	}

	info, err := toTrafficInfo(resp.Routes[0])
	if err != nil {
		return nil, err
	}

	p.store(ctx, key, info, p.defaultTTL)
	return info, nil
}

// IsAvailable performs a real, uncached snap against the probe point
func (p *Provider) IsAvailable(ctx context.Context) bool {
	ctx = logging.EnsureLogger(ctx)
	_, err := p.snap(ctx, p.probe, routing.DefaultSnapRadiusMeters, p.profile)
	if err != nil {
		logging.Warnw(ctx, "Remote availability probe failed", "error", err)
		return false
	}
	return true
}

func (p *Provider) withDefaults(opts routing.Options) routing.Options {
	if opts.Profile == "" {
		opts.Profile = p.profile
	}
	return opts.WithDefaults()
}

func (p *Provider) lookup(ctx context.Context, key string, out any) bool {
	if p.cache == nil {
		return false
	}
	found, err := p.cache.Get(key, out)
	if err != nil {
		logging.Warnw(ctx, "Remote cache read failed", "key", key, "error", err)
		return false
	}
	return found
}

func (p *Provider) store(ctx context.Context, key string, value any, ttl time.Duration) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Set(key, value, ttl, string(routing.ProviderRemote)); err != nil {
		logging.Warnw(ctx, "Remote cache write failed", "key", key, "error", err)
	}
}

// cacheKey joins the operation, rounded coordinates and option values
func cacheKey(op string, points []geo.Point, extra ...string) string {
	var b strings.Builder
	b.WriteString(op)
	for _, pt := range points {
		fmt.Fprintf(&b, ":%.*f,%.*f", cacheKeyPrecision, roundTo(pt.Latitude), cacheKeyPrecision, roundTo(pt.Longitude))
	}
	for _, e := range extra {
		b.WriteString("|")
		b.WriteString(e)
	}
	return b.String()
}

// roundTo avoids "-0.0000" keys for tiny negative values
func roundTo(v float64) float64 {
	scale := math.Pow10(cacheKeyPrecision)
	r := math.Round(v*scale) / scale
	if r == 0 {
		return 0
	}
	return r
}

func optionsKey(opts routing.Options) string {
	return fmt.Sprintf("%s/%t/%t/%s/%s/%s/%s", opts.Profile, opts.Alternatives, opts.Steps,
		opts.Overview, opts.Geometries, radiusKey(opts.SnapRadiusMeters), opts.AnnotationList())
}

func radiusKey(r float64) string {
	return fmt.Sprintf("r%.0f", r)
}

// matchWindows splits n points into spans of at most MaxMatchCoordinates.
// Consecutive spans share one boundary point so the pieces join up.
func matchWindows(n int) [][2]int {
	var windows [][2]int
	for start := 0; ; start += MaxMatchCoordinates - 1 {
		end := min(start+MaxMatchCoordinates, n)
		windows = append(windows, [2]int{start, end})
		if end == n {
			return windows
		}
	}
}

func annotationStrings(annotations []routing.Annotation) []string {
	out := make([]string, len(annotations))
	for i, a := range annotations {
		out[i] = string(a)
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
