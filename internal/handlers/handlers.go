// Package handlers exposes the hybrid router over a small JSON HTTP API.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/status"

	"github.com/dpup/info.ersn.net/routing/internal/cache"
	"github.com/dpup/info.ersn.net/routing/internal/clients/mapbox"
	"github.com/dpup/info.ersn.net/routing/internal/lib/geo"
	"github.com/dpup/info.ersn.net/routing/internal/lib/routing"
	"github.com/dpup/info.ersn.net/routing/internal/services"
)

// Router is the subset of the hybrid router served over HTTP
type Router interface {
	routing.Provider
	GetServiceHealth() map[routing.ProviderID]bool
	RefreshServiceHealth(ctx context.Context) map[routing.ProviderID]bool
	LastHealthCheck() time.Time
	Stats() map[routing.ProviderID]services.ProviderStats
	Remote() routing.Provider
}

// Handlers serves the /api/v1 routing endpoints
type Handlers struct {
	router Router
}

// New creates handlers backed by router
func New(router Router) *Handlers {
	return &Handlers{router: router}
}

// Snap handles GET /api/v1/snap?lat=..&lon=..[&radius=..]
func (h *Handlers) Snap(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()

	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil {
		writeError(w, r, badRequest("lat must be a number"))
		return
	}
	lon, err := strconv.ParseFloat(q.Get("lon"), 64)
	if err != nil {
		writeError(w, r, badRequest("lon must be a number"))
		return
	}
	opts, err := parseOptions(q)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.router.SnapToRoad(r.Context(), lat, lon, opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// Route handles GET /api/v1/route?from=lat,lon&to=lat,lon. Pass format=kml
// for a KML document instead of JSON.
func (h *Handlers) Route(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()

	from, to, err := parseEndpoints(q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	opts, err := parseOptions(q)
	if err != nil {
		writeError(w, r, err)
		return
	}

	route, err := h.router.CalculateRoute(r.Context(), from, to, opts)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if q.Get("format") == "kml" {
		w.Header().Set("Content-Type", "application/vnd.google-earth.kml+xml")
		if err := routing.WriteKML(w, route); err != nil {
			logging.Errorw(logging.EnsureLogger(r.Context()), "Failed to write KML route", "error", err)
		}
		return
	}
	writeJSON(w, r, http.StatusOK, route)
}

// Match handles GET /api/v1/match?coords=lat,lon|lat,lon|...
func (h *Handlers) Match(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()

	coords, err := ParsePoints(q.Get("coords"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	opts, err := parseOptions(q)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.router.MatchToRoads(r.Context(), coords, opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// Traffic handles GET /api/v1/traffic?from=lat,lon&to=lat,lon
func (h *Handlers) Traffic(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	from, to, err := parseEndpoints(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}

	info, err := h.router.GetTrafficInfo(r.Context(), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, info)
}

// HealthResponse reports provider health and call counters
type HealthResponse struct {
	Providers map[routing.ProviderID]bool                   `json:"providers"`
	LastCheck time.Time                                     `json:"last_check"`
	Stats     map[routing.ProviderID]services.ProviderStats `json:"stats"`
	Remote    *RemoteStats                                  `json:"remote,omitempty"`
}

// RemoteStats describes the remote provider's cache, rate limiter and queue
type RemoteStats struct {
	Cache     cache.Stats           `json:"cache"`
	RateLimit mapbox.RateLimitState `json:"rate_limit"`
	Queue     mapbox.QueueStats     `json:"queue"`
}

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, r, http.StatusOK, h.healthResponse(h.router.GetServiceHealth()))
}

// RefreshHealth handles POST /api/v1/health/refresh
func (h *Handlers) RefreshHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	writeJSON(w, r, http.StatusOK, h.healthResponse(h.router.RefreshServiceHealth(r.Context())))
}

func (h *Handlers) healthResponse(providers map[routing.ProviderID]bool) HealthResponse {
	resp := HealthResponse{
		Providers: providers,
		LastCheck: h.router.LastHealthCheck(),
		Stats:     h.router.Stats(),
	}
	if remote, ok := h.router.Remote().(*mapbox.Provider); ok {
		resp.Remote = &RemoteStats{
			Cache:     remote.CacheStats(),
			RateLimit: remote.RateLimitState(),
			Queue:     remote.QueueStats(),
		}
	}
	return resp
}

// ParsePoint reads "lat,lon"
func ParsePoint(s string) (geo.Point, error) {
	latStr, lonStr, ok := strings.Cut(strings.TrimSpace(s), ",")
	if !ok {
		return geo.Point{}, badRequest(fmt.Sprintf("%q is not lat,lon", s))
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return geo.Point{}, badRequest(fmt.Sprintf("bad latitude in %q", s))
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
	if err != nil {
		return geo.Point{}, badRequest(fmt.Sprintf("bad longitude in %q", s))
	}
	return geo.Point{Latitude: lat, Longitude: lon}, nil
}

// ParsePoints reads "lat,lon|lat,lon|...". Semicolons are accepted as
// separators too, though they cannot appear in a URL query.
func ParsePoints(s string) ([]geo.Point, error) {
	if strings.TrimSpace(s) == "" {
		return nil, badRequest("at least one coordinate is required")
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ';' })
	points := make([]geo.Point, 0, len(parts))
	for _, part := range parts {
		p, err := ParsePoint(part)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}

func parseEndpoints(q url.Values) (geo.Point, geo.Point, error) {
	from, err := ParsePoint(q.Get("from"))
	if err != nil {
		return geo.Point{}, geo.Point{}, err
	}
	to, err := ParsePoint(q.Get("to"))
	if err != nil {
		return geo.Point{}, geo.Point{}, err
	}
	return from, to, nil
}

// parseOptions reads the optional routing.Options query parameters
func parseOptions(q url.Values) (routing.Options, error) {
	var opts routing.Options

	if v := q.Get("profile"); v != "" {
		opts.Profile = routing.Profile(v)
	}
	if v := q.Get("overview"); v != "" {
		opts.Overview = routing.Overview(v)
	}
	if v := q.Get("geometries"); v != "" {
		opts.Geometries = routing.GeometryFormat(v)
	}
	if v := q.Get("annotations"); v != "" {
		for _, a := range strings.Split(v, ",") {
			opts.Annotations = append(opts.Annotations, routing.Annotation(a))
		}
	}
	for name, dst := range map[string]*bool{"steps": &opts.Steps, "alternatives": &opts.Alternatives} {
		if v := q.Get(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return opts, badRequest(name + " must be true or false")
			}
			*dst = b
		}
	}
	if v := q.Get("radius"); v != "" {
		radius, err := strconv.ParseFloat(v, 64)
		if err != nil || radius <= 0 {
			return opts, badRequest("radius must be a positive number of meters")
		}
		opts.SnapRadiusMeters = radius
	}
	return opts, nil
}

func badRequest(msg string) error {
	return routing.NewError(routing.KindInvalidCoordinates, routing.ProviderHybrid, msg)
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeJSON(w, r, http.StatusMethodNotAllowed, errorBody{Error: errorDetail{Message: "method not allowed"}})
	return false
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind      routing.ErrorKind `json:"kind,omitempty"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
}

// writeError maps err onto an HTTP status through its gRPC code
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := runtime.HTTPStatusFromCode(status.Code(err))
	if code >= http.StatusInternalServerError {
		logging.Errorw(logging.EnsureLogger(r.Context()), "Routing request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, r, code, errorBody{Error: errorDetail{
		Kind:      routing.KindOf(err),
		Message:   err.Error(),
		Retryable: routing.IsRetryable(err),
	}})
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Errorw(logging.EnsureLogger(r.Context()), "Failed to write response", "error", err)
	}
}
