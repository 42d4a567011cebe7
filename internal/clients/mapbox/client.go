package mapbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dpup/info.ersn.net/routing/internal/lib/geo"
	"github.com/dpup/info.ersn.net/routing/internal/lib/routing"
)

const (
	// DefaultBaseURL is the public Mapbox API host
	DefaultBaseURL = "https://api.mapbox.com"

	// DefaultTimeout is the per-request deadline
	DefaultTimeout = 5 * time.Second

	// Map matching accepts at most this many coordinates per request; the
	// provider splits longer traces
	MaxMatchCoordinates = 100

	// Map matching rejects radiuses above this
	MaxRadiusMeters = 50.0
)

// ErrNoMatch marks responses where the API could not place the input on a road
var ErrNoMatch = errors.New("no match found")

// HTTPDoer is the subset of *http.Client used by Client
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client provides rate limited, concurrency bounded access to a
// Mapbox-compatible directions and map matching API
type Client struct {
	apiKey     string
	baseURL    string
	httpClient HTTPDoer
	timeout    time.Duration
	limiter    *rateLimiter
	queue      *requestQueue
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithTimeout sets the per-request deadline
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRequestsPerMinute sets the request budget. Zero disables spacing.
func WithRequestsPerMinute(rpm int) ClientOption {
	return func(c *Client) {
		c.limiter = newRateLimiter(rpm)
	}
}

// WithMaxConcurrent bounds in-flight requests
func WithMaxConcurrent(n int) ClientOption {
	return func(c *Client) {
		c.queue = newRequestQueue(n)
	}
}

// NewClient creates a new API client
func NewClient(apiKey string, opts ...ClientOption) *Client {
	return NewClientWithHTTPDoer(apiKey, DefaultBaseURL, &http.Client{}, opts...)
}

// NewClientWithHTTPDoer creates a client with a custom transport, for tests
func NewClientWithHTTPDoer(apiKey, baseURL string, doer HTTPDoer, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: doer,
		timeout:    DefaultTimeout,
		limiter:    newRateLimiter(0),
		queue:      newRequestQueue(DefaultMaxConcurrent),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestParams are the query options shared by directions and matching
type RequestParams struct {
	Profile      routing.Profile
	Alternatives bool
	Steps        bool
	Overview     routing.Overview
	Geometries   routing.GeometryFormat
	Annotations  []string
	Radiuses     []float64 // Matching only, one per coordinate
}

func (p RequestParams) query() url.Values {
	q := url.Values{}
	if p.Alternatives {
		q.Set("alternatives", "true")
	}
	q.Set("steps", strconv.FormatBool(p.Steps))
	if p.Overview != "" {
		q.Set("overview", string(p.Overview))
	}
	if p.Geometries != "" {
		q.Set("geometries", string(p.Geometries))
	}
	if len(p.Annotations) > 0 {
		q.Set("annotations", strings.Join(p.Annotations, ","))
	}
	if len(p.Radiuses) > 0 {
		parts := make([]string, len(p.Radiuses))
		for i, r := range p.Radiuses {
			parts[i] = strconv.FormatFloat(r, 'f', -1, 64)
		}
		q.Set("radiuses", strings.Join(parts, ";"))
	}
	return q
}

// Directions calls the directions endpoint
func (c *Client) Directions(ctx context.Context, coordinates []geo.Point, params RequestParams) (*DirectionsResponse, error) {
	var resp DirectionsResponse
	if err := c.get(ctx, "directions", coordinates, params, &resp); err != nil {
		return nil, err
	}
	if err := checkCode(resp.Code, resp.Message); err != nil {
		return nil, err
	}
	if len(resp.Routes) == 0 {
		return nil, routing.WrapError(routing.KindAPIError, routing.ProviderRemote, "no routes in response", ErrNoMatch)
	}
	return &resp, nil
}

// Match calls the map matching endpoint
func (c *Client) Match(ctx context.Context, coordinates []geo.Point, params RequestParams) (*MatchingResponse, error) {
	if len(coordinates) > MaxMatchCoordinates {
		return nil, routing.Errorf(routing.KindAPIError, routing.ProviderRemote,
			"map matching accepts at most %d coordinates, got %d", MaxMatchCoordinates, len(coordinates))
	}

	var resp MatchingResponse
	if err := c.get(ctx, "matching", coordinates, params, &resp); err != nil {
		return nil, err
	}
	if err := checkCode(resp.Code, resp.Message); err != nil {
		return nil, err
	}
	if len(resp.Matchings) == 0 {
		return nil, routing.WrapError(routing.KindAPIError, routing.ProviderRemote, "no matchings in response", ErrNoMatch)
	}
	return &resp, nil
}

// get performs one queued, rate limited request and decodes the JSON body
func (c *Client) get(ctx context.Context, service string, coordinates []geo.Point, params RequestParams, out any) error {
	if err := c.queue.Acquire(ctx); err != nil {
		return routing.WrapError(routing.KindNetworkError, routing.ProviderRemote, "waiting for request slot", err)
	}
	defer c.queue.Release()

	if err := c.limiter.Wait(ctx); err != nil {
		return routing.WrapError(routing.KindNetworkError, routing.ProviderRemote, "waiting for rate limiter", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.buildURL(service, coordinates, params), nil)
	if err != nil {
		return routing.WrapError(routing.KindAPIError, routing.ProviderRemote, "failed to create request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return routing.WrapError(routing.KindNetworkError, routing.ProviderRemote, "failed to execute request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		c.limiter.OnRateLimited(resp.Header)
		return routing.NewError(routing.KindRateLimit, routing.ProviderRemote, "rate limit exceeded")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return routing.WrapError(routing.KindNetworkError, routing.ProviderRemote, "failed to read response", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &apiErr)
		if isNoMatchCode(apiErr.Code) {
			return routing.WrapError(routing.KindAPIError, routing.ProviderRemote, describe(apiErr.Code, apiErr.Message), ErrNoMatch)
		}
		msg := apiErr.Message
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return routing.Errorf(routing.KindAPIError, routing.ProviderRemote, "API error %d: %s", resp.StatusCode, msg)
	}

	c.limiter.OnSuccess()

	if err := json.Unmarshal(body, out); err != nil {
		return routing.WrapError(routing.KindAPIError, routing.ProviderRemote, "failed to decode response", err)
	}
	return nil
}

// buildURL formats /{service}/v5/mapbox/{profile}/{lon,lat;lon,lat}
func (c *Client) buildURL(service string, coordinates []geo.Point, params RequestParams) string {
	parts := make([]string, len(coordinates))
	for i, p := range coordinates {
		parts[i] = strconv.FormatFloat(p.Longitude, 'f', 6, 64) + "," + strconv.FormatFloat(p.Latitude, 'f', 6, 64)
	}

	profile := params.Profile
	if profile == "" {
		profile = routing.ProfileDriving
	}

	q := params.query()
	q.Set("access_token", c.apiKey)

	return fmt.Sprintf("%s/%s/v5/mapbox/%s/%s?%s", c.baseURL, service, url.PathEscape(string(profile)), strings.Join(parts, ";"), q.Encode())
}

// RateLimitState reports the limiter's backoff state
func (c *Client) RateLimitState() RateLimitState {
	return c.limiter.State()
}

// QueueStats reports the request queue's occupancy
func (c *Client) QueueStats() QueueStats {
	return c.queue.Stats()
}

func checkCode(code, message string) error {
	switch {
	case code == "" || code == "Ok":
		return nil
	case isNoMatchCode(code):
		return routing.WrapError(routing.KindAPIError, routing.ProviderRemote, describe(code, message), ErrNoMatch)
	default:
		return routing.NewError(routing.KindAPIError, routing.ProviderRemote, describe(code, message))
	}
}

func isNoMatchCode(code string) bool {
	switch code {
	case "NoMatch", "NoRoute", "NoSegment":
		return true
	}
	return false
}

func describe(code, message string) string {
	if message == "" {
		return code
	}
	return code + ": " + message
}

// DirectionsResponse is the directions API response
type DirectionsResponse struct {
	Code      string         `json:"code"`
	Message   string         `json:"message,omitempty"`
	UUID      string         `json:"uuid,omitempty"`
	Routes    []WireRoute    `json:"routes"`
	Waypoints []WireWaypoint `json:"waypoints"`
}

// MatchingResponse is the map matching API response
type MatchingResponse struct {
	Code        string            `json:"code"`
	Message     string            `json:"message,omitempty"`
	Matchings   []WireMatching    `json:"matchings"`
	Tracepoints []*WireTracepoint `json:"tracepoints"` // Null for unmatched input points
}

// WireRoute is a route object shared by both endpoints
type WireRoute struct {
	Distance        float64         `json:"distance"`
	Duration        float64         `json:"duration"`
	DurationTypical *float64        `json:"duration_typical,omitempty"`
	Geometry        json.RawMessage `json:"geometry,omitempty"`
	Legs            []WireLeg       `json:"legs"`
}

// WireMatching is a matched sub-trace
type WireMatching struct {
	WireRoute
	Confidence float64 `json:"confidence"`
}

// WireLeg is the part of a route between two waypoints
type WireLeg struct {
	Distance   float64         `json:"distance"`
	Duration   float64         `json:"duration"`
	Summary    string          `json:"summary,omitempty"`
	Annotation *WireAnnotation `json:"annotation,omitempty"`
}

// WireAnnotation holds per-segment metadata series
type WireAnnotation struct {
	Distance   []float64 `json:"distance,omitempty"`
	Duration   []float64 `json:"duration,omitempty"`
	Speed      []float64 `json:"speed,omitempty"` // m/s
	Congestion []string  `json:"congestion,omitempty"`
}

// WireWaypoint is an input coordinate snapped by the directions API
type WireWaypoint struct {
	Name     string    `json:"name"`
	Location []float64 `json:"location"`
	Distance float64   `json:"distance,omitempty"`
}

// WireTracepoint is an input coordinate snapped by map matching
type WireTracepoint struct {
	Name              string    `json:"name"`
	Location          []float64 `json:"location"`
	Distance          *float64  `json:"distance,omitempty"`
	MatchingsIndex    int       `json:"matchings_index"`
	WaypointIndex     int       `json:"waypoint_index"`
	AlternativesCount int       `json:"alternatives_count"`
}
