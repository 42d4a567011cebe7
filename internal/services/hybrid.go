package services

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dpup/prefab/errors"
	"github.com/dpup/prefab/logging"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dpup/info.ersn.net/routing/internal/clients/mapbox"
	"github.com/dpup/info.ersn.net/routing/internal/clients/offline"
	"github.com/dpup/info.ersn.net/routing/internal/config"
	"github.com/dpup/info.ersn.net/routing/internal/lib/geo"
	"github.com/dpup/info.ersn.net/routing/internal/lib/roads"
	"github.com/dpup/info.ersn.net/routing/internal/lib/routing"
)

// HybridRouter answers routing operations from whichever provider is
// healthy, preferring the configured one and falling back to the other.
type HybridRouter struct {
	offline routing.Provider
	remote  routing.Provider

	mu        sync.RWMutex
	cfg       config.RoutingConfig
	health    map[routing.ProviderID]bool
	lastCheck time.Time

	checks singleflight.Group
	stats  map[routing.ProviderID]*providerCounters
	now    func() time.Time

	// Background health loop
	loopMu  sync.Mutex
	stopCh  chan struct{}
	running bool
}

// HybridOption configures a HybridRouter
type HybridOption func(*HybridRouter)

// WithClock overrides the clock used for health check scheduling
func WithClock(now func() time.Time) HybridOption {
	return func(h *HybridRouter) {
		h.now = now
	}
}

// NewHybridRouter creates a router over the given providers. Either provider
// may be nil.
func NewHybridRouter(cfg config.RoutingConfig, offlineProvider, remoteProvider routing.Provider, opts ...HybridOption) *HybridRouter {
	h := &HybridRouter{
		offline: offlineProvider,
		remote:  remoteProvider,
		cfg:     cfg,
		health: map[routing.ProviderID]bool{
			routing.ProviderOffline: offlineProvider != nil,
			routing.ProviderRemote:  false,
			routing.ProviderHybrid:  true,
		},
		stats: map[routing.ProviderID]*providerCounters{
			routing.ProviderOffline: {},
			routing.ProviderRemote:  {},
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// New builds the providers described by cfg and wires them into a router.
// The remote provider is only created when an API key is configured.
func New(cfg *config.RoutingConfig) (*HybridRouter, error) {
	var offlineProvider, remoteProvider routing.Provider

	var roadList []roads.Road
	if cfg.Offline.RoadsFile != "" {
		loaded, err := roads.LoadRoads(cfg.Offline.RoadsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load offline roads: %w", err)
		}
		roadList = loaded
	}
	index, err := roads.NewRTreeIndex(roadList)
	if err != nil {
		return nil, fmt.Errorf("failed to index offline roads: %w", err)
	}
	offlineProvider = offline.NewProvider(index, offline.WithSpeed(cfg.Offline.AssumedSpeedKmh))
	log.Printf("Offline provider ready with %d indexed segments", index.Len())

	if cfg.Remote.Enabled() {
		remoteProvider = mapbox.NewProviderFromConfig(cfg)
		log.Printf("Remote provider configured for %s", cfg.Remote.BaseURL)
	} else {
		log.Printf("No remote API key configured, running offline only")
	}

	return NewHybridRouter(*cfg, offlineProvider, remoteProvider), nil
}

var _ routing.Provider = (*HybridRouter)(nil)

// provider resolves a provider slot; nil when absent
func (h *HybridRouter) provider(id routing.ProviderID) routing.Provider {
	switch id {
	case routing.ProviderOffline:
		return h.offline
	case routing.ProviderRemote:
		return h.remote
	default:
		return nil
	}
}

// Remote returns the remote provider, or nil when none is configured
func (h *HybridRouter) Remote() routing.Provider {
	return h.remote
}

// SnapToRoad validates the point and snaps it with the first healthy provider
func (h *HybridRouter) SnapToRoad(ctx context.Context, lat, lon float64, opts routing.Options) (*routing.RoadSnapResult, error) {
	ctx = logging.EnsureLogger(ctx)
	point, err := geo.NewPoint(lat, lon)
	if err != nil {
		if swap := geo.DetectSwap(lat, lon, h.GetConfig().Region); swap.IsSwapped {
			err = fmt.Errorf("%w: %s", err, swap.Reason)
		}
		return nil, routing.InvalidCoordinates(routing.ProviderHybrid, err)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	h.logOutsideRegion(ctx, "snap_to_road", point)

	return executeWithFallback(ctx, h, "snap_to_road", func(ctx context.Context, p routing.Provider) (*routing.RoadSnapResult, error) {
		return p.SnapToRoad(ctx, lat, lon, opts)
	})
}

// CalculateRoute finds a route between two points
func (h *HybridRouter) CalculateRoute(ctx context.Context, from, to geo.Point, opts routing.Options) (*routing.Route, error) {
	ctx = logging.EnsureLogger(ctx)
	if err := geo.ValidatePoints(from, to); err != nil {
		return nil, routing.InvalidCoordinates(routing.ProviderHybrid, err)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	h.logOutsideRegion(ctx, "calculate_route", from, to)

	return executeWithFallback(ctx, h, "calculate_route", func(ctx context.Context, p routing.Provider) (*routing.Route, error) {
		return p.CalculateRoute(ctx, from, to, opts)
	})
}

// MatchToRoads aligns a trace to the road network
func (h *HybridRouter) MatchToRoads(ctx context.Context, coordinates []geo.Point, opts routing.Options) (*routing.MatchResult, error) {
	ctx = logging.EnsureLogger(ctx)
	if len(coordinates) == 0 {
		return nil, routing.NewError(routing.KindInvalidCoordinates, routing.ProviderHybrid, "at least one coordinate is required")
	}
	if err := geo.ValidatePoints(coordinates...); err != nil {
		return nil, routing.InvalidCoordinates(routing.ProviderHybrid, err)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	h.logOutsideRegion(ctx, "match_to_roads", coordinates...)

	return executeWithFallback(ctx, h, "match_to_roads", func(ctx context.Context, p routing.Provider) (*routing.MatchResult, error) {
		return p.MatchToRoads(ctx, coordinates, opts)
	})
}

// GetTrafficInfo asks the remote provider when it is healthy and otherwise
// returns the offline estimate. Failures never retry and never change health.
func (h *HybridRouter) GetTrafficInfo(ctx context.Context, from, to geo.Point) (*routing.TrafficInfo, error) {
	ctx = logging.EnsureLogger(ctx)
	if err := geo.ValidatePoints(from, to); err != nil {
		return nil, routing.InvalidCoordinates(routing.ProviderHybrid, err)
	}
	h.logOutsideRegion(ctx, "get_traffic_info", from, to)
	h.maybeCheckHealth(ctx)

	if h.remote != nil && h.isHealthy(routing.ProviderRemote) {
		counters := h.stats[routing.ProviderRemote]
		counters.attempts.Add(1)
		info, err := h.remote.GetTrafficInfo(ctx, from, to)
		if err == nil {
			counters.successes.Add(1)
			return info, nil
		}
		counters.failures.Add(1)
		logging.Warnw(ctx, "routing: live traffic unavailable, using estimate",
			"provider", routing.ProviderRemote, "operation", "get_traffic_info", "attempt", 1, "error", err)
	}

	if h.offline != nil {
		if info, err := h.offline.GetTrafficInfo(ctx, from, to); err == nil {
			return info, nil
		}
	}
	return offline.EstimateTraffic(), nil
}

// IsAvailable reports whether any provider is currently healthy
func (h *HybridRouter) IsAvailable(ctx context.Context) bool {
	h.maybeCheckHealth(ctx)
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.health[routing.ProviderOffline] || h.health[routing.ProviderRemote]
}

// executeWithFallback runs call against the preferred provider and then the
// fallback, retrying retryable failures with exponential backoff.
func executeWithFallback[T any](ctx context.Context, h *HybridRouter, op string, call func(context.Context, routing.Provider) (T, error)) (T, error) {
	var zero T
	h.maybeCheckHealth(ctx)

	cfg := h.GetConfig()
	attempts := cfg.MaxRetries + 1
	var lastErr error

	for _, id := range providerOrder(cfg) {
		p := h.provider(id)
		if p == nil || !h.isHealthy(id) {
			continue
		}
		counters := h.stats[id]

	attemptLoop:
		for attempt := 1; attempt <= attempts; attempt++ {
			counters.attempts.Add(1)
			result, err := call(ctx, p)
			if err == nil {
				counters.successes.Add(1)
				h.setHealth(id, true)
				return result, nil
			}
			counters.failures.Add(1)
			lastErr = err

			logging.Warnw(ctx, "routing: provider attempt failed",
				"provider", id, "operation", op, "attempt", attempt, "error", err)

			switch {
			case routing.KindOf(err) == routing.KindInvalidCoordinates:
				return zero, err
			case !routing.IsRetryable(err):
				h.setHealth(id, false)
				break attemptLoop
			case attempt < attempts:
				if werr := wait(ctx, backoff(cfg.RetryDelay, attempt)); werr != nil {
					return zero, routing.WrapError(routing.KindServiceUnavailable, routing.ProviderHybrid,
						op+" cancelled during backoff", werr)
				}
			}
		}
	}

	if lastErr == nil {
		return zero, routing.NewError(routing.KindServiceUnavailable, routing.ProviderHybrid,
			"no healthy provider for "+op)
	}
	logging.Errorw(ctx, "routing: all providers exhausted", "operation", op, "error", lastErr)
	return zero, routing.WrapError(routing.KindServiceUnavailable, routing.ProviderHybrid,
		"all providers failed for "+op, lastErr)
}

// providerOrder lists the preferred provider first, then the fallback
func providerOrder(cfg config.RoutingConfig) []routing.ProviderID {
	preferred, other := routing.ProviderRemote, routing.ProviderOffline
	if cfg.PreferredProvider == routing.ProviderOffline {
		preferred, other = routing.ProviderOffline, routing.ProviderRemote
	}
	if !cfg.FallbackEnabled {
		return []routing.ProviderID{preferred}
	}
	return []routing.ProviderID{preferred, other}
}

// backoff is base × 2^(attempt-1)
func backoff(base time.Duration, attempt int) time.Duration {
	return base << (attempt - 1)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (h *HybridRouter) logOutsideRegion(ctx context.Context, op string, points ...geo.Point) {
	h.mu.RLock()
	region := h.cfg.Region
	h.mu.RUnlock()
	if region.IsZero() {
		return
	}
	for _, p := range points {
		if !geo.IsInRegion(p, region) {
			logging.Infow(ctx, "routing: coordinate outside operating region",
				"operation", op, "location", routing.CoarseLocation(p))
		}
	}
}

// Health

func (h *HybridRouter) isHealthy(id routing.ProviderID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.health[id]
}

func (h *HybridRouter) setHealth(id routing.ProviderID, healthy bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.health[id] = healthy
	h.health[routing.ProviderHybrid] = h.health[routing.ProviderOffline] || h.health[routing.ProviderRemote]
}

// GetServiceHealth returns a snapshot of provider health
func (h *HybridRouter) GetServiceHealth() map[routing.ProviderID]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[routing.ProviderID]bool, len(h.health))
	for id, ok := range h.health {
		out[id] = ok
	}
	return out
}

// LastHealthCheck returns when providers were last probed
func (h *HybridRouter) LastHealthCheck() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastCheck
}

// RefreshServiceHealth probes every configured provider now. Concurrent
// callers share a single in-flight check.
func (h *HybridRouter) RefreshServiceHealth(ctx context.Context) map[routing.ProviderID]bool {
	h.runHealthCheck(ctx, true)
	return h.GetServiceHealth()
}

func (h *HybridRouter) maybeCheckHealth(ctx context.Context) {
	if h.healthCheckDue() {
		h.runHealthCheck(ctx, false)
	}
}

func (h *HybridRouter) healthCheckDue() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.now().Sub(h.lastCheck) > h.cfg.HealthCheckInterval
}

// runHealthCheck joins or starts the shared check. Unforced callers re-read
// the schedule inside the flight.
func (h *HybridRouter) runHealthCheck(ctx context.Context, force bool) {
	// The check outlives any one caller; per-probe timeouts bound it
	checkCtx := logging.EnsureLogger(context.WithoutCancel(ctx))
	_, _, _ = h.checks.Do("health", func() (any, error) {
		if force || h.healthCheckDue() {
			h.checkHealth(checkCtx)
		}
		return nil, nil
	})
}

func (h *HybridRouter) checkHealth(ctx context.Context) {
	h.mu.RLock()
	timeout := h.cfg.HealthCheckTimeout
	h.mu.RUnlock()

	var g errgroup.Group
	for _, id := range []routing.ProviderID{routing.ProviderOffline, routing.ProviderRemote} {
		p := h.provider(id)
		if p == nil {
			continue
		}
		g.Go(func() error {
			probeCtx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				probeCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			healthy := p.IsAvailable(probeCtx)
			if !healthy {
				logging.Warnw(ctx, "routing: provider failed health check", "provider", id)
			}
			h.setHealth(id, healthy)
			return nil
		})
	}
	_ = g.Wait()

	h.mu.Lock()
	h.lastCheck = h.now()
	h.mu.Unlock()
}

// StartHealthChecks probes providers every health check interval until ctx
// is done or Stop is called
func (h *HybridRouter) StartHealthChecks(ctx context.Context) {
	h.loopMu.Lock()
	defer h.loopMu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})

	interval := h.GetConfig().HealthCheckInterval
	log.Printf("Starting provider health checks every %v", interval)
	go h.healthLoop(ctx, interval, h.stopCh)
}

// Stop halts the background health loop
func (h *HybridRouter) Stop() {
	h.loopMu.Lock()
	defer h.loopMu.Unlock()
	if !h.running {
		return
	}
	h.running = false
	close(h.stopCh)
	log.Printf("Stopped provider health checks")
}

func (h *HybridRouter) healthLoop(ctx context.Context, interval time.Duration, stop <-chan struct{}) {
	ctx = logging.EnsureLogger(ctx)
	defer func() {
		if r := recover(); r != nil {
			err, _ := errors.ParseStack(debug.Stack())
			logging.Errorw(ctx, "Health checks: recovered from panic",
				"error", r, "error.stack_trace", err.MinimalStack(3, 5))
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.RefreshServiceHealth(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Printf("Health checks stopping due to context cancellation")
			return
		case <-stop:
			return
		case <-ticker.C:
			h.RefreshServiceHealth(ctx)
		}
	}
}

// Configuration

// GetConfig returns a copy of the active routing configuration
func (h *HybridRouter) GetConfig() config.RoutingConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// UpdateConfig applies fn to a copy of the configuration and swaps it in if
// the result is valid. Provider construction settings take effect only for
// providers built afterwards.
func (h *HybridRouter) UpdateConfig(fn func(*config.RoutingConfig)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := h.cfg
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	h.cfg = next
	return nil
}

// Stats

type providerCounters struct {
	attempts  atomic.Uint64
	successes atomic.Uint64
	failures  atomic.Uint64
}

// ProviderStats counts calls made to one provider
type ProviderStats struct {
	Attempts  uint64 `json:"attempts"`
	Successes uint64 `json:"successes"`
	Failures  uint64 `json:"failures"`
}

// Stats returns per-provider call counters
func (h *HybridRouter) Stats() map[routing.ProviderID]ProviderStats {
	out := make(map[routing.ProviderID]ProviderStats, len(h.stats))
	for id, c := range h.stats {
		out[id] = ProviderStats{
			Attempts:  c.attempts.Load(),
			Successes: c.successes.Load(),
			Failures:  c.failures.Load(),
		}
	}
	return out
}
