package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dpup/info.ersn.net/routing/internal/config"
	"github.com/dpup/info.ersn.net/routing/internal/lib/geo"
	"github.com/dpup/info.ersn.net/routing/internal/lib/routing"
)

// MockProvider is a mock implementation of routing.Provider
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) SnapToRoad(ctx context.Context, lat, lon float64, opts routing.Options) (*routing.RoadSnapResult, error) {
	args := m.Called(ctx, lat, lon, opts)
	result, _ := args.Get(0).(*routing.RoadSnapResult)
	return result, args.Error(1)
}

func (m *MockProvider) CalculateRoute(ctx context.Context, from, to geo.Point, opts routing.Options) (*routing.Route, error) {
	args := m.Called(ctx, from, to, opts)
	result, _ := args.Get(0).(*routing.Route)
	return result, args.Error(1)
}

func (m *MockProvider) MatchToRoads(ctx context.Context, coordinates []geo.Point, opts routing.Options) (*routing.MatchResult, error) {
	args := m.Called(ctx, coordinates, opts)
	result, _ := args.Get(0).(*routing.MatchResult)
	return result, args.Error(1)
}

func (m *MockProvider) GetTrafficInfo(ctx context.Context, from, to geo.Point) (*routing.TrafficInfo, error) {
	args := m.Called(ctx, from, to)
	result, _ := args.Get(0).(*routing.TrafficInfo)
	return result, args.Error(1)
}

func (m *MockProvider) IsAvailable(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

var (
	angelsCamp  = geo.Point{Latitude: 38.0675, Longitude: -120.5436}
	murphys     = geo.Point{Latitude: 38.1391, Longitude: -120.4561}
	remoteRoute = &routing.Route{ID: "remote-route", DistanceMeters: 11500}
	localRoute  = &routing.Route{ID: "offline-route", DistanceMeters: 9800}
)

func testConfig() config.RoutingConfig {
	cfg := config.DefaultConfig().Routing
	cfg.RetryDelay = time.Millisecond
	cfg.HealthCheckInterval = time.Hour
	return cfg
}

func availableProvider(available bool) *MockProvider {
	p := &MockProvider{}
	p.On("IsAvailable", mock.Anything).Return(available)
	return p
}

func TestNewHybridRouter_InitialHealth(t *testing.T) {
	h := NewHybridRouter(testConfig(), &MockProvider{}, &MockProvider{})
	assert.Equal(t, map[routing.ProviderID]bool{
		routing.ProviderOffline: true,
		routing.ProviderRemote:  false,
		routing.ProviderHybrid:  true,
	}, h.GetServiceHealth())

	// Snapshots are copies
	h.GetServiceHealth()[routing.ProviderRemote] = true
	assert.False(t, h.GetServiceHealth()[routing.ProviderRemote])
}

func TestCalculateRoute_FallsBackOnNonRetryableError(t *testing.T) {
	remote := availableProvider(true)
	remote.On("CalculateRoute", mock.Anything, angelsCamp, murphys, mock.Anything).
		Return(nil, routing.NewError(routing.KindAPIError, routing.ProviderRemote, "NoRoute"))
	local := availableProvider(true)
	local.On("CalculateRoute", mock.Anything, angelsCamp, murphys, mock.Anything).Return(localRoute, nil)

	h := NewHybridRouter(testConfig(), local, remote)
	route, err := h.CalculateRoute(context.Background(), angelsCamp, murphys, routing.Options{})

	require.NoError(t, err)
	assert.Equal(t, localRoute, route)
	remote.AssertNumberOfCalls(t, "CalculateRoute", 1)
	assert.False(t, h.GetServiceHealth()[routing.ProviderRemote], "non-retryable failure marks remote unhealthy")
	assert.True(t, h.GetServiceHealth()[routing.ProviderOffline])

	// Remote stays skipped until the next health check
	_, err = h.CalculateRoute(context.Background(), angelsCamp, murphys, routing.Options{})
	require.NoError(t, err)
	remote.AssertNumberOfCalls(t, "CalculateRoute", 1)
	local.AssertNumberOfCalls(t, "CalculateRoute", 2)
}

func TestRetryThenSucceed(t *testing.T) {
	for _, kind := range []routing.ErrorKind{routing.KindRateLimit, routing.KindNetworkError} {
		t.Run(string(kind), func(t *testing.T) {
			cfg := testConfig()
			cfg.MaxRetries = 2

			remote := availableProvider(true)
			remote.On("CalculateRoute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
				Return(nil, routing.NewError(kind, routing.ProviderRemote, "try later")).Times(2)
			remote.On("CalculateRoute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
				Return(remoteRoute, nil).Once()
			local := availableProvider(true)

			h := NewHybridRouter(cfg, local, remote)
			route, err := h.CalculateRoute(context.Background(), angelsCamp, murphys, routing.Options{})

			require.NoError(t, err)
			assert.Equal(t, remoteRoute, route)
			remote.AssertNumberOfCalls(t, "CalculateRoute", cfg.MaxRetries+1)
			local.AssertNotCalled(t, "CalculateRoute", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

			stats := h.Stats()[routing.ProviderRemote]
			assert.Equal(t, uint64(3), stats.Attempts)
			assert.Equal(t, uint64(1), stats.Successes)
			assert.Equal(t, uint64(2), stats.Failures)
		})
	}
}

func TestRetriesExhaustedMovesToFallback(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1

	remote := availableProvider(true)
	remote.On("SnapToRoad", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, routing.NewError(routing.KindNetworkError, routing.ProviderRemote, "timeout"))
	local := availableProvider(true)
	local.On("SnapToRoad", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&routing.RoadSnapResult{Location: angelsCamp, Confidence: 1}, nil)

	h := NewHybridRouter(cfg, local, remote)
	result, err := h.SnapToRoad(context.Background(), angelsCamp.Latitude, angelsCamp.Longitude, routing.Options{})

	require.NoError(t, err)
	assert.Equal(t, angelsCamp, result.Location)
	remote.AssertNumberOfCalls(t, "SnapToRoad", 2)
	assert.True(t, h.GetServiceHealth()[routing.ProviderRemote], "retryable failures leave health alone")
}

func TestExhaustion(t *testing.T) {
	t.Run("both unhealthy", func(t *testing.T) {
		remote := availableProvider(false)
		local := availableProvider(false)
		h := NewHybridRouter(testConfig(), local, remote)

		_, err := h.CalculateRoute(context.Background(), angelsCamp, murphys, routing.Options{})
		assert.Equal(t, routing.KindServiceUnavailable, routing.KindOf(err))
		remote.AssertNotCalled(t, "CalculateRoute", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		local.AssertNotCalled(t, "CalculateRoute", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		assert.False(t, h.IsAvailable(context.Background()))
		assert.False(t, h.GetServiceHealth()[routing.ProviderHybrid])
	})

	t.Run("both failing", func(t *testing.T) {
		remoteErr := routing.NewError(routing.KindAPIError, routing.ProviderRemote, "bad request")
		localErr := routing.NewError(routing.KindAPIError, routing.ProviderOffline, "road index is empty")

		remote := availableProvider(true)
		remote.On("MatchToRoads", mock.Anything, mock.Anything, mock.Anything).Return(nil, remoteErr)
		local := availableProvider(true)
		local.On("MatchToRoads", mock.Anything, mock.Anything, mock.Anything).Return(nil, localErr)

		h := NewHybridRouter(testConfig(), local, remote)
		_, err := h.MatchToRoads(context.Background(), []geo.Point{angelsCamp, murphys}, routing.Options{})

		assert.Equal(t, routing.KindServiceUnavailable, routing.KindOf(err))
		assert.ErrorIs(t, err, localErr, "carries the last observed error")
	})

	t.Run("fallback disabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.FallbackEnabled = false

		remote := availableProvider(true)
		remote.On("CalculateRoute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, routing.NewError(routing.KindAPIError, routing.ProviderRemote, "bad request"))
		local := availableProvider(true)

		h := NewHybridRouter(cfg, local, remote)
		_, err := h.CalculateRoute(context.Background(), angelsCamp, murphys, routing.Options{})

		assert.Equal(t, routing.KindServiceUnavailable, routing.KindOf(err))
		local.AssertNotCalled(t, "CalculateRoute", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestPreferredOffline(t *testing.T) {
	cfg := testConfig()
	cfg.PreferredProvider = routing.ProviderOffline

	remote := availableProvider(true)
	local := availableProvider(true)
	local.On("CalculateRoute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(localRoute, nil)

	h := NewHybridRouter(cfg, local, remote)
	route, err := h.CalculateRoute(context.Background(), angelsCamp, murphys, routing.Options{})

	require.NoError(t, err)
	assert.Equal(t, localRoute, route)
	remote.AssertNotCalled(t, "CalculateRoute", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestInvalidCoordinates(t *testing.T) {
	remote := &MockProvider{}
	local := &MockProvider{}
	h := NewHybridRouter(testConfig(), local, remote)
	ctx := context.Background()

	_, err := h.SnapToRoad(ctx, 200, 0, routing.Options{})
	assert.Equal(t, routing.KindInvalidCoordinates, routing.KindOf(err))

	_, err = h.CalculateRoute(ctx, angelsCamp, geo.Point{Latitude: 0, Longitude: 181}, routing.Options{})
	assert.Equal(t, routing.KindInvalidCoordinates, routing.KindOf(err))

	_, err = h.MatchToRoads(ctx, nil, routing.Options{})
	assert.Equal(t, routing.KindInvalidCoordinates, routing.KindOf(err))

	_, err = h.GetTrafficInfo(ctx, geo.Point{Latitude: -91}, murphys)
	assert.Equal(t, routing.KindInvalidCoordinates, routing.KindOf(err))

	assert.Empty(t, remote.Calls, "no provider is touched")
	assert.Empty(t, local.Calls)
}

func TestProviderInvalidCoordinatesIsSurfaced(t *testing.T) {
	remote := availableProvider(true)
	invalid := routing.NewError(routing.KindInvalidCoordinates, routing.ProviderRemote, "rejected by upstream")
	remote.On("SnapToRoad", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, invalid)
	local := availableProvider(true)

	h := NewHybridRouter(testConfig(), local, remote)
	_, err := h.SnapToRoad(context.Background(), 38.0675, -120.5436, routing.Options{})

	assert.Same(t, invalid, err)
	remote.AssertNumberOfCalls(t, "SnapToRoad", 1)
	local.AssertNotCalled(t, "SnapToRoad", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.True(t, h.GetServiceHealth()[routing.ProviderRemote])
}

func TestOutsideRegionIsNotRejected(t *testing.T) {
	local := availableProvider(true)
	local.On("SnapToRoad", mock.Anything, 47.6, -122.3, mock.Anything).
		Return(&routing.RoadSnapResult{Confidence: 0.5}, nil)

	h := NewHybridRouter(testConfig(), local, nil)
	_, err := h.SnapToRoad(context.Background(), 47.6, -122.3, routing.Options{})
	assert.NoError(t, err)
}

func TestGetTrafficInfo(t *testing.T) {
	ctx := context.Background()
	live := &routing.TrafficInfo{CongestionLevel: routing.CongestionHeavy, SpeedReductionPercent: 40, Source: routing.ProviderRemote}

	t.Run("live from healthy remote", func(t *testing.T) {
		remote := availableProvider(true)
		remote.On("GetTrafficInfo", mock.Anything, angelsCamp, murphys).Return(live, nil)
		h := NewHybridRouter(testConfig(), availableProvider(true), remote)

		info, err := h.GetTrafficInfo(ctx, angelsCamp, murphys)
		require.NoError(t, err)
		assert.Equal(t, live, info)
	})

	t.Run("remote failure falls straight to estimate", func(t *testing.T) {
		remote := availableProvider(true)
		remote.On("GetTrafficInfo", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, routing.NewError(routing.KindNetworkError, routing.ProviderRemote, "timeout"))
		local := availableProvider(true)
		local.On("GetTrafficInfo", mock.Anything, mock.Anything, mock.Anything).
			Return(&routing.TrafficInfo{CongestionLevel: routing.CongestionModerate, SpeedReductionPercent: 25, Source: routing.ProviderOffline}, nil)

		h := NewHybridRouter(testConfig(), local, remote)
		info, err := h.GetTrafficInfo(ctx, angelsCamp, murphys)

		require.NoError(t, err)
		assert.Equal(t, routing.ProviderOffline, info.Source)
		remote.AssertNumberOfCalls(t, "GetTrafficInfo", 1)
		assert.True(t, h.GetServiceHealth()[routing.ProviderRemote], "traffic failures leave health alone")
	})

	t.Run("unhealthy remote is not asked", func(t *testing.T) {
		remote := availableProvider(false)
		h := NewHybridRouter(testConfig(), nil, remote)

		info, err := h.GetTrafficInfo(ctx, angelsCamp, murphys)
		require.NoError(t, err)
		assert.Equal(t, routing.CongestionModerate, info.CongestionLevel)
		assert.Equal(t, routing.ProviderOffline, info.Source)
		remote.AssertNotCalled(t, "GetTrafficInfo", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestHealthCheckScheduling(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	cfg := testConfig()
	cfg.HealthCheckInterval = 30 * time.Second
	remote := availableProvider(true)
	remote.On("SnapToRoad", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&routing.RoadSnapResult{Confidence: 1}, nil)

	h := NewHybridRouter(cfg, nil, remote, WithClock(clock))
	ctx := context.Background()

	// First call runs a check because none has happened yet
	_, err := h.SnapToRoad(ctx, 38.0675, -120.5436, routing.Options{})
	require.NoError(t, err)
	remote.AssertNumberOfCalls(t, "IsAvailable", 1)
	assert.Equal(t, now, h.LastHealthCheck())

	_, err = h.SnapToRoad(ctx, 38.0675, -120.5436, routing.Options{})
	require.NoError(t, err)
	remote.AssertNumberOfCalls(t, "IsAvailable", 1)

	mu.Lock()
	now = now.Add(31 * time.Second)
	mu.Unlock()

	_, err = h.SnapToRoad(ctx, 38.0675, -120.5436, routing.Options{})
	require.NoError(t, err)
	remote.AssertNumberOfCalls(t, "IsAvailable", 2)
}

func TestRefreshServiceHealth_Deduplicates(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	remote := &MockProvider{}
	remote.On("IsAvailable", mock.Anything).Run(func(mock.Arguments) {
		once.Do(func() { close(started) })
		<-release
	}).Return(true)

	h := NewHybridRouter(testConfig(), nil, remote)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]map[routing.ProviderID]bool, 5)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = h.RefreshServiceHealth(ctx)
	}()
	<-started

	for i := 1; i < len(results); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.RefreshServiceHealth(ctx)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	remote.AssertNumberOfCalls(t, "IsAvailable", 1)
	for _, r := range results {
		assert.True(t, r[routing.ProviderRemote])
	}
}

func TestHealthCheckTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HealthCheckTimeout = 10 * time.Millisecond

	remote := &MockProvider{}
	remote.On("IsAvailable", mock.Anything).Return(false).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	})

	h := NewHybridRouter(cfg, nil, remote)
	start := time.Now()
	health := h.RefreshServiceHealth(context.Background())

	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, health[routing.ProviderRemote])
}

func TestStartHealthChecks(t *testing.T) {
	cfg := testConfig()
	cfg.HealthCheckInterval = 10 * time.Millisecond

	remote := availableProvider(true)
	h := NewHybridRouter(cfg, nil, remote)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.StartHealthChecks(ctx)
	h.StartHealthChecks(ctx) // no second loop
	assert.Eventually(t, func() bool {
		return h.GetServiceHealth()[routing.ProviderRemote]
	}, time.Second, 5*time.Millisecond)

	h.Stop()
	h.Stop()
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, backoff(100*time.Millisecond, 1))
	assert.Equal(t, 200*time.Millisecond, backoff(100*time.Millisecond, 2))
	assert.Equal(t, 400*time.Millisecond, backoff(100*time.Millisecond, 3))
}

func TestBackoffHonoursContext(t *testing.T) {
	cfg := testConfig()
	cfg.RetryDelay = time.Minute

	remote := availableProvider(true)
	remote.On("CalculateRoute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, routing.NewError(routing.KindNetworkError, routing.ProviderRemote, "timeout"))

	h := NewHybridRouter(cfg, nil, remote)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.CalculateRoute(ctx, angelsCamp, murphys, routing.Options{})
	assert.Equal(t, routing.KindServiceUnavailable, routing.KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	remote.AssertNumberOfCalls(t, "CalculateRoute", 1)
}

func TestUpdateConfig(t *testing.T) {
	h := NewHybridRouter(testConfig(), nil, nil)

	err := h.UpdateConfig(func(c *config.RoutingConfig) { c.MaxRetries = -1 })
	var cfgErr *config.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, 2, h.GetConfig().MaxRetries, "invalid update is discarded")

	require.NoError(t, h.UpdateConfig(func(c *config.RoutingConfig) {
		c.PreferredProvider = routing.ProviderOffline
		c.MaxRetries = 4
	}))
	cfg := h.GetConfig()
	assert.Equal(t, routing.ProviderOffline, cfg.PreferredProvider)
	assert.Equal(t, 4, cfg.MaxRetries)
}

func TestNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roads.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id": "sr4", "name": "State Route 4", "geometry": [{"lat": 38.0675, "lon": -120.5436}, {"lat": 38.0675, "lon": -120.5336}]}
	]`), 0o600))

	cfg := config.DefaultConfig().Routing
	cfg.Offline.RoadsFile = path

	h, err := New(&cfg)
	require.NoError(t, err)
	assert.Nil(t, h.Remote(), "no API key, no remote")

	result, err := h.SnapToRoad(context.Background(), 38.0677, -120.5386, routing.Options{})
	require.NoError(t, err)
	assert.Equal(t, "State Route 4", result.RoadName)
	assert.InDelta(t, 38.0675, result.Location.Latitude, 1e-6)

	cfg.Offline.RoadsFile = filepath.Join(t.TempDir(), "missing.json")
	_, err = New(&cfg)
	assert.Error(t, err)
}

func TestSnapToRoad_SwappedCoordinatesHint(t *testing.T) {
	h := NewHybridRouter(testConfig(), &MockProvider{}, nil)

	_, err := h.SnapToRoad(context.Background(), -120.5436, 38.0675, routing.Options{})
	assert.Equal(t, routing.KindInvalidCoordinates, routing.KindOf(err))
	assert.ErrorIs(t, err, geo.ErrInvalidCoordinates)
	assert.Contains(t, err.Error(), "only the swapped order is a valid coordinate")
}

func TestHealthCheckRecheckedInsideFlight(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	remote := availableProvider(true)
	h := NewHybridRouter(testConfig(), nil, remote, WithClock(func() time.Time { return now }))

	h.RefreshServiceHealth(context.Background())
	remote.AssertNumberOfCalls(t, "IsAvailable", 1)

	// A caller that saw the old schedule before the check above finished
	h.runHealthCheck(context.Background(), false)
	remote.AssertNumberOfCalls(t, "IsAvailable", 1)

	h.runHealthCheck(context.Background(), true)
	remote.AssertNumberOfCalls(t, "IsAvailable", 2)
}

func TestFailedHealthCheckWithoutLogger(t *testing.T) {
	remote := availableProvider(false)
	local := availableProvider(true)
	h := NewHybridRouter(testConfig(), local, remote)

	var health map[routing.ProviderID]bool
	assert.NotPanics(t, func() {
		health = h.RefreshServiceHealth(context.Background())
	})
	assert.False(t, health[routing.ProviderRemote])
	assert.True(t, health[routing.ProviderOffline])
}

func TestInvalidOptionsLeaveHealthAlone(t *testing.T) {
	remote := availableProvider(true)
	local := availableProvider(true)
	h := NewHybridRouter(testConfig(), local, remote)
	h.RefreshServiceHealth(context.Background())

	_, err := h.CalculateRoute(context.Background(), angelsCamp, murphys, routing.Options{Profile: "x/../../../admin"})
	require.Error(t, err)
	assert.ErrorIs(t, err, routing.ErrInvalidOptions)
	assert.Equal(t, routing.KindInvalidCoordinates, routing.KindOf(err))

	_, err = h.MatchToRoads(context.Background(), []geo.Point{angelsCamp, murphys}, routing.Options{Annotations: []routing.Annotation{"congestion"}})
	assert.ErrorIs(t, err, routing.ErrInvalidOptions)

	_, err = h.SnapToRoad(context.Background(), 38.0675, -120.5436, routing.Options{Overview: "partial"})
	assert.ErrorIs(t, err, routing.ErrInvalidOptions)

	remote.AssertNotCalled(t, "CalculateRoute", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	remote.AssertNotCalled(t, "MatchToRoads", mock.Anything, mock.Anything, mock.Anything)
	local.AssertNotCalled(t, "SnapToRoad", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.True(t, h.GetServiceHealth()[routing.ProviderRemote])
}
