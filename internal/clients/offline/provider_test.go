package offline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpup/info.ersn.net/routing/internal/lib/geo"
	"github.com/dpup/info.ersn.net/routing/internal/lib/roads"
	"github.com/dpup/info.ersn.net/routing/internal/lib/routing"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	idx, err := roads.NewRTreeIndex([]roads.Road{
		{
			ID:            "main-st",
			Name:          "Main Street",
			RoadType:      "residential",
			SpeedLimitKmh: 40,
			Geometry: []geo.Point{
				{Latitude: 38.1000, Longitude: -120.5000},
				{Latitude: 38.1000, Longitude: -120.4900},
			},
		},
	})
	require.NoError(t, err)
	return NewProvider(idx)
}

// brokenIndex fails every lookup
type brokenIndex struct{}

func (brokenIndex) Nearest(geo.Point) (roads.Match, error) { return roads.Match{}, errors.New("disk on fire") }
func (brokenIndex) Len() int                                { return 0 }

func TestConfidence(t *testing.T) {
	assert.Equal(t, 1.0, Confidence(0))
	assert.Equal(t, 1.0, Confidence(5))
	assert.Equal(t, 0.0, Confidence(100))
	assert.Equal(t, 0.0, Confidence(250))
	assert.InDelta(t, 0.5, Confidence(52.5), 1e-9)

	prev := Confidence(0)
	for d := 1.0; d < 100; d++ {
		c := Confidence(d)
		assert.LessOrEqual(t, c, prev, "confidence must not increase with distance (d=%v)", d)
		assert.GreaterOrEqual(t, c, 0.0)
		prev = c
	}
}

func TestSnapToRoad(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	result, err := p.SnapToRoad(ctx, 38.1002, -120.4950, routing.DefaultOptions())
	require.NoError(t, err)
	assert.InDelta(t, 38.1000, result.Location.Latitude, 1e-9)
	assert.InDelta(t, -120.4950, result.Location.Longitude, 1e-9)
	assert.InDelta(t, 22.2, result.DistanceMeters, 0.5)
	assert.Equal(t, "Main Street", result.RoadName)
	assert.Equal(t, "residential", result.RoadType)
	assert.Equal(t, 40.0, result.SpeedLimitKmh)
	require.NotNil(t, result.Heading)
	assert.InDelta(t, 90, *result.Heading, 0.1)
	assert.InDelta(t, Confidence(result.DistanceMeters), result.Confidence, 1e-12)

	// Idempotent
	again, err := p.SnapToRoad(ctx, 38.1002, -120.4950, routing.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, result.Location, again.Location)
	assert.Equal(t, result.Confidence, again.Confidence)
}

func TestSnapToRoadErrors(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	_, err := p.SnapToRoad(ctx, 200, 0, routing.Options{})
	assert.Equal(t, routing.KindInvalidCoordinates, routing.KindOf(err))
	assert.False(t, routing.IsRetryable(err))

	broken := NewProvider(brokenIndex{})
	_, err = broken.SnapToRoad(ctx, 38.1, -120.5, routing.Options{})
	assert.Equal(t, routing.KindAPIError, routing.KindOf(err))
	assert.ErrorContains(t, err, "disk on fire")

	empty, err := roads.NewRTreeIndex(nil)
	require.NoError(t, err)
	_, err = NewProvider(empty).SnapToRoad(ctx, 38.1, -120.5, routing.Options{})
	assert.ErrorIs(t, err, roads.ErrEmptyIndex)
	assert.Equal(t, routing.KindAPIError, routing.KindOf(err))
}

func TestCalculateRoute(t *testing.T) {
	p := newTestProvider(t)
	from := geo.Point{Latitude: 38.1001, Longitude: -120.4990}
	to := geo.Point{Latitude: 38.0999, Longitude: -120.4910}

	route, err := p.CalculateRoute(context.Background(), from, to, routing.Options{})
	require.NoError(t, err)
	require.Len(t, route.Geometry, 2)
	assert.InDelta(t, 38.1, route.Geometry[0].Latitude, 1e-9)
	assert.InDelta(t, 38.1, route.Geometry[1].Latitude, 1e-9)

	expected := geo.Distance(route.Geometry[0], route.Geometry[1])
	assert.InDelta(t, expected, route.DistanceMeters, 1e-9)
	// 40 km/h is 11.11 m/s
	assert.InDelta(t, expected/(40.0/3.6), route.DurationSeconds, 1e-6)

	require.Len(t, route.Waypoints, 2)
	assert.Equal(t, 0.0, route.Waypoints[0].DistanceMeters)
	assert.InDelta(t, expected, route.Waypoints[1].DistanceMeters, 1e-9)
	assert.Contains(t, route.ID, "offline-")

	_, err = p.CalculateRoute(context.Background(), from, geo.Point{Latitude: 91}, routing.Options{})
	assert.Equal(t, routing.KindInvalidCoordinates, routing.KindOf(err))
}

func TestCalculateRouteSpeedOption(t *testing.T) {
	idx, err := roads.NewRTreeIndex([]roads.Road{{ID: "r", Geometry: []geo.Point{{Latitude: 0, Longitude: 0}, {Latitude: 0, Longitude: 1}}}})
	require.NoError(t, err)
	p := NewProvider(idx, WithSpeed(80))

	route, err := p.CalculateRoute(context.Background(), geo.Point{Longitude: 0}, geo.Point{Longitude: 1}, routing.Options{})
	require.NoError(t, err)
	assert.InDelta(t, route.DistanceMeters/(80/3.6), route.DurationSeconds, 1e-6)
}

func TestMatchToRoads(t *testing.T) {
	p := newTestProvider(t)
	trace := []geo.Point{
		{Latitude: 38.1000, Longitude: -120.4990},
		{Latitude: 38.1003, Longitude: -120.4970},
		{Latitude: 38.1010, Longitude: -120.4950},
	}

	result, err := p.MatchToRoads(context.Background(), trace, routing.Options{})
	require.NoError(t, err)
	require.Len(t, result.MatchedCoordinates, len(trace))

	sum := 0.0
	for i, pt := range trace {
		snapped, err := p.SnapToRoad(context.Background(), pt.Latitude, pt.Longitude, routing.Options{})
		require.NoError(t, err)
		assert.Equal(t, snapped.Location, result.MatchedCoordinates[i])
		sum += snapped.Confidence
	}
	assert.InDelta(t, sum/3, result.Confidence, 1e-12)
	require.NotNil(t, result.Route)
	assert.Len(t, result.Route.Geometry, 3)

	single, err := p.MatchToRoads(context.Background(), trace[:1], routing.Options{})
	require.NoError(t, err)
	assert.Len(t, single.MatchedCoordinates, 1)
	assert.Nil(t, single.Route)

	_, err = p.MatchToRoads(context.Background(), nil, routing.Options{})
	assert.Equal(t, routing.KindInvalidCoordinates, routing.KindOf(err))
}

func TestTrafficAndAvailability(t *testing.T) {
	p := newTestProvider(t)
	info, err := p.GetTrafficInfo(context.Background(), geo.Point{Latitude: 38.1, Longitude: -120.5}, geo.Point{Latitude: 38.1, Longitude: -120.49})
	require.NoError(t, err)
	assert.Equal(t, routing.CongestionModerate, info.CongestionLevel)
	assert.Equal(t, 25.0, info.SpeedReductionPercent)
	assert.Equal(t, 30.0, info.AverageSpeedKmh)
	assert.Equal(t, routing.ProviderOffline, info.Source)

	assert.True(t, p.IsAvailable(context.Background()))
	assert.True(t, NewProvider(brokenIndex{}).IsAvailable(context.Background()))
}
