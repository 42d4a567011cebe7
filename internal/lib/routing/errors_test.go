package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dpup/info.ersn.net/routing/internal/lib/geo"
)

func TestErrorKindRetryable(t *testing.T) {
	assert.True(t, KindRateLimit.Retryable())
	assert.True(t, KindNetworkError.Retryable())
	assert.False(t, KindInvalidCoordinates.Retryable())
	assert.False(t, KindAPIError.Retryable())
	assert.False(t, KindServiceUnavailable.Retryable())
}

func TestErrorWrapping(t *testing.T) {
	cause := context.DeadlineExceeded
	err := WrapError(KindNetworkError, ProviderRemote, "request timed out", cause)

	assert.True(t, err.Retryable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "NETWORK_ERROR [remote]: request timed out: context deadline exceeded", err.Error())

	wrapped := fmt.Errorf("calculate route: %w", err)
	assert.Equal(t, KindNetworkError, KindOf(wrapped))
	assert.True(t, IsRetryable(wrapped))

	var re *Error
	require.True(t, errors.As(wrapped, &re))
	assert.Equal(t, ProviderRemote, re.Provider)

	assert.True(t, errors.Is(wrapped, &Error{Kind: KindNetworkError}))
	assert.False(t, errors.Is(wrapped, &Error{Kind: KindNetworkError, Provider: ProviderOffline}))
	assert.False(t, errors.Is(wrapped, &Error{Kind: KindAPIError}))
}

func TestUnclassifiedErrors(t *testing.T) {
	plain := errors.New("boom")
	assert.Equal(t, ErrorKind(""), KindOf(plain))
	assert.False(t, IsRetryable(plain))
	assert.False(t, IsRetryable(nil))
}

func TestGRPCStatus(t *testing.T) {
	cases := map[ErrorKind]codes.Code{
		KindInvalidCoordinates: codes.InvalidArgument,
		KindAPIError:           codes.NotFound,
		KindRateLimit:          codes.ResourceExhausted,
		KindNetworkError:       codes.DeadlineExceeded,
		KindServiceUnavailable: codes.Unavailable,
	}
	for kind, want := range cases {
		err := fmt.Errorf("outer: %w", NewError(kind, ProviderHybrid, "x"))
		assert.Equal(t, want, status.Code(err), kind)
	}
}

func TestOptionsWithDefaults(t *testing.T) {
	opts := Options{Profile: ProfileDrivingTraffic, Annotations: []Annotation{AnnotationSpeed}}
	merged := opts.WithDefaults()

	assert.Equal(t, ProfileDrivingTraffic, merged.Profile)
	assert.Equal(t, OverviewFull, merged.Overview)
	assert.Equal(t, GeometryGeoJSON, merged.Geometries)
	assert.Equal(t, DefaultSnapRadiusMeters, merged.SnapRadiusMeters)

	// Slices are copied so the caller's options stay untouched
	merged.Annotations[0] = AnnotationDistance
	assert.Equal(t, AnnotationSpeed, opts.Annotations[0])

	assert.Equal(t, "", Options{}.AnnotationList())
	assert.Equal(t, "duration,speed", Options{Annotations: []Annotation{AnnotationDuration, AnnotationSpeed}}.AnnotationList())
}

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, Options{}.Validate())
	assert.NoError(t, DefaultOptions().Validate())
	assert.NoError(t, Options{Profile: ProfileDrivingTraffic, Overview: OverviewNone,
		Geometries: GeometryPolyline6, Annotations: []Annotation{AnnotationDistance}}.Validate())

	for name, opts := range map[string]Options{
		"path in profile": {Profile: "x/../../../admin"},
		"profile":         {Profile: "walking"},
		"overview":        {Overview: "partial"},
		"geometries":      {Geometries: "wkt"},
		"annotation":      {Annotations: []Annotation{AnnotationSpeed, "congestion"}},
		"radius":          {SnapRadiusMeters: -1},
	} {
		t.Run(name, func(t *testing.T) {
			err := opts.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidOptions)
			assert.Equal(t, KindInvalidCoordinates, KindOf(err))
			assert.False(t, IsRetryable(err))
		})
	}
}

func TestNewRouteID(t *testing.T) {
	from := geo.Point{Latitude: 38.0675, Longitude: -120.5436}
	to := geo.Point{Latitude: 38.1391, Longitude: -120.4561}

	id := NewRouteID(ProviderRemote, from, to)
	assert.Equal(t, id, NewRouteID(ProviderRemote, from, to))
	assert.True(t, strings.HasPrefix(id, "remote-9q"))
	assert.NotEqual(t, id, NewRouteID(ProviderRemote, to, from))

	assert.Len(t, CoarseLocation(from), 5)
	assert.Equal(t, "invalid", CoarseLocation(geo.Point{Latitude: 100}))
}
