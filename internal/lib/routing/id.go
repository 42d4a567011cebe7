package routing

import (
	"fmt"

	"github.com/mmcloughlin/geohash"

	"github.com/dpup/info.ersn.net/routing/internal/lib/geo"
)

// Geohash precision 7 cells are roughly 150 m across
const routeIDPrecision = 7

// NewRouteID builds a stable identifier from the provider and the route's
// endpoints
func NewRouteID(provider ProviderID, from, to geo.Point) string {
	return fmt.Sprintf("%s-%s-%s", provider,
		geohash.EncodeWithPrecision(from.Latitude, from.Longitude, routeIDPrecision),
		geohash.EncodeWithPrecision(to.Latitude, to.Longitude, routeIDPrecision))
}

// CoarseLocation renders a point as a short geohash for logs where the exact
// position is not needed
func CoarseLocation(p geo.Point) string {
	if !p.Valid() {
		return "invalid"
	}
	return geohash.EncodeWithPrecision(p.Latitude, p.Longitude, 5)
}
