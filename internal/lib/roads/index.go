package roads

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/dhconnelly/rtreego"

	"github.com/dpup/info.ersn.net/routing/internal/lib/geo"
)

const (
	dimensions  = 2
	minChildren = 25
	maxChildren = 50

	// Bounding boxes of axis-aligned segments are padded so they have area
	boundsPadding = 1e-7

	// Candidates compared exactly after the R-tree lookup
	defaultCandidates = 8
)

// ErrEmptyIndex is returned when a lookup is made against an index with no roads
var ErrEmptyIndex = errors.New("road index is empty")

// Match is the result of a nearest-segment lookup
type Match struct {
	Segment        Segment
	Point          geo.Point // Projection of the query onto the segment
	DistanceMeters float64
}

// Index finds the road segment nearest a point
type Index interface {
	Nearest(p geo.Point) (Match, error)
	Len() int
}

type spatialSegment struct {
	Segment
	rect *rtreego.Rect
}

func (s *spatialSegment) Bounds() *rtreego.Rect {
	return s.rect
}

// RTreeIndex is a thread-safe R-tree of road segments
type RTreeIndex struct {
	tree       *rtreego.Rtree
	mu         sync.RWMutex
	count      int
	candidates int
}

// NewRTreeIndex creates an index over the given roads
func NewRTreeIndex(roads []Road) (*RTreeIndex, error) {
	idx := &RTreeIndex{
		tree:       rtreego.NewTree(dimensions, minChildren, maxChildren),
		candidates: defaultCandidates,
	}
	if err := idx.Add(roads...); err != nil {
		return nil, err
	}
	return idx, nil
}

// Add indexes more roads
func (idx *RTreeIndex) Add(roads ...Road) error {
	items := make([]*spatialSegment, 0, len(roads))
	for i := range roads {
		owned := roads[i]
		owned.Geometry = append([]geo.Point(nil), roads[i].Geometry...)
		road := &owned
		if err := road.Validate(); err != nil {
			return err
		}
		for _, seg := range road.Segments() {
			rect, err := segmentBounds(seg)
			if err != nil {
				return fmt.Errorf("road %q segment %d: %w", road.ID, seg.Index, err)
			}
			items = append(items, &spatialSegment{Segment: seg, rect: rect})
		}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, item := range items {
		idx.tree.Insert(item)
	}
	idx.count += len(items)
	return nil
}

// Len returns the number of indexed segments
func (idx *RTreeIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.count
}

// Nearest returns the segment closest to p. The R-tree ranks candidates by
// bounding box; the winner is picked by exact projection distance.
func (idx *RTreeIndex) Nearest(p geo.Point) (Match, error) {
	if !p.Valid() {
		return Match{}, geo.ErrInvalidCoordinates
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.count == 0 {
		return Match{}, ErrEmptyIndex
	}

	results := idx.tree.NearestNeighbors(idx.candidates, rtreego.Point{p.Latitude, p.Longitude})

	best := Match{DistanceMeters: math.Inf(1)}
	found := false
	for _, result := range results {
		item, ok := result.(*spatialSegment)
		if !ok || item == nil {
			continue
		}
		projected, d := geo.ClosestPointOnSegment(p, item.Start, item.End)
		if d < best.DistanceMeters || (d == best.DistanceMeters && lessSegment(item.Segment, best.Segment)) {
			best = Match{Segment: item.Segment, Point: projected, DistanceMeters: d}
			found = true
		}
	}
	if !found {
		return Match{}, ErrEmptyIndex
	}
	return best, nil
}

// lessSegment orders ties so lookups are reproducible regardless of tree layout
func lessSegment(a, b Segment) bool {
	if b.Road == nil {
		return true
	}
	if a.Road.ID != b.Road.ID {
		return a.Road.ID < b.Road.ID
	}
	return a.Index < b.Index
}

func segmentBounds(seg Segment) (*rtreego.Rect, error) {
	minLat := math.Min(seg.Start.Latitude, seg.End.Latitude)
	minLon := math.Min(seg.Start.Longitude, seg.End.Longitude)
	height := math.Abs(seg.Start.Latitude-seg.End.Latitude) + boundsPadding
	width := math.Abs(seg.Start.Longitude-seg.End.Longitude) + boundsPadding
	return rtreego.NewRect(rtreego.Point{minLat, minLon}, []float64{height, width})
}
