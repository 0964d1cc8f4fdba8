package routing

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/safewalk/server/internal/lib/geo"
	"github.com/safewalk/server/internal/lib/route"
)

const (
	// DefaultOnRouteMeters is the distance within which a hazard is on the segment
	DefaultOnRouteMeters = 50.0
	// DefaultNearbyMeters is the distance within which a hazard still matters
	DefaultNearbyMeters = 500.0
)

// hazardMatcher implements the HazardMatcher interface
type hazardMatcher struct {
	geoUtils         geo.GeoUtils
	onRouteThreshold float64
	nearbyThreshold  float64
}

// NewHazardMatcher creates a new HazardMatcher. Non-positive thresholds fall
// back to the defaults.
func NewHazardMatcher(onRouteMeters, nearbyMeters float64) HazardMatcher {
	if onRouteMeters <= 0 {
		onRouteMeters = DefaultOnRouteMeters
	}
	if nearbyMeters <= 0 {
		nearbyMeters = DefaultNearbyMeters
	}
	if nearbyMeters < onRouteMeters {
		nearbyMeters = onRouteMeters
	}
	return &hazardMatcher{
		geoUtils:         geo.NewGeoUtils(),
		onRouteThreshold: onRouteMeters,
		nearbyThreshold:  nearbyMeters,
	}
}

// Thresholds implements HazardMatcher
func (m *hazardMatcher) Thresholds() (float64, float64) {
	return m.onRouteThreshold, m.nearbyThreshold
}

// Classify classifies a single hazard against a segment
func (m *hazardMatcher) Classify(ctx context.Context, hazard Hazard, segment route.Segment) (ClassifiedHazard, error) {
	distance, err := m.distance(hazard, segment)
	if err != nil {
		return ClassifiedHazard{}, err
	}

	classification := Distant
	switch {
	case distance <= m.onRouteThreshold:
		classification = OnRoute
	case distance <= m.nearbyThreshold:
		classification = Nearby
	}

	return ClassifiedHazard{
		Hazard:         hazard,
		Classification: classification,
		Distance:       distance,
	}, nil
}

// distance handles point hazards and closures with LineString geometry. For
// the latter the closest vertex of the closure is used.
func (m *hazardMatcher) distance(hazard Hazard, segment route.Segment) (float64, error) {
	if hazard.AffectedPolyline == nil || len(hazard.AffectedPolyline.Points) < 2 {
		return m.geoUtils.PointToSegment(hazard.Location, segment.Start, segment.End)
	}

	minDistance := math.Inf(1)
	for _, p := range hazard.AffectedPolyline.Points {
		d, err := m.geoUtils.PointToSegment(p, segment.Start, segment.End)
		if err != nil {
			continue // Skip invalid points
		}
		minDistance = math.Min(minDistance, d)
	}
	if math.IsInf(minDistance, 1) {
		return 0, errors.New("no valid points found in hazard polyline")
	}
	return minDistance, nil
}

// NearbyHazards classifies every hazard and keeps the on-route and nearby ones.
// Hazards with invalid geometry are skipped.
func (m *hazardMatcher) NearbyHazards(ctx context.Context, hazards []Hazard, segment route.Segment) ([]ClassifiedHazard, error) {
	if !geo.IsValidCoordinate(segment.Start) || !geo.IsValidCoordinate(segment.End) {
		return nil, errors.New("segment has invalid coordinates")
	}

	var matched []ClassifiedHazard
	for _, hazard := range hazards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		classified, err := m.Classify(ctx, hazard, segment)
		if err != nil || classified.Classification == Distant {
			continue
		}
		matched = append(matched, classified)
	}

	// On-route first, then closer first, then by hazard type
	sort.SliceStable(matched, func(i, j int) bool {
		hi, hj := matched[i], matched[j]
		if hi.Classification != hj.Classification {
			return hi.Classification == OnRoute
		}
		if hi.Distance != hj.Distance {
			return hi.Distance < hj.Distance
		}
		return typeOrder(hi.Type) < typeOrder(hj.Type)
	})

	return matched, nil
}

func typeOrder(hazardType string) int {
	switch hazardType {
	case "closure":
		return 1
	case "construction":
		return 2
	case "incident":
		return 3
	case "report":
		return 4
	default:
		return 5
	}
}
