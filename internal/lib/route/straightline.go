package route

import (
	"context"
	"fmt"
	"math"

	"github.com/safewalk/server/internal/lib/geo"
)

// StraightLineSupplier produces a direct path between the two endpoints. It
// is deterministic and needs no network access.
type StraightLineSupplier struct {
	// SpacingMeters inserts intermediate points every SpacingMeters along the
	// line. Zero disables densification.
	SpacingMeters float64
	// MaxSegments caps densification at one point past the limit, which the
	// Segmenter rejects, so long routes are never fully expanded. Zero uses
	// DefaultMaxSegments.
	MaxSegments int
}

// NewStraightLineSupplier creates a supplier with the given point spacing
func NewStraightLineSupplier(spacingMeters float64) *StraightLineSupplier {
	return &StraightLineSupplier{SpacingMeters: spacingMeters}
}

// WithMaxSegments sets the segment limit densification is capped at
func (s *StraightLineSupplier) WithMaxSegments(n int) *StraightLineSupplier {
	s.MaxSegments = n
	return s
}

// GetBaseRoute returns the straight path from start to end. Duration is left
// unknown since no travel model is available.
func (s *StraightLineSupplier) GetBaseRoute(ctx context.Context, req RouteRequest) (*BaseRoute, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	if !geo.IsValidCoordinate(req.Start) || !geo.IsValidCoordinate(req.End) {
		return nil, fmt.Errorf("%w: start or end coordinate out of range", ErrInvalidRoute)
	}

	distance := geo.Haversine(req.Start, req.End)
	points := []geo.Point{req.Start}
	if s.SpacingMeters > 0 && distance > s.SpacingMeters {
		steps := s.maxSteps()
		if want := math.Ceil(distance / s.SpacingMeters); want < float64(steps) {
			steps = int(want)
		}
		for i := 1; i < steps; i++ {
			points = append(points, geo.Interpolate(req.Start, req.End, float64(i)/float64(steps)))
		}
	}
	points = append(points, req.End)

	return &BaseRoute{
		Coordinates:    points,
		DistanceMeters: distance,
	}, nil
}

func (s *StraightLineSupplier) maxSteps() int {
	limit := s.MaxSegments
	if limit <= 0 {
		limit = DefaultMaxSegments
	}
	return limit + 1
}
