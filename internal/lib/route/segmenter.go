package route

import (
	"fmt"

	"github.com/safewalk/server/internal/lib/geo"
)

// DefaultMaxSegments bounds the number of segments a single route may produce
const DefaultMaxSegments = 1000

// Segmenter splits a base route into consecutive straight segments
type Segmenter struct {
	maxSegments int
}

// NewSegmenter creates a segmenter that rejects routes above maxSegments.
// A non-positive value falls back to DefaultMaxSegments.
func NewSegmenter(maxSegments int) *Segmenter {
	if maxSegments <= 0 {
		maxSegments = DefaultMaxSegments
	}
	return &Segmenter{maxSegments: maxSegments}
}

// MaxSegments returns the configured limit
func (s *Segmenter) MaxSegments() int {
	return s.maxSegments
}

// Segment decomposes the route into len(coordinates)-1 segments with
// great-circle lengths. When the route reports a positive duration the
// duration is shared across segments proportionally to their length.
func (s *Segmenter) Segment(base *BaseRoute) ([]Segment, error) {
	if base == nil || len(base.Coordinates) < 2 {
		return nil, fmt.Errorf("%w: route needs at least 2 coordinates", ErrInvalidRoute)
	}
	count := len(base.Coordinates) - 1
	if count > s.maxSegments {
		return nil, fmt.Errorf("%w: %d segments exceeds limit of %d", ErrRouteTooComplex, count, s.maxSegments)
	}
	for i, p := range base.Coordinates {
		if !geo.IsValidCoordinate(p) {
			return nil, fmt.Errorf("%w: coordinate %d out of range (%.6f, %.6f)", ErrInvalidRoute, i, p.Latitude, p.Longitude)
		}
	}

	segments := make([]Segment, count)
	totalLength := 0.0
	for i := 0; i < count; i++ {
		start, end := base.Coordinates[i], base.Coordinates[i+1]
		length := geo.Haversine(start, end)
		segments[i] = Segment{
			ID:           fmt.Sprintf("seg_%d", i),
			Index:        i,
			Start:        start,
			End:          end,
			LengthMeters: length,
			Anomalies:    []AnomalyRecord{},
		}
		totalLength += length
	}

	if base.DurationSeconds > 0 && totalLength > 0 {
		for i := range segments {
			share := segments[i].LengthMeters / totalLength
			segments[i].DurationSeconds = Float(base.DurationSeconds * share)
			segments[i].NormalizedDuration = Float(share)
		}
	}

	return segments, nil
}

// MarkAvoidAreas flags segments whose midpoint falls inside any of the areas
// and returns how many were flagged.
func MarkAvoidAreas(segments []Segment, areas []geo.Area) int {
	if len(areas) == 0 {
		return 0
	}
	flagged := 0
	for i := range segments {
		if geo.AnyContains(areas, segments[i].Midpoint()) {
			segments[i].InAvoidArea = true
			flagged++
		}
	}
	return flagged
}
