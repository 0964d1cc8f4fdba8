package scoring

import (
	"fmt"
	"math"

	"github.com/safewalk/server/internal/lib/route"
)

// ValidatePreference rejects preferences outside [0,1]
func ValidatePreference(preference float64) error {
	if math.IsNaN(preference) || preference < 0 || preference > 1 {
		return fmt.Errorf("%w: preference must be within [0,1], got %v", route.ErrInvalidPreference, preference)
	}
	return nil
}

// Optimizer blends safety with speed according to a preference in [0,1]
type Optimizer struct{}

// NewOptimizer creates an Optimizer
func NewOptimizer() *Optimizer {
	return &Optimizer{}
}

// Optimize annotates each segment with its combined score. The preference must
// already have been validated; 0 weighs purely toward speed and 1 purely toward
// safety. Unknown safety or duration values count as neutral.
func (o *Optimizer) Optimize(segments []route.Segment, preference float64) []route.Segment {
	for i := range segments {
		safety := NeutralScore
		if segments[i].SafetyScore != nil {
			safety = *segments[i].SafetyScore
		}
		normalizedDuration := NeutralScore
		if segments[i].NormalizedDuration != nil {
			normalizedDuration = *segments[i].NormalizedDuration
		}

		combined := preference*safety + (1-preference)*(1-normalizedDuration)
		segments[i].CombinedScore = route.Float(combined)
	}
	return segments
}

// RouteScore is the length-weighted mean combined score of a scored route,
// falling back to the plain mean when every segment has zero length. It is
// used to rank candidate routes against each other.
func (o *Optimizer) RouteScore(segments []route.Segment) float64 {
	weighted, totalLength, plain, counted := 0.0, 0.0, 0.0, 0
	for _, s := range segments {
		if s.CombinedScore == nil {
			continue
		}
		weighted += *s.CombinedScore * s.LengthMeters
		totalLength += s.LengthMeters
		plain += *s.CombinedScore
		counted++
	}
	switch {
	case totalLength > 0:
		return weighted / totalLength
	case counted > 0:
		return plain / float64(counted)
	default:
		return 0
	}
}
