package scoring

import (
	"github.com/safewalk/server/internal/lib/route"
)

// HazardousThreshold is the safety score below which a segment counts as hazardous
const HazardousThreshold = 0.3

// Aggregate reduces a scored route to summary metrics. An empty route yields
// zero totals and a neutral average.
func Aggregate(segments []route.Segment) route.RouteMetrics {
	metrics := route.RouteMetrics{
		AverageSafetyScore: NeutralScore,
		SegmentCount:       len(segments),
	}

	weightedScore := 0.0
	scoredLength := 0.0
	for _, s := range segments {
		metrics.TotalDistanceMeters += s.LengthMeters
		if s.DurationSeconds != nil {
			metrics.TotalDurationSeconds += *s.DurationSeconds
		}
		metrics.AnomalyCount += len(s.Anomalies)
		if s.InAvoidArea {
			metrics.AvoidAreaSegments++
		}

		if s.SafetyScore == nil {
			continue
		}
		if *s.SafetyScore < HazardousThreshold {
			metrics.HazardousSegments++
		}
		if s.LengthMeters > 0 {
			weightedScore += *s.SafetyScore * s.LengthMeters
			scoredLength += s.LengthMeters
		}
	}

	if scoredLength > 0 {
		metrics.AverageSafetyScore = weightedScore / scoredLength
	}
	return metrics
}
