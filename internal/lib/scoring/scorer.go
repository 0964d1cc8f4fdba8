package scoring

import (
	"fmt"
	"math"
	"time"

	"github.com/safewalk/server/internal/lib/route"
)

const (
	// NeutralScore is assigned to segments nothing is known about
	NeutralScore = 0.5

	// anomalyPullBack is the share of an outlier's deviation kept after dampening
	anomalyPullBack = 0.5

	// AnomalyTypeSafetyScore tags records produced by route-wide outlier detection
	AnomalyTypeSafetyScore = "safety_score"
)

// DefaultWeights are the factor weights used when none are configured
func DefaultWeights() map[route.FactorName]float64 {
	return map[route.FactorName]float64{
		route.FactorCrime:      0.3,
		route.FactorLighting:   0.2,
		route.FactorPopulation: 0.15,
		route.FactorTraffic:    0.15,
		route.FactorWeather:    0.1,
		route.FactorTimeOfDay:  0.1,
	}
}

// ScorerConfig holds the immutable parameters of a Scorer
type ScorerConfig struct {
	Weights          map[route.FactorName]float64
	DecayHours       float64
	AnomalyThreshold float64
}

// Scorer combines risk factors into per-segment safety scores
type Scorer struct {
	weights          map[route.FactorName]float64
	decayHours       float64
	anomalyThreshold float64
}

// NewScorer validates the configuration and returns a Scorer. Empty,
// negative or all-zero weights are reported as ErrScoring.
func NewScorer(cfg ScorerConfig) (*Scorer, error) {
	if len(cfg.Weights) == 0 {
		return nil, fmt.Errorf("%w: no factor weights configured", route.ErrScoring)
	}

	weights := make(map[route.FactorName]float64, len(cfg.Weights))
	total := 0.0
	for name, w := range cfg.Weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("%w: weight for %s must be a non-negative number", route.ErrScoring, name)
		}
		weights[name] = w
		total += w
	}
	if total <= 0 {
		return nil, fmt.Errorf("%w: factor weights sum to zero", route.ErrScoring)
	}
	if cfg.DecayHours <= 0 {
		return nil, fmt.Errorf("%w: time decay must be positive, got %v", route.ErrScoring, cfg.DecayHours)
	}
	if cfg.AnomalyThreshold <= 0 {
		return nil, fmt.Errorf("%w: anomaly threshold must be positive, got %v", route.ErrScoring, cfg.AnomalyThreshold)
	}

	return &Scorer{
		weights:          weights,
		decayHours:       cfg.DecayHours,
		anomalyThreshold: cfg.AnomalyThreshold,
	}, nil
}

// Weight returns the configured weight for a factor, zero when unset
func (s *Scorer) Weight(name route.FactorName) float64 {
	return s.weights[name]
}

// Decay pulls a raw score toward neutral as its observation ages. Observations
// from the future are treated as fresh.
func (s *Scorer) Decay(raw float64, observedAt, at time.Time) float64 {
	ageHours := at.Sub(observedAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	if ageHours == 0 {
		return raw
	}
	return NeutralScore + (raw-NeutralScore)*math.Exp(-ageHours/s.decayHours)
}

// SegmentScore is the weighted mean of the decayed scores of the factors
// present. It is NeutralScore when no weighted factor is present. Factors are
// summed in KnownFactors order so identical inputs give identical scores.
func (s *Scorer) SegmentScore(factors route.Factors, at time.Time) float64 {
	weightedSum := 0.0
	totalWeight := 0.0
	for _, name := range route.KnownFactors {
		factor, ok := factors[name]
		w := s.weights[name]
		if !ok || w == 0 {
			continue
		}
		weightedSum += s.Decay(factor.Score, factor.ObservedAt, at) * w
		totalWeight += w
	}
	if totalWeight <= 0 {
		return NeutralScore
	}
	return weightedSum / totalWeight
}

// Score annotates every segment with its safety score and then dampens
// route-wide outliers. Segments are updated in place and returned. It returns
// the number of anomalies recorded.
func (s *Scorer) Score(segments []route.Segment, factors route.FactorSet, at time.Time) ([]route.Segment, int) {
	scores := make([]float64, len(segments))
	for i := range segments {
		segmentFactors := factors[segments[i].ID]
		segments[i].RiskFactors = segmentFactors
		scores[i] = s.SegmentScore(segmentFactors, at)
		segments[i].SafetyScore = route.Float(scores[i])
		if segments[i].Anomalies == nil {
			segments[i].Anomalies = []route.AnomalyRecord{}
		}
	}

	return segments, s.dampenAnomalies(segments, scores)
}

// dampenAnomalies compares each score against the population distribution of
// the original scores. Fewer than two segments or a zero spread never flags.
func (s *Scorer) dampenAnomalies(segments []route.Segment, scores []float64) int {
	if len(scores) < 2 {
		return 0
	}

	if uniform(scores) {
		return 0
	}
	mean, std := meanStd(scores)
	if std == 0 {
		return 0
	}

	flagged := 0
	for i, original := range scores {
		z := (original - mean) / std
		if math.Abs(z) <= s.anomalyThreshold {
			continue
		}
		adjusted := mean + (original-mean)*anomalyPullBack
		segments[i].SafetyScore = route.Float(adjusted)
		segments[i].Anomalies = append(segments[i].Anomalies, route.AnomalyRecord{
			Type:          AnomalyTypeSafetyScore,
			OriginalScore: original,
			AdjustedScore: adjusted,
			ZScore:        z,
			Threshold:     s.anomalyThreshold,
		})
		flagged++
	}
	return flagged
}

func uniform(values []float64) bool {
	for _, v := range values[1:] {
		if v != values[0] {
			return false
		}
	}
	return true
}

// meanStd returns the mean and population standard deviation
func meanStd(values []float64) (float64, float64) {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))

	return mean, math.Sqrt(variance)
}
