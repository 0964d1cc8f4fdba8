package route

import (
	"context"
	"fmt"
	"time"

	"github.com/safewalk/server/internal/lib/geo"
)

// FactorName identifies one dimension of segment safety
type FactorName string

const (
	FactorCrime      FactorName = "crime"
	FactorLighting   FactorName = "lighting"
	FactorPopulation FactorName = "population"
	FactorTraffic    FactorName = "traffic"
	FactorWeather    FactorName = "weather"
	FactorTimeOfDay  FactorName = "time_of_day"
)

// KnownFactors lists every factor name in a stable order
var KnownFactors = []FactorName{
	FactorCrime,
	FactorLighting,
	FactorPopulation,
	FactorTraffic,
	FactorWeather,
	FactorTimeOfDay,
}

// IsKnown reports whether the name is one of KnownFactors
func (f FactorName) IsKnown() bool {
	for _, known := range KnownFactors {
		if f == known {
			return true
		}
	}
	return false
}

// BaseRoute is the path produced by a Supplier. It is read-only once returned.
type BaseRoute struct {
	Coordinates     []geo.Point `json:"coordinates"`
	DistanceMeters  float64     `json:"distance_meters"`
	DurationSeconds float64     `json:"duration_seconds"`
}

// RiskFactor is one time-stamped observation for a segment. Score is in [0,1]
// where 1 is safest.
type RiskFactor struct {
	Name       FactorName `json:"name"`
	Score      float64    `json:"score"`
	ObservedAt time.Time  `json:"observed_at"`
	Sources    []string   `json:"sources"`
}

// Validate checks the observation is usable by the scorer
func (f RiskFactor) Validate() error {
	if !f.Name.IsKnown() {
		return fmt.Errorf("unknown risk factor %q", f.Name)
	}
	if f.Score < 0 || f.Score > 1 {
		return fmt.Errorf("risk factor %s score %.4f outside [0,1]", f.Name, f.Score)
	}
	if len(f.Sources) == 0 {
		return fmt.Errorf("risk factor %s has no sources", f.Name)
	}
	if f.ObservedAt.IsZero() {
		return fmt.Errorf("risk factor %s has no observation time", f.Name)
	}
	return nil
}

// Factors maps factor name to the observation for a single segment
type Factors map[FactorName]RiskFactor

// FactorSet maps segment id to that segment's factors. A missing factor or
// missing segment means "unknown", never a zero score.
type FactorSet map[string]Factors

// AnomalyRecord documents a dampened outlier score
type AnomalyRecord struct {
	Type          string  `json:"type"`
	OriginalScore float64 `json:"original_score"`
	AdjustedScore float64 `json:"adjusted_score"`
	ZScore        float64 `json:"z_score"`
	Threshold     float64 `json:"threshold"`
}

// Segment is the straight piece of a route between two consecutive coordinates.
// Pointer fields are unset until the stage that computes them has run.
type Segment struct {
	ID                 string          `json:"segment_id"`
	Index              int             `json:"index"`
	Start              geo.Point       `json:"start"`
	End                geo.Point       `json:"end"`
	LengthMeters       float64         `json:"length"`
	DurationSeconds    *float64        `json:"duration,omitempty"`
	NormalizedDuration *float64        `json:"normalized_duration,omitempty"`
	InAvoidArea        bool            `json:"in_avoid_area,omitempty"`
	RiskFactors        Factors         `json:"risk_factors,omitempty"`
	SafetyScore        *float64        `json:"safety_score,omitempty"`
	Anomalies          []AnomalyRecord `json:"anomalies"`
	CombinedScore      *float64        `json:"combined_score,omitempty"`
}

// Midpoint returns the point halfway along the segment
func (s Segment) Midpoint() geo.Point {
	return geo.Midpoint(s.Start, s.End)
}

// GeometryKey identifies the segment by its endpoints so observations can be
// shared across routes that traverse the same piece of ground.
func (s Segment) GeometryKey() string {
	return fmt.Sprintf("%.5f,%.5f:%.5f,%.5f", s.Start.Latitude, s.Start.Longitude, s.End.Latitude, s.End.Longitude)
}

// RouteMetrics summarises a scored route
type RouteMetrics struct {
	TotalDistanceMeters  float64 `json:"total_distance_meters"`
	TotalDurationSeconds float64 `json:"total_duration_seconds"`
	AverageSafetyScore   float64 `json:"average_safety_score"`
	SegmentCount         int     `json:"segment_count"`
	HazardousSegments    int     `json:"hazardous_segments"`
	AnomalyCount         int     `json:"anomaly_count"`
	AvoidAreaSegments    int     `json:"avoid_area_segments"`
}

// RouteRequest is what a Supplier needs to produce a base path
type RouteRequest struct {
	Start         geo.Point
	End           geo.Point
	DepartureTime time.Time
	AvoidAreas    []geo.Area
}

// Supplier produces a base path between two points
type Supplier interface {
	GetBaseRoute(ctx context.Context, req RouteRequest) (*BaseRoute, error)
}

// CandidateSupplier is implemented by suppliers able to offer alternative paths
type CandidateSupplier interface {
	Supplier
	GetCandidateRoutes(ctx context.Context, req RouteRequest) ([]*BaseRoute, error)
}

// Provider supplies observations for a single factor
type Provider interface {
	Factor() FactorName
	Fetch(ctx context.Context, segment Segment, at time.Time) (RiskFactor, error)
}

// Float returns a pointer to v
func Float(v float64) *float64 {
	return &v
}
