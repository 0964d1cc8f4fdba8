package reports

import (
	"context"
	"time"

	"github.com/safewalk/server/internal/lib/geo"
	"github.com/safewalk/server/internal/lib/route"
)

// Source is recorded on crime observations
const Source = "safety_reports"

// CrimeTypes are the report types that count toward the crime factor
var CrimeTypes = []ReportType{Harassment, SuspiciousActivity, Other}

// ReportSource returns active reports around a point
type ReportSource interface {
	ActiveReports(ctx context.Context, q Query) ([]Report, error)
}

// statusWeight discounts reports that are unconfirmed or already handled
var statusWeight = map[ReportStatus]float64{
	StatusVerified: 1.0,
	StatusReported: 0.6,
	StatusResolved: 0.3,
}

// impact is the score reduction of a single verified severity 5 report
const impact = 0.5

// CrimeProvider scores the crime factor from user safety reports near a
// segment
type CrimeProvider struct {
	source       ReportSource
	radiusMeters float64
	lookback     time.Duration
	geoUtils     geo.GeoUtils
}

// NewCrimeProvider creates a crime provider over source
func NewCrimeProvider(source ReportSource, radiusMeters float64, lookback time.Duration) *CrimeProvider {
	if radiusMeters <= 0 {
		radiusMeters = 200
	}
	if lookback <= 0 {
		lookback = 30 * 24 * time.Hour
	}
	return &CrimeProvider{
		source:       source,
		radiusMeters: radiusMeters,
		lookback:     lookback,
		geoUtils:     geo.NewGeoUtils(),
	}
}

// Factor implements route.Provider
func (p *CrimeProvider) Factor() route.FactorName {
	return route.FactorCrime
}

// Fetch implements route.Provider. Every report within the radius of the
// segment lowers the score by its severity and status weight. The
// observation time is that of the newest report, or at when there are none.
func (p *CrimeProvider) Fetch(ctx context.Context, segment route.Segment, at time.Time) (route.RiskFactor, error) {
	candidates, err := p.source.ActiveReports(ctx, Query{
		Center:       segment.Midpoint(),
		RadiusMeters: p.radiusMeters + segment.LengthMeters/2,
		Types:        CrimeTypes,
		At:           at,
		Since:        at.Add(-p.lookback),
	})
	if err != nil {
		return route.RiskFactor{}, err
	}

	score := 1.0
	observed := at
	var newest time.Time
	for _, r := range candidates {
		d, err := p.geoUtils.PointToSegment(r.Location(), segment.Start, segment.End)
		if err != nil || d > p.radiusMeters {
			continue
		}
		score *= 1 - impact*reportWeight(r)
		if r.CreatedAt.After(newest) {
			newest = r.CreatedAt
		}
	}
	if !newest.IsZero() && !newest.After(at) {
		observed = newest
	}

	return route.RiskFactor{
		Name:       route.FactorCrime,
		Score:      score,
		ObservedAt: observed,
		Sources:    []string{Source},
	}, nil
}

func reportWeight(r Report) float64 {
	severity := r.Severity
	if severity < 1 {
		severity = 1
	}
	if severity > 5 {
		severity = 5
	}
	return float64(severity) / 5 * statusWeight[r.Status]
}
