package routing

import (
	"context"
	"time"

	"github.com/safewalk/server/internal/lib/geo"
	"github.com/safewalk/server/internal/lib/route"
)

// Proximity represents the relationship between a hazard and a route segment
type Proximity string

const (
	OnRoute Proximity = "on_route" // within the on-route threshold of the segment
	Nearby  Proximity = "nearby"   // within the nearby threshold
	Distant Proximity = "distant"  // beyond the nearby threshold (filtered out)
)

// Hazard is a located event that may affect the safety of nearby segments,
// such as a CHP incident, a lane closure or a user safety report.
type Hazard struct {
	ID               string        `json:"id"`
	Title            string        `json:"title"`
	Type             string        `json:"type"`
	Location         geo.Point     `json:"location"`
	AffectedPolyline *geo.Polyline `json:"affected_polyline,omitempty"` // For closures spanning a stretch of road
	Severity         float64       `json:"severity"`                    // 0 (minor) to 1 (severe)
	ReportedAt       time.Time     `json:"reported_at"`
}

// ClassifiedHazard is a hazard after classification against a segment
type ClassifiedHazard struct {
	Hazard
	Classification Proximity `json:"classification"`
	Distance       float64   `json:"distance"`
}

// HazardMatcher classifies hazards against segment geometry
type HazardMatcher interface {
	// Classify a single hazard against a segment
	Classify(ctx context.Context, hazard Hazard, segment route.Segment) (ClassifiedHazard, error)

	// NearbyHazards returns the hazards that are on or near the segment, on-route first
	NearbyHazards(ctx context.Context, hazards []Hazard, segment route.Segment) ([]ClassifiedHazard, error)

	// Thresholds returns the on-route and nearby distances in meters
	Thresholds() (onRoute, nearby float64)
}

// NewHazardMatcher is implemented in matcher.go
