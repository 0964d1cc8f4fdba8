package assessment

import (
	"time"

	"github.com/safewalk/server/internal/lib/geo"
	"github.com/safewalk/server/internal/lib/route"
)

// Status tags the outcome of an assessment
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Request asks for the safest route between two points
type Request struct {
	Start      geo.Point
	End        geo.Point
	Preference float64
	// DepartureTime defaults to the processing time when nil
	DepartureTime *time.Time
	AvoidAreas    []geo.Area
}

// Result is the tagged outcome of CalculateSafestRoute. On error only the
// code and message are meaningful alongside the timestamps.
type Result struct {
	Status              Status              `json:"status"`
	RequestID           string              `json:"request_id"`
	Route               []route.Segment     `json:"route,omitempty"`
	Geometry            string              `json:"geometry,omitempty"`
	Metrics             *route.RouteMetrics `json:"metrics,omitempty"`
	PreferenceApplied   float64             `json:"preference_applied"`
	DepartureTime       time.Time           `json:"departure_time"`
	ProcessedAt         time.Time           `json:"processed_at"`
	CandidatesEvaluated int                 `json:"candidates_evaluated,omitempty"`
	Code                route.ErrorCode     `json:"code,omitempty"`
	Message             string              `json:"message,omitempty"`
}

// OK reports whether the assessment succeeded
func (r *Result) OK() bool {
	return r.Status == StatusSuccess
}

// Path returns the coordinates of the chosen route in order
func (r *Result) Path() []geo.Point {
	if len(r.Route) == 0 {
		return nil
	}
	points := make([]geo.Point, 0, len(r.Route)+1)
	points = append(points, r.Route[0].Start)
	for _, s := range r.Route {
		points = append(points, s.End)
	}
	return points
}
