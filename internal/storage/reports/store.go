package reports

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/safewalk/server/internal/lib/geo"
)

// ReportType classifies a user safety report
type ReportType string

const (
	Harassment         ReportType = "harassment"
	SuspiciousActivity ReportType = "suspicious_activity"
	PoorLighting       ReportType = "poor_lighting"
	UrbanDesertion     ReportType = "urban_desertion"
	Accident           ReportType = "accident"
	RoadCondition      ReportType = "road_condition"
	Other              ReportType = "other"
)

// ReportStatus tracks a report through moderation
type ReportStatus string

const (
	StatusReported   ReportStatus = "reported"
	StatusVerified   ReportStatus = "verified"
	StatusResolved   ReportStatus = "resolved"
	StatusFalseAlarm ReportStatus = "false_alarm"
)

// Report is a user-submitted safety report
type Report struct {
	ID         int64        `db:"id"`
	ReportType ReportType   `db:"report_type"`
	Status     ReportStatus `db:"status"`
	Latitude   float64      `db:"latitude"`
	Longitude  float64      `db:"longitude"`
	Title      string       `db:"title"`
	Severity   int          `db:"severity"` // 1 (minor) to 5
	CreatedAt  time.Time    `db:"created_at"`
	ExpiresAt  time.Time    `db:"expires_at"`
}

// Location returns the report position
func (r Report) Location() geo.Point {
	return geo.Point{Latitude: r.Latitude, Longitude: r.Longitude}
}

// Query selects active reports around a point
type Query struct {
	Center       geo.Point
	RadiusMeters float64
	Types        []ReportType
	// At is the moment reports must still be active at
	At time.Time
	// Since excludes reports created earlier
	Since time.Time
}

// Store reads safety reports from Postgres
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an open database handle
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to the database at url
func Open(ctx context.Context, url string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to reports database: %w", err)
	}
	return NewStore(db), nil
}

// Close closes the underlying database handle
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const activeReportsQuery = `
	SELECT id, report_type, status, latitude, longitude, title, severity, created_at, expires_at
	FROM safety_reports
	WHERE latitude BETWEEN $1 AND $2
	AND longitude BETWEEN $3 AND $4
	AND status <> 'false_alarm'
	AND report_type = ANY($5)
	AND expires_at > $6
	AND created_at >= $7
	ORDER BY created_at DESC`

// ActiveReports returns reports inside the bounding box of the query circle
// that have not expired and were not dismissed as false alarms. Callers
// refine by exact distance.
func (s *Store) ActiveReports(ctx context.Context, q Query) ([]Report, error) {
	minLat, maxLat, minLon, maxLon := boundingBox(q.Center, q.RadiusMeters)

	types := make([]string, len(q.Types))
	for i, t := range q.Types {
		types[i] = string(t)
	}

	var reports []Report
	err := s.db.SelectContext(ctx, &reports, activeReportsQuery,
		minLat, maxLat,
		minLon, maxLon,
		pq.Array(types),
		q.At,
		q.Since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query safety reports: %w", err)
	}
	return reports, nil
}

const metersPerDegreeLat = 111320.0

// boundingBox returns the box enclosing a circle of radius meters around c
func boundingBox(c geo.Point, radius float64) (minLat, maxLat, minLon, maxLon float64) {
	dLat := radius / metersPerDegreeLat
	cosLat := math.Cos(c.Latitude * math.Pi / 180)
	dLon := 180.0
	if cosLat > 1e-9 {
		dLon = math.Min(180, radius/(metersPerDegreeLat*cosLat))
	}
	return c.Latitude - dLat, c.Latitude + dLat, c.Longitude - dLon, c.Longitude + dLon
}
