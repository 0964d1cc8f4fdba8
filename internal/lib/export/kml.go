package export

import (
	"errors"
	"fmt"
	"image/color"
	"io"

	"github.com/twpayne/go-kml"

	"github.com/safewalk/server/internal/lib/assessment"
	"github.com/safewalk/server/internal/lib/geo"
	"github.com/safewalk/server/internal/lib/route"
	"github.com/safewalk/server/internal/lib/scoring"
)

// Segment style identifiers
const (
	StyleSafe      = "safe"
	StyleCaution   = "caution"
	StyleHazardous = "hazardous"
	StyleAvoid     = "avoid"
)

// safeThreshold is the score at or above which a segment is drawn as safe
const safeThreshold = 0.7

// StyleFor picks the style of a scored segment
func StyleFor(s route.Segment) string {
	if s.InAvoidArea {
		return StyleAvoid
	}
	score := scoring.NeutralScore
	if s.SafetyScore != nil {
		score = *s.SafetyScore
	}
	switch {
	case score < scoring.HazardousThreshold:
		return StyleHazardous
	case score < safeThreshold:
		return StyleCaution
	default:
		return StyleSafe
	}
}

// WriteKML renders a successful assessment as a KML document with one
// coloured placemark per segment plus start and end markers.
func WriteKML(w io.Writer, result *assessment.Result) error {
	if result == nil || !result.OK() {
		return errors.New("only successful assessments can be exported")
	}

	children := []kml.Element{
		kml.Name(fmt.Sprintf("Route %s", result.RequestID)),
		kml.Description(summary(result)),
		lineStyle(StyleSafe, color.RGBA{R: 0x2e, G: 0xa0, B: 0x43, A: 0xff}),
		lineStyle(StyleCaution, color.RGBA{R: 0xf0, G: 0xa2, B: 0x02, A: 0xff}),
		lineStyle(StyleHazardous, color.RGBA{R: 0xd0, G: 0x21, B: 0x1c, A: 0xff}),
		lineStyle(StyleAvoid, color.RGBA{R: 0x6a, G: 0x1b, B: 0x9a, A: 0xff}),
	}

	for _, s := range result.Route {
		children = append(children, kml.Placemark(
			kml.Name(s.ID),
			kml.Description(segmentDescription(s)),
			kml.StyleURL("#"+StyleFor(s)),
			kml.LineString(
				kml.Tessellate(true),
				kml.Coordinates(coordinate(s.Start), coordinate(s.End)),
			),
		))
	}

	if path := result.Path(); len(path) > 0 {
		children = append(children,
			kml.Placemark(kml.Name("Start"), kml.Point(kml.Coordinates(coordinate(path[0])))),
			kml.Placemark(kml.Name("End"), kml.Point(kml.Coordinates(coordinate(path[len(path)-1])))),
		)
	}

	return kml.KML(kml.Document(children...)).WriteIndent(w, "", "  ")
}

func lineStyle(id string, c color.Color) kml.Element {
	return kml.SharedStyle(id, kml.LineStyle(kml.Color(c), kml.Width(4)))
}

func coordinate(p geo.Point) kml.Coordinate {
	return kml.Coordinate{Lon: p.Longitude, Lat: p.Latitude}
}

func summary(result *assessment.Result) string {
	m := result.Metrics
	if m == nil {
		return ""
	}
	return fmt.Sprintf("Distance %.0f m, average safety %.2f, %d hazardous of %d segments, preference %.2f",
		m.TotalDistanceMeters, m.AverageSafetyScore, m.HazardousSegments, m.SegmentCount, result.PreferenceApplied)
}

func segmentDescription(s route.Segment) string {
	desc := fmt.Sprintf("Length %.1f m", s.LengthMeters)
	if s.SafetyScore != nil {
		desc += fmt.Sprintf(", safety %.2f", *s.SafetyScore)
	}
	if s.CombinedScore != nil {
		desc += fmt.Sprintf(", combined %.2f", *s.CombinedScore)
	}
	if len(s.Anomalies) > 0 {
		desc += fmt.Sprintf(", dampened from %.2f", s.Anomalies[0].OriginalScore)
	}
	return desc
}
