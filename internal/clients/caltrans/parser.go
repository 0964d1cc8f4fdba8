package caltrans

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/safewalk/server/internal/lib/geo"
)

// FeedType represents the type of Caltrans feed
type FeedType int

const (
	LaneClosure FeedType = iota
	CHPIncident
)

func (f FeedType) String() string {
	switch f {
	case LaneClosure:
		return "lane_closure"
	case CHPIncident:
		return "chp_incident"
	default:
		return "unknown"
	}
}

// HTTPDoer interface for HTTP client dependency injection
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// FeedParser processes Caltrans KML feeds
type FeedParser struct {
	HTTPClient HTTPDoer
	now        func() time.Time
}

// Incident represents a placemark parsed from a KML feed
type Incident struct {
	ID              string
	FeedType        FeedType
	Name            string
	DescriptionText string
	StyleURL        string
	Location        geo.Point
	// Polyline holds the affected stretch for closures drawn as a line
	Polyline     []geo.Point
	ParsedStatus string
	LastFetched  time.Time
}

// NewFeedParser creates a new Caltrans KML feed parser
func NewFeedParser() *FeedParser {
	return &FeedParser{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
}

// ParseFeed downloads and parses a KML feed
func (p *FeedParser) ParseFeed(ctx context.Context, url string, feedType FeedType) ([]Incident, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download KML: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error %d downloading KML from %s", resp.StatusCode, url)
	}

	return p.Parse(resp.Body, feedType)
}

// Parse reads placemarks from a KML document. Placemarks may be nested in
// any number of folders; those without usable geometry are skipped.
func (p *FeedParser) Parse(r io.Reader, feedType FeedType) ([]Incident, error) {
	now := time.Now()
	if p.now != nil {
		now = p.now()
	}

	decoder := xml.NewDecoder(r)
	var incidents []Incident
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse KML: %w", err)
		}

		start, ok := token.(xml.StartElement)
		if !ok || start.Name.Local != "Placemark" {
			continue
		}

		var pm placemark
		if err := decoder.DecodeElement(&pm, &start); err != nil {
			return nil, fmt.Errorf("failed to parse placemark: %w", err)
		}
		if incident, ok := processPlacemark(pm, feedType, now); ok {
			incidents = append(incidents, incident)
		}
	}
	return incidents, nil
}

// processPlacemark converts a KML placemark to an Incident
func processPlacemark(pm placemark, feedType FeedType, fetchTime time.Time) (Incident, bool) {
	var points, line []geo.Point
	if pm.Point != nil {
		points = append(points, parseCoordinates(pm.Point.Coordinates)...)
	}
	if pm.LineString != nil {
		line = parseCoordinates(pm.LineString.Coordinates)
	}
	if pm.MultiGeometry != nil {
		for _, g := range pm.MultiGeometry.Points {
			points = append(points, parseCoordinates(g.Coordinates)...)
		}
		for _, g := range pm.MultiGeometry.LineStrings {
			line = append(line, parseCoordinates(g.Coordinates)...)
		}
	}

	var location geo.Point
	switch {
	case len(points) > 0:
		location = points[0]
	case len(line) > 0:
		location = line[0]
	default:
		return Incident{}, false
	}

	text := extractTextFromHTML(pm.Description)
	id := pm.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s|%s|%.6f,%.6f",
			feedType, pm.Name, location.Latitude, location.Longitude))).String()
	}

	incident := Incident{
		ID:              id,
		FeedType:        feedType,
		Name:            strings.TrimSpace(pm.Name),
		DescriptionText: text,
		StyleURL:        strings.TrimSpace(pm.StyleURL),
		Location:        location,
		ParsedStatus:    extractStatus(text),
		LastFetched:     fetchTime,
	}
	if len(line) >= 2 {
		incident.Polyline = line
	}
	return incident, true
}

// parseCoordinates reads whitespace separated "lon,lat[,alt]" tuples
func parseCoordinates(raw string) []geo.Point {
	var points []geo.Point
	for _, tuple := range strings.Fields(raw) {
		parts := strings.Split(tuple, ",")
		if len(parts) < 2 {
			continue
		}
		lon, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			continue
		}
		lat, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			continue
		}
		p := geo.Point{Latitude: lat, Longitude: lon}
		if geo.IsValidCoordinate(p) {
			points = append(points, p)
		}
	}
	return points
}

var (
	htmlTagPattern    = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
	statusPatterns    = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(closed?)\b`),
		regexp.MustCompile(`(?i)(restrictions?)`),
		regexp.MustCompile(`(?i)(incident)`),
		regexp.MustCompile(`(?i)(construction)`),
	}
)

// extractTextFromHTML removes HTML tags and decodes HTML entities
func extractTextFromHTML(htmlContent string) string {
	text := htmlTagPattern.ReplaceAllString(htmlContent, " ")
	text = html.UnescapeString(text)
	text = whitespacePattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// extractStatus attempts to extract status information from description text
func extractStatus(text string) string {
	for _, re := range statusPatterns {
		if match := re.FindString(text); match != "" {
			return strings.ToLower(match)
		}
	}
	return ""
}

type coordinates struct {
	Coordinates string `xml:"coordinates"`
}

type placemark struct {
	ID            string       `xml:"id,attr"`
	Name          string       `xml:"name"`
	Description   string       `xml:"description"`
	StyleURL      string       `xml:"styleUrl"`
	Point         *coordinates `xml:"Point"`
	LineString    *coordinates `xml:"LineString"`
	MultiGeometry *struct {
		Points      []coordinates `xml:"Point"`
		LineStrings []coordinates `xml:"LineString"`
	} `xml:"MultiGeometry"`
}
