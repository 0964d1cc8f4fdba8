package geo

import (
	"errors"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// circleVertices controls how finely circular avoid areas are approximated
const circleVertices = 32

// NewPolygonArea builds an avoid area from an outer ring of points. The ring is
// closed automatically when the last point differs from the first.
func NewPolygonArea(id string, points []Point) (Area, error) {
	if len(points) < 3 {
		return Area{}, errors.New("polygon area needs at least 3 points")
	}

	ring := make(orb.Ring, 0, len(points)+1)
	for _, p := range points {
		if !IsValidCoordinate(p) {
			return Area{}, errInvalidCoordinates
		}
		ring = append(ring, orb.Point{p.Longitude, p.Latitude})
	}
	if !ring.Closed() {
		ring = append(ring, ring[0])
	}

	return Area{ID: id, Polygon: orb.Polygon{ring}}, nil
}

// NewCircleArea approximates a circle of radiusMeters around center as a polygon
func NewCircleArea(id string, center Point, radiusMeters float64) (Area, error) {
	if !IsValidCoordinate(center) {
		return Area{}, errInvalidCoordinates
	}
	if radiusMeters <= 0 {
		return Area{}, errors.New("circle area radius must be positive")
	}

	lat1 := center.Latitude * math.Pi / 180
	lon1 := center.Longitude * math.Pi / 180
	angular := radiusMeters / EarthRadiusMeters

	ring := make(orb.Ring, 0, circleVertices+1)
	for i := 0; i < circleVertices; i++ {
		bearing := 2 * math.Pi * float64(i) / circleVertices
		lat2 := math.Asin(math.Sin(lat1)*math.Cos(angular) + math.Cos(lat1)*math.Sin(angular)*math.Cos(bearing))
		lon2 := lon1 + math.Atan2(math.Sin(bearing)*math.Sin(angular)*math.Cos(lat1),
			math.Cos(angular)-math.Sin(lat1)*math.Sin(lat2))
		ring = append(ring, orb.Point{lon2 * 180 / math.Pi, lat2 * 180 / math.Pi})
	}
	ring = append(ring, ring[0])

	return Area{ID: id, Polygon: orb.Polygon{ring}}, nil
}

// NewBoundsArea builds a rectangular avoid area from two opposite corners
func NewBoundsArea(id string, southWest, northEast Point) (Area, error) {
	if !IsValidCoordinate(southWest) || !IsValidCoordinate(northEast) {
		return Area{}, errInvalidCoordinates
	}
	bound := orb.Bound{
		Min: orb.Point{math.Min(southWest.Longitude, northEast.Longitude), math.Min(southWest.Latitude, northEast.Latitude)},
		Max: orb.Point{math.Max(southWest.Longitude, northEast.Longitude), math.Max(southWest.Latitude, northEast.Latitude)},
	}
	return Area{ID: id, Polygon: bound.ToPolygon()}, nil
}

// Contains reports whether the point lies inside the area
func (a Area) Contains(p Point) bool {
	if len(a.Polygon) == 0 {
		return false
	}
	return planar.PolygonContains(a.Polygon, orb.Point{p.Longitude, p.Latitude})
}

// Bounds returns the bounding box of the area as south-west and north-east corners
func (a Area) Bounds() (Point, Point) {
	b := a.Polygon.Bound()
	return Point{Latitude: b.Min.Lat(), Longitude: b.Min.Lon()},
		Point{Latitude: b.Max.Lat(), Longitude: b.Max.Lon()}
}

// AnyContains reports whether any of the areas contains the point
func AnyContains(areas []Area, p Point) bool {
	for _, a := range areas {
		if a.Contains(p) {
			return true
		}
	}
	return false
}
