// Package api exposes route safety assessment over JSON HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/gorilla/mux"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"github.com/safewalk/server/internal/lib/assessment"
	"github.com/safewalk/server/internal/lib/export"
	"github.com/safewalk/server/internal/lib/geo"
	"github.com/safewalk/server/internal/services"
)

// RouteService is the behaviour the handlers need from the service layer
type RouteService interface {
	CalculateSafestRoute(ctx context.Context, req assessment.Request) *assessment.Result
	Health(ctx context.Context) services.Health
}

const (
	contentTypeJSON = "application/json"
	contentTypeKML  = "application/vnd.google-earth.kml+xml"

	defaultPreference = 0.5
	maxBodyBytes      = 1 << 20
)

// Handlers serves the route safety API
type Handlers struct {
	service RouteService
}

// NewHandlers creates handlers backed by service
func NewHandlers(service RouteService) *Handlers {
	return &Handlers{service: service}
}

// NewRouter registers every endpoint under /api/v1 with CORS applied for
// the given origins. A "*" origin allows any.
func NewRouter(service RouteService, corsOrigins []string) *mux.Router {
	h := NewHandlers(service)

	// Routes live on the root router so a method mismatch is a 405, not a 404
	router := mux.NewRouter()
	router.HandleFunc("/api/v1/route/safest", h.SafestRoute).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/api/v1/healthz", h.Healthz).Methods(http.MethodGet, http.MethodOptions)

	router.Use(corsMiddleware(corsOrigins))
	return router
}

// PointJSON is a coordinate on the wire
type PointJSON struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p PointJSON) point() geo.Point {
	return geo.Point{Latitude: p.Lat, Longitude: p.Lng}
}

// AvoidAreaJSON describes an area to flag on the route. Type is one of
// polygon, circle or bounds.
type AvoidAreaJSON struct {
	ID           string      `json:"id,omitempty"`
	Type         string      `json:"type"`
	Points       []PointJSON `json:"points,omitempty"`
	Center       *PointJSON  `json:"center,omitempty"`
	RadiusMeters float64     `json:"radius_meters,omitempty"`
	SouthWest    *PointJSON  `json:"south_west,omitempty"`
	NorthEast    *PointJSON  `json:"north_east,omitempty"`
}

// SafestRouteRequest is the body of POST /api/v1/route/safest
type SafestRouteRequest struct {
	Start         *PointJSON      `json:"start"`
	End           *PointJSON      `json:"end"`
	Preference    *float64        `json:"preference,omitempty"`
	DepartureTime *time.Time      `json:"departure_time,omitempty"`
	AvoidAreas    []AvoidAreaJSON `json:"avoid_areas,omitempty"`
}

// SafestRoute assesses a route. The response is the assessment result as
// JSON, or KML when format=kml is requested and the assessment succeeded.
func (h *Handlers) SafestRoute(w http.ResponseWriter, r *http.Request) {
	var body SafestRouteRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	req, err := body.toRequest()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result := h.service.CalculateSafestRoute(r.Context(), req)

	if result.OK() && strings.EqualFold(r.URL.Query().Get("format"), "kml") {
		w.Header().Set("Content-Type", contentTypeKML)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "route-"+result.RequestID+".kml"))
		if err := export.WriteKML(w, result); err != nil {
			logging.Errorw(logging.EnsureLogger(r.Context()), "Failed to write KML", "request_id", result.RequestID, "error", err)
		}
		return
	}

	status := http.StatusOK
	if !result.OK() {
		status = runtime.HTTPStatusFromCode(result.Code.GRPCCode())
	}
	writeJSON(r.Context(), w, status, result)
}

// Healthz reports service readiness
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	health := h.service.Health(r.Context())
	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(r.Context(), w, status, health)
}

func (b SafestRouteRequest) toRequest() (assessment.Request, error) {
	if b.Start == nil || b.End == nil {
		return assessment.Request{}, errors.New("start and end are required")
	}

	req := assessment.Request{
		Start:         b.Start.point(),
		End:           b.End.point(),
		Preference:    defaultPreference,
		DepartureTime: b.DepartureTime,
	}
	if b.Preference != nil {
		req.Preference = *b.Preference
	}

	for i, a := range b.AvoidAreas {
		area, err := a.area(i)
		if err != nil {
			return assessment.Request{}, fmt.Errorf("avoid_areas[%d]: %w", i, err)
		}
		req.AvoidAreas = append(req.AvoidAreas, area)
	}
	return req, nil
}

func (a AvoidAreaJSON) area(index int) (geo.Area, error) {
	id := a.ID
	if id == "" {
		id = fmt.Sprintf("area-%d", index)
	}

	switch strings.ToLower(a.Type) {
	case "polygon":
		points := make([]geo.Point, len(a.Points))
		for i, p := range a.Points {
			points[i] = p.point()
		}
		return geo.NewPolygonArea(id, points)
	case "circle":
		if a.Center == nil {
			return geo.Area{}, errors.New("circle needs a center")
		}
		return geo.NewCircleArea(id, a.Center.point(), a.RadiusMeters)
	case "bounds":
		if a.SouthWest == nil || a.NorthEast == nil {
			return geo.Area{}, errors.New("bounds need south_west and north_east")
		}
		return geo.NewBoundsArea(id, a.SouthWest.point(), a.NorthEast.point())
	default:
		return geo.Area{}, fmt.Errorf("unknown area type %q", a.Type)
	}
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Errorw(logging.EnsureLogger(ctx), "Failed to encode response", "error", err)
	}
}

func corsMiddleware(origins []string) mux.MiddlewareFunc {
	allowAny := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAny = true
		}
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAny:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
