package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/safewalk/server/internal/lib/assessment"
	"github.com/safewalk/server/internal/lib/geo"
	"github.com/safewalk/server/internal/lib/route"
	"github.com/safewalk/server/internal/services"
)

type MockRouteService struct {
	mock.Mock
}

func (m *MockRouteService) CalculateSafestRoute(ctx context.Context, req assessment.Request) *assessment.Result {
	args := m.Called(ctx, req)
	return args.Get(0).(*assessment.Result)
}

func (m *MockRouteService) Health(ctx context.Context) services.Health {
	args := m.Called(ctx)
	return args.Get(0).(services.Health)
}

var processed = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func successResult() *assessment.Result {
	return &assessment.Result{
		Status:    assessment.StatusSuccess,
		RequestID: "req-1",
		Route: []route.Segment{{
			ID:           "seg-0",
			Start:        geo.Point{Latitude: 37.7749, Longitude: -122.4194},
			End:          geo.Point{Latitude: 37.7759, Longitude: -122.4184},
			LengthMeters: 140,
			SafetyScore:  route.Float(0.8),
		}},
		Metrics:           &route.RouteMetrics{SegmentCount: 1, AverageSafetyScore: 0.8},
		PreferenceApplied: 0.5,
		DepartureTime:     processed,
		ProcessedAt:       processed,
	}
}

func post(t *testing.T, router http.Handler, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

const validBody = `{"start":{"lat":37.7749,"lng":-122.4194},"end":{"lat":37.7799,"lng":-122.4144}}`

func TestSafestRoute_Success(t *testing.T) {
	svc := new(MockRouteService)
	svc.On("CalculateSafestRoute", mock.Anything, mock.MatchedBy(func(req assessment.Request) bool {
		return req.Start.Latitude == 37.7749 && req.End.Longitude == -122.4144 &&
			req.Preference == defaultPreference && req.DepartureTime == nil
	})).Return(successResult())

	rec := post(t, NewRouter(svc, []string{"*"}), "/api/v1/route/safest", validBody)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, contentTypeJSON, rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var got assessment.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, assessment.StatusSuccess, got.Status)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Len(t, got.Route, 1)
	svc.AssertExpectations(t)
}

func TestSafestRoute_PassesOptions(t *testing.T) {
	svc := new(MockRouteService)
	svc.On("CalculateSafestRoute", mock.Anything, mock.MatchedBy(func(req assessment.Request) bool {
		return req.Preference == 0.9 &&
			req.DepartureTime != nil && req.DepartureTime.Equal(processed) &&
			len(req.AvoidAreas) == 2 &&
			req.AvoidAreas[0].ID == "park" &&
			req.AvoidAreas[1].ID == "area-1"
	})).Return(successResult())

	body := `{
		"start":{"lat":37.7749,"lng":-122.4194},
		"end":{"lat":37.7799,"lng":-122.4144},
		"preference":0.9,
		"departure_time":"2026-03-14T12:00:00Z",
		"avoid_areas":[
			{"id":"park","type":"circle","center":{"lat":37.776,"lng":-122.418},"radius_meters":100},
			{"type":"polygon","points":[{"lat":37.77,"lng":-122.42},{"lat":37.78,"lng":-122.42},{"lat":37.78,"lng":-122.41}]}
		]
	}`
	rec := post(t, NewRouter(svc, nil), "/api/v1/route/safest", body)

	assert.Equal(t, http.StatusOK, rec.Code)
	svc.AssertExpectations(t)
}

func TestSafestRoute_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"start":`},
		{"unknown field", `{"start":{"lat":1,"lng":2},"end":{"lat":1,"lng":3},"speed":1}`},
		{"missing end", `{"start":{"lat":1,"lng":2}}`},
		{"unknown area type", `{"start":{"lat":1,"lng":2},"end":{"lat":1,"lng":3},"avoid_areas":[{"type":"hexagon"}]}`},
		{"circle without center", `{"start":{"lat":1,"lng":2},"end":{"lat":1,"lng":3},"avoid_areas":[{"type":"circle","radius_meters":5}]}`},
		{"polygon too small", `{"start":{"lat":1,"lng":2},"end":{"lat":1,"lng":3},"avoid_areas":[{"type":"polygon","points":[{"lat":1,"lng":2}]}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockRouteService)
			rec := post(t, NewRouter(svc, nil), "/api/v1/route/safest", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			svc.AssertNotCalled(t, "CalculateSafestRoute", mock.Anything, mock.Anything)
		})
	}
}

func TestSafestRoute_ErrorCodesMapToStatus(t *testing.T) {
	tests := []struct {
		code   route.ErrorCode
		status int
	}{
		{route.CodeInvalidRoute, http.StatusBadRequest},
		{route.CodeInvalidPreference, http.StatusBadRequest},
		{route.CodeRouteTooComplex, http.StatusBadRequest},
		{route.CodeScoring, http.StatusBadRequest},
		{route.CodeProvider, http.StatusServiceUnavailable},
		{route.CodeRouteCalculationError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			svc := new(MockRouteService)
			svc.On("CalculateSafestRoute", mock.Anything, mock.Anything).Return(&assessment.Result{
				Status:    assessment.StatusError,
				RequestID: "req-err",
				Code:      tt.code,
				Message:   "failed",
			})

			rec := post(t, NewRouter(svc, nil), "/api/v1/route/safest?format=kml", validBody)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, contentTypeJSON, rec.Header().Get("Content-Type"))
			var got assessment.Result
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.code, got.Code)
			assert.Equal(t, "failed", got.Message)
		})
	}
}

func TestSafestRoute_KML(t *testing.T) {
	svc := new(MockRouteService)
	svc.On("CalculateSafestRoute", mock.Anything, mock.Anything).Return(successResult())

	rec := post(t, NewRouter(svc, nil), "/api/v1/route/safest?format=KML", validBody)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, contentTypeKML, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "route-req-1.kml")
	assert.Contains(t, rec.Body.String(), "<kml")
	assert.Contains(t, rec.Body.String(), "<Placemark>")
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name   string
		health services.Health
		status int
	}{
		{"ok", services.Health{Status: "ok", Factors: []string{"time_of_day"}}, http.StatusOK},
		{"degraded", services.Health{Status: "degraded", Checks: map[string]string{"reports_database": "connection refused"}}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockRouteService)
			svc.On("Health", mock.Anything).Return(tt.health)

			rec := httptest.NewRecorder()
			NewRouter(svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/healthz", nil))

			assert.Equal(t, tt.status, rec.Code)
			var got services.Health
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.health.Status, got.Status)
		})
	}
}

func TestCORS(t *testing.T) {
	svc := new(MockRouteService)
	router := NewRouter(svc, []string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/route/safest", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
	svc.AssertNotCalled(t, "CalculateSafestRoute", mock.Anything, mock.Anything)

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/route/safest", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	tests := []struct {
		method string
		target string
		status int
	}{
		{http.MethodGet, "/api/v1/route/safest", http.StatusMethodNotAllowed},
		{http.MethodPut, "/api/v1/route/safest", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/v1/healthz", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/unknown", http.StatusNotFound},
	}

	router := NewRouter(new(MockRouteService), nil)
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}
