package google

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/safewalk/server/internal/lib/geo"
	"github.com/safewalk/server/internal/lib/route"
)

// MockHTTPDoer is a mock implementation of HTTPDoer
type MockHTTPDoer struct {
	mock.Mock
}

func (m *MockHTTPDoer) Do(req *http.Request) (*http.Response, error) {
	args := m.Called(req)
	resp, _ := args.Get(0).(*http.Response)
	return resp, args.Error(1)
}

// Helper function to create mock HTTP response
func createMockResponse(statusCode int, body string) *http.Response {
	return &http.Response{
		StatusCode: statusCode,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

// Polyline from the Google encoding documentation
const samplePolyline = "_p~iF~ps|U_ulLnnqC_mqNvxq`@"

const twoRoutes = `{
  "routes": [
    {"duration": "1800s", "distanceMeters": 2400, "polyline": {"encodedPolyline": "_p~iF~ps|U_ulLnnqC_mqNvxq` + "`" + `@"}},
    {"duration": "2100s", "distanceMeters": 2700, "polyline": {"encodedPolyline": "_p~iF~ps|U_ulLnnqC"}}
  ]
}`

var request = route.RouteRequest{
	Start: geo.Point{Latitude: 38.5, Longitude: -120.2},
	End:   geo.Point{Latitude: 43.252, Longitude: -126.453},
}

func TestGetCandidateRoutes_Success(t *testing.T) {
	mockHTTP := &MockHTTPDoer{}
	mockHTTP.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		return req.Header.Get("X-Goog-Api-Key") == "test-api-key" &&
			req.Header.Get("X-Goog-FieldMask") == fieldMask &&
			strings.HasSuffix(req.URL.Path, "/directions/v2:computeRoutes")
	})).Return(createMockResponse(200, twoRoutes), nil)

	client := NewClientWithHTTPDoer("test-api-key", "https://routes.test", mockHTTP, WithAlternatives(true))

	routes, err := client.GetCandidateRoutes(context.Background(), request)
	require.NoError(t, err)
	require.Len(t, routes, 2)

	assert.Len(t, routes[0].Coordinates, 3)
	assert.InDelta(t, 38.5, routes[0].Coordinates[0].Latitude, 1e-5)
	assert.InDelta(t, -120.2, routes[0].Coordinates[0].Longitude, 1e-5)
	assert.Equal(t, 2400.0, routes[0].DistanceMeters)
	assert.Equal(t, 1800.0, routes[0].DurationSeconds)
	assert.Len(t, routes[1].Coordinates, 2)

	mockHTTP.AssertExpectations(t)
}

func TestGetBaseRoute_ReturnsPrimary(t *testing.T) {
	mockHTTP := &MockHTTPDoer{}
	mockHTTP.On("Do", mock.Anything).Return(createMockResponse(200, twoRoutes), nil)

	client := NewClientWithHTTPDoer("key", "https://routes.test", mockHTTP)
	base, err := client.GetBaseRoute(context.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, 2400.0, base.DistanceMeters)
}

func TestBuildRequest(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client := NewClientWithHTTPDoer("key", "https://routes.test", &MockHTTPDoer{}, WithTravelMode("bicycle"), WithAlternatives(true))
	client.now = func() time.Time { return now }

	req := request
	req.DepartureTime = now.Add(time.Hour)
	body, err := json.Marshal(client.buildRequest(req))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "BICYCLE", decoded["travelMode"])
	assert.Equal(t, true, decoded["computeAlternativeRoutes"])
	assert.Equal(t, "2026-03-01T13:00:00Z", decoded["departureTime"])

	req.DepartureTime = now.Add(-time.Hour)
	assert.Empty(t, client.buildRequest(req).DepartureTime, "past departure times are omitted")
}

func TestGetCandidateRoutes_NoRoutes(t *testing.T) {
	mockHTTP := &MockHTTPDoer{}
	mockHTTP.On("Do", mock.Anything).Return(createMockResponse(200, `{"routes": []}`), nil)

	client := NewClientWithHTTPDoer("key", "https://routes.test", mockHTTP)
	_, err := client.GetCandidateRoutes(context.Background(), request)
	require.Error(t, err)
	assert.ErrorIs(t, err, route.ErrInvalidRoute)
}

func TestGetCandidateRoutes_ClientErrorNotRetried(t *testing.T) {
	mockHTTP := &MockHTTPDoer{}
	mockHTTP.On("Do", mock.Anything).Return(createMockResponse(403, `{"error": "API key invalid"}`), nil).Once()

	client := NewClientWithHTTPDoer("bad-key", "https://routes.test", mockHTTP)
	_, err := client.GetCandidateRoutes(context.Background(), request)
	require.Error(t, err)
	assert.ErrorIs(t, err, route.ErrProvider)
	assert.Contains(t, err.Error(), "403")
	mockHTTP.AssertNumberOfCalls(t, "Do", 1)
}

func TestGetCandidateRoutes_RetriesServerErrors(t *testing.T) {
	mockHTTP := &MockHTTPDoer{}
	mockHTTP.On("Do", mock.Anything).Return(createMockResponse(503, "unavailable"), nil).Once()
	mockHTTP.On("Do", mock.Anything).Return(createMockResponse(200, twoRoutes), nil).Once()

	client := NewClientWithHTTPDoer("key", "https://routes.test", mockHTTP)
	routes, err := client.GetCandidateRoutes(context.Background(), request)
	require.NoError(t, err)
	assert.Len(t, routes, 2)
	mockHTTP.AssertNumberOfCalls(t, "Do", 2)
}

func TestGetCandidateRoutes_NetworkErrorWithCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mockHTTP := &MockHTTPDoer{}
	mockHTTP.On("Do", mock.Anything).Return(nil, errors.New("connection refused"))

	client := NewClientWithHTTPDoer("key", "https://routes.test", mockHTTP)
	_, err := client.GetCandidateRoutes(ctx, request)
	require.Error(t, err)
	assert.ErrorIs(t, err, route.ErrProvider)
}

func TestGetCandidateRoutes_InvalidCoordinates(t *testing.T) {
	client := NewClientWithHTTPDoer("key", "https://routes.test", &MockHTTPDoer{})
	_, err := client.GetCandidateRoutes(context.Background(), route.RouteRequest{
		Start: geo.Point{Latitude: 91},
		End:   geo.Point{},
	})
	assert.ErrorIs(t, err, route.ErrInvalidRoute)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input    string
		expected float64
		wantErr  bool
	}{
		{"450s", 450, false},
		{"12.5s", 12.5, false},
		{"", 0, false},
		{"abc", 0, true},
		{"-3s", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseDuration(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestSamplePolylineDecodes(t *testing.T) {
	points, err := geo.NewGeoUtils().DecodePolyline(samplePolyline)
	require.NoError(t, err)
	assert.Len(t, points, 3)
}
