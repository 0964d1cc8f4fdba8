package export

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safewalk/server/internal/lib/assessment"
	"github.com/safewalk/server/internal/lib/geo"
	"github.com/safewalk/server/internal/lib/riskfactors"
	"github.com/safewalk/server/internal/lib/route"
)

func TestStyleFor(t *testing.T) {
	tests := []struct {
		name    string
		segment route.Segment
		want    string
	}{
		{"unscored", route.Segment{}, StyleCaution},
		{"safe", route.Segment{SafetyScore: route.Float(0.9)}, StyleSafe},
		{"safe boundary", route.Segment{SafetyScore: route.Float(0.7)}, StyleSafe},
		{"caution", route.Segment{SafetyScore: route.Float(0.5)}, StyleCaution},
		{"hazardous", route.Segment{SafetyScore: route.Float(0.1)}, StyleHazardous},
		{"avoid wins", route.Segment{SafetyScore: route.Float(0.9), InAvoidArea: true}, StyleAvoid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StyleFor(tt.segment))
		})
	}
}

func TestWriteKML(t *testing.T) {
	result := &assessment.Result{
		Status:    assessment.StatusSuccess,
		RequestID: "req-1",
		Route: []route.Segment{
			{
				ID:           "seg_0",
				Start:        geo.Point{Latitude: 37.7749, Longitude: -122.4194},
				End:          geo.Point{Latitude: 37.7760, Longitude: -122.4180},
				LengthMeters: 170,
				SafetyScore:  route.Float(0.2),
				Anomalies: []route.AnomalyRecord{{
					Type:          "safety_score",
					OriginalScore: 0.05,
					AdjustedScore: 0.2,
				}},
			},
			{
				ID:           "seg_1",
				Start:        geo.Point{Latitude: 37.7760, Longitude: -122.4180},
				End:          geo.Point{Latitude: 37.7770, Longitude: -122.4170},
				LengthMeters: 140,
				SafetyScore:  route.Float(0.8),
			},
		},
		Metrics: &route.RouteMetrics{
			TotalDistanceMeters: 310,
			AverageSafetyScore:  0.5,
			HazardousSegments:   1,
			SegmentCount:        2,
		},
		PreferenceApplied: 0.5,
		ProcessedAt:       time.Now(),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteKML(&buf, result))
	out := buf.String()

	assert.Contains(t, out, "<kml")
	assert.Contains(t, out, "<Style id=\"hazardous\">")
	assert.Contains(t, out, "<styleUrl>#hazardous</styleUrl>")
	assert.Contains(t, out, "<styleUrl>#safe</styleUrl>")
	assert.Contains(t, out, "seg_0")
	assert.Contains(t, out, "dampened from 0.05")
	assert.Contains(t, out, "-122.4194,37.7749")
	assert.Equal(t, 4, strings.Count(out, "<Placemark>"), "two segments plus start and end")
}

func TestWriteKML_FailedResult(t *testing.T) {
	var buf bytes.Buffer
	err := WriteKML(&buf, &assessment.Result{Status: assessment.StatusError, Code: route.CodeInvalidRoute})
	assert.Error(t, err)
	assert.Zero(t, buf.Len())

	assert.Error(t, WriteKML(&buf, nil))
}

func TestWriteKML_FromEngine(t *testing.T) {
	fetcher, err := riskfactors.NewFetcher(riskfactors.NeutralProviders(), nil, riskfactors.DefaultFetcherConfig(), nil)
	require.NoError(t, err)
	engine, err := assessment.NewEngine(route.NewStraightLineSupplier(0), fetcher, assessment.DefaultConfig())
	require.NoError(t, err)

	result := engine.CalculateSafestRoute(context.Background(), assessment.Request{
		Start:      geo.Point{Latitude: 37.7749, Longitude: -122.4194},
		End:        geo.Point{Latitude: 37.7849, Longitude: -122.4094},
		Preference: 0.5,
	})
	require.True(t, result.OK(), result.Message)

	var buf bytes.Buffer
	require.NoError(t, WriteKML(&buf, result))
	assert.Contains(t, buf.String(), "<Placemark>")
}
