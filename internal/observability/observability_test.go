package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"bogus", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(Config{ServiceName: "threatlens", LogLevel: tt.level, LogFormat: "json"})
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.want))
			if tt.want > zapcore.DebugLevel {
				assert.False(t, logger.Core().Enabled(tt.want-1))
			}
		})
	}
}

func TestNew_MetricsDisabled(t *testing.T) {
	tel, err := New(Config{ServiceName: "threatlens"})
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	assert.Nil(t, tel.Metrics())
	assert.NotNil(t, tel.Tracer())

	// nil-safe helpers
	tel.Metrics().ObserveIngest("host-sensor", true)
	tel.Metrics().ObserveReview(ReviewOutcomeReviewed, time.Millisecond)
	assert.Nil(t, tel.Metrics().ScoreFallbackCounter())
}

func TestNew_IndependentRegistries(t *testing.T) {
	a, err := New(Config{ServiceName: "a", MetricsEnabled: true})
	require.NoError(t, err)
	b, err := New(Config{ServiceName: "b", MetricsEnabled: true})
	require.NoError(t, err, "a second instance must not collide on registration")

	a.Metrics().ObserveIngest("host-sensor", false)
	assert.Equal(t, float64(1), testutil.ToFloat64(a.Metrics().EventsIngested.WithLabelValues("host-sensor")))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.Metrics().EventsIngested.WithLabelValues("host-sensor")))
}

func TestMetrics_Helpers(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveIngest("network-sensor", true)
	m.ObserveReview(ReviewOutcomeFailed, 0)
	m.ObserveNotification("kafka", true)
	m.ObserveNotification("kafka", false)
	m.ObserveHEC("accepted", 3)
	m.ObserveRateLimited()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Anomalies.WithLabelValues("network-sensor")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReviewOutcomes.WithLabelValues(ReviewOutcomeFailed)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.NotificationsSent.WithLabelValues("kafka")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.NotificationsDropped.WithLabelValues("kafka")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.HECEvents.WithLabelValues("accepted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RateLimited))
}

func TestMetricsHandler_ServesRegistry(t *testing.T) {
	tel, err := New(Config{ServiceName: "threatlens", MetricsEnabled: true})
	require.NoError(t, err)
	tel.Metrics().ObserveIngest("host-sensor", false)

	rec := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(body), `threatlens_events_ingested_total{source="host-sensor"} 1`)
}
