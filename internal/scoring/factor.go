package scoring

import (
	"math"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/telemetry"
)

// factorKeys are looked up in priority order. Sensors emit anomaly_factor;
// factor is accepted as a short form.
var factorKeys = []string{"anomaly_factor", "factor"}

// FactorScorer reads a sensor-computed anomaly factor out of the payload.
//
// Payloads are comma-separated key=value pairs, for example
// "user=root, pid=1042, anomaly_factor=0.9100". When no factor is present or
// it cannot be parsed the scorer returns its default score. That value is a
// deliberate "no signal" answer and every fallback is counted so parse
// failures stay visible.
type FactorScorer struct {
	defaultScore float64
	fallbacks    prometheus.Counter
	logger       *zap.Logger
}

// NewFactorScorer creates a FactorScorer. fallbacks may be nil.
func NewFactorScorer(defaultScore float64, fallbacks prometheus.Counter, logger *zap.Logger) *FactorScorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FactorScorer{
		defaultScore: defaultScore,
		fallbacks:    fallbacks,
		logger:       logger,
	}
}

// Score implements Scorer.
func (s *FactorScorer) Score(ev *telemetry.Event) float64 {
	if v, ok := ParseFactor(ev.RawPayload); ok {
		return v
	}

	if s.fallbacks != nil {
		s.fallbacks.Inc()
	}
	s.logger.Debug("no anomaly factor in payload, using default score",
		zap.String("source", ev.Source),
		zap.String("event_type", ev.EventType),
		zap.Float64("default_score", s.defaultScore),
	)
	return s.defaultScore
}

// ParseFactor extracts the anomaly factor from a key=value payload.
func ParseFactor(payload string) (float64, bool) {
	values := make(map[string]string, len(factorKeys))
	for _, pair := range strings.Split(payload, ",") {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if _, seen := values[key]; !seen {
			values[key] = strings.TrimSpace(value)
		}
	}

	for _, key := range factorKeys {
		raw, ok := values[key]
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		return v, true
	}
	return 0, false
}
