// Package scoring turns raw telemetry events into anomaly scores.
package scoring

import (
	"math"

	"github.com/lvonguyen/threatlens/internal/telemetry"
)

// Scorer assigns an anomaly score to an event.
//
// Implementations must be side-effect free, must not touch the event store
// and must return quickly enough to run inline in a request. They are not
// required to be deterministic.
type Scorer interface {
	Score(ev *telemetry.Event) float64
}

// Func adapts an ordinary function to the Scorer interface.
type Func func(ev *telemetry.Event) float64

// Score calls f(ev).
func (f Func) Score(ev *telemetry.Event) float64 {
	return f(ev)
}

// Safe wraps s so that it never fails its caller: a panic or a non-finite
// score yields fallback instead.
func Safe(s Scorer, fallback float64) Scorer {
	return &safeScorer{inner: s, fallback: fallback}
}

type safeScorer struct {
	inner    Scorer
	fallback float64
}

func (s *safeScorer) Score(ev *telemetry.Event) (score float64) {
	defer func() {
		if r := recover(); r != nil {
			score = s.fallback
		}
	}()

	score = s.inner.Score(ev)
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return s.fallback
	}
	return score
}
