// Package review produces human-readable assessments for anomalous telemetry.
//
// An Engine may be slow, non-deterministic and may fail. Callers are expected
// to bound every call with a context deadline and treat any failure as
// "review unavailable" rather than a request error.
package review

import (
	"context"
	"errors"
	"fmt"

	"github.com/lvonguyen/threatlens/internal/telemetry"
)

// ErrReviewUnavailable is returned when an engine cannot produce an
// assessment: it failed, timed out, panicked or returned nothing usable.
var ErrReviewUnavailable = errors.New("review unavailable")

// Engine assesses the raw payload of an anomalous event.
type Engine interface {
	Review(ctx context.Context, payload string) (*telemetry.Assessment, error)
}

// Func adapts an ordinary function to the Engine interface.
type Func func(ctx context.Context, payload string) (*telemetry.Assessment, error)

// Review calls f(ctx, payload).
func (f Func) Review(ctx context.Context, payload string) (*telemetry.Assessment, error) {
	return f(ctx, payload)
}

// Validate rejects assessments that cannot be persisted as-is.
func Validate(a *telemetry.Assessment) error {
	if a == nil {
		return fmt.Errorf("%w: empty assessment", ErrReviewUnavailable)
	}
	if a.Confidence < 0 || a.Confidence > 1 || a.Confidence != a.Confidence {
		return fmt.Errorf("%w: confidence %v out of range", ErrReviewUnavailable, a.Confidence)
	}
	return nil
}
