// Package query serves the read side: recent reviewed threats for the
// monitoring surface and the raw event listing.
package query

import (
	"context"

	"github.com/lvonguyen/threatlens/internal/store"
	"github.com/lvonguyen/threatlens/internal/telemetry"
)

const (
	// ThreatLimit bounds the reviewed-threat view.
	ThreatLimit = 100

	DefaultEventLimit = 100
	MaxEventLimit     = 500
)

// Service reads committed state only. It never scores or reviews.
type Service struct {
	store store.Store
}

// New creates a Service over st.
func New(st store.Store) *Service {
	return &Service{store: st}
}

// ListRecentReviewed returns the most recent reviewed events, newest first.
func (s *Service) ListRecentReviewed(ctx context.Context) ([]telemetry.ReviewedEvent, error) {
	rows, err := s.store.ListRecentReviewed(ctx, ThreatLimit)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []telemetry.ReviewedEvent{}
	}
	return rows, nil
}

// ListRecentEvents returns raw events, reviewed or not. A non-positive
// limit means DefaultEventLimit; larger values are capped at MaxEventLimit.
func (s *Service) ListRecentEvents(ctx context.Context, limit int) ([]telemetry.Event, error) {
	rows, err := s.store.ListRecentEvents(ctx, ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []telemetry.Event{}
	}
	return rows, nil
}

// ClampLimit normalizes a caller-supplied event limit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultEventLimit
	case limit > MaxEventLimit:
		return MaxEventLimit
	default:
		return limit
	}
}
