// Package notify forwards reviewed threats to downstream consumers.
//
// Publishing never blocks the ingestion path: publishers buffer notices and
// deliver them in the background, dropping when the buffer is full.
package notify

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/telemetry"
)

// ThreatNotice is the message emitted for every reviewed anomaly.
type ThreatNotice struct {
	NoticeID     string    `json:"notice_id"`
	EventID      int64     `json:"event_id"`
	Timestamp    string    `json:"timestamp"`
	Source       string    `json:"source"`
	EventType    string    `json:"event_type"`
	AnomalyScore float64   `json:"anomaly_score"`
	Narrative    string    `json:"narrative"`
	Mitigation   string    `json:"mitigation"`
	Confidence   float64   `json:"confidence"`
	DetectedAt   time.Time `json:"detected_at"`
}

// NewThreatNotice builds a notice for a persisted event and its review.
func NewThreatNotice(ev *telemetry.Event, rv *telemetry.Review) *ThreatNotice {
	return &ThreatNotice{
		NoticeID:     uuid.NewString(),
		EventID:      ev.ID,
		Timestamp:    ev.Timestamp,
		Source:       ev.Source,
		EventType:    ev.EventType,
		AnomalyScore: ev.AnomalyScore,
		Narrative:    rv.Narrative,
		Mitigation:   rv.Mitigation,
		Confidence:   rv.Confidence,
		DetectedAt:   time.Now().UTC(),
	}
}

// Publisher accepts notices without blocking the caller.
type Publisher interface {
	Publish(n *ThreatNotice)
	Close() error
}

// Nop discards every notice.
type Nop struct{}

func (Nop) Publish(*ThreatNotice) {}
func (Nop) Close() error          { return nil }

// LogPublisher writes notices to the structured log.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(n *ThreatNotice) {
	p.logger.Warn("Threat reviewed",
		zap.String("notice_id", n.NoticeID),
		zap.Int64("event_id", n.EventID),
		zap.String("source", n.Source),
		zap.String("event_type", n.EventType),
		zap.Float64("anomaly_score", n.AnomalyScore),
		zap.Float64("confidence", n.Confidence),
		zap.String("mitigation", n.Mitigation),
	)
}

// Close implements Publisher.
func (p *LogPublisher) Close() error { return nil }

// Fanout publishes every notice to all of its members.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(n *ThreatNotice) {
	for _, p := range f {
		p.Publish(n)
	}
}

// Close closes every member and joins their errors.
func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
