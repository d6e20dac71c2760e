package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/ingestion"
	"github.com/lvonguyen/threatlens/internal/observability"
)

// BatchSender is implemented by *ingestion.HECSender.
type BatchSender interface {
	SendBatch(ctx context.Context, events []ingestion.HECEvent) error
}

// HECPublisher forwards notices to a Splunk HEC endpoint.
type HECPublisher struct {
	sender  BatchSender
	batcher *batcher
}

// NewHECPublisher starts a publisher on top of sender.
func NewHECPublisher(sender BatchSender, batch BatchConfig, logger *zap.Logger, metrics *observability.Metrics) *HECPublisher {
	p := &HECPublisher{sender: sender}
	p.batcher = newBatcher("hec", batch, p.send, logger, metrics)
	return p
}

// Publish implements Publisher.
func (p *HECPublisher) Publish(n *ThreatNotice) {
	p.batcher.enqueue(n)
}

func (p *HECPublisher) send(ctx context.Context, batch []*ThreatNotice) error {
	events := make([]ingestion.HECEvent, 0, len(batch))
	for _, n := range batch {
		events = append(events, ingestion.HECEvent{
			Time:  float64(n.DetectedAt.UnixNano()) / 1e9,
			Event: n,
			Fields: map[string]any{
				"event_id":      n.EventID,
				"sensor":        n.Source,
				"anomaly_score": n.AnomalyScore,
				"confidence":    n.Confidence,
			},
		})
	}
	return p.sender.SendBatch(ctx, events)
}

// Close drains pending notices.
func (p *HECPublisher) Close() error {
	p.batcher.close()
	return nil
}
