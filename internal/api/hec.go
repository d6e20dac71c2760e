package api

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/ingestion"
	"github.com/lvonguyen/threatlens/internal/observability"
	"github.com/lvonguyen/threatlens/internal/pipeline"
	"github.com/lvonguyen/threatlens/internal/store"
)

// HECHandler feeds HEC batches into the pipeline. The whole batch is
// validated before anything is stored, so a malformed event rejects the
// batch without writes. A store outage mid-batch keeps the events already
// ingested and answers busy so the sender retries.
func HECHandler(p *pipeline.Pipeline, logger *zap.Logger, metrics *observability.Metrics) ingestion.EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, events []ingestion.HECEvent) error {
		subs := make([]pipeline.Submission, len(events))
		for i, ev := range events {
			rec := ev.ToRecord()
			subs[i] = pipeline.Submission{
				Source:    rec.Source,
				Timestamp: rec.Timestamp,
				EventType: rec.EventType,
				Data:      rec.Data,
			}
			if err := p.Validate(subs[i]); err != nil {
				metrics.ObserveHEC("rejected", len(events))
				return fmt.Errorf("%w: event %d: %w", ingestion.ErrRejected, i, err)
			}
		}

		for i, sub := range subs {
			if _, err := p.Ingest(ctx, sub); err != nil {
				metrics.ObserveHEC("accepted", i)
				metrics.ObserveHEC("failed", len(subs)-i)
				logger.Error("HEC ingest failed",
					zap.Int("index", i),
					zap.Int("batch_size", len(subs)),
					zap.Error(err),
				)
				switch {
				case errors.Is(err, pipeline.ErrInvalidEvent):
					return fmt.Errorf("%w: %w", ingestion.ErrRejected, err)
				case errors.Is(err, store.ErrStoreUnavailable):
					return fmt.Errorf("%w: %w", ingestion.ErrBusy, err)
				default:
					return err
				}
			}
		}
		metrics.ObserveHEC("accepted", len(subs))
		return nil
	}
}
