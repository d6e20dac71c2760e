// Package pipeline runs the ingestion path for one telemetry event:
// validate, score, persist, review when anomalous, persist the review and
// answer the caller.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/notify"
	"github.com/lvonguyen/threatlens/internal/observability"
	"github.com/lvonguyen/threatlens/internal/review"
	"github.com/lvonguyen/threatlens/internal/scoring"
	"github.com/lvonguyen/threatlens/internal/store"
	"github.com/lvonguyen/threatlens/internal/telemetry"
)

// AnomalyThreshold is the score above which an event is reviewed.
const AnomalyThreshold = 0.5

// Mitigation sentinels returned when no review is attached.
const (
	MitigationBelowThreshold    = "N/A — below anomaly threshold"
	MitigationReviewUnavailable = "review unavailable"
)

// ErrInvalidEvent is returned when a submission is missing a required field
// or carries text that cannot be stored verbatim.
var ErrInvalidEvent = errors.New("invalid event")

// State is a step of the per-request state machine.
type State string

const (
	StateReceived      State = "RECEIVED"
	StateScored        State = "SCORED"
	StatePersisted     State = "PERSISTED"
	StateReviewPending State = "REVIEW_PENDING"
	StateReviewed      State = "REVIEWED"
	StateReviewFailed  State = "REVIEW_FAILED"
	StateResponded     State = "RESPONDED"
)

// IsAnomalous reports whether score crosses AnomalyThreshold.
func IsAnomalous(score float64) bool {
	return score > AnomalyThreshold
}

// Submission is the caller's view of an event before it is stored.
type Submission struct {
	Source    string `json:"source" validate:"notblank,storable"`
	Timestamp string `json:"timestamp" validate:"notblank,storable"`
	EventType string `json:"event_type" validate:"notblank,storable"`
	Data      string `json:"data" validate:"notblank,storable"`
}

// Result is returned to the caller once the event has been handled.
type Result struct {
	Event      telemetry.Event
	Mitigation string
	Confidence float64
	State      State // REVIEWED, REVIEW_FAILED or SCORED for non-anomalous events
}

// Config holds pipeline tuning.
type Config struct {
	ReviewTimeout time.Duration `yaml:"review_timeout"`
	DefaultScore  float64       `yaml:"default_score"`
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		ReviewTimeout: 5 * time.Second,
		DefaultScore:  0.0,
	}
}

// Dependencies are the collaborators a Pipeline is built from. Store, Scorer
// and Engine are required.
type Dependencies struct {
	Store     store.Store
	Scorer    scoring.Scorer
	Engine    review.Engine
	Publisher notify.Publisher
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Tracer    trace.Tracer
}

// Pipeline handles ingestion requests. It is safe for concurrent use.
type Pipeline struct {
	config    Config
	store     store.Store
	scorer    scoring.Scorer
	engine    review.Engine
	publisher notify.Publisher
	logger    *zap.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
	validate  *validator.Validate
}

// New creates a Pipeline.
func New(cfg Config, deps Dependencies) (*Pipeline, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("pipeline: store is required")
	}
	if deps.Scorer == nil {
		return nil, fmt.Errorf("pipeline: scorer is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("pipeline: review engine is required")
	}
	if cfg.ReviewTimeout <= 0 {
		cfg.ReviewTimeout = DefaultConfig().ReviewTimeout
	}
	if deps.Publisher == nil {
		deps.Publisher = notify.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("threatlens/pipeline")
	}

	return &Pipeline{
		config:    cfg,
		store:     deps.Store,
		scorer:    scoring.Safe(deps.Scorer, cfg.DefaultScore),
		engine:    deps.Engine,
		publisher: deps.Publisher,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		validate:  newValidator(),
	}, nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	v.RegisterValidation("storable", func(fl validator.FieldLevel) bool {
		return store.StorableText(fl.Field().String())
	})
	return v
}

// Validate checks a submission without touching the store.
func (p *Pipeline) Validate(sub Submission) error {
	err := p.validate.Struct(sub)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		var blank, unstorable []string
		for _, fe := range verrs {
			if fe.Tag() == "storable" {
				unstorable = append(unstorable, fe.Field())
				continue
			}
			blank = append(blank, fe.Field())
		}
		var problems []string
		if len(blank) > 0 {
			problems = append(problems, "missing or blank field(s): "+strings.Join(blank, ", "))
		}
		if len(unstorable) > 0 {
			problems = append(problems, "invalid UTF-8 or NUL byte in field(s): "+strings.Join(unstorable, ", "))
		}
		return fmt.Errorf("%w: %s", ErrInvalidEvent, strings.Join(problems, "; "))
	}
	return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
}

// Ingest runs one submission through the pipeline. Review failures are
// absorbed into the result; only invalid input and store outages are
// returned as errors.
func (p *Pipeline) Ingest(ctx context.Context, sub Submission) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.Ingest",
		trace.WithAttributes(
			attribute.String("event.source", sub.Source),
			attribute.String("event.type", sub.EventType),
		))
	defer span.End()

	p.transition(0, StateReceived)
	if err := p.Validate(sub); err != nil {
		span.SetStatus(codes.Error, "invalid event")
		return nil, err
	}

	ev := &telemetry.Event{
		Timestamp:  sub.Timestamp,
		Source:     sub.Source,
		EventType:  sub.EventType,
		RawPayload: sub.Data,
	}
	ev.AnomalyScore = p.score(ctx, ev)
	ev.IsAnomalous = IsAnomalous(ev.AnomalyScore)
	p.transition(0, StateScored)

	id, err := p.persistEvent(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist event")
		return nil, err
	}
	ev.ID = id
	span.SetAttributes(attribute.Int64("event.id", id), attribute.Float64("event.anomaly_score", ev.AnomalyScore))
	p.transition(id, StatePersisted)
	p.metrics.ObserveIngest(ev.Source, ev.IsAnomalous)

	res := &Result{Event: *ev}
	if !ev.IsAnomalous {
		res.Mitigation = MitigationBelowThreshold
		res.State = StateScored
		p.metrics.ObserveReview(observability.ReviewOutcomeSkipped, 0)
		p.transition(id, StateResponded)
		return res, nil
	}

	p.transition(id, StateReviewPending)
	rv, err := p.reviewAndPersist(ctx, ev)
	switch {
	case err == nil:
		res.Mitigation = rv.Mitigation
		res.Confidence = rv.Confidence
		res.State = StateReviewed
		p.transition(id, StateReviewed)
		p.publisher.Publish(notify.NewThreatNotice(ev, rv))
	case errors.Is(err, store.ErrStoreUnavailable):
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist review")
		return nil, err
	default:
		res.Mitigation = MitigationReviewUnavailable
		res.State = StateReviewFailed
		p.transition(id, StateReviewFailed)
	}

	p.transition(id, StateResponded)
	return res, nil
}

func (p *Pipeline) score(ctx context.Context, ev *telemetry.Event) float64 {
	_, span := p.tracer.Start(ctx, "pipeline.score")
	defer span.End()
	return p.scorer.Score(ev)
}

func (p *Pipeline) persistEvent(ctx context.Context, ev *telemetry.Event) (int64, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.persist_event")
	defer span.End()

	id, err := p.store.InsertEvent(ctx, ev)
	if errors.Is(err, store.ErrUnstorable) {
		p.logger.Warn("Event rejected by store",
			zap.String("source", ev.Source),
			zap.String("event_type", ev.EventType),
			zap.Error(err),
		)
		return 0, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if err != nil {
		p.logger.Error("Failed to persist event",
			zap.String("source", ev.Source),
			zap.String("event_type", ev.EventType),
			zap.Error(err),
		)
		if !errors.Is(err, store.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", store.ErrStoreUnavailable, err)
		}
		return 0, err
	}
	return id, nil
}

// reviewAndPersist returns the stored review, review.ErrReviewUnavailable
// when no review could be attached (including a cancelled request), or a
// store availability error.
func (p *Pipeline) reviewAndPersist(ctx context.Context, ev *telemetry.Event) (*telemetry.Review, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.review", trace.WithAttributes(attribute.Int64("event.id", ev.ID)))
	defer span.End()

	start := time.Now()
	a, err := p.runReview(ctx, ev.RawPayload)
	elapsed := time.Since(start)
	if err != nil {
		p.logger.Warn("Review unavailable",
			zap.Int64("event_id", ev.ID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		p.metrics.ObserveReview(observability.ReviewOutcomeFailed, elapsed)
		span.RecordError(err)
		return nil, err
	}

	rv := telemetry.NewReview(ev.ID, *a)
	err = p.store.InsertReview(ctx, ev.ID, rv)
	switch {
	case err == nil:
		p.metrics.ObserveReview(observability.ReviewOutcomeReviewed, elapsed)
		return rv, nil
	case errors.Is(err, store.ErrDuplicateReview), errors.Is(err, store.ErrUnknownEvent), errors.Is(err, store.ErrUnstorable):
		p.logger.Error("Review rejected by store",
			zap.Int64("event_id", ev.ID),
			zap.Error(err),
		)
		p.metrics.ObserveReview(observability.ReviewOutcomeDefect, elapsed)
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %w", review.ErrReviewUnavailable, err)
	case errors.Is(err, context.Canceled):
		// caller went away; the store itself is fine
		p.logger.Warn("Request cancelled before review was stored",
			zap.Int64("event_id", ev.ID),
			zap.Error(err),
		)
		p.metrics.ObserveReview(observability.ReviewOutcomeCanceled, elapsed)
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %w", review.ErrReviewUnavailable, context.Canceled)
	default:
		p.logger.Error("Failed to persist review",
			zap.Int64("event_id", ev.ID),
			zap.Error(err),
		)
		p.metrics.ObserveReview(observability.ReviewOutcomeFailed, elapsed)
		if !errors.Is(err, store.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", store.ErrStoreUnavailable, err)
		}
		return nil, err
	}
}

type reviewOutcome struct {
	assessment *telemetry.Assessment
	err        error
}

// runReview calls the engine under the review timeout. A panic, an error,
// a deadline or an invalid assessment all yield review.ErrReviewUnavailable.
func (p *Pipeline) runReview(ctx context.Context, payload string) (*telemetry.Assessment, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.ReviewTimeout)
	defer cancel()

	done := make(chan reviewOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reviewOutcome{err: fmt.Errorf("%w: engine panic: %v", review.ErrReviewUnavailable, r)}
			}
		}()
		a, err := p.engine.Review(ctx, payload)
		done <- reviewOutcome{assessment: a, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", review.ErrReviewUnavailable, ctx.Err())
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, review.ErrReviewUnavailable) {
				return nil, out.err
			}
			return nil, fmt.Errorf("%w: %w", review.ErrReviewUnavailable, out.err)
		}
		if err := review.Validate(out.assessment); err != nil {
			return nil, err
		}
		return out.assessment, nil
	}
}

func (p *Pipeline) transition(eventID int64, state State) {
	p.logger.Debug("Pipeline state",
		zap.Int64("event_id", eventID),
		zap.String("state", string(state)),
	)
}
