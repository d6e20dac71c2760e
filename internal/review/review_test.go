package review

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/threatlens/internal/telemetry"
)

// =============================================================================
// PlaybookEngine Tests
// =============================================================================

func TestPlaybookEngine_MatchesDownloadRule(t *testing.T) {
	pe := NewPlaybookEngine(nil)

	a, err := pe.Review(context.Background(),
		"user=root, pid=1042, path=/usr/bin/bash, cmdline='wget -q -O -', anomaly_factor=0.9100")
	require.NoError(t, err)

	assert.Contains(t, a.Mitigation, "Isolate host")
	assert.Equal(t, 0.9, a.Confidence)
}

func TestPlaybookEngine_MatchIsCaseInsensitive(t *testing.T) {
	pe := NewPlaybookEngine(nil)

	a, err := pe.Review(context.Background(), "cmdline='Invoke-WebRequest http://x'")
	require.NoError(t, err)
	assert.Equal(t, 0.9, a.Confidence)
}

func TestPlaybookEngine_FallbackWhenNothingMatches(t *testing.T) {
	pe := NewPlaybookEngine(nil)

	a, err := pe.Review(context.Background(), "user=alice, pid=7, path=/usr/bin/ls")
	require.NoError(t, err)

	assert.Contains(t, a.Mitigation, "Monitor this host")
	assert.NoError(t, Validate(a))
}

func TestPlaybookEngine_LoadRulesReplacesAndAppends(t *testing.T) {
	pe := NewPlaybookEngine(nil)
	before := len(pe.Rules())

	err := pe.LoadRules([]byte(`
rules:
  - id: rv-download-exec-001
    name: overridden
    match: ["wget "]
    narrative: custom
    mitigation: custom mitigation
    confidence: 0.5
  - id: rv-crypto-miner-001
    name: miner
    match: ["xmrig"]
    narrative: coin miner
    mitigation: kill miner
    confidence: 0.7
fallback:
  id: rv-default
  mitigation: watch it
  confidence: 0.1
`))
	require.NoError(t, err)
	assert.Len(t, pe.Rules(), before+1)

	a, err := pe.Review(context.Background(), "cmdline='wget http://x'")
	require.NoError(t, err)
	assert.Equal(t, "custom mitigation", a.Mitigation)

	a, err = pe.Review(context.Background(), "cmdline=./xmrig --donate-level 0")
	require.NoError(t, err)
	assert.Equal(t, "kill miner", a.Mitigation)

	a, err = pe.Review(context.Background(), "nothing interesting")
	require.NoError(t, err)
	assert.Equal(t, "watch it", a.Mitigation)
}

func TestPlaybookEngine_LoadRulesRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad yaml", "rules: [::"},
		{"missing id", "rules:\n  - mitigation: x\n    confidence: 0.5\n"},
		{"missing mitigation", "rules:\n  - id: a\n    confidence: 0.5\n"},
		{"confidence above one", "rules:\n  - id: a\n    mitigation: x\n    confidence: 1.5\n"},
		{"negative confidence", "rules:\n  - id: a\n    mitigation: x\n    confidence: -0.1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := NewPlaybookEngine(nil)
			before := pe.Rules()
			assert.Error(t, pe.LoadRules([]byte(tt.yaml)))
			assert.Equal(t, before, pe.Rules(), "failed load must not change rules")
		})
	}
}

func TestPlaybookEngine_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewPlaybookEngine(nil).Review(ctx, "wget ")
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// HTTPEngine Tests
// =============================================================================

func TestNewHTTPEngine_MissingAPIKey(t *testing.T) {
	t.Setenv("TEST_REVIEW_KEY", "")

	_, err := NewHTTPEngine(HTTPConfig{BaseURL: "http://localhost", APIKeyEnv: "TEST_REVIEW_KEY"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "review API key not found")
}

func TestNewHTTPEngine_MissingBaseURL(t *testing.T) {
	t.Setenv("TEST_REVIEW_KEY", "k")

	_, err := NewHTTPEngine(HTTPConfig{APIKeyEnv: "TEST_REVIEW_KEY"})
	assert.Error(t, err)
}

func TestHTTPEngine_Review(t *testing.T) {
	t.Setenv("TEST_REVIEW_KEY", "secret")

	var gotAuth string
	var gotBody reviewRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/review", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"review":"looks bad","mitigation":"isolate","confidence":0.87}`))
	}))
	defer server.Close()

	engine, err := NewHTTPEngine(HTTPConfig{
		BaseURL:   server.URL + "/",
		APIKeyEnv: "TEST_REVIEW_KEY",
		Model:     "reviewer-small",
	})
	require.NoError(t, err)

	a, err := engine.Review(context.Background(), "cmdline='curl -s x | sh'")
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "cmdline='curl -s x | sh'", gotBody.Payload)
	assert.Equal(t, "reviewer-small", gotBody.Model)
	assert.Equal(t, &telemetry.Assessment{Narrative: "looks bad", Mitigation: "isolate", Confidence: 0.87}, a)
}

func TestHTTPEngine_Failures(t *testing.T) {
	t.Setenv("TEST_REVIEW_KEY", "secret")

	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`},
		{"rate limited", http.StatusTooManyRequests, ``},
		{"malformed json", http.StatusOK, `{"review":`},
		{"missing mitigation", http.StatusOK, `{"review":"x","confidence":0.5}`},
		{"confidence above one", http.StatusOK, `{"review":"x","mitigation":"y","confidence":1.2}`},
		{"negative confidence", http.StatusOK, `{"review":"x","mitigation":"y","confidence":-0.2}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			engine, err := NewHTTPEngine(HTTPConfig{BaseURL: server.URL, APIKeyEnv: "TEST_REVIEW_KEY"})
			require.NoError(t, err)

			a, err := engine.Review(context.Background(), "payload")
			assert.Error(t, err)
			assert.Nil(t, a)
		})
	}
}

func TestHTTPEngine_RespectsContextDeadline(t *testing.T) {
	t.Setenv("TEST_REVIEW_KEY", "secret")

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	engine, err := NewHTTPEngine(HTTPConfig{BaseURL: server.URL, APIKeyEnv: "TEST_REVIEW_KEY"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = engine.Review(ctx, "payload")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

// =============================================================================
// MockEngine Tests
// =============================================================================

func TestMockEngine_ConfidenceBands(t *testing.T) {
	m := NewMockEngine(rand.NewSource(42))

	var high, low int
	for i := 0; i < 500; i++ {
		a, err := m.Review(context.Background(), "x")
		require.NoError(t, err)
		require.NoError(t, Validate(a))

		switch {
		case a.Confidence >= 0.8:
			high++
			assert.Contains(t, a.Mitigation, "Isolate host")
		case a.Confidence <= 0.3:
			low++
			assert.Contains(t, a.Mitigation, "Monitor this host")
		default:
			t.Fatalf("confidence %v outside both bands", a.Confidence)
		}
	}

	assert.Greater(t, high, low, "high-confidence branch should dominate")
	assert.Positive(t, low)
}

func TestMockEngine_DeterministicWithSeed(t *testing.T) {
	a1, _ := NewMockEngine(rand.NewSource(7)).Review(context.Background(), "x")
	a2, _ := NewMockEngine(rand.NewSource(7)).Review(context.Background(), "x")
	assert.Equal(t, a1, a2)
}

// =============================================================================
// CachedEngine Tests
// =============================================================================

type fakeCache struct {
	mu      sync.Mutex
	data    map[string]string
	getErr  error
	setErr  error
	lastTTL time.Duration
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string]string)}
}

func (f *fakeCache) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.data[key] = string(value.([]byte))
	f.lastTTL = expiration
	return redis.NewStatusResult("OK", nil)
}

func countingEngine(calls *atomic.Int32, a *telemetry.Assessment, err error) Engine {
	return Func(func(ctx context.Context, payload string) (*telemetry.Assessment, error) {
		calls.Add(1)
		return a, err
	})
}

func TestCachedEngine_HitsCacheOnSecondCall(t *testing.T) {
	var calls atomic.Int32
	cache := newFakeCache()
	want := &telemetry.Assessment{Narrative: "n", Mitigation: "m", Confidence: 0.9}
	c := NewCachedEngine(countingEngine(&calls, want, nil), cache, 30*time.Minute, nil)

	a1, err := c.Review(context.Background(), "payload")
	require.NoError(t, err)
	a2, err := c.Review(context.Background(), "payload")
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, want, a1)
	assert.Equal(t, want, a2)
	assert.Equal(t, 30*time.Minute, cache.lastTTL)
}

func TestCachedEngine_DistinctPayloadsDistinctKeys(t *testing.T) {
	assert.NotEqual(t, cacheKey("a"), cacheKey("b"))
	assert.Equal(t, cacheKey("a"), cacheKey("a"))
	assert.Len(t, cacheKey("a"), len(cacheKeyPrefix)+64)
}

func TestCachedEngine_RedisDownFallsThrough(t *testing.T) {
	var calls atomic.Int32
	cache := newFakeCache()
	cache.getErr = errors.New("connection refused")
	cache.setErr = errors.New("connection refused")
	want := &telemetry.Assessment{Mitigation: "m", Confidence: 0.5}
	c := NewCachedEngine(countingEngine(&calls, want, nil), cache, time.Minute, nil)

	for i := 0; i < 3; i++ {
		a, err := c.Review(context.Background(), "payload")
		require.NoError(t, err)
		assert.Equal(t, want, a)
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestCachedEngine_ErrorsAreNotCached(t *testing.T) {
	var calls atomic.Int32
	cache := newFakeCache()
	c := NewCachedEngine(countingEngine(&calls, nil, ErrReviewUnavailable), cache, time.Minute, nil)

	_, err := c.Review(context.Background(), "payload")
	assert.ErrorIs(t, err, ErrReviewUnavailable)
	_, err = c.Review(context.Background(), "payload")
	assert.ErrorIs(t, err, ErrReviewUnavailable)

	assert.Equal(t, int32(2), calls.Load())
	assert.Empty(t, cache.data)
}

func TestCachedEngine_InvalidAssessmentNotCached(t *testing.T) {
	var calls atomic.Int32
	cache := newFakeCache()
	c := NewCachedEngine(countingEngine(&calls, &telemetry.Assessment{Confidence: 3}, nil), cache, time.Minute, nil)

	_, _ = c.Review(context.Background(), "payload")
	assert.Empty(t, cache.data)
}

// =============================================================================
// Validate Tests
// =============================================================================

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, Validate(nil), ErrReviewUnavailable)
	assert.ErrorIs(t, Validate(&telemetry.Assessment{Confidence: 1.01}), ErrReviewUnavailable)
	assert.NoError(t, Validate(&telemetry.Assessment{Confidence: 0}))
	assert.NoError(t, Validate(&telemetry.Assessment{Confidence: 1}))
}
