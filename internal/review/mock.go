package review

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/lvonguyen/threatlens/internal/telemetry"
)

// MockEngine stands in for a generative reviewer in demos. Four times out of
// five it reports a high-confidence threat in [0.8, 1.0]; otherwise a
// low-confidence "monitor" assessment in [0, 0.3].
type MockEngine struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewMockEngine creates a MockEngine. A nil source seeds from the clock.
func NewMockEngine(src rand.Source) *MockEngine {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &MockEngine{rnd: rand.New(src)}
}

// Review implements Engine.
func (m *MockEngine) Review(ctx context.Context, _ string) (*telemetry.Assessment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	roll, spread := m.rnd.Float64(), m.rnd.Float64()
	m.mu.Unlock()

	if roll < 0.8 {
		return &telemetry.Assessment{
			Narrative: "High-confidence anomaly detected: command resembles a potential " +
				"malware payload download using wget or curl. Immediate action recommended.",
			Mitigation: "Isolate host and terminate process immediately. " +
				"Check for network exfiltration or persistence scripts.",
			Confidence: round2(0.8 + spread*0.2),
		}, nil
	}

	return &telemetry.Assessment{
		Narrative:  "Low-confidence event; activity appears within normal operating parameters.",
		Mitigation: "Monitor this host for 24 hours; no immediate action required.",
		Confidence: round2(spread * 0.3),
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
