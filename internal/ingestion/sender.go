package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HECSender sends events to Splunk via HEC.
type HECSender struct {
	config     SenderConfig
	token      string
	channel    string
	httpClient *http.Client
	mu         sync.RWMutex
	stats      SenderStats
}

// SenderConfig holds HEC sender configuration.
type SenderConfig struct {
	HECURL       string        `yaml:"hec_url"`
	TokenEnv     string        `yaml:"token_env"`
	Index        string        `yaml:"index"`
	SourceType   string        `yaml:"sourcetype"`
	Source       string        `yaml:"source"`
	Timeout      time.Duration `yaml:"timeout"`
	RetryCount   int           `yaml:"retry_count"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// DefaultSenderConfig returns sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		TokenEnv:     "SPLUNK_HEC_TOKEN_OUTBOUND",
		Index:        "threatlens",
		SourceType:   "threatlens:review",
		Source:       "threatlens",
		Timeout:      30 * time.Second,
		RetryCount:   3,
		RetryBackoff: time.Second,
	}
}

// SenderStats tracks sender metrics.
type SenderStats struct {
	BatchesSent   int64
	BatchesFailed int64
	BytesSent     int64
	LastSendAt    time.Time
}

// NewHECSender creates a new HEC sender.
func NewHECSender(config SenderConfig) (*HECSender, error) {
	token := os.Getenv(config.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("HEC token not found in env var: %s", config.TokenEnv)
	}

	if config.HECURL == "" {
		return nil, fmt.Errorf("HEC URL is required")
	}

	return &HECSender{
		config:  config,
		token:   token,
		channel: uuid.NewString(),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

// Config returns the sender configuration.
func (s *HECSender) Config() SenderConfig {
	return s.config
}

// SendBatch sends events as newline-delimited JSON. Index, source and
// sourcetype default to the sender's configuration when unset.
func (s *HECSender) SendBatch(ctx context.Context, events []HECEvent) error {
	if len(events) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, event := range events {
		if event.Index == "" {
			event.Index = s.config.Index
		}
		if event.Source == "" {
			event.Source = s.config.Source
		}
		if event.SourceType == "" {
			event.SourceType = s.config.SourceType
		}
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("encoding HEC event: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	return s.sendWithRetry(ctx, buf.Bytes())
}

// sendWithRetry backs off quadratically between attempts and gives up
// early when ctx is done.
func (s *HECSender) sendWithRetry(ctx context.Context, data []byte) error {
	var lastErr error

retry:
	for attempt := 0; attempt <= s.config.RetryCount; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt*attempt) * s.config.RetryBackoff
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break retry
			case <-time.After(wait):
			}
		}

		err := s.send(ctx, data)
		if err == nil {
			return nil
		}
		lastErr = err
	}

	s.mu.Lock()
	s.stats.BatchesFailed++
	s.mu.Unlock()

	return fmt.Errorf("failed after %d retries: %w", s.config.RetryCount, lastErr)
}

func (s *HECSender) send(ctx context.Context, data []byte) error {
	url := strings.TrimSuffix(s.config.HECURL, "/") + "/services/collector/event"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Splunk "+s.token)
	req.Header.Set("Content-Type", "application/json")
	// required by indexers with acknowledgement enabled
	req.Header.Set("X-Splunk-Request-Channel", s.channel)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HEC request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("HEC returned %d: %s", resp.StatusCode, string(body))
	}

	s.mu.Lock()
	s.stats.BatchesSent++
	s.stats.BytesSent += int64(len(data))
	s.stats.LastSendAt = time.Now()
	s.mu.Unlock()

	return nil
}

// Stats returns current sender statistics.
func (s *HECSender) Stats() SenderStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// HealthCheck verifies connectivity to Splunk HEC.
func (s *HECSender) HealthCheck(ctx context.Context) error {
	url := strings.TrimSuffix(s.config.HECURL, "/") + "/services/collector/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Splunk HEC health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Splunk HEC returned status %d", resp.StatusCode)
	}

	return nil
}
