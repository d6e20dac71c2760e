package review

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lvonguyen/threatlens/internal/telemetry"
)

// HTTPConfig configures the client for an external review service.
type HTTPConfig struct {
	BaseURL   string        `yaml:"base_url"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Model     string        `yaml:"model"`
	Timeout   time.Duration `yaml:"timeout"`
}

// DefaultHTTPConfig returns sensible defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		APIKeyEnv: "REVIEW_API_KEY",
		Timeout:   10 * time.Second,
	}
}

// HTTPEngine asks a remote generative review service to assess a payload.
//
// Request:  POST {base_url}/v1/review  {"payload": "...", "model": "..."}
// Response: {"review": "...", "mitigation": "...", "confidence": 0.87}
type HTTPEngine struct {
	config     HTTPConfig
	apiKey     string
	httpClient *http.Client
}

type reviewRequest struct {
	Payload string `json:"payload"`
	Model   string `json:"model,omitempty"`
}

// NewHTTPEngine creates a client. The API key is read from the environment
// variable named by APIKeyEnv.
func NewHTTPEngine(config HTTPConfig) (*HTTPEngine, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("review base URL is required")
	}
	apiKey := os.Getenv(config.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("review API key not found in env var: %s", config.APIKeyEnv)
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultHTTPConfig().Timeout
	}

	return &HTTPEngine{
		config: config,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

// Review implements Engine.
func (e *HTTPEngine) Review(ctx context.Context, payload string) (*telemetry.Assessment, error) {
	body, err := json.Marshal(reviewRequest{Payload: payload, Model: e.config.Model})
	if err != nil {
		return nil, fmt.Errorf("encoding review request: %w", err)
	}

	url := strings.TrimSuffix(e.config.BaseURL, "/") + "/v1/review"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("review request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("review service returned %d: %s", resp.StatusCode, string(snippet))
	}

	var a telemetry.Assessment
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&a); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrReviewUnavailable, err)
	}
	if a.Mitigation == "" {
		return nil, fmt.Errorf("%w: response missing mitigation", ErrReviewUnavailable)
	}
	if err := Validate(&a); err != nil {
		return nil, err
	}

	return &a, nil
}
