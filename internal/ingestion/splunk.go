// Package ingestion provides Splunk HEC compatible ingestion and forwarding.
// Sensors that already speak HEC can point at threatlens directly, and
// reviewed threats can be sent on to a Splunk indexer.
package ingestion

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// HEC status codes used in response bodies.
const (
	CodeSuccess        = 0
	CodeTokenRequired  = 2
	CodeInvalidAuth    = 3
	CodeInvalidToken   = 4
	CodeNoData         = 5
	CodeInvalidData    = 6
	CodeInternalError  = 8
	CodeServerBusy     = 9
	CodeHealthy        = 17
	hecHealthyResponse = `{"text":"HEC is healthy","code":17}`
)

var (
	// ErrNoData is returned when a request body carries no events.
	ErrNoData = errors.New("no data")

	// ErrRejected marks events the handler refused as malformed.
	ErrRejected = errors.New("event rejected")

	// ErrBusy marks a handler failure that the client may retry.
	ErrBusy = errors.New("server is busy")
)

// HECReceiver receives events via Splunk HEC protocol.
type HECReceiver struct {
	config  ReceiverConfig
	handler EventHandler
	logger  *zap.Logger
	server  *http.Server
	mu      sync.RWMutex
	stats   ReceiverStats
}

// ReceiverConfig holds HEC receiver configuration.
type ReceiverConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Port         int           `yaml:"port"` // 0 mounts on the API router only
	TokenEnv     string        `yaml:"token_env"`
	TLSCertFile  string        `yaml:"tls_cert_file"`
	TLSKeyFile   string        `yaml:"tls_key_file"`
	MaxBatchSize int           `yaml:"max_batch_size"`
	MaxEventSize int           `yaml:"max_event_size"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultReceiverConfig returns sensible defaults.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		Enabled:      false,
		TokenEnv:     "HEC_TOKEN",
		MaxBatchSize: 1000,
		MaxEventSize: 1024 * 1024, // 1MB
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// ReceiverStats tracks receiver metrics.
type ReceiverStats struct {
	EventsReceived int64
	EventsDropped  int64
	BytesReceived  int64
	LastEventAt    time.Time
}

// EventHandler processes received events. Returning an error wrapping
// ErrRejected yields 400, ErrBusy yields 503, anything else 500.
type EventHandler func(ctx context.Context, events []HECEvent) error

// HECEvent represents a Splunk HEC event.
type HECEvent struct {
	Time       float64        `json:"time,omitempty"`
	Host       string         `json:"host,omitempty"`
	Source     string         `json:"source,omitempty"`
	SourceType string         `json:"sourcetype,omitempty"`
	Index      string         `json:"index,omitempty"`
	Event      any            `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// NewHECReceiver creates a new HEC receiver.
func NewHECReceiver(config ReceiverConfig, handler EventHandler, logger *zap.Logger) *HECReceiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxEventSize <= 0 {
		config.MaxEventSize = DefaultReceiverConfig().MaxEventSize
	}
	return &HECReceiver{
		config:  config,
		handler: handler,
		logger:  logger,
	}
}

// Routes returns the collector endpoints, to be mounted at /services/collector.
func (r *HECReceiver) Routes() chi.Router {
	router := chi.NewRouter()
	router.Post("/event", r.handleEvent)
	router.Post("/event/1.0", r.handleEvent)
	router.Post("/raw", r.handleRaw)
	router.Post("/raw/1.0", r.handleRaw)
	router.Get("/health", r.handleHealth)
	router.Get("/health/1.0", r.handleHealth)
	return router
}

// Start serves the collector endpoints on their own port until ctx is done.
// After ctx is cancelled it returns only once in-flight requests have
// drained or the shutdown deadline has passed.
func (r *HECReceiver) Start(ctx context.Context) error {
	router := chi.NewRouter()
	router.Mount("/services/collector", r.Routes())

	r.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", r.config.Port),
		Handler:      router,
		ReadTimeout:  r.config.ReadTimeout,
		WriteTimeout: r.config.WriteTimeout,
	}

	drained := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		drained <- r.server.Shutdown(shutdownCtx)
	}()

	var err error
	if r.config.TLSCertFile != "" && r.config.TLSKeyFile != "" {
		err = r.server.ListenAndServeTLS(r.config.TLSCertFile, r.config.TLSKeyFile)
	} else {
		err = r.server.ListenAndServe()
	}
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	// ListenAndServe returns as soon as Shutdown starts
	if err := <-drained; err != nil {
		return fmt.Errorf("hec shutdown: %w", err)
	}
	return nil
}

// Stats returns current receiver statistics.
func (r *HECReceiver) Stats() ReceiverStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

func (r *HECReceiver) handleEvent(w http.ResponseWriter, req *http.Request) {
	if !r.authorize(w, req) {
		return
	}

	body, ok := r.readBody(w, req)
	if !ok {
		return
	}

	events, err := parseEvents(body)
	if errors.Is(err, ErrNoData) {
		writeHEC(w, http.StatusBadRequest, "No data", CodeNoData)
		return
	}
	if err != nil {
		writeHEC(w, http.StatusBadRequest, "Invalid data format", CodeInvalidData)
		return
	}
	if r.config.MaxBatchSize > 0 && len(events) > r.config.MaxBatchSize {
		writeHEC(w, http.StatusRequestEntityTooLarge, "Batch too large", CodeInvalidData)
		return
	}

	r.dispatch(w, req, events, len(body))
}

func (r *HECReceiver) handleRaw(w http.ResponseWriter, req *http.Request) {
	if !r.authorize(w, req) {
		return
	}

	body, ok := r.readBody(w, req)
	if !ok {
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeHEC(w, http.StatusBadRequest, "No data", CodeNoData)
		return
	}

	q := req.URL.Query()
	ev := HECEvent{
		Event:      string(body),
		SourceType: q.Get("sourcetype"),
		Source:     q.Get("source"),
		Host:       q.Get("host"),
		Index:      q.Get("index"),
	}
	if t := q.Get("time"); t != "" {
		sec, err := strconv.ParseFloat(t, 64)
		if err != nil {
			writeHEC(w, http.StatusBadRequest, "Invalid data format", CodeInvalidData)
			return
		}
		ev.Time = sec
	}
	events := []HECEvent{ev}

	r.dispatch(w, req, events, len(body))
}

func (r *HECReceiver) dispatch(w http.ResponseWriter, req *http.Request, events []HECEvent, size int) {
	r.mu.Lock()
	r.stats.EventsReceived += int64(len(events))
	r.stats.BytesReceived += int64(size)
	r.stats.LastEventAt = time.Now()
	r.mu.Unlock()

	if r.handler == nil {
		writeHEC(w, http.StatusOK, "Success", CodeSuccess)
		return
	}

	if err := r.handler(req.Context(), events); err != nil {
		r.mu.Lock()
		r.stats.EventsDropped += int64(len(events))
		r.mu.Unlock()

		switch {
		case errors.Is(err, ErrRejected):
			writeHEC(w, http.StatusBadRequest, "Invalid data format", CodeInvalidData)
		case errors.Is(err, ErrBusy):
			writeHEC(w, http.StatusServiceUnavailable, "Server is busy", CodeServerBusy)
		default:
			r.logger.Error("HEC handler failed", zap.Error(err))
			writeHEC(w, http.StatusInternalServerError, "Internal server error", CodeInternalError)
		}
		return
	}

	writeHEC(w, http.StatusOK, "Success", CodeSuccess)
}

func (r *HECReceiver) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(hecHealthyResponse))
}

func (r *HECReceiver) readBody(w http.ResponseWriter, req *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(req.Body, int64(r.config.MaxEventSize)+1))
	if err != nil {
		writeHEC(w, http.StatusBadRequest, "Error reading body", CodeInvalidData)
		return nil, false
	}
	if len(body) > r.config.MaxEventSize {
		writeHEC(w, http.StatusRequestEntityTooLarge, "Event too large", CodeInvalidData)
		return nil, false
	}
	return body, true
}

// authorize writes the failure response itself and reports whether to continue.
func (r *HECReceiver) authorize(w http.ResponseWriter, req *http.Request) bool {
	auth := req.Header.Get("Authorization")
	if auth == "" {
		writeHEC(w, http.StatusUnauthorized, "Token is required", CodeTokenRequired)
		return false
	}
	if !strings.HasPrefix(auth, "Splunk ") {
		writeHEC(w, http.StatusUnauthorized, "Invalid authorization", CodeInvalidAuth)
		return false
	}
	if !r.validateToken(req) {
		writeHEC(w, http.StatusForbidden, "Invalid token", CodeInvalidToken)
		return false
	}
	return true
}

// validateToken checks the Authorization header only. An unset token fails
// closed and query-string tokens are never accepted.
func (r *HECReceiver) validateToken(req *http.Request) bool {
	expected := os.Getenv(r.config.TokenEnv)
	if expected == "" {
		return false
	}

	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Splunk ") {
		return false
	}
	got := strings.TrimPrefix(auth, "Splunk ")
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// parseEvents parses HEC event body (JSON or concatenated JSON objects).
func parseEvents(body []byte) ([]HECEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrNoData
	}

	var events []HECEvent
	decoder := json.NewDecoder(bytes.NewReader(body))
	for decoder.More() {
		var event HECEvent
		if err := decoder.Decode(&event); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		if event.Event == nil {
			return nil, fmt.Errorf("event field is required")
		}
		events = append(events, event)
	}

	if len(events) == 0 {
		return nil, ErrNoData
	}
	return events, nil
}

func writeHEC(w http.ResponseWriter, status int, text string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(struct {
		Text string `json:"text"`
		Code int    `json:"code"`
	}{text, code})
}

// ===========================================================================
// Record conversion
// ===========================================================================

// Record is a telemetry submission extracted from an HEC event.
type Record struct {
	Source    string
	Timestamp string
	EventType string
	Data      string
}

// ToRecord maps an HEC event onto a telemetry submission.
//
// Structured events may carry source, timestamp, event_type and data
// directly. Otherwise the event body becomes the payload, the HEC source
// (or host) the source tag and the sourcetype the event type. A missing
// timestamp is taken from the HEC time field.
func (e HECEvent) ToRecord() Record {
	rec := Record{
		Source:    firstNonEmpty(e.Source, e.Host),
		EventType: e.SourceType,
	}
	if e.Time > 0 {
		sec := int64(e.Time)
		nsec := int64((e.Time - float64(sec)) * 1e9)
		rec.Timestamp = time.Unix(sec, nsec).UTC().Format(time.RFC3339Nano)
	}

	switch body := e.Event.(type) {
	case string:
		rec.Data = body
	case map[string]any:
		if v, ok := body["source"].(string); ok && v != "" {
			rec.Source = v
		}
		if v, ok := body["timestamp"].(string); ok && v != "" {
			rec.Timestamp = v
		}
		if v, ok := body["event_type"].(string); ok && v != "" {
			rec.EventType = v
		}
		if v, ok := body["data"].(string); ok {
			rec.Data = v
		} else {
			rec.Data = flatten(body)
		}
	default:
		if data, err := json.Marshal(body); err == nil {
			rec.Data = string(data)
		}
	}
	return rec
}

// flatten renders an object as key=value pairs, the encoding sensors use.
func flatten(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			parts = append(parts, k+"="+v)
		case float64:
			parts = append(parts, k+"="+strconv.FormatFloat(v, 'f', -1, 64))
		default:
			raw, _ := json.Marshal(v)
			parts = append(parts, k+"="+string(raw))
		}
	}
	return strings.Join(parts, ", ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
