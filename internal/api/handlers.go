package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/pipeline"
	"github.com/lvonguyen/threatlens/internal/store"
	"github.com/lvonguyen/threatlens/internal/telemetry"
)

// maxIngestBody bounds a single JSON submission.
const maxIngestBody = 1 << 20

// IngestResponse is returned for every accepted event.
type IngestResponse struct {
	ID                   int64   `json:"id"`
	Timestamp            string  `json:"timestamp"`
	Source               string  `json:"source"`
	EventType            string  `json:"event_type"`
	AnomalyScore         float64 `json:"anomaly_score"`
	IsAnomaly            bool    `json:"is_anomaly"`
	MitigationSuggestion string  `json:"mitigation_suggestion"`
	ReviewConfidence     float64 `json:"review_confidence"`
}

// ThreatResponse is one row of the reviewed-threat view.
type ThreatResponse struct {
	ID                   int64   `json:"id"`
	Timestamp            string  `json:"timestamp"`
	Source               string  `json:"source"`
	EventType            string  `json:"event_type"`
	RawData              string  `json:"raw_data"`
	AnomalyScore         float64 `json:"anomaly_score"`
	MitigationSuggestion string  `json:"mitigation_suggestion"`
	ReviewConfidence     float64 `json:"review_confidence"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func newIngestResponse(res *pipeline.Result) IngestResponse {
	return IngestResponse{
		ID:                   res.Event.ID,
		Timestamp:            res.Event.Timestamp,
		Source:               res.Event.Source,
		EventType:            res.Event.EventType,
		AnomalyScore:         res.Event.AnomalyScore,
		IsAnomaly:            res.Event.IsAnomalous,
		MitigationSuggestion: res.Mitigation,
		ReviewConfidence:     res.Confidence,
	}
}

func newThreatResponse(re telemetry.ReviewedEvent) ThreatResponse {
	return ThreatResponse{
		ID:                   re.ID,
		Timestamp:            re.Timestamp,
		Source:               re.Source,
		EventType:            re.EventType,
		RawData:              re.RawPayload,
		AnomalyScore:         re.AnomalyScore,
		MitigationSuggestion: re.Review.Mitigation,
		ReviewConfidence:     re.Review.Confidence,
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var sub pipeline.Submission
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody)).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	res, err := s.opts.Ingester.Ingest(r.Context(), sub)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newIngestResponse(res))
}

func (s *Server) handleThreats(w http.ResponseWriter, r *http.Request) {
	rows, err := s.opts.Querier.ListRecentReviewed(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	out := make([]ThreatResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, newThreatResponse(row))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit", err.Error())
			return
		}
		limit = n
	}

	rows, err := s.opts.Querier.ListRecentEvents(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.opts.Version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	for _, p := range s.opts.Ready {
		if err := p.Ping(r.Context()); err != nil {
			s.logger.Warn("Readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeServiceError maps pipeline and store errors onto status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, "invalid event", err.Error())
	case errors.Is(err, store.ErrStoreUnavailable):
		s.logger.Error("Store unavailable", zap.String("path", r.URL.Path), zap.Error(err))
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "store unavailable", "")
	default:
		s.logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, detail string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Detail: detail})
}
