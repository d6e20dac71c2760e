// Package telemetry defines the security telemetry records that flow through
// threatlens: ingested sensor events, the reviews attached to anomalous ones,
// and the joined view served to the monitoring front end.
package telemetry

// Well-known sensor tags. Source is free-form on the wire; these are the
// values produced by the bundled sensors and the simulator.
const (
	SourceHostSensor    = "host-sensor"    // osquery-style host telemetry
	SourceNetworkSensor = "network-sensor" // zeek-style network telemetry
)

// Event is one ingested telemetry record with its anomaly score.
// Once stored, AnomalyScore and IsAnomalous never change.
type Event struct {
	ID           int64   `json:"id"`
	Timestamp    string  `json:"timestamp"`  // caller-supplied, stored verbatim
	Source       string  `json:"source"`     // host-sensor, network-sensor, ...
	EventType    string  `json:"event_type"` // process_create, dns_query, ...
	RawPayload   string  `json:"raw_data"`
	AnomalyScore float64 `json:"anomaly_score"`
	IsAnomalous  bool    `json:"is_anomaly"`
}

// Assessment is what a review engine returns for a suspicious payload.
type Assessment struct {
	Narrative  string  `json:"review"`
	Mitigation string  `json:"mitigation"`
	Confidence float64 `json:"confidence"` // 0.0 - 1.0
}

// Review is a persisted Assessment owned by exactly one Event.
type Review struct {
	EventID    int64   `json:"event_id"`
	Narrative  string  `json:"narrative"`
	Mitigation string  `json:"mitigation"`
	Confidence float64 `json:"confidence"`
}

// NewReview binds an assessment to the event it was produced for.
func NewReview(eventID int64, a Assessment) *Review {
	return &Review{
		EventID:    eventID,
		Narrative:  a.Narrative,
		Mitigation: a.Mitigation,
		Confidence: a.Confidence,
	}
}

// ReviewedEvent is an Event joined with its Review.
type ReviewedEvent struct {
	Event
	Review Review `json:"review"`
}
