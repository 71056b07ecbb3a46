package eventbus

import "time"

// Envelope wraps every message published on the bus. Payloads are
// treated as logically immutable after publish; the bus never copies
// or inspects them.
type Envelope struct {
	Topic     Topic
	Timestamp time.Time
	Source    Source
	Payload   any
}

// HealthReport is a module's health probe result. It contains at
// minimum "healthy" (bool) and "status" (string); modules may add
// arbitrary diagnostic fields. The aggregator adds "error" when a
// probe fails or times out.
type HealthReport map[string]any

// Healthy reports the "healthy" field, false when absent or not a bool.
func (r HealthReport) Healthy() bool {
	v, ok := r["healthy"].(bool)
	return ok && v
}

// Status returns the "status" field, "" when absent or not a string.
func (r HealthReport) Status() string {
	v, _ := r["status"].(string)
	return v
}

// Valid reports whether the probe result carries the required fields.
func (r HealthReport) Valid() bool {
	if r == nil {
		return false
	}
	if _, ok := r["healthy"].(bool); !ok {
		return false
	}
	_, ok := r["status"].(string)
	return ok
}

// AggregateHealthResult is the system-wide health record produced by
// the system-check aggregator. OverallHealthy is the conjunction of
// every module's healthy value.
type AggregateHealthResult struct {
	OverallHealthy bool                    `json:"overall_healthy"`
	Modules        map[string]HealthReport `json:"modules"`
}

// SystemCheckRequest asks the OS to run a health sweep across all
// loaded modules. RequestID, when present, is echoed in the response.
type SystemCheckRequest struct {
	RequestID      string  `json:"request_id,omitempty"`
	TimeoutSeconds float64 `json:"timeout_s,omitempty"`
}

// SystemCheckResponse delivers the aggregate result back over the bus.
type SystemCheckResponse struct {
	Results   AggregateHealthResult `json:"results"`
	Timestamp float64               `json:"timestamp"`
	RequestID string                `json:"request_id,omitempty"`
}

// ShutdownRequest asks the OS manager to perform an orderly shutdown.
type ShutdownRequest struct {
	Reason string `json:"reason,omitempty"`
}

// FatalEvent is published by a module that cannot continue operating.
// The OS manager escalates it into an orderly shutdown; ordinary
// handler errors are only logged.
type FatalEvent struct {
	Module string `json:"module"`
	Error  string `json:"error"`
}

// BootCompleteEvent is published once all modules have started.
type BootCompleteEvent struct {
	Timestamp float64 `json:"ts"`
}

// HeartbeatEvent is published periodically by the operations module.
type HeartbeatEvent struct {
	Status string  `json:"status"`
	Uptime float64 `json:"uptime_s"`
}

// CommsCommand is an outbound command for the comms module to deliver
// to the command service over the active transport.
type CommsCommand struct {
	ID      string         `json:"id,omitempty"`
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}

// CommsMessage is an inbound message received from a transport.
type CommsMessage struct {
	ID      string         `json:"id,omitempty"`
	Command string         `json:"command,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Method  string         `json:"method,omitempty"`
}

// CommsMethodChangedEvent announces an active-transport switch.
type CommsMethodChangedEvent struct {
	Previous string `json:"previous,omitempty"`
	Method   string `json:"method"`
}

// DataStoreRequest addresses a namespaced record in the data store.
// Value and Meta are only meaningful for put operations; ReplyTopic,
// when set on get/list requests, selects the topic the record is
// published back on (default data_store.response).
type DataStoreRequest struct {
	Namespace  string         `json:"namespace,omitempty"`
	Key        string         `json:"key,omitempty"`
	Value      any            `json:"value,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	ReplyTopic Topic          `json:"reply_topic,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
}

// DataStoreRecord is a stored value plus bookkeeping.
type DataStoreRecord struct {
	Value     any            `json:"value"`
	Meta      map[string]any `json:"meta,omitempty"`
	UpdatedAt float64        `json:"updated_at"`
}

// DataStoreValueEvent answers a get or list request. For get, Record
// is nil when the key does not exist; for list, Records carries every
// record in the namespace.
type DataStoreValueEvent struct {
	Namespace string                     `json:"namespace"`
	Key       string                     `json:"key,omitempty"`
	Record    *DataStoreRecord           `json:"record,omitempty"`
	Records   map[string]DataStoreRecord `json:"records,omitempty"`
	Found     bool                       `json:"found"`
	RequestID string                     `json:"request_id,omitempty"`
}

// DataStoreUpdateEvent is published after every successful put.
type DataStoreUpdateEvent struct {
	Namespace string          `json:"namespace"`
	Key       string          `json:"key"`
	Record    DataStoreRecord `json:"record"`
}

// DataStoreSnapshotEvent carries a full copy of selected namespaces.
type DataStoreSnapshotEvent struct {
	RequestID  string                                `json:"request_id,omitempty"`
	Namespaces map[string]map[string]DataStoreRecord `json:"namespaces"`
}
