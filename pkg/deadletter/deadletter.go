// Package deadletter routes permanently-unprocessable events to a durable
// sink, isolated from the main flow.
package deadletter

import (
	"time"

	jsoncodec "github.com/goccy/go-json"
)

// Reason is the closed taxonomy of dead-letter causes.
type Reason string

const (
	// ReasonMalformedEvent marks payloads that could not be parsed.
	ReasonMalformedEvent Reason = "malformed_event"
	// ReasonOversizedEvent marks payloads exceeding the size limit.
	ReasonOversizedEvent Reason = "oversized_event"
	// ReasonTypeIncompatible marks records with a field that cannot be
	// coerced into the table schema even under widening.
	ReasonTypeIncompatible Reason = "type_incompatible"
	// ReasonSchemaConflict marks batches whose schema the destination kept
	// rejecting after bounded re-resolution.
	ReasonSchemaConflict Reason = "schema_conflict"
	// ReasonDestinationUnavailable marks batches whose writes exhausted
	// transient retries.
	ReasonDestinationUnavailable Reason = "destination_unavailable"
	// ReasonStaleEvent marks events older than the staleness threshold;
	// a policy decision, not an error.
	ReasonStaleEvent Reason = "stale_event"
)

// Reasons lists every valid reason, for metric pre-registration.
func Reasons() []Reason {
	return []Reason{
		ReasonMalformedEvent,
		ReasonOversizedEvent,
		ReasonTypeIncompatible,
		ReasonSchemaConflict,
		ReasonDestinationUnavailable,
		ReasonStaleEvent,
	}
}

// Record is one dead-lettered event. Immutable once created.
type Record struct {
	Payload   []byte    `json:"payload"`
	Reason    Reason    `json:"reason"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	Topic     string    `json:"topic"`
	Partition int32     `json:"partition"`
	Offset    int64     `json:"offset"`
	Timestamp time.Time `json:"timestamp"`
}

// Key identifies the record's origin for transport partitioning.
func (r *Record) Key() string {
	data, _ := jsoncodec.Marshal(struct {
		Topic     string `json:"topic"`
		Partition int32  `json:"partition"`
		Offset    int64  `json:"offset"`
	}{r.Topic, r.Partition, r.Offset})
	return string(data)
}

// Sink delivers dead-letter records durably.
type Sink interface {
	Send(record *Record) error
	Close() error
}
