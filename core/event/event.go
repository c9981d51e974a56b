package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the unit of data flowing through the sync core: a price tick, a
// sentiment score, a cache invalidation. The payload is opaque bytes whose
// schema is selected by Type (tagged union, validated at the bus boundary
// by a Registry).
//
// Invariants: ID is unique for the lifetime of the dedup window; Sequence
// is strictly increasing within a partition.
type Event struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Source       string    `json:"source"`
	PartitionKey string    `json:"partition_key"`
	Sequence     uint64    `json:"sequence"`
	Timestamp    time.Time `json:"timestamp"`
	Payload      []byte    `json:"payload,omitempty"`
}

// New creates an Event with a generated ID and the current timestamp.
// The sequence is zero until the bus assigns one at publish time.
func New(eventType, source, partitionKey string, payload []byte) Event {
	return Event{
		ID:           uuid.New().String(),
		Type:         eventType,
		Source:       source,
		PartitionKey: partitionKey,
		Timestamp:    time.Now().UTC(),
		Payload:      payload,
	}
}

// Encode serializes the event for storage or the wire.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	return data, nil
}

// Decode deserializes an event produced by Encode.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}
