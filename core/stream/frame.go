package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ftfuture/insitechart-sync/core/event"
)

// Frame types carried on the wire.
const (
	FrameEvent     = "event"
	FrameHeartbeat = "heartbeat"
)

// Frame is the wire unit pushed to subscribers. Heartbeat frames carry no
// body; event frames carry the fields a chart client needs to apply the
// update and to build its resume cursor.
type Frame struct {
	Type  string      `json:"type"`
	Event *EventFrame `json:"event,omitempty"`
}

// EventFrame is the client-facing projection of an event. Routing fields
// that only matter server-side (source, partition key) are not exposed.
type EventFrame struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Topic     string    `json:"topic"`
	Partition int       `json:"partition"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Payload   []byte    `json:"payload,omitempty"`
}

// NewEventFrame wraps an event from the given partition for the wire.
func NewEventFrame(tp event.TopicPartition, e event.Event) Frame {
	return Frame{
		Type: FrameEvent,
		Event: &EventFrame{
			ID:        e.ID,
			Type:      e.Type,
			Topic:     tp.Topic,
			Partition: tp.Partition,
			Sequence:  e.Sequence,
			Timestamp: e.Timestamp,
			Payload:   e.Payload,
		},
	}
}

// NewHeartbeatFrame returns the liveness probe frame.
func NewHeartbeatFrame() Frame {
	return Frame{Type: FrameHeartbeat}
}

// Encode serializes the frame for the wire.
func (f Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// DecodeFrame deserializes a frame produced by Encode.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}
