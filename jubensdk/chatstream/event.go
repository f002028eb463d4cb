package chatstream

import (
	"encoding/json"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// EventType is the canonical kind of a stream event. The backend has
// shipped several naming conventions over time; normalizeFrame folds
// them all into these values.
type EventType string

const (
	// EventMessage carries assistant output, including llm_chunk
	// deltas.
	EventMessage EventType = "message"
	// EventThinking carries intermediate reasoning output.
	EventThinking EventType = "thinking"
	// EventProgress reports long-running task progress.
	EventProgress EventType = "progress"
	// EventSystem carries backend system notices.
	EventSystem EventType = "system"
	// EventBilling carries usage/billing notices.
	EventBilling EventType = "billing"
	// EventToolStart, EventToolComplete, and EventToolProgress track
	// tool invocations made by the agent.
	EventToolStart    EventType = "tool_start"
	EventToolComplete EventType = "tool_complete"
	EventToolProgress EventType = "tool_progress"
	// EventError reports a backend-side failure for this generation.
	EventError EventType = "error"
	// EventHeartbeat is a keepalive. Handled by the transport and not
	// delivered to subscribers.
	EventHeartbeat EventType = "heartbeat"
	// EventDone terminates the stream.
	EventDone EventType = "done"
	// EventUnknown is delivered for frames with an unrecognized kind
	// so new backend event types are visible rather than dropped.
	EventUnknown EventType = "unknown"
)

// StreamEvent is one normalized frame from the chat stream.
type StreamEvent struct {
	Type      EventType
	Content   string
	Sequence  int64
	MessageID string
	Timestamp time.Time
	Metadata  map[string]any
	// Raw is the frame payload as received, for callers that need
	// fields normalization does not surface.
	Raw json.RawMessage
}

// wireFrame accepts every field-naming convention the backend has
// used for the event kind tag.
type wireFrame struct {
	Event     string          `json:"event,omitempty"`
	EventType string          `json:"event_type,omitempty"`
	Type      string          `json:"type,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Sequence  int64           `json:"sequence,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// wireData is the structured form of a frame's data field. Older
// backend versions sent a flat string instead.
type wireData struct {
	Content   string         `json:"content,omitempty"`
	Message   string         `json:"message,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Sequence  int64          `json:"sequence,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// canonicalType maps a wire event kind to its canonical EventType.
func canonicalType(kind string) EventType {
	switch strings.ToLower(kind) {
	case "message", "llm_chunk":
		return EventMessage
	case "thinking", "thought":
		return EventThinking
	case "progress":
		return EventProgress
	case "system":
		return EventSystem
	case "billing":
		return EventBilling
	case "tool_start":
		return EventToolStart
	case "tool_complete":
		return EventToolComplete
	case "error", "workflow_error":
		return EventError
	case "heartbeat":
		return EventHeartbeat
	case "done", "complete", "finished", "end":
		return EventDone
	default:
		if strings.HasPrefix(strings.ToLower(kind), "tool_") {
			return EventToolProgress
		}
		return EventUnknown
	}
}

// normalizeFrame decodes one `data:` payload into the canonical event
// shape. Field priority is fixed: the kind tag is read from `event`,
// then `event_type`, then `type`; content is read from a structured
// data object's `content`, then a flat string data field, then the
// object's `message`.
func normalizeFrame(payload []byte) (StreamEvent, error) {
	var frame wireFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return StreamEvent{}, xerrors.Errorf("decode stream frame: %w", err)
	}

	kind := frame.Event
	if kind == "" {
		kind = frame.EventType
	}
	if kind == "" {
		kind = frame.Type
	}

	ev := StreamEvent{
		Type:      canonicalType(kind),
		Sequence:  frame.Sequence,
		MessageID: frame.MessageID,
		Raw:       json.RawMessage(append([]byte(nil), payload...)),
	}

	if len(frame.Data) > 0 {
		switch frame.Data[0] {
		case '{':
			var data wireData
			if err := json.Unmarshal(frame.Data, &data); err != nil {
				return StreamEvent{}, xerrors.Errorf("decode frame data: %w", err)
			}
			ev.Content = data.Content
			if ev.Content == "" {
				ev.Content = data.Message
			}
			ev.Metadata = data.Metadata
			if ev.Sequence == 0 {
				ev.Sequence = data.Sequence
			}
			if frame.Timestamp == "" {
				frame.Timestamp = data.Timestamp
			}
		case '"':
			var flat string
			if err := json.Unmarshal(frame.Data, &flat); err != nil {
				return StreamEvent{}, xerrors.Errorf("decode flat frame data: %w", err)
			}
			ev.Content = flat
		}
	}

	if frame.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, frame.Timestamp); err == nil {
			ev.Timestamp = ts
		}
	}

	return ev, nil
}
