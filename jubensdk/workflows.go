package jubensdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// WorkflowEventType represents the kind of workflow monitor update.
type WorkflowEventType string

const (
	WorkflowEventTypeStep     WorkflowEventType = "step"
	WorkflowEventTypeProgress WorkflowEventType = "progress"
	WorkflowEventTypeStatus   WorkflowEventType = "status"
	WorkflowEventTypeError    WorkflowEventType = "error"
)

// WorkflowStep describes a single step update in a running workflow.
type WorkflowStep struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Position int    `json:"position"`
}

// WorkflowEvent is a real-time update from the workflow monitor.
type WorkflowEvent struct {
	Type       WorkflowEventType `json:"type"`
	WorkflowID uuid.UUID         `json:"workflow_id" format:"uuid"`
	Step       *WorkflowStep     `json:"step,omitempty"`
	Progress   float64           `json:"progress,omitempty"`
	Status     string            `json:"status,omitempty"`
	Error      string            `json:"error,omitempty"`
	Timestamp  time.Time         `json:"timestamp,omitempty" format:"date-time"`
}

// workflowEnvelopeType distinguishes control frames from data frames
// on the monitor socket.
type workflowEnvelopeType string

const (
	workflowEnvelopePing  workflowEnvelopeType = "ping"
	workflowEnvelopeData  workflowEnvelopeType = "data"
	workflowEnvelopeError workflowEnvelopeType = "error"
)

type workflowEnvelope struct {
	Type workflowEnvelopeType `json:"type"`
	Data json.RawMessage      `json:"data,omitempty"`
}

// WatchWorkflow streams workflow monitor updates in real time.
//
// The returned channel carries updates until the workflow finishes or
// an error occurs. Callers must close the returned io.Closer to
// release the websocket connection when done.
func (c *Client) WatchWorkflow(ctx context.Context, workflowID uuid.UUID) (<-chan WorkflowEvent, io.Closer, error) {
	conn, err := c.Dial(
		ctx,
		fmt.Sprintf("/api/juben/workflows/%s/monitor", workflowID),
		&websocket.DialOptions{CompressionMode: websocket.CompressionDisabled},
	)
	if err != nil {
		return nil, nil, err
	}
	conn.SetReadLimit(1 << 20) // 1MiB

	streamCtx, streamCancel := context.WithCancel(ctx)
	events := make(chan WorkflowEvent, 64)

	send := func(event WorkflowEvent) bool {
		if event.WorkflowID == uuid.Nil {
			event.WorkflowID = workflowID
		}
		select {
		case <-streamCtx.Done():
			return false
		case events <- event:
			return true
		}
	}

	go func() {
		defer close(events)
		defer streamCancel()
		defer func() {
			_ = conn.Close(websocket.StatusNormalClosure, "")
		}()

		for {
			var envelope workflowEnvelope
			if err := wsjson.Read(streamCtx, conn, &envelope); err != nil {
				if streamCtx.Err() != nil {
					return
				}
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				_ = send(WorkflowEvent{
					Type:  WorkflowEventTypeError,
					Error: fmt.Sprintf("read workflow stream: %v", err),
				})
				return
			}

			switch envelope.Type {
			case workflowEnvelopePing:
				continue
			case workflowEnvelopeData:
				var event WorkflowEvent
				if err := json.Unmarshal(envelope.Data, &event); err != nil {
					_ = send(WorkflowEvent{
						Type:  WorkflowEventTypeError,
						Error: fmt.Sprintf("decode workflow event: %v", err),
					})
					return
				}
				if !send(event) {
					return
				}
			case workflowEnvelopeError:
				message := "workflow stream returned an error"
				if trimmed := strings.TrimSpace(string(envelope.Data)); trimmed != "" {
					message = trimmed
				}
				_ = send(WorkflowEvent{
					Type:  WorkflowEventTypeError,
					Error: message,
				})
				return
			default:
				_ = send(WorkflowEvent{
					Type:  WorkflowEventTypeError,
					Error: fmt.Sprintf("unknown workflow stream envelope %q", envelope.Type),
				})
				return
			}
		}
	}()

	return events, closeFunc(func() error {
		streamCancel()
		return conn.Close(websocket.StatusNormalClosure, "")
	}), nil
}
