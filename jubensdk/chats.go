package jubensdk

import (
	"time"

	"github.com/google/uuid"
)

// Stream identity headers returned by the chat endpoints. The values
// are required to resume an interrupted generation.
const (
	MessageIDHeader = "X-Message-ID"
	SessionIDHeader = "X-Session-ID"
)

// ChatRequest is the payload sent to start (or continue) an agent
// generation. The backend routes it to the agent named by AgentID.
type ChatRequest struct {
	AgentID   string         `json:"agent_id"`
	Content   string         `json:"content"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ResumeChatRequest targets the resume endpoint to replay a stream
// from a known sequence position.
type ResumeChatRequest struct {
	MessageID    string `json:"message_id"`
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id,omitempty"`
	FromSequence int64  `json:"from_sequence"`
}

// ChatMessage is a persisted message within a session transcript.
type ChatMessage struct {
	ID        string    `json:"id"`
	SessionID uuid.UUID `json:"session_id" format:"uuid"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}
