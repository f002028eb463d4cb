package jubensdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/GongLingRui/juben-go/retry"
)

// Session is a chat session with one agent.
type Session struct {
	ID        uuid.UUID `json:"id" format:"uuid"`
	AgentID   string    `json:"agent_id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
	UpdatedAt time.Time `json:"updated_at" format:"date-time"`
}

// SessionWithMessages is a session along with its transcript.
type SessionWithMessages struct {
	Session  Session       `json:"session"`
	Messages []ChatMessage `json:"messages"`
}

// ListSessions returns the authenticated user's sessions.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	res := retry.Do(ctx, retry.Options{Logger: c.Logger}, func(ctx context.Context) ([]Session, error) {
		res, err := c.Request(ctx, http.MethodGet, "/api/juben/sessions", nil)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return nil, ReadBodyAsError(res)
		}
		var sessions []Session
		return sessions, json.NewDecoder(res.Body).Decode(&sessions)
	})
	return res.Value, res.Err
}

// GetSession returns a session by ID, including its transcript.
func (c *Client) GetSession(ctx context.Context, sessionID uuid.UUID) (SessionWithMessages, error) {
	res := retry.Do(ctx, retry.Options{Logger: c.Logger}, func(ctx context.Context) (SessionWithMessages, error) {
		res, err := c.Request(ctx, http.MethodGet, fmt.Sprintf("/api/juben/sessions/%s", sessionID), nil)
		if err != nil {
			return SessionWithMessages{}, err
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return SessionWithMessages{}, ReadBodyAsError(res)
		}
		var session SessionWithMessages
		return session, json.NewDecoder(res.Body).Decode(&session)
	})
	return res.Value, res.Err
}

// DeleteSession deletes a session and its transcript.
func (c *Client) DeleteSession(ctx context.Context, sessionID uuid.UUID) error {
	res, err := c.Request(ctx, http.MethodDelete, fmt.Sprintf("/api/juben/sessions/%s", sessionID), nil)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		return ReadBodyAsError(res)
	}
	return nil
}
