package jubensdk_test

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/GongLingRui/juben-go/jubensdk"
	"github.com/GongLingRui/juben-go/testutil"
)

func TestListSessions(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	sessions := []jubensdk.Session{
		{
			ID:        uuid.New(),
			AgentID:   "script-planner",
			UserID:    "u-1",
			Title:     "第三幕修改",
			CreatedAt: time.Now().UTC().Truncate(time.Second),
		},
	}
	client := newClient(t, http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/juben/sessions", r.URL.Path)
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(sessions)
	}))

	got, err := client.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, sessions[0].ID, got[0].ID)
	require.Equal(t, sessions[0].Title, got[0].Title)
}

func TestGetSession(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	sessionID := uuid.New()
	r := chi.NewRouter()
	r.Get("/api/juben/sessions/{session}", func(rw http.ResponseWriter, req *http.Request) {
		require.Equal(t, sessionID.String(), chi.URLParam(req, "session"))
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(jubensdk.SessionWithMessages{
			Session: jubensdk.Session{ID: sessionID, AgentID: "script-planner"},
			Messages: []jubensdk.ChatMessage{
				{Role: "user", Content: "帮我写一场冲突戏"},
				{Role: "assistant", Content: "好的……"},
			},
		})
	})
	client := newClient(t, r)

	got, err := client.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, sessionID, got.Session.ID)
	require.Len(t, got.Messages, 2)
	require.Equal(t, "user", got.Messages[0].Role)
}

func TestGetSession_NotFound(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	client := newClient(t, http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(rw).Encode(jubensdk.Response{Message: "no such session"})
	}))

	_, err := client.GetSession(ctx, uuid.New())
	require.Error(t, err)
	apiErr, ok := jubensdk.AsError(err)
	require.True(t, ok)
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestDeleteSession(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	sessionID := uuid.New()
	var deleted bool
	r := chi.NewRouter()
	r.Delete("/api/juben/sessions/{session}", func(rw http.ResponseWriter, req *http.Request) {
		require.Equal(t, sessionID.String(), chi.URLParam(req, "session"))
		deleted = true
		rw.WriteHeader(http.StatusNoContent)
	})
	client := newClient(t, r)

	require.NoError(t, client.DeleteSession(ctx, sessionID))
	require.True(t, deleted)
}
