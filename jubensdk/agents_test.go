package jubensdk_test

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/GongLingRui/juben-go/jubensdk"
	"github.com/GongLingRui/juben-go/testutil"
)

func TestListAgents(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	catalog := []jubensdk.Agent{
		{ID: "script-planner", Name: "剧本规划", Category: jubensdk.AgentCategoryPlanning},
		{ID: "script-scorer", Name: "剧本评分", Category: jubensdk.AgentCategoryEvaluation},
	}
	client := newClient(t, http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/juben/agents", r.URL.Path)
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(catalog)
	}))

	agents, err := client.ListAgents(ctx)
	require.NoError(t, err)
	require.Equal(t, catalog, agents)
}

func TestListAgents_RetriesTransientFailure(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitMedium)

	var calls atomic.Int64
	client := newClient(t, http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(rw, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode([]jubensdk.Agent{{ID: "script-planner"}})
	}))

	agents, err := client.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	require.EqualValues(t, 2, calls.Load())
}

func TestListAgents_ClientErrorNotRetried(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	var calls atomic.Int64
	client := newClient(t, http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(rw).Encode(jubensdk.Response{Message: "session expired"})
	}))

	_, err := client.ListAgents(ctx)
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load())

	apiErr, ok := jubensdk.AsError(err)
	require.True(t, ok)
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}
