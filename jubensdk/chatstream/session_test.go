package chatstream_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"cdr.dev/slog/v3/sloggers/slogtest"

	"github.com/GongLingRui/juben-go/jubensdk"
	"github.com/GongLingRui/juben-go/jubensdk/chatstream"
	"github.com/GongLingRui/juben-go/jubensdk/chatstream/streamtest"
	"github.com/GongLingRui/juben-go/testutil"
)

func TestSession_DispatchByKind(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	srv := streamtest.New(t, func(jubensdk.ChatRequest) streamtest.Response {
		return streamtest.Response{
			MessageID: "msg-1",
			Frames: []streamtest.Frame{
				{Event: "llm_chunk", Sequence: 1, Data: map[string]any{"content": "Hello"}},
				{Event: "thinking", Sequence: 2, Data: map[string]any{"content": "hmm"}},
				{Event: "llm_chunk", Sequence: 3, Data: map[string]any{"content": " world"}},
				{Event: "done", Sequence: 4},
			},
		}
	})

	session := chatstream.NewSession(srv.Client(t), chatstream.Options{
		Logger: slogtest.Make(t, nil),
	})
	defer session.Close()

	var mu sync.Mutex
	var chunks []string
	session.On(chatstream.EventMessage, func(ev chatstream.StreamEvent) {
		mu.Lock()
		defer mu.Unlock()
		chunks = append(chunks, ev.Content)
	})
	done := make(chan chatstream.StreamEvent, 1)
	session.On(chatstream.EventDone, func(ev chatstream.StreamEvent) {
		done <- ev
	})

	require.NoError(t, session.SendMessage(ctx, jubensdk.ChatRequest{AgentID: "a", Content: "hi"}))

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for completion")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"Hello", " world"}, chunks)
}

func TestSession_RemovedHandlerNotCalled(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	srv := streamtest.New(t, func(jubensdk.ChatRequest) streamtest.Response {
		return streamtest.Response{
			Frames: []streamtest.Frame{
				{Event: "llm_chunk", Sequence: 1, Data: map[string]any{"content": "a"}},
				{Event: "done", Sequence: 2},
			},
		}
	})

	session := chatstream.NewSession(srv.Client(t), chatstream.Options{
		Logger: slogtest.Make(t, nil),
	})
	defer session.Close()

	called := false
	remove := session.On(chatstream.EventMessage, func(chatstream.StreamEvent) {
		called = true
	})
	remove()

	done := make(chan struct{}, 1)
	session.On(chatstream.EventDone, func(chatstream.StreamEvent) {
		done <- struct{}{}
	})

	require.NoError(t, session.SendMessage(ctx, jubensdk.ChatRequest{AgentID: "a"}))
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for completion")
	}
	require.False(t, called)
}

func TestSession_HandlerPanicIsolated(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	srv := streamtest.New(t, func(jubensdk.ChatRequest) streamtest.Response {
		return streamtest.Response{
			Frames: []streamtest.Frame{
				{Event: "llm_chunk", Sequence: 1, Data: map[string]any{"content": "a"}},
				{Event: "done", Sequence: 2},
			},
		}
	})

	session := chatstream.NewSession(srv.Client(t), chatstream.Options{
		Logger: slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}),
	})
	defer session.Close()

	session.On(chatstream.EventMessage, func(chatstream.StreamEvent) {
		panic("handler bug")
	})
	survived := make(chan struct{}, 1)
	session.On(chatstream.EventMessage, func(chatstream.StreamEvent) {
		survived <- struct{}{}
	})

	require.NoError(t, session.SendMessage(ctx, jubensdk.ChatRequest{AgentID: "a"}))
	select {
	case <-survived:
	case <-ctx.Done():
		t.Fatal("timed out waiting for surviving handler")
	}
}

func TestSession_ResumeWithoutPriorSend(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	srv := streamtest.New(t, func(jubensdk.ChatRequest) streamtest.Response {
		return streamtest.Response{}
	})

	session := chatstream.NewSession(srv.Client(t), chatstream.Options{
		Logger: slogtest.Make(t, nil),
	})
	defer session.Close()

	require.False(t, session.Resume(ctx))
	require.Empty(t, srv.ResumeRequests())
}

func TestSession_CloseIdempotent(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	hold := make(chan struct{})
	defer close(hold)

	srv := streamtest.New(t, func(jubensdk.ChatRequest) streamtest.Response {
		return streamtest.Response{
			Frames: []streamtest.Frame{
				{Event: "llm_chunk", Sequence: 1, Data: map[string]any{"content": "a"}},
			},
			Hold: hold,
		}
	})

	session := chatstream.NewSession(srv.Client(t), chatstream.Options{
		Logger: slogtest.Make(t, nil),
	})

	require.NoError(t, session.SendMessage(ctx, jubensdk.ChatRequest{AgentID: "a"}))
	require.NoError(t, session.Close())
	require.NoError(t, session.Close())

	require.ErrorIs(t, session.SendMessage(ctx, jubensdk.ChatRequest{AgentID: "a"}), chatstream.ErrClosed)
	require.False(t, session.Resume(ctx))
}

func TestSession_CloseFromDoneHandler(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	srv := streamtest.New(t, func(jubensdk.ChatRequest) streamtest.Response {
		return streamtest.Response{
			Frames: []streamtest.Frame{
				{Event: "llm_chunk", Sequence: 1, Data: map[string]any{"content": "a"}},
				{Event: "done", Sequence: 2},
			},
		}
	})

	session := chatstream.NewSession(srv.Client(t), chatstream.Options{
		Logger: slogtest.Make(t, nil),
	})

	// Tearing down from the completion handler is the normal UI flow;
	// Close must return instead of waiting on its own dispatch
	// goroutine.
	closed := make(chan struct{})
	session.On(chatstream.EventDone, func(chatstream.StreamEvent) {
		require.NoError(t, session.Close())
		close(closed)
	})

	require.NoError(t, session.SendMessage(ctx, jubensdk.ChatRequest{AgentID: "a"}))
	select {
	case <-closed:
	case <-ctx.Done():
		t.Fatal("Close did not return inside the done handler")
	}
	require.ErrorIs(t, session.SendMessage(ctx, jubensdk.ChatRequest{AgentID: "a"}), chatstream.ErrClosed)
	require.False(t, session.Resume(ctx))
}

func TestSession_StateTransitions(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	srv := streamtest.New(t, func(jubensdk.ChatRequest) streamtest.Response {
		return streamtest.Response{
			Frames: []streamtest.Frame{
				{Event: "llm_chunk", Sequence: 1, Data: map[string]any{"content": "a"}},
				{Event: "done", Sequence: 2},
			},
		}
	})

	session := chatstream.NewSession(srv.Client(t), chatstream.Options{
		Logger: slogtest.Make(t, nil),
	})
	defer session.Close()

	var mu sync.Mutex
	var states []chatstream.State
	idle := make(chan struct{}, 1)
	session.OnState(func(s chatstream.State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
		if s == chatstream.StateIdle {
			idle <- struct{}{}
		}
	})

	require.NoError(t, session.SendMessage(ctx, jubensdk.ChatRequest{AgentID: "a"}))
	select {
	case <-idle:
	case <-ctx.Done():
		t.Fatal("timed out waiting for idle state")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []chatstream.State{
		chatstream.StateConnecting,
		chatstream.StateStreaming,
		chatstream.StateIdle,
	}, states)
}
