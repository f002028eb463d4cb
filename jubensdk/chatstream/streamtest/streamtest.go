// Package streamtest provides a scripted fake of the juben chat
// stream backend for tests: it serves `data: <json>` frames over the
// chat and resume endpoints, can drop connections mid-stream, and
// records every request it receives.
package streamtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/GongLingRui/juben-go/jubensdk"
)

// Frame is one scripted stream frame.
type Frame struct {
	// Event is the wire kind tag, written as `event_type` to exercise
	// the client's field tolerance.
	Event string
	// Data is the frame payload. Strings are sent flat; anything else
	// is JSON-encoded as an object.
	Data any
	// Sequence is the top-level sequence number. Zero omits it.
	Sequence int64
	// Raw, when set, is written verbatim as the frame payload. Used
	// to script malformed frames.
	Raw string
}

// Response scripts the server's reaction to one chat request.
type Response struct {
	// Busy replies 429 without streaming.
	Busy bool
	// StatusCode replies with a non-200 status and ErrorBody.
	StatusCode int
	ErrorBody  string

	// MessageID and SessionID are returned in the identity headers.
	MessageID string
	SessionID string

	// Frames are streamed in order.
	Frames []Frame
	// DisconnectAfter, when > 0, aborts the connection after that
	// many frames have been written.
	DisconnectAfter int
	// Hold, when non-nil, keeps the connection open after the last
	// frame until the channel is closed. The stream then ends without
	// a terminal frame, as a silently dropped connection would.
	Hold <-chan struct{}
}

// Handler scripts the server's response to a chat request.
type Handler func(req jubensdk.ChatRequest) Response

// Server is a fake juben streaming backend.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	handler      Handler
	last         Response
	chatCalls    []jubensdk.ChatRequest
	resumeCalls  []jubensdk.ResumeChatRequest
	resumeScript func(req jubensdk.ResumeChatRequest) Response
}

// New starts a fake backend whose chat endpoint is scripted by
// handler. The server is closed on test cleanup.
func New(t testing.TB, handler Handler) *Server {
	s := &Server{handler: handler}

	r := chi.NewRouter()
	r.Post("/api/juben/chat", s.handleChat)
	r.Post("/api/juben/chat/resume", s.handleResume)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Server.Close)
	return s
}

// Client returns an SDK client pointed at this server.
func (s *Server) Client(t testing.TB) *jubensdk.Client {
	t.Helper()
	client, err := jubensdk.New(s.URL)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	return client
}

// SetResumeScript overrides the default resume behavior, which
// replays the last scripted response's frames above from_sequence.
func (s *Server) SetResumeScript(fn func(req jubensdk.ResumeChatRequest) Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumeScript = fn
}

// ChatRequests returns the chat requests received so far.
func (s *Server) ChatRequests() []jubensdk.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]jubensdk.ChatRequest(nil), s.chatCalls...)
}

// ResumeRequests returns the resume requests received so far.
func (s *Server) ResumeRequests() []jubensdk.ResumeChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]jubensdk.ResumeChatRequest(nil), s.resumeCalls...)
}

func (s *Server) handleChat(rw http.ResponseWriter, r *http.Request) {
	var req jubensdk.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.chatCalls = append(s.chatCalls, req)
	resp := s.handler(req)
	s.last = resp
	s.mu.Unlock()

	s.writeStream(rw, resp, 0)
}

func (s *Server) handleResume(rw http.ResponseWriter, r *http.Request) {
	var req jubensdk.ResumeChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.resumeCalls = append(s.resumeCalls, req)
	script := s.resumeScript
	resp := s.last
	s.mu.Unlock()

	if script != nil {
		resp = script(req)
	} else {
		// Default: replay the last script from the requested
		// position, completing this time.
		resp.DisconnectAfter = 0
		resp.Hold = nil
	}
	s.writeStream(rw, resp, req.FromSequence)
}

func (s *Server) writeStream(rw http.ResponseWriter, resp Response, fromSeq int64) {
	if resp.Busy {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(rw).Encode(jubensdk.Response{
			Message: "a generation is already in flight for this session",
		})
		return
	}
	if resp.StatusCode != 0 && resp.StatusCode != http.StatusOK {
		http.Error(rw, resp.ErrorBody, resp.StatusCode)
		return
	}

	if resp.MessageID != "" {
		rw.Header().Set(jubensdk.MessageIDHeader, resp.MessageID)
	}
	if resp.SessionID != "" {
		rw.Header().Set(jubensdk.SessionIDHeader, resp.SessionID)
	}
	rw.Header().Set("Content-Type", "text/event-stream")
	rw.WriteHeader(http.StatusOK)

	flusher, _ := rw.(http.Flusher)
	written := 0
	for _, frame := range resp.Frames {
		if frame.Sequence > 0 && frame.Sequence <= fromSeq {
			continue
		}
		_, _ = fmt.Fprintf(rw, "data: %s\n\n", marshalFrame(frame))
		if flusher != nil {
			flusher.Flush()
		}
		written++
		if resp.DisconnectAfter > 0 && written >= resp.DisconnectAfter {
			// Abort the connection without a terminal frame so the
			// client sees a mid-generation drop.
			panic(http.ErrAbortHandler)
		}
	}
	if resp.Hold != nil {
		<-resp.Hold
	}
}

func marshalFrame(frame Frame) []byte {
	if frame.Raw != "" {
		return []byte(frame.Raw)
	}
	payload := map[string]any{
		"event_type": frame.Event,
	}
	if frame.Data != nil {
		payload["data"] = frame.Data
	}
	if frame.Sequence > 0 {
		payload["sequence"] = frame.Sequence
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("streamtest: marshal frame: %v", err))
	}
	return buf
}
