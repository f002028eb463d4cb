package chatstream

import (
	"context"
	"sync"

	"cdr.dev/slog/v3"

	"github.com/GongLingRui/juben-go/jubensdk"
)

// Handler receives one normalized stream event.
type Handler func(StreamEvent)

// Session adapts the stream client into the publish/subscribe surface
// UI layers consume: register handlers per event kind, send a message,
// and events are dispatched as they arrive. Callers must Close the
// session when done with it or the underlying stream leaks.
type Session struct {
	client *Client
	logger slog.Logger

	mu       sync.Mutex
	closed   bool
	nextID   int
	handlers map[EventType]map[int]Handler
}

// NewSession creates a session on top of an SDK client.
func NewSession(sdk *jubensdk.Client, opts Options) *Session {
	opts = opts.withDefaults()
	return &Session{
		client:   New(sdk, opts),
		logger:   opts.Logger,
		handlers: map[EventType]map[int]Handler{},
	}
}

// Client exposes the underlying stream client for state inspection.
func (s *Session) Client() *Client {
	return s.client
}

// On registers a handler for one event kind and returns its removal
// function.
func (s *Session) On(kind EventType, h Handler) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	if s.handlers[kind] == nil {
		s.handlers[kind] = map[int]Handler{}
	}
	s.handlers[kind][id] = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if set := s.handlers[kind]; set != nil {
			delete(set, id)
		}
	}
}

// OnState registers a connection state observer and returns its
// removal function.
func (s *Session) OnState(fn func(State)) (remove func()) {
	return s.client.OnStateChange(fn)
}

// SendMessage starts a generation and dispatches its events to the
// registered handlers. It returns immediately after the stream is
// established; ErrAlreadyStreaming if a generation is in flight.
func (s *Session) SendMessage(ctx context.Context, req jubensdk.ChatRequest) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	events, err := s.client.Connect(ctx, req)
	if err != nil {
		return err
	}
	s.pump(events)
	return nil
}

// Resume reopens the previous generation from the last acknowledged
// sequence. It fails softly: false is returned (and a debug line
// logged) when there is nothing to resume or the reconnect fails,
// matching how UI callers treat resume as best-effort.
func (s *Session) Resume(ctx context.Context) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	events, err := s.client.Resume(ctx)
	if err != nil {
		s.logger.Debug(ctx, "resume not possible", slog.Error(err))
		return false
	}
	s.pump(events)
	return true
}

// Close tears the session down: the active stream is canceled and all
// handler sets are cleared. Idempotent, and safe to call from inside an
// event handler. Close does not wait on the pump goroutine (the handler
// calling it would be waiting on itself); the pump exits on its own
// once the canceled stream's channel closes, dispatching to the
// now-empty handler sets in the meantime.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.handlers = map[EventType]map[int]Handler{}
	s.mu.Unlock()

	return s.client.Close()
}

// pump dispatches stream events to handlers until the channel closes.
func (s *Session) pump(events <-chan StreamEvent) {
	go func() {
		for ev := range events {
			s.dispatch(ev)
		}
	}()
}

func (s *Session) dispatch(ev StreamEvent) {
	s.mu.Lock()
	set := s.handlers[ev.Type]
	handlers := make([]Handler, 0, len(set))
	for _, h := range set {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error(context.Background(), "event handler panicked",
						slog.F("event", ev.Type),
						slog.F("panic", r),
					)
				}
			}()
			h(ev)
		}()
	}
}
