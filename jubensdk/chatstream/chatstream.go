// Package chatstream implements the resilient streaming client for
// juben chat generations. It consumes the backend's `data: <json>`
// event stream over HTTP POST, survives silent connection drops via a
// heartbeat watchdog, and resumes interrupted generations from the
// last acknowledged sequence number.
package chatstream

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/GongLingRui/juben-go/jubensdk"
)

// State is the connection state of a Client. Transitions are guarded
// so at most one read loop exists per client.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateStreaming    State = "streaming"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

var (
	// ErrAlreadyStreaming is returned by Connect while a stream is
	// active. Callers must wait for the stream to finish or Close the
	// client first.
	ErrAlreadyStreaming = xerrors.New("chat stream already active")
	// ErrClosed is returned once Close has been called.
	ErrClosed = xerrors.New("chat stream client closed")
	// ErrNoResumeTarget is returned by Resume when no prior stream
	// captured a message ID.
	ErrNoResumeTarget = xerrors.New("no message to resume")
)

const (
	// DefaultHeartbeatInterval matches the backend's keepalive cadence.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultHeartbeatTolerance is grace added on top of the heartbeat
	// interval before the connection is declared lost. Proxies can
	// drop a stream without surfacing a read error.
	DefaultHeartbeatTolerance = 5 * time.Second
	// DefaultReconnectDelay is the fixed wait between reconnect
	// attempts. Reconnects deliberately do not back off: the resume
	// window on the backend is short.
	DefaultReconnectDelay = 2 * time.Second
	// DefaultMaxReconnectAttempts bounds automatic recovery.
	DefaultMaxReconnectAttempts = 5
	// DefaultCacheSize bounds the replay cache of sequenced events.
	DefaultCacheSize = 100

	// eventBufferSize is the delivery channel capacity.
	eventBufferSize = 128
	// maxFrameSize caps a single stream line.
	maxFrameSize = 1 << 20 // 1MiB
)

// Options configures a Client. Zero values use the defaults above.
type Options struct {
	// Endpoint is the chat stream path.
	Endpoint string
	// ResumeEndpoint is the resume path. Defaults to Endpoint+"/resume".
	ResumeEndpoint string

	HeartbeatInterval time.Duration
	// HeartbeatTolerance is added to HeartbeatInterval before the
	// watchdog declares the connection lost.
	HeartbeatTolerance   time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	// CacheSize bounds the sequenced-event replay cache. When full,
	// the numerically smallest sequence is evicted.
	CacheSize int

	Logger slog.Logger
	Clock  quartz.Clock
}

func (o Options) withDefaults() Options {
	if o.Endpoint == "" {
		o.Endpoint = "/api/juben/chat"
	}
	if o.ResumeEndpoint == "" {
		o.ResumeEndpoint = o.Endpoint + "/resume"
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.HeartbeatTolerance <= 0 {
		o.HeartbeatTolerance = DefaultHeartbeatTolerance
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if o.CacheSize <= 0 {
		o.CacheSize = DefaultCacheSize
	}
	if o.Clock == nil {
		o.Clock = quartz.NewReal()
	}
	return o
}

// Client is a resilient chat stream consumer. All exported methods are
// safe for concurrent use; at most one stream is active at a time.
type Client struct {
	sdk  *jubensdk.Client
	opts Options

	mu            sync.Mutex
	state         State
	cancel        context.CancelFunc
	messageID     string
	sessionID     string
	lastSeq       int64
	cache         map[int64]StreamEvent
	lastRequest   *jubensdk.ChatRequest
	stateHandlers map[int]func(State)
	nextHandlerID int
}

// New creates a stream client on top of an SDK client.
func New(sdk *jubensdk.Client, opts Options) *Client {
	return &Client{
		sdk:           sdk,
		opts:          opts.withDefaults(),
		state:         StateIdle,
		cache:         map[int64]StreamEvent{},
		stateHandlers: map[int]func(State){},
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MessageID returns the message identifier captured from the last
// stream's response headers, or "".
func (c *Client) MessageID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messageID
}

// SessionID returns the session identifier captured from the last
// stream's response headers, or "".
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// LastSequence returns the high-water sequence mark for the current
// stream. Frames at or below the mark are dropped as duplicates.
func (c *Client) LastSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// CachedEvents returns the replay cache sorted by sequence, for
// redrawing a transcript after a reconnect.
func (c *Client) CachedEvents() []StreamEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := make([]StreamEvent, 0, len(c.cache))
	for _, ev := range c.cache {
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Sequence < events[j].Sequence
	})
	return events
}

// OnStateChange registers a state observer and returns its removal
// function. Observers run synchronously on transitions; panics are
// recovered so one observer cannot break the others.
func (c *Client) OnStateChange(fn func(State)) (remove func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextHandlerID
	c.nextHandlerID++
	c.stateHandlers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.stateHandlers, id)
	}
}

// Connect starts a new generation stream. The returned channel closes
// when the generation completes, the caller cancels ctx, Close is
// called, or reconnection is exhausted (after a final EventError).
// Connecting while a stream is active returns ErrAlreadyStreaming.
func (c *Client) Connect(ctx context.Context, req jubensdk.ChatRequest) (<-chan StreamEvent, error) {
	return c.start(ctx, req, false)
}

// Resume reopens the last generation's stream from the current
// sequence high-water mark. It requires a prior Connect that captured
// a message ID and retained its request.
func (c *Client) Resume(ctx context.Context) (<-chan StreamEvent, error) {
	c.mu.Lock()
	if c.messageID == "" || c.lastRequest == nil {
		c.mu.Unlock()
		return nil, ErrNoResumeTarget
	}
	req := *c.lastRequest
	c.mu.Unlock()
	return c.start(ctx, req, true)
}

// Close tears the client down. Idempotent. Any active stream is
// canceled and its channel closed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	c.cancel = nil
	handlers := c.setStateLocked(StateClosed)
	c.mu.Unlock()
	c.notify(handlers, StateClosed)
	if cancel != nil {
		cancel()
	}
	return nil
}

func (c *Client) start(ctx context.Context, req jubensdk.ChatRequest, resume bool) (<-chan StreamEvent, error) {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return nil, ErrClosed
	case StateIdle:
	default:
		c.mu.Unlock()
		return nil, ErrAlreadyStreaming
	}
	handlers := c.setStateLocked(StateConnecting)
	if !resume {
		c.lastSeq = 0
		c.cache = map[int64]StreamEvent{}
		c.messageID = ""
		c.sessionID = ""
		reqCopy := req
		c.lastRequest = &reqCopy
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()
	c.notify(handlers, StateConnecting)

	var body io.ReadCloser
	var err error
	if resume {
		body, err = c.open(runCtx, c.opts.ResumeEndpoint, c.resumePayload())
	} else {
		body, err = c.open(runCtx, c.opts.Endpoint, req)
	}
	if err != nil {
		cancel()
		c.transition(StateIdle)
		return nil, err
	}

	c.transition(StateStreaming)
	events := make(chan StreamEvent, eventBufferSize)
	go c.run(runCtx, body, events)
	return events, nil
}

// open performs the stream POST and captures the identity headers.
func (c *Client) open(ctx context.Context, endpoint string, payload any) (io.ReadCloser, error) {
	res, err := c.sdk.Request(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, jubensdk.ReadBodyAsError(res)
	}

	c.mu.Lock()
	if id := res.Header.Get(jubensdk.MessageIDHeader); id != "" {
		c.messageID = id
	}
	if id := res.Header.Get(jubensdk.SessionIDHeader); id != "" {
		c.sessionID = id
	}
	c.mu.Unlock()
	return res.Body, nil
}

func (c *Client) resumePayload() jubensdk.ResumeChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload := jubensdk.ResumeChatRequest{
		MessageID:    c.messageID,
		SessionID:    c.sessionID,
		FromSequence: c.lastSeq,
	}
	if c.lastRequest != nil {
		payload.UserID = c.lastRequest.UserID
	}
	return payload
}

// run owns the stream lifecycle: it reads until completion and drives
// bounded reconnection on unexpected failures. Exactly one run
// goroutine exists per active stream.
func (c *Client) run(ctx context.Context, body io.ReadCloser, events chan StreamEvent) {
	defer close(events)

	// reconnects counts attempts within the current outage; it resets
	// once a resume succeeds so each loss gets the full budget.
	reconnects := 0
	for {
		err := c.readStream(ctx, body, events)
		if err == nil {
			// Generation completed.
			c.transition(StateIdle)
			return
		}
		if ctx.Err() != nil {
			// Intentional cancellation (Close or caller ctx). Never
			// reconnected.
			c.transition(StateIdle)
			return
		}

		c.opts.Logger.Warn(ctx, "chat stream interrupted", slog.Error(err))

		recovered := false
		for !recovered {
			reconnects++
			if reconnects > c.opts.MaxReconnectAttempts {
				_ = c.deliver(ctx, events, StreamEvent{
					Type:    EventError,
					Content: xerrors.Errorf("connection lost after %d reconnect attempts: %w", reconnects-1, err).Error(),
				})
				c.transition(StateIdle)
				return
			}
			c.transition(StateReconnecting)

			timer := c.opts.Clock.NewTimer(c.opts.ReconnectDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				c.transition(StateIdle)
				return
			case <-timer.C:
			}

			newBody, rerr := c.open(ctx, c.opts.ResumeEndpoint, c.resumePayload())
			if rerr != nil {
				if ctx.Err() != nil {
					c.transition(StateIdle)
					return
				}
				c.opts.Logger.Warn(ctx, "chat stream resume failed",
					slog.F("attempt", reconnects),
					slog.Error(rerr),
				)
				err = rerr
				continue
			}
			body = newBody
			c.transition(StateStreaming)
			recovered = true
			reconnects = 0
		}
	}
}

// readStream consumes one connection's frames. It returns nil when the
// generation finished (done event), and an error when the connection
// was lost before completion.
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, events chan StreamEvent) error {
	defer body.Close()

	// The watchdog force-closes the body so a silently dropped
	// connection surfaces as a read error instead of hanging forever.
	var timedOut atomic.Bool
	watchdogDelay := c.opts.HeartbeatInterval + c.opts.HeartbeatTolerance
	watchdog := c.opts.Clock.AfterFunc(watchdogDelay, func() {
		timedOut.Store(true)
		_ = body.Close()
	})
	defer watchdog.Stop()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Text()
		// Minimal framing: only `data:` lines carry payloads. The
		// backend emits neither `event:` nor `id:` lines.
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimPrefix(payload, " ")

		// Any frame proves the connection is alive.
		watchdog.Reset(watchdogDelay)

		ev, err := normalizeFrame([]byte(payload))
		if err != nil {
			// Malformed frames are dropped, never fatal to the loop.
			c.opts.Logger.Warn(ctx, "dropping malformed stream frame", slog.Error(err))
			continue
		}

		if ev.Type == EventHeartbeat {
			continue
		}
		if !c.admit(&ev) {
			// Duplicate of an already-delivered sequence (resume
			// replay overlap).
			continue
		}

		if err := c.deliver(ctx, events, ev); err != nil {
			return err
		}
		if ev.Type == EventDone {
			return nil
		}
	}

	if timedOut.Load() {
		return xerrors.Errorf("no heartbeat within %s, connection presumed lost", watchdogDelay)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Errorf("read chat stream: %w", err)
	}
	return xerrors.New("chat stream ended before completion")
}

// admit applies sequence tracking to an event. It returns false for
// duplicates. Sequenced events are recorded in the bounded replay
// cache; the bound is enforced before insertion by evicting the
// numerically smallest sequence.
func (c *Client) admit(ev *StreamEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.MessageID == "" {
		ev.MessageID = c.messageID
	}
	if ev.Sequence <= 0 {
		return true
	}
	if ev.Sequence <= c.lastSeq {
		return false
	}
	c.lastSeq = ev.Sequence
	if len(c.cache) >= c.opts.CacheSize {
		smallest := int64(-1)
		for seq := range c.cache {
			if smallest < 0 || seq < smallest {
				smallest = seq
			}
		}
		delete(c.cache, smallest)
	}
	c.cache[ev.Sequence] = *ev
	return true
}

func (c *Client) deliver(ctx context.Context, events chan StreamEvent, ev StreamEvent) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case events <- ev:
		return nil
	}
}

// transition moves to a new state unless the client is closed.
func (c *Client) transition(to State) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == to {
		c.mu.Unlock()
		return
	}
	handlers := c.setStateLocked(to)
	c.mu.Unlock()
	c.notify(handlers, to)
}

// setStateLocked updates the state and snapshots the observers.
// Callers hold c.mu and must invoke notify after unlocking, so an
// observer can call back into the client without deadlocking.
func (c *Client) setStateLocked(to State) []func(State) {
	c.state = to
	handlers := make([]func(State), 0, len(c.stateHandlers))
	for _, fn := range c.stateHandlers {
		handlers = append(handlers, fn)
	}
	return handlers
}

// notify invokes state observers. Panics are recovered so one
// observer cannot break the others.
func (c *Client) notify(handlers []func(State), to State) {
	for _, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.opts.Logger.Error(context.Background(), "state observer panicked", slog.F("panic", r))
				}
			}()
			fn(to)
		}()
	}
}
