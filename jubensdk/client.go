// Package jubensdk is the Go client for the juben agent platform API.
// It wraps the backend's HTTP endpoints with typed requests and
// responses; streaming chat lives in the chatstream subpackage.
package jubensdk

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/websocket"
)

// Client is a HTTP client for the juben backend. All methods are safe
// for concurrent use.
type Client struct {
	// HTTPClient performs all requests. Streaming endpoints require a
	// client without a global timeout.
	HTTPClient *http.Client

	// URL is the base URL of the backend.
	URL *url.URL

	// Logger is used for best-effort diagnostics. Optional.
	Logger slog.Logger

	mu           sync.RWMutex
	sessionToken string
}

// New creates a client for the backend at rawURL.
func New(rawURL string) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, xerrors.Errorf("parse backend url %q: %w", rawURL, err)
	}
	return &Client{
		URL:        parsed,
		HTTPClient: &http.Client{},
	}, nil
}

// SessionToken returns the current bearer token.
func (c *Client) SessionToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionToken
}

// SetSessionToken updates the bearer token sent on every request.
func (c *Client) SetSessionToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionToken = token
}

// RequestOption mutates an outgoing request before it is sent.
type RequestOption func(*http.Request)

// WithContentType overrides the request Content-Type header.
func WithContentType(contentType string) RequestOption {
	return func(req *http.Request) {
		req.Header.Set("Content-Type", contentType)
	}
}

// Request performs an HTTP request against the backend. A non-nil body
// is JSON-encoded unless it is already an io.Reader. The caller owns
// the response body.
func (c *Client) Request(ctx context.Context, method, path string, body interface{}, opts ...RequestOption) (*http.Response, error) {
	if c.URL == nil {
		return nil, xerrors.New("client has no base URL")
	}
	reqURL, err := c.URL.Parse(path)
	if err != nil {
		return nil, xerrors.Errorf("parse request path %q: %w", path, err)
	}

	var reader io.Reader
	contentType := ""
	switch data := body.(type) {
	case nil:
	case io.Reader:
		reader = data
	default:
		buf, err := json.Marshal(data)
		if err != nil {
			return nil, xerrors.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(buf)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reader)
	if err != nil {
		return nil, xerrors.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token := c.SessionToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("%s %s: %w", method, reqURL.Path, err)
	}
	return resp, nil
}

// Dial opens a websocket connection against the backend, forwarding
// the bearer token. Used by streaming endpoints such as the workflow
// monitor.
func (c *Client) Dial(ctx context.Context, path string, opts *websocket.DialOptions) (*websocket.Conn, error) {
	if c.URL == nil {
		return nil, xerrors.New("client has no base URL")
	}
	dialURL, err := c.URL.Parse(path)
	if err != nil {
		return nil, xerrors.Errorf("parse dial path %q: %w", path, err)
	}
	switch dialURL.Scheme {
	case "http":
		dialURL.Scheme = "ws"
	case "https":
		dialURL.Scheme = "wss"
	}

	if opts == nil {
		opts = &websocket.DialOptions{}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = c.HTTPClient
	}
	if opts.HTTPHeader == nil {
		opts.HTTPHeader = http.Header{}
	}
	if token := c.SessionToken(); token != "" && opts.HTTPHeader.Get("Authorization") == "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+token)
	}

	//nolint:bodyclose // The websocket library owns the response body.
	conn, _, err := websocket.Dial(ctx, dialURL.String(), opts)
	if err != nil {
		return nil, xerrors.Errorf("dial %s: %w", dialURL.Path, err)
	}
	return conn, nil
}

type closeFunc func() error

func (c closeFunc) Close() error { return c() }

// trimmedBody reads at most limit bytes of a response body for error
// reporting.
func trimmedBody(body io.Reader, limit int64) string {
	raw, _ := io.ReadAll(io.LimitReader(body, limit))
	return strings.TrimSpace(string(raw))
}
