// Package retry provides bounded retry with exponential backoff for
// calls against the juben backend. It classifies errors as retryable
// or permanent by inspecting the error message, since the backend does
// not yet carry machine-readable error codes on every response.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
)

const (
	// DefaultMaxRetries is the number of retries after the initial
	// attempt.
	DefaultMaxRetries = 3

	// DefaultInitialDelay is the backoff duration for the first retry
	// attempt.
	DefaultInitialDelay = 1 * time.Second

	// DefaultMaxDelay is the upper bound for the exponential backoff
	// duration.
	DefaultMaxDelay = 10 * time.Second

	// DefaultBackoffFactor is the multiplier applied to the delay
	// after each failed attempt.
	DefaultBackoffFactor = 2.0
)

// Kind categorizes a failure for retry decisions.
type Kind string

const (
	KindNetwork   Kind = "network"
	KindTimeout   Kind = "timeout"
	KindRateLimit Kind = "rate_limit"
	KindServer    Kind = "server"
	KindClient    Kind = "client"
	KindUnknown   Kind = "unknown"
)

// Class is the outcome of classifying an error.
type Class struct {
	Kind      Kind
	Retryable bool
}

// networkPatterns indicate a transport-level failure worth retrying.
var networkPatterns = []string{
	"network",
	"fetch",
	"connection",
	"econnrefused",
	"enotfound",
}

// rateLimitPatterns indicate the backend shed the request.
var rateLimitPatterns = []string{
	"rate limit",
	"429",
	"too many requests",
}

var (
	serverStatusRe = regexp.MustCompile(`\b5\d{2}\b`)
	clientStatusRe = regexp.MustCompile(`\b4\d{2}\b`)
)

// Classify inspects an error message and decides its kind and whether
// a retry is worthwhile. Matching order matters: rate-limit markers
// (including a literal 429) are checked before the generic 4xx match
// so throttling is retried while other client errors are not.
func Classify(err error) Class {
	if err == nil {
		return Class{Kind: KindUnknown, Retryable: false}
	}
	// Cancellation is never retryable regardless of wrapping.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Class{Kind: KindTimeout, Retryable: false}
	}

	lower := strings.ToLower(err.Error())

	for _, p := range networkPatterns {
		if strings.Contains(lower, p) {
			return Class{Kind: KindNetwork, Retryable: true}
		}
	}
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") {
		return Class{Kind: KindTimeout, Retryable: true}
	}
	for _, p := range rateLimitPatterns {
		if strings.Contains(lower, p) {
			return Class{Kind: KindRateLimit, Retryable: true}
		}
	}
	if serverStatusRe.MatchString(lower) {
		return Class{Kind: KindServer, Retryable: true}
	}
	if clientStatusRe.MatchString(lower) {
		return Class{Kind: KindClient, Retryable: false}
	}
	return Class{Kind: KindUnknown, Retryable: false}
}

// Options configures a Do invocation. The zero value uses the package
// defaults.
type Options struct {
	// MaxRetries is the number of retries after the first attempt, so
	// the operation runs at most MaxRetries+1 times.
	MaxRetries int
	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the exponential growth of the delay.
	MaxDelay time.Duration
	// BackoffFactor multiplies the delay after each failed attempt.
	BackoffFactor float64
	// NoJitter disables the uniform [0.5, 1.5) multiplier applied to
	// each delay. Jitter is on by default.
	NoJitter bool
	// IsRetryable overrides Classify when non-nil. Returning false
	// stops retrying even for errors Classify considers transient.
	IsRetryable func(error) bool

	Logger slog.Logger
	Clock  quartz.Clock
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.BackoffFactor <= 1 {
		o.BackoffFactor = DefaultBackoffFactor
	}
	if o.Clock == nil {
		o.Clock = quartz.NewReal()
	}
	return o
}

// Delay returns the backoff duration for the given 0-indexed attempt:
// min(InitialDelay * BackoffFactor^attempt, MaxDelay), with jitter
// applied unless disabled.
func Delay(opts Options, attempt int) time.Duration {
	opts = opts.withDefaults()
	d := float64(opts.InitialDelay)
	for range attempt {
		d *= opts.BackoffFactor
		if d >= float64(opts.MaxDelay) {
			d = float64(opts.MaxDelay)
			break
		}
	}
	if !opts.NoJitter {
		d *= 0.5 + rand.Float64() //nolint:gosec // backoff jitter, not crypto.
	}
	return time.Duration(d)
}

// Result is the outcome of a Do invocation.
type Result[T any] struct {
	// Value is the operation's return value when OK.
	Value T
	// Err is the last error when not OK.
	Err error
	// Retries is the number of retries used, not counting the first
	// attempt.
	Retries int
	// OK reports whether the operation eventually succeeded.
	OK bool
}

// Do runs fn until it succeeds, fails with a non-retryable error, the
// retry budget is exhausted, or ctx is canceled. The wait between
// attempts is a suspension on the configured clock so callers can test
// with a mock.
func Do[T any](ctx context.Context, opts Options, fn func(ctx context.Context) (T, error)) Result[T] {
	opts = opts.withDefaults()

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		value, err := fn(ctx)
		if err == nil {
			return Result[T]{Value: value, Retries: attempt, OK: true}
		}
		lastErr = err

		retryable := Classify(err).Retryable
		if opts.IsRetryable != nil {
			retryable = opts.IsRetryable(err)
		}
		if !retryable || attempt == opts.MaxRetries {
			return Result[T]{Err: lastErr, Retries: attempt, OK: false}
		}
		if ctx.Err() != nil {
			return Result[T]{Err: ctx.Err(), Retries: attempt, OK: false}
		}

		delay := Delay(opts, attempt)
		opts.Logger.Warn(ctx, "retrying after error",
			slog.F("attempt", attempt+1),
			slog.F("delay", delay),
			slog.Error(err),
		)

		timer := opts.Clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result[T]{Err: ctx.Err(), Retries: attempt, OK: false}
		case <-timer.C:
		}
	}
	// Unreachable: the loop returns on exhaustion above.
	return Result[T]{Err: xerrors.Errorf("retry budget exhausted: %w", lastErr)}
}
