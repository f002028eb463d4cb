// Package testutil holds shared helpers for tests.
package testutil

import (
	"context"
	"testing"
	"time"
)

// Wait durations for test assertions. Generous so slow CI machines do
// not flake; tests finishing early are unaffected.
const (
	WaitShort  = 10 * time.Second
	WaitMedium = 15 * time.Second
	WaitLong   = 25 * time.Second
)

// IntervalFast is a polling interval for Eventually-style assertions.
const IntervalFast = 25 * time.Millisecond

// Context returns a context that cancels on test cleanup or after the
// given timeout, whichever comes first.
func Context(t testing.TB, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
