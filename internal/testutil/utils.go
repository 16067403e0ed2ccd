package testutil

import (
	"testing"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"
)

// TestLogger returns a debug level logger writing through t. Logged errors
// don't fail the test.
func TestLogger(t testing.TB) slog.Logger {
	return slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Leveled(slog.LevelDebug)
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
