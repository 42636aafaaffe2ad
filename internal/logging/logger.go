// Package logging defines the structured-logging interface used by the
// transfer engine, its storage layer and the CLI. Implementations wrap slog.
package logging

import "context"

// Logger is a context-aware, structured logger.
//
// The variadic args are key–value pairs, e.g.:
//
//	log.Info(ctx, "part uploaded", "part", n, "etag", etag)
type Logger interface {
	// Debug logs per-part and per-request detail.
	Debug(ctx context.Context, msg string, args ...any)

	// Info logs lifecycle transitions.
	Info(ctx context.Context, msg string, args ...any)

	// Warn logs recoverable conditions such as a fallback path being taken.
	Warn(ctx context.Context, msg string, args ...any)

	// Error logs terminal failures.
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that always includes the given key–value pairs.
	With(args ...any) Logger
}
