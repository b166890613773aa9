package logger

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// New builds the process-wide structured logger. JSON on stdout, so the log
// pipeline can index run_id/call_id attributes without parsing message text.
func New(appEnv string) *slog.Logger {
	level := slog.LevelInfo
	if appEnv == "local" || appEnv == "dev" {
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", "carecall-api")
}

type ctxKey struct{}

// With stores a logger in the context. Long-lived flows (the dispatch loop,
// webhook reconciliation) carry their scoped logger this way instead of
// threading it through every signature.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From returns the context's logger, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}

// ShutdownFlush is called from graceful shutdown. The JSON handler writes
// through, so there is nothing to flush today; the hook keeps main agnostic to
// a buffered sink later.
func ShutdownFlush(_ context.Context, _ time.Duration) error { return nil }
