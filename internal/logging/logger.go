// Package logging is the structured logger shared by the sync engine and
// the reference server. Backends are slog and zap. Both add the fields a
// caller attached to the context with ContextWith, so every line logged
// during a sync run or an HTTP request carries its run or request id.
package logging

import "context"

// Keys used across the code base.
const (
	KeyModule  = "module"
	KeyError   = "error"
	KeyRun     = "run"
	KeyReason  = "reason"
	KeyDevice  = "device"
	KeyRequest = "request_id"
)

// Logger takes alternating key-value pairs after the message:
//
//	log.Info(ctx, "sync finished", "sent", n, "pulled", m)
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that always includes args.
	With(args ...any) Logger
}

// ForModule tags l with the component name. A nil l yields a Nop logger.
func ForModule(l Logger, name string) Logger {
	if l == nil {
		l = Nop()
	}
	return l.With(KeyModule, name)
}

type fieldsKey struct{}

// ContextWith returns a context carrying args in addition to any fields
// already attached to ctx.
func ContextWith(ctx context.Context, args ...any) context.Context {
	if len(args) == 0 {
		return ctx
	}
	prev := Fields(ctx)
	merged := make([]any, 0, len(prev)+len(args))
	merged = append(merged, prev...)
	merged = append(merged, args...)
	return context.WithValue(ctx, fieldsKey{}, merged)
}

// Fields returns the pairs attached with ContextWith.
func Fields(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(fieldsKey{}).([]any)
	return f
}

func withFields(ctx context.Context, args []any) []any {
	f := Fields(ctx)
	if len(f) == 0 {
		return args
	}
	out := make([]any, 0, len(f)+len(args))
	out = append(out, f...)
	return append(out, args...)
}
