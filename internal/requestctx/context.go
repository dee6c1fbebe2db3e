// Package requestctx carries per-request caller details through context.Context
// so services can log and rate limit without depending on the HTTP layer.
package requestctx

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// LocalsKey is the fiber.Locals slot holding the *Context for templates and handlers.
const LocalsKey = "requestctx"

// Context is the caller information resolved once per request.
type Context struct {
	RequestID string
	// ClientKey is the rate limiting identity, the client IP today.
	ClientKey string
	// SessionID is set once the studio page resolves the browser session.
	SessionID string
}

// LogAttrs returns the non-empty identifiers as slog attributes.
func (c *Context) LogAttrs() []any {
	if c == nil {
		return nil
	}
	attrs := make([]any, 0, 2)
	if c.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", c.RequestID))
	}
	if c.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", c.SessionID))
	}
	return attrs
}

func WithContext(parent context.Context, rc *Context) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithValue(parent, ctxKey{}, rc)
}

func FromContext(ctx context.Context) (*Context, bool) {
	if ctx == nil {
		return nil, false
	}
	rc, ok := ctx.Value(ctxKey{}).(*Context)
	return rc, ok && rc != nil
}
