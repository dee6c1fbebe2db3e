package httputil

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/requestctx"
)

// ClientKey returns the caller identity used for rate limiting.
func ClientKey(c *fiber.Ctx) string {
	if rc, ok := requestctx.FromContext(UserContext(c)); ok && rc.ClientKey != "" {
		return rc.ClientKey
	}
	return c.IP()
}

// UserContext returns the request's context, never nil.
func UserContext(c *fiber.Ctx) context.Context {
	if c == nil {
		return context.Background()
	}
	if uc := c.UserContext(); uc != nil {
		return uc
	}
	return context.Background()
}

// RequestContext resolves caller identity and stores it for downstream handlers.
func RequestContext() fiber.Handler {
	return func(c *fiber.Ctx) error {
		rc := &requestctx.Context{ClientKey: c.IP()}
		if id, ok := c.Locals("requestid").(string); ok {
			rc.RequestID = id
		}
		c.Locals(requestctx.LocalsKey, rc)
		c.SetUserContext(requestctx.WithContext(UserContext(c), rc))
		return c.Next()
	}
}
