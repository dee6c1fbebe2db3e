package httputil

import (
	"math"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
)

// WriteError writes the {"error": msg} body shared by every API route,
// falling back to the status text when msg is empty.
func WriteError(c *fiber.Ctx, status int, msg string) error {
	if msg == "" {
		if msg = utils.StatusMessage(status); msg == "" {
			msg = "unknown error"
		}
	}
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

// SetRetryAfter sets Retry-After in whole seconds, rounding up. Zero is ignored.
func SetRetryAfter(c *fiber.Ctx, d time.Duration) {
	if d <= 0 {
		return
	}
	secs := int(math.Ceil(d.Seconds()))
	c.Set(fiber.HeaderRetryAfter, strconv.Itoa(secs))
}
