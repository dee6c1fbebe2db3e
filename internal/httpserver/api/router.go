package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/app"
)

// Register wires the JSON API under /api/v1.
func Register(router fiber.Router, container *app.Container) {
	h := &handler{container: container}
	group := router.Group("/api/v1")
	group.Get("/models", h.listModels)
	group.Post("/describe", h.describe)
	group.Post("/synthesize", h.synthesize)
	group.Post("/generate", h.generate)
	group.Get("/generations", h.listGenerations)
	group.Get("/health", h.upstreamHealth)
}
