package web

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	fiberfs "github.com/gofiber/fiber/v2/middleware/filesystem"

	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/app"
)

// Register wires the browser pages and clip artifact routes.
func Register(router fiber.Router, container *app.Container) {
	h := &handler{container: container}

	router.Use("/static", fiberfs.New(fiberfs.Config{
		Root:   http.FS(StaticFS()),
		Browse: false,
		MaxAge: 3600,
	}))

	router.Get("/", h.combinedPage)
	router.Post("/generate", h.generate)

	router.Get("/studio", h.studioPage)
	router.Post("/studio/describe", h.studioDescribe)
	router.Post("/studio/synthesize", h.studioSynthesize)
	router.Get("/studio/description.txt", h.studioDescription)

	router.Get("/clips/:id/audio", h.clipAudio)
	router.Get("/clips/:id/description", h.clipDescription)
}
