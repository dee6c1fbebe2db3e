package web

import (
	"bytes"
	"embed"
	"html/template"
	"io/fs"

	"github.com/gofiber/fiber/v2"

	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/services/clips"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

const (
	variantCombined = "combined"
	variantStudio   = "studio"
)

var pages = map[string]*template.Template{
	variantCombined: template.Must(template.ParseFS(templateFS, "templates/layout.html", "templates/combined.html")),
	variantStudio:   template.Must(template.ParseFS(templateFS, "templates/layout.html", "templates/studio.html")),
}

// StaticFS returns the stylesheet assets served under /static.
func StaticFS() fs.FS {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return sub
}

type pageData struct {
	Variant       string
	Action        string
	Models        []string
	SelectedModel string
	Prompt        string
	Description   string
	Clip          *clips.Clip
	Error         string
}

func render(c *fiber.Ctx, status int, data pageData) error {
	tmpl, ok := pages[data.Variant]
	if !ok {
		return fiber.NewError(fiber.StatusInternalServerError, "unknown page "+data.Variant)
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.Status(status).Send(buf.Bytes())
}
