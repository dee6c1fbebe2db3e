package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/app"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/config"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/httpserver/api"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/httpserver/httputil"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/httpserver/web"
)

const defaultShutdownTimeout = 5 * time.Second

// Server serves the pages, the JSON API and the operational endpoints.
type Server struct {
	app *fiber.App
	cfg config.ServerConfig
}

func New(container *app.Container) (*Server, error) {
	if container == nil {
		return nil, errors.New("httpserver: container is required")
	}
	if container.Config == nil {
		return nil, errors.New("httpserver: container has no config")
	}
	cfg := container.Config.Server

	fiberApp := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ServerHeader:          "radio-imaging",
		BodyLimit:             cfg.BodyLimitMB << 20,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		IdleTimeout:           cfg.IdleTimeout,
		ReadBufferSize:        8 << 10,
		WriteBufferSize:       8 << 10,
		ProxyHeader:           proxyHeader(cfg.TrustProxyHeaders),
		ErrorHandler:          errorHandler(container.Logger),
	})

	fiberApp.Use(
		requestid.New(),
		logger.New(logger.Config{
			Format: "${time} ${locals:requestid} ${status} - ${latency} ${method} ${path}\n",
		}),
		recover.New(),
		httputil.RequestContext(),
	)
	if obs := container.Observability; obs != nil {
		fiberApp.Use(recordRequests(obs))
		if obs.TracerProvider() != nil {
			fiberApp.Use(traceRequests())
		}
		if handler := obs.PrometheusHandler(); handler != nil {
			fiberApp.Get("/metrics", adaptor.HTTPHandler(handler))
		}
	}

	fiberApp.Get("/healthz", healthHandler(container))
	api.Register(fiberApp, container)
	web.Register(fiberApp, container)

	return &Server{app: fiberApp, cfg: cfg}, nil
}

// App exposes the underlying Fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves until ctx is canceled, then drains in-flight requests for
// up to server.graceful_shutdown_delay.
func (s *Server) Listen(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.app.Listen(s.cfg.ListenAddr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.GracefulShutdownDelay
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func proxyHeader(trust bool) string {
	if trust {
		return fiber.HeaderXForwardedFor
	}
	return ""
}

// errorHandler answers unhandled errors in plain text and logs server faults.
func errorHandler(log *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}
		if code >= fiber.StatusInternalServerError && log != nil {
			log.Error("request failed", slog.String("path", c.Path()), slog.String("error", err.Error()))
		}
		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
		return c.Status(code).SendString(err.Error())
	}
}
