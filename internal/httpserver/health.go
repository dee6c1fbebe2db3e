package httpserver

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/app"
)

const healthTimeout = 2 * time.Second

type healthReport struct {
	Status string               `json:"status"`
	Checks map[string]fiber.Map `json:"checks"`
}

func (r *healthReport) add(name string, check fiber.Map, err error) {
	check["status"] = "ok"
	if err != nil {
		check["status"] = "error"
		check["error"] = err.Error()
		r.Status = "degraded"
	}
	r.Checks[name] = check
}

// probe times a live ping against a local dependency.
func (r *healthReport) probe(ctx context.Context, name string, ping func(context.Context) error) {
	start := time.Now()
	err := ping(ctx)
	r.add(name, fiber.Map{"latency_ms": time.Since(start).Milliseconds()}, err)
}

// healthHandler pings postgres and redis live and reports the upstreams from
// the background monitor's last pass. It always answers 200 so the body,
// not the status code, carries the verdict.
func healthHandler(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
		defer cancel()

		report := healthReport{Status: "ok", Checks: map[string]fiber.Map{}}
		if pool := container.DBPool; pool != nil {
			report.probe(ctx, "postgres", pool.Ping)
		}
		if rdb := container.Redis; rdb != nil {
			report.probe(ctx, "redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		}
		for _, st := range container.HealthMon.Snapshot() {
			var err error
			if !st.Healthy {
				err = errors.New(st.Error)
			}
			report.add(st.Name, fiber.Map{"checked_at": st.CheckedAt}, err)
		}
		return c.JSON(report)
	}
}
