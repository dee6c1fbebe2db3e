package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/app"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/cache"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/guardrails"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/httpserver/httputil"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/limits"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/services/clips"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/services/generation"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/services/history"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/timeutil"
)

type handler struct {
	container *app.Container
}

type describeRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	AllowServerKey bool   `json:"allow_server_key"`
}

type synthesizeRequest struct {
	Description  string `json:"description"`
	Prompt       string `json:"prompt"`
	MaxNewTokens int    `json:"max_new_tokens"`
}

type clipResponse struct {
	ID             string    `json:"id"`
	ContentType    string    `json:"content_type"`
	Bytes          int64     `json:"bytes"`
	DurationSecs   float64   `json:"duration_seconds,omitempty"`
	SampleRate     int       `json:"sample_rate,omitempty"`
	AudioURL       string    `json:"audio_url"`
	DescriptionURL string    `json:"description_url"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func toClipResponse(clip clips.Clip) clipResponse {
	return clipResponse{
		ID:             clip.ID,
		ContentType:    clip.ContentType,
		Bytes:          clip.Bytes,
		DurationSecs:   clip.Duration.Seconds(),
		SampleRate:     clip.SampleRate,
		AudioURL:       "/clips/" + clip.ID + "/audio",
		DescriptionURL: "/clips/" + clip.ID + "/description",
		ExpiresAt:      clip.ExpiresAt,
	}
}

func (h *handler) listModels(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"object":  "list",
		"default": h.container.Generation.DefaultModel(),
		"data":    h.container.Generation.Models(),
	})
}

func (h *handler) describe(c *fiber.Ctx) error {
	var req describeRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid JSON payload")
	}
	params := h.describeParams(c, req)
	if err := h.container.Generation.CheckDescribe(params); err != nil {
		return writeGenerationError(c, err)
	}
	release, ok, err := h.acquire(c)
	defer release()
	if !ok {
		return err
	}
	desc, err := h.container.Generation.Describe(httputil.UserContext(c), params)
	if err != nil {
		return writeGenerationError(c, err)
	}
	return c.JSON(desc)
}

func (h *handler) synthesize(c *fiber.Ctx) error {
	var req synthesizeRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid JSON payload")
	}
	if strings.TrimSpace(req.Description) == "" {
		return httputil.WriteError(c, fiber.StatusBadRequest, "description is required")
	}
	if err := h.container.Generation.CheckSynthesize(req.Description); err != nil {
		return writeGenerationError(c, err)
	}
	claim, proceed, err := h.claim(c)
	if !proceed {
		return err
	}
	defer claim.abandon()
	release, ok, err := h.acquire(c)
	defer release()
	if !ok {
		return err
	}
	clip, err := h.container.Generation.Synthesize(httputil.UserContext(c), generation.SynthesizeRequest{
		Text:         req.Description,
		Prompt:       req.Prompt,
		MaxNewTokens: req.MaxNewTokens,
	})
	if err != nil {
		return writeGenerationError(c, err)
	}
	return claim.created(c, fiber.Map{"clip": toClipResponse(clip)})
}

func (h *handler) generate(c *fiber.Ctx) error {
	var req describeRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid JSON payload")
	}
	params := h.describeParams(c, req)
	if err := h.container.Generation.CheckDescribe(params); err != nil {
		return writeGenerationError(c, err)
	}
	claim, proceed, err := h.claim(c)
	if !proceed {
		return err
	}
	defer claim.abandon()
	release, ok, err := h.acquire(c)
	defer release()
	if !ok {
		return err
	}
	result, err := h.container.Generation.Generate(httputil.UserContext(c), params)
	if err != nil {
		return writeGenerationError(c, err)
	}
	return claim.created(c, fiber.Map{
		"description": result.Description,
		"clip":        toClipResponse(result.Clip),
	})
}

func (h *handler) listGenerations(c *fiber.Ctx) error {
	query := history.Query{
		Limit: c.QueryInt("limit", 20),
		Mode:  strings.TrimSpace(c.Query("mode")),
	}
	resp := fiber.Map{"object": "list"}
	if period := c.Query("period"); period != "" {
		window, err := timeutil.NewWindow(period, time.Now())
		if err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, "period must look like 30m, 24h or 7d")
		}
		query.Since = window.Start()
		resp["period"] = window.Period()
		resp["since"] = window.Start()
	}
	entries, err := h.container.History.Recent(httputil.UserContext(c), query)
	if errors.Is(err, history.ErrDisabled) {
		return httputil.WriteError(c, fiber.StatusNotImplemented, err.Error())
	}
	if err != nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, err.Error())
	}
	resp["data"] = entries
	return c.JSON(resp)
}

func (h *handler) upstreamHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"upstreams": h.container.HealthMon.Snapshot()})
}

// describeParams reads the caller's key from the bearer token or X-OpenAI-Key header.
func (h *handler) describeParams(c *fiber.Ctx, req describeRequest) generation.DescribeRequest {
	key := strings.TrimSpace(c.Get("X-OpenAI-Key"))
	if key == "" {
		raw := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
		if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
			key = strings.TrimSpace(raw[7:])
		}
	}
	return generation.DescribeRequest{
		APIKey:         key,
		Model:          req.Model,
		Prompt:         req.Prompt,
		AllowServerKey: req.AllowServerKey,
	}
}

// acquire takes a generation slot. When ok is false the error response has
// already been written and err is the result of writing it.
func (h *handler) acquire(c *fiber.Ctx) (release func(), ok bool, err error) {
	release, err = h.container.AcquireGenerationSlot(httputil.UserContext(c), httputil.ClientKey(c))
	if err != nil {
		if errors.Is(err, limits.ErrLimitExceeded) {
			httputil.SetRetryAfter(c, limits.RetryAfter(err))
			return release, false, httputil.WriteError(c, fiber.StatusTooManyRequests, "rate limit exceeded")
		}
		return release, false, httputil.WriteError(c, fiber.StatusInternalServerError, err.Error())
	}
	return release, true, nil
}

func writeGenerationError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, generation.ErrInvalidInput):
		return httputil.WriteError(c, fiber.StatusBadRequest, generation.MissingInputMessage)
	case errors.Is(err, generation.ErrUnsupportedModel), errors.Is(err, generation.ErrNoDescription):
		return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, guardrails.ErrBlocked):
		return httputil.WriteError(c, fiber.StatusUnprocessableEntity, err.Error())
	default:
		return httputil.WriteError(c, fiber.StatusBadGateway, generation.UserMessage(err))
	}
}

// idempotencyClaim is held by a request that owns its Idempotency-Key.
// The zero value (no key sent, or Redis unavailable) only writes the response.
type idempotencyClaim struct {
	cache *cache.IdempotencyCache
	ctx   context.Context
	scope string
	key   string
}

// claim resolves the Idempotency-Key header. When proceed is false the
// response (a replay or a 409) has already been written and err is the
// result of writing it.
func (h *handler) claim(c *fiber.Ctx) (claim idempotencyClaim, proceed bool, err error) {
	key := strings.TrimSpace(c.Get("Idempotency-Key"))
	if key == "" {
		return claim, true, nil
	}
	ctx := context.WithoutCancel(httputil.UserContext(c))
	scope := h.idempotencyScope(c)
	stored, state := h.container.Idempotency.Claim(ctx, scope, key)
	switch state {
	case cache.ClaimAcquired:
		return idempotencyClaim{cache: h.container.Idempotency, ctx: ctx, scope: scope, key: key}, true, nil
	case cache.ClaimDone:
		c.Set("Idempotent-Replayed", "true")
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return claim, false, c.Status(stored.Status).Send(stored.Body)
	case cache.ClaimPending:
		return claim, false, httputil.WriteError(c, fiber.StatusConflict, "a request with this Idempotency-Key is still in progress")
	default:
		return claim, true, nil
	}
}

// created writes a 201 and stores it for replays of the claimed key.
func (cl idempotencyClaim) created(c *fiber.Ctx, payload fiber.Map) error {
	if err := c.Status(fiber.StatusCreated).JSON(payload); err != nil {
		return err
	}
	if cl.key != "" {
		cl.cache.Complete(cl.ctx, cl.scope, cl.key, cache.Response{
			Status: fiber.StatusCreated,
			Body:   append([]byte(nil), c.Response().Body()...),
		})
	}
	return nil
}

// abandon frees a claim whose request did not complete. It is a no-op once
// created has stored the response.
func (cl idempotencyClaim) abandon() {
	if cl.key != "" {
		cl.cache.Abandon(cl.ctx, cl.scope, cl.key)
	}
}

func (h *handler) idempotencyScope(c *fiber.Ctx) string {
	return httputil.ClientKey(c) + ":" + c.Path()
}
