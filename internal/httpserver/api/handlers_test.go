package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/app"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/config"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/httpserver/httputil"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/models"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/providers"
)

type recordingChat struct {
	err  error
	keys []string
}

func (r *recordingChat) Chat(_ context.Context, req models.ChatRequest) (models.ChatResponse, error) {
	r.keys = append(r.keys, req.APIKey)
	if r.err != nil {
		return models.ChatResponse{}, r.err
	}
	return models.ChatResponse{
		Choices: []models.ChatChoice{{Message: models.ChatMessage{Content: "Airy pads and a vocal swell."}}},
		Usage:   models.Usage{PromptTokens: 10, CompletionTokens: 12, TotalTokens: 22},
	}, nil
}

type flacAudio struct{}

func (flacAudio) GenerateAudio(context.Context, models.AudioGenerationRequest) (models.AudioGenerationResponse, error) {
	return models.AudioGenerationResponse{Audio: []byte("fLaC\x00\x00\x00\x22body"), ContentType: "audio/flac"}, nil
}

// heldAudio blocks each synthesis until release is closed.
type heldAudio struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func newHeldAudio() *heldAudio {
	return &heldAudio{started: make(chan struct{}, 4), release: make(chan struct{})}
}

func (h *heldAudio) GenerateAudio(ctx context.Context, req models.AudioGenerationRequest) (models.AudioGenerationResponse, error) {
	h.calls.Add(1)
	h.started <- struct{}{}
	<-h.release
	return flacAudio{}.GenerateAudio(ctx, req)
}

func newTestApp(t *testing.T, mutate ...func(*config.Config)) (*fiber.App, *recordingChat) {
	t.Helper()
	return newTestAppWithAudio(t, flacAudio{}, mutate...)
}

func newTestAppWithAudio(t *testing.T, audio providers.AudioGenerator, mutate ...func(*config.Config)) (*fiber.App, *recordingChat) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := &config.Config{
		OpenAI:   config.OpenAIConfig{Models: []string{"gpt-3.5-turbo", "gpt-3.5-turbo-16k"}, PromptTemplate: config.DefaultPromptTemplate},
		Storage:  config.StorageConfig{Backend: "local", Local: config.StorageLocalConfig{Directory: t.TempDir()}},
		Clips:    config.ClipsConfig{TTL: time.Hour},
		Sessions: config.SessionsConfig{CookieName: "radio_session", TTL: time.Hour},
	}
	for _, fn := range mutate {
		fn(cfg)
	}
	chat := &recordingChat{}
	container, err := app.Assemble(context.Background(), app.Dependencies{
		Config: cfg,
		Redis:  client,
		Chat:   chat,
		Audio:  audio,
	})
	require.NoError(t, err)

	fiberApp := fiber.New()
	fiberApp.Use(httputil.RequestContext())
	Register(fiberApp, container)
	return fiberApp, chat
}

func doJSON(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	resp, out := doJSONResponse(t, app, method, path, payload, headers)
	return resp.StatusCode, out
}

func doJSONResponse(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestListModels(t *testing.T) {
	app, _ := newTestApp(t)
	status, body := doJSON(t, app, http.MethodGet, "/api/v1/models", nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "gpt-3.5-turbo", body["default"])
	require.Equal(t, []any{"gpt-3.5-turbo", "gpt-3.5-turbo-16k"}, body["data"])
}

func TestDescribeUsesCallerKey(t *testing.T) {
	app, chat := newTestApp(t)

	status, body := doJSON(t, app, http.MethodPost, "/api/v1/describe",
		map[string]any{"prompt": "breakfast show jingle"},
		map[string]string{"Authorization": "Bearer sk-caller"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "Airy pads and a vocal swell.", body["description"])
	require.Equal(t, "gpt-3.5-turbo", body["model"])
	require.Equal(t, []string{"sk-caller"}, chat.keys)

	status, _ = doJSON(t, app, http.MethodPost, "/api/v1/describe",
		map[string]any{"prompt": "jingle", "model": "gpt-3.5-turbo-16k"},
		map[string]string{"X-OpenAI-Key": "sk-header"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "sk-header", chat.keys[1])
}

func TestDescribeValidationErrors(t *testing.T) {
	app, chat := newTestApp(t)

	status, body := doJSON(t, app, http.MethodPost, "/api/v1/describe", map[string]any{"prompt": "jingle"}, nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "Please provide both the OpenAI API key and a description for your radio imaging.", body["error"])

	status, body = doJSON(t, app, http.MethodPost, "/api/v1/describe",
		map[string]any{"prompt": "jingle", "model": "gpt-4"},
		map[string]string{"X-OpenAI-Key": "sk"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, `unsupported model "gpt-4"`, body["error"])
	require.Empty(t, chat.keys)
}

func TestDescribeServerKeyNeedsOperatorOptIn(t *testing.T) {
	// a key configured only for health probes is never spent on callers
	app, chat := newTestApp(t, func(c *config.Config) { c.OpenAI.APIKey = "sk-server" })

	status, body := doJSON(t, app, http.MethodPost, "/api/v1/describe", map[string]any{"prompt": "jingle", "allow_server_key": true}, nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "Please provide both the OpenAI API key and a description for your radio imaging.", body["error"])
	require.Empty(t, chat.keys)
}

func TestDescribeServerKeyOptIn(t *testing.T) {
	app, chat := newTestApp(t, func(c *config.Config) {
		c.OpenAI.APIKey = "sk-server"
		c.OpenAI.AllowServerKey = true
	})

	status, _ := doJSON(t, app, http.MethodPost, "/api/v1/describe", map[string]any{"prompt": "jingle"}, nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = doJSON(t, app, http.MethodPost, "/api/v1/describe", map[string]any{"prompt": "jingle", "allow_server_key": true}, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, []string{""}, chat.keys)
}

func TestDescribeUpstreamError(t *testing.T) {
	app, chat := newTestApp(t)
	chat.err = errors.New("Incorrect API key provided")

	status, body := doJSON(t, app, http.MethodPost, "/api/v1/describe",
		map[string]any{"prompt": "jingle"}, map[string]string{"X-OpenAI-Key": "sk-bad"})
	require.Equal(t, http.StatusBadGateway, status)
	require.Equal(t, "An error occurred: Incorrect API key provided", body["error"])
}

func TestSynthesizeAndGenerate(t *testing.T) {
	app, _ := newTestApp(t)

	status, body := doJSON(t, app, http.MethodPost, "/api/v1/synthesize", map[string]any{"description": "  "}, nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "description is required", body["error"])

	status, body = doJSON(t, app, http.MethodPost, "/api/v1/synthesize", map[string]any{"description": "Airy pads"}, nil)
	require.Equal(t, http.StatusCreated, status)
	clip := body["clip"].(map[string]any)
	require.Equal(t, "audio/flac", clip["content_type"])
	require.Contains(t, clip["audio_url"], "/clips/")

	status, body = doJSON(t, app, http.MethodPost, "/api/v1/generate",
		map[string]any{"prompt": "sports promo"}, map[string]string{"X-OpenAI-Key": "sk"})
	require.Equal(t, http.StatusCreated, status)
	desc := body["description"].(map[string]any)
	require.Equal(t, "Airy pads and a vocal swell.", desc["description"])
	require.NotEmpty(t, body["clip"].(map[string]any)["id"])
}

func TestGenerationsDisabledWithoutDatabase(t *testing.T) {
	app, _ := newTestApp(t)
	status, body := doJSON(t, app, http.MethodGet, "/api/v1/generations?limit=5", nil, nil)
	require.Equal(t, http.StatusNotImplemented, status)
	require.Equal(t, "generation history is not enabled", body["error"])
}

func TestRateLimitedRequests(t *testing.T) {
	app, _ := newTestApp(t, func(c *config.Config) {
		c.RateLimits = config.RateLimitConfig{RequestsPerMinute: 1}
	})
	headers := map[string]string{"X-OpenAI-Key": "sk"}
	status, _ := doJSON(t, app, http.MethodPost, "/api/v1/describe", map[string]any{"prompt": "a"}, headers)
	require.Equal(t, http.StatusOK, status)
	status, body := doJSON(t, app, http.MethodPost, "/api/v1/describe", map[string]any{"prompt": "a"}, headers)
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, "rate limit exceeded", body["error"])
}

func TestGenerateReplaysIdempotencyKey(t *testing.T) {
	app, chat := newTestApp(t)
	headers := map[string]string{"X-OpenAI-Key": "sk", "Idempotency-Key": "promo-1"}

	status, first := doJSON(t, app, http.MethodPost, "/api/v1/generate", map[string]any{"prompt": "sports promo"}, headers)
	require.Equal(t, http.StatusCreated, status)
	status, second := doJSON(t, app, http.MethodPost, "/api/v1/generate", map[string]any{"prompt": "sports promo"}, headers)
	require.Equal(t, http.StatusCreated, status)

	require.Len(t, chat.keys, 1)
	require.Equal(t, first["clip"].(map[string]any)["id"], second["clip"].(map[string]any)["id"])

	headers["Idempotency-Key"] = "promo-2"
	_, third := doJSON(t, app, http.MethodPost, "/api/v1/generate", map[string]any{"prompt": "sports promo"}, headers)
	require.Len(t, chat.keys, 2)
	require.NotEqual(t, first["clip"].(map[string]any)["id"], third["clip"].(map[string]any)["id"])
}

func TestGenerationsRejectsBadPeriod(t *testing.T) {
	app, _ := newTestApp(t)
	status, body := doJSON(t, app, http.MethodGet, "/api/v1/generations?period=yesterday", nil, nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "period must look like 30m, 24h or 7d", body["error"])
}

func TestSynthesizeReplaysIdempotencyKey(t *testing.T) {
	app, _ := newTestApp(t)
	headers := map[string]string{"Idempotency-Key": "bed-1"}
	payload := map[string]any{"description": "Airy pads"}

	resp, first := doJSONResponse(t, app, http.MethodPost, "/api/v1/synthesize", payload, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Idempotent-Replayed"))

	resp, second := doJSONResponse(t, app, http.MethodPost, "/api/v1/synthesize", payload, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "true", resp.Header.Get("Idempotent-Replayed"))
	require.Equal(t, first["clip"].(map[string]any)["id"], second["clip"].(map[string]any)["id"])
}

func TestConcurrentIdempotencyKeyRunsOnce(t *testing.T) {
	audio := newHeldAudio()
	app, _ := newTestAppWithAudio(t, audio)
	headers := map[string]string{"Idempotency-Key": "k1"}
	payload := map[string]any{"description": "Airy pads"}

	done := make(chan *http.Response, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/synthesize", strings.NewReader(`{"description":"Airy pads"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", "k1")
		resp, err := app.Test(req, -1)
		if err != nil {
			resp = nil
		}
		done <- resp
	}()
	<-audio.started

	// a retry while the first synthesis is still running
	status, body := doJSON(t, app, http.MethodPost, "/api/v1/synthesize", payload, headers)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "a request with this Idempotency-Key is still in progress", body["error"])

	close(audio.release)
	firstResp := <-done
	require.NotNil(t, firstResp)
	require.Equal(t, http.StatusCreated, firstResp.StatusCode)
	var first map[string]any
	require.NoError(t, json.NewDecoder(firstResp.Body).Decode(&first))

	status, replayed := doJSON(t, app, http.MethodPost, "/api/v1/synthesize", payload, headers)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, first["clip"].(map[string]any)["id"], replayed["clip"].(map[string]any)["id"])
	require.EqualValues(t, 1, audio.calls.Load())
}

func TestFailedRequestFreesIdempotencyKey(t *testing.T) {
	app, chat := newTestApp(t)
	chat.err = errors.New("upstream timeout")
	headers := map[string]string{"X-OpenAI-Key": "sk", "Idempotency-Key": "retry-me"}

	status, _ := doJSON(t, app, http.MethodPost, "/api/v1/generate", map[string]any{"prompt": "promo"}, headers)
	require.Equal(t, http.StatusBadGateway, status)

	chat.err = nil
	status, body := doJSON(t, app, http.MethodPost, "/api/v1/generate", map[string]any{"prompt": "promo"}, headers)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, body["clip"].(map[string]any)["id"])
	require.Len(t, chat.keys, 2)
}

func TestContentPolicyReturns422(t *testing.T) {
	app, chat := newTestApp(t, func(c *config.Config) {
		c.Guardrails = config.GuardrailsConfig{
			Enabled:                    true,
			BlockedPromptKeywords:      []string{"explicit"},
			BlockedDescriptionKeywords: []string{"gunfire"},
		}
	})
	headers := map[string]string{"X-OpenAI-Key": "sk"}

	for _, path := range []string{"/api/v1/describe", "/api/v1/generate"} {
		status, body := doJSON(t, app, http.MethodPost, path, map[string]any{"prompt": "Explicit late night promo"}, headers)
		require.Equal(t, http.StatusUnprocessableEntity, status, path)
		require.Contains(t, body["error"], "blocked by content policy", path)
	}
	require.Empty(t, chat.keys)

	status, body := doJSON(t, app, http.MethodPost, "/api/v1/synthesize", map[string]any{"description": "Sirens and gunfire"}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Contains(t, body["error"], "blocked by content policy")
}

func TestInvalidInputDoesNotSpendRateLimit(t *testing.T) {
	app, _ := newTestApp(t, func(c *config.Config) {
		c.RateLimits = config.RateLimitConfig{RequestsPerMinute: 1}
	})

	for range 3 {
		status, _ := doJSON(t, app, http.MethodPost, "/api/v1/describe", map[string]any{"prompt": "jingle"}, nil)
		require.Equal(t, http.StatusBadRequest, status)
	}
	status, _ := doJSON(t, app, http.MethodPost, "/api/v1/describe", map[string]any{"prompt": "jingle"}, map[string]string{"X-OpenAI-Key": "sk"})
	require.Equal(t, http.StatusOK, status)
}

func TestGenerationsRejectsOverflowingPeriod(t *testing.T) {
	app, _ := newTestApp(t)
	for _, period := range []string{"91d", "106752d", "2562048h"} {
		status, body := doJSON(t, app, http.MethodGet, "/api/v1/generations?period="+period, nil, nil)
		require.Equal(t, http.StatusBadRequest, status, period)
		require.Equal(t, "period must look like 30m, 24h or 7d", body["error"])
	}
}
