package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	openaiadapter "github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/adapters/openai"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/adapters/musicgen"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/cache"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/config"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/guardrails"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/health"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/limits"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/observability"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/providers"
	clipsvc "github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/services/clips"
	generationsvc "github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/services/generation"
	historysvc "github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/services/history"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/sessions"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/storage/blob"
)

// Container aggregates runtime dependencies for handlers and services.
type Container struct {
	Config        *config.Config
	DBPool        *pgxpool.Pool
	Redis         *redis.Client
	Logger        *slog.Logger
	Observability *observability.Provider
	RateLimiter   *limits.RateLimiter
	Idempotency   *cache.IdempotencyCache
	Sessions      *sessions.Store
	Blob          blob.Store
	Clips         *clipsvc.Service
	History       *historysvc.Service
	Generation    *generationsvc.Service
	HealthMon     *health.Monitor
}

// NewContainer wires services from configuration. pool may be nil when history is disabled.
func NewContainer(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, redisClient *redis.Client) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	logger := slog.Default()

	obsProvider, err := observability.Setup(ctx, cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("setup observability: %w", err)
	}

	chat := openaiadapter.New(openaiadapter.Options{
		APIKey:       cfg.OpenAI.APIKey,
		BaseURL:      cfg.OpenAI.BaseURL,
		Organization: cfg.OpenAI.Organization,
		Timeout:      cfg.OpenAI.Timeout,
	})
	audio, err := musicgen.New(musicgen.Options{
		Endpoint:     cfg.MusicGen.Endpoint,
		Token:        cfg.MusicGen.Token,
		MaxNewTokens: cfg.MusicGen.MaxNewTokens,
		WaitForModel: cfg.MusicGen.WaitForModel,
		Timeout:      cfg.MusicGen.Timeout,
		MaxBytes:     int64(cfg.MusicGen.MaxAudioMB) << 20,
	})
	if err != nil {
		return nil, fmt.Errorf("init musicgen adapter: %w", err)
	}

	return Assemble(ctx, Dependencies{
		Config:        cfg,
		DBPool:        pool,
		Redis:         redisClient,
		Logger:        logger,
		Observability: obsProvider,
		Chat:          chat,
		Audio:         audio,
		HealthChecks: map[string]providers.HealthChecker{
			"openai":   chat,
			"musicgen": audio,
		},
	})
}

// Dependencies lets callers supply upstream clients, which tests replace with fakes.
type Dependencies struct {
	Config        *config.Config
	DBPool        *pgxpool.Pool
	Redis         *redis.Client
	Logger        *slog.Logger
	Observability *observability.Provider
	Chat          providers.ChatCompletions
	Audio         providers.AudioGenerator
	HealthChecks  map[string]providers.HealthChecker
	Blob          blob.Store
}

// Assemble builds the container from already constructed upstream clients.
func Assemble(ctx context.Context, deps Dependencies) (*Container, error) {
	cfg := deps.Config
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store := deps.Blob
	if store == nil {
		var err error
		store, err = blob.New(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("init blob store: %w", err)
		}
	}

	var history *historysvc.Service
	if deps.DBPool != nil {
		history = historysvc.NewService(deps.DBPool)
	} else {
		history = historysvc.NewService(nil)
	}

	sessionStore := sessions.NewStore(deps.Redis, cfg.Sessions.TTL)
	clips := clipsvc.NewService(store, deps.Redis, cfg.Clips, logger)
	generation := generationsvc.NewService(generationsvc.Options{
		Chat:       deps.Chat,
		Audio:      deps.Audio,
		Clips:      clips,
		Sessions:   sessionStore,
		History:    history,
		Metrics:    deps.Observability,
		Guardrails: guardrails.NewEvaluator(cfg.Guardrails),
		OpenAI:     cfg.OpenAI,
		Logger:     logger,
	})

	return &Container{
		Config:        cfg,
		DBPool:        deps.DBPool,
		Redis:         deps.Redis,
		Logger:        logger,
		Observability: deps.Observability,
		RateLimiter:   limits.NewRateLimiter(deps.Redis),
		Idempotency:   cache.NewIdempotencyCache(deps.Redis, cfg.Server.IdempotencyTTL),
		Sessions:      sessionStore,
		Blob:          store,
		Clips:         clips,
		History:       history,
		Generation:    generation,
		HealthMon:     health.NewMonitor(deps.HealthChecks, cfg.Health, logger),
	}, nil
}

// GenerationLimit returns the per-client limits applied to upstream-calling actions.
func (c *Container) GenerationLimit() limits.LimitConfig {
	return limits.LimitConfig{
		RequestsPerMinute: c.Config.RateLimits.RequestsPerMinute,
		ParallelRequests:  c.Config.RateLimits.ParallelRequests,
	}
}

// AcquireGenerationSlot applies the client's generation limits. The returned
// release func is always safe to call.
func (c *Container) AcquireGenerationSlot(ctx context.Context, clientKey string) (func(), error) {
	if c.RateLimiter == nil {
		return func() {}, nil
	}
	return c.RateLimiter.Acquire(ctx, "client:"+clientKey, c.GenerationLimit())
}
