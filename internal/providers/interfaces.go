package providers

import (
	"context"

	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/models"
)

// ChatCompletions expands prompts through a hosted chat model.
type ChatCompletions interface {
	Chat(ctx context.Context, req models.ChatRequest) (models.ChatResponse, error)
}

// AudioGenerator synthesizes a clip from a text description.
type AudioGenerator interface {
	GenerateAudio(ctx context.Context, req models.AudioGenerationRequest) (models.AudioGenerationResponse, error)
}

// HealthChecker is implemented by upstreams that expose a cheap readiness probe.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
