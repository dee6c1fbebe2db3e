package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"

	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/models"
)

// ErrAPIKeyRequired is returned when neither the request nor the adapter carries a key.
var ErrAPIKeyRequired = errors.New("openai: api key required")

// Options configure the chat adapter.
type Options struct {
	// APIKey is the fallback key; callers normally supply their own per request.
	APIKey       string
	BaseURL      string
	Organization string
	Timeout      time.Duration
	Extra        []option.RequestOption
}

// Adapter wraps the official OpenAI SDK for chat completions keyed per request.
type Adapter struct {
	client    *openai.Client
	serverKey string
}

// New creates an adapter. Unlike a server-side integration the API key is optional,
// since the browser form forwards the caller's own key on every request.
func New(opts Options) *Adapter {
	requestOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if strings.TrimSpace(opts.BaseURL) != "" {
		requestOpts = append(requestOpts, option.WithBaseURL(strings.TrimRight(opts.BaseURL, "/")))
	}
	if strings.TrimSpace(opts.Organization) != "" {
		requestOpts = append(requestOpts, option.WithOrganization(strings.TrimSpace(opts.Organization)))
	}
	if opts.Timeout > 0 {
		requestOpts = append(requestOpts, option.WithRequestTimeout(opts.Timeout))
	}
	requestOpts = append(requestOpts, opts.Extra...)

	client := openai.NewClient(requestOpts...)
	return &Adapter{client: &client, serverKey: strings.TrimSpace(opts.APIKey)}
}

// Chat performs a non-streaming chat completion request.
func (a *Adapter) Chat(ctx context.Context, req models.ChatRequest) (models.ChatResponse, error) {
	key := strings.TrimSpace(req.APIKey)
	if key == "" {
		key = a.serverKey
	}
	if key == "" {
		return models.ChatResponse{}, ErrAPIKeyRequired
	}
	resp, err := a.client.Chat.Completions.New(ctx, buildChatParams(req), option.WithAPIKey(key))
	if err != nil {
		return models.ChatResponse{}, describeError(err)
	}
	return convertChatResponse(*resp), nil
}

// HealthCheck lists models with the server key. Without one there is nothing to probe.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if a.serverKey == "" {
		return nil
	}
	_, err := a.client.Models.List(ctx, option.WithAPIKey(a.serverKey))
	return describeError(err)
}

func describeError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := strings.TrimSpace(apiErr.Message)
		if msg == "" {
			return fmt.Errorf("openai: status %d", apiErr.StatusCode)
		}
		return fmt.Errorf("openai: %s", msg)
	}
	return fmt.Errorf("openai: %w", err)
}

func buildChatParams(req models.ChatRequest) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, len(req.Messages)),
	}
	for i, msg := range req.Messages {
		params.Messages[i] = messageParam(msg)
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	if req.MaxTokens != nil {
		params.MaxTokens = param.NewOpt(int64(*req.MaxTokens))
	}
	return params
}

// messageParam maps a role onto the SDK union; unknown roles are sent as user turns.
func messageParam(msg models.ChatMessage) openai.ChatCompletionMessageParamUnion {
	switch strings.ToLower(msg.Role) {
	case models.RoleSystem:
		return openai.SystemMessage(msg.Content)
	case models.RoleAssistant:
		return openai.ChatCompletionMessageParamOfAssistant(msg.Content)
	default:
		return openai.UserMessage(msg.Content)
	}
}

func convertChatResponse(resp openai.ChatCompletion) models.ChatResponse {
	out := models.ChatResponse{
		ID:      resp.ID,
		Created: time.Unix(resp.Created, 0),
		Model:   resp.Model,
		Choices: make([]models.ChatChoice, len(resp.Choices)),
		Usage:   usageFrom(resp.Usage),
	}
	for i, choice := range resp.Choices {
		out.Choices[i] = models.ChatChoice{
			Message:      models.ChatMessage{Role: string(choice.Message.Role), Content: choice.Message.Content},
			FinishReason: choice.FinishReason,
		}
	}
	return out
}

// usageFrom narrows the SDK counters; some compatible servers omit the total.
func usageFrom(u openai.CompletionUsage) models.Usage {
	usage := models.Usage{
		PromptTokens:     int32(u.PromptTokens),
		CompletionTokens: int32(u.CompletionTokens),
		TotalTokens:      int32(u.TotalTokens),
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}
