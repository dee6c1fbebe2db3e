package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/config"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/guardrails"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/models"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/observability"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/providers"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/requestctx"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/services/clips"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/services/history"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/sessions"
)

const (
	MissingInputMessage  = "Please provide both the OpenAI API key and a description for your radio imaging."
	NoDescriptionMessage = "Please generate a description first."
)

var (
	ErrInvalidInput     = errors.New("api key and prompt are required")
	ErrNoDescription    = errors.New("no description has been generated")
	ErrUnsupportedModel = errors.New("unsupported model")
	ErrEmptyDescription = errors.New("chat model returned an empty description")
)

// UserMessage renders err the way the pages display failures.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return MissingInputMessage
	case errors.Is(err, ErrNoDescription):
		return NoDescriptionMessage
	default:
		return "An error occurred: " + err.Error()
	}
}

type DescribeRequest struct {
	APIKey string
	Model  string
	Prompt string
	// AllowServerKey asks for the server key when APIKey is blank. It is
	// honoured only when openai.allow_server_key is enabled.
	AllowServerKey bool
}

// Description is the expanded prompt returned by the chat model.
type Description struct {
	Prompt string       `json:"prompt"`
	Model  string       `json:"model"`
	Text   string       `json:"description"`
	Usage  models.Usage `json:"usage"`
}

type SynthesizeRequest struct {
	Text         string
	Prompt       string
	MaxNewTokens int
}

type Result struct {
	Description Description `json:"description"`
	Clip        clips.Clip  `json:"clip"`
}

type clipStore interface {
	Save(ctx context.Context, params clips.SaveParams) (clips.Clip, error)
}

type sessionStore interface {
	Get(ctx context.Context, id string) (sessions.Session, error)
	Save(ctx context.Context, sess sessions.Session) error
}

type historyRecorder interface {
	Record(ctx context.Context, entry history.Entry) error
}

type Options struct {
	Chat       providers.ChatCompletions
	Audio      providers.AudioGenerator
	Clips      clipStore
	Sessions   sessionStore
	History    historyRecorder
	Metrics    *observability.Provider
	Guardrails *guardrails.Evaluator
	OpenAI     config.OpenAIConfig
	Logger     *slog.Logger
}

// Service runs prompt expansion and audio synthesis for every page and API variant.
type Service struct {
	chat     providers.ChatCompletions
	audio    providers.AudioGenerator
	clips    clipStore
	sessions sessionStore
	history  historyRecorder
	metrics  *observability.Provider
	guard    *guardrails.Evaluator
	cfg      config.OpenAIConfig
	logger   *slog.Logger
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(opts.OpenAI.PromptTemplate) == "" {
		opts.OpenAI.PromptTemplate = config.DefaultPromptTemplate
	}
	return &Service{
		chat:     opts.Chat,
		audio:    opts.Audio,
		clips:    opts.Clips,
		sessions: opts.Sessions,
		history:  opts.History,
		metrics:  opts.Metrics,
		guard:    opts.Guardrails,
		cfg:      opts.OpenAI,
		logger:   logger,
	}
}

// Models lists the selectable chat models, default first.
func (s *Service) Models() []string {
	out := make([]string, len(s.cfg.Models))
	copy(out, s.cfg.Models)
	return out
}

func (s *Service) DefaultModel() string {
	return s.cfg.DefaultModel()
}

// Describe expands a prompt into a radio imaging description.
func (s *Service) Describe(ctx context.Context, req DescribeRequest) (Description, error) {
	start := time.Now()
	desc, err := s.describe(ctx, req)
	s.finish(ctx, history.ModeDescribe, "", start, req.Prompt, desc, clips.Clip{}, err)
	return desc, err
}

// Synthesize turns description text into a stored clip.
func (s *Service) Synthesize(ctx context.Context, req SynthesizeRequest) (clips.Clip, error) {
	start := time.Now()
	clip, err := s.synthesize(ctx, req)
	s.finish(ctx, history.ModeSynthesize, "", start, req.Prompt, Description{Text: req.Text}, clip, err)
	return clip, err
}

// Generate runs describe then synthesize as one action.
func (s *Service) Generate(ctx context.Context, req DescribeRequest) (Result, error) {
	start := time.Now()
	result, err := s.generate(ctx, req)
	s.finish(ctx, history.ModeCombined, "", start, req.Prompt, result.Description, result.Clip, err)
	return result, err
}

func (s *Service) generate(ctx context.Context, req DescribeRequest) (Result, error) {
	desc, err := s.describe(ctx, req)
	if err != nil {
		return Result{}, err
	}
	clip, err := s.synthesize(ctx, SynthesizeRequest{Text: desc.Text, Prompt: desc.Prompt})
	if err != nil {
		return Result{Description: desc}, err
	}
	return Result{Description: desc, Clip: clip}, nil
}

// DescribeStep runs the first studio action and holds the description in the session.
// The previous session state is left untouched when the call fails.
func (s *Service) DescribeStep(ctx context.Context, sessionID string, req DescribeRequest) (sessions.Session, error) {
	start := time.Now()
	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return sessions.Session{}, err
	}
	desc, err := s.describe(ctx, req)
	s.finish(ctx, history.ModeStudio, sessionID, start, req.Prompt, desc, clips.Clip{}, err)
	if err != nil {
		sess.Prompt = strings.TrimSpace(req.Prompt)
		return sess, err
	}
	sess.Prompt = desc.Prompt
	sess.Model = desc.Model
	sess.Description = desc.Text
	sess.Tokens = desc.Usage.TotalTokens
	sess.ClipID = ""
	if err := s.sessions.Save(ctx, sess); err != nil {
		return sess, err
	}
	return sess, nil
}

// SynthesizeStep runs the second studio action from the held description.
func (s *Service) SynthesizeStep(ctx context.Context, sessionID string) (sessions.Session, clips.Clip, error) {
	start := time.Now()
	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return sessions.Session{}, clips.Clip{}, err
	}
	if !sess.HasDescription() {
		return sess, clips.Clip{}, ErrNoDescription
	}
	clip, err := s.synthesize(ctx, SynthesizeRequest{Text: sess.Description, Prompt: sess.Prompt})
	s.finish(ctx, history.ModeStudio, sessionID, start, sess.Prompt,
		Description{Prompt: sess.Prompt, Model: sess.Model, Text: sess.Description}, clip, err)
	if err != nil {
		return sess, clips.Clip{}, err
	}
	sess.ClipID = clip.ID
	if err := s.sessions.Save(ctx, sess); err != nil {
		return sess, clip, err
	}
	return sess, clip, nil
}

// Session returns the studio state for sessionID, empty when unknown.
func (s *Service) Session(ctx context.Context, sessionID string) (sessions.Session, error) {
	return s.loadSession(ctx, sessionID)
}

func (s *Service) loadSession(ctx context.Context, id string) (sessions.Session, error) {
	if s.sessions == nil {
		return sessions.Session{}, errors.New("studio sessions are not configured")
	}
	sess, err := s.sessions.Get(ctx, id)
	if errors.Is(err, sessions.ErrNotFound) {
		return sessions.Session{ID: id}, nil
	}
	if err != nil {
		return sessions.Session{}, err
	}
	return sess, nil
}

func (s *Service) serverKeyAllowed(req DescribeRequest) bool {
	return req.AllowServerKey && s.cfg.AllowServerKey && strings.TrimSpace(s.cfg.APIKey) != ""
}

// CheckDescribe runs the checks Describe and Generate apply before any
// upstream call, so callers can reject bad input without spending a rate
// limit slot.
func (s *Service) CheckDescribe(req DescribeRequest) error {
	_, err := s.resolveDescribe(req)
	return err
}

// CheckSynthesize is the synthesize counterpart of CheckDescribe.
func (s *Service) CheckSynthesize(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrNoDescription
	}
	return s.guard.CheckDescription(text)
}

type resolvedDescribe struct {
	apiKey string
	prompt string
	model  string
}

func (s *Service) resolveDescribe(req DescribeRequest) (resolvedDescribe, error) {
	r := resolvedDescribe{
		apiKey: strings.TrimSpace(req.APIKey),
		prompt: strings.TrimSpace(req.Prompt),
		model:  strings.TrimSpace(req.Model),
	}
	if r.prompt == "" {
		return r, ErrInvalidInput
	}
	if r.apiKey == "" && !s.serverKeyAllowed(req) {
		return r, ErrInvalidInput
	}
	if r.model == "" {
		r.model = s.cfg.DefaultModel()
	}
	if !s.cfg.IsModelAllowed(r.model) {
		return r, fmt.Errorf("%w %q", ErrUnsupportedModel, r.model)
	}
	return r, s.guard.CheckPrompt(r.prompt)
}

func (s *Service) describe(ctx context.Context, req DescribeRequest) (Description, error) {
	resolved, err := s.resolveDescribe(req)
	if err != nil {
		return Description{}, err
	}
	apiKey, prompt, model := resolved.apiKey, resolved.prompt, resolved.model

	ctx, span := otel.Tracer("radio-imaging/generation").Start(ctx, "generation.describe")
	defer span.End()
	span.SetAttributes(attribute.String("openai.model", model))

	chatReq := models.ChatRequest{
		Model:       model,
		APIKey:      apiKey,
		Messages:    []models.ChatMessage{{Role: models.RoleUser, Content: fmt.Sprintf(s.cfg.PromptTemplate, prompt)}},
		Temperature: s.cfg.Temperature,
	}
	if s.cfg.MaxTokens > 0 {
		maxTokens := int32(s.cfg.MaxTokens)
		chatReq.MaxTokens = &maxTokens
	}

	callStart := time.Now()
	resp, err := s.chat.Chat(ctx, chatReq)
	s.metrics.RecordUpstream("openai", model, err, time.Since(callStart))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Description{}, err
	}
	s.metrics.RecordTokens(model, int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens))

	text := strings.TrimSpace(resp.FirstContent())
	if text == "" {
		span.SetStatus(codes.Error, ErrEmptyDescription.Error())
		return Description{}, ErrEmptyDescription
	}
	if err := s.guard.CheckDescription(text); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Description{}, err
	}
	return Description{Prompt: prompt, Model: model, Text: text, Usage: resp.Usage}, nil
}

func (s *Service) synthesize(ctx context.Context, req SynthesizeRequest) (clips.Clip, error) {
	if err := s.CheckSynthesize(req.Text); err != nil {
		return clips.Clip{}, err
	}
	text := strings.TrimSpace(req.Text)

	ctx, span := otel.Tracer("radio-imaging/generation").Start(ctx, "generation.synthesize")
	defer span.End()

	callStart := time.Now()
	out, err := s.audio.GenerateAudio(ctx, models.AudioGenerationRequest{Text: text, MaxNewTokens: req.MaxNewTokens})
	s.metrics.RecordUpstream("musicgen", "musicgen", err, time.Since(callStart))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return clips.Clip{}, err
	}

	clip, err := s.clips.Save(ctx, clips.SaveParams{
		Prompt:      req.Prompt,
		Description: text,
		Audio:       out.Audio,
		ContentType: out.ContentType,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return clips.Clip{}, err
	}
	span.SetAttributes(
		attribute.String("clip.id", clip.ID),
		attribute.Int64("clip.bytes", clip.Bytes),
	)
	s.metrics.RecordClip(clip.ContentType, clip.Duration)
	return clip, nil
}

func (s *Service) finish(ctx context.Context, mode, sessionID string, start time.Time, prompt string, desc Description, clip clips.Clip, err error) {
	s.metrics.RecordGeneration(mode, err)
	logger := s.logger.With(slog.String("mode", mode))
	if rc, ok := requestctx.FromContext(ctx); ok {
		logger = logger.With(rc.LogAttrs()...)
	}
	if err != nil {
		logger.Warn("generation failed", slog.String("error", err.Error()))
	} else {
		logger.Info("generation completed",
			slog.String("model", desc.Model),
			slog.String("clip_id", clip.ID),
			slog.Duration("latency", time.Since(start)),
		)
	}

	// validation failures never reached an upstream
	if s.history == nil || errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrNoDescription) {
		return
	}
	entry := history.Entry{
		SessionID:   sessionID,
		Mode:        mode,
		Prompt:      strings.TrimSpace(prompt),
		Model:       desc.Model,
		Description: desc.Text,
		ClipID:      clip.ID,
		ContentType: clip.ContentType,
		AudioBytes:  clip.Bytes,
		Duration:    clip.Duration,
		TotalTokens: desc.Usage.TotalTokens,
		Status:      history.StatusSucceeded,
		Latency:     time.Since(start),
	}
	if err != nil {
		entry.Status = history.StatusFailed
		entry.ErrorMessage = err.Error()
	}
	if recErr := s.history.Record(context.WithoutCancel(ctx), entry); recErr != nil {
		s.logger.Warn("record generation history", slog.String("error", recErr.Error()))
	}
}
