package generation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/config"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/guardrails"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/models"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/services/clips"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/services/history"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/sessions"
)

type fakeChat struct {
	reply string
	err   error
	calls []models.ChatRequest
}

func (f *fakeChat) Chat(_ context.Context, req models.ChatRequest) (models.ChatResponse, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return models.ChatResponse{}, f.err
	}
	return models.ChatResponse{
		Choices: []models.ChatChoice{{Message: models.ChatMessage{Role: "assistant", Content: f.reply}}},
		Usage:   models.Usage{PromptTokens: 20, CompletionTokens: 30, TotalTokens: 50},
	}, nil
}

type fakeAudio struct {
	err   error
	texts []string
}

func (f *fakeAudio) GenerateAudio(_ context.Context, req models.AudioGenerationRequest) (models.AudioGenerationResponse, error) {
	f.texts = append(f.texts, req.Text)
	if f.err != nil {
		return models.AudioGenerationResponse{}, f.err
	}
	return models.AudioGenerationResponse{Audio: []byte("RIFF"), ContentType: "audio/wav"}, nil
}

type fakeClips struct {
	saved []clips.SaveParams
}

func (f *fakeClips) Save(_ context.Context, params clips.SaveParams) (clips.Clip, error) {
	f.saved = append(f.saved, params)
	return clips.Clip{ID: "clip-1", Description: params.Description, ContentType: params.ContentType, Bytes: int64(len(params.Audio))}, nil
}

type fakeSessions struct {
	mu    sync.Mutex
	items map[string]sessions.Session
}

func (f *fakeSessions) Get(_ context.Context, id string) (sessions.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.items[id]
	if !ok {
		return sessions.Session{}, sessions.ErrNotFound
	}
	return sess, nil
}

func (f *fakeSessions) Save(_ context.Context, sess sessions.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[sess.ID] = sess
	return nil
}

type fakeHistory struct {
	entries []history.Entry
}

func (f *fakeHistory) Record(_ context.Context, entry history.Entry) error {
	f.entries = append(f.entries, entry)
	return nil
}

type fixture struct {
	svc      *Service
	chat     *fakeChat
	audio    *fakeAudio
	clips    *fakeClips
	sessions *fakeSessions
	history  *fakeHistory
}

func newFixture(t *testing.T, mutate ...func(*config.OpenAIConfig)) fixture {
	t.Helper()
	cfg := config.OpenAIConfig{
		Models:         []string{"gpt-3.5-turbo", "gpt-3.5-turbo-16k"},
		PromptTemplate: config.DefaultPromptTemplate,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	f := fixture{
		chat:     &fakeChat{reply: "  Upbeat synth stabs with a deep voiceover.  "},
		audio:    &fakeAudio{},
		clips:    &fakeClips{},
		sessions: &fakeSessions{items: map[string]sessions.Session{}},
		history:  &fakeHistory{},
	}
	f.svc = NewService(Options{
		Chat:     f.chat,
		Audio:    f.audio,
		Clips:    f.clips,
		Sessions: f.sessions,
		History:  f.history,
		OpenAI:   cfg,
	})
	return f
}

func TestDescribeSendsSingleTemplatedUserMessage(t *testing.T) {
	f := newFixture(t)

	desc, err := f.svc.Describe(context.Background(), DescribeRequest{APIKey: " sk-user ", Prompt: " energetic sports promo "})
	require.NoError(t, err)
	require.Equal(t, "Upbeat synth stabs with a deep voiceover.", desc.Text)
	require.Equal(t, "gpt-3.5-turbo", desc.Model)
	require.Equal(t, int32(50), desc.Usage.TotalTokens)

	require.Len(t, f.chat.calls, 1)
	call := f.chat.calls[0]
	require.Equal(t, "sk-user", call.APIKey)
	require.Equal(t, []models.ChatMessage{{
		Role:    "user",
		Content: "Describe a radio imaging audio piece based on: energetic sports promo",
	}}, call.Messages)
	require.Nil(t, call.MaxTokens)

	require.Len(t, f.history.entries, 1)
	require.Equal(t, history.ModeDescribe, f.history.entries[0].Mode)
	require.Equal(t, history.StatusSucceeded, f.history.entries[0].Status)
}

func TestDescribeValidation(t *testing.T) {
	f := newFixture(t, func(c *config.OpenAIConfig) { c.APIKey = "sk-server" })

	tests := []struct {
		name string
		req  DescribeRequest
		want error
	}{
		{name: "missing key", req: DescribeRequest{Prompt: "promo"}, want: ErrInvalidInput},
		{name: "blank prompt", req: DescribeRequest{APIKey: "sk", Prompt: "   "}, want: ErrInvalidInput},
		{name: "unknown model", req: DescribeRequest{APIKey: "sk", Prompt: "promo", Model: "gpt-9"}, want: ErrUnsupportedModel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Describe(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}
	require.Empty(t, f.chat.calls)
	require.Equal(t, MissingInputMessage, UserMessage(ErrInvalidInput))
}

func TestDescribeServerKeyFallback(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Describe(context.Background(), DescribeRequest{Prompt: "promo", AllowServerKey: true})
	require.ErrorIs(t, err, ErrInvalidInput)

	f = newFixture(t, func(c *config.OpenAIConfig) { c.APIKey = "sk-server" })
	_, err = f.svc.Describe(context.Background(), DescribeRequest{Prompt: "promo", AllowServerKey: true})
	require.ErrorIs(t, err, ErrInvalidInput)
	require.Empty(t, f.chat.calls)

	f = newFixture(t, func(c *config.OpenAIConfig) {
		c.APIKey = "sk-server"
		c.AllowServerKey = true
	})
	_, err = f.svc.Describe(context.Background(), DescribeRequest{Prompt: "promo", Model: "gpt-3.5-turbo-16k"})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.Describe(context.Background(), DescribeRequest{Prompt: "promo", AllowServerKey: true, Model: "gpt-3.5-turbo-16k"})
	require.NoError(t, err)
	require.Equal(t, "", f.chat.calls[0].APIKey)
	require.Equal(t, "gpt-3.5-turbo-16k", f.chat.calls[0].Model)
}

func TestDescribeEmptyReply(t *testing.T) {
	f := newFixture(t)
	f.chat.reply = "   "
	_, err := f.svc.Describe(context.Background(), DescribeRequest{APIKey: "sk", Prompt: "promo"})
	require.ErrorIs(t, err, ErrEmptyDescription)
}

func TestDescribeAppliesMaxTokens(t *testing.T) {
	temp := 0.7
	f := newFixture(t, func(c *config.OpenAIConfig) {
		c.MaxTokens = 256
		c.Temperature = &temp
	})
	_, err := f.svc.Describe(context.Background(), DescribeRequest{APIKey: "sk", Prompt: "promo"})
	require.NoError(t, err)
	require.Equal(t, int32(256), *f.chat.calls[0].MaxTokens)
	require.Equal(t, 0.7, *f.chat.calls[0].Temperature)
}

func TestGenerateChainsDescriptionIntoAudio(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.Generate(context.Background(), DescribeRequest{APIKey: "sk", Prompt: "morning show"})
	require.NoError(t, err)
	require.Equal(t, "clip-1", result.Clip.ID)
	require.Equal(t, []string{"Upbeat synth stabs with a deep voiceover."}, f.audio.texts)
	require.Equal(t, "morning show", f.clips.saved[0].Prompt)

	require.Len(t, f.history.entries, 1)
	entry := f.history.entries[0]
	require.Equal(t, history.ModeCombined, entry.Mode)
	require.Equal(t, "clip-1", entry.ClipID)
	require.Equal(t, int32(50), entry.TotalTokens)
}

func TestGenerateReportsFailureAsSingleMessage(t *testing.T) {
	f := newFixture(t)
	f.audio.err = errors.New("musicgen: status 503: Model is currently loading")

	result, err := f.svc.Generate(context.Background(), DescribeRequest{APIKey: "sk", Prompt: "promo"})
	require.Error(t, err)
	require.Equal(t, "Upbeat synth stabs with a deep voiceover.", result.Description.Text)
	require.Equal(t, "An error occurred: musicgen: status 503: Model is currently loading", UserMessage(err))

	require.Len(t, f.history.entries, 1)
	require.Equal(t, history.StatusFailed, f.history.entries[0].Status)
}

func TestStudioStepsHoldDescriptionInSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := sessions.NewID()

	_, _, err := f.svc.SynthesizeStep(ctx, id)
	require.ErrorIs(t, err, ErrNoDescription)
	require.Equal(t, NoDescriptionMessage, UserMessage(err))
	require.Empty(t, f.audio.texts)

	sess, err := f.svc.DescribeStep(ctx, id, DescribeRequest{APIKey: "sk", Prompt: "evening news bed"})
	require.NoError(t, err)
	require.Equal(t, "Upbeat synth stabs with a deep voiceover.", sess.Description)
	require.Equal(t, "evening news bed", f.sessions.items[id].Prompt)

	sess, clip, err := f.svc.SynthesizeStep(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "clip-1", clip.ID)
	require.Equal(t, "clip-1", sess.ClipID)
	require.Equal(t, []string{"Upbeat synth stabs with a deep voiceover."}, f.audio.texts)

	// a new description clears the previous clip
	sess, err = f.svc.DescribeStep(ctx, id, DescribeRequest{APIKey: "sk", Prompt: "late show"})
	require.NoError(t, err)
	require.Empty(t, sess.ClipID)

	for _, entry := range f.history.entries {
		require.Equal(t, history.ModeStudio, entry.Mode)
		require.Equal(t, id, entry.SessionID)
	}
}

func TestDescribeStepFailureKeepsPreviousDescription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := sessions.NewID()

	_, err := f.svc.DescribeStep(ctx, id, DescribeRequest{APIKey: "sk", Prompt: "first"})
	require.NoError(t, err)

	f.chat.err = errors.New("invalid api key")
	_, err = f.svc.DescribeStep(ctx, id, DescribeRequest{APIKey: "sk-bad", Prompt: "second"})
	require.Error(t, err)
	require.Equal(t, "first", f.sessions.items[id].Prompt)
	require.True(t, f.sessions.items[id].HasDescription())
}

func TestGuardrailsBlockBeforeUpstreams(t *testing.T) {
	f := newFixture(t)
	f.svc.guard = guardrails.NewEvaluator(config.GuardrailsConfig{
		Enabled:                    true,
		BlockedPromptKeywords:      []string{"explicit"},
		BlockedDescriptionKeywords: []string{"voiceover"},
	})
	ctx := context.Background()

	_, err := f.svc.Describe(ctx, DescribeRequest{APIKey: "sk", Prompt: "Explicit late night promo"})
	require.ErrorIs(t, err, guardrails.ErrBlocked)
	require.Empty(t, f.chat.calls)

	_, err = f.svc.Generate(ctx, DescribeRequest{APIKey: "sk", Prompt: "sports promo"})
	require.ErrorIs(t, err, guardrails.ErrBlocked)
	require.Len(t, f.chat.calls, 1)
	require.Empty(t, f.audio.texts)

	_, err = f.svc.Synthesize(ctx, SynthesizeRequest{Text: "A deep VOICEOVER"})
	require.ErrorIs(t, err, guardrails.ErrBlocked)
	require.Empty(t, f.audio.texts)
	require.Equal(t, history.StatusFailed, f.history.entries[len(f.history.entries)-1].Status)
}
