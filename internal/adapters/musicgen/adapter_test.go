package musicgen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/audio"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/models"
)

func newAdapter(t *testing.T, handler http.HandlerFunc, mutate ...func(*Options)) *Adapter {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	opts := Options{Endpoint: ts.URL + "/models/facebook/musicgen-small", Token: "hf_test", WaitForModel: true}
	for _, fn := range mutate {
		fn(&opts)
	}
	adapter, err := New(opts)
	require.NoError(t, err)
	return adapter
}

func TestGenerateAudioPassesThroughAudioBody(t *testing.T) {
	wav, err := audio.EncodeFloat32WAV([]float32{0, 0.5, -0.5, 0}, 32000, 1)
	require.NoError(t, err)

	var received inferenceRequest
	adapter := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/models/facebook/musicgen-small", r.URL.Path)
		require.Equal(t, "Bearer hf_test", r.Header.Get("Authorization"))
		require.Equal(t, "true", r.Header.Get("X-Wait-For-Model"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "audio/x-wav")
		_, _ = w.Write(wav)
	})

	resp, err := adapter.GenerateAudio(context.Background(), models.AudioGenerationRequest{Text: " calm piano bed "})
	require.NoError(t, err)
	require.Equal(t, "audio/wav", resp.ContentType)
	require.Equal(t, wav, resp.Audio)

	require.Equal(t, "calm piano bed", received.Inputs)
	require.Equal(t, 512, received.Parameters.MaxNewTokens)
	require.NotNil(t, received.Options)
	require.True(t, received.Options.WaitForModel)
}

func TestGenerateAudioPayloadShape(t *testing.T) {
	wav, err := audio.EncodeFloat32WAV([]float32{0, 0}, 32000, 1)
	require.NoError(t, err)

	var raw map[string]any
	adapter := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wav)
	}, func(o *Options) { o.WaitForModel = false })

	_, err = adapter.GenerateAudio(context.Background(), models.AudioGenerationRequest{Text: "stinger", MaxNewTokens: 256})
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"inputs":     "stinger",
		"parameters": map[string]any{"max_new_tokens": float64(256)},
	}, raw)
}

func TestGenerateAudioSniffsUnlabelledBody(t *testing.T) {
	adapter := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("fLaC\x00\x00\x00\x22rest"))
	})
	resp, err := adapter.GenerateAudio(context.Background(), models.AudioGenerationRequest{Text: "x", MaxNewTokens: 256})
	require.NoError(t, err)
	require.Equal(t, "audio/flac", resp.ContentType)
}

func TestGenerateAudioFramesWaveformJSON(t *testing.T) {
	adapter := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"generated_audio": [[0.0, 0.25, -0.25, 0.5]], "sampling_rate": 32000}]`))
	})

	resp, err := adapter.GenerateAudio(context.Background(), models.AudioGenerationRequest{Text: "stinger"})
	require.NoError(t, err)
	require.Equal(t, "audio/wav", resp.ContentType)

	info, err := audio.Inspect(resp.Audio)
	require.NoError(t, err)
	require.True(t, info.IsFloat())
	require.Equal(t, 32000, info.SampleRate)
	require.Equal(t, 16, info.DataBytes)
}

func TestGenerateAudioDecodesBase64JSON(t *testing.T) {
	wav, err := audio.EncodeFloat32WAV([]float32{0.1, 0.2}, 16000, 1)
	require.NoError(t, err)
	adapter := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"audio": base64.StdEncoding.EncodeToString(wav)})
	})

	resp, err := adapter.GenerateAudio(context.Background(), models.AudioGenerationRequest{Text: "jingle"})
	require.NoError(t, err)
	require.Equal(t, wav, resp.Audio)
	require.Equal(t, "audio/wav", resp.ContentType)
}

func TestGenerateAudioReportsUpstreamErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{name: "loading", status: http.StatusServiceUnavailable, body: `{"error": "Model facebook/musicgen-small is currently loading", "estimated_time": 20.0}`, want: "status 503: Model facebook/musicgen-small is currently loading (estimated time 20s)"},
		{name: "list errors", status: http.StatusBadRequest, body: `{"error": ["bad input", "too long"]}`, want: "bad input; too long"},
		{name: "plain text", status: http.StatusBadGateway, body: "upstream exploded", want: "status 502: upstream exploded"},
		{name: "empty", status: http.StatusUnauthorized, body: "", want: "status 401: Unauthorized"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			adapter := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := adapter.GenerateAudio(context.Background(), models.AudioGenerationRequest{Text: "x"})
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestGenerateAudioRejectsOversizedClip(t *testing.T) {
	adapter := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(make([]byte, 64))
	}, func(o *Options) { o.MaxBytes = 32 })

	_, err := adapter.GenerateAudio(context.Background(), models.AudioGenerationRequest{Text: "x"})
	require.ErrorIs(t, err, ErrAudioTooLarge)
}

func TestGenerateAudioRequiresText(t *testing.T) {
	adapter := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be called")
	})
	_, err := adapter.GenerateAudio(context.Background(), models.AudioGenerationRequest{Text: "   "})
	require.Error(t, err)
}

func TestHealthCheck(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	adapter := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		w.WriteHeader(int(status.Load()))
	}, func(o *Options) { o.Timeout = time.Second })

	require.NoError(t, adapter.HealthCheck(context.Background()))
	status.Store(http.StatusMethodNotAllowed)
	require.NoError(t, adapter.HealthCheck(context.Background()))
	status.Store(http.StatusServiceUnavailable)
	require.Error(t, adapter.HealthCheck(context.Background()))
}
