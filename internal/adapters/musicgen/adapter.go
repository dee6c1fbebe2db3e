package musicgen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/audio"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/models"
)

// ErrAudioTooLarge is returned when the upstream clip exceeds the configured cap.
var ErrAudioTooLarge = errors.New("musicgen: generated audio exceeds size limit")

// Options configure the hosted MusicGen adapter.
type Options struct {
	Endpoint     string
	Token        string
	MaxNewTokens int
	WaitForModel bool
	Timeout      time.Duration
	MaxBytes     int64
	HTTPClient   *http.Client
}

// Adapter calls a hosted text-to-audio inference endpoint serving MusicGen.
type Adapter struct {
	endpoint     string
	token        string
	maxNewTokens int
	waitForModel bool
	maxBytes     int64
	client       *http.Client
}

// New creates an adapter for the configured inference endpoint.
func New(opts Options) (*Adapter, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, errors.New("musicgen: endpoint required")
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}
	maxNewTokens := opts.MaxNewTokens
	if maxNewTokens <= 0 {
		maxNewTokens = 512
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	return &Adapter{
		endpoint:     endpoint,
		token:        strings.TrimSpace(opts.Token),
		maxNewTokens: maxNewTokens,
		waitForModel: opts.WaitForModel,
		maxBytes:     maxBytes,
		client:       client,
	}, nil
}

type inferenceRequest struct {
	Inputs     string              `json:"inputs"`
	Parameters inferenceParameters `json:"parameters"`
	Options    *inferenceOptions   `json:"options,omitempty"`
}

type inferenceParameters struct {
	MaxNewTokens int `json:"max_new_tokens"`
}

type inferenceOptions struct {
	WaitForModel bool `json:"wait_for_model"`
}

// GenerateAudio synthesizes a clip from the description text.
func (a *Adapter) GenerateAudio(ctx context.Context, req models.AudioGenerationRequest) (models.AudioGenerationResponse, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return models.AudioGenerationResponse{}, errors.New("musicgen: text is required")
	}
	maxNewTokens := req.MaxNewTokens
	if maxNewTokens <= 0 {
		maxNewTokens = a.maxNewTokens
	}
	payload := inferenceRequest{
		Inputs:     text,
		Parameters: inferenceParameters{MaxNewTokens: maxNewTokens},
	}
	if a.waitForModel {
		payload.Options = &inferenceOptions{WaitForModel: true}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return models.AudioGenerationResponse{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return models.AudioGenerationResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/wav, audio/flac, application/json")
	if a.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.token)
	}
	if a.waitForModel {
		httpReq.Header.Set("X-Wait-For-Model", "true")
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return models.AudioGenerationResponse{}, fmt.Errorf("musicgen: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBytes+1))
	if err != nil {
		return models.AudioGenerationResponse{}, fmt.Errorf("musicgen: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return models.AudioGenerationResponse{}, upstreamError(resp.StatusCode, data)
	}
	if int64(len(data)) > a.maxBytes {
		return models.AudioGenerationResponse{}, ErrAudioTooLarge
	}
	return decodeAudio(resp.Header.Get("Content-Type"), data)
}

// HealthCheck treats any non-5xx answer from the endpoint as reachable.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint, nil)
	if err != nil {
		return err
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("musicgen: status %d", resp.StatusCode)
	}
	return nil
}

func decodeAudio(contentType string, data []byte) (models.AudioGenerationResponse, error) {
	if len(data) == 0 {
		return models.AudioGenerationResponse{}, errors.New("musicgen: empty response")
	}
	if format, ok := audio.FormatFromMimeType(contentType); ok {
		return models.AudioGenerationResponse{Audio: data, ContentType: format.MimeType()}, nil
	}
	if format, ok := audio.Sniff(data); ok {
		return models.AudioGenerationResponse{Audio: data, ContentType: format.MimeType()}, nil
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return decodeJSONAudio(trimmed)
	}
	return models.AudioGenerationResponse{}, fmt.Errorf("musicgen: unsupported response content type %q", contentType)
}

// waveformPayload covers the JSON shapes returned by custom inference handlers:
// raw waveforms with a sampling rate, or base64 encoded audio files.
type waveformPayload struct {
	Audio          json.RawMessage `json:"audio"`
	GeneratedAudio json.RawMessage `json:"generated_audio"`
	SamplingRate   int             `json:"sampling_rate"`
	ContentType    string          `json:"content-type"`
	Error          json.RawMessage `json:"error"`
}

func decodeJSONAudio(data []byte) (models.AudioGenerationResponse, error) {
	var payload waveformPayload
	if data[0] == '[' {
		var list []waveformPayload
		if err := json.Unmarshal(data, &list); err != nil {
			return models.AudioGenerationResponse{}, fmt.Errorf("musicgen: decode response: %w", err)
		}
		if len(list) == 0 {
			return models.AudioGenerationResponse{}, errors.New("musicgen: empty response")
		}
		payload = list[0]
	} else if err := json.Unmarshal(data, &payload); err != nil {
		return models.AudioGenerationResponse{}, fmt.Errorf("musicgen: decode response: %w", err)
	}
	if msg := errorMessage(payload.Error); msg != "" {
		return models.AudioGenerationResponse{}, fmt.Errorf("musicgen: %s", msg)
	}

	raw := payload.Audio
	if len(raw) == 0 {
		raw = payload.GeneratedAudio
	}
	if len(raw) == 0 {
		return models.AudioGenerationResponse{}, errors.New("musicgen: response has no audio")
	}

	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return models.AudioGenerationResponse{}, fmt.Errorf("musicgen: decode base64 audio: %w", err)
		}
		format, ok := audio.FormatFromMimeType(payload.ContentType)
		if !ok {
			if format, ok = audio.Sniff(decoded); !ok {
				return models.AudioGenerationResponse{}, errors.New("musicgen: unrecognized audio container")
			}
		}
		return models.AudioGenerationResponse{Audio: decoded, ContentType: format.MimeType()}, nil
	}

	samples, err := decodeWaveform(raw)
	if err != nil {
		return models.AudioGenerationResponse{}, err
	}
	if payload.SamplingRate <= 0 {
		return models.AudioGenerationResponse{}, errors.New("musicgen: waveform response missing sampling_rate")
	}
	wav, err := audio.EncodeFloat32WAV(samples, payload.SamplingRate, 1)
	if err != nil {
		return models.AudioGenerationResponse{}, fmt.Errorf("musicgen: %w", err)
	}
	return models.AudioGenerationResponse{Audio: wav, ContentType: audio.FormatWAV.MimeType()}, nil
}

// decodeWaveform accepts [samples], [[samples]] or [[[samples]]] (batch, channel, time)
// and keeps the first batch entry and first channel.
func decodeWaveform(raw json.RawMessage) ([]float32, error) {
	var flat []float32
	if err := json.Unmarshal(raw, &flat); err == nil {
		return flat, nil
	}
	var nested [][]float32
	if err := json.Unmarshal(raw, &nested); err == nil {
		if len(nested) == 0 {
			return nil, audio.ErrEmpty
		}
		return nested[0], nil
	}
	var batched [][][]float32
	if err := json.Unmarshal(raw, &batched); err == nil {
		if len(batched) == 0 || len(batched[0]) == 0 {
			return nil, audio.ErrEmpty
		}
		return batched[0][0], nil
	}
	return nil, errors.New("musicgen: unrecognized waveform layout")
}

func upstreamError(status int, body []byte) error {
	var payload struct {
		Error         json.RawMessage `json:"error"`
		EstimatedTime float64         `json:"estimated_time"`
	}
	msg := ""
	if err := json.Unmarshal(body, &payload); err == nil {
		msg = errorMessage(payload.Error)
		if msg != "" && payload.EstimatedTime > 0 {
			msg = fmt.Sprintf("%s (estimated time %.0fs)", msg, payload.EstimatedTime)
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return fmt.Errorf("musicgen: status %d: %s", status, msg)
}

func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return strings.TrimSpace(single)
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return strings.TrimSpace(strings.Join(many, "; "))
	}
	var object struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &object); err == nil {
		return strings.TrimSpace(object.Message)
	}
	return ""
}
