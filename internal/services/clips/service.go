package clips

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/audio"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/config"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/storage/blob"
)

const (
	// AudioBasename is the attachment name, without extension, offered for generated clips.
	AudioBasename = "radio_imaging_output"
	// DescriptionFilename is the attachment name offered for description text.
	DescriptionFilename = "radio_imaging_description.txt"

	expiryIndexKey = "clips:expiry"
)

var ErrNotFound = errors.New("clip not found")

// Clip describes a stored audio artifact and its description.
type Clip struct {
	ID             string        `json:"id"`
	Prompt         string        `json:"prompt,omitempty"`
	Description    string        `json:"description"`
	ContentType    string        `json:"content_type"`
	AudioKey       string        `json:"audio_key"`
	DescriptionKey string        `json:"description_key"`
	Bytes          int64         `json:"bytes"`
	Duration       time.Duration `json:"duration,omitempty"`
	SampleRate     int           `json:"sample_rate,omitempty"`
	Encrypted      bool          `json:"encrypted,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
}

// AudioFilename returns the download name for the clip's audio container.
func (c Clip) AudioFilename() string {
	ext := ".wav"
	if format, ok := audio.FormatFromMimeType(c.ContentType); ok {
		ext = format.Extension()
	}
	return AudioBasename + ext
}

type SaveParams struct {
	Prompt      string
	Description string
	Audio       []byte
	ContentType string
}

// Service coordinates clip metadata in Redis with artifact blobs.
type Service struct {
	store  blob.Store
	redis  *redis.Client
	cfg    config.ClipsConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store blob.Store, client *redis.Client, cfg config.ClipsConfig, logger *slog.Logger) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 200
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, redis: client, cfg: cfg, logger: logger, now: time.Now}
}

// Save stores the audio and description artifacts and indexes them for expiry.
func (s *Service) Save(ctx context.Context, params SaveParams) (Clip, error) {
	if len(params.Audio) == 0 {
		return Clip{}, audio.ErrEmpty
	}
	contentType := params.ContentType
	format, ok := audio.FormatFromMimeType(contentType)
	if !ok {
		if format, ok = audio.Sniff(params.Audio); !ok {
			format = audio.FormatWAV
		}
	}
	contentType = format.MimeType()

	id := uuid.NewString()
	now := s.now().UTC()
	clip := Clip{
		ID:             id,
		Prompt:         params.Prompt,
		Description:    params.Description,
		ContentType:    contentType,
		AudioKey:       "clips/" + id + format.Extension(),
		DescriptionKey: "clips/" + id + ".txt",
		Bytes:          int64(len(params.Audio)),
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.TTL),
	}
	if info, err := audio.Probe(format, params.Audio); err == nil {
		clip.Duration = info.Duration
		clip.SampleRate = info.SampleRate
	}

	info, err := s.store.Put(ctx, clip.AudioKey, bytes.NewReader(params.Audio), blob.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"clip-id": id},
	})
	if err != nil {
		return Clip{}, fmt.Errorf("store clip audio: %w", err)
	}
	clip.Encrypted = info.Encrypted

	if _, err := s.store.Put(ctx, clip.DescriptionKey, strings.NewReader(params.Description), blob.PutOptions{
		ContentType: "text/plain; charset=utf-8",
		Metadata:    map[string]string{"clip-id": id},
	}); err != nil {
		_ = s.store.Delete(ctx, clip.AudioKey)
		return Clip{}, fmt.Errorf("store clip description: %w", err)
	}

	data, err := json.Marshal(clip)
	if err != nil {
		return Clip{}, err
	}
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, recordKey(id), data, s.cfg.TTL)
		pipe.ZAdd(ctx, expiryIndexKey, redis.Z{Score: float64(clip.ExpiresAt.Unix()), Member: id})
		return nil
	})
	if err != nil {
		s.deleteBlobs(ctx, clip)
		return Clip{}, fmt.Errorf("index clip: %w", err)
	}
	return clip, nil
}

// Get returns clip metadata while it is unexpired.
func (s *Service) Get(ctx context.Context, id string) (Clip, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Clip{}, ErrNotFound
	}
	data, err := s.redis.Get(ctx, recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Clip{}, ErrNotFound
	}
	if err != nil {
		return Clip{}, fmt.Errorf("load clip: %w", err)
	}
	var clip Clip
	if err := json.Unmarshal(data, &clip); err != nil {
		return Clip{}, fmt.Errorf("decode clip: %w", err)
	}
	return clip, nil
}

// OpenAudio streams the stored audio. Callers must close the reader.
func (s *Service) OpenAudio(ctx context.Context, id string) (io.ReadCloser, Clip, error) {
	clip, err := s.Get(ctx, id)
	if err != nil {
		return nil, Clip{}, err
	}
	reader, _, err := s.store.Get(ctx, clip.AudioKey)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, Clip{}, ErrNotFound
	}
	if err != nil {
		return nil, Clip{}, err
	}
	return reader, clip, nil
}

// Description returns the stored description text artifact.
func (s *Service) Description(ctx context.Context, id string) (string, Clip, error) {
	clip, err := s.Get(ctx, id)
	if err != nil {
		return "", Clip{}, err
	}
	reader, _, err := s.store.Get(ctx, clip.DescriptionKey)
	if errors.Is(err, blob.ErrNotFound) {
		return "", Clip{}, ErrNotFound
	}
	if err != nil {
		return "", Clip{}, err
	}
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		return "", Clip{}, err
	}
	return string(body), clip, nil
}

// SweepExpired deletes artifacts whose expiry has passed, at most batchSize per call.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	cutoff := strconv.FormatInt(s.now().UTC().Unix(), 10)
	ids, err := s.redis.ZRangeByScore(ctx, expiryIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   cutoff,
		Count: int64(s.cfg.SweepBatchSize),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list expired clips: %w", err)
	}

	removed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		clip := Clip{
			ID:             id,
			DescriptionKey: "clips/" + id + ".txt",
		}
		if existing, err := s.Get(ctx, id); err == nil {
			clip = existing
		}
		if clip.AudioKey != "" {
			s.deleteBlobs(ctx, clip)
		} else {
			for _, format := range []audio.Format{audio.FormatWAV, audio.FormatFLAC, audio.FormatMP3, audio.FormatOGG} {
				_ = s.store.Delete(ctx, "clips/"+id+format.Extension())
			}
			_ = s.store.Delete(ctx, clip.DescriptionKey)
		}
		if err := s.redis.Del(ctx, recordKey(id)).Err(); err != nil {
			return removed, err
		}
		if err := s.redis.ZRem(ctx, expiryIndexKey, id).Err(); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Run sweeps expired clips until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	sweep := func() {
		removed, err := s.SweepExpired(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("clip sweep failed", slog.String("error", err.Error()))
			return
		}
		if removed > 0 {
			s.logger.Info("expired clips removed", slog.Int("count", removed))
		}
	}
	sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

func (s *Service) deleteBlobs(ctx context.Context, clip Clip) {
	for _, key := range []string{clip.AudioKey, clip.DescriptionKey} {
		if key == "" {
			continue
		}
		if err := s.store.Delete(ctx, key); err != nil {
			s.logger.Warn("delete clip artifact", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
}

func recordKey(id string) string {
	return "clip:" + id
}
