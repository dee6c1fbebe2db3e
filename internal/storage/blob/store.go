package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"

	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/config"
)

// ErrNotFound is returned when a key has no stored object.
var ErrNotFound = errors.New("blob: object not found")

type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	Metadata    map[string]string
	Encrypted   bool
}

// Store persists generated clip artifacts.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	Backend() string
}

type backendStore interface {
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

type store struct {
	name    string
	backend backendStore
	sealer  *sealer
}

func New(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	sl, err := newSealer(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	name, backend, err := buildBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &store{name: name, backend: backend, sealer: sl}, nil
}

func buildBackend(ctx context.Context, cfg config.StorageConfig) (string, backendStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "s3":
		awsCfg, err := loadS3Config(ctx, cfg.S3)
		if err != nil {
			return "", nil, fmt.Errorf("load aws config: %w", err)
		}
		backend, err := newS3Store(cfg.S3, awsCfg)
		return "s3", backend, err
	default:
		backend, err := newLocalStore(cfg.Local)
		return "local", backend, err
	}
}

func (s *store) Backend() string { return s.name }

// Put stores body, sealing it first when an encryption key is configured.
// The returned size is always the plaintext size.
func (s *store) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (ObjectInfo, error) {
	if s.sealer == nil {
		return s.backend.Put(ctx, key, body, opts)
	}
	plain, err := io.ReadAll(body)
	if err != nil {
		return ObjectInfo{}, err
	}
	payload, err := s.sealer.seal(key, plain)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("blob: seal %s: %w", key, err)
	}
	meta := make(map[string]string, len(opts.Metadata)+1)
	maps.Copy(meta, opts.Metadata)
	meta[encryptionMetadataKey] = encryptionMethod

	info, err := s.backend.Put(ctx, key, bytes.NewReader(payload), PutOptions{ContentType: opts.ContentType, Metadata: meta})
	if err != nil {
		return ObjectInfo{}, err
	}
	info.Size = int64(len(plain))
	info.Encrypted = true
	return info, nil
}

func (s *store) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	reader, info, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	if _, sealed := info.Metadata[encryptionMetadataKey]; !sealed {
		return reader, info, nil
	}
	defer reader.Close()
	if s.sealer == nil {
		return nil, ObjectInfo{}, fmt.Errorf("blob: %s is encrypted but no key is configured", key)
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	plain, err := s.sealer.open(key, payload)
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("blob: decrypt %s: %w", key, err)
	}
	info.Size = int64(len(plain))
	info.Encrypted = true
	return io.NopCloser(bytes.NewReader(plain)), info, nil
}

func (s *store) Delete(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, key)
}
