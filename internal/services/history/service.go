package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDisabled is returned by Recent when no database is configured.
var ErrDisabled = errors.New("generation history is not enabled")

const (
	ModeCombined   = "combined"
	ModeDescribe   = "describe"
	ModeSynthesize = "synthesize"
	ModeStudio     = "studio"

	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Entry is one recorded generation attempt.
type Entry struct {
	ID           uuid.UUID     `json:"id"`
	SessionID    string        `json:"session_id,omitempty"`
	Mode         string        `json:"mode"`
	Prompt       string        `json:"prompt"`
	Model        string        `json:"model"`
	Description  string        `json:"description,omitempty"`
	ClipID       string        `json:"clip_id,omitempty"`
	ContentType  string        `json:"content_type,omitempty"`
	AudioBytes   int64         `json:"audio_bytes,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	TotalTokens  int32         `json:"total_tokens,omitempty"`
	Status       string        `json:"status"`
	ErrorMessage string        `json:"error,omitempty"`
	Latency      time.Duration `json:"latency"`
	CreatedAt    time.Time     `json:"created_at"`
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Service persists generation history in Postgres. A nil database disables it.
type Service struct {
	db querier
}

func NewService(db querier) *Service {
	return &Service{db: db}
}

func (s *Service) Enabled() bool {
	return s != nil && s.db != nil
}

const insertGeneration = `
INSERT INTO generations (
    id, session_id, mode, prompt, model, description, clip_id, content_type,
    audio_bytes, duration_ms, total_tokens, status, error_message, latency_ms, created_at
) VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, NULLIF($7, '')::uuid, NULLIF($8, ''), $9, $10, $11, $12, NULLIF($13, ''), $14, $15)`

// Record stores entry, filling its id and timestamp when unset.
func (s *Service) Record(ctx context.Context, entry Entry) error {
	if !s.Enabled() {
		return nil
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, insertGeneration,
		entry.ID,
		entry.SessionID,
		entry.Mode,
		entry.Prompt,
		entry.Model,
		entry.Description,
		entry.ClipID,
		entry.ContentType,
		entry.AudioBytes,
		entry.Duration.Milliseconds(),
		entry.TotalTokens,
		entry.Status,
		entry.ErrorMessage,
		entry.Latency.Milliseconds(),
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record generation: %w", err)
	}
	return nil
}

const selectRecent = `
SELECT id, COALESCE(session_id, ''), mode, prompt, model, description,
       COALESCE(clip_id::text, ''), COALESCE(content_type, ''), audio_bytes,
       duration_ms, total_tokens, status, COALESCE(error_message, ''), latency_ms, created_at
FROM generations
WHERE ($2::timestamptz IS NULL OR created_at >= $2)
  AND ($3 = '' OR mode = $3)
ORDER BY created_at DESC
LIMIT $1`

// Query filters a history listing. Zero values mean no filter.
type Query struct {
	Limit int
	Since time.Time
	Mode  string
}

// Recent returns the newest entries first. Limit is clamped to [1, 100].
func (s *Service) Recent(ctx context.Context, q Query) ([]Entry, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	var since any
	if !q.Since.IsZero() {
		since = q.Since.UTC()
	}
	rows, err := s.db.Query(ctx, selectRecent, limit, since, q.Mode)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e                     Entry
			durationMS, latencyMS int64
		)
		if err := rows.Scan(
			&e.ID, &e.SessionID, &e.Mode, &e.Prompt, &e.Model, &e.Description,
			&e.ClipID, &e.ContentType, &e.AudioBytes, &durationMS, &e.TotalTokens,
			&e.Status, &e.ErrorMessage, &latencyMS, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.Latency = time.Duration(latencyMS) * time.Millisecond
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	return entries, nil
}
