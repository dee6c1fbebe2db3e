package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a session id is unknown or expired.
var ErrNotFound = errors.New("session not found")

// Session holds the intermediate state of the two-step studio flow.
type Session struct {
	ID          string    `json:"id"`
	Prompt      string    `json:"prompt,omitempty"`
	Model       string    `json:"model,omitempty"`
	Description string    `json:"description,omitempty"`
	Tokens      int32     `json:"tokens,omitempty"`
	ClipID      string    `json:"clip_id,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasDescription reports whether the first studio step has completed.
func (s Session) HasDescription() bool {
	return strings.TrimSpace(s.Description) != ""
}

// Store persists sessions in Redis with a sliding TTL.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{client: client, ttl: ttl}
}

// NewID returns a fresh opaque session id.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id looks like one minted by NewID.
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (s *Store) Get(ctx context.Context, id string) (Session, error) {
	if !ValidID(id) {
		return Session{}, ErrNotFound
	}
	data, err := s.client.Get(ctx, s.prefixed(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return sess, nil
}

// Save writes the session and refreshes its TTL.
func (s *Store) Save(ctx context.Context, sess Session) error {
	if !ValidID(sess.ID) {
		return fmt.Errorf("save session: invalid id %q", sess.ID)
	}
	sess.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.prefixed(sess.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if !ValidID(id) {
		return nil
	}
	return s.client.Del(ctx, s.prefixed(id)).Err()
}

// TTL returns the configured session lifetime, used for cookie max-age.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

func (s *Store) prefixed(id string) string {
	return "session:" + id
}
