// Package conversation persists chat transcripts in a cache with a sliding
// expiry.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"restaurant-rag/internal/cache"
	"restaurant-rag/internal/domain"
)

const (
	keyPrefix  = "conversation:"
	DefaultTTL = time.Hour
)

// ErrNotFound is returned for unknown or expired conversations.
var ErrNotFound = errors.New("conversation: not found")

// Store reads and writes conversations as JSON turn lists.
type Store struct {
	cache cache.Cache
	ttl   time.Duration
	newID func() string
}

// NewStore returns a Store. A non-positive ttl uses DefaultTTL.
func NewStore(c cache.Cache, ttl time.Duration) (*Store, error) {
	if c == nil {
		return nil, errors.New("conversation: cache must not be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{cache: c, ttl: ttl, newID: uuid.NewString}, nil
}

func key(id string) string { return keyPrefix + id }

// Create allocates a new id and stores an empty transcript under it.
func (s *Store) Create(ctx context.Context) (string, error) {
	id := s.newID()
	if err := s.Save(ctx, domain.Conversation{ID: id}); err != nil {
		return "", err
	}
	return id, nil
}

// Load returns the transcript for id.
func (s *Store) Load(ctx context.Context, id string) (domain.Conversation, error) {
	raw, err := s.cache.Get(ctx, key(id))
	if errors.Is(err, cache.ErrMiss) {
		return domain.Conversation{}, ErrNotFound
	}
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("conversation: load %s: %w", id, err)
	}

	var turns []domain.Turn
	if err := json.Unmarshal(raw, &turns); err != nil {
		return domain.Conversation{}, fmt.Errorf("conversation: decode %s: %w", id, err)
	}
	return domain.Conversation{ID: id, Turns: turns}, nil
}

// Save writes the transcript and restarts its expiry.
func (s *Store) Save(ctx context.Context, conv domain.Conversation) error {
	if conv.ID == "" {
		return errors.New("conversation: id must not be empty")
	}
	turns := conv.Turns
	if turns == nil {
		turns = []domain.Turn{}
	}
	raw, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("conversation: encode %s: %w", conv.ID, err)
	}
	if err := s.cache.Set(ctx, key(conv.ID), raw, s.ttl); err != nil {
		return fmt.Errorf("conversation: save %s: %w", conv.ID, err)
	}
	return nil
}

// Delete removes the transcript. Unknown ids return ErrNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	ok, err := s.cache.Delete(ctx, key(id))
	if err != nil {
		return fmt.Errorf("conversation: delete %s: %w", id, err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Ping checks the backing cache.
func (s *Store) Ping(ctx context.Context) error {
	return s.cache.Ping(ctx)
}
