package msgcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "chatlink:conversation:"
	maxTxRetries     = 16
)

// RedisStore keeps one JSON document per conversation so several local
// processes can share a cache. Updates use WATCH/MULTI so concurrent
// writers retry instead of overwriting each other.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore returns a store writing keys under prefix (a default is used
// when empty). ttl of zero keeps keys forever.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(conversationID string) string {
	return s.prefix + conversationID
}

func (s *RedisStore) Update(ctx context.Context, conversationID string, patch Patch) error {
	key := s.key(conversationID)

	txf := func(tx *redis.Tx) error {
		cur, err := load(ctx, tx, key)
		if err != nil {
			return err
		}
		data, err := json.Marshal(patch(cur))
		if err != nil {
			return fmt.Errorf("encoding %s: %w", key, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("updating %s: %w", key, err)
	}
	return fmt.Errorf("updating %s: %w", key, ErrConflict)
}

func (s *RedisStore) Get(ctx context.Context, conversationID string) (Conversation, error) {
	return load(ctx, s.client, s.key(conversationID))
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func load(ctx context.Context, c getter, key string) (Conversation, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Conversation{}, nil
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("reading %s: %w", key, err)
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return Conversation{}, fmt.Errorf("decoding %s: %w", key, err)
	}
	return conv, nil
}
