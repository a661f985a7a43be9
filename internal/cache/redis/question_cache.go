package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/davencooke/predmarket/internal/domain"
)

const questionTTL = 5 * time.Minute

// QuestionCache implements domain.QuestionCache using Redis hashes with
// JSON-serialized question snapshots.
//
// Key schema:
//
//	question:{key} - hash with field "data" containing JSON
//
// The cache is read-through only; the engine stays authoritative and every
// mutation invalidates or rewrites the entry.
type QuestionCache struct {
	rdb *redis.Client
}

var _ domain.QuestionCache = (*QuestionCache)(nil)

// NewQuestionCache creates a QuestionCache backed by the given Client.
func NewQuestionCache(c *Client) *QuestionCache {
	return &QuestionCache{rdb: c.Underlying()}
}

func questionKey(key domain.QuestionKey) string { return "question:" + key.Hex() }

// Set stores a question snapshot with a 5-minute TTL.
func (qc *QuestionCache) Set(ctx context.Context, q domain.Question) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("redis: marshal question %s: %w", q.Key, err)
	}

	key := questionKey(q.Key)
	pipe := qc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, questionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set question %s: %w", q.Key, err)
	}
	return nil
}

// Get retrieves a question snapshot. It returns domain.ErrNotFound when the
// entry does not exist or has expired.
func (qc *QuestionCache) Get(ctx context.Context, key domain.QuestionKey) (domain.Question, error) {
	data, err := qc.rdb.HGet(ctx, questionKey(key), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Question{}, domain.ErrNotFound
		}
		return domain.Question{}, fmt.Errorf("redis: get question %s: %w", key, err)
	}

	var q domain.Question
	if err := json.Unmarshal(data, &q); err != nil {
		return domain.Question{}, fmt.Errorf("redis: unmarshal question %s: %w", key, err)
	}
	return q, nil
}

// Invalidate removes a question snapshot from the cache.
func (qc *QuestionCache) Invalidate(ctx context.Context, key domain.QuestionKey) error {
	if err := qc.rdb.Del(ctx, questionKey(key)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate question %s: %w", key, err)
	}
	return nil
}
