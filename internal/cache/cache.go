package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skylarryan212-maker/llm-client-1-sub003/config"
)

const activeTopicTTL = 24 * time.Hour

// Cache keeps hot per-conversation state in redis so the pipeline can skip
// a database round trip on the common continue-the-active-topic path. All
// reads degrade gracefully: a cache miss or a redis outage just means the
// caller goes to postgres.
type Cache struct {
	rdb *redis.Client
}

func New(cfg config.RedisConfig) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Cache{rdb: rdb}, nil
}

func activeTopicKey(conversationID string) string {
	return "conv:" + conversationID + ":active_topic"
}

// SetActiveTopic records the topic the conversation's latest message was
// tagged with.
func (c *Cache) SetActiveTopic(ctx context.Context, conversationID, topicID string) error {
	return c.rdb.Set(ctx, activeTopicKey(conversationID), topicID, activeTopicTTL).Err()
}

// ActiveTopic returns the cached active topic id, if any.
func (c *Cache) ActiveTopic(ctx context.Context, conversationID string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, activeTopicKey(conversationID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, val != "", nil
}

// InvalidateActiveTopic drops the cached active topic, e.g. after a topic
// is deleted.
func (c *Cache) InvalidateActiveTopic(ctx context.Context, conversationID string) error {
	return c.rdb.Del(ctx, activeTopicKey(conversationID)).Err()
}

func (c *Cache) Close() error {
	return c.rdb.Close()
}
