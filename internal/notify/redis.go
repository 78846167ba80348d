package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/slawatch/backend/internal/models"
)

// RedisStreamNotifier appends escalations to a Redis stream for downstream
// workers. The stream entry id is the external reference.
type RedisStreamNotifier struct {
	Client *redis.Client
	Stream string
	MaxLen int64
}

func NewRedisStreamNotifier(redisURL, stream string) (*RedisStreamNotifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisStreamNotifier{Client: redis.NewClient(opts), Stream: stream, MaxLen: 100000}, nil
}

func (n *RedisStreamNotifier) Notify(ctx context.Context, item models.TrackedItem, level int, templateKey string) (string, error) {
	msg := NewMessage(item, level, templateKey)
	args := &redis.XAddArgs{
		Stream: n.Stream,
		Values: map[string]any{
			"item_kind":         msg.ItemKind,
			"item_id":           msg.ItemID,
			"source":            msg.Source,
			"policy_key":        msg.PolicyKey,
			"level":             msg.Level,
			"template":          msg.Template,
			"title":             msg.Title,
			"url":               msg.URL,
			"first_detected_at": msg.FirstDetectedAt.UTC().Format(time.RFC3339),
		},
	}
	if n.MaxLen > 0 {
		args.MaxLen = n.MaxLen
		args.Approx = true
	}
	ref, err := n.Client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue notification: %w", err)
	}
	return ref, nil
}

func (n *RedisStreamNotifier) Ping(ctx context.Context) error {
	return n.Client.Ping(ctx).Err()
}

func (n *RedisStreamNotifier) Close() error {
	return n.Client.Close()
}
