// Package notify delivers system messages to a per-tenant feed in Redis.
// Delivery is best effort; import runs never fail on a lost notification.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"portfolio-backoffice/internal/config"
)

// feedMax bounds the per-tenant feed length.
const feedMax = 1000

type message struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Feed implements domain.MessageSink over a Redis list per space code.
type Feed struct {
	client *redis.Client
}

func New(cfg config.Config) *Feed {
	return &Feed{client: redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})}
}

// NewWithClient wires an existing client; used by tests.
func NewWithClient(client *redis.Client) *Feed {
	return &Feed{client: client}
}

func feedKey(spaceCode string) string {
	return "notify:feed:" + spaceCode
}

// Send pushes one message onto the tenant's feed and trims it.
func (f *Feed) Send(ctx context.Context, spaceCode, title, description string) error {
	body, err := json.Marshal(message{
		Title:       title,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	pipe := f.client.TxPipeline()
	pipe.LPush(ctx, feedKey(spaceCode), body)
	pipe.LTrim(ctx, feedKey(spaceCode), 0, feedMax-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push message: %w", err)
	}
	return nil
}

// Recent returns up to limit newest messages for a tenant.
func (f *Feed) Recent(ctx context.Context, spaceCode string, limit int64) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 50
	}
	raws, err := f.client.LRange(ctx, feedKey(spaceCode), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(raws))
	for _, raw := range raws {
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *Feed) Close() error {
	return f.client.Close()
}
