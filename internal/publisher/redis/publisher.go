// Package redis publishes dead-letter records by pushing JSON onto a Redis
// list per topic. Records are kept for inspection and never replayed.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

type pusher interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// Publisher LPUSHes payloads onto prefix+topic.
type Publisher struct {
	client pusher
	prefix string
}

// New wraps a Redis client.
func New(client pusher, prefix string) *Publisher {
	return &Publisher{client: client, prefix: prefix}
}

// Publish appends payload to the head of the topic list. The returned ID is
// the list key and its length after the push.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", errors.New("redis publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	key := p.prefix + topic
	n, err := p.client.LPush(ctx, key, data).Result()
	if err != nil {
		return "", fmt.Errorf("lpush %s: %w", key, err)
	}
	return fmt.Sprintf("%s#%d", key, n), nil
}
