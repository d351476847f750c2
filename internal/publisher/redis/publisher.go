// Package redis publishes completion events with Redis PUBLISH.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"
)

type publishClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// Config points at the Redis server.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Publisher sends JSON payloads to a Redis channel named after the topic.
type Publisher struct {
	client publishClient
}

// New dials Redis lazily; the first command opens the connection.
func New(cfg Config) (*Publisher, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Publisher{client: client}, nil
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(client publishClient) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Publisher{client: client}, nil
}

// Publish marshals payload and publishes it. The returned ID is the number
// of subscribers that received the message.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	receivers, err := p.client.Publish(ctx, topic, data).Result()
	if err != nil {
		return "", fmt.Errorf("redis publish: %w", err)
	}
	return strconv.FormatInt(receivers, 10), nil
}

// Ping checks connectivity.
func (p *Publisher) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the client's connections.
func (p *Publisher) Close() error {
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
