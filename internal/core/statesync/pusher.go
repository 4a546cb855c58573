package statesync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Pusher ships changed entries to a remote peer during auto-sync.
type Pusher interface {
	Push(ctx context.Context, entries []Entry) error
}

// PusherFunc adapts a function to Pusher.
type PusherFunc func(ctx context.Context, entries []Entry) error

func (f PusherFunc) Push(ctx context.Context, entries []Entry) error { return f(ctx, entries) }

// RedisPusher publishes every entry as a JSON message on a redis channel.
type RedisPusher struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisPusher(client redis.UniversalClient, channel string) *RedisPusher {
	return &RedisPusher{client: client, channel: channel}
}

// Push publishes entries in one pipeline.
func (p *RedisPusher) Push(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	pipe := p.client.Pipeline()
	for _, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode state %q: %w", e.Key, err)
		}
		pipe.Publish(ctx, p.channel, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", p.channel, err)
	}
	return nil
}

// Channel returns the redis channel entries are published on.
func (p *RedisPusher) Channel() string {
	return p.channel
}
