package eventing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes envelopes on a Redis channel.
type RedisSink struct {
	rdb     redis.UniversalClient
	channel string
}

// NewRedisSink constructs a sink. An empty channel uses "allocation.events".
func NewRedisSink(rdb redis.UniversalClient, channel string) (*RedisSink, error) {
	if rdb == nil {
		return nil, errors.New("redis sink: nil client")
	}
	if channel == "" {
		channel = "allocation.events"
	}
	return &RedisSink{rdb: rdb, channel: channel}, nil
}

// Deliver publishes the envelope.
func (s *RedisSink) Deliver(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := s.rdb.Publish(ctx, s.channel, body).Err(); err != nil {
		return fmt.Errorf("redis sink publish: %w", err)
	}
	return nil
}
