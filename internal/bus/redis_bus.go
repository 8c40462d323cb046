// Package bus propagates document updates between hub processes so clients
// connected to different processes still converge.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const updatesChannel = "doc-updates"

// Envelope carries one document update across processes. Origin identifies
// the publishing process so subscribers can skip their own updates.
type Envelope struct {
	DocID  string `json:"doc_id"`
	Origin string `json:"origin"`
	Data   []byte `json:"data"`
}

// Bus is the cross-process fan-out channel for document updates.
type Bus interface {
	// Publish sends an update to every subscribed process, including the
	// publisher if the transport echoes.
	Publish(ctx context.Context, envelope Envelope) error
	// Subscribe starts delivering envelopes to the handler until ctx is done.
	// It returns once the subscription is active.
	Subscribe(ctx context.Context, handler func(Envelope)) error
	Close() error
}

// RedisBus implements Bus on a Redis pub/sub channel.
type RedisBus struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBus connects to Redis and returns a bus.
func NewRedisBus(redisURL string, logger *zap.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{client: client, logger: logger}, nil
}

// Publish sends the envelope on the shared updates channel.
func (b *RedisBus) Publish(ctx context.Context, envelope Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, updatesChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish update: %w", err)
	}
	return nil
}

// Subscribe consumes the updates channel until ctx is cancelled. Malformed
// messages are logged and skipped.
func (b *RedisBus) Subscribe(ctx context.Context, handler func(Envelope)) error {
	pubsub := b.client.Subscribe(ctx, updatesChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe to %s: %w", updatesChannel, err)
	}

	go func() {
		defer pubsub.Close() //nolint:errcheck
		channel := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case message, ok := <-channel:
				if !ok {
					return
				}
				var envelope Envelope
				if err := json.Unmarshal([]byte(message.Payload), &envelope); err != nil {
					b.logger.Warn("dropping malformed bus message", zap.Error(err))
					continue
				}
				handler(envelope)
			}
		}
	}()
	return nil
}

// Close releases the underlying Redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

// NoopBus is the single-instance stand-in used when no Redis URL is
// configured. Publishes vanish and no envelopes are ever delivered.
type NoopBus struct{}

func (NoopBus) Publish(context.Context, Envelope) error { return nil }

func (NoopBus) Subscribe(context.Context, func(Envelope)) error { return nil }

func (NoopBus) Close() error { return nil }
