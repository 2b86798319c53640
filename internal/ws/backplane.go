package ws

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Backplane relays emitted frames to every service instance so clients
// connected anywhere receive them.
type Backplane interface {
	Publish(ctx context.Context, data []byte) error
	// Subscribe starts delivering relayed frames to handler until the
	// context is cancelled.
	Subscribe(ctx context.Context, handler func([]byte)) error
}

const backplaneChannel = "market:events"

// RedisBackplane relays frames over a redis pub/sub channel.
type RedisBackplane struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

func NewRedisBackplane(rdb redis.UniversalClient, logger *zap.Logger) *RedisBackplane {
	return &RedisBackplane{rdb: rdb, logger: logger}
}

func (b *RedisBackplane) Publish(ctx context.Context, data []byte) error {
	if err := b.rdb.Publish(ctx, backplaneChannel, data).Err(); err != nil {
		return fmt.Errorf("backplane publish: %w", err)
	}
	return nil
}

func (b *RedisBackplane) Subscribe(ctx context.Context, handler func([]byte)) error {
	sub := b.rdb.Subscribe(ctx, backplaneChannel)
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("backplane subscribe: %w", err)
	}
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
	return nil
}

// LoopbackBackplane delivers frames in-process only. Used in tests and
// single-instance deployments.
type LoopbackBackplane struct {
	handler func([]byte)
}

func NewLoopbackBackplane() *LoopbackBackplane { return &LoopbackBackplane{} }

func (b *LoopbackBackplane) Publish(_ context.Context, data []byte) error {
	if b.handler != nil {
		b.handler(data)
	}
	return nil
}

func (b *LoopbackBackplane) Subscribe(_ context.Context, handler func([]byte)) error {
	b.handler = handler
	return nil
}
