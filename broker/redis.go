package broker

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
)

const (
	redisMaxRetries     = 3
	redisInitialBackoff = 100 * time.Millisecond
	redisMaxBackoff     = 2 * time.Second
)

// RedisBroker implements MessageBroker on Redis pub/sub.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker wraps an existing Redis client; it does not own the
// connection and Close is a no-op.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload string) error {
	operation := func() error {
		return b.client.Publish(ctx, channel, payload).Err()
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(redisInitialBackoff),
				backoff.WithMaxInterval(redisMaxBackoff),
			),
			redisMaxRetries,
		),
		ctx,
	)

	return backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		log.Printf("Retrying Redis publish on %s: %v (next attempt in %s)", channel, err, d)
	})
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	pubsub := b.client.Subscribe(ctx, channel)

	// Force the subscription to be established before returning, so a
	// publish immediately after Subscribe cannot be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	out := make(chan string, 100)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBroker) Type() string {
	return "redis"
}

func (b *RedisBroker) Close() error {
	// The client is shared with the coordination store and closed there.
	return nil
}
