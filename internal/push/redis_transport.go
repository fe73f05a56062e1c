package push

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisTransport implements Transport and Publisher over Redis Pub/Sub.
// Redis Pub/Sub is fire-and-forget, which matches the contract here: the
// fallback poller papers over anything lost while a subscriber was away.
type RedisTransport struct {
	client *redis.Client
}

func NewRedisTransport(addr, password string) *RedisTransport {
	return &RedisTransport{client: redis.NewClient(&redis.Options{Addr: addr, Password: password})}
}

func NewRedisTransportFromClient(c *redis.Client) *RedisTransport {
	return &RedisTransport{client: c}
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.client.Publish(ctx, topic, payload).Err()
}

func (t *RedisTransport) Subscribe(ctx context.Context, topic string) (Stream, error) {
	ps := t.client.Subscribe(ctx, topic)
	// wait for the subscription confirmation so handshake failures surface here
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return &redisStream{ps: ps}, nil
}

type redisStream struct {
	ps *redis.PubSub
}

func (s *redisStream) Receive(ctx context.Context) ([]byte, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(msg.Payload), nil
}

func (s *redisStream) Close() error { return s.ps.Close() }
