package push

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// handshake attempts before a channel gives up and goes failed
	maxHandshakeAttempts = 3
	handshakeBackoff     = 500 * time.Millisecond
)

// Channel is one open subscription with an explicit health lifecycle:
// connecting -> subscribed, subscribed <-> degraded on transient delivery
// errors, and failed once the handshake stops succeeding. failed is terminal
// for the handle; callers open a new channel to retry.
type Channel struct {
	topic     string
	transport Transport
	onEvent   func([]byte)
	onHealth  func(Health)
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	health Health
	closed bool
}

// Open starts the subscription. onEvent fires for every delivered payload;
// onHealth fires for every health transition, from the channel's own
// goroutine. Neither fires again after Close returns.
func Open(transport Transport, topic string, onEvent func([]byte), onHealth func(Health), logger *slog.Logger) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		topic:     topic,
		transport: transport,
		onEvent:   onEvent,
		onHealth:  onHealth,
		logger:    logger,
		cancel:    cancel,
		done:      make(chan struct{}),
		health:    HealthConnecting,
	}
	go c.run(ctx)
	return c
}

func (c *Channel) Topic() string { return c.topic }

func (c *Channel) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// Close tears the subscription down synchronously: when it returns, no
// further onEvent or onHealth callbacks will fire. Must not be called from
// inside a callback.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	<-c.done
}

func (c *Channel) setHealth(h Health) {
	c.mu.Lock()
	if c.closed || c.health == h {
		c.mu.Unlock()
		return
	}
	c.health = h
	c.mu.Unlock()
	if c.logger != nil {
		c.logger.Info("subscription health changed", "topic", c.topic, "health", h.String())
	}
	if c.onHealth != nil {
		c.onHealth(h)
	}
}

func (c *Channel) deliver(payload []byte) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || c.onEvent == nil {
		return
	}
	c.onEvent(payload)
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	for {
		stream, ok := c.subscribe(ctx)
		if !ok {
			return // failed or closed
		}
		c.setHealth(HealthSubscribed)
		for {
			payload, err := stream.Receive(ctx)
			if ctx.Err() != nil {
				_ = stream.Close()
				return
			}
			if err != nil {
				// transport-level trouble: downgrade and resubscribe
				if c.logger != nil {
					c.logger.Warn("subscription receive error", "topic", c.topic, "error", err)
				}
				_ = stream.Close()
				c.setHealth(HealthDegraded)
				break
			}
			c.deliver(payload)
		}
	}
}

// subscribe retries the handshake a bounded number of times. On exhaustion
// the channel goes failed and reports (false).
func (c *Channel) subscribe(ctx context.Context) (Stream, bool) {
	backoff := handshakeBackoff
	for attempt := 1; attempt <= maxHandshakeAttempts; attempt++ {
		stream, err := c.transport.Subscribe(ctx, c.topic)
		if err == nil {
			return stream, true
		}
		if ctx.Err() != nil {
			return nil, false
		}
		if c.logger != nil {
			c.logger.Warn("subscription handshake failed", "topic", c.topic, "attempt", attempt, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	c.setHealth(HealthFailed)
	return nil, false
}
