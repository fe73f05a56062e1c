// Package push models server-initiated event delivery: a subscribe-by-topic
// transport with at-least-once semantics, wrapped in a channel that tracks
// its own health so callers can degrade to polling.
package push

import "context"

// Health is the tri-state (plus initial) condition of a subscription.
type Health int

const (
	HealthConnecting Health = iota
	HealthSubscribed
	HealthDegraded
	HealthFailed
)

func (h Health) String() string {
	switch h {
	case HealthConnecting:
		return "connecting"
	case HealthSubscribed:
		return "subscribed"
	case HealthDegraded:
		return "degraded"
	case HealthFailed:
		return "failed"
	}
	return "unknown"
}

// Transport is the raw broker boundary. Delivery is at-least-once; ordering
// across reconnects is not assumed.
type Transport interface {
	Subscribe(ctx context.Context, topic string) (Stream, error)
}

// Stream is one live subscription to a topic.
type Stream interface {
	// Receive blocks until the next payload, a transport error, or ctx is done.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Publisher is the producing side of the same transport.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}
