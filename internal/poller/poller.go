// Package poller provides the polling fallback used while a push channel is
// degraded or failed. Poll results flow through the same event path as push
// deliveries, so consumers cannot tell the two apart.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const DefaultInterval = 5 * time.Second

// Poller invokes a pull function on a fixed interval while started. Start
// and Stop are idempotent; Stop is synchronous and guarantees no pull call
// is in flight or will fire after it returns.
type Poller struct {
	Interval time.Duration
	Logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Start begins polling with pull. A second Start while active is a no-op.
// The first pull fires after one interval, not immediately; the push channel
// usually recovers faster than that.
func (p *Poller) Start(pull func(ctx context.Context) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx, interval, pull, p.done)
}

// Stop halts polling. When it returns no further pull call will fire.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Active reports whether the poller is currently running.
func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) loop(ctx context.Context, interval time.Duration, pull func(ctx context.Context) error, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pull(ctx); err != nil && ctx.Err() == nil {
				if p.Logger != nil {
					p.Logger.Warn("fallback poll failed", "error", err)
				}
			}
		}
	}
}
