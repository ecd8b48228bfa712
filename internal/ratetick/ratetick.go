// Package ratetick turns a token-bucket rate limiter into a stream of work
// signals consumable as a dripfeed source.
package ratetick

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Ticker emits one signal per token granted by the limiter. It satisfies
// dripfeed.Source, so its capacity can be shared round-robin across
// consumers.
type Ticker struct {
	limiter *rate.Limiter
	drips   chan struct{}
	cancel  context.CancelFunc
	once    sync.Once

	mu  sync.Mutex
	err error
}

// New starts a Ticker over the limiter. Tokens are only drawn while a
// consumer is ready to receive, so an unread Ticker does not accumulate a
// backlog beyond the limiter's burst.
func New(limiter *rate.Limiter) *Ticker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Ticker{
		limiter: limiter,
		drips:   make(chan struct{}),
		cancel:  cancel,
	}
	go t.run(ctx)
	return t
}

// Every is shorthand for a Ticker emitting one signal per interval with no
// burst allowance.
func Every(interval time.Duration) *Ticker {
	return New(rate.NewLimiter(rate.Every(interval), 1))
}

// Drips returns the signal channel. It is closed after Stop, or if the
// limiter becomes unusable.
func (t *Ticker) Drips() <-chan struct{} { return t.drips }

// Err reports why Drips closed. A deliberate Stop reads as nil.
func (t *Ticker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Stop shuts the Ticker down. Idempotent.
func (t *Ticker) Stop() {
	t.once.Do(t.cancel)
}

func (t *Ticker) run(ctx context.Context) {
	defer close(t.drips)
	for {
		if err := t.limiter.Wait(ctx); err != nil {
			if !errors.Is(err, context.Canceled) {
				t.mu.Lock()
				t.err = err
				t.mu.Unlock()
			}
			return
		}
		select {
		case t.drips <- struct{}{}:
		case <-ctx.Done():
			return
		}
	}
}
