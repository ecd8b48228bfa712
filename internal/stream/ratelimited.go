package stream

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/bigbluedigital/pagefeed/internal/dripfeed"
	"github.com/bigbluedigital/pagefeed/internal/metrics"
	"github.com/bigbluedigital/pagefeed/internal/pagefeed"
)

// terminationBound is the lowest offset known to end the collection. Slots
// covering the same collection share one bound, so a short slot stops its
// siblings from fetching past the end.
type terminationBound struct {
	v atomic.Int64
}

func newTerminationBound() *terminationBound {
	b := &terminationBound{}
	b.v.Store(math.MaxInt64)
	return b
}

// propose lowers the bound to offset if it is the lowest seen so far.
func (b *terminationBound) propose(offset int) {
	next := int64(offset)
	for {
		cur := b.v.Load()
		if cur <= next {
			return
		}
		if b.v.CompareAndSwap(cur, next) {
			return
		}
	}
}

// allows reports whether a page at offset may still be fetched or emitted.
// The terminating page itself is allowed; everything past it is not.
func (b *terminationBound) allows(offset int) bool {
	return int64(offset) <= b.v.Load()
}

// RateLimitedStreamPages walks the collection one page per work signal from
// ticks. Signals arriving while MaxPendingRequests fetches are already in
// flight are discarded, so a stalled API slows consumption instead of
// queueing it. Page events may arrive out of offset order.
func RateLimitedStreamPages(ctx context.Context, retrier PageRetrier, ticks dripfeed.Source, opts Options, logger *zap.Logger) *Stream {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	s := newStream()
	go s.runRateLimited(ctx, retrier, ticks, opts, logger)
	return s
}

func (s *Stream) runRateLimited(ctx context.Context, retrier PageRetrier, ticks dripfeed.Source, opts Options, logger *zap.Logger) {
	carrier := newTokenCarrier(opts.Retry)
	bound := opts.bound
	stride := opts.stride()

	var (
		wg      sync.WaitGroup
		pending atomic.Int64
	)

	// next trails by one stride so the first signal lands on opts.Offset.
	next := opts.Offset - stride

loop:
	for {
		select {
		case <-s.stop:
			break loop
		case <-s.halt:
			break loop
		case <-ctx.Done():
			s.fail(ctx.Err())
			break loop
		case _, ok := <-ticks.Drips():
			if !ok {
				if err := ticks.Err(); err != nil {
					s.fail(fmt.Errorf("work signal source: %w", err))
				}
				break loop
			}
			if int(pending.Load()) >= opts.MaxPendingRequests {
				metrics.ObserveDripDropped("backpressure")
				continue
			}
			if !bound.allows(next + stride) {
				break loop
			}
			next += stride
			offset := next

			pending.Add(1)
			metrics.AddPendingRequests(1)
			wg.Add(1)
			go func() {
				defer wg.Done()
				retryOpts := carrier.retryOptions(opts.Retry, s.notify)
				result, err := retrier.GetPage(ctx, retryOpts, pageURL(opts.URL, opts.Limit, offset))
				pending.Add(-1)
				metrics.AddPendingRequests(-1)
				s.deliver(ctx, result, err, bound, opts, offset, logger)
			}()
		}
	}

	wg.Wait()
	s.finish()
}

// deliver handles one completed page fetch for the rate-limited driver.
func (s *Stream) deliver(ctx context.Context, result pagefeed.PageResult, err error, bound *terminationBound, opts Options, offset int, logger *zap.Logger) {
	if err != nil {
		s.fail(fmt.Errorf("page at offset %d: %w", offset, err))
		s.requestHalt()
		return
	}

	if result.LooksLikeLastPage || !result.LooksPaginated {
		bound.propose(offset)
		logger.Debug("collection end observed",
			zap.Int("offset", offset),
			zap.Int("slot", opts.Slot))
	}
	if !bound.allows(offset) {
		// A sibling already found an earlier end; this page is past it.
		return
	}
	if !s.emit(ctx, eventFrom(result, opts, offset)) {
		return
	}
	if result.LooksLikeLastPage || !result.LooksPaginated {
		s.requestHalt()
	}
}
