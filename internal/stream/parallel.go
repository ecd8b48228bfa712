package stream

import (
	"context"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/bigbluedigital/pagefeed/internal/dripfeed"
	"github.com/bigbluedigital/pagefeed/internal/fetcher"
	"github.com/bigbluedigital/pagefeed/internal/pagefeed"
)

// DefaultStreams is how many slots a parallel walk uses when unset.
const DefaultStreams = 8

// feederName labels the shared work distributor in logs.
const feederName = "psp"

// ParallelOptions configures a strided parallel walk of one collection.
type ParallelOptions struct {
	// URL is the collection endpoint.
	URL *url.URL

	// Streams is the number of concurrent slots. Zero means DefaultStreams;
	// values below one are raised to one.
	Streams int

	// Limit is the per-page size. Zero means StreamPageLimit, the largest
	// page the API serves; bigger pages mean fewer requests per item.
	Limit int

	// Offset is where slot zero starts. Slot N starts Limit*N further in.
	Offset int

	// MaxPendingRequests caps in-flight fetches per slot.
	MaxPendingRequests int

	// Retry configures each page fetch. Every slot refreshes through the
	// same GetNewToken.
	Retry fetcher.RetryOptions

	// Ticks is the shared pace source. Its capacity is divided round-robin
	// across the slots, so total request rate never exceeds it. Nil runs
	// every slot unpaced, fetching as fast as pages complete.
	Ticks dripfeed.Source
}

func (o ParallelOptions) withDefaults() ParallelOptions {
	if o.Streams == 0 {
		o.Streams = DefaultStreams
	}
	if o.Streams < 1 {
		o.Streams = 1
	}
	if o.Limit == 0 {
		o.Limit = pagefeed.StreamPageLimit
	}
	return o
}

// ParallelStreamPages covers the collection with Streams interleaved slots:
// slot N fetches pages at offsets Offset+Limit*N, stepping Streams pages at
// a time. With a tick source the slots share its pace round-robin; without
// one each slot walks its share unpaced. The merged stream ends when every
// slot has passed the earliest page that looked like the last one.
func ParallelStreamPages(ctx context.Context, retrier PageRetrier, opts ParallelOptions, logger *zap.Logger) *Stream {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	bound := newTerminationBound()
	merged := newStream()

	// A nil tick source means unpaced slots; only a paced walk needs the
	// shared feeder.
	var feeder *dripfeed.Dripfeeder
	if opts.Ticks != nil {
		feeder = dripfeed.New(opts.Ticks, feederName, logger)
	}

	children := make([]*Stream, opts.Streams)
	lanes := make([]*dripfeed.Subscription, opts.Streams)
	for slot := 0; slot < opts.Streams; slot++ {
		slotOffset := opts.Offset + opts.Limit*slot
		slotOpts := Options{
			URL:                opts.URL,
			Limit:              opts.Limit,
			Offset:             slotOffset,
			SkipPages:          opts.Streams - 1,
			MaxPendingRequests: opts.MaxPendingRequests,
			Retry:              opts.Retry,
			Slot:               slot,
			SlotOffset:         slotOffset,
			bound:              bound,
		}
		slotLogger := logger.With(zap.Int("slot", slot))
		if feeder != nil {
			lanes[slot] = feeder.Subscribe()
			children[slot] = RateLimitedStreamPages(ctx, retrier, lanes[slot], slotOpts, slotLogger)
		} else {
			children[slot] = StreamPages(ctx, retrier, slotOpts, slotLogger)
		}
	}

	var wg sync.WaitGroup
	for slot := range children {
		wg.Add(1)
		go mergeSlot(ctx, merged, children[slot], lanes[slot], &wg)
	}

	// Stopping the merged stream stops every slot.
	go func() {
		<-merged.stop
		for _, child := range children {
			child.Stop()
		}
	}()

	go func() {
		wg.Wait()
		merged.finish()
	}()
	return merged
}

// mergeSlot forwards one slot's events and retry notifications into the
// merged stream, then releases the slot's share of the tick rotation. The
// lane is nil for unpaced slots.
func mergeSlot(ctx context.Context, merged, child *Stream, lane *dripfeed.Subscription, wg *sync.WaitGroup) {
	defer wg.Done()
	if lane != nil {
		defer lane.Unsubscribe()
	}

	var fwd sync.WaitGroup
	fwd.Add(1)
	go func() {
		defer fwd.Done()
		for n := range child.Retries() {
			merged.notify(n)
		}
	}()

	for ev := range child.Pages() {
		if !merged.emit(ctx, ev) {
			child.Stop()
			// Keep draining so the child can wind down.
			for range child.Pages() {
			}
			break
		}
	}
	fwd.Wait()

	// A failed slot does not tear down its siblings; they keep covering
	// their share of the collection. The first error is what Err reports.
	if err := child.Err(); err != nil {
		merged.fail(err)
	}
}
