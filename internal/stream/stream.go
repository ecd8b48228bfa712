// Package stream drives page-by-page consumption of the paginated API. Two
// drivers share one surface: a sequential driver that fetches as fast as
// pages complete, and a rate-limited driver that fetches one page per
// granted work signal. Both stop at the first page that looks like the
// last one.
package stream

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/bigbluedigital/pagefeed/internal/fetcher"
	"github.com/bigbluedigital/pagefeed/internal/metrics"
	"github.com/bigbluedigital/pagefeed/internal/pagefeed"
)

// retryBuffer bounds the retry notification channel; notifications past
// the buffer are dropped rather than stalling the driver.
const retryBuffer = 16

// PageRetrier is the retried single-page fetch the drivers are built on.
type PageRetrier interface {
	GetPage(ctx context.Context, opts fetcher.RetryOptions, pageURL *url.URL) (pagefeed.PageResult, error)
}

// Options configures one driver.
type Options struct {
	// URL is the collection endpoint. Its _limit and _offset parameters are
	// managed by the driver; any values already present are overwritten.
	URL *url.URL

	// Limit is the page size, clamped to [MinPageLimit, MaxPageLimit].
	// Zero means DefaultPageLimit.
	Limit int

	// Offset is the first page's offset.
	Offset int

	// SkipPages is how many pages to skip between fetched pages. Zero walks
	// every page; a parallel slot covering every Nth page uses N-1.
	SkipPages int

	// MaxPendingRequests caps concurrent in-flight fetches in the
	// rate-limited driver. Work signals arriving at the cap are discarded.
	// Zero means 1. The sequential driver ignores it.
	MaxPendingRequests int

	// Retry configures each page fetch. A token obtained through
	// Retry.GetNewToken is reused for all later pages of this stream.
	Retry fetcher.RetryOptions

	// Slot and SlotOffset annotate emitted events when the driver runs as
	// one lane of a parallel fan-out.
	Slot       int
	SlotOffset int

	// bound is the shared termination watermark when several slots cover
	// one collection. Nil gets a private one.
	bound *terminationBound
}

func (o Options) withDefaults() Options {
	if o.Limit == 0 {
		o.Limit = pagefeed.DefaultPageLimit
	}
	if o.Limit < pagefeed.MinPageLimit {
		o.Limit = pagefeed.MinPageLimit
	}
	if o.Limit > pagefeed.MaxPageLimit {
		o.Limit = pagefeed.MaxPageLimit
	}
	if o.MaxPendingRequests < 1 {
		o.MaxPendingRequests = 1
	}
	if o.bound == nil {
		o.bound = newTerminationBound()
	}
	return o
}

// stride is the offset distance between consecutive fetched pages.
func (o Options) stride() int {
	return o.Limit * (o.SkipPages + 1)
}

// Stream is a running driver. Pages delivers events until the collection
// is exhausted or the driver stops; after Pages closes, Err reports
// whether the stream ended cleanly.
type Stream struct {
	pages   chan pagefeed.PageEvent
	retries chan pagefeed.RetryNotification
	stop    chan struct{}
	once    sync.Once

	// halt asks the driver to stop scheduling new fetches while letting
	// in-flight ones deliver. Stop is the harder variant that also
	// abandons deliveries.
	halt     chan struct{}
	haltOnce sync.Once

	mu  sync.Mutex
	err error
}

func newStream() *Stream {
	return &Stream{
		pages:   make(chan pagefeed.PageEvent),
		retries: make(chan pagefeed.RetryNotification, retryBuffer),
		stop:    make(chan struct{}),
		halt:    make(chan struct{}),
	}
}

func (s *Stream) requestHalt() {
	s.haltOnce.Do(func() { close(s.halt) })
}

// Pages returns the event channel. Closed when the stream ends.
func (s *Stream) Pages() <-chan pagefeed.PageEvent { return s.pages }

// Retries returns transient-failure notifications. Reading it is optional;
// the channel is closed together with Pages.
func (s *Stream) Retries() <-chan pagefeed.RetryNotification { return s.retries }

// Stop ends the stream early. Idempotent. In-flight fetches are abandoned
// and Pages closes once the driver winds down.
func (s *Stream) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// Err reports why the stream ended. Valid only after Pages is closed; nil
// means the collection was exhausted or the stream was stopped.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *Stream) finish() {
	close(s.retries)
	close(s.pages)
}

// emit delivers one event, honoring stop and context cancellation. Reports
// whether the event was accepted.
func (s *Stream) emit(ctx context.Context, ev pagefeed.PageEvent) bool {
	select {
	case s.pages <- ev:
		metrics.ObserveItems(len(ev.Items))
		return true
	case <-s.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// notify forwards a retry notification without ever blocking the driver.
func (s *Stream) notify(n pagefeed.RetryNotification) {
	select {
	case s.retries <- n:
	default:
	}
}

// tokenCarrier keeps the freshest access token across the pages of one
// stream, so a mid-stream refresh is not repeated on every later page.
type tokenCarrier struct {
	mu    sync.Mutex
	token string
	fetch func(ctx context.Context) (string, error)
}

func newTokenCarrier(retry fetcher.RetryOptions) *tokenCarrier {
	return &tokenCarrier{token: retry.AccessToken, fetch: retry.GetNewToken}
}

func (c *tokenCarrier) current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *tokenCarrier) refresh(ctx context.Context) (string, error) {
	token, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return token, nil
}

// retryOptions binds the carrier into a per-fetch RetryOptions value.
func (c *tokenCarrier) retryOptions(base fetcher.RetryOptions, notify func(pagefeed.RetryNotification)) fetcher.RetryOptions {
	opts := base
	opts.AccessToken = c.current()
	opts.NotifyRetryAttempt = func(n pagefeed.RetryNotification) {
		if base.NotifyRetryAttempt != nil {
			base.NotifyRetryAttempt(n)
		}
		notify(n)
	}
	if c.fetch != nil {
		opts.GetNewToken = c.refresh
	}
	return opts
}

// pageURL clones the endpoint with the driver-managed pagination params.
// The deprecated _page parameter never reaches the service.
func pageURL(base *url.URL, limit, offset int) *url.URL {
	u := *base
	q := u.Query()
	q.Del(pagefeed.ParamPage)
	q.Set(pagefeed.ParamLimit, strconv.Itoa(limit))
	q.Set(pagefeed.ParamOffset, strconv.Itoa(offset))
	u.RawQuery = q.Encode()
	return &u
}

func eventFrom(result pagefeed.PageResult, opts Options, offset int) pagefeed.PageEvent {
	return pagefeed.PageEvent{
		Items:             result.Items,
		Limit:             opts.Limit,
		Offset:            offset,
		Slot:              opts.Slot,
		SlotOffset:        opts.SlotOffset,
		LooksPaginated:    result.LooksPaginated,
		LooksLikeLastPage: result.LooksLikeLastPage,
	}
}

// StreamPages walks the collection sequentially, one page after another,
// with no pacing beyond the fetches themselves.
func StreamPages(ctx context.Context, retrier PageRetrier, opts Options, logger *zap.Logger) *Stream {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	s := newStream()
	go s.runSequential(ctx, retrier, opts, logger)
	return s
}

func (s *Stream) runSequential(ctx context.Context, retrier PageRetrier, opts Options, logger *zap.Logger) {
	defer s.finish()

	carrier := newTokenCarrier(opts.Retry)
	offset := opts.Offset

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			s.fail(ctx.Err())
			return
		default:
		}

		if !opts.bound.allows(offset) {
			// Another slot fetched the collection end already.
			return
		}

		retryOpts := carrier.retryOptions(opts.Retry, s.notify)
		result, err := retrier.GetPage(ctx, retryOpts, pageURL(opts.URL, opts.Limit, offset))
		if err != nil {
			s.fail(fmt.Errorf("page at offset %d: %w", offset, err))
			return
		}

		if result.LooksLikeLastPage || !result.LooksPaginated {
			opts.bound.propose(offset)
		}
		if !opts.bound.allows(offset) {
			return
		}
		if !s.emit(ctx, eventFrom(result, opts, offset)) {
			return
		}
		if result.LooksLikeLastPage || !result.LooksPaginated {
			logger.Debug("collection exhausted",
				zap.Int("offset", offset),
				zap.Bool("looks_paginated", result.LooksPaginated))
			return
		}
		offset += opts.stride()
	}
}
