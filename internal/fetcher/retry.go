package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/bigbluedigital/pagefeed/internal/metrics"
	"github.com/bigbluedigital/pagefeed/internal/pagefeed"
)

// noTokenReason is the x-status-reason the service sends on a 401 caused by
// an expired or missing token. Only this reason triggers a token refresh.
const noTokenReason = "Could not authorize your access (B: No token found)"

// Retry defaults, enumerated so callers can reason about unset options.
const (
	DefaultMaxRetries    = 3
	DefaultRetryDelay    = 100 * time.Millisecond
	DefaultMaxRetryDelay = time.Hour
	DefaultRetryJitter   = 50 * time.Millisecond
)

// RetryOptions configures one retried fetch. The zero value gets the
// documented defaults applied.
type RetryOptions struct {
	// MaxRetries is the total attempt budget, including the first try.
	MaxRetries int

	// RetryDelay is the base delay before the first retry.
	RetryDelay time.Duration

	// MaxRetryDelay caps the computed backoff (jitter is applied on top of
	// the cap as well as the base).
	MaxRetryDelay time.Duration

	// RetryJitter scales the random jitter relative to RetryDelay.
	RetryJitter time.Duration

	// NotifyRetryAttempt, when set, is called synchronously before each
	// retry wait. The wait duration itself does not depend on how long the
	// callback takes.
	NotifyRetryAttempt func(pagefeed.RetryNotification)

	// AccessToken is the bearer token for the first attempt. Empty means
	// unauthenticated.
	AccessToken string

	// GetNewToken, when set, is invoked on a 401 "no token" failure to
	// obtain a replacement token for subsequent attempts.
	GetNewToken func(ctx context.Context) (string, error)

	// RefreshKeepsBudget controls whether a token-refresh cycle consumes a
	// retry attempt. The historical behavior is that it does; set this to
	// true to exempt refreshes from the budget.
	RefreshKeepsBudget bool
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = DefaultRetryJitter
	}
	return o
}

// PageGetter is the single-fetch capability the Retrier wraps.
type PageGetter interface {
	GetPage(ctx context.Context, pageURL *url.URL, accessToken string) (pagefeed.PageResult, error)
}

// Retrier wraps a PageGetter with bounded exponential backoff, jitter, and
// the token-refresh recovery protocol. All failures surface as a returned
// error once the budget is exhausted; until then they are swallowed into
// the retry loop.
type Retrier struct {
	fetcher PageGetter
	logger  *zap.Logger

	// randFloat returns a draw in [0,1); replaceable in tests.
	randFloat func() float64
}

// NewRetrier builds a Retrier around the given fetcher.
func NewRetrier(fetcher PageGetter, logger *zap.Logger) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{
		fetcher:   fetcher,
		logger:    logger,
		randFloat: rand.Float64,
	}
}

// GetPage fetches the page, retrying per the options. The context governs
// both the fetch attempts and the backoff waits.
func (r *Retrier) GetPage(ctx context.Context, opts RetryOptions, pageURL *url.URL) (pagefeed.PageResult, error) {
	opts = opts.withDefaults()

	jitterMultiplier := float64(opts.RetryJitter) / float64(opts.RetryDelay)
	accessToken := opts.AccessToken

	attempts := 0
	var lastErr error

	for attempts < opts.MaxRetries {
		result, err := r.fetcher.GetPage(ctx, pageURL, accessToken)
		if err == nil {
			return result, nil
		}
		lastErr = err
		attempts++

		if attempts == opts.MaxRetries {
			break
		}

		var svcErr *pagefeed.ServiceError
		if errors.As(err, &svcErr) && svcErr.Status == 401 && svcErr.Reason() == noTokenReason {
			if opts.GetNewToken != nil {
				r.logger.Warn("page fetch failed with token auth error, will get new token",
					zap.String("url", pageURL.String()))
				token, refreshErr := opts.GetNewToken(ctx)
				if refreshErr != nil {
					return pagefeed.PageResult{}, fmt.Errorf("token refresh failed during retry: %w", refreshErr)
				}
				accessToken = token
				if opts.RefreshKeepsBudget {
					attempts--
				}
			} else {
				r.logger.Warn("page fetch failed with token auth error; no way to get a new token",
					zap.String("url", pageURL.String()))
			}
		}

		jitter := r.randFloat() * jitterMultiplier
		delay := nextDelay(opts, attempts, jitter)

		notification := buildNotification(opts, attempts, delay, err, pageURL)
		metrics.ObserveRetry(errorKind(err), delay)
		r.logger.Debug("page fetch failed; will try again later",
			zap.String("url", pageURL.String()),
			zap.Int("attempt", notification.Attempt),
			zap.Int("attempts_remaining", notification.AttemptsRemaining),
			zap.Duration("next_delay", delay),
			zap.Error(err))
		if opts.NotifyRetryAttempt != nil {
			opts.NotifyRetryAttempt(notification)
		}

		select {
		case <-ctx.Done():
			return pagefeed.PageResult{}, fmt.Errorf("retry wait canceled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	metrics.ObserveRetriesExhausted()
	return pagefeed.PageResult{}, fmt.Errorf("%w after %d attempts: %w",
		pagefeed.ErrRetryLimitExceeded, attempts, lastErr)
}

// nextDelay computes the backoff before the given retry attempt. The growth
// is base-10 exponential; this is tuned for a slow-moving, low-volume
// external API, not a high-QPS service.
func nextDelay(opts RetryOptions, attempt int, jitter float64) time.Duration {
	base := float64(opts.RetryDelay)
	backoff := (base + base*jitter) * math.Pow(10, float64(attempt))
	ceiling := float64(opts.MaxRetryDelay) + float64(opts.MaxRetryDelay)*jitter
	return time.Duration(math.Min(backoff, ceiling))
}

func buildNotification(opts RetryOptions, attempt int, delay time.Duration, err error, pageURL *url.URL) pagefeed.RetryNotification {
	n := pagefeed.RetryNotification{
		Attempt:           attempt,
		AttemptsRemaining: opts.MaxRetries - attempt,
		NextDelay:         delay,
		ErrorMessage:      err.Error(),
		URL:               pageURL.String(),
	}
	var svcErr *pagefeed.ServiceError
	if errors.As(err, &svcErr) {
		n.ErrorStatus = svcErr.Status
		n.ErrorStatusText = svcErr.StatusText
	}
	return n
}

func errorKind(err error) string {
	var (
		svcErr   *pagefeed.ServiceError
		netErr   *pagefeed.NetworkError
		parseErr *pagefeed.ParseError
	)
	switch {
	case errors.As(err, &svcErr):
		return "service_error"
	case errors.As(err, &netErr):
		return "network_error"
	case errors.As(err, &parseErr):
		return "parse_error"
	default:
		return "unknown"
	}
}
