// Package fetcher performs single-page fetches against the paginated API
// and wraps them with the retry protocol.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/bigbluedigital/pagefeed/internal/metrics"
	"github.com/bigbluedigital/pagefeed/internal/pagefeed"
)

// envelopeKey is the top-level response key the API wraps its payload in.
const envelopeKey = "response"

var errInvalidJSON = errors.New("body is not valid json")

// Fetcher issues exactly one GET per call and classifies the result. It
// never retries; that is the Retrier's job.
type Fetcher struct {
	client *http.Client
	logger *zap.Logger
}

// New builds a Fetcher. A nil client gets a pooled transport with no
// request timeout; timeouts are the caller's responsibility.
func New(client *http.Client, logger *zap.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Transport: newHTTPTransport()}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{client: client, logger: logger}
}

// GetPage fetches one page. The URL is consumed as a snapshot; the caller's
// copy is never mutated. An empty accessToken sends no Authorization header.
func (f *Fetcher) GetPage(ctx context.Context, pageURL *url.URL, accessToken string) (pagefeed.PageResult, error) {
	reqURL := *pageURL
	query := reqURL.Query()

	requestedLimit := queryInt(query, pagefeed.ParamLimit, pagefeed.DefaultPageLimit)
	requestedOffset := queryInt(query, pagefeed.ParamOffset, 0)

	if query.Get(pagefeed.ParamPage) != "" {
		f.logger.Warn("don't use _page, use _limit and/or _offset instead",
			zap.String("url", reqURL.String()))
		query.Del(pagefeed.ParamPage)
		reqURL.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return pagefeed.PageResult{}, &pagefeed.NetworkError{URL: reqURL.String(), Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		metrics.ObservePage("network_error", time.Since(start))
		return pagefeed.PageResult{}, &pagefeed.NetworkError{URL: reqURL.String(), Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	latency := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		f.logger.Error("response status not ok",
			zap.String("url", reqURL.String()),
			zap.Int("status", resp.StatusCode),
			zap.Duration("latency", latency))
		metrics.ObservePage("service_error", latency)
		return pagefeed.PageResult{}, &pagefeed.ServiceError{
			URL:        reqURL.String(),
			Status:     resp.StatusCode,
			StatusText: http.StatusText(resp.StatusCode),
			Headers:    resp.Header.Clone(),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObservePage("network_error", latency)
		return pagefeed.PageResult{}, &pagefeed.NetworkError{URL: reqURL.String(), Err: err}
	}

	result, err := classifyBody(reqURL.String(), body, requestedLimit, requestedOffset)
	if err != nil {
		metrics.ObservePage("parse_error", latency)
		return pagefeed.PageResult{}, err
	}

	f.logger.Debug("page fetched",
		zap.String("url", reqURL.String()),
		zap.Duration("latency", latency),
		zap.Bool("looks_paginated", result.LooksPaginated),
		zap.Bool("looks_like_last_page", result.LooksLikeLastPage),
		zap.Int("items", len(result.Items)))
	metrics.ObservePage("ok", latency)
	return result, nil
}

// classifyBody decides whether the body is a paginated envelope and, for
// array payloads, whether this is the last page.
func classifyBody(pageURL string, body []byte, requestedLimit, requestedOffset int) (pagefeed.PageResult, error) {
	if !gjson.ValidBytes(body) {
		return pagefeed.PageResult{}, &pagefeed.ParseError{URL: pageURL, Err: errInvalidJSON}
	}

	payload := gjson.GetBytes(body, envelopeKey)

	result := pagefeed.PageResult{
		Body:            body,
		RequestedLimit:  requestedLimit,
		RequestedOffset: requestedOffset,
	}

	if payload.IsArray() {
		var items []json.RawMessage
		if err := json.Unmarshal([]byte(payload.Raw), &items); err != nil {
			return pagefeed.PageResult{}, &pagefeed.ParseError{URL: pageURL, Err: err}
		}
		result.Items = items
		result.LooksPaginated = true
		result.LooksLikeLastPage = len(items) < requestedLimit
		return result, nil
	}

	// Not list-shaped: hand the payload back verbatim as one logical item
	// that terminates pagination.
	raw := body
	if payload.Exists() {
		raw = []byte(payload.Raw)
	}
	result.Items = []json.RawMessage{json.RawMessage(raw)}
	result.LooksLikeLastPage = true
	return result, nil
}

func queryInt(query url.Values, key string, fallback int) int {
	raw := query.Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
