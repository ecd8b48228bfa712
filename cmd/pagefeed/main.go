// Package main wires together the page feed service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bigbluedigital/pagefeed/internal/auth"
	"github.com/bigbluedigital/pagefeed/internal/config"
	"github.com/bigbluedigital/pagefeed/internal/fetcher"
	"github.com/bigbluedigital/pagefeed/internal/logging"
	"github.com/bigbluedigital/pagefeed/internal/metrics"
	"github.com/bigbluedigital/pagefeed/internal/pagefeed"
	"github.com/bigbluedigital/pagefeed/internal/ratetick"
	"github.com/bigbluedigital/pagefeed/internal/storage/postgres"
	"github.com/bigbluedigital/pagefeed/internal/stream"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("page feed failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	metrics.Init()

	endpoint, err := url.Parse(cfg.API.BaseURL)
	if err != nil {
		return fmt.Errorf("parse api.base_url: %w", err)
	}
	endpoint = endpoint.JoinPath(cfg.API.Path)

	retry := fetcher.RetryOptions{
		MaxRetries:         cfg.Retry.MaxRetries,
		RetryDelay:         cfg.RetryDelay(),
		MaxRetryDelay:      cfg.MaxRetryDelay(),
		RetryJitter:        cfg.RetryJitter(),
		RefreshKeepsBudget: cfg.Retry.RefreshKeepsBudget,
	}
	if cfg.Auth.TokenURL != "" {
		provider := auth.NewProvider(auth.Config{
			Endpoint:     cfg.Auth.TokenURL,
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Scope:        cfg.Auth.Scope,
		}, nil, logging.Component(logger, "auth"))

		rec, err := provider.GetToken(ctx)
		if err != nil {
			return fmt.Errorf("initial token: %w", err)
		}
		retry.AccessToken = rec.AccessToken
		retry.GetNewToken = provider.AccessToken
	}

	var store *postgres.ItemStore
	if cfg.DB.DSN != "" {
		store, err = postgres.NewItemStore(ctx, postgres.ItemStoreConfig{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: int32(cfg.DB.MaxOpenConns),
		})
		if err != nil {
			return fmt.Errorf("item store: %w", err)
		}
		defer store.Close()
	}

	opsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           opsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = opsServer.Shutdown(shutdownCtx)
	}()

	ticker := ratetick.New(rate.NewLimiter(rate.Every(cfg.RequestInterval()), 1))
	defer ticker.Stop()

	retrier := fetcher.NewRetrier(fetcher.New(nil, logging.Component(logger, "fetcher")), logging.Component(logger, "retry"))
	s := stream.ParallelStreamPages(ctx, retrier, stream.ParallelOptions{
		URL:                endpoint,
		Streams:            cfg.Stream.Streams,
		Limit:              cfg.Stream.Limit,
		Offset:             cfg.Stream.Offset,
		MaxPendingRequests: cfg.Stream.MaxPendingRequests,
		Retry:              retry,
		Ticks:              ticker,
	}, logging.Component(logger, "stream"))

	go func() {
		for n := range s.Retries() {
			logger.Warn("page fetch retrying",
				zap.String("url", n.URL),
				zap.Int("attempt", n.Attempt),
				zap.Int("attempts_remaining", n.AttemptsRemaining),
				zap.Duration("next_delay", n.NextDelay),
				zap.Int("status", n.ErrorStatus))
		}
	}()

	items := 0
	for ev := range s.Pages() {
		logger.Info("page received",
			zap.Int("offset", ev.Offset),
			zap.Int("slot", ev.Slot),
			zap.Int("items", len(ev.Items)),
			zap.Bool("looks_like_last_page", ev.LooksLikeLastPage))
		items += len(ev.Items)
		if store != nil {
			for _, item := range pagefeed.AnnotateItems(ev) {
				if err := store.StoreItem(ctx, item); err != nil {
					logger.Error("store item failed",
						zap.Int("item_offset", item.ItemOffset),
						zap.Error(err))
				}
			}
		}
	}
	if err := s.Err(); err != nil {
		return fmt.Errorf("stream ended: %w", err)
	}

	logger.Info("collection consumed", zap.Int("items", items))
	return nil
}

func opsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}
