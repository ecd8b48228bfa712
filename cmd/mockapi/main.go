// Package main runs the fake paginated API used for local development.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bigbluedigital/pagefeed/internal/logging"
	"github.com/bigbluedigital/pagefeed/internal/mockapi"
)

func main() {
	port := flag.Int("port", 9090, "Port to listen on")
	items := flag.Int("items", 237, "Number of items in the fake collection")
	clientID := flag.String("client-id", "dev-client", "Accepted OAuth client id")
	clientSecret := flag.String("client-secret", "dev-secret", "Accepted OAuth client secret")
	flag.Parse()

	logger, err := logging.New(true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := mockapi.NewServer(mockapi.Collection(*items), mockapi.Options{
		ClientID:     *clientID,
		ClientSecret: *clientSecret,
	}, logging.Component(logger, "mockapi"))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("mock api listening",
		zap.Int("port", *port),
		zap.Int("items", *items))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("mock api failed", zap.Error(err))
		os.Exit(1)
	}
}
