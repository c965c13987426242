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

	"github.com/redis/go-redis/v9"

	"github.com/offensive-vk/collabshare/internal/config"
	"github.com/offensive-vk/collabshare/internal/metrics"
	"github.com/offensive-vk/collabshare/internal/ratelimit"
	"github.com/offensive-vk/collabshare/internal/relayserver"
	"github.com/offensive-vk/collabshare/internal/roomstore"
)

func main() {
	cfg, err := config.LoadRelay(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var store roomstore.Store
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid redis URL", "err", err)
			os.Exit(2)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(context.Background()).Err(); err != nil {
			logger.Error("redis unreachable", "err", err)
			os.Exit(2)
		}
		store = roomstore.NewRedis(client, cfg.RoomTTL)
		logger.Info("using redis room store", "addr", opts.Addr)
	} else {
		store = roomstore.NewMemory()
		logger.Info("using in-memory room store")
	}

	limiter := ratelimit.NewPerClientLimiter(ratelimit.PerClientConfig{
		Capacity: cfg.MessageBurst,
		Rate:     cfg.MessagesPerSecond,
	})

	relay := relayserver.New(relayserver.Config{
		Store:           store,
		Metrics:         metrics.New(),
		Limiter:         limiter,
		MaxMessageBytes: cfg.MaxMessageBytes,
		Logger:          logger,
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: relay.Router(),
	}

	logger.Info("starting collabshare-relay", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}
