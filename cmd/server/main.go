// Command collabhub starts the realtime collaboration server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/and161185/collabhub/internal/conflict"
	"github.com/and161185/collabhub/internal/progress"
	"github.com/and161185/collabhub/internal/queue"
	"github.com/and161185/collabhub/internal/registry"
	"github.com/and161185/collabhub/internal/server"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main parses configuration, restores mirrored queue state, and serves the
// websocket and admin endpoints until interrupted.
func main() {
	// Flags
	addr := flag.String("addr", ":8080", "listen address")
	redisAddr := flag.String("redis", "", "Redis address for queue mirroring (empty disables)")
	staleAfter := flag.Duration("heartbeat-stale", 5*time.Minute, "heartbeat age before a connection is dropped")
	sweepEvery := flag.Duration("sweep-interval", time.Minute, "stale connection sweep interval")
	queueSize := flag.Int("queue-size", 10000, "delivery queue capacity")
	queueTTL := flag.Duration("queue-ttl", time.Hour, "default message TTL")
	dev := flag.Bool("dev", false, "development logging")
	flag.Parse()

	logger, _ := zap.NewProduction()
	if *dev {
		logger, _ = zap.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", *addr),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Delivery queue, optionally mirrored to Redis
	var qopts []queue.Option
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer rdb.Close()
		qopts = append(qopts, queue.WithMirror(queue.NewRedisMirror(rdb, "")))
	}
	q := queue.New(queue.Config{
		MaxSize:    *queueSize,
		DefaultTTL: *queueTTL,
	}, logger, qopts...)

	if n, err := q.RestoreFromMirror(ctx); err != nil {
		logger.Warn("queue restore", zap.Error(err))
	} else if n > 0 {
		logger.Info("queue restored from mirror", zap.Int("messages", n))
	}

	reg := registry.New(registry.Config{
		StaleThreshold: *staleAfter,
		SweepInterval:  *sweepEvery,
	}, q, logger)
	resolver := conflict.NewResolver(logger)
	emitter := progress.New(progress.Config{}, reg, logger)

	srv := server.New(server.Config{Addr: *addr}, reg, resolver, emitter, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		q.Run(ctx, reg.Deliver)
	}()
	go func() {
		defer wg.Done()
		reg.Run(ctx)
	}()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", zap.Error(err))
		stop()
		wg.Wait()
		os.Exit(1)
	}

	// Flush close notices before the delivery loops stop.
	reg.Shutdown()
	stop()
	wg.Wait()

	logger.Info("shutdown complete")
}
