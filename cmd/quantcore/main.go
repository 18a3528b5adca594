package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/minjae-oh/quantcore/internal/barstore"
	"github.com/minjae-oh/quantcore/internal/executor"
	"github.com/minjae-oh/quantcore/internal/redis"
	"github.com/minjae-oh/quantcore/internal/store"
	"github.com/minjae-oh/quantcore/internal/upbit"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	subs, err := store.Open(store.Option{
		Host:     env("PG_HOST", "localhost"),
		Port:     envInt("PG_PORT", 5432),
		User:     env("PG_USER", "quantcore"),
		Password: os.Getenv("PG_PASSWORD"),
		Database: env("PG_DATABASE", "quantcore"),
	})
	if err != nil {
		slog.Error("Failed to open subscription store", "error", err)
		return
	}
	defer subs.Close()

	bars, err := barstore.Open(ctx, barstore.Config{
		Addr:     env("CLICKHOUSE_ADDR", "localhost:9000"),
		Database: env("CLICKHOUSE_DATABASE", "quantcore"),
		User:     env("CLICKHOUSE_USER", "default"),
		Password: os.Getenv("CLICKHOUSE_PASSWORD"),
	})
	if err != nil {
		slog.Error("Failed to open bar store", "error", err)
		return
	}
	defer bars.Close()

	locker, err := redis.New(ctx, env("REDIS_ADDR", "localhost:6379"), os.Getenv("REDIS_PASSWORD"), envInt("REDIS_DB", 0))
	if err != nil {
		slog.Error("Failed to connect to redis", "error", err)
		return
	}
	defer locker.Close()

	factory := &upbit.Factory{
		Source: envCredentials{},
		ApiUrl: os.Getenv("UPBIT_API_URL"),
	}
	source := upbit.NewService("", "", os.Getenv("UPBIT_API_URL"))

	queue := executor.NewQueue(envInt("QUEUE_CAPACITY", 256))
	coord := executor.New(executor.DefaultConfig(), subs, bars, source, factory, locker, locker, queue)

	workers := envInt("WORKERS", 4)
	go queue.Run(ctx, workers)
	slog.Info("Worker pool started", "workers", workers)

	// Align the first tick to the next minute boundary.
	first := time.Now().UTC().Truncate(time.Minute).Add(time.Minute)
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Until(first)):
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	tick := func(now time.Time) {
		if _, err := coord.RunDispatchTick(ctx, now); err != nil {
			slog.Error("Dispatch tick failed", "error", err)
		}
	}
	tick(first)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Shutting down")
			queue.Close()
			return
		case now := <-ticker.C:
			tick(now)
		}
	}
}

// envCredentials serves one operator's keys from the environment. A
// multi-tenant deployment swaps in a store-backed source.
type envCredentials struct{}

func (envCredentials) CredentialsFor(context.Context, uint) (upbit.Credentials, error) {
	return upbit.Credentials{
		AccessKey: os.Getenv("UPBIT_ACCESS_KEY"),
		SecretKey: os.Getenv("UPBIT_SECRET_KEY"),
	}, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring unparseable env value", "key", key, "value", v)
		return def
	}
	return n
}
