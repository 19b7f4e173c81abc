// Package main provides the beat entry point: a scheduler process that
// publishes tasks on cron schedules read from a YAML file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	inmembroker "github.com/fairyhunter13/dotcelery/internal/adapter/broker/inmem"
	kafkabroker "github.com/fairyhunter13/dotcelery/internal/adapter/broker/kafka"
	"github.com/fairyhunter13/dotcelery/internal/adapter/broker/redisstream"
	"github.com/fairyhunter13/dotcelery/internal/adapter/serializer"
	"github.com/fairyhunter13/dotcelery/internal/beat"
	"github.com/fairyhunter13/dotcelery/internal/client"
	"github.com/fairyhunter13/dotcelery/internal/config"
	"github.com/fairyhunter13/dotcelery/internal/domain"
	"github.com/fairyhunter13/dotcelery/internal/observability"
)

func main() {
	schedulePath := flag.String("schedule", "beat.yaml", "path to the YAML schedule file")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	sched, err := beat.LoadSchedule(*schedulePath)
	if err != nil {
		slog.Error("schedule load failed", slog.String("path", *schedulePath), slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	broker, closeBroker, err := buildBroker(ctx, cfg, logger)
	if err != nil {
		slog.Error("broker wiring failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeBroker()

	cli := client.New(broker, nil, nil, serializer.JSON{}, observability.Recorder{}, logger)
	scheduler, err := beat.New(sched, cli, logger)
	if err != nil {
		slog.Error("scheduler build failed", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("beat started, send SIGTERM or SIGINT to stop",
		slog.String("schedule", *schedulePath),
		slog.Int("entries", len(sched.Entries)))

	if err := scheduler.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("beat exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("beat stopped")
}

// buildBroker opens the publish-side transport named by cfg.Broker.
func buildBroker(ctx context.Context, cfg config.Config, logger *slog.Logger) (domain.Broker, func(), error) {
	switch cfg.Broker {
	case "inmem":
		b := inmembroker.New()
		return b, func() { _ = b.Close() }, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis unreachable at %s: %w", cfg.RedisAddr, err)
		}
		b := redisstream.New(rdb, redisstream.Options{}, logger)
		return b, func() {
			_ = b.Close()
			_ = rdb.Close()
		}, nil
	case "kafka":
		b, err := kafkabroker.New(kafkabroker.Options{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.KafkaGroup,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown broker %q", cfg.Broker)
	}
}
