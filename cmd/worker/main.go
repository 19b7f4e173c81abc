// Package main provides the worker entry point. The worker consumes task
// messages from the configured broker, runs them through the filter
// pipeline and handler registry, and stores results in the backend. It
// also hosts the delayed-message dispatcher, the outbox dispatcher, and
// the saga orchestrator.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	redisbackend "github.com/fairyhunter13/dotcelery/internal/adapter/backend/redis"
	inmembroker "github.com/fairyhunter13/dotcelery/internal/adapter/broker/inmem"
	kafkabroker "github.com/fairyhunter13/dotcelery/internal/adapter/broker/kafka"
	"github.com/fairyhunter13/dotcelery/internal/adapter/broker/redisstream"
	"github.com/fairyhunter13/dotcelery/internal/adapter/serializer"
	inmemstore "github.com/fairyhunter13/dotcelery/internal/adapter/store/inmem"
	pgstore "github.com/fairyhunter13/dotcelery/internal/adapter/store/postgres"
	redisstore "github.com/fairyhunter13/dotcelery/internal/adapter/store/redis"
	"github.com/fairyhunter13/dotcelery/internal/client"
	"github.com/fairyhunter13/dotcelery/internal/config"
	"github.com/fairyhunter13/dotcelery/internal/deadletter"
	"github.com/fairyhunter13/dotcelery/internal/domain"
	"github.com/fairyhunter13/dotcelery/internal/execution"
	"github.com/fairyhunter13/dotcelery/internal/filters"
	"github.com/fairyhunter13/dotcelery/internal/killswitch"
	"github.com/fairyhunter13/dotcelery/internal/observability"
	"github.com/fairyhunter13/dotcelery/internal/outbox"
	"github.com/fairyhunter13/dotcelery/internal/saga"
	"github.com/fairyhunter13/dotcelery/internal/task"
	"github.com/fairyhunter13/dotcelery/internal/worker"
)

func main() {
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

	slog.Info("starting worker", slog.String("env", cfg.AppEnv), slog.String("broker", cfg.Broker))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	deps, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		slog.Error("dependency wiring failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer deps.close()

	registry := task.NewRegistry(serializer.JSON{})
	registerBuiltinTasks(registry)

	var ks *killswitch.Switch
	if cfg.KillSwitchEnabled {
		ks = killswitch.New(killswitch.Options{
			Window:              cfg.KillSwitchWindow,
			ActivationThreshold: cfg.KillSwitchMinSamples,
			TripThreshold:       cfg.KillSwitchFailureRate,
			RestartTimeout:      cfg.KillSwitchRestartTimeout,
		}, logger)
	}

	var deadLetters *deadletter.Handler
	if cfg.DeadLetterEnabled {
		deadLetters = deadletter.New(deps.deadLetterStore, deadletter.Options{
			Reasons:           deadLetterReasons(cfg.DeadLetterReasons),
			IncludeStackTrace: cfg.DeadLetterIncludeStackTrace,
			Retention:         cfg.DeadLetterMaxAge,
		}, logger)
	}

	var signals domain.SignalBus
	if cfg.DispatchSignals {
		signals = deps.signals
	}

	exec := execution.New(execution.Config{
		Registry: registry,
		Backend:  deps.backend,
		Filters: []task.Filter{
			filters.NewSecurity(filters.SecurityPolicy{
				MaxSchemaVersion: cfg.SecurityMaxSchemaVersion,
				AllowedTasks:     cfg.SecurityAllowedTasks,
				MaxPayloadBytes:  cfg.SecurityMaxPayloadBytes,
				RequireTenant:    cfg.SecurityRequireTenant,
			}),
			filters.NewQueueMetrics(observability.Recorder{}),
			filters.NewTenantContext(),
			filters.NewInboxDedup(deps.inbox, cfg.InboxRetention, logger),
			filters.NewPartitionedExecution(deps.partitionLocks, cfg.PartitionLockTTL, cfg.PartitionRequeueDelay, logger),
			filters.NewPreventOverlapping(deps.tracker, cfg.OverlapLockTTL, logger),
			filters.NewRateLimit(deps.limiter),
		},
		Revocations:    deps.revocations,
		DeadLetters:    deadLetters,
		Signals:        signals,
		ResultExpiry:   cfg.ResultExpiry,
		DefaultTimeout: cfg.DefaultTaskTimeout,
		Logger:         logger,
	})

	reconnectInitial, reconnectMax, _ := cfg.ReconnectBackoff()
	w := worker.New(worker.Options{
		Queues:                         cfg.Queues,
		Concurrency:                    cfg.Concurrency,
		Prefetch:                       cfg.PrefetchCount,
		UseDelayQueue:                  cfg.UseDelayQueue,
		RequeueRateLimitedToDelayQueue: cfg.RequeueRateLimitedToDelayQueue,
		ETAInlineThreshold:             cfg.ETAInlineThreshold,
		GracefulShutdown:               cfg.GracefulShutdown,
		ShutdownTimeout:                cfg.ShutdownTimeout,
		AbandonOnForcedShutdown:        !cfg.RequeueOnForcedShutdown,
		ReconnectInitial:               reconnectInitial,
		ReconnectMax:                   reconnectMax,
	}, deps.broker, exec, deps.delayed, ks, deps.revocations, logger)

	cli := client.New(deps.broker, deps.outboxStore, deps.backend, serializer.JSON{}, observability.Recorder{}, logger)
	orchestrator := saga.New(deps.sagaStore, cli, deps.signals, saga.Options{
		AutoCompensateOnFailure: cfg.SagaAutoCompensate,
	}, logger)

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(runCtx) })
	g.Go(func() error { return orchestrator.Run(runCtx) })
	if cfg.UseDelayQueue && deps.delayed != nil {
		dispatcher := worker.NewDelayedDispatcher(deps.delayed, deps.broker, cfg.DelayedPollInterval, cfg.DelayedRetryInterval, logger)
		g.Go(func() error {
			dispatcher.Run(runCtx)
			return nil
		})
	}
	if cfg.OutboxEnabled && deps.outboxStore != nil {
		dispatcher := outbox.New(deps.outboxStore, deps.broker, outbox.Options{
			PollInterval: cfg.OutboxPollInterval,
			BatchSize:    cfg.OutboxBatchSize,
			MaxAttempts:  cfg.OutboxMaxAttempts,
			Retention:    cfg.OutboxRetention,
		}, logger)
		g.Go(func() error {
			dispatcher.Run(runCtx)
			return nil
		})
		g.Go(func() error {
			dispatcher.RunCleanup(runCtx)
			return nil
		})
	}

	slog.Info("worker started, send SIGTERM or SIGINT to stop",
		slog.Any("queues", cfg.Queues),
		slog.Int("concurrency", cfg.Concurrency))

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("worker exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}

// deps bundles every transport and store the worker process wires up.
// Which implementations back them depends on cfg.Broker and cfg.DBURL.
type deps struct {
	broker      domain.Broker
	backend     domain.ResultBackend
	delayed     domain.DelayedStore
	inbox       domain.InboxStore
	limiter     domain.RateLimiter
	tracker     domain.ExecutionTracker
	revocations domain.RevocationStore

	partitionLocks  domain.PartitionLockStore
	deadLetterStore domain.DeadLetterStore
	outboxStore     domain.OutboxStore
	sagaStore       domain.SagaStore
	signals         domain.SignalBus

	closers []func()
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func buildDeps(ctx context.Context, cfg config.Config, logger *slog.Logger) (*deps, error) {
	d := &deps{signals: inmemstore.NewSignalBus()}

	switch cfg.Broker {
	case "inmem":
		b := inmembroker.New()
		d.broker = b
		d.backend = inmemstore.NewResultBackend()
		d.delayed = inmemstore.NewDelayed()
		d.inbox = inmemstore.NewInbox()
		d.limiter = inmemstore.NewSlidingWindowLimiter()
		d.tracker = inmemstore.NewTracker()
		d.partitionLocks = inmemstore.NewPartitionLocks()
		d.revocations = inmemstore.NewRevocationStore(cfg.RevocationRetention)
		d.deadLetterStore = inmemstore.NewDeadLetters()
		d.outboxStore = inmemstore.NewOutbox()
		d.sagaStore = inmemstore.NewSagas()
		d.closers = append(d.closers, func() { _ = b.Close() })
		return d, nil

	case "redis", "kafka":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis unreachable at %s: %w", cfg.RedisAddr, err)
		}
		d.closers = append(d.closers, func() { _ = rdb.Close() })

		// Results and coordination always live in Redis; only the message
		// transport differs between the two broker choices.
		d.backend = redisbackend.New(rdb)
		d.inbox = redisstore.NewInbox(rdb)
		d.limiter = redisstore.NewSlidingWindowLimiter(rdb)
		d.tracker = redisstore.NewTracker(rdb)
		d.partitionLocks = redisstore.NewPartitionLocks(rdb)
		d.revocations = redisstore.NewRevocationStore(rdb, cfg.RevocationRetention, logger)

		if cfg.Broker == "redis" {
			b := redisstream.New(rdb, redisstream.Options{}, logger)
			d.broker = b
			d.closers = append(d.closers, func() { _ = b.Close() })
		} else {
			b, err := kafkabroker.New(kafkabroker.Options{
				Brokers: cfg.KafkaBrokers,
				GroupID: cfg.KafkaGroup,
			}, logger)
			if err != nil {
				return nil, err
			}
			d.broker = b
			d.closers = append(d.closers, func() { _ = b.Close() })
		}

		pool, err := pgstore.NewPool(ctx, cfg.DBURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unreachable: %w", err)
		}
		d.closers = append(d.closers, pool.Close)
		d.delayed = pgstore.NewDelayedStore(pool)
		d.deadLetterStore = pgstore.NewDeadLetterStore(pool)
		d.outboxStore = pgstore.NewOutboxStore(pool)
		d.sagaStore = pgstore.NewSagaStore(pool)
		return d, nil

	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker)
	}
}

// deadLetterReasons maps configured reason names onto the domain type.
func deadLetterReasons(names []string) []domain.DeadLetterReason {
	reasons := make([]domain.DeadLetterReason, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			reasons = append(reasons, domain.DeadLetterReason(n))
		}
	}
	return reasons
}

// registerBuiltinTasks installs the diagnostics tasks every worker carries.
func registerBuiltinTasks(registry *task.Registry) {
	type pingReply struct {
		Pong bool      `json:"pong"`
		At   time.Time `json:"at"`
	}
	_ = task.RegisterFunc(registry, "dotcelery.ping",
		func(_ context.Context, _ *task.Context, _ struct{}) (pingReply, error) {
			return pingReply{Pong: true, At: time.Now().UTC()}, nil
		})

	type echoArgs struct {
		Message string `json:"message"`
	}
	_ = task.RegisterFunc(registry, "dotcelery.echo",
		func(_ context.Context, _ *task.Context, in echoArgs) (echoArgs, error) {
			return in, nil
		})
}
