package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"energy-allocation/internal/allocation/application"
	allocation "energy-allocation/internal/allocation/domain"
	"energy-allocation/internal/allocation/infrastructure/lock"
	"energy-allocation/internal/allocation/infrastructure/memory"
	pgstore "energy-allocation/internal/allocation/infrastructure/postgres"
	redisstore "energy-allocation/internal/allocation/infrastructure/redis"
	allocationinterfaces "energy-allocation/internal/allocation/interfaces"
	allocationhttp "energy-allocation/internal/allocation/interfaces/http"
	"energy-allocation/internal/audit"
	"energy-allocation/internal/auth"
	"energy-allocation/internal/config"
	"energy-allocation/internal/eventing"
	eventingrepo "energy-allocation/internal/eventing/infrastructure/postgres"
	"energy-allocation/internal/observability/logging"
	"energy-allocation/internal/observability/metrics"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db *sql.DB
	if cfg.Store.DatabaseURL != "" {
		db, err = sql.Open("pgx", cfg.Store.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("db open error")
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal().Err(err).Msg("db ping error")
		}
	}
	metrics.Init(db, logger)

	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("redis ping error")
		}
	}

	store, err := buildStore(ctx, cfg, db, rdb)
	if err != nil {
		logger.Fatal().Err(err).Msg("ledger store error")
	}
	locker, err := buildLocker(cfg, rdb)
	if err != nil {
		logger.Fatal().Err(err).Msg("lock table error")
	}

	publisher, err := buildPublisher(ctx, cfg, db, rdb, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("event publisher error")
	}
	publisher.Start()

	coordinator, err := application.NewCoordinator(store, locker, allocationinterfaces.NewQueuePublisher(publisher),
		application.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("coordinator init error")
	}
	service, err := application.NewService(coordinator, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("service init error")
	}

	var auditLogger audit.Logger = audit.NewLogLogger(logger)
	if repo := audit.NewRepository(db); repo != nil {
		if err := repo.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("audit schema error")
		}
		auditLogger = repo
	}
	handler, err := allocationhttp.NewHandler(service, auditLogger, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("handler init error")
	}

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				http.Error(w, "db unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	var verifier *auth.Verifier
	if cfg.Auth.JWTSecret != "" {
		verifier, err = auth.NewVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			logger.Fatal().Err(err).Msg("auth init error")
		}
	} else {
		logger.Warn().Msg("AUTH_JWT_SECRET not set, api is unauthenticated")
	}
	authMiddleware := auth.NewMiddleware(verifier, auth.NewDefaultPolicy("/healthz", "/metrics"))

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           authMiddleware.Wrap(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("store", cfg.Store.Backend).Str("lock", cfg.Lock.Backend).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown error")
	}
	if err := publisher.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("event publisher drain error")
	}
}

func buildStore(ctx context.Context, cfg config.Config, db *sql.DB, rdb *redis.Client) (allocation.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		store := pgstore.NewStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendRedis:
		return redisstore.NewStore(rdb, cfg.Store.RedisPrefix)
	}
	return memory.NewStore(), nil
}

func buildLocker(cfg config.Config, rdb *redis.Client) (allocation.Locker, error) {
	if cfg.Lock.Backend == config.BackendRedis {
		return lock.NewRedisLocker(rdb, cfg.Lock.TTL)
	}
	return lock.NewTable(lock.WithTTL(cfg.Lock.TTL)), nil
}

func buildPublisher(ctx context.Context, cfg config.Config, db *sql.DB, rdb *redis.Client, logger zerolog.Logger) (*eventing.Publisher, error) {
	sinks := []eventing.Sink{eventing.NewLogSink(logger)}
	if cfg.Events.WebhookURL != "" {
		sinks = append(sinks, eventing.NewWebhookSink(cfg.Events.WebhookURL))
	}
	if rdb != nil {
		sink, err := eventing.NewRedisSink(rdb, cfg.Events.RedisChannel)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	opts := []eventing.DispatcherOption{
		eventing.WithRetry(cfg.Events.MaxRetries, cfg.Events.RetryBase),
		eventing.WithDispatchLogger(logger),
	}
	if cfg.Events.DeadLetter && db != nil {
		dlq := eventingrepo.NewDeadLetterStore(db)
		if err := dlq.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		opts = append(opts, eventing.WithDeadLetter(dlq))
	}
	dispatcher, err := eventing.NewDispatcher(eventing.NewMultiSink(sinks...), opts...)
	if err != nil {
		return nil, err
	}
	return eventing.NewPublisher(dispatcher,
		eventing.WithBufferSize(cfg.Events.BufferSize),
		eventing.WithWorkers(cfg.Events.Workers),
		eventing.WithPublisherLogger(logger),
	)
}
