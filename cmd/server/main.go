// Package main provides the entry point for the threatlens server.
// It ingests security telemetry, scores it, reviews anomalies and serves
// the reviewed threats to the monitoring front end.
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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/api"
	"github.com/lvonguyen/threatlens/internal/api/gateway"
	"github.com/lvonguyen/threatlens/internal/config"
	"github.com/lvonguyen/threatlens/internal/ingestion"
	"github.com/lvonguyen/threatlens/internal/notify"
	"github.com/lvonguyen/threatlens/internal/observability"
	"github.com/lvonguyen/threatlens/internal/pipeline"
	"github.com/lvonguyen/threatlens/internal/query"
	"github.com/lvonguyen/threatlens/internal/review"
	"github.com/lvonguyen/threatlens/internal/scoring"
	"github.com/lvonguyen/threatlens/internal/store"
	"github.com/lvonguyen/threatlens/internal/store/postgres"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults are used when empty)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("threatlens %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	tel, err := observability.New(observability.Config{
		ServiceName:    "threatlens",
		ServiceVersion: Version,
		Environment:    cfg.Observability.Environment,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		TracingEnabled: cfg.Observability.TracingEnabled,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		SamplingRate:   cfg.Observability.SamplingRate,
		MetricsEnabled: cfg.Observability.MetricsEnabled,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "observability: %v\n", err)
		os.Exit(1)
	}
	logger := tel.Logger()
	defer logger.Sync()

	if err := run(cfg, tel); err != nil {
		logger.Error("Server exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cfg *config.Config, tel *observability.Telemetry) error {
	logger := tel.Logger()
	metrics := tel.Metrics()

	logger.Info("Starting threatlens",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("store", cfg.Store.Driver),
		zap.String("review_engine", cfg.Review.Engine),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password(),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis not reachable, continuing without it", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
	}

	engine, err := buildEngine(cfg, rdb, logger)
	if err != nil {
		return err
	}

	publisher, err := buildPublisher(cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("Failed to close publishers", zap.Error(err))
		}
	}()

	p, err := pipeline.New(cfg.Pipeline, pipeline.Dependencies{
		Store:     st,
		Scorer:    scoring.NewFactorScorer(cfg.Pipeline.DefaultScore, metrics.ScoreFallbackCounter(), logger),
		Engine:    engine,
		Publisher: publisher,
		Logger:    logger.Named("pipeline"),
		Metrics:   metrics,
		Tracer:    tel.Tracer(),
	})
	if err != nil {
		return err
	}

	opts := api.Options{
		Ingester:       p,
		Querier:        query.New(st),
		Ready:          []api.Pinger{st},
		Metrics:        metrics,
		Logger:         logger.Named("http"),
		Version:        Version,
		RequestTimeout: cfg.Server.RequestTimeout,
	}
	if cfg.Observability.MetricsEnabled {
		opts.MetricsHandler = tel.MetricsHandler()
		tel.StartSystemMetricsCollector(ctx)
	}
	if cfg.RateLimit.Enabled {
		var scripter redis.Scripter
		if rdb != nil {
			scripter = rdb
		}
		opts.RateLimiter = gateway.NewRateLimiter(scripter, cfg.RateLimit, logger.Named("ratelimit"), metrics)
	}

	errCh := make(chan error, 2)

	// hecDone is closed once a standalone HEC receiver has drained
	var hecDone chan struct{}
	if cfg.HEC.Receiver.Enabled {
		hec := ingestion.NewHECReceiver(cfg.HEC.Receiver, api.HECHandler(p, logger.Named("hec"), metrics), logger.Named("hec"))
		if cfg.HEC.Receiver.Port == 0 {
			opts.HEC = hec
		} else {
			hecDone = make(chan struct{})
			go func() {
				defer close(hecDone)
				logger.Info("HEC receiver listening", zap.Int("port", cfg.HEC.Receiver.Port))
				if err := hec.Start(ctx); err != nil {
					errCh <- fmt.Errorf("hec receiver: %w", err)
				}
			}()
		}
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewServer(opts).Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case runErr = <-errCh:
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown error", zap.Error(err))
	}
	// the store and publishers are closed by deferred calls once we return
	if hecDone != nil {
		select {
		case <-hecDone:
		case <-shutdownCtx.Done():
			logger.Warn("HEC receiver did not stop before the shutdown deadline")
		}
	}
	if runErr == nil {
		select {
		case runErr = <-errCh:
		default:
		}
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown error", zap.Error(err))
	}

	logger.Info("Server stopped")
	return runErr
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.Store.Postgres, logger.Named("postgres"))
	default:
		logger.Warn("Using in-memory store; data is lost on restart")
		return store.NewMemoryStore(), nil
	}
}

func buildEngine(cfg *config.Config, rdb *redis.Client, logger *zap.Logger) (review.Engine, error) {
	var engine review.Engine

	switch cfg.Review.Engine {
	case config.EngineHTTP:
		e, err := review.NewHTTPEngine(cfg.Review.HTTP)
		if err != nil {
			return nil, err
		}
		engine = e
	case config.EngineMock:
		engine = review.NewMockEngine(nil)
	default:
		pb := review.NewPlaybookEngine(logger.Named("playbook"))
		if cfg.Review.RulesFile != "" {
			if err := pb.LoadRulesFile(cfg.Review.RulesFile); err != nil {
				return nil, fmt.Errorf("loading review rules: %w", err)
			}
		}
		logger.Info("Review playbook loaded", zap.Int("rules", len(pb.Rules())))
		engine = pb
	}

	if cfg.Review.Cache.Enabled && rdb != nil {
		engine = review.NewCachedEngine(engine, rdb, cfg.Review.Cache.TTL, logger.Named("review-cache"))
	}
	return engine, nil
}

func buildPublisher(cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) (notify.Publisher, error) {
	var pubs notify.Fanout

	if cfg.Notify.Log {
		pubs = append(pubs, notify.NewLogPublisher(logger.Named("notify")))
	}

	if cfg.Notify.Kafka.Enabled {
		w, err := notify.NewKafkaWriter(cfg.Notify.Kafka.KafkaConfig, logger)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, notify.NewKafkaPublisher(w, cfg.Notify.Kafka.Batch, logger.Named("kafka"), metrics))
	}

	if cfg.Notify.HEC.Enabled {
		sender, err := ingestion.NewHECSender(cfg.Notify.HEC.Sender)
		if err != nil {
			return nil, err
		}
		hcCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := sender.HealthCheck(hcCtx); err != nil {
			logger.Warn("Splunk HEC not healthy yet", zap.Error(err))
		}
		cancel()
		pubs = append(pubs, notify.NewHECPublisher(sender, cfg.Notify.HEC.Batch, logger.Named("hec-sender"), metrics))
	}

	if len(pubs) == 0 {
		return notify.Nop{}, nil
	}
	return pubs, nil
}
