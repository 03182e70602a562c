package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Kocoro-lab/Shannon/go/research/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/research/internal/config"
	"github.com/Kocoro-lab/Shannon/go/research/internal/feedback"
	"github.com/Kocoro-lab/Shannon/go/research/internal/health"
	"github.com/Kocoro-lab/Shannon/go/research/internal/ratecontrol"
	"github.com/Kocoro-lab/Shannon/go/research/internal/research"
	"github.com/Kocoro-lab/Shannon/go/research/internal/statestore"
	"github.com/Kocoro-lab/Shannon/go/research/internal/steps"
	"github.com/Kocoro-lab/Shannon/go/research/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tracing"
)

const defaultSQLitePath = "research.db"

// app holds everything a research run needs, and how to release it.
type app struct {
	logger     *zap.Logger
	controller *research.Controller
	events     *streaming.Manager
	health     *health.Manager
	closers    []func() error
}

func newApp(ctx context.Context, cfg *config.Config, cfgPath string) (*app, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{logger: logger, health: health.NewManager(logger)}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	stopBreakerMetrics := circuitbreaker.StartMetricsCollection(10 * time.Second)
	a.closers = append(a.closers, func() error {
		stopBreakerMetrics()
		return nil
	})

	shutdownTracing, err := tracing.Initialize(cfg.Observability.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	} else {
		a.closers = append(a.closers, func() error {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return shutdownTracing(sctx)
		})
	}

	// Steps
	if cfg.Steps.Script == "" {
		return nil, fmt.Errorf("steps.script is required: no reasoning service is configured")
	}
	script, err := steps.LoadScript(cfg.Steps.Script)
	if err != nil {
		return nil, err
	}
	limits, err := ratecontrol.LoadConfig(cfg.Steps.RateLimitsPath)
	if err != nil {
		return nil, err
	}
	limiter := ratecontrol.NewLimiter(limits)
	dispatcher := steps.NewDispatcher(script.Table(), logger, steps.WithLimiter(limiter))
	if err := a.health.RegisterChecker(health.NewBreakerChecker(dispatcher.Breakers())); err != nil {
		return nil, err
	}

	// State store
	factory, storePinger, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeStore)
	if storePinger != nil {
		checker := health.NewPingChecker("store", storePinger, true, logger)
		if err := a.health.RegisterChecker(checker); err != nil {
			return nil, err
		}
	}

	// Progress events
	a.events = streaming.NewManager(cfg.Observability.Events.Buffer, logger)
	if cfg.Observability.Events.RedisStream {
		client := newEventsRedisClient(cfg)
		a.closers = append(a.closers, client.Close)
		pub := streaming.NewRedisPublisher(client, cfg.Observability.Events.StreamMaxLen, logger)
		a.events.SetMirror(pub)
		if err := a.health.RegisterChecker(health.NewPingChecker("events", pub, false, logger)); err != nil {
			return nil, err
		}
	}

	// Feedback checkpoint
	var provider feedback.Provider = feedback.AutoContinue{}
	var policy *feedback.PolicyProvider
	if cfg.Feedback.Provider == config.FeedbackPolicy {
		policy, err = feedback.NewPolicyProvider(cfg.Feedback.PolicyConfig(), logger)
		if err != nil {
			return nil, err
		}
		provider = policy
	}

	a.controller = research.NewController(dispatcher, research.Config{
		AttemptBudget: cfg.Research.AttemptBudget,
		Thresholds:    cfg.Research.Thresholds,
	}, logger,
		research.WithStoreFactory(factory),
		research.WithFeedback(provider),
		research.WithEvents(a.events),
	)

	// Hot reload of research settings, rate limits and policies
	policyDir := ""
	if policy != nil && cfg.Feedback.Mode != feedback.ModeOff {
		policyDir = cfg.Feedback.PolicyPath
	}
	if cfgPath != "" || policyDir != "" {
		w, err := config.NewWatcher(cfgPath, policyDir, logger)
		if err != nil {
			return nil, err
		}
		if cfg.Steps.RateLimitsPath != "" {
			w.OnFileChange(filepath.Base(cfg.Steps.RateLimitsPath), func(path string) error {
				next, err := ratecontrol.LoadConfig(path)
				if err != nil {
					return err
				}
				limiter.Update(next)
				logger.Info("Step rate limits reloaded", zap.String("path", path))
				return nil
			})
		}
		if policy != nil {
			w.OnPolicyChange(policy.Reload)
		}
		controller := a.controller
		w.OnConfigChange(func(next *config.Config) error {
			controller.UpdateConfig(research.Config{
				AttemptBudget: next.Research.AttemptBudget,
				Thresholds:    next.Research.Thresholds,
			})
			if next.Store.Backend != cfg.Store.Backend {
				logger.Warn("State store backend changes require a restart",
					zap.String("running", cfg.Store.Backend),
					zap.String("configured", next.Store.Backend),
				)
			}
			return nil
		})
		if err := w.Start(); err != nil {
			logger.Warn("Configuration watcher not started", zap.Error(err))
			_ = w.Stop()
		} else {
			a.closers = append(a.closers, w.Stop)
		}
	}

	if cfg.Observability.Metrics.Enabled {
		a.startMetricsServer(cfg.Observability.Metrics.Port)
	}

	ok = true
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Shutdown step failed", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
}

func (a *app) startMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	health.NewHTTPHandler(a.health, a.logger).RegisterRoutes(mux)
	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		a.logger.Info("Metrics server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	})
}

// openStore selects the configured state store backend. The pinger is nil
// for the in-memory store.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (statestore.Factory, health.Pinger, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Store.Backend {
	case config.BackendRedis:
		r := cfg.Store.Redis
		b, err := statestore.NewRedisBackend(r.Addr, r.Password, r.DB, cfg.Store.SessionTTL, logger)
		if err != nil {
			return nil, nil, noop, err
		}
		return b.Factory(), b, b.Close, nil
	case config.BackendPostgres, config.BackendSQLite:
		driver, dsn := "postgres", cfg.Store.SQL.DSN
		if cfg.Store.Backend == config.BackendSQLite {
			driver = "sqlite3"
			if dsn == "" {
				dsn = defaultSQLitePath
			}
		}
		b, err := statestore.NewSQLBackend(driver, dsn, logger)
		if err != nil {
			return nil, nil, noop, err
		}
		if err := b.Migrate(ctx); err != nil {
			_ = b.Close()
			return nil, nil, noop, err
		}
		return b.Factory(), b, b.Close, nil
	default:
		return statestore.MemoryFactory, nil, noop, nil
	}
}

func newEventsRedisClient(cfg *config.Config) *redis.Client {
	r := cfg.Store.Redis
	return redis.NewClient(&redis.Options{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
	})
}

// newLogger logs to stderr so stdout carries only command output.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Observability.Logging.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Observability.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Observability.Logging.Level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
