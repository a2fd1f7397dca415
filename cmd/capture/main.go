// Command capture runs the tick capture service: it connects vendor sessions, keeps the subscribed
// instrument set reconciled with the configuration files, and writes enriched ticks to the
// configured store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coachpo/tickcapture/internal/app/capture"
	"github.com/coachpo/tickcapture/internal/app/ingest"
	"github.com/coachpo/tickcapture/internal/app/metadata"
	"github.com/coachpo/tickcapture/internal/app/orchestrator"
	"github.com/coachpo/tickcapture/internal/domain/feed"
	"github.com/coachpo/tickcapture/internal/infra/config"
	httpserver "github.com/coachpo/tickcapture/internal/infra/server/http"
	kafkasink "github.com/coachpo/tickcapture/internal/infra/sink/kafka"
	pgsink "github.com/coachpo/tickcapture/internal/infra/sink/postgres"
	"github.com/coachpo/tickcapture/internal/infra/sink/postgres/migrations"
	redissink "github.com/coachpo/tickcapture/internal/infra/sink/redis"
	sqlitesink "github.com/coachpo/tickcapture/internal/infra/sink/sqlite"
	"github.com/coachpo/tickcapture/internal/infra/telemetry"
	"github.com/coachpo/tickcapture/internal/infra/vendors/fake"
	"github.com/coachpo/tickcapture/internal/infra/vendors/wsfeed"
	"github.com/coachpo/tickcapture/internal/infra/watch"
	"github.com/coachpo/tickcapture/internal/observability"
)

const (
	defaultConfigPath            = "config/app.yaml"
	controlServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	sinkShutdownTimeout          = 5 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
	triggerBuffer                = 8
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	base := newZapLogger(appCfg.Environment)
	defer func() { _ = base.Sync() }()
	observability.SetLogger(observability.NewZapLogger(base))
	logger := zap.NewStdLog(base)

	logger.Printf("configuration initialised: env=%s, dir=%s, sink=%s",
		appCfg.Environment, appCfg.Paths.Dir, appCfg.Sink.Driver)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	sinks, err := openSinks(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("open tick store: %v", err)
	}

	registry := metadata.NewRegistry()
	writer := capture.NewWriter(registry, capture.NewFanout(sinks.primary, sinks.secondaries...))
	pipeline, err := ingest.New(writer, ingest.Options{
		QueueSize:              appCfg.Ingestion.QueueSize,
		Overflow:               ingest.OverflowPolicy(appCfg.Ingestion.Overflow),
		OnClose:                ingest.ClosePolicy(appCfg.Ingestion.OnClose),
		MaxConsecutiveFailures: appCfg.Ingestion.MaxConsecutiveFailures,
	})
	if err != nil {
		logger.Fatalf("initialise ingestion pipeline: %v", err)
	}
	// The pipeline outlives the signal context; orchestrator shutdown closes it after the sessions.
	pipeline.Start(context.WithoutCancel(ctx))

	store := config.NewFileStore(appCfg.Paths)
	logPersistedState(ctx, logger, store)
	orch, err := orchestrator.New(orchestrator.Options{
		Config:   store,
		Factory:  newSessionFactory(),
		Pipeline: pipeline,
		Registry: registry,
		Requests: orchestrator.RequestOptions{
			RatePerSecond:  appCfg.Vendor.RatePerSecond,
			Burst:          appCfg.Vendor.Burst,
			MaxAttempts:    appCfg.Vendor.MaxAttempts,
			InitialBackoff: appCfg.Vendor.InitialBackoff,
			MaxBackoff:     appCfg.Vendor.MaxBackoff,
		},
		MatchTimeout: appCfg.Vendor.MatchTimeout,
	})
	if err != nil {
		logger.Fatalf("initialise orchestrator: %v", err)
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, appCfg.Vendor.ConnectTimeout)
	if err := orch.Connect(connectCtx); err != nil {
		logger.Printf("connect sessions: %v", err)
	}
	connectCancel()
	logger.Printf("vendor sessions connected: %d", len(orch.Status().Sessions))

	if report, err := orch.Reload(ctx, orchestrator.Trigger{Source: "startup"}); err != nil {
		logger.Printf("startup reload: %v", err)
	} else {
		logger.Printf("startup reload: active=%d subscribed=%d failed=%d", report.Active, report.Subscribed, report.Failed)
	}

	var lifecycle conc.WaitGroup
	// owned here and never closed; the reload loop stops on ctx
	triggers := make(chan orchestrator.Trigger, triggerBuffer)
	if appCfg.Watch.Enabled {
		watcher := watch.New(appCfg.Paths.Dir, appCfg.Watch.Debounce,
			appCfg.Paths.Universe, appCfg.Paths.Include, appCfg.Paths.Exclude)
		lifecycle.Go(func() {
			if err := watcher.Run(ctx, triggers); err != nil {
				logger.Printf("configuration watcher: %v", err)
			}
		})
	}
	lifecycle.Go(func() {
		if err := orch.Run(ctx, triggers); err != nil {
			logger.Printf("reload loop: %v", err)
		}
	})
	lifecycle.Go(func() {
		select {
		case <-ctx.Done():
		case err := <-pipeline.Fatal():
			logger.Printf("tick store failing repeatedly, shutting down: %v", err)
			cancel()
		}
	})

	var quotes httpserver.QuoteReader
	if sinks.quotes != nil {
		quotes = sinks.quotes
	}
	apiServer := buildAPIServer(appCfg.APIServer, appCfg.Environment, orch, quotes)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("control API listening on %s", apiServer.Addr)

	logger.Print("capture started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), appCfg.Ingestion.ShutdownTimeout+lifecycleShutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:          apiServer,
		mainCancel:      cancel,
		lifecycle:       &lifecycle,
		orchestrator:    orch,
		pipelineTimeout: appCfg.Ingestion.ShutdownTimeout,
		sinks:           sinks,
		telemetry:       telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newZapLogger(env config.Environment) *zap.Logger {
	var (
		base *zap.Logger
		err  error
	)
	if env == config.EnvDev {
		base, err = zap.NewDevelopment()
	} else {
		base, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return base.With(zap.String("service", "tickcapture"), zap.String("environment", string(env)))
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.Config{
		Enabled:        cfg.EnableMetrics && cfg.OTLPEndpoint != "",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		OTLPInsecure:   cfg.OTLPInsecure,
		MetricInterval: cfg.MetricInterval,
		ServiceName:    cfg.ServiceName,
		Environment:    string(env),
	}

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// logPersistedState reports what the previous run left behind. The active set is always rebuilt
// from the rule files, so this is informational only.
func logPersistedState(ctx context.Context, logger *log.Logger, store *config.FileStore) {
	if previous, err := store.LoadActiveSet(ctx); err != nil {
		logger.Printf("read persisted active set: %v", err)
	} else {
		logger.Printf("previous active set: %d instruments", len(previous))
	}
	if day, err := store.LoadTradingDay(ctx); err != nil {
		logger.Printf("read persisted trading day: %v", err)
	} else if day.TradingDay != "" {
		logger.Printf("previous trading day: %s (recorded %s)", day.TradingDay, day.UpdatedAt.Format(time.RFC3339))
	}
}

// newSessionFactory registers every vendor adapter the service ships with.
func newSessionFactory() *feed.Registry {
	registry := feed.NewRegistry()
	registry.Register("ws", wsfeed.NewFactory(wsfeed.Options{}))
	registry.Register("fake", fake.NewFactory(fake.Options{}))
	return registry
}

type sinkSet struct {
	primary     capture.NamedStore
	secondaries []capture.NamedStore
	quotes      *redissink.QuoteCache
	closers     []func() error
}

func (s *sinkSet) close() error {
	var problems []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			problems = append(problems, err)
		}
	}
	return observability.AggregateErrors("close sinks", problems)
}

func openSinks(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (*sinkSet, error) {
	set := new(sinkSet)
	switch appCfg.Sink.Driver {
	case config.SinkPostgres:
		if appCfg.Database.RunMigrations {
			if err := migrations.Apply(ctx, appCfg.Database.DSN, "", logger); err != nil {
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		pool, err := pgsink.Open(ctx, appCfg.Database)
		if err != nil {
			return nil, err
		}
		pgsink.ObservePoolMetrics(pool, "ticks")
		store := pgsink.NewTickStore(pool)
		set.primary = capture.NamedStore{Name: store.Name(), Store: store}
		set.closers = append(set.closers, func() error { pool.Close(); return nil })
	case config.SinkSQLite:
		store, err := sqlitesink.Open(ctx, appCfg.Sink.SQLite.Path)
		if err != nil {
			return nil, err
		}
		set.primary = capture.NamedStore{Name: store.Name(), Store: store}
		set.closers = append(set.closers, store.Close)
	case config.SinkKafka:
		publisher, err := kafkasink.New(appCfg.Sink.Kafka)
		if err != nil {
			return nil, err
		}
		set.primary = capture.NamedStore{Name: publisher.Name(), Store: publisher}
		set.closers = append(set.closers, publisher.Close)
	default:
		return nil, fmt.Errorf("unsupported sink driver %q", appCfg.Sink.Driver)
	}
	logger.Printf("tick store opened: %s", set.primary.Name)

	if appCfg.QuoteCache.Enabled {
		client, err := redissink.NewClient(ctx, appCfg.QuoteCache)
		if err != nil {
			// The cache is best-effort; capture continues without it.
			logger.Printf("quote cache disabled: %v", err)
			return set, nil
		}
		cache := redissink.NewQuoteCache(client, appCfg.QuoteCache)
		set.quotes = cache
		set.secondaries = append(set.secondaries, capture.NamedStore{Name: cache.Name(), Store: cache})
		set.closers = append(set.closers, cache.Close)
		logger.Printf("quote cache enabled: addr=%s channel=%s", appCfg.QuoteCache.Addr, appCfg.QuoteCache.Channel)
	}
	return set, nil
}

func buildAPIServer(cfg config.APIServerConfig, env config.Environment, controller httpserver.Controller, quotes httpserver.QuoteReader) *http.Server {
	handler := httpserver.NewHandler(env, controller, quotes)
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("control server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server          *http.Server
	mainCancel      context.CancelFunc
	lifecycle       *conc.WaitGroup
	orchestrator    *orchestrator.Orchestrator
	pipelineTimeout time.Duration
	sinks           *sinkSet
	telemetry       *telemetry.Provider
}

// performGracefulShutdown stops intake before output: the control server and reload loop first,
// then sessions and the pipeline, then the stores the pipeline writes to.
func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", controlServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.orchestrator != nil {
		shutdownStep("closing sessions and draining pipeline", cfg.pipelineTimeout, cfg.orchestrator.Shutdown)
	}

	if cfg.sinks != nil {
		shutdownStep("closing tick stores", sinkShutdownTimeout, func(context.Context) error {
			return cfg.sinks.close()
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
