package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	"github.com/RicherTunes/ai-proxy-sub011/internal/admission"
	"github.com/RicherTunes/ai-proxy-sub011/internal/cloudauth"
	"github.com/RicherTunes/ai-proxy-sub011/internal/config"
	"github.com/RicherTunes/ai-proxy-sub011/internal/core"
	"github.com/RicherTunes/ai-proxy-sub011/internal/credential"
	"github.com/RicherTunes/ai-proxy-sub011/internal/eventbus"
	"github.com/RicherTunes/ai-proxy-sub011/internal/forwarder"
	"github.com/RicherTunes/ai-proxy-sub011/internal/logbuffer"
	"github.com/RicherTunes/ai-proxy-sub011/internal/router"
	"github.com/RicherTunes/ai-proxy-sub011/internal/server"
	"github.com/RicherTunes/ai-proxy-sub011/internal/stats"
	"github.com/RicherTunes/ai-proxy-sub011/internal/storage/sqlite"
	"github.com/RicherTunes/ai-proxy-sub011/internal/telemetry"
	"github.com/RicherTunes/ai-proxy-sub011/internal/tokencount"
	"github.com/RicherTunes/ai-proxy-sub011/internal/tracestore"
	"github.com/RicherTunes/ai-proxy-sub011/internal/worker"
)

// funcWorker adapts a blocking watch loop (credential.Watch,
// config.WatchRoutingTable, the drain-reaper ticker) into worker.Worker so
// it runs under the same errgroup-based supervision as the stats and
// rollup workers.
type funcWorker struct {
	name string
	run  func(ctx context.Context) error
}

func (f funcWorker) Name() string                 { return f.name }
func (f funcWorker) Run(ctx context.Context) error { return f.run(ctx) }

// run loads configuration, wires every collaborator described by SPEC_FULL
// §3-§6, and serves until a termination signal triggers graceful shutdown.
// Grounded on the teacher's cmd/gandalf composition-root shape: config ->
// stores -> registries -> server -> worker runner -> signal wait, re-pointed
// from a multi-provider registry at a single credential pool.
func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logHandler, logRing := logbuffer.New(logbuffer.Config{
		FilePath: cfg.Persistence.LogFile,
		RingSize: cfg.Persistence.LogRingSize,
		Level:    parseLevel(cfg.Telemetry.LogLevel),
	})
	slog.SetDefault(slog.New(logHandler))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.New(stripDSN(cfg.Persistence.RollupDSN))
	if err != nil {
		return fmt.Errorf("open rollup store: %w", err)
	}
	defer store.Close()

	breakerCfg := credential.BreakerConfig{
		ErrorThreshold: cfg.Pool.FailureRateThreshold,
		MinSamples:     10,
		WindowSeconds:  int(cfg.Pool.WindowCB.Seconds()),
		CooldownBase:   time.Duration(cfg.Pool.CooldownBaseMs) * time.Millisecond,
		CooldownCap:    time.Duration(cfg.Pool.CooldownCapMs) * time.Millisecond,
	}
	credPath := cfg.Credentials.KeysFile
	loader := &credential.Loader{BreakerCfg: breakerCfg}
	pool := credential.NewPool(credential.StrategyBalanced)
	if _, err := pool.Reload(ctx, credPath, loader); err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	routingPath := cfg.Routing.File
	routingTable, err := config.LoadRoutingTable(routingPath)
	if err != nil {
		return fmt.Errorf("load routing table: %w", err)
	}
	tierRouter := config.NewTierRouter(cfg.Models, cfg.Routing.DefaultModel, routingTable)

	resolver := &dnscache.Resolver{}
	sharedTransport := forwarder.NewTransport(resolver, true)
	clients := func(c *credential.Credential) *http.Client {
		if apiKey, ok := c.Transport.(*cloudauth.APIKeyTransport); ok && apiKey.Base == nil {
			apiKey.Base = sharedTransport
		}
		return &http.Client{Transport: c.Transport}
	}

	fwd := &forwarder.Forwarder{
		Pool:   pool,
		Router: tierRouter,
		Clients: clients,
		Cfg: forwarder.Config{
			BaseURL:            strings.TrimSuffix(baseURLFromCredentialsFile(credPath), "/"),
			RetryBudget:        cfg.Retries.RetryBudget,
			RetryBaseMs:        int(cfg.Retries.RetryBaseMs),
			RetryCapMs:         int(cfg.Retries.RetryCapMs),
			StoreBodySizeLimit: cfg.Concurrency.StoreBodySizeLimit,
			TotalDeadline:      cfg.Server.ReadTimeout,
		},
	}

	costTracker := stats.NewCostTracker(nil)
	aggregator := stats.New(cfg.Telemetry.SchemaVersion, costTracker)
	snapshotWriter := stats.NewSnapshotWriter(cfg.Persistence.StatsFile, cfg.Persistence.SnapshotDebounce, aggregator)
	if err := snapshotWriter.Load(); err != nil {
		slog.Warn("stats snapshot restore failed", "error", err)
	}
	rollupRecorder := stats.NewRollupRecorder(store)

	eventBus := eventbus.New[core.RequestEvent](eventbus.Config{
		BufferSize:      64,
		ReplaySize:      cfg.Telemetry.ReplaySize,
		CleanupPeriod:   5 * time.Minute,
		InactiveTimeout: 10 * time.Minute,
	})

	traces, err := tracestore.New(cfg.Persistence.TraceCapacity)
	if err != nil {
		return fmt.Errorf("create trace store: %w", err)
	}

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	var tracer trace.Tracer
	if cfg.Telemetry.Tracing.Endpoint != "" {
		shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			slog.Warn("tracing disabled: setup failed", "error", err)
		} else {
			defer shutdownTracing(context.Background())
			tracer = telemetry.Tracer("llmproxy")
		}
	}

	gate := admission.New(admission.Config{
		MaxTotalConcurrency: cfg.Concurrency.MaxTotalConcurrency,
		QueueSize:           cfg.Concurrency.QueueSize,
		QueueTimeout:        cfg.Concurrency.QueueTimeout,
		MaxBodySize:         cfg.Concurrency.MaxBodySize,
	})

	deps := server.Deps{
		Gate:            gate,
		Pool:            pool,
		Loader:          loader,
		CredentialsPath: credPath,

		Forwarder:    fwd,
		TokenCounter: tokencount.NewCounter(),
		DefaultModel: cfg.Routing.DefaultModel,

		Aggregator:     aggregator,
		SnapshotWriter: snapshotWriter,
		RollupStore:    store,

		Bus:    eventBus,
		Traces: traces,
		Logs:   logRing,

		Metrics:        metrics,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Tracer:         tracer,

		AdminAuth: &router.AdminAuth{
			HeaderName: cfg.Security.AdminAuth.HeaderName,
			Tokens:     cfg.Security.AdminAuth.Tokens,
		},
		Models: cfg.Models,

		SchemaVersion:     cfg.Telemetry.SchemaVersion,
		HeartbeatInterval: cfg.Telemetry.HeartbeatInterval,
		ReplaySize:        cfg.Telemetry.ReplaySize,
		ClientTimeout:     cfg.Telemetry.ClientTimeout,
		MaxBodySize:       cfg.Concurrency.MaxBodySize,
		RedactBodies:      cfg.Security.Logging.RedactBodies,
		CSPEnabled:        cfg.Security.CSP.Enabled,
		StartTime:         time.Now(),
	}

	handler := server.New(deps)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	workers := []worker.Worker{snapshotWriter, rollupRecorder}
	if cfg.Credentials.EnableHotReload {
		workers = append(workers, funcWorker{"credential_watch", func(ctx context.Context) error {
			return credential.Watch(ctx, credPath, 500*time.Millisecond, func(ctx context.Context) (credential.ReloadResult, error) {
				return pool.Reload(ctx, credPath, loader)
			})
		}})
	}
	if cfg.Routing.EnableHotReload {
		workers = append(workers, funcWorker{"routing_watch", func(ctx context.Context) error {
			return config.WatchRoutingTable(ctx, routingPath, 500*time.Millisecond, func(ctx context.Context) (config.RoutingTable, error) {
				table, err := config.LoadRoutingTable(routingPath)
				if err != nil {
					return nil, err
				}
				tierRouter.Store(table)
				return table, nil
			})
		}})
	}
	workers = append(workers, funcWorker{"pool_reaper", func(ctx context.Context) error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				pool.ReapDrained()
			}
		}
	}})
	runner := worker.NewRunner(workers...)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	workerErrCh := make(chan error, 1)
	go func() { workerErrCh <- runner.Run(workerCtx) }()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Concurrency.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	snapshotWriter.Flush(shutdownCtx)
	eventBus.Shutdown()
	cancelWorkers()
	<-workerErrCh

	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// stripDSN strips the "file:" scheme and any trailing query string so a
// config-file DSN (which follows the familiar `file:path?opt=v` SQLite
// convention) matches storage/sqlite.New's bare-path argument.
func stripDSN(dsn string) string {
	dsn = strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	return dsn
}

// baseURLFromCredentialsFile reads the credentials file's baseUrl field,
// used as the forwarder's upstream base URL. Returns "" (meaning the
// forwarder constructs a relative URL, which dialUpstream rejects) only if
// the file is unreadable; by this point in startup it has already been
// loaded successfully once.
func baseURLFromCredentialsFile(path string) string {
	ff, err := credential.LoadFile(path)
	if err != nil {
		return ""
	}
	return ff.BaseURL
}
