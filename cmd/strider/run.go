package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"

	"github.com/striderhq/strider/internal/adaptive"
	"github.com/striderhq/strider/internal/affinity"
	"github.com/striderhq/strider/internal/auth"
	"github.com/striderhq/strider/internal/candidate"
	"github.com/striderhq/strider/internal/catalog"
	"github.com/striderhq/strider/internal/config"
	"github.com/striderhq/strider/internal/convert"
	"github.com/striderhq/strider/internal/dispatch"
	"github.com/striderhq/strider/internal/health"
	"github.com/striderhq/strider/internal/ratelimit"
	"github.com/striderhq/strider/internal/records"
	"github.com/striderhq/strider/internal/relay"
	"github.com/striderhq/strider/internal/resolver"
	"github.com/striderhq/strider/internal/server"
	"github.com/striderhq/strider/internal/slots"
	"github.com/striderhq/strider/internal/storage/sqlite"
	"github.com/striderhq/strider/internal/telemetry"
	"github.com/striderhq/strider/internal/tokencount"
	"github.com/striderhq/strider/internal/upstream"
	"github.com/striderhq/strider/internal/usage"
	"github.com/striderhq/strider/internal/worker"
)

// dnsRefreshInterval is how often cached upstream DNS entries are revalidated.
const dnsRefreshInterval = 5 * time.Minute

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting strider", "version", version, "addr", cfg.Server.Addr)

	// Open database
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	// Seed catalog and caller keys from config, then load what is actually
	// in the store: admin tooling may have added to it since first boot.
	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}
	data, err := store.LoadCatalog(ctx)
	if err != nil {
		return err
	}
	idx := catalog.NewIndex(catalog.NewSnapshot(data))
	slog.Info("catalog loaded",
		"providers", len(data.Providers),
		"endpoints", len(data.Endpoints),
		"credentials", len(data.Credentials),
		"models", len(data.GlobalModels),
	)

	// Telemetry
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				slog.Warn("tracing shutdown", "error", err)
			}
		}()
	}

	// Shared-state backends. "auto" takes Redis when an address is
	// configured and in-process state otherwise.
	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			// The slot manager has its own degraded mode; startup proceeds.
			slog.Warn("redis unreachable at startup", "addr", cfg.Redis.Addr, "error", err)
		}
	}
	useRedis := func(backend string) bool {
		return backend == "redis" || (backend == "auto" && rdb != nil)
	}

	var slotBackend slots.Backend = slots.NewLocal()
	if useRedis(cfg.Concurrency.Backend) {
		slotBackend = slots.NewRedis(rdb)
	}
	slotMgr := slots.NewManager(slotBackend, slots.Options{
		SlotTTL:      cfg.Concurrency.SlotTTL,
		FailPolicy:   slots.FailPolicy(cfg.Concurrency.FailPolicy),
		LongHoldWarn: cfg.Concurrency.LongHoldWarn,
		Metrics:      metrics,
	})

	var aff affinity.Store
	if useRedis(cfg.Affinity.Backend) {
		aff = affinity.NewRedis(rdb)
	} else {
		if aff, err = affinity.NewMemory(cfg.Affinity.MaxEntries); err != nil {
			return err
		}
	}

	// Core services
	hm := health.NewMonitor(health.Config(cfg.Health))
	tuner := adaptive.New(adaptive.Config(cfg.Adaptive), metrics)
	bus := resolver.NewBus()
	models, err := resolver.New(idx, bus, resolver.Options{
		CacheTTL:   cfg.Resolver.CacheTTL,
		CacheSize:  cfg.Resolver.CacheSize,
		SimilarTop: cfg.Resolver.SimilarTop,
	})
	if err != nil {
		return err
	}
	conv := convert.NewRegistry(nil)
	candidates := candidate.NewResolver(models, hm, aff, conv, candidate.Options{
		PriorityMode:  cfg.Routing.PriorityMode,
		ProviderBatch: cfg.Routing.ProviderBatch,
		Metrics:       metrics,
	})

	dns := &dnscache.Resolver{}
	clients := upstream.NewClients(cfg.Upstream, dns)
	dispatcher := dispatch.New(dispatch.Options{
		Convert: conv,
		Slots:   slotMgr,
		Tuner:   tuner,
		Clients: clients,
		Config:  cfg,
		Metrics: metrics,
	})

	recordWriter := records.NewWriter(store, cfg.Recorder.RecordBatch, cfg.Recorder.RecordInterval, nil)
	usageRecorder := usage.NewRecorder(store, cfg.Recorder.UsageBatch, cfg.Recorder.UsageInterval, nil, metrics)

	rly := relay.New(relay.Options{
		Catalog:    idx,
		Resolver:   candidates,
		Dispatcher: dispatcher,
		Affinity:   aff,
		Health:     hm,
		Tuner:      tuner,
		Records:    recordWriter,
		Usage:      usageRecorder,
		Config:     cfg,
		Metrics:    metrics,
	})

	// Caller-side services
	authSvc, err := auth.New(store, nil)
	if err != nil {
		return err
	}
	limits := ratelimit.NewRegistry()
	quota := ratelimit.NewQuotaTracker()

	handler := server.New(server.Deps{
		Relay:          rly,
		Auth:           authSvc,
		Catalog:        idx,
		Limits:         limits,
		Quota:          quota,
		Tokens:         tokencount.NewCounter(),
		ReadyCheck:     store.Ping,
		MetricsHandler: metricsHandler,
		Metrics:        metrics,
	})

	// Background workers
	runner := worker.NewRunner(
		recordWriter,
		usageRecorder,
		worker.NewCatalogReload(store, idx, bus, data, cfg.Recorder.CatalogReload, nil),
		worker.NewAdaptiveSync(tuner, store, cfg.Recorder.AdaptiveSync, nil),
		worker.NewQuotaSync(quota, store, cfg.Recorder.AdaptiveSync, nil),
		worker.NewEviction(map[string]worker.Sweepable{
			"adaptive":  tuner,
			"health":    hm,
			"ratelimit": limits,
			"upstream":  clients,
		}, store, cfg.Recorder.RetentionPeriod, cfg.Recorder.EvictionSweep, nil),
	)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workerErr := make(chan error, 1)
	go func() { workerErr <- runner.Run(workerCtx) }()

	go func() {
		t := time.NewTicker(dnsRefreshInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				dns.Refresh(true)
			case <-workerCtx.Done():
				return
			}
		}
	}()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("strider ready", "addr", cfg.Server.Addr)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	case err := <-workerErr:
		return err
	}

	// Stop accepting requests first, then let the workers drain their
	// buffered ledger rows.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	stopWorkers()
	if err := <-workerErr; err != nil {
		slog.Warn("worker shutdown", "error", err)
	}

	slog.Info("strider stopped")
	return nil
}
