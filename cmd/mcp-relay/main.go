// Command mcp-relay serves the JSON-RPC push relay configured from RELAY_*
// environment variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-relay-go/backend"
	"github.com/ggoodman/mcp-relay-go/backend/httpgateway"
	"github.com/ggoodman/mcp-relay-go/cache"
	"github.com/ggoodman/mcp-relay-go/cache/redisstore"
	"github.com/ggoodman/mcp-relay-go/delivery"
	"github.com/ggoodman/mcp-relay-go/internal/config"
	"github.com/ggoodman/mcp-relay-go/internal/logctx"
	"github.com/ggoodman/mcp-relay-go/internal/metrics"
	"github.com/ggoodman/mcp-relay-go/internal/tracing"
	"github.com/ggoodman/mcp-relay-go/relay"
	"github.com/ggoodman/mcp-relay-go/sessions"
	"github.com/ggoodman/mcp-relay-go/streaminghttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mcp-relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	tp, err := tracing.Init(ctx, tracing.Config{Exporter: cfg.TraceExporter, Endpoint: cfg.TraceEndpoint, ServiceName: cfg.ServerName, SampleRate: cfg.TraceSampleRate})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			log.Warn("tracing.shutdown.fail", slog.String("err", err.Error()))
		}
	}()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	backends, err := newBackends(cfg, log)
	if err != nil {
		return err
	}

	reg := sessions.NewRegistry(sessions.WithLogger(log), sessions.WithMetrics(m))
	ids := sessions.NewResolver(reg, sessions.WithStrictIDs(cfg.StrictSessionIDs))
	deliver := delivery.NewResolver(reg, delivery.WithLogger(log), delivery.WithMetrics(m))

	routerOpts := []relay.Option{
		relay.WithLogger(log),
		relay.WithMetrics(m),
		relay.WithBackendTimeout(cfg.BackendTimeout),
		relay.WithHandshake("", "", relay.ServerInfo{Name: cfg.ServerName, Version: cfg.ServerVersion}),
	}
	var c *cache.Cache
	if cfg.CacheEnabled {
		var store *redisstore.Store
		c, store, err = newCache(ctx, cfg, backends, log, m)
		if err != nil {
			return err
		}
		if store != nil {
			defer store.Close()
		}
		routerOpts = append(routerOpts, relay.WithCache(c, cfg.CachedMethod))
	}
	router := relay.NewRouter(reg, ids, deliver, backends, routerOpts...)

	h, err := streaminghttp.New(reg, ids, router,
		streaminghttp.WithLogger(log),
		streaminghttp.WithMetrics(m),
		streaminghttp.WithHeartbeatInterval(cfg.HeartbeatInterval),
		streaminghttp.WithNamespaces(backends.Serves),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Streams end when the base context is cancelled; Shutdown alone would
	// wait on them until the timeout.
	baseCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()
	srv.BaseContext = func(net.Listener) context.Context { return baseCtx }

	errCh := make(chan error, 1)
	go func() {
		log.Info("http.listen", slog.String("addr", cfg.Addr), slog.Any("namespaces", backends.Namespaces()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("http.shutdown.start")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	cancelStreams()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("http.shutdown.fail", slog.String("err", err.Error()))
	}
	if c != nil {
		c.Wait()
	}
	log.Info("http.shutdown.ok")
	return nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	lvl, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewJSONHandler(os.Stderr, opts)
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return logctx.Wrap(slog.New(h)), nil
}

func newBackends(cfg *config.Config, log *slog.Logger) (*backend.Mux, error) {
	gwOpts := func(name string) []httpgateway.Option {
		return []httpgateway.Option{
			httpgateway.WithHTTPClient(&http.Client{Timeout: cfg.BackendTimeout}),
			httpgateway.WithBearerToken(cfg.BackendToken),
			httpgateway.WithLogger(log),
			httpgateway.WithName(name),
		}
	}

	mux := backend.NewMux(nil)
	if cfg.BackendURL != "" {
		gw, err := httpgateway.New(cfg.BackendURL, gwOpts("default")...)
		if err != nil {
			return nil, err
		}
		mux.Handle("", gw)
	}
	targets, err := cfg.Targets()
	if err != nil {
		return nil, err
	}
	for ns, target := range targets {
		gw, err := httpgateway.New(target, gwOpts(ns)...)
		if err != nil {
			return nil, err
		}
		mux.Handle(ns, gw)
	}
	return mux, nil
}

func newCache(ctx context.Context, cfg *config.Config, backends *backend.Mux, log *slog.Logger, m *metrics.Metrics) (*cache.Cache, *redisstore.Store, error) {
	opts := []cache.Option{
		cache.WithTTL(cfg.CacheTTL),
		cache.WithCooldown(cfg.CacheCooldown),
		cache.WithRefreshTimeout(cfg.BackendTimeout),
		cache.WithLogger(log),
		cache.WithMetrics(m),
	}
	var store *redisstore.Store
	if cfg.RedisAddr != "" {
		var err error
		store, err = redisstore.New(ctx, redisstore.Config{RedisAddr: cfg.RedisAddr, KeyPrefix: cfg.RedisKeyPrefix, TTL: cfg.CacheTTL})
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, cache.WithStore(store))
	}
	c := cache.New(relay.CacheFetcher(backends, cfg.CachedMethod), opts...)

	if cfg.CacheWarmup || cfg.RedisAddr != "" {
		// Warmup runs in the background; serving does not wait for it.
		p, err := c.Warm(ctx, sessions.DefaultSessionID)
		if err != nil {
			log.Warn("cache.warm.skip", slog.String("err", err.Error()))
		} else if p != nil {
			go func() {
				if _, err := p.Wait(context.WithoutCancel(ctx)); err != nil {
					log.Warn("cache.warm.fail", slog.String("err", err.Error()))
				}
			}()
		}
	}
	return c, store, nil
}
