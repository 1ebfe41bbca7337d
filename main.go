package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/folio-labs/pagecache/internal/cache"
	"github.com/folio-labs/pagecache/internal/config"
	"github.com/folio-labs/pagecache/internal/fetch"
	"github.com/folio-labs/pagecache/internal/generation"
	"github.com/folio-labs/pagecache/internal/notify"
	"github.com/folio-labs/pagecache/internal/observe"
	"github.com/folio-labs/pagecache/internal/server"
	"github.com/folio-labs/pagecache/internal/worker"
	"github.com/justinas/alice"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// routes holds what the HTTP surface is built from.
type routes struct {
	origin *url.URL
	worker *worker.Worker
	hub    *notify.Hub
}

func configureServerRoutes(rt routes) http.Handler {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry, requestLogger)

	// Relay requests are small: push payloads are short text and the other
	// endpoints take no body.
	requestLimitBytes := int64(4 << 10) // 4 KB
	relayRouteMiddleware := alice.New(maxRequestSize(requestLimitBytes))

	mux.Handle("POST /_pagecache/lifecycle/{event}", relayRouteMiddleware.Then(handleLifecycle(rt.worker)))
	mux.Handle("POST /_pagecache/push", relayRouteMiddleware.Then(handlePush(rt.worker)))
	mux.Handle("POST /_pagecache/notifications/{id}/click", relayRouteMiddleware.Then(handleNotificationClick(rt.worker, rt.hub)))
	mux.Handle("GET /_pagecache/notifications", relayRouteMiddleware.Then(handleRecentNotifications(rt.hub)))

	// everything else is an intercepted fetch against the origin
	mux.Handle("/", newOriginProxy(rt.origin, rt.worker))

	// client streams are long lived and are not traced, nor are healthchecks
	muxWithoutTelemetry.Handle("GET /_pagecache/clients/stream", alice.New(requestLogger).Then(rt.hub.StreamHandler()))
	muxWithoutTelemetry.Handle("GET /healthcheck", relayRouteMiddleware.Then(handleHealthCheck()))

	return mux
}

// requestLogger attaches a logger carrying the request route to the context.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := log.With().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Logger()

		next.ServeHTTP(w, r.WithContext(l.WithContext(r.Context())))
	})
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	hooks := &server.ShutdownHooks{}

	// configure telemetry, including wrapping default HTTP client
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	http.DefaultTransport = observe.HTTPTransport(
		configureHTTPTransport(cfg.Server),
		cfg.Observe,
	)
	originClient := &http.Client{
		Transport: http.DefaultTransport,
		Timeout:   time.Duration(cfg.Server.OutgoingHTTPTimeoutSeconds) * time.Second,
	}

	rt, err := configureService(ctx, cfg, originClient, hooks)
	if err != nil {
		_ = shutdownTelemetry(ctx)
		return err
	}
	hooks.Add("telemetry", shutdownTelemetry)

	// A failed install keeps the previous deployment serving: this one does
	// not start.
	if _, err := rt.worker.Start(ctx); err != nil {
		return abortStartup(ctx, fmt.Errorf("generation startup failed: %w", err), hooks)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           configureServerRoutes(rt),
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}
	// client streams never go idle, so Shutdown would wait out its timeout
	srv.RegisterOnShutdown(rt.hub.CloseAll)

	err = server.Serve(ctx, srv, time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second, hooks)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// configureService builds the store, the notification hub and the worker
// bound to them. Fetches to the origin go through client. The worker drain
// and the store close are registered with hooks in that order, so background
// writes land before the store goes away.
func configureService(ctx context.Context, cfg config.Config, client *http.Client, hooks *server.ShutdownHooks) (routes, error) {
	origin, err := cfg.Server.Origin()
	if err != nil {
		return routes{}, err
	}

	manifest := generation.Manifest(cfg.Generation.Manifest)
	if cfg.Generation.ManifestFile != "" {
		manifest, err = generation.LoadManifestFile(cfg.Generation.ManifestFile)
		if err != nil {
			return routes{}, fmt.Errorf("generation configuration failed: %w", err)
		}
	}

	store, err := cache.NewFromConfig(ctx, cfg.Cache)
	if err != nil {
		return routes{}, fmt.Errorf("cache configuration failed: %w", err)
	}

	hub, err := notify.NewHub(cfg.Notify.HistorySize)
	if err != nil {
		_ = store.Close()
		return routes{}, fmt.Errorf("notification hub configuration failed: %w", err)
	}

	current := generation.Name(cfg.Generation.Prefix, cfg.Generation.Version)
	network := fetch.NewHTTPNetwork(client, origin, cfg.Server.MaxResponseBytes)

	wk := worker.New(
		fetch.NewInterceptor(store, current, network),
		generation.NewManager(store, network, origin, current, manifest),
		notify.NewRelay(hub, hub, notify.WithProductName(cfg.Notify.ProductName)),
		worker.WithInstallRetry(time.Duration(cfg.Generation.InstallRetrySeconds)*time.Second),
	)

	hooks.Add("worker", wk.Drain)
	hooks.AddCloser("cache", store)

	return routes{origin: origin, worker: wk, hub: hub}, nil
}

// abortStartup runs the shutdown hooks before a startup failure is
// reported, so the store and telemetry are released.
func abortStartup(ctx context.Context, err error, hooks *server.ShutdownHooks) error {
	if hookErr := hooks.Execute(ctx); hookErr != nil {
		log.Warn().Err(hookErr).Msg("shutdown after failed startup incomplete")
	}
	return err
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return transport
}
