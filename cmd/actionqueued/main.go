// Command actionqueued runs a durable action queue as a service: actions
// arrive over HTTP or NATS, are persisted, and are replayed against the
// configured upstream whenever it is reachable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DarlingtonDeveloper/actionqueue"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "actionqueued: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(initLogger(cfg.Log))

	if err := run(cfg); err != nil {
		slog.Error("actionqueued exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeBackend()

	natsMonitor := actionqueue.NewNATSMonitor()
	reporters := actionqueue.MultiReporter{actionqueue.LogReporter{}}

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		opts := append([]nats.Option{
			nats.Name("actionqueued"),
			nats.MaxReconnects(-1),
		}, natsMonitor.Options()...)
		nc, err = nats.Connect(cfg.NATS.URL, opts...)
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer nc.Close()
		natsMonitor.Attach(nc)
		reporters = append(reporters, actionqueue.NewPublisher(nc, cfg.NATS.DeadLetterPrefix))
	}

	monitor := buildMonitor(ctx, cfg.Network, natsMonitor)

	transport := actionqueue.NewHTTPTransport(actionqueue.HTTPTransportConfig{
		BaseURL:   cfg.Transport.BaseURL,
		Timeout:   cfg.Transport.Timeout,
		RateLimit: cfg.Transport.RateLimit,
		Burst:     cfg.Transport.Burst,
	})

	queue := actionqueue.New(backend, transport, monitor, actionqueue.Options{
		Store: actionqueue.StoreConfig{
			Key:                cfg.Storage.Key,
			MaxSize:            cfg.Queue.MaxSize,
			DefaultMaxAttempts: cfg.Queue.MaxAttempts,
		},
		Processor: actionqueue.ProcessorConfig{
			Policy:         cfg.Retry.Policy(),
			InterPassDelay: cfg.Queue.InterPassDelay,
		},
		Reporter: reporters,
	})
	queue.Start(ctx)
	defer queue.Stop()

	if nc != nil && cfg.NATS.IngestSubject != "" {
		ingestor := actionqueue.NewIngestor(queue)
		sub, err := nc.Subscribe(cfg.NATS.IngestSubject, func(msg *nats.Msg) {
			ingestor.Process(ctx, msg.Subject, msg.Data)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", cfg.NATS.IngestSubject, err)
		}
		defer sub.Unsubscribe()
		slog.Info("subscribed to ingest subject", "subject", cfg.NATS.IngestSubject)
	}

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	router.Mount("/queue", actionqueue.NewHandler(queue).Routes())

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("starting metrics server", "addr", cfg.Server.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown error", "error", err)
	}
	return nil
}

func openBackend(ctx context.Context, cfg StorageConfig) (actionqueue.Backend, func(), error) {
	switch cfg.Driver {
	case DriverBolt:
		b, err := actionqueue.NewBoltBackend(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil

	case DriverSQLite:
		b, err := actionqueue.NewSQLiteBackend(ctx, cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil

	case DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		b := actionqueue.NewPostgresBackend(pool)
		if err := b.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return b, pool.Close, nil

	default:
		return actionqueue.NewMemoryBackend(), func() {}, nil
	}
}

func buildMonitor(ctx context.Context, cfg NetworkConfig, natsMonitor *actionqueue.NATSMonitor) actionqueue.NetworkMonitor {
	switch cfg.Source {
	case NetworkProbe:
		m := actionqueue.NewProbeMonitor(actionqueue.HTTPProbe(nil, cfg.ProbeURL), cfg.ProbeInterval)
		m.Start(ctx)
		return m
	case NetworkNATS:
		return natsMonitor
	default:
		return actionqueue.NewManualMonitor(true)
	}
}

func initLogger(cfg LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
