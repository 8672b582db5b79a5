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
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/tidings/internal/api"
	"github.com/btouchard/tidings/internal/config"
	tidingsmcp "github.com/btouchard/tidings/internal/mcp"
	"github.com/btouchard/tidings/internal/notifier"
	"github.com/btouchard/tidings/internal/notify"
	"github.com/btouchard/tidings/internal/store"
)

var version = "dev"

const progressDebounce = 3 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "version":
		fmt.Printf("tidings %s\n", version)
	case "check":
		cmdCheck(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: tidings <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  serve     Start the Tidings server\n")
	fmt.Fprintf(os.Stderr, "  check     Validate configuration\n")
	fmt.Fprintf(os.Stderr, "  version   Print version\n")
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	manager, err := config.Open(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := manager.Current()

	setupLogging(cfg)

	slog.Info("starting tidings",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"backend", cfg.Store.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, manager); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	if _, err := config.Open(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("configuration is valid")
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.Server.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlers := []slog.Handler{
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
	}

	if cfg.Server.LogFile != "" {
		f, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			slog.Warn("failed to open log file, using stdout only", "path", cfg.Server.LogFile, "error", err)
		} else {
			handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		}
	}

	logger := slog.New(slog.NewMultiHandler(handlers...))
	slog.SetDefault(logger)
}

// openStore builds the configured backend. Shared backends go through
// RemoteStore so several processes can publish into the same cache.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		kv, err := store.NewRedisKV(ctx, store.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("store opened", "backend", cfg.Backend, "addr", cfg.Redis.Addr, "prefix", cfg.KeyPrefix)
		return store.NewRemoteStore(kv, cfg.KeyPrefix), nil
	case config.BackendSQLite:
		kv, err := store.NewSQLiteKV(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		slog.Info("store opened", "backend", cfg.Backend, "path", cfg.SQLite.Path, "prefix", cfg.KeyPrefix)
		return store.NewRemoteStore(kv, cfg.KeyPrefix), nil
	default:
		slog.Info("store opened", "backend", config.BackendLocal)
		return store.NewLocalStore(), nil
	}
}

func run(ctx context.Context, manager *config.Manager) error {
	cfg := manager.Current()

	// --- Store ---
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = st.Close() }()

	// --- Notifier ---
	hub := notify.NewHub()
	defer hub.Close()
	n := notifier.New(st, manager,
		notifier.WithQueueSize(cfg.Notifier.QueueSize),
		notifier.WithEnqueueTimeout(cfg.Notifier.EnqueueTimeout),
		notifier.WithRetry(cfg.Notifier.Retry.Attempts, cfg.Notifier.Retry.MinDelay, cfg.Notifier.Retry.MaxDelay),
		notifier.WithObserver(hub),
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.Close(closeCtx); err != nil {
			slog.Warn("notifier did not drain before shutdown", "error", err)
		}
	}()

	go n.StartAgeSweep(cfg.Notifier.AgeSweepInterval, ctx.Done())

	// --- Config hot reload ---
	go func() {
		if err := manager.Watch(ctx); err != nil {
			slog.Warn("config watch stopped", "error", err)
		}
	}()

	// --- HTTP Router ---
	r := chi.NewRouter()
	r.Use(api.SecurityHeaders)
	api.Mount(r, n, api.Info{Version: version, Backend: cfg.Store.Backend})

	// --- MCP Server ---
	if cfg.MCP.Enabled {
		mcpServer := tidingsmcp.NewServer(&tidingsmcp.Deps{
			Reader:  n,
			Version: version,
		})
		hub.Add(notify.NewMCPPusher(mcpServer, progressDebounce))
		r.Handle("/mcp", server.NewStreamableHTTPServer(mcpServer))
	}

	// --- HTTP Server ---
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("tidings is ready", "addr", addr, "instance", n.InstanceID())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
