package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/filipexyz/chatd/internal/broadcast"
	"github.com/filipexyz/chatd/internal/chat"
	"github.com/filipexyz/chatd/internal/command"
	"github.com/filipexyz/chatd/internal/config"
	"github.com/filipexyz/chatd/internal/gateway"
	"github.com/filipexyz/chatd/internal/history"
	"github.com/filipexyz/chatd/internal/metrics"
	"github.com/filipexyz/chatd/internal/pool"
	"github.com/filipexyz/chatd/internal/queue"
	"github.com/filipexyz/chatd/internal/userstore"
	"github.com/filipexyz/chatd/internal/worker"
)

func main() {
	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	// Credential store: Postgres in production, in-memory for standalone
	var store userstore.Store
	if cfg.DatabaseURL != "" {
		pg, err := userstore.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		store = pg
		slog.Info("connected to database")
	} else {
		store = userstore.NewMemory()
		slog.Warn("DATABASE_URL not set, accounts will not survive restart")
	}
	defer store.Close()

	// Shared core structures, constructed once and threaded through
	m := metrics.NewCollector(cfg.LatencySamples)
	table := pool.NewTable(cfg.MaxConnections, cfg.ConnectionTimeout)
	hist := history.NewRing(cfg.HistorySize)
	q := queue.New(cfg.QueueSize)
	bc := broadcast.New(table, hist, m, broadcast.Config{
		MaxMessageSize: cfg.MaxMessageSize,
		RetryAttempts:  cfg.RetryAttempts,
		RetryDelay:     cfg.RetryDelay,
		WriteTimeout:   cfg.WriteTimeout,
	})
	router := command.NewRouter(table, m, hist, store, bc)
	workers := worker.New(cfg.WorkerThreads, q, table, router, bc, m)

	srv := chat.NewServer(cfg, table, q, m, bc)
	if err := srv.Listen(); err != nil {
		slog.Error("failed to bind chat listener", "addr", cfg.ListenAddr, "error", err)
		os.Exit(1)
	}

	workers.Start(ctx)

	go func() {
		slog.Info("chat server listening",
			"addr", srv.Addr().String(),
			"slots", cfg.MaxConnections,
			"workers", cfg.WorkerThreads,
		)
		if err := srv.Serve(ctx); err != nil {
			slog.Error("chat server error", "error", err)
		}
	}()

	var gw *gateway.Gateway
	if cfg.HTTPAddr != "" {
		gw = gateway.New(cfg, m, hist, srv.Addr().String())
		go func() {
			slog.Info("gateway listening", "addr", cfg.HTTPAddr)
			if err := gw.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("gateway error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if gw != nil {
		if err := gw.Shutdown(shutdownCtx); err != nil {
			slog.Error("gateway shutdown error", "error", err)
		}
	}
	workers.Wait()
	slog.Info("shutdown complete")
}

func setupLogging(cfg *config.Config) {
	opts := &slog.HandlerOptions{}
	switch cfg.LogLevel {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	slog.SetDefault(slog.New(handler))
}
