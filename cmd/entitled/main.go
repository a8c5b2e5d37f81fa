// Command entitled serves the entitlement engine over HTTP.
//
// Configuration comes from the environment (a .env file is loaded if
// present):
//
//	ENTITLE_ADDR       listen address (default ":8080")
//	ENTITLE_STORE      memory | sqlite | postgres | mongo (default "memory")
//	ENTITLE_SQLITE_PATH   database file for the sqlite store
//	ENTITLE_DATABASE_URL  connection string for the postgres store
//	ENTITLE_MONGO_URI     connection string for the mongo store
//	ENTITLE_MONGO_DB      mongo database name (default "entitle")
//	ENTITLE_LOG_LEVEL  debug | info | warn | error (default "info")
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/httpapi"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/store/memory"
	"github.com/xraph/entitle/store/mongo"
	"github.com/xraph/entitle/store/postgres"
	"github.com/xraph/entitle/store/sqlite"
)

func main() {
	_ = godotenv.Load()

	logger := newLogger(envOr("ENTITLE_LOG_LEVEL", "info"))

	if err := run(logger); err != nil {
		logger.Error("entitled exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx := context.Background()

	st, err := openStore(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	svc := entitle.New(st, entitle.WithLogger(logger))
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer func() {
		if err := svc.Stop(); err != nil {
			logger.Error("engine shutdown failed", "error", err)
		}
	}()

	addr := envOr("ENTITLE_ADDR", ":8080")
	server := &http.Server{
		Addr:              addr,
		Handler:           httpapi.New(svc, logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("entitled listening", "addr", addr, "store", envOr("ENTITLE_STORE", "memory"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	logger.Info("entitled stopped")
	return nil
}

func openStore(ctx context.Context) (store.Store, error) {
	switch backend := envOr("ENTITLE_STORE", "memory"); backend {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.New(envOr("ENTITLE_SQLITE_PATH", "entitle.db"))
	case "postgres":
		url := os.Getenv("ENTITLE_DATABASE_URL")
		if url == "" {
			return nil, errors.New("ENTITLE_DATABASE_URL is required for the postgres store")
		}
		return postgres.New(ctx, url)
	case "mongo":
		uri := os.Getenv("ENTITLE_MONGO_URI")
		if uri == "" {
			return nil, errors.New("ENTITLE_MONGO_URI is required for the mongo store")
		}
		return mongo.New(ctx, uri, envOr("ENTITLE_MONGO_DB", "entitle"))
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
