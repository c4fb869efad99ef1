package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/comigor/threadgate/internal/config"
	"github.com/comigor/threadgate/internal/gateway"
	"github.com/comigor/threadgate/internal/history"
	"github.com/comigor/threadgate/internal/llm"
	"github.com/comigor/threadgate/internal/logger"
	"github.com/comigor/threadgate/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		logger.L.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	loadEnvFiles()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger.SetFormat(cfg.Log.Format, os.Stdout)
	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		logger.L.Warn("falling back to info logging", "error", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.LLM.APIKey == "" {
		logger.L.Warn("LLM_API_KEY is not set; chat requests will fail until it is configured")
	}

	// Thread store, constructed once and shared by every request
	store := history.Open(cfg.Database)
	defer func() {
		if err := store.Close(); err != nil {
			logger.L.Warn("failed to close thread store", "error", err)
		}
	}()

	gw := gateway.New(store, llm.NewProxy(cfg.LLM))

	srv, err := server.New(cfg, gw)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.LLM.Timeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("starting server",
			"address", httpServer.Addr,
			"environment", cfg.Server.Environment,
			"persistence", store.Availability().String(),
			"model", cfg.LLM.Model,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.L.Info("shutting down", "timeout", shutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.L.Info("server stopped")
	return nil
}

// loadEnvFiles lets a local .env override the process environment.
func loadEnvFiles() {
	for _, path := range []string{".env", "../.env"} {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Overload(path); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
			}
		}
	}
}
