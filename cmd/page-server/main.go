// Command page-server serves the page operations as a standalone HTTP server
// for Cloud Run and local development.
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

	"github.com/joho/godotenv"

	"github.com/Lllllllleong/documentpageflow/internal/gcp"
	"github.com/Lllllllleong/documentpageflow/internal/httpapi"
	"github.com/Lllllllleong/documentpageflow/internal/services"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	if err := run(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	apiKey := gcp.GetEnv("INTERNAL_API_KEY", "")
	if apiKey == "" {
		return errors.New("INTERNAL_API_KEY environment variable must be set")
	}
	converter, err := services.NewPageConverter(ctx)
	if err != nil {
		return err
	}
	counter, err := services.NewPageCounter(ctx)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + gcp.GetEnv("PORT", "8080"),
		Handler:           httpapi.NewRouter(converter, counter, apiKey, gcp.GetEnvDuration("REQUEST_TIMEOUT", 5*time.Minute)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Page server listening.", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down page server.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	converter.WaitForAlerts()
	return err
}
