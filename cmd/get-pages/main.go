package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/documentpageflow/internal/gcp"
	"github.com/Lllllllleong/documentpageflow/internal/httpapi"
	"github.com/Lllllllleong/documentpageflow/internal/services"
)

var (
	handler http.Handler
	once    sync.Once
	initErr error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleGetPages", handleGetPages)
}

// main is required by the Go Functions Framework.
func main() {}

func setup() (http.Handler, error) {
	apiKey := gcp.GetEnv("INTERNAL_API_KEY", "")
	if apiKey == "" {
		return nil, fmt.Errorf("INTERNAL_API_KEY environment variable must be set")
	}
	counter, err := services.NewPageCounter(context.Background())
	if err != nil {
		return nil, err
	}
	return httpapi.RequireBearer(apiKey)(httpapi.GetPages(counter)), nil
}

func handleGetPages(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		handler, initErr = setup()
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	handler.ServeHTTP(w, r)
}
