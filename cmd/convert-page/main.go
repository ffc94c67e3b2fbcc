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

	// "HandleConvertPage" is the entry point name configured in GCP.
	functions.HTTP("HandleConvertPage", handleConvertPage)
}

// main is required by the Go Functions Framework.
func main() {}

func setup() (http.Handler, error) {
	apiKey := gcp.GetEnv("INTERNAL_API_KEY", "")
	if apiKey == "" {
		return nil, fmt.Errorf("INTERNAL_API_KEY environment variable must be set")
	}
	converter, err := services.NewPageConverter(context.Background())
	if err != nil {
		return nil, err
	}
	h := httpapi.RequireBearer(apiKey)(httpapi.ConvertPage(converter))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The instance may be throttled once the response is sent, so alerts
		// still being posted are delivered first.
		defer converter.WaitForAlerts()
		h.ServeHTTP(w, r)
	}), nil
}

func handleConvertPage(w http.ResponseWriter, r *http.Request) {
	// Clients are created once per instance and reused across invocations.
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
