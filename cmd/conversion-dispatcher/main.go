package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/documentpageflow/internal/services"
)

var (
	dispatcherInstance *services.ConversionDispatcherFunction
	once               sync.Once
	initErr            error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Triggered by google.cloud.storage.object.v1.finalized on the uploads bucket.
	functions.CloudEvent("DispatchConversion", dispatchConversion)
}

// main is required by the Go Functions Framework.
func main() {}

func dispatchConversion(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		dispatcherInstance, initErr = services.NewConversionDispatcher(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	defer dispatcherInstance.WaitForAlerts()

	var gcsEvent services.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	// Errors are logged with context inside Process; returning one marks the
	// invocation as failed so the event is redelivered.
	return dispatcherInstance.Process(ctx, gcsEvent)
}
