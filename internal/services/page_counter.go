package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/storage"

	"github.com/Lllllllleong/documentpageflow/internal/fetch"
	"github.com/Lllllllleong/documentpageflow/internal/gcp"
	"github.com/Lllllllleong/documentpageflow/internal/models"
	"github.com/Lllllllleong/documentpageflow/internal/pdfpage"
	"github.com/Lllllllleong/documentpageflow/internal/retry"
)

// PageCounterFunction reports how many pages a remote document has.
type PageCounterFunction struct {
	fetcher DocumentFetcher
	count   func(data []byte) (int, error)
}

// NewPageCounter creates a PageCounterFunction that re-signs GCS URLs on retry.
func NewPageCounter(ctx context.Context) (*PageCounterFunction, error) {
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	blobs := gcp.NewBlobStore(storageClient, gcp.GetEnv("PAGES_BUCKET", ""), gcp.GetEnvDuration("SIGNED_URL_TTL", 15*time.Minute))

	f := NewPageCounterWithFetcher(fetch.New(&http.Client{Timeout: 2 * time.Minute}, blobs, retry.DefaultPolicy()))
	slog.Info("Page counter initialized.")
	return f, nil
}

func NewPageCounterWithFetcher(fetcher DocumentFetcher) *PageCounterFunction {
	return &PageCounterFunction{fetcher: fetcher, count: pdfpage.CountPages}
}

// Process fetches the document and counts its pages.
func (f *PageCounterFunction) Process(ctx context.Context, req *models.GetPagesRequest) (*models.GetPagesResponse, error) {
	if req.URL == "" {
		return nil, errors.New("url is required")
	}
	logCtx := slog.With("storageType", req.StorageType, "fileKey", req.FileKey)

	data, err := f.fetcher.Fetch(ctx, logCtx, fetch.Source{
		URL:         req.URL,
		StorageType: req.StorageType,
		StorageKey:  req.FileKey,
	})
	if err != nil {
		logCtx.Error("Failed to fetch document for page count", "error", err)
		return nil, err
	}

	n, err := f.count(data)
	if err != nil {
		logCtx.Error("Failed to count pages", "error", err)
		return nil, fmt.Errorf("failed to count pages: %w", err)
	}
	logCtx.Info("Counted pages.", "numPages", n)
	return &models.GetPagesResponse{NumPages: n}, nil
}
