package services

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"cloud.google.com/go/storage"

	"github.com/Lllllllleong/documentpageflow/internal/alert"
	"github.com/Lllllllleong/documentpageflow/internal/apperr"
	"github.com/Lllllllleong/documentpageflow/internal/encode"
	"github.com/Lllllllleong/documentpageflow/internal/fetch"
	"github.com/Lllllllleong/documentpageflow/internal/gcp"
	"github.com/Lllllllleong/documentpageflow/internal/models"
	"github.com/Lllllllleong/documentpageflow/internal/pdfpage"
	"github.com/Lllllllleong/documentpageflow/internal/raster"
	"github.com/Lllllllleong/documentpageflow/internal/retry"
	"github.com/Lllllllleong/documentpageflow/internal/safety"
	"github.com/Lllllllleong/documentpageflow/internal/store"
)

// ConverterConfig holds all configuration for the convert-page service.
type ConverterConfig struct {
	ProjectID          string
	PagesBucket        string
	VersionsCollection string
	PagesCollection    string
	ConfigCollection   string
	BlocklistKey       string
	BlocklistTTL       time.Duration
	RenderConcurrency  int
	RenderMaxBytes     int64
	JPEGQuality        int
	SignedURLTTL       time.Duration
	AlertWebhookURL    string
}

func loadConverterConfig() (*ConverterConfig, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	pagesBucket := gcp.GetEnv("PAGES_BUCKET", "")
	if pagesBucket == "" {
		return nil, fmt.Errorf("PAGES_BUCKET environment variable must be set")
	}

	return &ConverterConfig{
		ProjectID:          projectID,
		PagesBucket:        pagesBucket,
		VersionsCollection: gcp.GetEnv("FIRESTORE_VERSIONS_COLLECTION", "documentVersions"),
		PagesCollection:    gcp.GetEnv("FIRESTORE_PAGES_COLLECTION", "documentPages"),
		ConfigCollection:   gcp.GetEnv("FIRESTORE_CONFIG_COLLECTION", "config"),
		BlocklistKey:       gcp.GetEnv("BLOCKLIST_CONFIG_KEY", "keywords"),
		BlocklistTTL:       gcp.GetEnvDuration("BLOCKLIST_CACHE_TTL", time.Minute),
		RenderConcurrency:  gcp.GetEnvInt("RENDER_CONCURRENCY", 1),
		RenderMaxBytes:     int64(gcp.GetEnvInt("RENDER_MAX_BYTES", 512<<20)),
		JPEGQuality:        gcp.GetEnvInt("JPEG_QUALITY", encode.DefaultJPEGQuality),
		SignedURLTTL:       gcp.GetEnvDuration("SIGNED_URL_TTL", 15*time.Minute),
		AlertWebhookURL:    gcp.GetEnv("ALERT_WEBHOOK_URL", ""),
	}, nil
}

// OpenedPage is a loaded page that owns native resources until closed.
type OpenedPage interface {
	raster.Page
	PageLinks() []models.PageLink
	Close() error
}

// PageOpener loads one 1-based page from PDF bytes.
type PageOpener func(logger *slog.Logger, data []byte, pageNumber int) (OpenedPage, error)

func openPDFPage(logger *slog.Logger, data []byte, pageNumber int) (OpenedPage, error) {
	p, err := pdfpage.Open(logger, data, pageNumber)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// The collaborators of the page pipeline.
type (
	DocumentFetcher interface {
		Fetch(ctx context.Context, logger *slog.Logger, src fetch.Source) ([]byte, error)
	}
	PageUploader interface {
		Put(ctx context.Context, data []byte, name, contentType, teamID, docID string) (storageType, key string, err error)
	}
	PageRecords interface {
		FindPage(ctx context.Context, versionID string, pageNumber int) (*models.DocumentPage, error)
		UpsertPage(ctx context.Context, logger *slog.Logger, page models.DocumentPage) (id string, created bool, err error)
		SetOrientation(ctx context.Context, versionID string, isVertical bool) error
	}
	LinkChecker interface {
		Check(ctx context.Context, logger *slog.Logger, links []models.PageLink) error
	}
	PageRenderer interface {
		Render(ctx context.Context, logger *slog.Logger, page raster.Page, scale float64) (raster.Result, error)
	}
	ImageEncoder interface {
		Encode(ctx context.Context, img image.Image) (encode.Encoded, error)
	}
)

// PageConverterDeps wires a PageConverterFunction.
type PageConverterDeps struct {
	Fetcher     DocumentFetcher
	Open        PageOpener
	Links       LinkChecker
	Renderer    PageRenderer
	Encoder     ImageEncoder
	Uploader    PageUploader
	UploadRetry retry.Policy
	Records     PageRecords
	Alerts      alert.Logger
}

// PageConverterFunction renders one page of a document version and records it.
type PageConverterFunction struct {
	deps PageConverterDeps
}

// NewPageConverter creates a PageConverterFunction backed by GCS and Firestore.
func NewPageConverter(ctx context.Context) (*PageConverterFunction, error) {
	config, err := loadConverterConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	blobs := gcp.NewBlobStore(storageClient, config.PagesBucket, config.SignedURLTTL)
	alerts := alert.FromEnv(config.AlertWebhookURL)
	blocklist := safety.NewBlocklist(gcp.NewRemoteConfig(firestoreClient, config.ConfigCollection), config.BlocklistKey, config.BlocklistTTL)

	f := NewPageConverterWithDeps(PageConverterDeps{
		Fetcher:     fetch.New(&http.Client{Timeout: 2 * time.Minute}, blobs, retry.DefaultPolicy()),
		Open:        openPDFPage,
		Links:       safety.NewScanner(blocklist, alerts),
		Renderer:    raster.New(config.RenderConcurrency, config.RenderMaxBytes),
		Encoder:     encode.New(config.JPEGQuality),
		Uploader:    blobs,
		UploadRetry: retry.DefaultPolicy(),
		Records:     store.NewPageStore(firestoreClient, config.VersionsCollection, config.PagesCollection),
		Alerts:      alerts,
	})
	slog.Info("Page converter initialized.", "pagesBucket", config.PagesBucket, "renderConcurrency", config.RenderConcurrency)
	return f, nil
}

// NewPageConverterWithDeps creates a PageConverterFunction from explicit
// collaborators.
func NewPageConverterWithDeps(deps PageConverterDeps) *PageConverterFunction {
	if deps.Open == nil {
		deps.Open = openPDFPage
	}
	if deps.UploadRetry.MaxAttempts == 0 {
		deps.UploadRetry = retry.DefaultPolicy()
	}
	if deps.Alerts == nil {
		deps.Alerts = alert.NewSlogLogger(nil)
	}
	return &PageConverterFunction{deps: deps}
}

// ValidateConvertRequest checks the fields every conversion needs.
func ValidateConvertRequest(req *models.ConvertPageRequest) error {
	switch {
	case req.DocumentVersionID == "":
		return errors.New("documentVersionId is required")
	case req.URL == "":
		return errors.New("url is required")
	case req.TeamID == "":
		return errors.New("teamId is required")
	case req.PageNumber < 1:
		return fmt.Errorf("pageNumber must be at least 1, got %d", req.PageNumber)
	}
	return nil
}

// Process runs the page pipeline. A page that was already converted returns
// its existing ID without being rendered or uploaded again.
func (f *PageConverterFunction) Process(ctx context.Context, req *models.ConvertPageRequest) (*models.ConvertPageResponse, error) {
	logCtx := slog.With("documentVersionId", req.DocumentVersionID, "pageNumber", req.PageNumber, "teamId", req.TeamID)

	if err := ValidateConvertRequest(req); err != nil {
		return nil, apperr.ValidationError("convert page", err)
	}
	ctx = alert.WithMetadata(ctx, map[string]any{
		"teamId":            req.TeamID,
		"documentVersionId": req.DocumentVersionID,
		"pageNumber":        req.PageNumber,
	})

	res, err := f.process(ctx, logCtx, req)
	if err != nil {
		f.report(ctx, logCtx, err)
		return nil, err
	}
	return res, nil
}

func (f *PageConverterFunction) process(ctx context.Context, logCtx *slog.Logger, req *models.ConvertPageRequest) (*models.ConvertPageResponse, error) {
	existing, err := f.deps.Records.FindPage(ctx, req.DocumentVersionID, req.PageNumber)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		logCtx.Info("Page already converted. Skipping.", "documentPageId", existing.ID)
		if req.PageNumber == 1 {
			// The row may have been written by a delivery that failed before
			// recording the version's orientation.
			isVertical := store.IsVertical(existing.Metadata.OriginalWidth, existing.Metadata.OriginalHeight)
			if err := f.deps.Records.SetOrientation(ctx, req.DocumentVersionID, isVertical); err != nil {
				return nil, err
			}
		}
		return &models.ConvertPageResponse{DocumentPageID: existing.ID}, nil
	}

	data, err := f.deps.Fetcher.Fetch(ctx, logCtx, fetch.Source{
		URL:         req.URL,
		StorageType: req.StorageType,
		StorageKey:  req.FileKey,
	})
	if err != nil {
		return nil, err
	}
	logCtx.Info("Fetched source document.", "bytes", len(data))

	page, err := f.deps.Open(logCtx, data, req.PageNumber)
	if err != nil {
		return nil, err
	}
	defer page.Close()

	width, height := page.Dimensions()
	scale := raster.PlanScale(width, height)
	logCtx = logCtx.With("width", width, "height", height)

	links := page.PageLinks()
	if err := f.deps.Links.Check(ctx, logCtx, links); err != nil {
		return nil, err
	}

	rendered, err := f.deps.Renderer.Render(ctx, logCtx, page, scale)
	if err != nil {
		return nil, err
	}
	bounds := rendered.Image.Bounds()
	logCtx.Info("Rendered page.", "scaleFactor", rendered.ScaleFactor, "pixelWidth", bounds.Dx(), "pixelHeight", bounds.Dy())

	encoded, err := f.deps.Encoder.Encode(ctx, rendered.Image)
	rendered.Image = nil
	if err != nil {
		return nil, fmt.Errorf("failed to encode page: %w", err)
	}

	storageType, storageKey, err := f.upload(ctx, logCtx, req, encoded)
	if err != nil {
		return nil, err
	}

	pageID, created, err := f.deps.Records.UpsertPage(ctx, logCtx, models.DocumentPage{
		VersionID:   req.DocumentVersionID,
		PageNumber:  req.PageNumber,
		File:        storageKey,
		StorageType: storageType,
		PageLinks:   links,
		Metadata: models.PageMetadata{
			OriginalWidth:  width,
			OriginalHeight: height,
			Width:          float64(bounds.Dx()),
			Height:         float64(bounds.Dy()),
			ScaleFactor:    rendered.ScaleFactor,
			Format:         encoded.Format,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record page: %w", err)
	}

	logCtx.Info("Page conversion complete.", "documentPageId", pageID, "created", created, "format", encoded.Format, "bytes", len(encoded.Data))
	return &models.ConvertPageResponse{DocumentPageID: pageID}, nil
}

func (f *PageConverterFunction) upload(ctx context.Context, logCtx *slog.Logger, req *models.ConvertPageRequest, encoded encode.Encoded) (string, string, error) {
	name := fmt.Sprintf("%s/page-%d.%s", req.DocumentVersionID, req.PageNumber, encoded.Format)
	docID := DocIDFromURL(req.URL, req.DocumentVersionID)

	var storageType, storageKey string
	err := f.deps.UploadRetry.Do(ctx, logCtx, "upload", func(ctx context.Context, _ int) error {
		var err error
		storageType, storageKey, err = f.deps.Uploader.Put(ctx, encoded.Data, name, encoded.ContentType(), req.TeamID, docID)
		return err
	})
	if err != nil {
		if retry.IsExhausted(err) {
			return "", "", apperr.TransientError("upload", fmt.Errorf("%w: %w", apperr.ErrUploadExhausted, err))
		}
		return "", "", err
	}
	return storageType, storageKey, nil
}

// WaitForAlerts blocks until alerts raised so far have been delivered.
func (f *PageConverterFunction) WaitForAlerts() {
	alert.Wait(f.deps.Alerts)
}

// report logs a failed conversion and raises one alert. Blocked pages are
// expected and do not page anyone.
func (f *PageConverterFunction) report(ctx context.Context, logCtx *slog.Logger, err error) {
	metadata := alert.MetadataFrom(ctx)

	var blocked *safety.BlockedError
	if errors.As(err, &blocked) {
		logCtx.Warn("Document processing blocked.", "matchedUrl", blocked.Href, "matchedKeyword", blocked.Keyword)
		metadata["matchedUrl"] = blocked.Href
		metadata["matchedKeyword"] = blocked.Keyword
		f.deps.Alerts.Log(ctx, alert.Event{
			Message:  "Document processing blocked due to blocked link",
			Severity: alert.SeverityWarning,
			Metadata: metadata,
		})
		return
	}

	kind := apperr.KindOf(err)
	logCtx.Error("Page conversion failed.", "kind", kind.String(), "error", err)
	metadata["kind"] = kind.String()
	f.deps.Alerts.Log(ctx, alert.Event{
		Message:  fmt.Sprintf("Failed to convert page: %v", err),
		Severity: alert.SeverityError,
		Notify:   true,
		Metadata: metadata,
	})
}

var docIDPattern = regexp.MustCompile(`(doc_[^/]+)/`)

// DocIDFromURL extracts the first doc_<id> path segment of a source URL,
// falling back to fallback when there is none.
func DocIDFromURL(rawURL, fallback string) string {
	if m := docIDPattern.FindStringSubmatch(rawURL); m != nil {
		return m[1]
	}
	return fallback
}
