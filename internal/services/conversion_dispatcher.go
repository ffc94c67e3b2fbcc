package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/Lllllllleong/documentpageflow/internal/alert"
	"github.com/Lllllllleong/documentpageflow/internal/fetch"
	"github.com/Lllllllleong/documentpageflow/internal/gcp"
	"github.com/Lllllllleong/documentpageflow/internal/models"
	"github.com/Lllllllleong/documentpageflow/internal/pdfpage"
	"github.com/Lllllllleong/documentpageflow/internal/store"
)

// Object metadata keys set by the upload flow on source documents.
const (
	MetadataVersionID = "documentVersionId"
	MetadataTeamID    = "teamId"
)

type DispatcherConfig struct {
	ProjectID          string
	VersionsCollection string
	PagesCollection    string
	WorkflowID         string
	WorkflowLocation   string
	SignedURLTTL       time.Duration
	AlertWebhookURL    string
}

func loadDispatcherConfig() (*DispatcherConfig, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	return &DispatcherConfig{
		ProjectID:          projectID,
		VersionsCollection: gcp.GetEnv("FIRESTORE_VERSIONS_COLLECTION", "documentVersions"),
		PagesCollection:    gcp.GetEnv("FIRESTORE_PAGES_COLLECTION", "documentPages"),
		WorkflowLocation:   gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
		WorkflowID:         gcp.GetEnv("WORKFLOW_ID", "page-conversion-orchestrator"),
		SignedURLTTL:       gcp.GetEnvDuration("SIGNED_URL_TTL", 15*time.Minute),
		AlertWebhookURL:    gcp.GetEnv("ALERT_WEBHOOK_URL", ""),
	}, nil
}

// GCSEvent is the payload of a storage object finalize event.
type GCSEvent struct {
	Bucket      string            `json:"bucket"`
	Name        string            `json:"name"`
	ContentType string            `json:"contentType"`
	Metadata    map[string]string `json:"metadata"`
}

type (
	ObjectReader interface {
		ReadAll(ctx context.Context, key string) ([]byte, error)
	}
	URLSigner interface {
		SignedURL(ctx context.Context, storageType, key string, isDownload bool) (string, error)
	}
	PageCountRecorder interface {
		SetPageCountOnce(ctx context.Context, versionID string, numPages int) (bool, error)
	}
	WorkflowStarter interface {
		Trigger(ctx context.Context, args any) (string, error)
	}
)

type DispatcherDeps struct {
	Objects  ObjectReader
	Signer   URLSigner
	Versions PageCountRecorder
	Workflow WorkflowStarter
	Alerts   alert.Logger
}

// ConversionDispatcherFunction hands a newly uploaded document version to the
// page conversion workflow.
type ConversionDispatcherFunction struct {
	deps  DispatcherDeps
	count func(data []byte) (int, error)
}

func NewConversionDispatcher(ctx context.Context) (*ConversionDispatcherFunction, error) {
	config, err := loadDispatcherConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	workflow, err := gcp.NewWorkflowTrigger(ctx, config.ProjectID, config.WorkflowLocation, config.WorkflowID)
	if err != nil {
		return nil, err
	}

	blobs := gcp.NewBlobStore(storageClient, "", config.SignedURLTTL)
	f := NewConversionDispatcherWithDeps(DispatcherDeps{
		Objects:  blobs,
		Signer:   blobs,
		Versions: store.NewPageStore(firestoreClient, config.VersionsCollection, config.PagesCollection),
		Workflow: workflow,
		Alerts:   alert.FromEnv(config.AlertWebhookURL),
	})
	slog.Info("Conversion dispatcher initialized.", "workflowId", config.WorkflowID)
	return f, nil
}

func NewConversionDispatcherWithDeps(deps DispatcherDeps) *ConversionDispatcherFunction {
	if deps.Alerts == nil {
		deps.Alerts = alert.NewSlogLogger(nil)
	}
	return &ConversionDispatcherFunction{deps: deps, count: pdfpage.CountPages}
}

// isSourceDocument reports whether the object is a PDF uploaded for a
// document version.
func (e GCSEvent) isSourceDocument() bool {
	if e.Metadata[MetadataVersionID] == "" || e.Metadata[MetadataTeamID] == "" {
		return false
	}
	return e.ContentType == "application/pdf" || strings.HasSuffix(strings.ToLower(e.Name), ".pdf")
}

// Process counts the pages of the uploaded document, records the count on its
// version if none is recorded yet, and starts the conversion workflow.
// Redelivered events start the workflow again; page conversion is idempotent.
func (f *ConversionDispatcherFunction) Process(ctx context.Context, e GCSEvent) error {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	if !e.isSourceDocument() {
		logCtx.Info("Object is not a document version upload. Skipping.", "contentType", e.ContentType)
		return nil
	}

	versionID := e.Metadata[MetadataVersionID]
	teamID := e.Metadata[MetadataTeamID]
	logCtx = logCtx.With("documentVersionId", versionID, "teamId", teamID)
	logCtx.Info("Processing new document version.")

	key := fmt.Sprintf("gs://%s/%s", e.Bucket, e.Name)
	data, err := f.deps.Objects.ReadAll(ctx, key)
	if err != nil {
		return f.handleError(ctx, logCtx, e, "failed to download source PDF", err)
	}
	if err := fetch.CheckSignature(data); err != nil {
		return f.handleError(ctx, logCtx, e, "source object is not a PDF", err)
	}

	pageCount, err := f.count(data)
	if err != nil {
		return f.handleError(ctx, logCtx, e, "failed to get page count", err)
	}
	logCtx = logCtx.With("pageCount", pageCount)

	written, err := f.deps.Versions.SetPageCountOnce(ctx, versionID, pageCount)
	if err != nil {
		return f.handleError(ctx, logCtx, e, "failed to record page count", err)
	}
	if !written {
		logCtx.Info("Page count already recorded for version.")
	}

	url, err := f.deps.Signer.SignedURL(ctx, models.StorageTypeGCS, key, true)
	if err != nil {
		return f.handleError(ctx, logCtx, e, "failed to sign source URL", err)
	}

	execution, err := f.deps.Workflow.Trigger(ctx, models.ConversionWorkflowArgs{
		DocumentVersionID: versionID,
		TeamID:            teamID,
		PageCount:         pageCount,
		URL:               url,
		StorageType:       models.StorageTypeGCS,
		FileKey:           key,
	})
	if err != nil {
		return f.handleError(ctx, logCtx, e, "failed to trigger workflow execution", err)
	}

	logCtx.Info("Hand-off to workflow complete.", "execution", execution)
	return nil
}

// WaitForAlerts blocks until alerts raised so far have been delivered.
func (f *ConversionDispatcherFunction) WaitForAlerts() {
	alert.Wait(f.deps.Alerts)
}

func (f *ConversionDispatcherFunction) handleError(ctx context.Context, logCtx *slog.Logger, e GCSEvent, message string, originalErr error) error {
	logCtx.Error(message, "error", originalErr)
	f.deps.Alerts.Log(ctx, alert.Event{
		Message:  fmt.Sprintf("%s: %v", message, originalErr),
		Severity: alert.SeverityError,
		Notify:   true,
		Metadata: map[string]any{
			"teamId":            e.Metadata[MetadataTeamID],
			"documentVersionId": e.Metadata[MetadataVersionID],
			"gcsObject":         e.Name,
		},
	})
	return fmt.Errorf("%s: %w", message, originalErr)
}
