package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/Lllllllleong/documentpageflow/internal/apperr"
	"github.com/Lllllllleong/documentpageflow/internal/models"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetEnvInt reads an integer environment variable, falling back on absence or parse failure.
func GetEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(GetEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

// GetEnvDuration reads a time.Duration environment variable such as "30s".
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(GetEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

// SaveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
// An existing object is not a failure: redelivered jobs write the same bytes.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName, contentType string, content []byte) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping write.", "gcsObject", objectName)
			return nil
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping write.", "gcsObject", objectName)
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// ParseGCSURI splits gs://bucket/object into its parts.
func ParseGCSURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// uri: %q", uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("malformed gs:// uri: %q", uri)
	}
	return bucket, object, nil
}

// BlobStore is the durable store for source documents and rendered pages.
type BlobStore struct {
	client       *storage.Client
	bucket       string
	signedURLTTL time.Duration
}

// NewBlobStore returns a store that writes into bucket and signs URLs valid for ttl.
func NewBlobStore(client *storage.Client, bucket string, ttl time.Duration) *BlobStore {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &BlobStore{client: client, bucket: bucket, signedURLTTL: ttl}
}

// resolve maps a storage key onto a bucket and object. Bare keys live in the
// store's own bucket.
func (s *BlobStore) resolve(key string) (string, string, error) {
	if strings.HasPrefix(key, "gs://") {
		return ParseGCSURI(key)
	}
	if s.bucket == "" {
		return "", "", fmt.Errorf("no default bucket for key %q", key)
	}
	return s.bucket, strings.TrimPrefix(key, "/"), nil
}

// SignedURL returns a fresh V4 signed GET URL for the object. Download URLs
// carry an attachment disposition.
func (s *BlobStore) SignedURL(_ context.Context, storageType, key string, isDownload bool) (string, error) {
	if storageType != models.StorageTypeGCS {
		return "", apperr.ValidationError("sign url", fmt.Errorf("unsupported storage type %q", storageType))
	}
	bucket, object, err := s.resolve(key)
	if err != nil {
		return "", apperr.ValidationError("sign url", err)
	}

	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(s.signedURLTTL),
	}
	if isDownload {
		opts.QueryParameters = url.Values{
			"response-content-disposition": {"attachment"},
		}
	}
	signed, err := s.client.Bucket(bucket).SignedURL(object, opts)
	if err != nil {
		return "", apperr.TransientError("sign url", fmt.Errorf("failed to sign gs://%s/%s: %w", bucket, object, err))
	}
	return signed, nil
}

// Put stores a rendered page under <teamId>/<docId>/<name> and returns its
// storage type and key.
func (s *BlobStore) Put(ctx context.Context, data []byte, name, contentType, teamID, docID string) (string, string, error) {
	if s.bucket == "" {
		return "", "", fmt.Errorf("blob store has no bucket configured")
	}
	objectName := path.Join(teamID, docID, name)

	writeCtx, cancel := context.WithTimeout(ctx, 50*time.Second)
	defer cancel()

	if err := SaveToGCSAtomically(writeCtx, s.client.Bucket(s.bucket), objectName, contentType, data); err != nil {
		return "", "", apperr.TransientError("upload", err)
	}
	return models.StorageTypeGCS, fmt.Sprintf("gs://%s/%s", s.bucket, objectName), nil
}

// ReadAll downloads an object fully into memory.
func (s *BlobStore) ReadAll(ctx context.Context, key string) ([]byte, error) {
	bucket, object, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", bucket, object, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read gs://%s/%s: %w", bucket, object, err)
	}
	return data, nil
}
