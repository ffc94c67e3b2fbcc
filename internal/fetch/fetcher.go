// Package fetch retrieves source PDF bytes from remote storage, regenerating
// signed URLs when the one it was given has expired.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Lllllllleong/documentpageflow/internal/apperr"
	"github.com/Lllllllleong/documentpageflow/internal/retry"
)

const userAgent = "documentpageflow-pdf-processor/1.0"

// pdfSignature is the first four bytes of every PDF file.
var pdfSignature = []byte("%PDF")

// ErrUnexpectedStatus is returned for non-success statuses that are not auth failures.
var ErrUnexpectedStatus = errors.New("unexpected HTTP status")

// URLSigner issues fresh signed URLs for stored objects.
type URLSigner interface {
	SignedURL(ctx context.Context, storageType, key string, isDownload bool) (string, error)
}

// Source describes where a document lives. StorageType and StorageKey are
// optional; when both are set, retries use a freshly signed URL, or the
// original URL when signing fails.
type Source struct {
	URL         string
	StorageType string
	StorageKey  string
}

func (s Source) canResign() bool {
	return s.StorageType != "" && s.StorageKey != ""
}

// Fetcher downloads documents with a bounded number of attempts.
type Fetcher struct {
	client *http.Client
	signer URLSigner
	policy retry.Policy
}

// New returns a Fetcher. signer may be nil, in which case retries reuse the
// original URL.
func New(client *http.Client, signer URLSigner, policy retry.Policy) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, signer: signer, policy: policy}
}

// Fetch downloads src and checks that the payload is a PDF. Auth failures and
// network errors are retried; any other non-success status is returned at once.
func (f *Fetcher) Fetch(ctx context.Context, logger *slog.Logger, src Source) ([]byte, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("hasStorageMetadata", src.canResign())

	var data []byte
	err := f.policy.Do(ctx, logger, "fetch", func(ctx context.Context, attempt int) error {
		fetchURL := src.URL
		if attempt > 1 && src.canResign() && f.signer != nil {
			logger.Info("Regenerating signed download URL.", "attempt", attempt, "storageType", src.StorageType)
			signed, err := f.signer.SignedURL(ctx, src.StorageType, src.StorageKey, true)
			if err != nil {
				logger.Warn("Could not regenerate signed URL, retrying the original.", "attempt", attempt, "error", err)
			} else {
				fetchURL = signed
			}
		}

		body, err := f.get(ctx, fetchURL)
		if err != nil {
			return err
		}
		logger.Info("Fetched document.", "attempt", attempt, "bytes", len(body))
		data = body
		return nil
	})
	if err != nil {
		if retry.IsExhausted(err) {
			return nil, apperr.TransientError("fetch", fmt.Errorf("%w: %w", apperr.ErrFetchExhausted, err))
		}
		return nil, err
	}

	if err := CheckSignature(data); err != nil {
		return nil, err
	}
	return data, nil
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.ValidationError("fetch", fmt.Errorf("invalid url: %w", err))
	}
	req.Header.Set("Accept", "application/pdf")
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.TransientError("fetch", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, apperr.TransientError("fetch", fmt.Errorf("failed to read response body: %w", err))
		}
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apperr.TransientError("fetch", fmt.Errorf("HTTP %d: %s", resp.StatusCode, preview(resp.Body)))
	default:
		return nil, apperr.New(apperr.Internal, "fetch",
			fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, preview(resp.Body)))
	}
}

// CheckSignature rejects payloads that do not start with the PDF header.
// Error pages served with HTTP 200 end up here.
func CheckSignature(data []byte) error {
	if bytes.HasPrefix(data, pdfSignature) {
		return nil
	}
	head := data
	if len(head) > 50 {
		head = head[:50]
	}
	return apperr.ValidationError("fetch", fmt.Errorf("%w: received %s", apperr.ErrNotAPDF, strconv.Quote(string(head))))
}

func preview(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 100))
	return string(b)
}
