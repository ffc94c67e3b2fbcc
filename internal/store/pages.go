// Package store persists rendered page records and document version state
// in Firestore.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/documentpageflow/internal/models"
)

// PageStore reads and writes DocumentPage and DocumentVersion documents.
//
// A page document's ID is derived from (versionId, pageNumber), so Firestore's
// create-if-absent semantics enforce one page per key.
type PageStore struct {
	client   *firestore.Client
	versions string
	pages    string
	now      func() time.Time
}

func NewPageStore(client *firestore.Client, versionsCollection, pagesCollection string) *PageStore {
	return &PageStore{
		client:   client,
		versions: versionsCollection,
		pages:    pagesCollection,
		now:      time.Now,
	}
}

// PageDocID is the Firestore document ID for a version's page.
func PageDocID(versionID string, pageNumber int) string {
	return fmt.Sprintf("%s_%d", versionID, pageNumber)
}

func (s *PageStore) pageRef(versionID string, pageNumber int) *firestore.DocumentRef {
	return s.client.Collection(s.pages).Doc(PageDocID(versionID, pageNumber))
}

// FindPage returns the page stored for (versionID, pageNumber), or nil.
func (s *PageStore) FindPage(ctx context.Context, versionID string, pageNumber int) (*models.DocumentPage, error) {
	snap, err := s.pageRef(versionID, pageNumber).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read page %d of version %s: %w", pageNumber, versionID, err)
	}
	var page models.DocumentPage
	if err := snap.DataTo(&page); err != nil {
		return nil, fmt.Errorf("failed to decode page %d of version %s: %w", pageNumber, versionID, err)
	}
	return &page, nil
}

// UpsertPage stores page unless a page with the same (VersionID, PageNumber)
// already exists, and returns the ID of whichever record is stored. created
// is false when an existing record was found. For page 1 it also records the
// version's orientation.
func (s *PageStore) UpsertPage(ctx context.Context, logger *slog.Logger, page models.DocumentPage) (id string, created bool, err error) {
	if logger == nil {
		logger = slog.Default()
	}

	existing, err := s.FindPage(ctx, page.VersionID, page.PageNumber)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		id = existing.ID
	} else {
		if page.ID == "" {
			page.ID = uuid.NewString()
		}
		if page.CreatedAt.IsZero() {
			page.CreatedAt = s.now().UTC()
		}

		_, err = s.pageRef(page.VersionID, page.PageNumber).Create(ctx, page)
		switch {
		case err == nil:
			id, created = page.ID, true
		case status.Code(err) == codes.AlreadyExists:
			// Lost a race with a concurrent delivery of the same page.
			logger.Info("Page record created concurrently, using existing record.", "versionId", page.VersionID, "pageNumber", page.PageNumber)
			existing, err = s.FindPage(ctx, page.VersionID, page.PageNumber)
			if err != nil {
				return "", false, err
			}
			if existing == nil {
				return "", false, fmt.Errorf("page %d of version %s reported as existing but not found", page.PageNumber, page.VersionID)
			}
			id = existing.ID
		default:
			return "", false, fmt.Errorf("failed to create page %d of version %s: %w", page.PageNumber, page.VersionID, err)
		}
	}

	if page.PageNumber == 1 {
		isVertical := IsVertical(page.Metadata.OriginalWidth, page.Metadata.OriginalHeight)
		if err := s.SetOrientation(ctx, page.VersionID, isVertical); err != nil {
			return "", false, err
		}
	}
	return id, created, nil
}

// IsVertical reports whether a page is strictly taller than wide. Square pages
// are not vertical.
func IsVertical(width, height float64) bool {
	return height > width
}

// SetOrientation overwrites the version's isVertical flag.
func (s *PageStore) SetOrientation(ctx context.Context, versionID string, isVertical bool) error {
	_, err := s.client.Collection(s.versions).Doc(versionID).Update(ctx, []firestore.Update{
		{Path: "isVertical", Value: isVertical},
	})
	if err != nil {
		return fmt.Errorf("failed to set orientation of version %s: %w", versionID, err)
	}
	return nil
}

// SetPageCountOnce records numPages on the version unless a page count is
// already set. It reports whether this call wrote the value.
func (s *PageStore) SetPageCountOnce(ctx context.Context, versionID string, numPages int) (bool, error) {
	ref := s.client.Collection(s.versions).Doc(versionID)
	written := false
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		written = false
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var version models.DocumentVersion
		if err := snap.DataTo(&version); err != nil {
			return err
		}
		if version.NumPages > 0 {
			return nil
		}
		written = true
		return tx.Update(ref, []firestore.Update{{Path: "numPages", Value: numPages}})
	})
	if err != nil {
		return false, fmt.Errorf("failed to set page count of version %s: %w", versionID, err)
	}
	return written, nil
}

// GetVersion loads a document version.
func (s *PageStore) GetVersion(ctx context.Context, versionID string) (*models.DocumentVersion, error) {
	snap, err := s.client.Collection(s.versions).Doc(versionID).Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read version %s: %w", versionID, err)
	}
	var version models.DocumentVersion
	if err := snap.DataTo(&version); err != nil {
		return nil, fmt.Errorf("failed to decode version %s: %w", versionID, err)
	}
	version.ID = snap.Ref.ID
	return &version, nil
}
